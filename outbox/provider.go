package outbox

import (
	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProvideRepository builds the outbox repository over pool, sharing the
// manager's carrier.
func ProvideRepository(pool dbconn.Pool, mgr txmanager.Manager, logger log.Logger) (*Repository, error) {
	return NewRepository(Factory(pool), logger, mgr)
}

// ProvideTask builds the publisher task with the global meter provider.
func ProvideTask(repo *Repository, mgr txmanager.Manager, pub Publisher, cfg Config, logger log.Logger) (*Task, error) {
	return NewTask(repo, mgr, pub, cfg, logger, nil)
}

// ProviderSet wires the outbox repository and publisher task. A Publisher
// must be provided by the application.
var ProviderSet = wire.NewSet(ProvideRepository, ProvideTask)
