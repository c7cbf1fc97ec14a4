package pgxpoolx

import (
	"context"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProvideComponent builds a Component using the shared logger and default
// dependency set.
func ProvideComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	deps := Dependencies{Logger: logger}
	return NewComponent(ctx, cfg, deps)
}

// ProvidePool exposes the constructed pgxpool.Pool for code that needs pgx
// directly.
func ProvidePool(component *Component) *pgxpool.Pool {
	if component == nil {
		return nil
	}
	return component.Pool
}

// ProvideDBPool exposes the pool as the dbconn collaborator consumed by
// txcontext and txmanager.
func ProvideDBPool(component *Component) dbconn.Pool {
	if component == nil || component.DB == nil {
		return nil
	}
	return component.DB
}

// ProviderSet wires the pgxpoolx component and both pool views for
// dependency injection via Google Wire.
var ProviderSet = wire.NewSet(ProvideComponent, ProvidePool, ProvideDBPool)
