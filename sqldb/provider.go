package sqldb

import (
	"context"
	"database/sql"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProvideComponent builds a Component with the shared logger.
func ProvideComponent(ctx context.Context, cfg Config, logger log.Logger) (*Component, func(), error) {
	return NewComponent(ctx, cfg, Dependencies{Logger: logger})
}

// ProvideSQL exposes the raw *sql.DB.
func ProvideSQL(component *Component) *sql.DB {
	if component == nil {
		return nil
	}
	return component.SQL
}

// ProvideDBPool exposes the pool as the dbconn collaborator consumed by
// txcontext and txmanager.
func ProvideDBPool(component *Component) dbconn.Pool {
	if component == nil || component.DB == nil {
		return nil
	}
	return component.DB
}

// ProviderSet wires the sqldb component for Google Wire.
var ProviderSet = wire.NewSet(ProvideComponent, ProvideSQL, ProvideDBPool)
