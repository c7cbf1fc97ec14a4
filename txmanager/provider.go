package txmanager

import (
	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txcontext"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// Component wraps the constructed Manager and aligns with the shared component
// pattern used by the other packages (pgxpoolx, sqldb, observability).
type Component struct {
	Manager Manager
}

// NewComponent builds a transaction manager sharing carrier with the
// repositories of the same process. The cleanup is a no-op kept for
// lifecycle parity with the other components.
func NewComponent(cfg Config, pool dbconn.Pool, carrier *txcontext.Carrier, logger log.Logger) (*Component, func(), error) {
	manager, err := NewManager(pool, carrier, cfg, WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	comp := &Component{Manager: manager}
	cleanup := func() {}
	return comp, cleanup, nil
}

// ProvideManager exposes the Manager interface for Wire injection.
func ProvideManager(comp *Component) Manager {
	return comp.Manager
}

// ProviderSet collects constructors for Wire integration.
var ProviderSet = wire.NewSet(NewComponent, ProvideManager)
