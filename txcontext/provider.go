package txcontext

import (
	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/google/wire"
)

// ProvideCarrier builds the process-wide carrier over the pool used as the
// non-transactional fallback.
func ProvideCarrier(pool dbconn.Pool) (*Carrier, error) {
	return NewCarrier(pool)
}

// ProviderSet collects constructors for Wire integration.
var ProviderSet = wire.NewSet(ProvideCarrier)
