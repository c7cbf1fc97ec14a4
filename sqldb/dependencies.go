package sqldb

import (
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Dependencies lists collaborators required during component construction.
type Dependencies struct {
	Logger log.Logger
	Meter  metric.Meter
	Clock  func() time.Time
}

type componentDeps struct {
	logger log.Logger
	meter  metric.Meter
	clock  func() time.Time
}

func sanitizeDependencies(deps Dependencies) componentDeps {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("lingo-txscope/sqldb")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return componentDeps{logger: logger, meter: meter, clock: clock}
}
