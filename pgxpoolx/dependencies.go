package pgxpoolx

import (
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/bionicotaku/lingo-txscope/pgxpoolx"

// Dependencies are the optional collaborators of NewComponent.
//
// Tracer replaces the default failure logger on every pooled connection;
// with QuietQueries set and no Tracer, pgx runs without one.
type Dependencies struct {
	Logger       log.Logger
	Meter        metric.Meter
	Tracer       pgx.QueryTracer
	QuietQueries bool
	Clock        func() time.Time
}

type componentDeps struct {
	logger log.Logger
	meter  metric.Meter
	tracer pgx.QueryTracer
	clock  func() time.Time
}

func sanitizeDependencies(deps Dependencies) componentDeps {
	out := componentDeps{
		logger: deps.Logger,
		meter:  deps.Meter,
		tracer: deps.Tracer,
		clock:  deps.Clock,
	}
	if out.logger == nil {
		out.logger = log.NewStdLogger(io.Discard)
	}
	if out.meter == nil {
		out.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if out.tracer == nil && !deps.QuietQueries {
		out.tracer = newPGXLogger(log.NewHelper(out.logger))
	}
	if out.clock == nil {
		out.clock = time.Now
	}
	return out
}
