package txlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"go.opentelemetry.io/otel/trace"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config selects the output format and level. Service metadata is supplied
// separately so it can be shared with telemetry resources.
type Config struct {
	Format               string            `json:"format" yaml:"format"`
	Level                string            `json:"level" yaml:"level"`
	EnableSourceLocation bool              `json:"enableSourceLocation" yaml:"enableSourceLocation"`
	StaticLabels         map[string]string `json:"staticLabels" yaml:"staticLabels"`
}

// Service identifies the process in every entry.
type Service struct {
	Name        string
	Version     string
	Environment string
	InstanceID  string
}

// Component bundles the kratos-compatible logger.
type Component struct {
	Logger log.Logger
}

// NewComponent builds the process logger: JSON or kratos text output,
// enriched with trace and span ids from the call context and filtered at the
// configured level.
func NewComponent(cfg Config, svc Service, w io.Writer) (*Component, func(), error) {
	if w == nil {
		w = os.Stdout
	}

	var base log.Logger
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatJSON:
		opts := []Option{
			WithService(svc.Name),
			WithVersion(svc.Version),
			WithEnvironment(svc.Environment),
			WithStaticLabels(cfg.StaticLabels),
			WithWriter(w),
		}
		if svc.InstanceID != "" {
			opts = append(opts, WithInstanceID(svc.InstanceID))
		}
		if cfg.EnableSourceLocation {
			opts = append(opts, EnableSourceLocation())
		}
		logger, err := NewLogger(opts...)
		if err != nil {
			return nil, nil, err
		}
		base = logger
	case FormatText:
		base = log.With(log.NewStdLogger(w),
			"ts", log.DefaultTimestamp,
			"caller", log.DefaultCaller,
			"service.name", svc.Name,
			"service.version", svc.Version,
		)
	default:
		return nil, nil, fmt.Errorf("txlog: unsupported format %q", cfg.Format)
	}

	if cfg.Level != "" {
		base = log.NewFilter(base, log.FilterLevel(log.ParseLevel(cfg.Level)))
	}
	logger := log.With(base,
		traceKey, TraceID(),
		spanKey, SpanID(),
	)

	comp := &Component{Logger: logger}
	cleanup := func() {}
	return comp, cleanup, nil
}

// TraceID returns a valuer reading the trace id of the span on ctx.
func TraceID() log.Valuer {
	return func(ctx context.Context) any {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			return sc.TraceID().String()
		}
		return ""
	}
}

// SpanID returns a valuer reading the span id of the span on ctx.
func SpanID() log.Valuer {
	return func(ctx context.Context) any {
		if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
			return sc.SpanID().String()
		}
		return ""
	}
}

// ProvideLogger exposes the logger for injection.
func ProvideLogger(comp *Component) log.Logger {
	return comp.Logger
}

// ProviderSet wires the logging component for Wire-based injection.
var ProviderSet = wire.NewSet(NewComponent, ProvideLogger)
