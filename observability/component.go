// Package observability installs the global OpenTelemetry tracer and meter
// providers used by the transaction manager and the connection pools.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultShutdownTimeout = 5 * time.Second

// Init sets up tracing and metrics providers according to cfg and returns a
// shutdown function that flushes them in reverse order.
func Init(ctx context.Context, cfg Config, opts ...Option) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, errors.New("observability: nil context")
	}
	options := defaultInitOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		return nil, errors.New("observability: logger is required (use observability.WithLogger)")
	}

	res, err := buildResource(ctx, cfg, options)
	if err != nil {
		return nil, err
	}
	options.resource = res

	cfg = cfg.sanitize()
	helper := log.NewHelper(options.logger)

	var shutdowns []func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, *cfg.Tracing, options)
		if err != nil {
			if cfg.Tracing.Required {
				return nil, err
			}
			helper.Warnf("observability: tracing disabled due to initialization error: %v", err)
		} else {
			shutdowns = append(shutdowns, shutdown)
		}
	}
	if cfg.Metrics.Enabled {
		shutdown, err := initMetrics(ctx, *cfg.Metrics, options)
		if err != nil {
			if cfg.Metrics.Required {
				return nil, err
			}
			helper.Warnf("observability: metrics disabled due to initialization error: %v", err)
		} else {
			shutdowns = append(shutdowns, shutdown)
		}
	}

	return func(ctx context.Context) error {
		var result error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			if err := shutdowns[i](ctx); err != nil && result == nil {
				result = err
			}
		}
		return result
	}, nil
}

// ServiceInfo carries metadata used to annotate telemetry resources.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
}

// Component wraps the initialized providers. With the prometheus exporter it
// also owns the registry scraped through MetricsHandler.
type Component struct {
	shutdown func(context.Context) error
	registry *prometheus.Registry
	logger   log.Logger
}

// NewComponent installs the providers. The returned cleanup flushes buffered
// telemetry with a bounded timeout.
func NewComponent(ctx context.Context, cfg Config, info ServiceInfo, logger log.Logger) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	opts := []Option{
		WithLogger(logger),
		WithServiceName(info.Name),
		WithServiceVersion(info.Version),
		WithEnvironment(info.Environment),
	}
	var registry *prometheus.Registry
	if cfg.Metrics != nil && cfg.Metrics.Enabled && cfg.Metrics.Exporter == ExporterPrometheus {
		registry = prometheus.NewRegistry()
		opts = append(opts, WithPrometheusRegisterer(registry))
	}

	shutdown, err := Init(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	comp := &Component{shutdown: shutdown, registry: registry, logger: logger}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := comp.Shutdown(shutdownCtx); err != nil {
			log.NewHelper(comp.logger).Warnf("observability: shutdown: %v", err)
		}
	}
	return comp, cleanup, nil
}

// Shutdown flushes telemetry using ctx.
func (c *Component) Shutdown(ctx context.Context) error {
	if c == nil || c.shutdown == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.shutdown(ctx)
}

// MetricsHandler serves the prometheus registry, or returns nil when metrics
// are not exported through prometheus.
func (c *Component) MetricsHandler() http.Handler {
	if c == nil || c.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ProviderSet wires the observability component for Google Wire.
var ProviderSet = wire.NewSet(NewComponent)
