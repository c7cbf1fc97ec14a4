package observability

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func initMetrics(ctx context.Context, cfg MetricsConfig, options initOptions) (func(context.Context) error, error) {
	helper := log.NewHelper(options.logger)
	reader, err := newMetricReader(ctx, cfg, options.registerer)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(options.resource),
	)
	otel.SetMeterProvider(mp)

	if !cfg.DisableRuntimeStats {
		if err := runtime.Start(
			runtime.WithMeterProvider(mp),
			runtime.WithMinimumReadMemStatsInterval(cfg.Interval),
		); err != nil {
			helper.Warnf("observability: start runtime metrics: %v", err)
		}
	}

	helper.Infof("observability: metrics initialized exporter=%s endpoint=%s interval=%s", cfg.Exporter, cfg.Endpoint, cfg.Interval)
	return func(ctx context.Context) error {
		helper.Info("observability: shutting down metrics provider")
		return mp.Shutdown(ctx)
	}, nil
}

func newMetricReader(ctx context.Context, cfg MetricsConfig, registerer prometheus.Registerer) (sdkmetric.Reader, error) {
	switch cfg.Exporter {
	case ExporterOTLPgRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: otlp metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)), nil
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("observability: stdout metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)), nil
	case ExporterPrometheus:
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		exp, err := otelprom.New(otelprom.WithRegisterer(registerer))
		if err != nil {
			return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("observability: unsupported metrics exporter %q", cfg.Exporter)
	}
}
