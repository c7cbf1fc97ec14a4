package observability

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/status"
)

func initTracing(ctx context.Context, cfg TracingConfig, options initOptions) (func(context.Context) error, error) {
	helper := log.NewHelper(options.logger)
	exporter, err := newSpanExporter(ctx, cfg, helper)
	if err != nil {
		return nil, err
	}

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		var exported *exportError
		if err == nil || errors.As(err, &exported) {
			return
		}
		fields := []any{"msg", "otel error", "error", err}
		if st, ok := status.FromError(err); ok {
			fields = append(fields, "grpc_code", st.Code().String())
		}
		helper.Errorw(fields...)
	}))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
		sdktrace.WithResource(options.resource),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(options.propagator)

	helper.Infof("observability: tracing initialized exporter=%s endpoint=%s ratio=%.2f", cfg.Exporter, cfg.Endpoint, cfg.SamplingRatio)
	return func(ctx context.Context) error {
		helper.Info("observability: shutting down tracing provider")
		return tp.Shutdown(ctx)
	}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig, helper *log.Helper) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPgRPC:
		var clientOpts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			clientOpts = append(clientOpts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		return newRetryingExporter(ctx, defaultRetrySettings(), helper, clientOpts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("observability: unsupported tracing exporter %q", cfg.Exporter)
	}
}
