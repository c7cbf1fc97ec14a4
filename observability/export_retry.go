package observability

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	errdetails "google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryingClient replaces the exporter's built-in retry so that every failed
// upload is reported through the kratos logger.
type retryingClient struct {
	delegate otlptrace.Client
	helper   *log.Helper
	settings retrySettings
}

type retrySettings struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

// exportError marks failures already logged by the retrying client so the
// global otel error handler does not log them twice.
type exportError struct {
	err error
}

func (e *exportError) Error() string { return e.err.Error() }

func (e *exportError) Unwrap() error { return e.err }

func defaultRetrySettings() retrySettings {
	return retrySettings{
		initialInterval: 5 * time.Second,
		maxInterval:     30 * time.Second,
		maxElapsed:      time.Minute,
	}
}

func newRetryingExporter(ctx context.Context, settings retrySettings, helper *log.Helper, clientOpts ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
	clientOpts = append(clientOpts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: false}))
	client := &retryingClient{
		delegate: otlptracegrpc.NewClient(clientOpts...),
		helper:   helper,
		settings: settings,
	}
	return otlptrace.New(ctx, client)
}

func (c *retryingClient) Start(ctx context.Context) error {
	return c.delegate.Start(ctx)
}

func (c *retryingClient) Stop(ctx context.Context) error {
	return c.delegate.Stop(ctx)
}

func (c *retryingClient) UploadTraces(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = c.settings.initialInterval
	seq.MaxInterval = c.settings.maxInterval

	attempt := 0
	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.delegate.UploadTraces(ctx, spans)
		if err == nil {
			return struct{}{}, nil
		}
		retryable, code, throttle := classifyExportError(err)
		if !retryable {
			return struct{}{}, backoff.Permanent(err)
		}
		c.helper.Warnw("msg", "otel exporter retry scheduled", "attempt", attempt, "grpc_code", code.String(), "error", err)
		if throttle > 0 {
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(throttle.Seconds())))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(seq), backoff.WithMaxElapsedTime(c.settings.maxElapsed))

	if err != nil {
		c.helper.Errorw("msg", "otel exporter gave up", "attempts", attempt, "span_count", spanCount(spans), "error", err)
		return &exportError{err: fmt.Errorf("otel exporter: %w", err)}
	}
	if attempt > 1 {
		c.helper.Infow("msg", "otel exporter recovered", "attempts", attempt, "duration", time.Since(start), "span_count", spanCount(spans))
	}
	return nil
}

// classifyExportError follows the OTLP retry rules for gRPC status codes.
func classifyExportError(err error) (retryable bool, code codes.Code, throttle time.Duration) {
	if err == nil {
		return false, codes.OK, 0
	}
	s, ok := status.FromError(err)
	if !ok {
		return false, codes.Unknown, 0
	}
	switch s.Code() {
	case codes.Canceled,
		codes.DeadlineExceeded,
		codes.Aborted,
		codes.OutOfRange,
		codes.Unavailable,
		codes.DataLoss,
		codes.ResourceExhausted:
		return true, s.Code(), retryDelay(s)
	}
	return false, s.Code(), 0
}

func retryDelay(s *status.Status) time.Duration {
	for _, detail := range s.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			return info.RetryDelay.AsDuration()
		}
	}
	return 0
}

func spanCount(spans []*tracepb.ResourceSpans) int {
	total := 0
	for _, rs := range spans {
		if rs == nil {
			continue
		}
		for _, ss := range rs.ScopeSpans {
			if ss != nil {
				total += len(ss.Spans)
			}
		}
	}
	return total
}
