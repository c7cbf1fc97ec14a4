package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lingo-txscope.outbox"

var (
	attrEventType = attribute.Key("outbox.event_type")
	attrResult    = attribute.Key("outbox.result")
)

type publisherMetrics struct {
	published    metric.Int64Counter
	failed       metric.Int64Counter
	latency      metric.Float64Histogram
	registration metric.Registration
	backlog      atomic.Int64
	helper       *log.Helper
}

// newPublisherMetrics returns nil when disabled; every method accepts a nil
// receiver.
func newPublisherMetrics(meter metric.Meter, helper *log.Helper, enabled bool) *publisherMetrics {
	if !enabled {
		return nil
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	m := &publisherMetrics{helper: helper}

	var err error
	if m.published, err = meter.Int64Counter("outbox.published",
		metric.WithDescription("Outbox events published"), metric.WithUnit("{event}")); err != nil {
		helper.Warnf("outbox: register published counter: %v", err)
	}
	if m.failed, err = meter.Int64Counter("outbox.failed",
		metric.WithDescription("Outbox publish attempts that failed"), metric.WithUnit("{event}")); err != nil {
		helper.Warnf("outbox: register failed counter: %v", err)
	}
	if m.latency, err = meter.Float64Histogram("outbox.publish.duration",
		metric.WithDescription("Latency of outbox publish calls"), metric.WithUnit("ms")); err != nil {
		helper.Warnf("outbox: register latency histogram: %v", err)
	}
	backlog, err := meter.Int64ObservableGauge("outbox.backlog",
		metric.WithDescription("Outbox events awaiting delivery"), metric.WithUnit("{event}"))
	if err != nil {
		helper.Warnf("outbox: register backlog gauge: %v", err)
		return m
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(backlog, m.backlog.Load())
		return nil
	}, backlog)
	if err != nil {
		helper.Warnf("outbox: register backlog callback: %v", err)
		return m
	}
	m.registration = reg
	return m
}

func (m *publisherMetrics) record(ctx context.Context, event Event, latency time.Duration, result string, counter metric.Int64Counter) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attrEventType.String(event.EventType))
	if counter != nil {
		counter.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(latency.Microseconds())/1000,
			metric.WithAttributes(attrEventType.String(event.EventType), attrResult.String(result)))
	}
}

func (m *publisherMetrics) recordSuccess(ctx context.Context, event Event, latency time.Duration) {
	if m == nil {
		return
	}
	m.record(ctx, event, latency, "success", m.published)
}

func (m *publisherMetrics) recordFailure(ctx context.Context, event Event, latency time.Duration) {
	if m == nil {
		return
	}
	m.record(ctx, event, latency, "failure", m.failed)
}

func (m *publisherMetrics) setBacklog(count int64) {
	if m == nil {
		return
	}
	m.backlog.Store(count)
}

func (m *publisherMetrics) shutdown() {
	if m == nil || m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		m.helper.Warnf("outbox: unregister backlog gauge: %v", err)
	}
}
