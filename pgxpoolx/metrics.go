package pgxpoolx

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// poolTelemetry records how transactions use the pool: the wait for a
// connection, failed checkouts, how long a connection stays checked out and
// pgx's own pool statistics. Every instrument carries db.system so the
// series line up with the txmanager metrics of the same name.
type poolTelemetry struct {
	helper         *log.Helper
	attrs          metric.MeasurementOption
	acquireLatency metric.Float64Histogram
	acquireFail    metric.Int64Counter
	releases       metric.Int64Counter
	held           metric.Float64Histogram
	healthLatency  metric.Float64Histogram
	healthFail     metric.Int64Counter
	registration   metric.Registration
	enabled        bool
}

// newPoolTelemetry creates the instruments. pool may be nil, in which case
// the pgx statistics gauges are not registered.
func newPoolTelemetry(meter metric.Meter, helper *log.Helper, pool *pgxpool.Pool) *poolTelemetry {
	t := &poolTelemetry{helper: helper}
	if meter == nil || helper == nil {
		return t
	}
	systemAttr := attribute.String("db.system", system)
	t.attrs = metric.WithAttributes(systemAttr)

	var err error
	if t.acquireLatency, err = meter.Float64Histogram("db.pool.acquire.duration",
		metric.WithUnit("ms"), metric.WithDescription("wait for a pooled connection")); err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.acquire.duration err=%v", err)
	}
	if t.acquireFail, err = meter.Int64Counter("db.pool.acquire.failures"); err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.acquire.failures err=%v", err)
	}
	if t.releases, err = meter.Int64Counter("db.pool.releases"); err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.releases err=%v", err)
	}
	if t.held, err = meter.Float64Histogram("db.pool.conn.held_duration",
		metric.WithUnit("ms"), metric.WithDescription("checkout to release")); err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.conn.held_duration err=%v", err)
	}
	if t.healthLatency, err = meter.Float64Histogram("db.pool.health_check.duration", metric.WithUnit("ms")); err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.health_check.duration err=%v", err)
	}
	if t.healthFail, err = meter.Int64Counter("db.pool.health_check.failures"); err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.health_check.failures err=%v", err)
	}
	t.enabled = true

	if pool == nil {
		return t
	}
	connections, err := meter.Int64ObservableGauge("db.pool.connections")
	if err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.connections err=%v", err)
		return t
	}
	emptyWaits, err := meter.Int64ObservableCounter("db.pool.acquire.empty_waits",
		metric.WithDescription("checkouts that waited because the pool was empty"))
	if err != nil {
		helper.Warnf("pgxpoolx: metric init failed name=db.pool.acquire.empty_waits err=%v", err)
		return t
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := pool.Stat()
		for state, n := range map[string]int32{
			"active": stats.AcquiredConns(),
			"idle":   stats.IdleConns(),
			"total":  stats.TotalConns(),
			"max":    stats.MaxConns(),
		} {
			o.ObserveInt64(connections, int64(n), metric.WithAttributes(systemAttr, attribute.String("state", state)))
		}
		o.ObserveInt64(emptyWaits, stats.EmptyAcquireCount(), t.attrs)
		return nil
	}, connections, emptyWaits)
	if err != nil {
		helper.Warnf("pgxpoolx: register pool stats callback failed err=%v", err)
		return t
	}
	t.registration = reg
	return t
}

func (t *poolTelemetry) recordAcquire(ctx context.Context, elapsed time.Duration, err error) {
	if t == nil || !t.enabled {
		return
	}
	if t.acquireLatency != nil {
		t.acquireLatency.Record(ctx, float64(elapsed.Microseconds())/1000, t.attrs)
	}
	if err != nil && t.acquireFail != nil {
		t.acquireFail.Add(ctx, 1, t.attrs)
	}
}

func (t *poolTelemetry) recordRelease(held time.Duration) {
	if t == nil || !t.enabled {
		return
	}
	ctx := context.Background()
	if t.releases != nil {
		t.releases.Add(ctx, 1, t.attrs)
	}
	if t.held != nil {
		t.held.Record(ctx, float64(held.Microseconds())/1000, t.attrs)
	}
}

func (t *poolTelemetry) recordHealthCheck(ctx context.Context, elapsed time.Duration, err error) {
	if t == nil || !t.enabled {
		return
	}
	if t.healthLatency != nil {
		t.healthLatency.Record(ctx, float64(elapsed.Milliseconds()), t.attrs)
	}
	if err != nil && t.healthFail != nil {
		t.healthFail.Add(ctx, 1, t.attrs)
	}
}

func (t *poolTelemetry) shutdown() {
	if t == nil || t.registration == nil {
		return
	}
	if err := t.registration.Unregister(); err != nil {
		t.helper.Warnf("pgxpoolx: unregister pool stats callback failed err=%v", err)
	}
}
