package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type poolTelemetry struct {
	helper        *log.Helper
	healthLatency metric.Float64Histogram
	healthFail    metric.Int64Counter
	registration  metric.Registration
	enabled       bool
}

func newPoolTelemetry(meter metric.Meter, helper *log.Helper, db *sql.DB, driver string) *poolTelemetry {
	t := &poolTelemetry{helper: helper}
	if meter == nil || helper == nil || db == nil {
		return t
	}

	var err error
	t.healthLatency, err = meter.Float64Histogram("db.pool.health_check.duration", metric.WithUnit("ms"))
	if err != nil {
		helper.Warnf("sqldb: health check histogram error: %v", err)
	}
	t.healthFail, err = meter.Int64Counter("db.pool.health_check.failures")
	if err != nil {
		helper.Warnf("sqldb: health check counter error: %v", err)
	}

	connections, err := meter.Int64ObservableGauge("db.pool.connections")
	if err != nil {
		helper.Warnf("sqldb: connections gauge error: %v", err)
	} else {
		system := attribute.String("db.system", driver)
		reg, regErr := meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
			stats := db.Stats()
			observer.ObserveInt64(connections, int64(stats.InUse),
				metric.WithAttributes(system, attribute.String("state", "active")))
			observer.ObserveInt64(connections, int64(stats.Idle),
				metric.WithAttributes(system, attribute.String("state", "idle")))
			observer.ObserveInt64(connections, int64(stats.OpenConnections),
				metric.WithAttributes(system, attribute.String("state", "total")))
			return nil
		}, connections)
		if regErr != nil {
			helper.Warnf("sqldb: register connections callback: %v", regErr)
		} else {
			t.registration = reg
		}
	}

	t.enabled = true
	return t
}

func (t *poolTelemetry) recordHealthCheck(ctx context.Context, elapsed time.Duration, err error) {
	if t == nil || !t.enabled {
		return
	}
	if t.healthLatency != nil {
		t.healthLatency.Record(ctx, float64(elapsed.Milliseconds()))
	}
	if err != nil && t.healthFail != nil {
		t.healthFail.Add(ctx, 1)
	}
}

func (t *poolTelemetry) shutdown() {
	if t == nil || !t.enabled || t.registration == nil {
		return
	}
	if err := t.registration.Unregister(); err != nil {
		t.helper.Warnf("sqldb: unregister connections callback: %v", err)
	}
}
