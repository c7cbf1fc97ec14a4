// Package outbox records domain events in the same transaction as the state
// change that produced them and publishes them afterwards. An event enqueued
// inside txmanager.WithinTx commits or rolls back with the surrounding
// writes; the publisher Task only ever sees committed events.
package outbox

import (
	"context"
	"fmt"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/dbconn/memdb"
	"github.com/bionicotaku/lingo-txscope/sqlrepo"
	"github.com/bionicotaku/lingo-txscope/txrepo"
)

const (
	// TableName is the table holding outbox events on SQL backends.
	TableName = "outbox_events"

	// Abandoned marks events whose delivery attempts are exhausted.
	Abandoned int64 = -1
)

// Event is one outbox row. Timestamps are unix milliseconds; PublishedAt is
// zero while the event is pending.
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       string
	OccurredAt    int64
	AvailableAt   int64
	PublishedAt   int64
	Attempts      int64
	LastError     string
}

// Pending reports whether the event still awaits delivery.
func (e Event) Pending() bool { return e.PublishedAt == 0 }

type eventMapper struct{}

func (eventMapper) Table() string { return TableName }

func (eventMapper) Columns() []string {
	return []string{
		"id", "aggregate_type", "aggregate_id", "event_type", "payload",
		"occurred_at", "available_at", "published_at", "attempts", "last_error",
	}
}

func (eventMapper) Values(e *Event) []any {
	return []any{
		e.ID, e.AggregateType, e.AggregateID, e.EventType, e.Payload,
		e.OccurredAt, e.AvailableAt, e.PublishedAt, e.Attempts, e.LastError,
	}
}

func (eventMapper) Targets(e *Event) []any {
	return []any{
		&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
		&e.OccurredAt, &e.AvailableAt, &e.PublishedAt, &e.Attempts, &e.LastError,
	}
}

func (eventMapper) ID(e *Event) string { return e.ID }

func (eventMapper) SetID(e *Event, id string) { e.ID = id }

// Factory picks the access object matching the pool's backend.
func Factory(pool dbconn.Pool) txrepo.Factory[Event] {
	system := dbconn.SystemOf(pool)
	if system == memdb.System {
		return memdb.Factory[Event](eventMapper{})
	}
	return sqlrepo.Factory[Event](eventMapper{}, sqlrepo.DialectFor(system))
}

const schemaDDL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	id VARCHAR(64) PRIMARY KEY,
	aggregate_type VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(64) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	payload TEXT NOT NULL,
	occurred_at BIGINT NOT NULL,
	available_at BIGINT NOT NULL,
	published_at BIGINT NOT NULL,
	attempts BIGINT NOT NULL,
	last_error TEXT NOT NULL
)`

// EnsureSchema creates the outbox table on SQL backends.
func EnsureSchema(ctx context.Context, pool dbconn.Pool) error {
	if dbconn.SystemOf(pool) == memdb.System {
		return nil
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("outbox: create %s table: %w", TableName, err)
	}
	return nil
}
