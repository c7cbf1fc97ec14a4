package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bionicotaku/lingo-txscope/txrepo"
	"github.com/go-kratos/kratos/v2/log"
)

var (
	ErrInvalidMessage = errors.New("outbox: message requires aggregate type, aggregate id and event type")
	// ErrSettled is returned when an event was already published or
	// abandoned by someone else.
	ErrSettled = errors.New("outbox: event already settled")
)

// Message describes an event to enqueue. Payload is encoded as JSON.
type Message struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
	// AvailableAt delays delivery; zero means immediately.
	AvailableAt time.Time
}

// Repository is the transaction-aware outbox table.
type Repository struct {
	*txrepo.Aware[Event]
	clock  func() time.Time
	helper *log.Helper
}

// NewRepository locates the carrier among collaborators, usually the
// transaction manager shared with the domain repositories.
func NewRepository(factory txrepo.Factory[Event], logger log.Logger, collaborators ...any) (*Repository, error) {
	aware, err := txrepo.New(factory, collaborators...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	return &Repository{Aware: aware, clock: time.Now, helper: log.NewHelper(logger)}, nil
}

// Enqueue inserts msg on the connection current for ctx. Called inside a
// transaction the event shares its fate; outside one it is written at once.
func (r *Repository) Enqueue(ctx context.Context, msg Message) (*Event, error) {
	if strings.TrimSpace(msg.AggregateType) == "" || strings.TrimSpace(msg.AggregateID) == "" || strings.TrimSpace(msg.EventType) == "" {
		return nil, ErrInvalidMessage
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	now := r.clock()
	available := msg.AvailableAt
	if available.IsZero() || available.Before(now) {
		available = now
	}
	event := &Event{
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       string(payload),
		OccurredAt:    now.UnixMilli(),
		AvailableAt:   available.UnixMilli(),
	}
	if err := r.Insert(ctx, event); err != nil {
		return nil, fmt.Errorf("outbox: enqueue %s: %w", msg.EventType, err)
	}
	if !r.InTransaction(ctx) {
		r.helper.WithContext(ctx).Debugf("outbox: enqueued outside transaction event_type=%s aggregate_id=%s", msg.EventType, msg.AggregateID)
	}
	return event, nil
}

// Pending returns up to limit events due at now, oldest first.
func (r *Repository) Pending(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	events, err := r.FindBy(ctx, "published_at", int64(0))
	if err != nil {
		return nil, fmt.Errorf("outbox: list pending: %w", err)
	}
	due := events[:0]
	cutoff := now.UnixMilli()
	for _, e := range events {
		if e.AvailableAt <= cutoff {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].OccurredAt != due[j].OccurredAt {
			return due[i].OccurredAt < due[j].OccurredAt
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// CountPending counts events not yet published or abandoned.
func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	return r.CountBy(ctx, "published_at", int64(0))
}

// CountByType counts events of eventType regardless of delivery state.
func (r *Repository) CountByType(ctx context.Context, eventType string) (int64, error) {
	return r.CountBy(ctx, "event_type", eventType)
}

// settle re-reads the event on the connection current for ctx and applies
// mutate if it is still pending.
func (r *Repository) settle(ctx context.Context, id string, mutate func(*Event)) error {
	event, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !event.Pending() {
		return ErrSettled
	}
	mutate(event)
	return r.Update(ctx, event)
}
