package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize      = 100
	defaultTickInterval   = time.Second
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 120 * time.Second
	defaultMaxAttempts    = 20
	defaultPublishTimeout = 10 * time.Second
	defaultWorkers        = 4
)

// Publisher delivers one event to the outside world.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

// LogPublisher writes events to a logger. It backs the demo binary, which
// has no broker.
func LogPublisher(logger log.Logger) Publisher {
	helper := log.NewHelper(logger)
	return PublisherFunc(func(ctx context.Context, e Event) error {
		helper.WithContext(ctx).Infof("outbox: published event_id=%s event_type=%s aggregate_id=%s payload=%s",
			e.ID, e.EventType, e.AggregateID, e.Payload)
		return nil
	})
}

// Config controls the publisher task.
type Config struct {
	BatchSize      int           `json:"batchSize" yaml:"batchSize"`
	TickInterval   time.Duration `json:"tickInterval" yaml:"tickInterval"`
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
	MaxAttempts    int           `json:"maxAttempts" yaml:"maxAttempts"`
	PublishTimeout time.Duration `json:"publishTimeout" yaml:"publishTimeout"`
	Workers        int           `json:"workers" yaml:"workers"`
	MetricsEnabled *bool         `json:"metricsEnabled" yaml:"metricsEnabled"`
}

func (c Config) sanitized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers > c.BatchSize {
		c.Workers = c.BatchSize
	}
	if c.MetricsEnabled == nil {
		enabled := true
		c.MetricsEnabled = &enabled
	}
	return c
}

// DrainResult summarises one pass over the outbox.
type DrainResult struct {
	Claimed   int
	Published int
	Failed    int
	Abandoned int
}

var ErrNilPublisher = errors.New("outbox: publisher is required")

// Task scans the outbox and publishes due events. Every state change of an
// event runs in its own transaction that re-reads the row first, so an
// event settled concurrently is skipped rather than overwritten.
type Task struct {
	repo      *Repository
	mgr       txmanager.Manager
	publisher Publisher
	cfg       Config
	clock     func() time.Time
	helper    *log.Helper
	metrics   *publisherMetrics
}

// NewTask builds a publisher task. meter may be nil to use the global
// provider.
func NewTask(repo *Repository, mgr txmanager.Manager, pub Publisher, cfg Config, logger log.Logger, meter metric.Meter) (*Task, error) {
	if repo == nil {
		return nil, errors.New("outbox: repository is required")
	}
	if mgr == nil {
		return nil, errors.New("outbox: transaction manager is required")
	}
	if pub == nil {
		return nil, ErrNilPublisher
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	cfg = cfg.sanitized()
	helper := log.NewHelper(logger)
	return &Task{
		repo:      repo,
		mgr:       mgr,
		publisher: pub,
		cfg:       cfg,
		clock:     time.Now,
		helper:    helper,
		metrics:   newPublisherMetrics(meter, helper, *cfg.MetricsEnabled),
	}, nil
}

// WithClock injects a clock for tests.
func (t *Task) WithClock(clock func() time.Time) {
	if clock != nil {
		t.clock = clock
	}
}

// Run drains the outbox every tick until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	defer t.metrics.shutdown()

	for {
		if _, err := t.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.helper.WithContext(ctx).Errorf("outbox: drain failed err=%v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes one batch of due events.
func (t *Task) Drain(ctx context.Context) (DrainResult, error) {
	start := t.clock()
	events, err := t.repo.Pending(ctx, start, t.cfg.BatchSize)
	if err != nil {
		return DrainResult{}, err
	}
	result := DrainResult{Claimed: len(events)}
	if len(events) == 0 {
		t.refreshBacklog(ctx)
		return result, nil
	}

	var published, failed, abandoned atomic.Int32
	sem := make(chan struct{}, t.cfg.Workers)
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, event := range events {
		sem <- struct{}{}
		grp.Go(func() error {
			defer func() { <-sem }()
			switch t.publishOnce(grpCtx, event) {
			case outcomePublished:
				published.Add(1)
			case outcomeAbandoned:
				failed.Add(1)
				abandoned.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = grp.Wait()

	result.Published = int(published.Load())
	result.Failed = int(failed.Load())
	result.Abandoned = int(abandoned.Load())
	backlog := t.refreshBacklog(ctx)
	t.helper.WithContext(ctx).Infof("outbox: batch finished claimed=%d published=%d failed=%d abandoned=%d backlog=%d elapsed_ms=%d",
		result.Claimed, result.Published, result.Failed, result.Abandoned, backlog, t.clock().Sub(start).Milliseconds())
	return result, ctx.Err()
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePublished
	outcomeFailed
	outcomeAbandoned
)

func (t *Task) publishOnce(ctx context.Context, event Event) outcome {
	pubCtx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()

	start := t.clock()
	pubErr := t.publisher.Publish(pubCtx, event)
	latency := t.clock().Sub(start)

	if pubErr == nil {
		now := t.clock()
		err := t.settle(ctx, event.ID, func(e *Event) { e.PublishedAt = now.UnixMilli() })
		if errors.Is(err, ErrSettled) {
			t.helper.WithContext(ctx).Debugf("outbox: already settled event_id=%s", event.ID)
			return outcomeSkipped
		}
		if err != nil {
			t.metrics.recordFailure(ctx, event, latency)
			t.helper.WithContext(ctx).Errorf("outbox: mark published failed event_id=%s err=%v", event.ID, err)
			return outcomeFailed
		}
		t.metrics.recordSuccess(ctx, event, latency)
		return outcomePublished
	}

	t.metrics.recordFailure(ctx, event, latency)
	attempts := event.Attempts + 1
	exhausted := attempts >= int64(t.cfg.MaxAttempts)
	next := t.clock().Add(t.backoffDuration(int(event.Attempts)))
	err := t.settle(ctx, event.ID, func(e *Event) {
		e.Attempts = attempts
		e.LastError = pubErr.Error()
		if exhausted {
			e.PublishedAt = Abandoned
			return
		}
		e.AvailableAt = next.UnixMilli()
	})
	if errors.Is(err, ErrSettled) {
		return outcomeSkipped
	}
	if err != nil {
		t.helper.WithContext(ctx).Errorf("outbox: reschedule failed event_id=%s err=%v", event.ID, err)
		return outcomeFailed
	}
	if exhausted {
		t.helper.WithContext(ctx).Warnf("outbox: retries exhausted event_id=%s event_type=%s attempts=%d err=%v",
			event.ID, event.EventType, attempts, pubErr)
		return outcomeAbandoned
	}
	t.helper.WithContext(ctx).Warnf("outbox: publish failed event_id=%s attempt=%d retry_in_ms=%d err=%v",
		event.ID, attempts, next.Sub(t.clock()).Milliseconds(), pubErr)
	return outcomeFailed
}

func (t *Task) settle(ctx context.Context, id string, mutate func(*Event)) error {
	opts := txmanager.TxOptions{Propagation: txmanager.PropagationRequiresNew}
	err := t.mgr.WithinTx(ctx, opts, func(ctx context.Context, _ dbconn.Querier) error {
		return t.repo.settle(ctx, id, mutate)
	})
	if err != nil && !errors.Is(err, ErrSettled) {
		return fmt.Errorf("outbox: settle %s: %w", id, err)
	}
	return err
}

func (t *Task) refreshBacklog(ctx context.Context) int64 {
	count, err := t.repo.CountPending(ctx)
	if err != nil {
		t.helper.WithContext(ctx).Warnf("outbox: backlog count failed err=%v", err)
		return -1
	}
	t.metrics.setBacklog(count)
	return count
}

func (t *Task) backoffDuration(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return t.cfg.MaxBackoff
	}
	backoff := t.cfg.InitialBackoff * time.Duration(1<<attempts)
	if backoff <= 0 || backoff > t.cfg.MaxBackoff {
		backoff = t.cfg.MaxBackoff
	}
	return backoff
}
