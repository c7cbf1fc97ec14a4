// Package txretry re-runs whole transactions that failed for reasons a retry
// can fix: serialization conflicts, deadlocks and lock timeouts. Everything
// else is returned after the first attempt.
package txretry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 20 * time.Millisecond
	defaultMaxInterval     = time.Second
)

// Config controls the retry schedule. Zero values fall back to defaults.
type Config struct {
	MaxAttempts     uint          `json:"maxAttempts" yaml:"maxAttempts"`
	InitialInterval time.Duration `json:"initialInterval" yaml:"initialInterval"`
	MaxInterval     time.Duration `json:"maxInterval" yaml:"maxInterval"`
	// MaxElapsed bounds the total time spent including waits; 0 keeps the
	// backoff library default.
	MaxElapsed time.Duration `json:"maxElapsed" yaml:"maxElapsed"`
}

func (c Config) sanitized() Config {
	s := c
	if s.MaxAttempts == 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.InitialInterval <= 0 {
		s.InitialInterval = defaultInitialInterval
	}
	if s.MaxInterval < s.InitialInterval {
		s.MaxInterval = max(defaultMaxInterval, s.InitialInterval)
	}
	return s
}

// Option customizes a Policy.
type Option func(*Policy)

// WithLogger reports each retried attempt at warn level.
func WithLogger(logger log.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.helper = log.NewHelper(logger)
		}
	}
}

// WithClassifier replaces txmanager.IsRetryable as the retry predicate.
func WithClassifier(fn func(error) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.retryable = fn
		}
	}
}

// Policy is a reusable retry schedule.
type Policy struct {
	cfg       Config
	helper    *log.Helper
	retryable func(error) bool
}

// NewPolicy builds a Policy from cfg.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:       cfg.sanitized(),
		helper:    log.NewHelper(log.NewStdLogger(io.Discard)),
		retryable: txmanager.IsRetryable,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts reports how many times an operation may run.
func (p *Policy) MaxAttempts() uint { return p.cfg.MaxAttempts }

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts are used up or ctx ends. The error of the last attempt is
// returned unchanged.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = NewPolicy(Config{})
	}
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !p.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = p.cfg.InitialInterval
	seq.MaxInterval = p.cfg.MaxInterval

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(seq),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.helper.WithContext(ctx).Warnf("txretry: retrying attempt=%d next=%s err=%v", attempt, next, err)
		}),
	}
	if p.cfg.MaxElapsed > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(p.cfg.MaxElapsed))
	}

	v, err := backoff.Retry(ctx, operation, retryOpts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		var zero T
		return zero, err
	}
	return v, nil
}

// Run is Do for operations without a result.
func (p *Policy) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// WithinTx runs fn in a transaction from m and retries the whole transaction
// on retryable failures. A call that would join a transaction already active
// on ctx runs once: only the owner of a transaction can restart it.
func WithinTx(ctx context.Context, p *Policy, m txmanager.Manager, opts txmanager.TxOptions, fn txmanager.UnitOfWork) error {
	if opts.Propagation == txmanager.PropagationRequired && m.HasActiveTransaction(ctx) {
		return m.WithinTx(ctx, opts, fn)
	}
	if p == nil {
		p = NewPolicy(Config{})
	}
	return p.Run(ctx, func(ctx context.Context) error {
		return m.WithinTx(ctx, opts, fn)
	})
}
