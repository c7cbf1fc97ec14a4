// Package txcontext carries the connection of the currently active
// transaction through context.Context, so repositories can find it without
// the handle being threaded through every call.
package txcontext

import (
	"context"
	"errors"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

var (
	ErrNilFallback   = errors.New("txcontext: fallback querier is required")
	ErrNilConnection = errors.New("txcontext: connection handle is required")
	ErrNilUnitOfWork = errors.New("txcontext: unit of work is required")
)

// Carrier binds a transactional connection to a context for the extent of a
// unit of work. Bindings are keyed by the carrier instance, so carriers over
// different pools never see each other's connections.
type Carrier struct {
	fallback dbconn.Querier
}

type ctxKey struct {
	carrier *Carrier
}

// Provider is implemented by collaborators that expose the carrier they use.
type Provider interface {
	Carrier() *Carrier
}

// NewCarrier builds a carrier that falls back to the given non-transactional
// querier (usually the pool) when no transaction is active.
func NewCarrier(fallback dbconn.Querier) (*Carrier, error) {
	if fallback == nil {
		return nil, ErrNilFallback
	}
	return &Carrier{fallback: fallback}, nil
}

// Bind returns a child of ctx in which q is the active connection. Binding
// again on the returned context shadows q for that inner context only.
func (c *Carrier) Bind(ctx context.Context, q dbconn.Querier) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{carrier: c}, q)
}

// RunInContext runs fn with q bound as the active connection and returns
// exactly what fn returns. Goroutines started by fn see the binding as long
// as they are handed the context fn received.
func (c *Carrier) RunInContext(ctx context.Context, q dbconn.Querier, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilUnitOfWork
	}
	if q == nil {
		return ErrNilConnection
	}
	return fn(c.Bind(ctx, q))
}

// Active returns the connection bound to ctx by this carrier, if any.
func (c *Carrier) Active(ctx context.Context) (dbconn.Querier, bool) {
	if ctx == nil {
		return nil, false
	}
	q, ok := ctx.Value(ctxKey{carrier: c}).(dbconn.Querier)
	return q, ok && q != nil
}

// Current returns the active transactional connection, or the fallback
// querier outside any transaction.
func (c *Carrier) Current(ctx context.Context) dbconn.Querier {
	if q, ok := c.Active(ctx); ok {
		return q
	}
	return c.fallback
}

// HasActiveTransaction reports whether ctx carries a connection bound by c.
func (c *Carrier) HasActiveTransaction(ctx context.Context) bool {
	_, ok := c.Active(ctx)
	return ok
}

// Fallback exposes the non-transactional querier.
func (c *Carrier) Fallback() dbconn.Querier {
	return c.fallback
}

// Carrier lets a *Carrier satisfy Provider.
func (c *Carrier) Carrier() *Carrier {
	return c
}
