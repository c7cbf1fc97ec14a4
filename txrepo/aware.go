package txrepo

import (
	"context"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txcontext"
)

// Aware is a transaction-aware Repository. Embed *Aware[T] in a repository
// struct to add or override methods; methods declared on the outer struct
// take precedence and everything else is promoted from Aware, which routes
// each call to the connection that is current for the call's context.
//
//	type UserRepository struct {
//		*txrepo.Aware[User]
//	}
//
//	func (r *UserRepository) Insert(ctx context.Context, u *User) error {
//		u.Name = strings.TrimSpace(u.Name)
//		return r.Aware.Insert(ctx, u)
//	}
type Aware[T any] struct {
	carrier *txcontext.Carrier
	factory Factory[T]
}

var _ Repository[struct{}] = (*Aware[struct{}])(nil)

// New wraps factory. The carrier is located among collaborators, which may
// include a *txcontext.Carrier or anything implementing txcontext.Provider
// (a transaction manager, for instance); other values are ignored.
func New[T any](factory Factory[T], collaborators ...any) (*Aware[T], error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	carrier := findCarrier(collaborators)
	if carrier == nil {
		return nil, ErrCarrierMissing
	}
	return &Aware[T]{carrier: carrier, factory: factory}, nil
}

// MustNew is New for package-level wiring where a missing carrier is a bug.
func MustNew[T any](factory Factory[T], collaborators ...any) *Aware[T] {
	a, err := New(factory, collaborators...)
	if err != nil {
		panic(err)
	}
	return a
}

func findCarrier(collaborators []any) *txcontext.Carrier {
	for _, c := range collaborators {
		switch v := c.(type) {
		case *txcontext.Carrier:
			if v != nil {
				return v
			}
		case txcontext.Provider:
			if v != nil {
				if carrier := v.Carrier(); carrier != nil {
					return carrier
				}
			}
		}
	}
	return nil
}

// Current builds the access object on the connection current for ctx. It is
// evaluated on every call and never cached.
func (a *Aware[T]) Current(ctx context.Context) Repository[T] {
	return a.factory(a.carrier.Current(ctx))
}

// Querier exposes the current connection for hand-written queries in
// embedding repositories.
func (a *Aware[T]) Querier(ctx context.Context) dbconn.Querier {
	return a.carrier.Current(ctx)
}

// InTransaction reports whether calls made with ctx run inside a transaction.
func (a *Aware[T]) InTransaction(ctx context.Context) bool {
	return a.carrier.HasActiveTransaction(ctx)
}

func (a *Aware[T]) Insert(ctx context.Context, entity *T) error {
	return a.Current(ctx).Insert(ctx, entity)
}

func (a *Aware[T]) Update(ctx context.Context, entity *T) error {
	return a.Current(ctx).Update(ctx, entity)
}

func (a *Aware[T]) Delete(ctx context.Context, id string) error {
	return a.Current(ctx).Delete(ctx, id)
}

func (a *Aware[T]) FindByID(ctx context.Context, id string) (*T, error) {
	return a.Current(ctx).FindByID(ctx, id)
}

func (a *Aware[T]) FindBy(ctx context.Context, column string, value any) ([]T, error) {
	return a.Current(ctx).FindBy(ctx, column, value)
}

func (a *Aware[T]) Count(ctx context.Context) (int64, error) {
	return a.Current(ctx).Count(ctx)
}

func (a *Aware[T]) CountBy(ctx context.Context, column string, value any) (int64, error) {
	return a.Current(ctx).CountBy(ctx, column, value)
}
