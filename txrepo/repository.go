// Package txrepo turns plain per-connection repositories into
// transaction-aware ones. A wrapped repository never holds a connection: on
// every call it asks the carrier for the current one and builds a fresh
// access object on it.
package txrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

var (
	// ErrCarrierMissing is returned when no carrier is among the collaborators.
	ErrCarrierMissing = errors.New("txrepo: transaction carrier not found among collaborators")
	// ErrNilFactory is returned when the repository factory is nil.
	ErrNilFactory = errors.New("txrepo: repository factory is required")
	// ErrUnknownColumn is returned for filters on columns the mapper does not declare.
	ErrUnknownColumn = errors.New("txrepo: unknown column")
)

// Repository is the CRUD surface every access object exposes for one entity kind.
type Repository[T any] interface {
	Insert(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*T, error)
	FindBy(ctx context.Context, column string, value any) ([]T, error)
	Count(ctx context.Context) (int64, error)
	CountBy(ctx context.Context, column string, value any) (int64, error)
}

// Factory builds the access object for T bound to the given connection.
type Factory[T any] func(q dbconn.Querier) Repository[T]

// Mapper describes how T maps onto a table. Columns()[0] is the primary key,
// and Values/Targets are aligned with Columns.
type Mapper[T any] interface {
	Table() string
	Columns() []string
	Values(entity *T) []any
	Targets(entity *T) []any
	ID(entity *T) string
	SetID(entity *T, id string)
}

// ColumnIndex returns the position of column in m.Columns(), or
// ErrUnknownColumn.
func ColumnIndex[T any](m Mapper[T], column string) (int, error) {
	for i, c := range m.Columns() {
		if c == column {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w %q", ErrUnknownColumn, column)
}
