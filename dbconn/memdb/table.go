package memdb

import (
	"context"
	"fmt"
	"reflect"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txrepo"
	"github.com/google/uuid"
)

type view interface {
	get(table, id string) ([]any, bool)
	insertIfAbsent(table, id string, values []any) error
	replace(table, id string, values []any) error
	remove(table, id string) (bool, error)
	scan(table string) [][]any
}

// Table is the memdb access object for T bound to one connection: the pool
// itself (autocommit) or an open *Tx.
type Table[T any] struct {
	view   view
	err    error
	mapper txrepo.Mapper[T]
}

var _ txrepo.Repository[struct{}] = (*Table[struct{}])(nil)

// NewTable binds mapper to q, which must be a *DB or a *Tx from this package.
// Any other querier yields a table whose every call fails with ErrForeignQuerier.
func NewTable[T any](q dbconn.Querier, mapper txrepo.Mapper[T]) *Table[T] {
	t := &Table[T]{mapper: mapper}
	switch v := q.(type) {
	case *DB:
		t.view = v
	case *Tx:
		t.view = v
	default:
		t.err = fmt.Errorf("%w: %T", ErrForeignQuerier, q)
	}
	return t
}

// Factory adapts NewTable to txrepo.Factory.
func Factory[T any](mapper txrepo.Mapper[T]) txrepo.Factory[T] {
	return func(q dbconn.Querier) txrepo.Repository[T] {
		return NewTable(q, mapper)
	}
}

func (t *Table[T]) ready(ctx context.Context) error {
	if t.err != nil {
		return t.err
	}
	return ctx.Err()
}

func (t *Table[T]) Insert(ctx context.Context, entity *T) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	id := t.mapper.ID(entity)
	if id == "" {
		id = uuid.NewString()
		t.mapper.SetID(entity, id)
	}
	return t.view.insertIfAbsent(t.mapper.Table(), id, t.mapper.Values(entity))
}

func (t *Table[T]) Update(ctx context.Context, entity *T) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	return t.view.replace(t.mapper.Table(), t.mapper.ID(entity), t.mapper.Values(entity))
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	removed, err := t.view.remove(t.mapper.Table(), id)
	if err != nil {
		return err
	}
	if !removed {
		return dbconn.ErrNoRows
	}
	return nil
}

func (t *Table[T]) FindByID(ctx context.Context, id string) (*T, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	values, ok := t.view.get(t.mapper.Table(), id)
	if !ok {
		return nil, dbconn.ErrNoRows
	}
	var entity T
	if err := assign(t.mapper.Targets(&entity), values); err != nil {
		return nil, err
	}
	return &entity, nil
}

func (t *Table[T]) FindBy(ctx context.Context, column string, value any) ([]T, error) {
	rows, err := t.match(ctx, column, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, values := range rows {
		var entity T
		if err := assign(t.mapper.Targets(&entity), values); err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

func (t *Table[T]) Count(ctx context.Context) (int64, error) {
	if err := t.ready(ctx); err != nil {
		return 0, err
	}
	return int64(len(t.view.scan(t.mapper.Table()))), nil
}

func (t *Table[T]) CountBy(ctx context.Context, column string, value any) (int64, error) {
	rows, err := t.match(ctx, column, value)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (t *Table[T]) match(ctx context.Context, column string, value any) ([][]any, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	idx, err := txrepo.ColumnIndex(t.mapper, column)
	if err != nil {
		return nil, err
	}
	var out [][]any
	for _, values := range t.view.scan(t.mapper.Table()) {
		if idx < len(values) && reflect.DeepEqual(values[idx], value) {
			out = append(out, values)
		}
	}
	return out, nil
}

// assign copies stored values into scan targets, converting between
// compatible kinds (e.g. int stored, int64 target).
func assign(targets []any, values []any) error {
	if len(targets) != len(values) {
		return fmt.Errorf("memdb: %d targets for %d values", len(targets), len(values))
	}
	for i, target := range targets {
		dst := reflect.ValueOf(target)
		if dst.Kind() != reflect.Pointer || dst.IsNil() {
			return fmt.Errorf("memdb: target %d is not a non-nil pointer", i)
		}
		dst = dst.Elem()
		if values[i] == nil {
			dst.Set(reflect.Zero(dst.Type()))
			continue
		}
		src := reflect.ValueOf(values[i])
		switch {
		case src.Type().AssignableTo(dst.Type()):
			dst.Set(src)
		case src.CanConvert(dst.Type()):
			dst.Set(src.Convert(dst.Type()))
		default:
			return fmt.Errorf("memdb: cannot assign %s to %s", src.Type(), dst.Type())
		}
	}
	return nil
}

func duplicateKey(table, id string) error {
	return fmt.Errorf("%w: %s.%s", ErrDuplicateKey, table, id)
}
