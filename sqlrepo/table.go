// Package sqlrepo is a small SQL access object: a Table[T] runs CRUD
// statements for one entity kind on whatever dbconn.Querier it is bound to.
// Bound to a transaction it joins that transaction; bound to a pool it
// autocommits. Wrap it with txrepo.New to have the binding follow the
// active transaction.
package sqlrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txrepo"
	"github.com/google/uuid"
)

// Table runs statements for T against one querier.
type Table[T any] struct {
	q       dbconn.Querier
	mapper  txrepo.Mapper[T]
	dialect Dialect
}

var _ txrepo.Repository[struct{}] = (*Table[struct{}])(nil)

// NewTable binds mapper to q.
func NewTable[T any](q dbconn.Querier, mapper txrepo.Mapper[T], dialect Dialect) *Table[T] {
	return &Table[T]{q: q, mapper: mapper, dialect: dialect}
}

// Factory adapts NewTable to txrepo.Factory.
func Factory[T any](mapper txrepo.Mapper[T], dialect Dialect) txrepo.Factory[T] {
	return func(q dbconn.Querier) txrepo.Repository[T] {
		return NewTable(q, mapper, dialect)
	}
}

// Querier returns the connection the table is bound to.
func (t *Table[T]) Querier() dbconn.Querier { return t.q }

func (t *Table[T]) Insert(ctx context.Context, entity *T) error {
	if t.mapper.ID(entity) == "" {
		t.mapper.SetID(entity, uuid.NewString())
	}
	cols := t.mapper.Columns()
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = t.dialect.Quote(col)
		marks[i] = t.dialect.Placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.table(), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := t.q.Exec(ctx, query, t.mapper.Values(entity)...); err != nil {
		return fmt.Errorf("sqlrepo: insert %s: %w", t.mapper.Table(), err)
	}
	return nil
}

func (t *Table[T]) Update(ctx context.Context, entity *T) error {
	cols := t.mapper.Columns()
	values := t.mapper.Values(entity)
	sets := make([]string, 0, len(cols)-1)
	args := make([]any, 0, len(cols))
	for i := 1; i < len(cols); i++ {
		sets = append(sets, fmt.Sprintf("%s = %s", t.dialect.Quote(cols[i]), t.dialect.Placeholder(i)))
		args = append(args, values[i])
	}
	args = append(args, values[0])
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		t.table(), strings.Join(sets, ", "), t.pk(), t.dialect.Placeholder(len(cols)))
	affected, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlrepo: update %s: %w", t.mapper.Table(), err)
	}
	if affected == 0 {
		return dbconn.ErrNoRows
	}
	return nil
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", t.table(), t.pk(), t.dialect.Placeholder(1))
	affected, err := t.q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("sqlrepo: delete %s: %w", t.mapper.Table(), err)
	}
	if affected == 0 {
		return dbconn.ErrNoRows
	}
	return nil
}

func (t *Table[T]) FindByID(ctx context.Context, id string) (*T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		t.columnList(), t.table(), t.pk(), t.dialect.Placeholder(1))
	var entity T
	if err := t.q.QueryRow(ctx, query, id).Scan(t.mapper.Targets(&entity)...); err != nil {
		if errors.Is(err, dbconn.ErrNoRows) {
			return nil, dbconn.ErrNoRows
		}
		return nil, fmt.Errorf("sqlrepo: find %s: %w", t.mapper.Table(), err)
	}
	return &entity, nil
}

func (t *Table[T]) FindBy(ctx context.Context, column string, value any) ([]T, error) {
	if _, err := txrepo.ColumnIndex(t.mapper, column); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		t.columnList(), t.table(), t.dialect.Quote(column), t.dialect.Placeholder(1), t.pk())
	rows, err := t.q.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("sqlrepo: find %s: %w", t.mapper.Table(), err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var entity T
		if err := rows.Scan(t.mapper.Targets(&entity)...); err != nil {
			return nil, fmt.Errorf("sqlrepo: scan %s: %w", t.mapper.Table(), err)
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlrepo: find %s: %w", t.mapper.Table(), err)
	}
	return out, nil
}

func (t *Table[T]) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.table())
	return t.count(ctx, query)
}

func (t *Table[T]) CountBy(ctx context.Context, column string, value any) (int64, error) {
	if _, err := txrepo.ColumnIndex(t.mapper, column); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s",
		t.table(), t.dialect.Quote(column), t.dialect.Placeholder(1))
	return t.count(ctx, query, value)
}

func (t *Table[T]) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := t.q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlrepo: count %s: %w", t.mapper.Table(), err)
	}
	return n, nil
}

func (t *Table[T]) table() string { return t.dialect.Quote(t.mapper.Table()) }

func (t *Table[T]) pk() string { return t.dialect.Quote(t.mapper.Columns()[0]) }

func (t *Table[T]) columnList() string {
	cols := t.mapper.Columns()
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = t.dialect.Quote(col)
	}
	return strings.Join(quoted, ", ")
}
