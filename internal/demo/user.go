// Package demo is a small users service built on the transaction toolkit. It
// backs the txdemo binary and the end-to-end tests.
package demo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/dbconn/memdb"
	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/bionicotaku/lingo-txscope/sqlrepo"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/bionicotaku/lingo-txscope/txrepo"
)

// ErrEmptyName rejects users without a name.
var ErrEmptyName = errors.New("demo: user name is required")

// User is the demo entity.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type userMapper struct{}

func (userMapper) Table() string { return "users" }
func (userMapper) Columns() []string { return []string{"id", "name"} }
func (userMapper) Values(u *User) []any { return []any{u.ID, u.Name} }
func (userMapper) Targets(u *User) []any { return []any{&u.ID, &u.Name} }
func (userMapper) ID(u *User) string { return u.ID }
func (userMapper) SetID(u *User, id string) { u.ID = id }

// UserFactory picks the access object matching the pool's backend.
func UserFactory(pool dbconn.Pool) txrepo.Factory[User] {
	system := dbconn.SystemOf(pool)
	if system == memdb.System {
		return memdb.Factory[User](userMapper{})
	}
	return sqlrepo.Factory[User](userMapper{}, sqlrepo.DialectFor(system))
}

// EnsureSchema creates the users and outbox tables on SQL backends.
func EnsureSchema(ctx context.Context, pool dbconn.Pool) error {
	if dbconn.SystemOf(pool) == memdb.System {
		return nil
	}
	const ddl = `CREATE TABLE IF NOT EXISTS users (id VARCHAR(64) PRIMARY KEY, name VARCHAR(255) NOT NULL)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("demo: create users table: %w", err)
	}
	return outbox.EnsureSchema(ctx, pool)
}

// UserRepository is the transaction-aware users repository. Insert is
// overridden; every other method is promoted from the embedded Aware.
type UserRepository struct {
	*txrepo.Aware[User]
}

// NewUserRepository locates the carrier among collaborators.
func NewUserRepository(factory txrepo.Factory[User], mgr txmanager.Manager) (*UserRepository, error) {
	aware, err := txrepo.New(factory, mgr)
	if err != nil {
		return nil, err
	}
	return &UserRepository{Aware: aware}, nil
}

func (r *UserRepository) Insert(ctx context.Context, u *User) error {
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		return ErrEmptyName
	}
	return r.Aware.Insert(ctx, u)
}

// CountByName counts users named name on the connection current for ctx.
func (r *UserRepository) CountByName(ctx context.Context, name string) (int64, error) {
	return r.CountBy(ctx, "name", name)
}
