package sqldb

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// contentionError marks SQLite lock contention. txmanager reads Retryable to
// decide whether a retry makes sense.
type contentionError struct {
	err error
}

func (e *contentionError) Error() string   { return e.err.Error() }
func (e *contentionError) Unwrap() error   { return e.err }
func (e *contentionError) Retryable() bool { return true }

// classify marks SQLITE_BUSY and SQLITE_LOCKED, extended codes included.
func classify(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &contentionError{err: err}
		}
	}
	return err
}
