package txmanager

import (
	"errors"
	"fmt"

	"github.com/bionicotaku/lingo-txscope/txcontext"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrRetryableTx = errors.New("txmanager: retryable transaction")
	ErrNilPool     = errors.New("txmanager: pool is required")
	// ErrNilUnitOfWork is shared with txcontext so either layer's rejection
	// matches errors.Is.
	ErrNilUnitOfWork = txcontext.ErrNilUnitOfWork
)

// wrapRetryable annotates the provided error as retryable while preserving the
// original cause for downstream inspection.
func wrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryableTx, err)
}

// MySQL server error numbers worth a retry.
const (
	mysqlLockWaitTimeout uint16 = 1205
	mysqlDeadlock        uint16 = 1213
)

// classifyError reports whether a retry makes sense. Postgres errors are
// judged by SQLSTATE, MySQL errors by server error number; other backends
// can mark errors with Retryable() bool.
func classifyError(err error) (retryable bool, sqlState string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		sqlState = pgErr.SQLState()
		switch sqlState {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true, sqlState
		default:
			return false, sqlState
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.SQLState != [5]byte{} {
			sqlState = string(myErr.SQLState[:])
		}
		switch myErr.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return true, sqlState
		default:
			return false, sqlState
		}
	}
	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) {
		return marked.Retryable(), ""
	}
	return false, ""
}

// IsRetryable reports whether the error came from a retryable transaction
// failure (deadlock / serialization / lock timeout). Business errors are
// returned unwrapped, so their pg cause is inspected directly too.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryableTx) {
		return true
	}
	retryable, _ := classifyError(err)
	return retryable
}
