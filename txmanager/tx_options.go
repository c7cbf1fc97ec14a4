package txmanager

import (
	"fmt"
	"strings"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

// Propagation decides what a call does when a transaction is already active
// on its context.
type Propagation int

const (
	// PropagationRequired joins the active transaction, or starts one when
	// there is none. It is the zero value.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always starts an independent transaction on its
	// own connection. Its commit does not depend on the caller's outcome.
	PropagationRequiresNew
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationRequiresNew:
		return "requires_new"
	default:
		return fmt.Sprintf("propagation(%d)", int(p))
	}
}

// ParsePropagation accepts "required"/"join"/"true" and
// "requires_new"/"new"/"false". Empty input means PropagationRequired.
func ParsePropagation(value string) (Propagation, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "required", "join", "true":
		return PropagationRequired, nil
	case "requires_new", "requires-new", "requiresnew", "new", "false":
		return PropagationRequiresNew, nil
	default:
		return PropagationRequired, fmt.Errorf("txmanager: unknown propagation %q", value)
	}
}

// Convenience aliases so callers rarely need to import dbconn.
const (
	ReadUncommitted = dbconn.ReadUncommitted
	ReadCommitted   = dbconn.ReadCommitted
	RepeatableRead  = dbconn.RepeatableRead
	Serializable    = dbconn.Serializable
	ReadWrite       = dbconn.ReadWrite
	ReadOnly        = dbconn.ReadOnly
)

// TxOptions captures per-call overrides controlling transaction behaviour.
// The zero value joins an active transaction or starts a READ COMMITTED one.
type TxOptions struct {
	Propagation Propagation
	Isolation   dbconn.IsolationLevel
	AccessMode  dbconn.AccessMode
	Timeout     time.Duration
	TraceName   string
}

func mergeTxOptions(base, override TxOptions) TxOptions {
	result := base
	result.Propagation = override.Propagation
	if override.Isolation != "" {
		result.Isolation = override.Isolation
	}
	if override.AccessMode != "" {
		result.AccessMode = override.AccessMode
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.TraceName != "" {
		result.TraceName = override.TraceName
	}
	return result
}
