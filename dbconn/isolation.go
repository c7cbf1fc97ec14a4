package dbconn

import (
	"fmt"
	"strings"
)

// IsolationLevel carries one of the four SQL-standard level names verbatim.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	ReadCommitted   IsolationLevel = "READ COMMITTED"
	RepeatableRead  IsolationLevel = "REPEATABLE READ"
	Serializable    IsolationLevel = "SERIALIZABLE"
)

// AccessMode selects read-write or read-only transactions.
type AccessMode string

const (
	ReadWrite AccessMode = "READ WRITE"
	ReadOnly  AccessMode = "READ ONLY"
)

// DefaultIsolation is used whenever a caller leaves the level unset.
const DefaultIsolation = ReadCommitted

// Valid reports whether l is one of the four standard levels.
func (l IsolationLevel) Valid() bool {
	switch l {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return true
	}
	return false
}

// OrDefault returns l, or DefaultIsolation when l is empty.
func (l IsolationLevel) OrDefault() IsolationLevel {
	if l == "" {
		return DefaultIsolation
	}
	return l
}

// Label is the snake_case form used in logs and metric attributes.
func (l IsolationLevel) Label() string {
	return strings.ReplaceAll(strings.ToLower(string(l.OrDefault())), " ", "_")
}

// ParseIsolation accepts the SQL names as well as snake/kebab-case variants
// ("serializable", "repeatable_read", "read-committed", "serial").
func ParseIsolation(value string) (IsolationLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("_", " ", "-", " ").Replace(normalized)
	switch normalized {
	case "serializable", "serial":
		return Serializable, nil
	case "repeatable read":
		return RepeatableRead, nil
	case "read uncommitted":
		return ReadUncommitted, nil
	case "read committed", "":
		return ReadCommitted, nil
	default:
		return "", fmt.Errorf("dbconn: unknown isolation level %q", value)
	}
}
