package sqlrepo

import (
	"strconv"
	"strings"
)

// Dialect covers the SQL differences between the supported backends.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Quote renders an identifier.
	Quote func(ident string) string
}

var (
	Postgres = Dialect{Name: "postgresql", Placeholder: dollar, Quote: doubleQuote}
	SQLite   = Dialect{Name: "sqlite", Placeholder: question, Quote: doubleQuote}
	MySQL    = Dialect{Name: "mysql", Placeholder: question, Quote: backtick}
)

// DialectFor picks the dialect for a dbconn system name, defaulting to
// Postgres.
func DialectFor(system string) Dialect {
	switch strings.ToLower(system) {
	case SQLite.Name, "sqlite3":
		return SQLite
	case MySQL.Name, "mariadb":
		return MySQL
	default:
		return Postgres
	}
}

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func question(int) string { return "?" }

func doubleQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func backtick(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
