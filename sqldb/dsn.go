package sqldb

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// sqliteDSN appends the pragmas every pooled SQLite connection needs unless
// the caller already set them. _txlock=immediate takes the write lock at
// BEGIN so concurrent writers queue on busy_timeout instead of failing at
// their first write.
func sqliteDSN(dsn string, busyTimeout time.Duration) string {
	params := []struct{ key, value string }{
		{"busy_timeout", fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())},
		{"journal_mode", "_pragma=journal_mode(WAL)"},
		{"foreign_keys", "_pragma=foreign_keys(1)"},
		{"_txlock", "_txlock=immediate"},
	}
	var extra []string
	for _, p := range params {
		if !strings.Contains(dsn, p.key) {
			extra = append(extra, p.value)
		}
	}
	if len(extra) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(extra, "&")
}

// isMemorySQLite reports DSNs whose database lives in a single connection.
func isMemorySQLite(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// mysqlConfig parses dsn and forces the options the adapter relies on:
// affected-row counts report matched rows, and DATETIME columns scan into
// time.Time.
func mysqlConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = true
	return cfg, nil
}

func sanitizeDSN(driver, dsn string) string {
	if driver != DriverMySQL {
		return dsn
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "***"
	}
	if cfg.Passwd != "" {
		cfg.Passwd = "***"
	}
	return cfg.FormatDSN()
}
