package transactional

import (
	"fmt"
	"strings"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txmanager"
)

// TagName is the struct tag key marking a func field as transactional.
const TagName = "transactional"

// ParseTag turns the value of a `transactional:"..."` tag into transaction
// options. The value is a comma separated list of:
//
//	propagation=required|requires_new   (also true/false)
//	isolation=read_committed|serializable|...
//	readonly
//	timeout=<time.Duration>
//	name=<trace name>
//
// An empty value means the defaults: join or start a READ COMMITTED
// transaction. Unknown keys are rejected so typos fail at startup.
func ParseTag(value string) (txmanager.TxOptions, error) {
	var opts txmanager.TxOptions
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, hasVal := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "propagation":
			p, err := txmanager.ParsePropagation(val)
			if err != nil {
				return txmanager.TxOptions{}, fmt.Errorf("transactional: tag %q: %w", value, err)
			}
			opts.Propagation = p
		case "isolation":
			level, err := dbconn.ParseIsolation(val)
			if err != nil {
				return txmanager.TxOptions{}, fmt.Errorf("transactional: tag %q: %w", value, err)
			}
			opts.Isolation = level
		case "readonly", "read_only":
			if hasVal && val != "true" {
				if val != "false" {
					return txmanager.TxOptions{}, fmt.Errorf("transactional: tag %q: readonly expects true or false", value)
				}
				continue
			}
			opts.AccessMode = dbconn.ReadOnly
		case "timeout":
			d, err := time.ParseDuration(val)
			if err != nil || d < 0 {
				return txmanager.TxOptions{}, fmt.Errorf("transactional: tag %q: invalid timeout %q", value, val)
			}
			opts.Timeout = d
		case "name":
			if val == "" {
				return txmanager.TxOptions{}, fmt.Errorf("transactional: tag %q: empty name", value)
			}
			opts.TraceName = val
		default:
			return txmanager.TxOptions{}, fmt.Errorf("transactional: tag %q: unknown option %q", value, key)
		}
	}
	return opts, nil
}
