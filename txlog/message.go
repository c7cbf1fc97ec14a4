package txlog

import (
	"regexp"
	"strings"
)

var (
	componentPattern = regexp.MustCompile(`^([a-z][a-z0-9_./-]*): `)
	fieldPattern     = regexp.MustCompile(`(?:^|\s)([a-z_][a-z0-9_.]*)=`)
)

type messageField struct {
	key   string
	value string
}

type parsedMessage struct {
	component string
	event     string
	fields    []messageField
}

// parseMessage splits "component: event k=v k=v". A value runs until the
// next " key=" so values may contain spaces; the last value runs to the end
// of the message. Repeated keys keep the first value.
func parseMessage(msg string) parsedMessage {
	var out parsedMessage
	rest := msg
	if m := componentPattern.FindStringSubmatch(rest); m != nil {
		out.component = m[1]
		rest = rest[len(m[0]):]
	}

	locs := fieldPattern.FindAllStringSubmatchIndex(rest, -1)
	if len(locs) == 0 {
		out.event = strings.TrimSpace(rest)
		return out
	}
	out.event = strings.TrimSpace(rest[:locs[0][0]])

	seen := make(map[string]struct{}, len(locs))
	for i, loc := range locs {
		key := rest[loc[2]:loc[3]]
		end := len(rest)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.fields = append(out.fields, messageField{key: key, value: strings.TrimSpace(rest[loc[1]:end])})
	}
	return out
}
