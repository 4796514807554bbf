package query

import (
	"strings"
	"time"
)

// directives holds the markup tokens stripped from a raw query.
type directives struct {
	collection  string
	asofMilli   int64
	beforeMilli int64
	afterMilli  int64
}

// parseTime accepts 2006-01-02T15:04 or 2006-01-02 (UTC) and returns
// unix milliseconds, or zero when the value does not parse.
func parseTime(value string) int64 {
	if t, err := time.ParseInLocation("2006-01-02T15:04", value, time.UTC); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		return t.UnixMilli()
	}
	return 0
}

// parseMarkup strips in:/collection:/asof:/before:/after: tokens from
// the raw query and returns the cleaned text plus the parsed directives.
// Unknown key:value tokens are kept as query text.
func parseMarkup(raw string) (string, directives) {
	var d directives
	var kept []string

	for _, token := range strings.Fields(raw) {
		key, value, ok := strings.Cut(token, ":")
		if !ok {
			kept = append(kept, token)
			continue
		}
		switch strings.ToLower(key) {
		case "in", "collection":
			if v := strings.TrimSpace(value); v != "" {
				d.collection = v
			}
		case "asof":
			d.asofMilli = parseTime(value)
		case "before":
			d.beforeMilli = parseTime(value)
		case "after":
			d.afterMilli = parseTime(value)
		default:
			kept = append(kept, token)
		}
	}

	return strings.Join(kept, " "), d
}
