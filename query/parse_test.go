package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, parseTime("2024-01-02"))

	want = time.Date(2024, 1, 2, 15, 4, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, parseTime("2024-01-02T15:04"))

	assert.Zero(t, parseTime("yesterday"))
	assert.Zero(t, parseTime(""))
}

func TestParseMarkup(t *testing.T) {
	cleaned, d := parseMarkup("deploy guide in:notes asof:2024-01-02")
	assert.Equal(t, "deploy guide", cleaned)
	assert.Equal(t, "notes", d.collection)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli(), d.asofMilli)
	assert.Zero(t, d.beforeMilli)
	assert.Zero(t, d.afterMilli)

	cleaned, d = parseMarkup("collection:ops after:2024-01-01 before:2024-06-01 incident report")
	assert.Equal(t, "incident report", cleaned)
	assert.Equal(t, "ops", d.collection)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), d.afterMilli)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), d.beforeMilli)
}

func TestParseMarkupKeepsUnknownTokens(t *testing.T) {
	cleaned, d := parseMarkup("error code:500 in:server")
	assert.Equal(t, "error code:500", cleaned)
	assert.Equal(t, "server", d.collection)

	cleaned, _ = parseMarkup("plain query text")
	assert.Equal(t, "plain query text", cleaned)
}

func TestParseMarkupEmptyAfterStrip(t *testing.T) {
	cleaned, d := parseMarkup("in:notes asof:2024-01-02")
	assert.Empty(t, cleaned)
	assert.Equal(t, "notes", d.collection)
}
