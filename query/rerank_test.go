package query

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 10, 2))
	assert.Equal(t, []string{"short"}, chunkText("short", 10, 2))

	chunks := chunkText("abcdef", 4, 2)
	assert.Equal(t, []string{"abcd", "cdef"}, chunks)

	// Every position of the text is covered by some chunk.
	long := strings.Repeat("0123456789", 50)
	chunks = chunkText(long, 120, 20)
	require.NotEmpty(t, chunks)
	var covered int
	for i, c := range chunks {
		if i == 0 {
			covered = len(c)
		} else {
			covered += len(c) - 20
		}
	}
	assert.GreaterOrEqual(t, covered, len(long))
}

func TestChunkTextRuneBoundaries(t *testing.T) {
	text := strings.Repeat("héllo wörld æøå ", 40)
	for _, c := range chunkText(text, 100, 30) {
		assert.True(t, utf8.ValidString(c))
	}
}

func TestRerankScore(t *testing.T) {
	// Terms shorter than three characters never score.
	assert.Zero(t, rerankScore("a an", "a an a an"))

	full := rerankScore("garbage collection", "go has garbage collection built in")
	partial := rerankScore("garbage collection", "take out the garbage")
	miss := rerankScore("garbage collection", "completely unrelated text")

	assert.Greater(t, full, partial)
	assert.Greater(t, partial, miss)
	assert.Zero(t, miss)
	assert.Less(t, full, 1.0)

	// The exact phrase outranks scattered terms.
	scattered := rerankScore("garbage collection", "collection of garbage facts")
	assert.Greater(t, full, scattered)
}

func TestBestChunk(t *testing.T) {
	text := strings.Repeat("padding words here. ", 100) +
		"the answer involves garbage collection tuning. " +
		strings.Repeat("more padding text. ", 100)

	chunk, score := bestChunk("garbage collection", text, 200, 40)
	assert.Contains(t, chunk, "garbage collection")
	assert.Greater(t, score, 0.0)

	chunk, score = bestChunk("garbage collection", "nothing relevant", 200, 40)
	assert.Zero(t, score)
	assert.Empty(t, chunk)
}
