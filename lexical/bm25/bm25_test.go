package bm25

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/capsule/lexical"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Hello, World! go2go")
	require.Len(t, tokens, 3)
	assert.Equal(t, Token{Term: "hello", Offset: 0}, tokens[0])
	assert.Equal(t, Token{Term: "world", Offset: 7}, tokens[1])
	assert.Equal(t, Token{Term: "go2go", Offset: 14}, tokens[2])

	assert.Empty(t, Tokenize("  ...  "))
	assert.Equal(t, []string{"one", "two"}, Terms("one two"))
}

func seqs(hits []lexical.Hit) []uint64 {
	out := make([]uint64, len(hits))
	for i, h := range hits {
		out[i] = h.Seq
	}
	return out
}

func buildIndex() *Index {
	idx := New()
	idx.Add(1, "capsule://notes/go.md", "notes", 100, "go is a compiled language with garbage collection")
	idx.Add(2, "capsule://notes/rust.md", "notes", 200, "rust is a compiled language without garbage collection")
	idx.Add(3, "capsule://blog/go-twice.md", "blog", 300, "go go go, everything about go")
	return idx
}

func TestSearchRanking(t *testing.T) {
	idx := buildIndex()

	// Term frequency dominates for a single-term query.
	hits := idx.Search("go", 10, lexical.Filter{})
	require.NotEmpty(t, hits)
	assert.Equal(t, uint64(3), hits[0].Seq)

	// A term unique to one document outranks shared terms.
	hits = idx.Search("rust language", 10, lexical.Filter{})
	require.NotEmpty(t, hits)
	assert.Equal(t, uint64(2), hits[0].Seq)

	assert.Empty(t, idx.Search("nonexistentterm", 10, lexical.Filter{}))
	assert.Empty(t, idx.Search("", 10, lexical.Filter{}))
	assert.Empty(t, idx.Search("go", 0, lexical.Filter{}))
}

func TestSearchLimit(t *testing.T) {
	idx := buildIndex()
	hits := idx.Search("language", 1, lexical.Filter{})
	assert.Len(t, hits, 1)
}

func TestSearchPositions(t *testing.T) {
	idx := New()
	idx.Add(1, "capsule://n/a", "n", 1, "alpha beta alpha")

	hits := idx.Search("alpha", 10, lexical.Filter{})
	require.Len(t, hits, 1)
	assert.Equal(t, []int32{0, 11}, hits[0].Positions)
}

func TestFilterVisible(t *testing.T) {
	idx := buildIndex()

	visible := roaring64.New()
	visible.AddMany([]uint64{1, 2})

	hits := idx.Search("go", 10, lexical.Filter{Visible: visible})
	assert.Equal(t, []uint64{1}, seqs(hits))
}

func TestFilterCollection(t *testing.T) {
	idx := buildIndex()

	hits := idx.Search("go", 10, lexical.Filter{Collection: "blog"})
	assert.Equal(t, []uint64{3}, seqs(hits))

	hits = idx.Search("go", 10, lexical.Filter{Collection: "missing"})
	assert.Empty(t, hits)
}

func TestFilterTimeRange(t *testing.T) {
	idx := buildIndex()

	hits := idx.Search("language", 10, lexical.Filter{AfterMilli: 150})
	assert.Equal(t, []uint64{2}, seqs(hits))

	hits = idx.Search("language", 10, lexical.Filter{BeforeMilli: 150})
	assert.Equal(t, []uint64{1}, seqs(hits))
}

func TestRemoveAndReAdd(t *testing.T) {
	idx := buildIndex()
	require.Equal(t, 3, idx.DocCount())

	idx.Remove(3)
	assert.Equal(t, 2, idx.DocCount())
	hits := idx.Search("go", 10, lexical.Filter{})
	assert.Equal(t, []uint64{1}, seqs(hits))

	// Re-adding an existing sequence replaces the previous contents.
	idx.Add(1, "capsule://notes/go.md", "notes", 100, "completely different words now")
	assert.Equal(t, 2, idx.DocCount())
	assert.Empty(t, idx.Search("go", 10, lexical.Filter{}))
	assert.NotEmpty(t, idx.Search("different", 10, lexical.Filter{}))
}

func TestSnapshotRestore(t *testing.T) {
	idx := buildIndex()

	blob, err := idx.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(blob))

	assert.Equal(t, idx.DocCount(), restored.DocCount())
	assert.Equal(t, seqs(idx.Search("go", 10, lexical.Filter{})), seqs(restored.Search("go", 10, lexical.Filter{})))

	assert.Error(t, New().Restore([]byte("not a gob blob")))
}
