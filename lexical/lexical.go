// Package lexical defines the interface for lexical (keyword) search
// indexes over capsule frames.
//
// Lexical indexes enable hybrid retrieval by combining keyword matching
// with vector similarity via Reciprocal Rank Fusion. The bm25 subpackage
// provides the built-in implementation.
package lexical

import "github.com/RoaringBitmap/roaring/v2/roaring64"

// Hit is one lexical match.
type Hit struct {
	// Seq is the matching frame's sequence.
	Seq uint64
	// URI is the matching frame's uri.
	URI string
	// Score is the BM25 (or implementation-specific) relevance score.
	Score float32
	// Positions are byte offsets of matched terms in the frame body,
	// ascending. Used for snippet extraction.
	Positions []int32
}

// Filter restricts a search to a visibility snapshot, collection, and
// timestamp range. The zero value matches everything.
type Filter struct {
	// Visible is the set of frame sequences in the temporal snapshot.
	// Nil means all indexed frames are visible.
	Visible *roaring64.Bitmap
	// Collection scopes the search to one collection when non-empty.
	Collection string
	// AfterMilli/BeforeMilli bound frame timestamps (inclusive) when
	// non-zero. Candidates are filtered before ranking.
	AfterMilli  int64
	BeforeMilli int64
}

// Index is the contract for a lexical search index.
type Index interface {
	// Add indexes one frame version.
	Add(seq uint64, uri, collection string, tsMilli int64, text string)
	// Remove drops a frame version from the index.
	Remove(seq uint64)
	// Search returns up to k hits ranked by descending score, ties
	// broken by descending sequence.
	Search(text string, k int, f Filter) []Hit
	// DocCount returns the number of indexed frame versions.
	DocCount() int
	// Snapshot serializes the index for persistence.
	Snapshot() ([]byte, error)
	// Restore replaces the index contents from a Snapshot blob.
	Restore(data []byte) error
}
