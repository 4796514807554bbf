// Package vector defines the interface for approximate-nearest-neighbor
// indexes over capsule frame embeddings.
//
// Recall is approximate rather than exact k-NN; that is the accepted
// tradeoff for query latency. The hnsw subpackage provides the built-in
// graph-based implementation.
package vector

import "errors"

// ErrNoEmbeddings is returned when searching an index with no entries.
var ErrNoEmbeddings = errors.New("vector index is empty")

// Hit is one nearest-neighbor match.
type Hit struct {
	// Seq is the matching frame's sequence.
	Seq uint64
	// Distance is the metric distance from the query (smaller is closer).
	Distance float32
}

// Index is the contract for an ANN index keyed by frame sequence.
type Index interface {
	// Add inserts an embedding for the given sequence.
	Add(seq uint64, embedding []float32) error
	// Delete tombstones the entry for seq; the graph keeps traversing
	// through it but never returns it.
	Delete(seq uint64)
	// Search returns up to k hits by ascending distance. allowed, when
	// non-nil, masks candidates to a visibility snapshot.
	Search(embedding []float32, k int, allowed func(seq uint64) bool) ([]Hit, error)
	// Dimension returns the fixed embedding width, 0 before first Add.
	Dimension() int
	// Count returns the number of live entries.
	Count() int
	// Snapshot serializes the index for persistence.
	Snapshot() ([]byte, error)
	// Restore replaces the index contents from a Snapshot blob.
	Restore(data []byte) error
}
