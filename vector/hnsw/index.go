package hnsw

import (
	"sync"

	"github.com/aetherhq/capsule/vector"
)

// Index maps frame sequence numbers onto graph node ids and screens
// search results through a caller-supplied visibility predicate.
type Index struct {
	mu     sync.RWMutex
	graph  *Graph
	seq2id map[uint64]uint32
	id2seq map[uint32]uint64
	optFns []func(o *Options)
	dim    int
}

var _ vector.Index = (*Index)(nil)

// NewIndex creates an empty index. The dimension is fixed by the first
// vector added when dim is zero.
func NewIndex(dim int, optFns ...func(o *Options)) *Index {
	idx := &Index{
		seq2id: make(map[uint64]uint32),
		id2seq: make(map[uint32]uint64),
		optFns: optFns,
		dim:    dim,
	}
	if dim > 0 {
		idx.graph = New(dim, optFns...)
	}
	return idx
}

// Add indexes an embedding under the given frame sequence.
func (idx *Index) Add(seq uint64, embedding []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.graph == nil {
		idx.dim = len(embedding)
		idx.graph = New(idx.dim, idx.optFns...)
	}

	if old, ok := idx.seq2id[seq]; ok {
		idx.graph.Tombstone(old)
		delete(idx.id2seq, old)
	}

	id, err := idx.graph.Insert(embedding)
	if err != nil {
		return err
	}

	idx.seq2id[seq] = id
	idx.id2seq[id] = seq

	return nil
}

// Delete tombstones the node for the given sequence, if any.
func (idx *Index) Delete(seq uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id, ok := idx.seq2id[seq]; ok {
		idx.graph.Tombstone(id)
		delete(idx.seq2id, seq)
		delete(idx.id2seq, id)
	}
}

// Search returns up to k nearest frames by embedding distance, ascending.
// allowed, when non-nil, masks out frames that are not visible to the query.
func (idx *Index) Search(embedding []float32, k int, allowed func(seq uint64) bool) ([]vector.Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph == nil || idx.graph.Len() == 0 {
		return nil, vector.ErrNoEmbeddings
	}

	// Over-fetch so visibility masking still leaves k survivors
	ef := idx.graph.opts.EF
	fetch := 4 * k
	if fetch < ef {
		fetch = ef
	}

	items, err := idx.graph.KNNSearch(embedding, fetch, fetch, func(id uint32) bool {
		seq, ok := idx.id2seq[id]
		if !ok {
			return false
		}
		if allowed != nil && !allowed(seq) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	hits := make([]vector.Hit, 0, k)
	for _, item := range items {
		hits = append(hits, vector.Hit{Seq: idx.id2seq[item.Node], Distance: item.Distance})
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

// Dimension returns the indexed vector width, zero when empty.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Count returns the number of live (non-tombstoned) entries.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.seq2id)
}
