package hnsw

import (
	"bytes"
	"encoding/gob"

	"github.com/bits-and-blooms/bitset"
)

// graphData is the gob-serializable shape of a Graph. Function fields and
// the mutex stay out of the snapshot; options are re-applied on restore.
type graphData struct {
	Dimension  int
	Mmax       int
	Mmax0      int
	ML         float64
	EP         uint32
	MaxLevel   int
	Nodes      []*Node
	Tombstones []uint64
	M          int
	EF         int
	Heuristic  bool
}

type indexData struct {
	Graph  *graphData
	Seq2ID map[uint64]uint32
	Dim    int
}

// Snapshot serializes the index with gob.
func (idx *Index) Snapshot() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	data := indexData{
		Seq2ID: idx.seq2id,
		Dim:    idx.dim,
	}

	if idx.graph != nil {
		g := idx.graph
		g.mutex.Lock()
		data.Graph = &graphData{
			Dimension:  g.dimension,
			Mmax:       g.mmax,
			Mmax0:      g.mmax0,
			ML:         g.ml,
			EP:         g.ep,
			MaxLevel:   g.maxLevel,
			Nodes:      g.nodes,
			Tombstones: g.tombstones.Bytes(),
			M:          g.opts.M,
			EF:         g.opts.EF,
			Heuristic:  g.opts.Heuristic,
		}
		g.mutex.Unlock()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Restore replaces the index contents from a Snapshot payload.
func (idx *Index) Restore(b []byte) error {
	var data indexData
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&data); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.dim = data.Dim
	idx.seq2id = data.Seq2ID
	if idx.seq2id == nil {
		idx.seq2id = make(map[uint64]uint32)
	}

	idx.id2seq = make(map[uint32]uint64, len(idx.seq2id))
	for seq, id := range idx.seq2id {
		idx.id2seq[id] = seq
	}

	if data.Graph == nil {
		idx.graph = nil
		return nil
	}

	g := New(data.Graph.Dimension, func(o *Options) {
		o.M = data.Graph.M
		o.EF = data.Graph.EF
		o.Heuristic = data.Graph.Heuristic
	})
	g.mmax = data.Graph.Mmax
	g.mmax0 = data.Graph.Mmax0
	g.ml = data.Graph.ML
	g.ep = data.Graph.EP
	g.maxLevel = data.Graph.MaxLevel
	g.nodes = data.Graph.Nodes
	g.tombstones = bitset.From(data.Graph.Tombstones)

	idx.graph = g

	return nil
}
