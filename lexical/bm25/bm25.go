// Package bm25 provides the built-in BM25 lexical index.
//
// BM25 (Best Matching 25) combines term-frequency saturation, inverse
// document frequency and document-length normalization. Standard
// parameters k1=1.2, b=0.75. The index covers every frame version;
// searches mask candidates through a visibility bitmap so the same
// structure serves both "now" and as-of snapshots.
package bm25

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"
	"sync"

	"github.com/aetherhq/capsule/lexical"
)

const (
	k1 = 1.2
	b  = 0.75
)

type posting struct {
	Seq       uint64
	Count     int32
	Positions []int32
}

type docInfo struct {
	URI        string
	Collection string
	Timestamp  int64
	Length     int32
}

// Index is an in-memory BM25 inverted index. Safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	inverted    map[string][]posting
	docs        map[uint64]docInfo
	totalLength int64
}

var _ lexical.Index = (*Index)(nil)

// New creates an empty Index.
func New() *Index {
	return &Index{
		inverted: make(map[string][]posting),
		docs:     make(map[uint64]docInfo),
	}
}

// Add indexes one frame version.
func (idx *Index) Add(seq uint64, uri, collection string, tsMilli int64, text string) {
	tokens := Tokenize(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docs[seq]; ok {
		idx.removeLocked(seq)
	}

	idx.docs[seq] = docInfo{
		URI:        uri,
		Collection: collection,
		Timestamp:  tsMilli,
		Length:     int32(len(tokens)),
	}
	idx.totalLength += int64(len(tokens))

	byTerm := make(map[string]*posting)
	for _, tok := range tokens {
		p := byTerm[tok.Term]
		if p == nil {
			p = &posting{Seq: seq}
			byTerm[tok.Term] = p
		}
		p.Count++
		p.Positions = append(p.Positions, tok.Offset)
	}
	for term, p := range byTerm {
		idx.inverted[term] = append(idx.inverted[term], *p)
	}
}

// Remove drops one frame version from the index.
func (idx *Index) Remove(seq uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(seq)
}

func (idx *Index) removeLocked(seq uint64) {
	info, ok := idx.docs[seq]
	if !ok {
		return
	}
	// O(terms) sweep; acceptable because removal only happens on
	// re-index of an already-seen sequence.
	for term, postings := range idx.inverted {
		for i, p := range postings {
			if p.Seq == seq {
				idx.inverted[term] = append(postings[:i], postings[i+1:]...)
				break
			}
		}
		if len(idx.inverted[term]) == 0 {
			delete(idx.inverted, term)
		}
	}
	delete(idx.docs, seq)
	idx.totalLength -= int64(info.Length)
}

// DocCount returns the number of indexed frame versions.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

type scored struct {
	seq       uint64
	score     float32
	positions []int32
}

// Search returns up to k hits ranked by descending BM25 score, ties
// broken by descending sequence (newer wins).
func (idx *Index) Search(text string, k int, f lexical.Filter) []lexical.Hit {
	terms := Terms(text)
	if len(terms) == 0 || k <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.docs) == 0 {
		return nil
	}
	avgDL := float64(idx.totalLength) / float64(len(idx.docs))
	if avgDL <= 0 {
		avgDL = 1
	}

	acc := make(map[uint64]*scored)
	for _, term := range terms {
		postings, ok := idx.inverted[term]
		if !ok {
			continue
		}

		idf := computeIDF(len(idx.docs), len(postings))
		for _, p := range postings {
			info := idx.docs[p.Seq]
			if !idx.matches(p.Seq, info, f) {
				continue
			}

			tf := float64(p.Count)
			docLen := float64(info.Length)
			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			score := float32(idf * (num / denom))

			s := acc[p.Seq]
			if s == nil {
				s = &scored{seq: p.Seq}
				acc[p.Seq] = s
			}
			s.score += score
			s.positions = append(s.positions, p.Positions...)
		}
	}

	if len(acc) == 0 {
		return nil
	}

	ranked := make([]*scored, 0, len(acc))
	for _, s := range acc {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].seq > ranked[j].seq
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]lexical.Hit, 0, len(ranked))
	for _, s := range ranked {
		sort.Slice(s.positions, func(i, j int) bool { return s.positions[i] < s.positions[j] })
		out = append(out, lexical.Hit{
			Seq:       s.seq,
			URI:       idx.docs[s.seq].URI,
			Score:     s.score,
			Positions: s.positions,
		})
	}
	return out
}

func (idx *Index) matches(seq uint64, info docInfo, f lexical.Filter) bool {
	if f.Visible != nil && !f.Visible.Contains(seq) {
		return false
	}
	if f.Collection != "" && info.Collection != f.Collection {
		return false
	}
	if f.AfterMilli > 0 && info.Timestamp < f.AfterMilli {
		return false
	}
	if f.BeforeMilli > 0 && info.Timestamp > f.BeforeMilli {
		return false
	}
	return true
}

// computeIDF follows the standard BM25 formulation:
// IDF = ln(1 + (N - n + 0.5) / (n + 0.5))
func computeIDF(docCount, df int) float64 {
	N := float64(docCount)
	n := float64(df)
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}

// snapshot is the gob projection of the index.
type snapshot struct {
	Inverted    map[string][]posting
	Docs        map[uint64]docInfo
	TotalLength int64
}

// Snapshot serializes the index for the capsule's footer section.
func (idx *Index) Snapshot() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		Inverted:    idx.inverted,
		Docs:        idx.docs,
		TotalLength: idx.totalLength,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the index contents from a Snapshot blob.
func (idx *Index) Restore(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.inverted = snap.Inverted
	idx.docs = snap.Docs
	idx.totalLength = snap.TotalLength
	if idx.inverted == nil {
		idx.inverted = make(map[string][]posting)
	}
	if idx.docs == nil {
		idx.docs = make(map[uint64]docInfo)
	}
	return nil
}
