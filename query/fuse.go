package query

import (
	"fmt"
	"sort"
)

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60.0

// rankedList is one lane's ordered hits for one query variant.
type rankedList struct {
	lane   Lane
	query  string
	isBase bool
	hits   []LaneHit
}

// fusedCandidate accumulates a uri's contributions across lists.
type fusedCandidate struct {
	key      string
	seq      uint64
	uri      string
	title    string
	snippet  string
	bestRank int
	rrfScore float64
	rrfBonus float64
	sources  []string
}

func (c *fusedCandidate) total() float64 { return c.rrfScore + c.rrfBonus }

// rrfFuse merges ranked lists with reciprocal rank fusion. Base-query
// lists count double; top ranks earn a small bonus so a uri that leads
// several lists stays ahead of one that places mid-table everywhere.
func rrfFuse(lists []rankedList) []*fusedCandidate {
	byKey := make(map[string]*fusedCandidate)

	for _, list := range lists {
		weight := 1.0
		if list.isBase {
			weight = 2.0
		}
		for i, hit := range list.hits {
			rank := i + 1
			rrf := weight / (rrfK + float64(rank))

			var bonus float64
			switch {
			case rank == 1:
				bonus = 0.05
			case rank <= 3:
				bonus = 0.02
			}

			entry, ok := byKey[hit.URI]
			if !ok {
				entry = &fusedCandidate{
					key:      hit.URI,
					seq:      hit.Seq,
					uri:      hit.URI,
					title:    hit.Title,
					snippet:  hit.Snippet,
					bestRank: rank,
				}
				byKey[hit.URI] = entry
			}

			if rank < entry.bestRank {
				entry.bestRank = rank
				entry.seq = hit.Seq
				entry.title = hit.Title
				entry.snippet = hit.Snippet
			}

			entry.rrfScore += rrf
			entry.rrfBonus += bonus
			entry.sources = append(entry.sources, fmt.Sprintf("%s:%s#%d", list.lane, list.query, rank))
		}
	}

	fused := make([]*fusedCandidate, 0, len(byKey))
	for _, c := range byKey {
		fused = append(fused, c)
	}
	sort.Slice(fused, func(i, j int) bool {
		si, sj := fused[i].total(), fused[j].total()
		if si != sj {
			return si > sj
		}
		return fused[i].uri < fused[j].uri
	})
	return fused
}

// hasStrongSignal inspects the top two probe hits and reports whether
// the leader dominates enough to skip expansion.
func hasStrongSignal(hits []LaneHit) bool {
	var s1, s2 float64
	if len(hits) > 0 {
		s1 = hits[0].Score
	}
	if len(hits) > 1 {
		s2 = hits[1].Score
	}
	if s1 <= 0 {
		return false
	}
	if s1 <= 1.5 {
		return s1 >= 0.85 && s1-s2 >= 0.15
	}
	ratio := 10.0
	if s2 > 0 {
		ratio = s1 / s2
	}
	return s1 >= 2.0 && ratio >= 1.3
}
