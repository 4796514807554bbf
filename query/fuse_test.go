package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasStrongSignal(t *testing.T) {
	tests := []struct {
		name string
		hits []LaneHit
		want bool
	}{
		{"no hits", nil, false},
		{"low band dominant", []LaneHit{{Score: 0.9}, {Score: 0.5}}, true},
		{"low band close race", []LaneHit{{Score: 0.9}, {Score: 0.8}}, false},
		{"low band weak leader", []LaneHit{{Score: 0.8}, {Score: 0.1}}, false},
		{"high band dominant", []LaneHit{{Score: 3.0}, {Score: 2.0}}, true},
		{"high band close race", []LaneHit{{Score: 3.0}, {Score: 2.5}}, false},
		{"sole strong hit", []LaneHit{{Score: 2.0}}, true},
		{"mid band no rule applies", []LaneHit{{Score: 1.6}, {Score: 0.1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasStrongSignal(tt.hits))
		})
	}
}

func TestRRFFuseSingleList(t *testing.T) {
	lists := []rankedList{
		{lane: LaneLex, query: "q", isBase: true, hits: []LaneHit{
			{Seq: 1, URI: "capsule://n/a", Title: "A", Snippet: "sa", Score: 3},
			{Seq: 2, URI: "capsule://n/b", Title: "B", Snippet: "sb", Score: 2},
		}},
	}

	fused := rrfFuse(lists)
	require.Len(t, fused, 2)

	assert.Equal(t, "capsule://n/a", fused[0].uri)
	assert.Equal(t, uint64(1), fused[0].seq)
	assert.InDelta(t, 2.0/(rrfK+1)+0.05, fused[0].total(), 1e-9)
	assert.Equal(t, []string{"lex:q#1"}, fused[0].sources)

	assert.Equal(t, "capsule://n/b", fused[1].uri)
	assert.InDelta(t, 2.0/(rrfK+2)+0.02, fused[1].total(), 1e-9)
}

func TestRRFFuseMergesLanes(t *testing.T) {
	lists := []rankedList{
		{lane: LaneLex, query: "q", isBase: true, hits: []LaneHit{
			{Seq: 1, URI: "capsule://n/a", Title: "A"},
			{Seq: 2, URI: "capsule://n/b", Title: "B"},
		}},
		{lane: LaneVec, query: "q", isBase: false, hits: []LaneHit{
			{Seq: 2, URI: "capsule://n/b", Title: "B"},
			{Seq: 1, URI: "capsule://n/a", Title: "A"},
		}},
	}

	fused := rrfFuse(lists)
	require.Len(t, fused, 2)

	// The base list counts double, so the lexical leader wins.
	assert.Equal(t, "capsule://n/a", fused[0].uri)
	assert.Equal(t, 1, fused[0].bestRank)
	assert.Len(t, fused[0].sources, 2)

	// The runner-up still gets bestRank 1 via the vector lane.
	assert.Equal(t, "capsule://n/b", fused[1].uri)
	assert.Equal(t, 1, fused[1].bestRank)
}

func TestRRFFuseTieBreaksOnURI(t *testing.T) {
	lists := []rankedList{
		{lane: LaneLex, query: "x", isBase: false, hits: []LaneHit{{Seq: 2, URI: "capsule://n/b"}}},
		{lane: LaneLex, query: "y", isBase: false, hits: []LaneHit{{Seq: 1, URI: "capsule://n/a"}}},
	}

	fused := rrfFuse(lists)
	require.Len(t, fused, 2)
	assert.Equal(t, "capsule://n/a", fused[0].uri)
	assert.Equal(t, "capsule://n/b", fused[1].uri)
}

func TestRRFFuseBestRankWinsMetadata(t *testing.T) {
	lists := []rankedList{
		{lane: LaneLex, query: "q", isBase: false, hits: []LaneHit{
			{Seq: 10, URI: "capsule://n/a", Title: "old", Snippet: "old snip"},
		}},
		{lane: LaneVec, query: "q", isBase: false, hits: []LaneHit{
			{Seq: 11, URI: "capsule://n/a", Title: "new", Snippet: "new snip"},
		}},
	}

	// Both lists place the uri at rank 1; the first list got there first
	// and a same-rank hit does not displace it.
	fused := rrfFuse(lists)
	require.Len(t, fused, 1)
	assert.Equal(t, "old", fused[0].title)
	assert.Equal(t, uint64(10), fused[0].seq)
}
