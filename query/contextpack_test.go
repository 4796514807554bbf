package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContextPack(t *testing.T) {
	store := &fakeStore{
		lexHits: twoHits(),
		texts: map[uint64]string{
			1: "full body of frame one",
			2: "full body of frame two",
		},
	}
	p := New(store)

	req := Request{Raw: "needle", NoExpand: true, Rerank: RerankNone, FeedbackWeight: -1}

	pack, err := p.BuildContextPack(context.Background(), req, 0, false)
	require.NoError(t, err)

	assert.Equal(t, "needle", pack.Query)
	require.Len(t, pack.Citations, 2)
	assert.Equal(t, 1, pack.Citations[0].Rank)
	assert.Equal(t, "capsule://n/a", pack.Citations[0].URI)

	assert.Contains(t, pack.Context, "[1] capsule://n/a A\n")
	assert.Contains(t, pack.Context, "snippet a")
	assert.Contains(t, pack.Context, "[2] capsule://n/b B\n")
}

func TestBuildContextPackFullBodies(t *testing.T) {
	store := &fakeStore{
		lexHits: twoHits(),
		texts:   map[uint64]string{1: "full body of frame one", 2: "full body of frame two"},
	}
	p := New(store)

	req := Request{Raw: "needle", NoExpand: true, Rerank: RerankNone, FeedbackWeight: -1}

	pack, err := p.BuildContextPack(context.Background(), req, 0, true)
	require.NoError(t, err)
	assert.Contains(t, pack.Context, "full body of frame one")
	assert.NotContains(t, pack.Context, "snippet a")
}

func TestBuildContextPackByteBudget(t *testing.T) {
	store := &fakeStore{
		lexHits: []LaneHit{
			{Seq: 1, URI: "capsule://n/a", Title: "A", Snippet: strings.Repeat("x", 500)},
			{Seq: 2, URI: "capsule://n/b", Title: "B", Snippet: strings.Repeat("y", 500)},
		},
	}
	p := New(store)

	req := Request{Raw: "needle", NoExpand: true, Rerank: RerankNone, FeedbackWeight: -1}

	pack, err := p.BuildContextPack(context.Background(), req, 200, false)
	require.NoError(t, err)

	assert.Len(t, pack.Citations, 1)
	assert.LessOrEqual(t, len(pack.Context), 210)
	assert.NotContains(t, pack.Context, "y")

	_, err = p.BuildContextPack(context.Background(), Request{Raw: "in:notes"}, 200, false)
	assert.Error(t, err)
}
