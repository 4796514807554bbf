package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/capsule/hook"
)

type fakeStore struct {
	lexHits  []LaneHit
	lexErr   error
	vecHits  []LaneHit
	vecErr   error
	texts    map[uint64]string
	feedback map[string]float64

	lexQueries []string
	lexScopes  []Scope
}

func (s *fakeStore) SearchLexical(query string, k int, scope Scope) ([]LaneHit, error) {
	s.lexQueries = append(s.lexQueries, query)
	s.lexScopes = append(s.lexScopes, scope)
	if s.lexErr != nil {
		return nil, s.lexErr
	}
	if k < len(s.lexHits) {
		return s.lexHits[:k], nil
	}
	return s.lexHits, nil
}

func (s *fakeStore) SearchVector(embedding []float32, k int, scope Scope) ([]LaneHit, error) {
	if s.vecErr != nil {
		return nil, s.vecErr
	}
	return s.vecHits, nil
}

func (s *fakeStore) FrameText(seq uint64) (string, error) {
	text, ok := s.texts[seq]
	if !ok {
		return "", errors.New("no text")
	}
	return text, nil
}

func (s *fakeStore) FeedbackScores(uris []string) map[string]float64 {
	out := make(map[string]float64)
	for _, uri := range uris {
		if score, ok := s.feedback[uri]; ok {
			out[uri] = score
		}
	}
	return out
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func twoHits() []LaneHit {
	return []LaneHit{
		{Seq: 1, URI: "capsule://n/a", Title: "A", Snippet: "snippet a", Score: 3},
		{Seq: 2, URI: "capsule://n/b", Title: "B", Snippet: "snippet b", Score: 2},
	}
}

func TestExecuteEmptyQuery(t *testing.T) {
	p := New(&fakeStore{})
	_, err := p.Execute(context.Background(), Request{Raw: "in:notes"})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestExecuteLexicalOnly(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:            "needle",
		NoExpand:       true,
		Rerank:         RerankNone,
		FeedbackWeight: -1,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.TraceID)
	assert.Equal(t, "needle", resp.Plan.CleanedQuery)
	assert.Empty(t, resp.Warnings)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.Equal(t, "capsule://n/a", resp.Results[0].URI)
	assert.InDelta(t, 2.0/(rrfK+1)+0.05, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "snippet a", resp.Results[0].Snippet)
	assert.Nil(t, resp.Results[0].RerankScore)
	assert.Nil(t, resp.Results[0].FeedbackScore)

	assert.Equal(t, "capsule://n/b", resp.Results[1].URI)
}

func TestExecuteScopeFromDirectives(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:      "needle in:notes asof:2024-01-02",
		NoExpand: true,
		Rerank:   RerankNone,
	})
	require.NoError(t, err)

	assert.Equal(t, "notes", resp.Plan.Collection)
	assert.NotZero(t, resp.Plan.AsOfMilli)

	require.NotEmpty(t, store.lexScopes)
	assert.Equal(t, "notes", store.lexScopes[0].Collection)
	assert.Equal(t, resp.Plan.AsOfMilli, store.lexScopes[0].AsOfMilli)
}

func TestExecuteCollectionOverridesDirective(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:        "needle in:notes",
		Collection: "ops",
		NoExpand:   true,
		Rerank:     RerankNone,
	})
	require.NoError(t, err)
	assert.Equal(t, "ops", resp.Plan.Collection)
}

func TestExecuteExpansionLanes(t *testing.T) {
	// Probe scores are too weak for the strong-signal shortcut.
	store := &fakeStore{lexHits: []LaneHit{
		{Seq: 1, URI: "capsule://n/a", Score: 0.5},
		{Seq: 2, URI: "capsule://n/b", Score: 0.45},
	}}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:           "the quick fox",
		MaxExpansions: 2,
		Rerank:        RerankNone,
	})
	require.NoError(t, err)

	// Heuristic expansion: base plus the stopword-reduced variant.
	assert.Equal(t, []string{"the quick fox", "quick fox"}, resp.Plan.LexQueries)
	assert.Empty(t, resp.Plan.VecQueries)

	// Probe plus both lanes hit the lexical store.
	assert.Contains(t, store.lexQueries, "quick fox")
	assert.Len(t, store.lexQueries, 3)
}

func TestExecuteStrongSignalSkipsExpansion(t *testing.T) {
	store := &fakeStore{lexHits: []LaneHit{
		{Seq: 1, URI: "capsule://n/a", Score: 5},
		{Seq: 2, URI: "capsule://n/b", Score: 1},
	}}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:    "the quick fox",
		Rerank: RerankNone,
	})
	require.NoError(t, err)

	assert.True(t, resp.Plan.SkippedExpansion)
	assert.Equal(t, []string{"the quick fox"}, resp.Plan.LexQueries)
}

func TestExecuteLaneFailureDegrades(t *testing.T) {
	store := &fakeStore{lexErr: errors.New("index exploded")}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:      "needle",
		NoExpand: true,
		Rerank:   RerankNone,
	})
	require.NoError(t, err)

	assert.Empty(t, resp.Results)
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, strings.Join(resp.Warnings, "\n"), "lex search failed")
}

func TestExecuteVectorLane(t *testing.T) {
	store := &fakeStore{
		lexHits: []LaneHit{{Seq: 1, URI: "capsule://n/a", Score: 1}},
		vecHits: []LaneHit{{Seq: 2, URI: "capsule://n/b", Score: 0.9}},
	}
	p := New(store, func(o *Options) { o.Embedder = fakeEmbedder{} })

	resp, err := p.Execute(context.Background(), Request{
		Raw:      "needle",
		NoExpand: true,
		Rerank:   RerankNone,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"needle"}, resp.Plan.VecQueries)
	require.Len(t, resp.Results, 2)

	uris := []string{resp.Results[0].URI, resp.Results[1].URI}
	assert.Contains(t, uris, "capsule://n/a")
	assert.Contains(t, uris, "capsule://n/b")
}

func TestExecuteNoVector(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	p := New(store, func(o *Options) { o.Embedder = fakeEmbedder{} })

	resp, err := p.Execute(context.Background(), Request{
		Raw:      "needle",
		NoExpand: true,
		NoVector: true,
		Rerank:   RerankNone,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Plan.VecQueries)
}

func TestExecuteLocalRerank(t *testing.T) {
	store := &fakeStore{
		lexHits: twoHits(),
		texts: map[uint64]string{
			1: "nothing relevant here at all",
			2: "this frame is all about the needle and more needle",
		},
	}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:            "needle",
		NoExpand:       true,
		Rerank:         RerankLocal,
		FeedbackWeight: -1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// Top ranks weigh fusion order heavily, so the leader holds; the
	// rerank signal still lands in scores and snippets.
	assert.Equal(t, "capsule://n/a", resp.Results[0].URI)
	require.NotNil(t, resp.Results[0].RerankScore)
	assert.Zero(t, *resp.Results[0].RerankScore)
	assert.Equal(t, "snippet a", resp.Results[0].Snippet)

	assert.Equal(t, "capsule://n/b", resp.Results[1].URI)
	require.NotNil(t, resp.Results[1].RerankScore)
	assert.Greater(t, *resp.Results[1].RerankScore, 0.0)
	assert.Contains(t, resp.Results[1].Snippet, "needle")
}

func TestExecuteFeedbackBlending(t *testing.T) {
	store := &fakeStore{
		lexHits:  twoHits(),
		feedback: map[string]float64{"capsule://n/b": 1.0},
	}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:      "needle",
		NoExpand: true,
		Rerank:   RerankNone,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// Default weight 0.15 on a full-strength vote flips the order.
	assert.Equal(t, "capsule://n/b", resp.Results[0].URI)
	require.NotNil(t, resp.Results[0].FeedbackScore)
	assert.Equal(t, 1.0, *resp.Results[0].FeedbackScore)
	assert.Nil(t, resp.Results[1].FeedbackScore)
}

type scriptedAugmenter struct {
	expandResp *hook.ExpandResponse
	expandErr  error
	rerankResp *hook.RerankResponse
	rerankErr  error
	hasRerank  bool
}

func (a *scriptedAugmenter) Expand(context.Context, *hook.ExpandRequest) (*hook.ExpandResponse, error) {
	if a.expandErr != nil {
		return nil, a.expandErr
	}
	if a.expandResp != nil {
		return a.expandResp, nil
	}
	return &hook.ExpandResponse{}, nil
}

func (a *scriptedAugmenter) Rerank(context.Context, *hook.RerankRequest) (*hook.RerankResponse, error) {
	if a.rerankErr != nil {
		return nil, a.rerankErr
	}
	if a.rerankResp != nil {
		return a.rerankResp, nil
	}
	return &hook.RerankResponse{}, nil
}

func (a *scriptedAugmenter) HasRerank() bool { return a.hasRerank }
func (a *scriptedAugmenter) FullText() bool  { return false }

func TestExecuteExpandHookFailureFallsBack(t *testing.T) {
	// Probe scores are too weak for the strong-signal shortcut, so the
	// broken hook is actually consulted.
	store := &fakeStore{lexHits: []LaneHit{
		{Seq: 1, URI: "capsule://n/a", Snippet: "snippet a", Score: 0.5},
		{Seq: 2, URI: "capsule://n/b", Snippet: "snippet b", Score: 0.45},
	}}
	p := New(store, func(o *Options) {
		o.Augmenter = &scriptedAugmenter{expandErr: errors.New("hook broke")}
	})

	resp, err := p.Execute(context.Background(), Request{
		Raw:           "the quick fox",
		MaxExpansions: 2,
		Rerank:        RerankNone,
	})
	require.NoError(t, err)

	assert.Contains(t, strings.Join(resp.Warnings, "\n"), "expansion hook failed")
	assert.Equal(t, []string{"the quick fox", "quick fox"}, resp.Plan.LexQueries)
	assert.NotEmpty(t, resp.Results)
}

func TestExecuteConfiguredRerankHookWins(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	aug := &scriptedAugmenter{
		hasRerank: true,
		rerankResp: &hook.RerankResponse{
			Scores:   map[string]float64{"capsule://n/b": 1.0},
			Snippets: map[string]string{"capsule://n/b": "hook snippet"},
		},
	}
	p := New(store, func(o *Options) { o.Augmenter = aug })

	// The request asks for local rerank; a configured hook overrides it.
	resp, err := p.Execute(context.Background(), Request{
		Raw:            "needle",
		NoExpand:       true,
		Rerank:         RerankLocal,
		FeedbackWeight: -1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// The hook ran: its score and snippet landed on the second result.
	assert.Equal(t, "capsule://n/b", resp.Results[1].URI)
	assert.Equal(t, "hook snippet", resp.Results[1].Snippet)
	require.NotNil(t, resp.Results[1].RerankScore)
	assert.Equal(t, 1.0, *resp.Results[1].RerankScore)
}

func TestExecuteRerankNoneBeatsConfiguredHook(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	aug := &scriptedAugmenter{
		hasRerank: true,
		rerankResp: &hook.RerankResponse{
			Scores:   map[string]float64{"capsule://n/b": 1.0},
			Snippets: map[string]string{"capsule://n/b": "hook snippet"},
		},
	}
	p := New(store, func(o *Options) { o.Augmenter = aug })

	resp, err := p.Execute(context.Background(), Request{
		Raw:            "needle",
		NoExpand:       true,
		Rerank:         RerankNone,
		FeedbackWeight: -1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "snippet b", resp.Results[1].Snippet)
	assert.Nil(t, resp.Results[1].RerankScore)
}

func TestExecuteRerankHookFailureDegrades(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	aug := &scriptedAugmenter{hasRerank: true, rerankErr: errors.New("rerank broke")}
	p := New(store, func(o *Options) { o.Augmenter = aug })

	resp, err := p.Execute(context.Background(), Request{
		Raw:            "needle",
		NoExpand:       true,
		FeedbackWeight: -1,
	})
	require.NoError(t, err)

	assert.Contains(t, strings.Join(resp.Warnings, "\n"), "rerank hook failed")
	require.Len(t, resp.Results, 2)
	// Fusion order survives when the hook produces no scores.
	assert.Equal(t, "capsule://n/a", resp.Results[0].URI)
}

func TestExecuteUnknownRerankMode(t *testing.T) {
	store := &fakeStore{lexHits: twoHits()}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:            "needle",
		NoExpand:       true,
		Rerank:         RerankMode("bogus"),
		FeedbackWeight: -1,
	})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(resp.Warnings, "\n"), "unknown rerank mode")
	assert.NotEmpty(t, resp.Results)
}

func TestExecuteLimitTruncates(t *testing.T) {
	hits := make([]LaneHit, 0, 30)
	for i := 0; i < 30; i++ {
		hits = append(hits, LaneHit{
			Seq: uint64(i + 1),
			URI: "capsule://n/" + string(rune('a'+i)),
		})
	}
	store := &fakeStore{lexHits: hits}
	p := New(store)

	resp, err := p.Execute(context.Background(), Request{
		Raw:      "needle",
		NoExpand: true,
		Rerank:   RerankNone,
		Limit:    5,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 5)
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
	}
}
