package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aetherhq/capsule/hook"
)

// Options configures a Planner.
type Options struct {
	// Embedder powers the vector lane. Nil disables it.
	Embedder Embedder

	// Augmenter handles expansion and hook reranking. Nil selects the
	// built-in heuristic.
	Augmenter hook.Augmenter

	// Logger receives planner traces.
	Logger *slog.Logger
}

// Planner executes requests against a Store.
type Planner struct {
	store     Store
	embedder  Embedder
	augmenter hook.Augmenter
	logger    *slog.Logger
}

// New creates a Planner over the given store.
func New(store Store, optFns ...func(o *Options)) *Planner {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Augmenter == nil {
		opts.Augmenter = hook.Heuristic{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Planner{
		store:     store,
		embedder:  opts.Embedder,
		augmenter: opts.Augmenter,
		logger:    opts.Logger,
	}
}

// rerankHooker is implemented by augmenters that run an external rerank
// command.
type rerankHooker interface {
	HasRerank() bool
	FullText() bool
}

// Execute runs the full pipeline for one request.
func (p *Planner) Execute(ctx context.Context, req Request) (*Response, error) {
	req = req.withDefaults()

	traceID := uuid.NewString()
	logger := p.logger.With("trace_id", traceID)

	cleaned, parsed := parseMarkup(req.Raw)
	if strings.TrimSpace(cleaned) == "" {
		return nil, ErrEmptyQuery
	}

	scope := Scope{Collection: req.Collection}
	if scope.Collection == "" {
		scope.Collection = parsed.collection
	}
	scope.AsOfMilli = pickTime(req.AsOf, parsed.asofMilli)
	scope.BeforeMilli = pickTime(req.Before, parsed.beforeMilli)
	scope.AfterMilli = pickTime(req.After, parsed.afterMilli)

	var warnings []string

	laneLimit := req.Limit
	if laneLimit < 20 {
		laneLimit = 20
	}

	// Probe the top two lexical hits; a dominant leader makes expansion
	// a waste of lanes.
	strongSignal := false
	if !req.NoExpand {
		probe, err := p.store.SearchLexical(cleaned, 2, scope)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("lex probe failed: %v", err))
		} else {
			strongSignal = hasStrongSignal(probe)
		}
	}

	lexQueries, vecQueries, expandWarnings := p.expand(ctx, cleaned, req, scope, strongSignal)
	warnings = append(warnings, expandWarnings...)

	if req.NoVector {
		vecQueries = nil
	} else if p.embedder == nil {
		vecQueries = nil
	}

	plan := Plan{
		CleanedQuery:     cleaned,
		Collection:       scope.Collection,
		AsOfMilli:        scope.AsOfMilli,
		AfterMilli:       scope.AfterMilli,
		BeforeMilli:      scope.BeforeMilli,
		SkippedExpansion: !req.NoExpand && strongSignal,
		LexQueries:       lexQueries,
		VecQueries:       vecQueries,
	}

	logger.Debug("query planned",
		"query", cleaned,
		"collection", scope.Collection,
		"lex_lanes", len(lexQueries),
		"vec_lanes", len(vecQueries),
		"skipped_expansion", plan.SkippedExpansion)

	lists, laneWarnings := p.runLanes(ctx, lexQueries, vecQueries, laneLimit, scope)
	warnings = append(warnings, laneWarnings...)

	resp := &Response{
		TraceID:  traceID,
		Query:    req.Raw,
		Plan:     plan,
		Warnings: warnings,
	}
	if len(lists) == 0 {
		return resp, nil
	}

	fused := rrfFuse(lists)

	rerankScores, rerankSnippets, rerankWarnings := p.rerank(ctx, cleaned, req, fused)
	resp.Warnings = append(resp.Warnings, rerankWarnings...)
	rerankActive := len(rerankScores) > 0

	var feedback map[string]float64
	if req.FeedbackWeight > 0 {
		uris := make([]string, 0, len(fused))
		for _, c := range fused {
			uris = append(uris, c.uri)
		}
		feedback = p.store.FeedbackScores(uris)
	}

	results := make([]Result, 0, len(fused))
	for idx, cand := range fused {
		rrfRank := idx + 1

		score := cand.total()
		var rerankPtr *float64
		if rerankActive {
			weight := blendWeight(rrfRank)
			rerank := 0.0
			if s, ok := rerankScores[cand.key]; ok {
				rerank = s
				rerankPtr = &s
			}
			score = weight*(1/float64(rrfRank)) + (1-weight)*rerank
		}

		var feedbackPtr *float64
		if fb, ok := feedback[cand.uri]; ok {
			score += req.FeedbackWeight * fb
			feedbackPtr = &fb
		}

		snippet := cand.snippet
		if override, ok := rerankSnippets[cand.key]; ok && strings.TrimSpace(override) != "" {
			snippet = override
		}

		results = append(results, Result{
			Rank:          rrfRank,
			Seq:           cand.seq,
			URI:           cand.uri,
			Title:         cand.title,
			Snippet:       snippet,
			Score:         score,
			RRFRank:       rrfRank,
			RRFScore:      cand.total(),
			RerankScore:   rerankPtr,
			FeedbackScore: feedbackPtr,
			Sources:       cand.sources,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	resp.Results = results

	logger.Debug("query executed", "results", len(results), "warnings", len(resp.Warnings))

	return resp, nil
}

// blendWeight favors fusion order near the top and rerank signal below.
func blendWeight(rrfRank int) float64 {
	switch {
	case rrfRank <= 3:
		return 0.75
	case rrfRank <= 10:
		return 0.60
	default:
		return 0.40
	}
}

func pickTime(explicit string, fromDirective int64) int64 {
	if explicit != "" {
		if ts := parseTime(explicit); ts != 0 {
			return ts
		}
	}
	return fromDirective
}

func (p *Planner) expand(ctx context.Context, cleaned string, req Request, scope Scope, strongSignal bool) (lex, vec, warnings []string) {
	if req.NoExpand || strongSignal {
		return []string{cleaned}, []string{cleaned}, nil
	}

	hreq := &hook.ExpandRequest{
		Query:         cleaned,
		MaxExpansions: req.MaxExpansions,
		Scope:         scope.Collection,
	}
	if scope.AfterMilli != 0 || scope.BeforeMilli != 0 {
		hreq.Temporal = &hook.Temporal{StartUTC: scope.AfterMilli, EndUTC: scope.BeforeMilli}
	}

	resp, err := p.augmenter.Expand(ctx, hreq)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("expansion hook failed: %v", err))
		lex = hook.BuildExpansions(cleaned, req.MaxExpansions)
		return lex, lex, warnings
	}

	warnings = append(warnings, resp.Warnings...)

	lex = resp.Lex
	if len(lex) == 0 {
		lex = []string{cleaned}
	}
	vec = resp.Vec
	if len(vec) == 0 {
		vec = lex
	}

	max := req.MaxExpansions
	if max < 1 {
		max = 1
	}
	if len(lex) > max {
		lex = lex[:max]
	}
	if len(vec) > max {
		vec = vec[:max]
	}
	return lex, vec, warnings
}

// runLanes executes all lexical and vector lanes concurrently against
// the same temporal snapshot. A failed lane degrades to a warning.
func (p *Planner) runLanes(ctx context.Context, lexQueries, vecQueries []string, laneLimit int, scope Scope) ([]rankedList, []string) {
	var (
		mu       sync.Mutex
		warnings []string
	)

	lexLists := make([]rankedList, len(lexQueries))
	vecLists := make([]rankedList, len(vecQueries))

	var embeddings map[string][]float32
	if len(vecQueries) > 0 {
		unique := dedupStrings(vecQueries)
		embs, err := p.embedder.Embed(ctx, unique)
		if err != nil || len(embs) != len(unique) {
			warnings = append(warnings, fmt.Sprintf("embed batch failed: %v", err))
		} else {
			embeddings = make(map[string][]float32, len(unique))
			for i, q := range unique {
				embeddings[q] = embs[i]
			}
		}
	}

	var g errgroup.Group

	for i, q := range lexQueries {
		i, q := i, q
		g.Go(func() error {
			hits, err := p.store.SearchLexical(q, laneLimit, scope)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("lex search failed for %q: %v", q, err))
				mu.Unlock()
				return nil
			}
			lexLists[i] = rankedList{lane: LaneLex, query: q, isBase: i == 0, hits: hits}
			return nil
		})
	}

	for i, q := range vecQueries {
		i, q := i, q
		embedding, ok := embeddings[q]
		if !ok {
			continue
		}
		g.Go(func() error {
			hits, err := p.store.SearchVector(embedding, laneLimit, scope)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("vec search failed for %q: %v", q, err))
				mu.Unlock()
				return nil
			}
			vecLists[i] = rankedList{lane: LaneVec, query: q, isBase: i == 0, hits: hits}
			return nil
		})
	}

	_ = g.Wait()

	lists := make([]rankedList, 0, len(lexLists)+len(vecLists))
	for _, l := range lexLists {
		if len(l.hits) > 0 {
			lists = append(lists, l)
		}
	}
	for _, l := range vecLists {
		if len(l.hits) > 0 {
			lists = append(lists, l)
		}
	}
	return lists, warnings
}

func (p *Planner) rerank(ctx context.Context, cleaned string, req Request, fused []*fusedCandidate) (scores map[string]float64, snippets map[string]string, warnings []string) {
	scores = make(map[string]float64)
	snippets = make(map[string]string)

	// A configured hook overrides the local scorer, but an explicit
	// "none" always wins.
	mode := req.Rerank
	hooker, hasHook := p.augmenter.(rerankHooker)
	if mode != RerankNone && hasHook && hooker.HasRerank() {
		mode = RerankHook
	}

	docs := req.RerankDocs
	if docs > len(fused) {
		docs = len(fused)
	}

	switch mode {
	case RerankNone:

	case RerankLocal:
		for _, cand := range fused[:docs] {
			text, err := p.store.FrameText(cand.seq)
			if err != nil {
				continue
			}
			chunk, score := bestChunk(cleaned, text, req.RerankChunkChars, req.RerankChunkOverlap)
			scores[cand.key] = score
			snippets[cand.key] = chunk
		}

	case RerankHook:
		if !hasHook || !hooker.HasRerank() {
			warnings = append(warnings, "rerank hook selected but no hook configured")
			break
		}
		fullText := hooker.FullText()
		candidates := make([]hook.Candidate, 0, docs)
		for _, cand := range fused[:docs] {
			hc := hook.Candidate{
				Key:     cand.key,
				URI:     cand.uri,
				Title:   cand.title,
				Snippet: cand.snippet,
				Seq:     cand.seq,
			}
			if fullText {
				if text, err := p.store.FrameText(cand.seq); err == nil {
					hc.Text = text
				}
			}
			candidates = append(candidates, hc)
		}
		resp, err := p.augmenter.Rerank(ctx, &hook.RerankRequest{Query: cleaned, Candidates: candidates})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("rerank hook failed: %v", err))
			break
		}
		warnings = append(warnings, resp.Warnings...)
		for key, score := range resp.Scores {
			scores[key] = score
		}
		for key, snippet := range resp.Snippets {
			snippets[key] = snippet
		}

	default:
		warnings = append(warnings, fmt.Sprintf("unknown rerank mode %q, defaulting to none", mode))
	}

	return scores, snippets, warnings
}

func dedupStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
