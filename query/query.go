// Package query plans and executes hybrid searches over a capsule:
// directive parsing, expansion, concurrent lexical and vector lanes,
// reciprocal rank fusion, reranking, and feedback blending.
package query

import (
	"context"
	"errors"
)

// ErrEmptyQuery is returned when nothing remains after directive tokens
// are stripped from the raw query.
var ErrEmptyQuery = errors.New("query is empty after removing directive tokens")

// Lane identifies which retrieval lane produced a ranked list.
type Lane string

const (
	LaneLex Lane = "lex"
	LaneVec Lane = "vec"
)

// Scope narrows a lane search to a collection and a temporal window.
// Timestamps are unix milliseconds; zero means unbounded.
type Scope struct {
	Collection  string
	AsOfMilli   int64
	AfterMilli  int64
	BeforeMilli int64
}

// LaneHit is a single search result from one lane.
type LaneHit struct {
	Seq     uint64
	URI     string
	Title   string
	Snippet string
	Score   float64
}

// Store is the read surface the planner needs from a capsule.
type Store interface {
	// SearchLexical runs a BM25 search within scope.
	SearchLexical(query string, k int, scope Scope) ([]LaneHit, error)

	// SearchVector runs an ANN search within scope.
	SearchVector(embedding []float32, k int, scope Scope) ([]LaneHit, error)

	// FrameText returns the body text of a frame for reranking.
	FrameText(seq uint64) (string, error)

	// FeedbackScores returns the newest feedback score per uri, for the
	// uris that have one.
	FeedbackScores(uris []string) map[string]float64
}

// Embedder turns query strings into vectors for the vector lane.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RerankMode selects the rerank stage behavior.
type RerankMode string

const (
	RerankNone  RerankMode = "none"
	RerankLocal RerankMode = "local"
	RerankHook  RerankMode = "hook"
)

// Request carries one query and its planner knobs. Zero values take the
// documented defaults.
type Request struct {
	// Raw is the user query, possibly containing in:/asof:/before:/after:
	// directive tokens.
	Raw string

	// Collection scopes the search; overrides an in: directive.
	Collection string

	// Limit is the number of results to return (default 10).
	Limit int

	// SnippetChars bounds snippet length (default 300).
	SnippetChars int

	// NoExpand disables query expansion.
	NoExpand bool

	// MaxExpansions caps variants per lane (default 2).
	MaxExpansions int

	// NoVector disables the vector lane.
	NoVector bool

	// Rerank selects the rerank stage (default RerankLocal).
	Rerank RerankMode

	// RerankDocs caps how many fused candidates are reranked (default 40).
	RerankDocs int

	// RerankChunkChars and RerankChunkOverlap shape local rerank chunking
	// (defaults 1200 and 200).
	RerankChunkChars   int
	RerankChunkOverlap int

	// FeedbackWeight blends stored feedback scores into the final score,
	// clamped to [0, 1]. Negative disables (default 0.15).
	FeedbackWeight float64

	// AsOf, Before, After are date strings (2006-01-02 or
	// 2006-01-02T15:04); they override directive tokens.
	AsOf   string
	Before string
	After  string
}

func (r *Request) withDefaults() Request {
	out := *r
	if out.Limit <= 0 {
		out.Limit = 10
	}
	if out.SnippetChars <= 0 {
		out.SnippetChars = 300
	}
	if out.MaxExpansions <= 0 {
		out.MaxExpansions = 2
	}
	if out.Rerank == "" {
		out.Rerank = RerankLocal
	}
	if out.RerankDocs <= 0 {
		out.RerankDocs = 40
	}
	if out.RerankChunkChars <= 0 {
		out.RerankChunkChars = 1200
	}
	if out.RerankChunkOverlap <= 0 {
		out.RerankChunkOverlap = 200
	}
	if out.FeedbackWeight == 0 {
		out.FeedbackWeight = 0.15
	}
	if out.FeedbackWeight < 0 {
		out.FeedbackWeight = 0
	}
	if out.FeedbackWeight > 1 {
		out.FeedbackWeight = 1
	}
	return out
}

// Plan records what the planner decided for one query.
type Plan struct {
	CleanedQuery     string   `json:"cleaned_query"`
	Collection       string   `json:"collection,omitempty"`
	AsOfMilli        int64    `json:"asof_ts,omitempty"`
	AfterMilli       int64    `json:"after_ts,omitempty"`
	BeforeMilli      int64    `json:"before_ts,omitempty"`
	SkippedExpansion bool     `json:"skipped_expansion"`
	LexQueries       []string `json:"lex_queries"`
	VecQueries       []string `json:"vec_queries"`
}

// Result is one ranked answer.
type Result struct {
	Rank          int      `json:"rank"`
	Seq           uint64   `json:"frame_id"`
	URI           string   `json:"uri"`
	Title         string   `json:"title,omitempty"`
	Snippet       string   `json:"snippet"`
	Score         float64  `json:"score"`
	RRFRank       int      `json:"rrf_rank"`
	RRFScore      float64  `json:"rrf_score"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`
	FeedbackScore *float64 `json:"feedback_score,omitempty"`
	Sources       []string `json:"sources"`
}

// Response is the full planner output.
type Response struct {
	TraceID  string   `json:"trace_id"`
	Query    string   `json:"query"`
	Plan     Plan     `json:"plan"`
	Warnings []string `json:"warnings,omitempty"`
	Results  []Result `json:"results"`
}

// Citation ties a context pack excerpt back to its frame.
type Citation struct {
	Rank  int     `json:"rank"`
	Seq   uint64  `json:"frame_id"`
	URI   string  `json:"uri"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
}

// ContextPack is prompt-ready text assembled from query results.
type ContextPack struct {
	Query     string     `json:"query"`
	Plan      Plan       `json:"plan"`
	Warnings  []string   `json:"warnings,omitempty"`
	Citations []Citation `json:"citations"`
	Context   string     `json:"context"`
}
