// Package hook augments queries with external expansion and reranking
// logic. The default implementation is a built-in heuristic; the
// subprocess implementation shells out to a user-configured command
// speaking JSON over stdin/stdout.
package hook

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when a hook command exceeds its deadline.
var ErrTimeout = errors.New("hook timed out")

// Error wraps a hook invocation failure with the hook kind.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s hook: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporal bounds candidate timestamps during expansion.
type Temporal struct {
	StartUTC int64  `json:"start_utc,omitempty"`
	EndUTC   int64  `json:"end_utc,omitempty"`
	Phrase   string `json:"phrase,omitempty"`
}

// ExpandRequest is the JSON payload handed to an expansion hook.
type ExpandRequest struct {
	Query         string    `json:"query"`
	MaxExpansions int       `json:"max_expansions"`
	Scope         string    `json:"scope,omitempty"`
	Temporal      *Temporal `json:"temporal,omitempty"`
}

// ExpandResponse carries additional lexical and vector query strings.
// Unknown fields are ignored so hooks can evolve independently.
type ExpandResponse struct {
	Lex      []string `json:"lex"`
	Vec      []string `json:"vec"`
	Warnings []string `json:"warnings"`
}

// Candidate is one fused result offered to a rerank hook.
type Candidate struct {
	Key     string `json:"key"`
	URI     string `json:"uri"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet"`
	Seq     uint64 `json:"frame_id"`
	Text    string `json:"text,omitempty"`
}

// RerankRequest is the JSON payload handed to a rerank hook.
type RerankRequest struct {
	Query      string      `json:"query"`
	Candidates []Candidate `json:"candidates"`
}

// RerankResponse maps candidate keys to replacement scores and,
// optionally, replacement snippets.
type RerankResponse struct {
	Scores   map[string]float64 `json:"scores"`
	Snippets map[string]string  `json:"snippets"`
	Warnings []string           `json:"warnings"`
}

// Augmenter expands queries and reranks candidates. Implementations
// must be safe for concurrent use.
type Augmenter interface {
	Expand(ctx context.Context, req *ExpandRequest) (*ExpandResponse, error)
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)
}
