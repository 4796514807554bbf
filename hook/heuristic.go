package hook

import (
	"context"
	"strings"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "their": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "with": {}, "you": {}, "your": {},
}

// IsStopword reports whether the lowercased token carries little signal.
func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !isWordRune(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToLower(f))
	}
	return out
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '\'':
		return true
	case r > 127:
		return true
	}
	return false
}

func dedupKeepOrder(values []string) []string {
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

// BuildExpansions derives lexical query variants from the base query:
// the base itself, a stopword-reduced form, and a quoted phrase form.
func BuildExpansions(base string, max int) []string {
	tokens := tokenize(base)
	if len(tokens) <= 1 || max == 0 {
		return []string{base}
	}

	trimmed := strings.TrimSpace(base)
	expansions := []string{trimmed}

	reduced := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !IsStopword(t) {
			reduced = append(reduced, t)
		}
	}
	if joined := strings.Join(reduced, " "); joined != "" && joined != base {
		expansions = append(expansions, joined)
	}

	if !strings.HasPrefix(trimmed, `"`) && !strings.HasSuffix(trimmed, `"`) {
		expansions = append(expansions, `"`+trimmed+`"`)
	}

	expansions = dedupKeepOrder(expansions)
	if max < 1 {
		max = 1
	}
	if len(expansions) > max {
		expansions = expansions[:max]
	}
	return expansions
}

// Heuristic is the built-in Augmenter used when no hook command is
// configured. Expansion derives lexical variants locally; rerank is a
// no-op, leaving the planner's local chunk scorer in charge.
type Heuristic struct{}

var _ Augmenter = Heuristic{}

func (Heuristic) Expand(_ context.Context, req *ExpandRequest) (*ExpandResponse, error) {
	return &ExpandResponse{Lex: BuildExpansions(req.Query, req.MaxExpansions)}, nil
}

func (Heuristic) Rerank(_ context.Context, req *RerankRequest) (*RerankResponse, error) {
	return &RerankResponse{}, nil
}
