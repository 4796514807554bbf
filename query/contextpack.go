package query

import (
	"context"
	"fmt"
	"strings"
)

// DefaultPackBytes bounds a context pack when the caller passes zero.
const DefaultPackBytes = 12000

// BuildContextPack runs the request and assembles the results into
// prompt-ready text. Each excerpt opens with a "[rank] uri title"
// citation header; full selects whole frame bodies over snippets.
func (p *Planner) BuildContextPack(ctx context.Context, req Request, maxBytes int, full bool) (*ContextPack, error) {
	resp, err := p.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if maxBytes <= 0 {
		maxBytes = DefaultPackBytes
	}

	var sb strings.Builder
	citations := make([]Citation, 0, len(resp.Results))

	for _, r := range resp.Results {
		if sb.Len() >= maxBytes {
			break
		}

		header := fmt.Sprintf("[%d] %s %s\n", r.Rank, r.URI, r.Title)

		body := r.Snippet
		if full {
			if text, err := p.store.FrameText(r.Seq); err == nil {
				body = text
			}
		}

		remaining := maxBytes - sb.Len() - len(header)
		if remaining <= 0 {
			break
		}
		if len(body) > remaining {
			body = body[:remaining]
		}

		sb.WriteString(header)
		sb.WriteString(body)
		sb.WriteString("\n\n")

		citations = append(citations, Citation{
			Rank:  r.Rank,
			Seq:   r.Seq,
			URI:   r.URI,
			Title: r.Title,
			Score: r.Score,
		})
	}

	return &ContextPack{
		Query:     resp.Query,
		Plan:      resp.Plan,
		Warnings:  resp.Warnings,
		Citations: citations,
		Context:   sb.String(),
	}, nil
}
