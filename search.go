package capsule

import (
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/aetherhq/capsule/lexical"
)

// SearchOptions scopes a lexical search.
type SearchOptions struct {
	// Collection restricts hits to one collection.
	Collection string

	// AsOf searches the snapshot at the given time instead of now.
	AsOf time.Time

	// After and Before bound candidate timestamps.
	After  time.Time
	Before time.Time

	// SnippetChars bounds snippet length (default 300).
	SnippetChars int
}

// SearchHit is one lexical search result.
type SearchHit struct {
	Seq       uint64    `json:"seq"`
	URI       string    `json:"uri"`
	Title     string    `json:"title,omitempty"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"ts"`
}

// Search runs a BM25 search over visible frames and returns scored hits
// with snippets centered on the first match.
func (c *Capsule) Search(q string, k int, optFns ...func(o *SearchOptions)) ([]SearchHit, error) {
	opts := SearchOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = 300
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	filter := lexical.Filter{
		Visible:    c.visibleSet(opts.AsOf),
		Collection: opts.Collection,
	}
	if !opts.After.IsZero() {
		filter.AfterMilli = opts.After.UnixMilli()
	}
	if !opts.Before.IsZero() {
		filter.BeforeMilli = opts.Before.UnixMilli()
	}

	hits := c.lex.Search(q, k, filter)

	out := make([]SearchHit, 0, len(hits))
	for _, hit := range hits {
		fr, err := c.log.ReadAt(hit.Seq)
		if err != nil {
			c.logger.Warn("hit unreadable", "seq", hit.Seq, "error", err)
			continue
		}
		out = append(out, SearchHit{
			Seq:       hit.Seq,
			URI:       hit.URI,
			Title:     fr.Title(),
			Snippet:   makeSnippet(string(fr.Body), hit.Positions, opts.SnippetChars),
			Score:     float64(hit.Score),
			Timestamp: fr.Timestamp,
		})
	}

	c.logger.LogSearch(q, k, len(out), nil)

	return out, nil
}

// visibleSet builds the visibility bitmap for a point in time. Callers
// hold at least a read lock. Zero time means now.
func (c *Capsule) visibleSet(asof time.Time) *roaring64.Bitmap {
	var tsMilli int64
	if !asof.IsZero() {
		tsMilli = asof.UnixMilli()
	}
	bm := roaring64.New()
	bm.AddMany(c.log.ActiveSeqsAsOf(tsMilli))
	return bm
}

// makeSnippet extracts a window of text around the first match position,
// widened to whitespace boundaries.
func makeSnippet(text string, positions []int32, maxChars int) string {
	if text == "" {
		return ""
	}
	if len(text) <= maxChars {
		return strings.TrimSpace(text)
	}

	center := 0
	if len(positions) > 0 {
		center = int(positions[0])
	}
	if center > len(text) {
		center = len(text)
	}

	start := center - maxChars/4
	if start < 0 {
		start = 0
	}
	end := start + maxChars
	if end > len(text) {
		end = len(text)
		start = end - maxChars
		if start < 0 {
			start = 0
		}
	}

	// Snap to whitespace so words are not cut mid-way.
	if start > 0 {
		if i := strings.IndexAny(text[start:end], " \t\n"); i >= 0 && i < maxChars/4 {
			start += i + 1
		}
	}
	if end < len(text) {
		if i := strings.LastIndexAny(text[start:end], " \t\n"); i > maxChars/2 {
			end = start + i
		}
	}

	return strings.TrimSpace(text[start:end])
}
