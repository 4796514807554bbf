package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/lexical"
	"github.com/aetherhq/capsule/query"
)

// FeedbackCollection is the reserved collection for relevance feedback
// frames. Each frame body is a JSON event {uri, score}; the newest
// event per uri wins at query time.
const FeedbackCollection = "feedback"

// Query runs the hybrid planner pipeline: parse, expand, concurrent
// lanes, fusion, rerank, and feedback blending.
func (c *Capsule) Query(ctx context.Context, req query.Request) (*query.Response, error) {
	c.mu.RLock()
	closed := c.closed
	planner := c.planner
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	resp, err := planner.Execute(ctx, req)
	return resp, translateError(err)
}

// ContextPack runs the query and assembles the results into
// prompt-ready text with citation headers.
func (c *Capsule) ContextPack(ctx context.Context, req query.Request, maxBytes int, full bool) (*query.ContextPack, error) {
	c.mu.RLock()
	closed := c.closed
	planner := c.planner
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	pack, err := planner.BuildContextPack(ctx, req, maxBytes, full)
	return pack, translateError(err)
}

// FeedbackEvent records relevance feedback for a uri.
type FeedbackEvent struct {
	URI   string  `json:"uri"`
	Score float64 `json:"score"`
}

// AddFeedback appends a feedback frame influencing future query scores
// for the target uri. Score is clamped to [-1, 1].
func (c *Capsule) AddFeedback(uri string, score float64) (uint64, error) {
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}

	body, err := json.Marshal(FeedbackEvent{URI: uri, Score: score})
	if err != nil {
		return 0, err
	}

	fbURI := fmt.Sprintf("capsule://%s/%d", FeedbackCollection, time.Now().UnixNano())
	return c.Put(fbURI, body)
}

// storeAdapter exposes the capsule's read surface to the query planner.
type storeAdapter struct {
	c *Capsule
}

var _ query.Store = (*storeAdapter)(nil)

func (a *storeAdapter) SearchLexical(q string, k int, scope query.Scope) ([]query.LaneHit, error) {
	c := a.c

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	var asof time.Time
	if scope.AsOfMilli > 0 {
		asof = time.UnixMilli(scope.AsOfMilli)
	}

	filter := lexical.Filter{
		Visible:     c.visibleSet(asof),
		Collection:  scope.Collection,
		AfterMilli:  scope.AfterMilli,
		BeforeMilli: scope.BeforeMilli,
	}

	hits := c.lex.Search(q, k, filter)

	out := make([]query.LaneHit, 0, len(hits))
	for _, hit := range hits {
		fr, err := c.log.ReadAt(hit.Seq)
		if err != nil {
			continue
		}
		out = append(out, query.LaneHit{
			Seq:     hit.Seq,
			URI:     hit.URI,
			Title:   fr.Title(),
			Snippet: makeSnippet(string(fr.Body), hit.Positions, 300),
			Score:   float64(hit.Score),
		})
	}
	return out, nil
}

func (a *storeAdapter) SearchVector(embedding []float32, k int, scope query.Scope) ([]query.LaneHit, error) {
	c := a.c

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	var asof time.Time
	if scope.AsOfMilli > 0 {
		asof = time.UnixMilli(scope.AsOfMilli)
	}
	visible := c.visibleSet(asof)

	allowed := func(seq uint64) bool {
		if !visible.Contains(seq) {
			return false
		}
		info, ok := c.log.InfoAt(seq)
		if !ok {
			return false
		}
		if scope.Collection != "" && info.Collection != scope.Collection {
			return false
		}
		if scope.AfterMilli != 0 && info.Timestamp < scope.AfterMilli {
			return false
		}
		if scope.BeforeMilli != 0 && info.Timestamp > scope.BeforeMilli {
			return false
		}
		return true
	}

	hits, err := c.vec.Search(embedding, k, allowed)
	if err != nil {
		return nil, err
	}

	out := make([]query.LaneHit, 0, len(hits))
	for _, hit := range hits {
		fr, err := c.log.ReadAt(hit.Seq)
		if err != nil {
			continue
		}
		body := string(fr.Body)
		snippet := body
		if len(snippet) > 300 {
			snippet = makeSnippet(body, nil, 300)
		}
		out = append(out, query.LaneHit{
			Seq:     hit.Seq,
			URI:     fr.URI,
			Title:   fr.Title(),
			Snippet: snippet,
			Score:   1 / (1 + float64(hit.Distance)),
		})
	}
	return out, nil
}

func (a *storeAdapter) FrameText(seq uint64) (string, error) {
	c := a.c

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return "", ErrClosed
	}

	fr, err := c.log.ReadAt(seq)
	if err != nil {
		return "", translateError(err)
	}
	return string(fr.Body), nil
}

// FeedbackScores scans feedback frames newest first and returns the
// most recent score per requested uri.
func (a *storeAdapter) FeedbackScores(uris []string) map[string]float64 {
	c := a.c

	c.mu.RLock()
	defer c.mu.RUnlock()

	scores := make(map[string]float64)
	if c.closed || len(uris) == 0 {
		return scores
	}

	remaining := make(map[string]struct{}, len(uris))
	for _, uri := range uris {
		remaining[uri] = struct{}{}
	}

	infos := c.log.Frames()
	for i := len(infos) - 1; i >= 0 && len(remaining) > 0; i-- {
		info := infos[i]
		if info.Collection != FeedbackCollection {
			continue
		}
		if info.Status != frame.StatusActive.String() {
			continue
		}
		fr, err := c.log.ReadAt(info.Seq)
		if err != nil {
			continue
		}
		var event FeedbackEvent
		if err := json.Unmarshal(fr.Body, &event); err != nil {
			continue
		}
		if _, ok := remaining[event.URI]; ok {
			scores[event.URI] = event.Score
			delete(remaining, event.URI)
		}
	}

	return scores
}
