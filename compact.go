package capsule

import (
	"fmt"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/internal/framelog"
	"github.com/aetherhq/capsule/lexical/bm25"
)

// CompactReport summarizes a compaction run.
type CompactReport struct {
	FramesBefore int   `json:"frames_before"`
	FramesAfter  int   `json:"frames_after"`
	BytesBefore  int64 `json:"bytes_before"`
	BytesAfter   int64 `json:"bytes_after"`
}

// Compact rewrites the capsule keeping only the latest active frame per
// uri, rebuilds both indices, and atomically replaces the file. The
// capsule id and the effective tier survive; the WAL counter resets.
func (c *Capsule) Compact() (*CompactReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	report := &CompactReport{
		FramesBefore: c.log.FrameCount(),
		BytesBefore:  c.log.DataSize(),
	}

	id, err := ulid.Parse(c.log.CapsuleID())
	if err != nil {
		return nil, fmt.Errorf("capsule id: %w", err)
	}

	// The ratchet is folded into the declaration before the WAL counter
	// resets, so earned capacity survives the rewrite.
	tier := effectiveTier(TierFromString(c.log.DeclaredTier()), c.log.WALSize())

	tmpPath := c.path + ".compact"
	_ = os.Remove(tmpPath)

	nl, err := framelog.CreateWithID(tmpPath, id)
	if err != nil {
		return nil, translateError(err)
	}
	cleanup := func() {
		_ = nl.Close()
		_ = os.Remove(tmpPath)
	}

	nl.SetDeclaredTier(tier.String())

	lex := bm25.New()
	vec := newVectorIndex(c.opts)

	err = c.log.IterateActive(func(fr *frame.Frame) error {
		nf := &frame.Frame{
			URI:       fr.URI,
			Timestamp: fr.Timestamp,
			Status:    fr.Status,
			Body:      fr.Body,
			Metadata:  fr.Metadata,
			Checksum:  fr.Checksum,
			Embedding: fr.Embedding,
		}
		if _, err := nl.Append(nf, c.opts.compression.codec(), 0); err != nil {
			return err
		}
		lex.Add(nf.Sequence, nf.URI, nf.Collection(), nf.Timestamp.UnixMilli(), string(nf.Body))
		if len(nf.Embedding) > 0 {
			if err := vec.Add(nf.Sequence, nf.Embedding); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		cleanup()
		c.logger.LogCompact(report.BytesBefore, 0, 0, err)
		return nil, translateError(err)
	}

	nl.ResetWAL()

	lexBlob, err := lex.Snapshot()
	if err != nil {
		cleanup()
		return nil, err
	}
	vecBlob, err := vec.Snapshot()
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := nl.WriteIndexSections(lexBlob, vecBlob); err != nil {
		cleanup()
		return nil, translateError(err)
	}

	report.FramesAfter = nl.FrameCount()
	report.BytesAfter = nl.DataSize()

	if err := nl.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, translateError(err)
	}

	if err := c.log.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, translateError(err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		// The old file handle is gone; reopen whatever is on disk.
		reopened, openErr := framelog.Open(c.path)
		if openErr != nil {
			c.closed = true
			return nil, fmt.Errorf("rename compacted file: %w (capsule left closed: %v)", err, openErr)
		}
		c.log = reopened
		return nil, translateError(err)
	}

	reopened, err := framelog.Open(c.path)
	if err != nil {
		c.closed = true
		return nil, translateError(err)
	}

	c.log = reopened
	c.lex = lex
	c.vec = vec

	c.logger.LogCompact(report.BytesBefore, report.BytesAfter, report.FramesAfter, nil)

	return report, nil
}
