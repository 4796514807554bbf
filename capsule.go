package capsule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/hook"
	"github.com/aetherhq/capsule/internal/flock"
	"github.com/aetherhq/capsule/internal/framelog"
	"github.com/aetherhq/capsule/lexical"
	"github.com/aetherhq/capsule/lexical/bm25"
	"github.com/aetherhq/capsule/query"
	"github.com/aetherhq/capsule/vector"
	"github.com/aetherhq/capsule/vector/hnsw"
)

// Capsule is a single-file, append-only store of versioned documents
// with hybrid lexical and vector search. A capsule is held under an
// exclusive file lock from Open until Close.
type Capsule struct {
	mu      sync.RWMutex
	path    string
	log     *framelog.Log
	lock    *flock.Lock
	lex     lexical.Index
	vec     vector.Index
	planner *query.Planner
	logger  *Logger
	opts    options
	closed  bool
}

// Create creates a new capsule file at path. It fails if the file
// already exists.
func Create(path string, optFns ...Option) (*Capsule, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	lock, err := flock.Acquire(path, flock.Options{Timeout: opts.lockTimeout, Logger: opts.logger.Logger})
	if err != nil {
		return nil, translateError(err)
	}

	log, err := framelog.Create(path)
	if err != nil {
		lock.Release()
		return nil, translateError(err)
	}

	if opts.declaredTier != nil {
		log.SetDeclaredTier(opts.declaredTier.String())
	}

	c := newCapsule(path, log, lock, opts)
	c.logger.Info("capsule created", "path", path, "id", log.CapsuleID())

	return c, nil
}

// Open opens an existing capsule, acquiring the exclusive lock and
// loading or rebuilding the search indices.
func Open(path string, optFns ...Option) (*Capsule, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	lock, err := flock.Acquire(path, flock.Options{Timeout: opts.lockTimeout, Logger: opts.logger.Logger})
	if err != nil {
		return nil, translateError(err)
	}

	log, err := framelog.Open(path)
	if err != nil {
		lock.Release()
		return nil, translateError(err)
	}

	if opts.declaredTier != nil && *opts.declaredTier > TierFromString(log.DeclaredTier()) {
		log.SetDeclaredTier(opts.declaredTier.String())
	}

	c := newCapsule(path, log, lock, opts)

	if log.Recovered() {
		c.logger.LogRecovery(log.FrameCount(), log.WALSize())
	}

	if err := c.loadIndices(); err != nil {
		log.Close()
		lock.Release()
		return nil, translateError(err)
	}

	c.logger.Debug("capsule opened",
		"path", path,
		"id", log.CapsuleID(),
		"frames", log.FrameCount(),
		"tier", c.EffectiveTier().String())

	return c, nil
}

func newCapsule(path string, log *framelog.Log, lock *flock.Lock, opts options) *Capsule {
	c := &Capsule{
		path:   path,
		log:    log,
		lock:   lock,
		lex:    bm25.New(),
		vec:    newVectorIndex(opts),
		logger: opts.logger,
		opts:   opts,
	}
	c.planner = newPlanner(c)
	return c
}

func newPlanner(c *Capsule) *query.Planner {
	return query.New(&storeAdapter{c: c}, func(o *query.Options) {
		o.Embedder = c.opts.embedder
		o.Augmenter = c.buildAugmenter()
		o.Logger = c.opts.logger.Logger
	})
}

func newVectorIndex(opts options) vector.Index {
	return hnsw.NewIndex(0, func(o *hnsw.Options) {
		o.M = opts.hnswM
		o.EF = opts.hnswEF
	})
}

// buildAugmenter resolves hook commands from options, falling back to
// commands stored in the capsule's config frame, then to the built-in
// heuristic.
func (c *Capsule) buildAugmenter() hook.Augmenter {
	expand := c.opts.expandCommand
	rerank := c.opts.rerankCommand

	if expand == nil || rerank == nil {
		if cfg, err := c.loadConfig(); err == nil && cfg != nil {
			if expand == nil {
				expand = cfg.Hooks.Expansion.command()
			}
			if rerank == nil {
				rerank = cfg.Hooks.Rerank.command()
			}
		}
	}

	if expand == nil && rerank == nil {
		return hook.Heuristic{}
	}
	return hook.NewSubprocess(expand, rerank, c.logger.Logger)
}

// loadIndices restores the gob index sections written by the last clean
// Close or compaction. Missing or stale sections trigger a full rebuild
// from the frame records.
func (c *Capsule) loadIndices() error {
	lexBlob, lexOK := c.log.LexIndexSection()
	vecBlob, vecOK := c.log.VecIndexSection()

	if lexOK && vecOK {
		if c.lex.Restore(lexBlob) == nil && c.vec.Restore(vecBlob) == nil {
			return nil
		}
		// Fall through to rebuild; a half-restored index is unusable.
		c.lex = bm25.New()
		c.vec = newVectorIndex(c.opts)
	}

	c.logger.Debug("rebuilding indices", "frames", c.log.FrameCount())

	for _, info := range c.log.Frames() {
		fr, err := c.log.ReadAt(info.Seq)
		if err != nil {
			return err
		}
		c.indexFrame(fr)
	}
	return nil
}

func (c *Capsule) indexFrame(fr *frame.Frame) {
	c.lex.Add(fr.Sequence, fr.URI, fr.Collection(), fr.Timestamp.UnixMilli(), string(fr.Body))
	if len(fr.Embedding) > 0 {
		if err := c.vec.Add(fr.Sequence, fr.Embedding); err != nil {
			c.logger.Warn("embedding not indexed", "seq", fr.Sequence, "error", err)
		}
	}
}

// PutOptions configures a single append.
type PutOptions struct {
	// Metadata is stored with the frame and participates in its checksum.
	Metadata frame.Metadata

	// Timestamp overrides the frame timestamp. Zero means now.
	Timestamp time.Time

	// Embedding adds the frame to the vector index.
	Embedding []float32
}

// Put appends a new version of uri. It returns the assigned sequence
// number, or ErrCapacityExceeded when the tier limit would be crossed.
func (c *Capsule) Put(uri string, body []byte, optFns ...func(o *PutOptions)) (uint64, error) {
	opts := PutOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	fr := &frame.Frame{
		URI:       uri,
		Timestamp: ts,
		Status:    frame.StatusActive,
		Body:      body,
		Metadata:  opts.Metadata.Clone(),
		Checksum:  frame.ComputeChecksum(body, opts.Metadata),
		Embedding: opts.Embedding,
	}

	seq, err := c.append(fr)
	c.logger.LogPut(uri, seq, len(body), err)

	return seq, err
}

// Tombstone appends a tombstone frame for uri, hiding it from searches
// and lookups while keeping its history addressable.
func (c *Capsule) Tombstone(uri string) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	info, ok := c.log.LatestInfo(uri)
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if info.Status != frame.StatusActive.String() {
		return 0, fmt.Errorf("%w: %s already tombstoned", ErrNotFound, uri)
	}

	fr := &frame.Frame{
		URI:       uri,
		Timestamp: time.Now(),
		Status:    frame.StatusTombstoned,
		Checksum:  frame.ComputeChecksum(nil, nil),
	}

	return c.append(fr)
}

func (c *Capsule) append(fr *frame.Frame) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	tier := effectiveTier(TierFromString(c.log.DeclaredTier()), c.log.WALSize())
	limit := tier.Limit()

	seq, err := c.log.Append(fr, c.opts.compression.codec(), limit)
	if err != nil {
		if errors.Is(err, framelog.ErrCapacity) {
			return 0, &CapacityError{Tier: tier, Limit: limit, Requested: int64(len(fr.Body)), cause: err}
		}
		return 0, translateError(err)
	}

	c.indexFrame(fr)

	return seq, nil
}

// GetOptions selects which version of a uri to read.
type GetOptions struct {
	// Sequence reads an exact frame version, active or not.
	Sequence uint64

	// AsOf reads the newest version at or before the given time. A
	// tombstone at that point hides the uri.
	AsOf time.Time
}

// Get reads a frame. With no options it returns the latest active
// version; a tombstoned uri yields ErrNotFound.
func (c *Capsule) Get(uri string, optFns ...func(o *GetOptions)) (*frame.Frame, error) {
	opts := GetOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	if opts.Sequence > 0 {
		info, ok := c.log.InfoAt(opts.Sequence)
		if !ok || info.URI != uri {
			return nil, fmt.Errorf("%w: %s at seq %d", ErrNotFound, uri, opts.Sequence)
		}
		fr, err := c.log.ReadAt(opts.Sequence)
		return fr, translateError(err)
	}

	if !opts.AsOf.IsZero() {
		info, ok := c.log.AsOf(uri, opts.AsOf.UnixMilli())
		if !ok {
			return nil, fmt.Errorf("%w: %s as of %s", ErrNotFound, uri, opts.AsOf.UTC().Format(time.RFC3339))
		}
		fr, err := c.log.ReadAt(info.Seq)
		return fr, translateError(err)
	}

	info, ok := c.log.LatestInfo(uri)
	if !ok || info.Status != frame.StatusActive.String() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	fr, err := c.log.ReadAt(info.Seq)
	return fr, translateError(err)
}

// Version describes one stored frame version.
type Version struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Status    string    `json:"status"`
	Checksum  string    `json:"checksum"`
	Length    int64     `json:"len"`
}

// Versions lists all stored versions of uri in append order.
func (c *Capsule) Versions(uri string) ([]Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	infos := c.log.Versions(uri)
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}

	out := make([]Version, 0, len(infos))
	for _, info := range infos {
		out = append(out, Version{
			Seq:       info.Seq,
			Timestamp: time.UnixMilli(info.Timestamp).UTC(),
			Status:    info.Status,
			Checksum:  info.Checksum,
			Length:    info.Length,
		})
	}
	return out, nil
}

// ID returns the capsule's ULID.
func (c *Capsule) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log.CapsuleID()
}

// Path returns the capsule file path.
func (c *Capsule) Path() string { return c.path }

// DeclaredTier returns the stored tier declaration.
func (c *Capsule) DeclaredTier() Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return TierFromString(c.log.DeclaredTier())
}

// EffectiveTier returns the tier actually in force: the declared tier
// ratcheted up by WAL history.
func (c *Capsule) EffectiveTier() Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return effectiveTier(TierFromString(c.log.DeclaredTier()), c.log.WALSize())
}

// Close persists the index sections, releases the exclusive lock, and
// closes the file. A closed capsule rejects further operations.
func (c *Capsule) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error

	lexBlob, err := c.lex.Snapshot()
	if err != nil {
		firstErr = err
	}
	vecBlob, err := c.vec.Snapshot()
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		if err := c.log.WriteIndexSections(lexBlob, vecBlob); err != nil {
			firstErr = err
		}
	}

	if err := c.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.logger.Debug("capsule closed", "path", c.path)

	return translateError(firstErr)
}
