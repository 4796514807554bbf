package capsule

import (
	"time"

	"github.com/aetherhq/capsule/hook"
	"github.com/aetherhq/capsule/internal/framelog"
	"github.com/aetherhq/capsule/query"
	"github.com/aetherhq/capsule/vector/hnsw"
)

// Compression selects the body codec for appended frames.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) codec() framelog.Codec {
	switch c {
	case CompressionLZ4:
		return framelog.CodecLZ4
	case CompressionZstd:
		return framelog.CodecZstd
	default:
		return framelog.CodecNone
	}
}

type options struct {
	lockTimeout   time.Duration
	compression   Compression
	logger        *Logger
	embedder      query.Embedder
	hnswM         int
	hnswEF        int
	declaredTier  *Tier
	expandCommand *hook.Command
	rerankCommand *hook.Command
}

// Option configures capsule constructor behavior.
type Option func(*options)

// WithLockTimeout bounds how long Open waits for the exclusive file
// lock before returning ErrLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithCompression selects the body codec for new frames. Bodies that do
// not shrink are stored uncompressed regardless.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithLogger configures structured logging.
//
// If nil is passed, the default text logger is used.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NewLogger(nil)
		}
		o.logger = logger
	}
}

// WithEmbedder enables the vector query lane. Frames still need
// embeddings supplied at Put time to participate.
func WithEmbedder(e query.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithHNSW tunes the vector index graph. M is the connection count per
// node, ef the construction candidate list size.
func WithHNSW(m, ef int) Option {
	return func(o *options) {
		o.hnswM = m
		o.hnswEF = ef
	}
}

// WithDeclaredTier sets the capsule's declared capacity tier. The
// effective tier can still be higher when WAL history has earned it.
func WithDeclaredTier(t Tier) Option {
	return func(o *options) {
		o.declaredTier = &t
	}
}

// WithExpandHook runs an external command for query expansion.
func WithExpandHook(argv []string, timeout time.Duration) Option {
	return func(o *options) {
		o.expandCommand = &hook.Command{Argv: argv, Timeout: timeout}
	}
}

// WithRerankHook runs an external command for result reranking.
// fullText sends whole frame bodies instead of snippets.
func WithRerankHook(argv []string, timeout time.Duration, fullText bool) Option {
	return func(o *options) {
		o.rerankCommand = &hook.Command{Argv: argv, Timeout: timeout, FullText: fullText}
	}
}

func defaultOptions() options {
	return options{
		lockTimeout: 10 * time.Second,
		compression: CompressionZstd,
		logger:      NewLogger(nil),
		hnswM:       hnsw.DefaultOptions.M,
		hnswEF:      hnsw.DefaultOptions.EF,
	}
}
