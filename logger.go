package capsule

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with capsule-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithURI adds a uri field to the logger.
func (l *Logger) WithURI(uri string) *Logger {
	return &Logger{
		Logger: l.Logger.With("uri", uri),
	}
}

// WithSeq adds a frame sequence field to the logger.
func (l *Logger) WithSeq(seq uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("seq", seq),
	}
}

// LogPut logs an append operation.
func (l *Logger) LogPut(uri string, seq uint64, bytes int, err error) {
	if err != nil {
		l.Error("put failed",
			"uri", uri,
			"error", err,
		)
	} else {
		l.Debug("put completed",
			"uri", uri,
			"seq", seq,
			"bytes", bytes,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(query string, k, resultsFound int, err error) {
	if err != nil {
		l.Error("search failed",
			"query", query,
			"k", k,
			"error", err,
		)
	} else {
		l.Debug("search completed",
			"query", query,
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogRecovery logs a torn-tail recovery at open.
func (l *Logger) LogRecovery(frames int, walSize int64) {
	l.Warn("recovered from unclean shutdown",
		"frames", frames,
		"wal_size", walSize,
	)
}

// LogCompact logs a compaction run.
func (l *Logger) LogCompact(before, after int64, frames int, err error) {
	if err != nil {
		l.Error("compact failed",
			"error", err,
		)
	} else {
		l.Info("compact completed",
			"bytes_before", before,
			"bytes_after", after,
			"frames", frames,
		)
	}
}
