package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single hook invocation.
	DefaultTimeout = 10 * time.Second

	// streamCap bounds captured hook output; anything past it is an error.
	streamCap = 4 << 20
)

// Command describes an external hook process.
type Command struct {
	// Argv is the command and its arguments.
	Argv []string

	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration

	// FullText, when set, sends whole frame bodies to the rerank hook
	// instead of snippets.
	FullText bool
}

// Subprocess invokes hook commands with JSON over stdin/stdout. Spawns
// are throttled so a misconfigured hook cannot fork-bomb the host.
type Subprocess struct {
	expand  *Command
	rerank  *Command
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Augmenter = (*Subprocess)(nil)

// NewSubprocess builds an Augmenter around the given hook commands.
// Either command may be nil, in which case the heuristic behavior for
// that operation applies.
func NewSubprocess(expand, rerank *Command, logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{
		expand:  expand,
		rerank:  rerank,
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		logger:  logger,
	}
}

// FullText reports whether the rerank hook wants whole frame bodies.
func (s *Subprocess) FullText() bool {
	return s.rerank != nil && s.rerank.FullText
}

// HasRerank reports whether a rerank command is configured.
func (s *Subprocess) HasRerank() bool { return s.rerank != nil }

func (s *Subprocess) Expand(ctx context.Context, req *ExpandRequest) (*ExpandResponse, error) {
	if s.expand == nil {
		return Heuristic{}.Expand(ctx, req)
	}

	var resp ExpandResponse
	if err := s.run(ctx, "expansion", s.expand, req, &resp); err != nil {
		return nil, err
	}

	resp.Lex = dedupKeepOrder(resp.Lex)
	resp.Vec = dedupKeepOrder(resp.Vec)

	return &resp, nil
}

func (s *Subprocess) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	if s.rerank == nil {
		return Heuristic{}.Rerank(ctx, req)
	}

	var resp RerankResponse
	if err := s.run(ctx, "rerank", s.rerank, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (s *Subprocess) run(ctx context.Context, kind string, cmd *Command, in, out any) error {
	if len(cmd.Argv) == 0 {
		return &Error{Kind: kind, Err: errors.New("empty command")}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &Error{Kind: kind, Err: err}
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: kind, Err: fmt.Errorf("encode request: %w", err)}
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Stdin = bytes.NewReader(payload)
	c.Env = append(c.Environ(), "CAPSULE_HOOK="+kind)

	var stdout, stderr bytes.Buffer
	c.Stdout = &cappedWriter{buf: &stdout}
	c.Stderr = &cappedWriter{buf: &stderr}

	start := time.Now()
	runErr := c.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		s.logger.Warn("hook timed out", "kind", kind, "timeout", timeout)
		return &Error{Kind: kind, Err: ErrTimeout}
	}

	if runErr != nil {
		s.logger.Warn("hook failed", "kind", kind, "elapsed", elapsed, "stderr", stderr.String(), "error", runErr)
		return &Error{Kind: kind, Err: runErr}
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return &Error{Kind: kind, Err: fmt.Errorf("decode response: %w", err)}
	}

	s.logger.Debug("hook completed", "kind", kind, "elapsed", elapsed)

	return nil
}

type cappedWriter struct {
	buf *bytes.Buffer
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := streamCap - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	// Report the full length so the child never sees a broken pipe
	return len(p), nil
}
