package capsule

import (
	"errors"
	"fmt"

	"github.com/aetherhq/capsule/hook"
	"github.com/aetherhq/capsule/internal/flock"
	"github.com/aetherhq/capsule/internal/framelog"
)

var (
	// ErrLockTimeout is returned when the exclusive capsule lock cannot
	// be acquired within the configured timeout.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrCapacityExceeded is returned when an append would push the
	// capsule past its tier limit. The store stays readable.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotFound is returned when no frame matches a uri, sequence, or
	// as-of point.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt indicates a frame or file structure that failed
	// integrity checks.
	ErrCorrupt = errors.New("corrupt")

	// ErrClosed is returned on operations against a closed capsule.
	ErrClosed = errors.New("capsule closed")

	// ErrHookTimeout indicates a hook command exceeded its deadline.
	ErrHookTimeout = errors.New("hook timeout")

	// ErrHookError indicates a hook command failed.
	ErrHookError = errors.New("hook error")
)

// CapacityError carries the tier context of a rejected append.
//
// The underlying error can be accessed via errors.Unwrap.
type CapacityError struct {
	Tier      Tier
	Limit     int64
	Requested int64
	cause     error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: tier %s allows %d bytes, append needs %d", e.Tier, e.Limit, e.Requested)
}

func (e *CapacityError) Unwrap() error { return e.cause }

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// translateError maps internal errors onto the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, flock.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	if errors.Is(err, framelog.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var ce *framelog.CorruptError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if errors.Is(err, hook.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrHookTimeout, err)
	}
	var he *hook.Error
	if errors.As(err, &he) {
		return fmt.Errorf("%w: %w", ErrHookError, err)
	}

	return err
}
