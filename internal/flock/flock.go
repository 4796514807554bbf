// Package flock implements the cross-process exclusive capsule lock.
//
// The lock is an advisory OS file lock on a sidecar file next to the
// capsule. At most one process can hold it at any instant; acquisition
// retries with exponential backoff plus jitter until a configured timeout.
package flock

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"
)

// ErrTimeout is returned when the lock cannot be acquired within the
// configured timeout.
var ErrTimeout = errors.New("lock acquisition timed out")

const (
	defaultTimeout    = 10 * time.Second
	initialBackoff    = 5 * time.Millisecond
	maxBackoff        = 250 * time.Millisecond
	slowWarnThreshold = time.Second
)

// Options configures lock acquisition.
type Options struct {
	// Timeout bounds the total time spent retrying. Zero means the default
	// of 10 seconds.
	Timeout time.Duration

	// Logger receives a warning when acquisition takes longer than a second.
	// Nil disables the warning.
	Logger *slog.Logger
}

// Lock is a held exclusive lock. Release it on every exit path.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire obtains the exclusive lock for the capsule at capsulePath,
// creating the sidecar lock file if needed.
func Acquire(capsulePath string, opts Options) (*Lock, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	lockPath := capsulePath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	backoff := initialBackoff
	warned := false

	for {
		ok, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}
		if ok {
			if warned && opts.Logger != nil {
				opts.Logger.Info("capsule lock acquired after contention",
					"path", lockPath,
					"waited", time.Since(start),
				)
			}
			return &Lock{file: f, path: lockPath}, nil
		}

		if !warned && time.Since(start) > slowWarnThreshold {
			warned = true
			if opts.Logger != nil {
				opts.Logger.Warn("capsule lock acquisition is slow",
					"path", lockPath,
					"waited", time.Since(start),
				)
			}
		}

		sleep := jitter(backoff)
		if time.Now().Add(sleep).After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, time.Since(start).Round(time.Millisecond), lockPath)
		}
		time.Sleep(sleep)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release unlocks and closes the lock file. Safe to call once per Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// jitter spreads the backoff over [d/2, d*3/2) so contending processes
// don't retry in lockstep.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d)))
}
