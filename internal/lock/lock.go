// Package lock guards against two polling processes running against the same
// device set, which would double-count change transitions.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrHeld indicates another live process already holds the lock. Fatal at
// startup, never retried.
var ErrHeld = errors.New("lock: already held by another process")

// Holder identifies the process that owns the lock, for diagnostics.
type Holder struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// ProcessLock is the singleton guard. A non-Unix deployment can substitute an
// equivalent mechanism (a named mutex, a heartbeat row) without touching the
// polling loop.
type ProcessLock interface {
	// Acquire attempts the lock without blocking. (false, nil) means
	// another live process holds it.
	Acquire() (bool, error)
	// Release frees the lock and removes the holder marker. Safe to call
	// on every exit path.
	Release() error
}

// FileLock implements ProcessLock with an advisory file lock. The lock file
// carries a JSON holder marker so contention can be diagnosed.
type FileLock struct {
	path   string
	fl     *flock.Flock
	logger zerolog.Logger
}

// NewFileLock constructs a file-based process lock at path.
func NewFileLock(path string, logger zerolog.Logger) *FileLock {
	return &FileLock{
		path:   path,
		fl:     flock.New(path),
		logger: logger.With().Str("component", "process_lock").Logger(),
	}
}

// Acquire implements ProcessLock.
func (l *FileLock) Acquire() (bool, error) {
	dir := filepath.Dir(l.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create lock dir: %w", err)
		}
	}

	acquired, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("try lock %s: %w", l.path, err)
	}
	if !acquired {
		return false, nil
	}

	marker := Holder{
		PID:       os.Getpid(),
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(marker)
	if err == nil {
		err = os.WriteFile(l.path, raw, 0o644)
	}
	if err != nil {
		// The lock itself is held; a missing marker only hurts diagnostics.
		l.logger.Warn().Err(err).Str("path", l.path).Msg("failed to write lock marker")
	}

	l.logger.Debug().Int("pid", marker.PID).Str("run_id", marker.RunID).Msg("process lock acquired")
	return true, nil
}

// Release implements ProcessLock.
func (l *FileLock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("failed to remove lock file")
	}
	return nil
}

// Holder reads the current holder marker, if one is discoverable.
func (l *FileLock) Holder() (Holder, bool) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return Holder{}, false
	}
	var holder Holder
	if err := json.Unmarshal(raw, &holder); err != nil || holder.PID == 0 {
		return Holder{}, false
	}
	return holder, true
}

var _ ProcessLock = (*FileLock)(nil)
