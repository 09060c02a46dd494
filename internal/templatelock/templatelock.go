// Package templatelock implements C3: a per-template advisory lock held across the
// multi-step LLM/IO sequence a pipeline stage or report run performs. Backed by
// github.com/gofrs/flock (also used by the corpus's erigon repo to guard its
// datadir), with the correlation id and acquisition reason embedded in the lock
// file's contents so a contending caller's error message is self-describing.
package templatelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockError is returned when the lock is already held. Callers translate this
// into HTTP 409 (spec §4.3).
type LockError struct {
	TemplateDir string
	HeldBy      *LockInfo
}

func (e *LockError) Error() string {
	if e.HeldBy != nil {
		return fmt.Sprintf("templatelock: %s is locked (reason=%q correlation_id=%q since=%s)",
			e.TemplateDir, e.HeldBy.Reason, e.HeldBy.CorrelationID, e.HeldBy.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("templatelock: %s is locked", e.TemplateDir)
}

// LockInfo is the metadata persisted inside the lock file while held.
type LockInfo struct {
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlation_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	PID           int       `json:"pid"`
}

// Acquisition represents a held lock; Release must be called exactly once,
// and is safe to defer immediately after a successful Acquire.
type Acquisition struct {
	flock *flock.Flock
	path  string
}

// Release unlocks and removes the lock file's content (best effort; the file
// itself is left in place for flock's own bookkeeping).
func (a *Acquisition) Release() error {
	if a == nil || a.flock == nil {
		return nil
	}
	_ = os.Truncate(a.path, 0)
	return a.flock.Unlock()
}

func lockFilePath(templateDir string) string {
	return filepath.Join(templateDir, ".template.lock")
}

// Acquire attempts to take the advisory lock for templateDir, failing fast
// (non-blocking) if another holder is active. On success, the lock file is
// populated with the reason/correlation id/acquisition time for diagnostics.
func Acquire(templateDir, reason, correlationID string) (*Acquisition, error) {
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		return nil, fmt.Errorf("templatelock: mkdir %s: %w", templateDir, err)
	}
	path := lockFilePath(templateDir)
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("templatelock: try lock %s: %w", path, err)
	}
	if !ok {
		info := readLockInfo(path)
		return nil, &LockError{TemplateDir: templateDir, HeldBy: info}
	}

	info := LockInfo{
		Reason:        reason,
		CorrelationID: correlationID,
		AcquiredAt:    time.Now().UTC(),
		PID:           os.Getpid(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("templatelock: marshal info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("templatelock: write info: %w", err)
	}

	return &Acquisition{flock: fl, path: path}, nil
}

func readLockInfo(path string) *LockInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

// WithLock acquires the lock, runs fn, and releases the lock on every exit
// path (including panics propagating through fn).
func WithLock(templateDir, reason, correlationID string, fn func() error) error {
	acq, err := Acquire(templateDir, reason, correlationID)
	if err != nil {
		return err
	}
	defer func() { _ = acq.Release() }()
	return fn()
}
