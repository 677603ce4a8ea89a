// Package lockfile provides cross-process advisory locks backed by flock(2).
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("lockfile: lock is held by another process")

// DefaultRetryDelay is how often Lock polls a contended lock.
const DefaultRetryDelay = 50 * time.Millisecond

// Lock is an exclusive advisory lock on a file path.
type Lock struct {
	fl *flock.Flock
}

// New returns a lock for path. The parent directory is created on first use.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

func (l *Lock) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	return nil
}

// TryLock acquires the lock without waiting. It returns ErrLocked if the lock
// is already held elsewhere.
func (l *Lock) TryLock() error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.fl.Path(), ErrLocked)
	}
	return nil
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	ok, err := l.fl.TryLockContext(ctx, DefaultRetryDelay)
	if err != nil {
		return fmt.Errorf("acquiring %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.fl.Path(), ErrLocked)
	}
	return nil
}

// Locked reports whether this handle holds the lock.
func (l *Lock) Locked() bool {
	return l.fl.Locked()
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (l *Lock) Unlock() error {
	if !l.fl.Locked() {
		return nil
	}
	return l.fl.Unlock()
}

// With runs fn while holding the lock.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock() //nolint:errcheck
	return fn()
}
