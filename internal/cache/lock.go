package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nightlyone/lockfile"
)

// ErrLockTimeout is returned when lock acquisition exceeds its budget
// (spec §4.5 "Locking": "TimeoutError after the budget expires").
type ErrLockTimeout struct{ Dir string }

func (e *ErrLockTimeout) Error() string { return fmt.Sprintf("cache: lock timeout on %s", e.Dir) }

// LockManager hands out shared/exclusive locks on a cache entry
// directory. nightlyone/lockfile (the teacher's own dependency,
// previously used only for the daemon pidfile) is exclusive-only, so
// shared readers are layered on top via a secondary
// `.lock.readers/<pid>` marker directory: exclusive writers require
// that directory be empty before taking the `.lock` pidfile itself
// (spec §4.5/§5).
type LockManager struct {
	Timeout time.Duration
}

// NewLockManager creates a manager with the given acquisition timeout
// (spec §5 default: 300s).
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{Timeout: timeout}
}

func (m *LockManager) readersDir(dir string) string { return filepath.Join(dir, ".lock.readers") }
func (m *LockManager) lockPath(dir string) string   { return filepath.Join(dir, ".lock") }

// RLock acquires a shared reader lock on dir, retrying with
// cenkalti/backoff/v4 until Timeout expires.
func (m *LockManager) RLock(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	readersDir := m.readersDir(dir)
	if err := os.MkdirAll(readersDir, 0o755); err != nil {
		return nil, err
	}
	marker := filepath.Join(readersDir, strconv.Itoa(os.Getpid()))

	b := backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), m.Timeout)
	op := func() error {
		return os.WriteFile(marker, []byte{}, 0o644)
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, &ErrLockTimeout{Dir: dir}
	}
	return func() { _ = os.Remove(marker) }, nil
}

// Lock acquires an exclusive writer lock on dir: it requires the
// readers directory be empty, then takes the `.lock` pidfile.
func (m *LockManager) Lock(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lf, err := lockfile.New(m.lockPath(dir))
	if err != nil {
		return nil, err
	}

	b := backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), m.Timeout)
	op := func() error {
		if entries, derr := os.ReadDir(m.readersDir(dir)); derr == nil && len(entries) > 0 {
			return fmt.Errorf("readers present")
		}
		return lf.TryLock()
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, &ErrLockTimeout{Dir: dir}
	}
	return func() { _ = lf.Unlock() }, nil
}
