// Package lockfile enforces a single orchestrator instance per data
// directory. The lock is a file holding the owner's pid and acquisition
// time; a lock whose process is gone is treated as stale and taken over.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked means another live orchestrator already holds the lock.
var ErrLocked = errors.New("another instance is already running")

// Lockfile is a file-based single-instance lock.
type Lockfile struct {
	path   string
	locked bool
}

// New creates a lock handle for path. Nothing is acquired yet.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// Acquire takes the lock, stealing it from a stale owner if needed.
func (l *Lockfile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := l.tryCreate()
		if err == nil {
			l.locked = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		owner, stale := l.inspect()
		if !stale {
			return fmt.Errorf("%w (pid %d)", ErrLocked, owner)
		}
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove stale lock file: %w", rmErr)
		}
	}
	return fmt.Errorf("failed to acquire lock at %s", l.path)
}

// tryCreate writes the lock file exclusively with our pid and timestamp.
func (l *Lockfile) tryCreate() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return file.Sync()
}

// inspect reads the current lock and reports its owner pid and whether
// the lock is stale. An unreadable or malformed lock counts as stale.
func (l *Lockfile) inspect() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, true
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, true
	}

	return pid, !processAlive(pid)
}

// Release drops the lock and removes the file.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lockfile) Path() string {
	return l.path
}
