// Package lock provides exclusive job locks backed by owner-identity files.
// A lock file records the pid of its holder; a file whose recorded owner is
// no longer alive is stale and may be reclaimed.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrHeld is returned when the lock is held by a live owner.
var ErrHeld = errors.New("lock held by another process")

// Lock is an owned handle on an exclusive resource. Acquire it with a
// fail-fast policy and release it on every exit path.
type Lock struct {
	path     string
	released bool
}

// Acquire takes the lock at path or fails immediately with ErrHeld.
// A lock file whose recorded pid no longer exists is removed and
// acquisition is retried once.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock owner: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if ownerAlive(path) {
			return nil, ErrHeld
		}
		// Stale lock from a dead owner; discard and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock: %w", rmErr)
		}
	}

	return nil, ErrHeld
}

// Release drops the lock. It is idempotent and safe to defer.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	_ = os.Remove(l.path)
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Held reports whether the lock at path is held by a live owner. Stale files
// left behind by dead owners report as not held.
func Held(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return ownerAlive(path)
}

// ownerAlive reads the pid recorded in the lock file and probes whether that
// process still exists. Unreadable or garbled owner records are treated as
// live: reclaiming a lock we cannot attribute is worse than yielding.
func ownerAlive(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return alive
}
