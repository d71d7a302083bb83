// Package lock provides the run lock that keeps two runs from operating on
// the same state directory and working tree at once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schaermu/vol2git/internal/syncerr"
)

// FileName is the name of the lock file inside the state directory.
const FileName = "vol2git.lock"

// ErrLocked is returned when another run already holds the lock.
var ErrLocked = fmt.Errorf("%w: lock held", syncerr.ErrLocked)

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	file *os.File
	held bool
}

// Acquire opens (creating if needed) the lock file in dir and takes the lock
// without blocking. It fails with ErrLocked if the lock is already held,
// including by another Lock in the same process.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open lock file: %w", err)
	}

	l := &Lock{file: file}
	if err := l.lock(); err != nil {
		_ = file.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("unable to acquire lock %s: %w", path, err)
	}
	l.held = true

	// Owner PID is informational only.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return l, nil
}

// Held reports whether the lock is currently held.
func (l *Lock) Held() bool {
	return l != nil && l.held
}

// Release drops the lock and closes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false
	unlockErr := l.unlock()
	closeErr := l.file.Close()
	return errors.Join(unlockErr, closeErr)
}
