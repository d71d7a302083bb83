//go:build unix

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errWouldBlock signals that the lock is held elsewhere.
var errWouldBlock = unix.EWOULDBLOCK

// lock takes a non-blocking flock. flock locks belong to the open file
// description, so a second descriptor in the same process also conflicts.
func (l *Lock) lock() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EAGAIN) {
		return errWouldBlock
	}
	return err
}

func (l *Lock) unlock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}
