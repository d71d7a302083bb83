//go:build !unix && !windows

package lock

import "errors"

var errWouldBlock = errors.New("lock would block")

// Platforms without flock or LockFileEx (plan9, js, wasip1) cannot hold the
// run lock, so Acquire always fails there.
func (l *Lock) lock() error {
	return errors.New("run locking is not supported on this platform")
}

func (l *Lock) unlock() error {
	return nil
}
