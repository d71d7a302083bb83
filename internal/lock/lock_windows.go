//go:build windows

package lock

import "golang.org/x/sys/windows"

// errWouldBlock signals that the lock is held elsewhere.
var errWouldBlock = windows.ERROR_LOCK_VIOLATION

// The locked byte sits far past the pid written into the file, so readers
// of the file are not blocked by the lock.
const lockOffsetHigh = 0x7fffffff

// lock takes a non-blocking LockFileEx lock. Windows locks belong to the
// handle, so a second handle in the same process also conflicts.
func (l *Lock) lock() error {
	ol := windows.Overlapped{OffsetHigh: lockOffsetHigh}
	return windows.LockFileEx(windows.Handle(l.file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ol)
}

func (l *Lock) unlock() error {
	ol := windows.Overlapped{OffsetHigh: lockOffsetHigh}
	return windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, &ol)
}
