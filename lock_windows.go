//go:build windows

package trivialdb

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Windows byte-range locks are mandatory: a locked region cannot be read or
// written through another handle. The lock space is therefore placed far
// beyond any real file offset.
const lockSpaceBase int64 = 1 << 62

// winLocker implements the lock space with LockFileEx. Windows locks stack
// rather than convert, so an upgrade releases the shared lock first.
type winLocker struct {
	f    *os.File
	mode map[[2]int64]LockMode
}

func newFileLocker(f *os.File) (locker, error) {
	return &winLocker{f: f, mode: make(map[[2]int64]LockMode)}, nil
}

func overlapped(off int64) *windows.Overlapped {
	pos := uint64(lockSpaceBase + off)
	return &windows.Overlapped{Offset: uint32(pos), OffsetHigh: uint32(pos >> 32)}
}

func (l *winLocker) lock(off, n int64, mode LockMode, wait bool) error {
	key := [2]int64{off, n}
	prev, upgrade := l.mode[key]
	if upgrade {
		if err := l.unlock(off, n); err != nil {
			return err
		}
	}
	err := l.lockFile(off, n, mode, wait)
	if err != nil && upgrade {
		if l.lockFile(off, n, prev, false) == nil {
			l.mode[key] = prev
		}
	}
	return err
}

func (l *winLocker) lockFile(off, n int64, mode LockMode, wait bool) error {
	var flags uint32
	if mode == LockExclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	if !wait {
		flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
	}
	err := windows.LockFileEx(windows.Handle(l.f.Fd()), flags, 0, uint32(n), uint32(uint64(n)>>32), overlapped(off))
	switch {
	case err == nil:
		l.mode[[2]int64{off, n}] = mode
		return nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION), errors.Is(err, windows.ERROR_IO_PENDING):
		return errWouldBlock
	}
	return fmt.Errorf("%w: LockFileEx at %d: %w", ErrLock, off, err)
}

func (l *winLocker) unlock(off, n int64) error {
	delete(l.mode, [2]int64{off, n})
	err := windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, uint32(n), uint32(uint64(n)>>32), overlapped(off))
	if err != nil {
		return fmt.Errorf("%w: UnlockFileEx at %d: %w", ErrLock, off, err)
	}
	return nil
}

func (l *winLocker) close() error { return nil }
