//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package trivialdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fcntlLocker implements the lock space with fcntl byte-range locks on the
// database file itself. Where open-file-description locks exist they are
// used, so two handles in one process exclude each other like two
// processes do. Classic POSIX locks are owned by the process and dropped
// when any descriptor of the file closes, so without OFD a file may only be
// opened once per process.
type fcntlLocker struct {
	f   *os.File
	ofd bool
	id  fileID
}

type fileID struct {
	dev, ino uint64
}

var (
	posixMu    sync.Mutex
	posixOpens = make(map[fileID]struct{})
)

func newFileLocker(f *os.File) (locker, error) {
	l := &fcntlLocker{f: f, ofd: ofdSupported(f)}
	if l.ofd {
		return l, nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, ioError(err)
	}
	l.id = fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}

	posixMu.Lock()
	defer posixMu.Unlock()
	if _, ok := posixOpens[l.id]; ok {
		return nil, fmt.Errorf("%w: %s is already open in this process", ErrLock, f.Name())
	}
	posixOpens[l.id] = struct{}{}
	return l, nil
}

func (l *fcntlLocker) lock(off, n int64, mode LockMode, wait bool) error {
	lk := unix.Flock_t{
		Type:   unix.F_RDLCK,
		Whence: io.SeekStart,
		Start:  off,
		Len:    n,
	}
	if mode == LockExclusive {
		lk.Type = unix.F_WRLCK
	}
	return l.fcntl(setlkCmd(l.ofd, wait), &lk, wait)
}

func (l *fcntlLocker) unlock(off, n int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  off,
		Len:    n,
	}
	return l.fcntl(setlkCmd(l.ofd, false), &lk, false)
}

func (l *fcntlLocker) fcntl(cmd int, lk *unix.Flock_t, wait bool) error {
	for {
		err := unix.FcntlFlock(l.f.Fd(), cmd, lk)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case !wait && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)):
			return errWouldBlock
		case errors.Is(err, unix.EDEADLK):
			return fmt.Errorf("%w: deadlock detected at %d", ErrLock, lk.Start)
		}
		return fmt.Errorf("%w: fcntl at %d: %w", ErrLock, lk.Start, err)
	}
}

func (l *fcntlLocker) close() error {
	if !l.ofd {
		posixMu.Lock()
		delete(posixOpens, l.id)
		posixMu.Unlock()
	}
	return nil
}
