//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package trivialdb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RobustMutexesSupported reports whether MutexLocking can be used here.
func RobustMutexesSupported() bool { return true }

var mutexTokens atomic.Uint32

// mutexLocker keeps the record-level locks as owner words in a shared
// mapping of the file's mutex area. A word is 0 when free, otherwise
// pid<<32|token of the holder. A holder whose process has died is detected
// with kill(pid, 0) and its lock taken over. Shared requests are granted
// exclusively, so an upgrade finds the word already owned. Locks below the
// allrecord range go to the fcntl locker.
//
// The allrecord lock takes its own word and then every range word in
// ascending order, which is the same order chain, freelist and expand
// holders acquire them in.
type mutexLocker struct {
	fcntl  locker
	words  []byte
	owner  uint64
	n      int64 // words in the allrecord range
	logger *slog.Logger
}

func newMutexLocker(f *os.File, fcntl locker, l layout, logger *slog.Logger) (*mutexLocker, error) {
	words, err := unix.Mmap(int(f.Fd()), l.mutexOff, int(l.mutexLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map mutex area: %w", ioError(err))
	}
	token := mutexTokens.Add(1)
	if token == 0 {
		token = mutexTokens.Add(1)
	}
	return &mutexLocker{
		fcntl:  fcntl,
		words:  words,
		owner:  uint64(os.Getpid())<<32 | uint64(token),
		n:      int64(allrecordLen(l.hashSize, l.freelists)),
		logger: logger,
	}, nil
}

func (m *mutexLocker) word(i int64) *uint64 {
	return (*uint64)(unsafe.Pointer(&m.words[i*8]))
}

func (m *mutexLocker) lock(off, n int64, mode LockMode, wait bool) error {
	if off < lockAllrecord {
		return m.fcntl.lock(off, n, mode, wait)
	}
	if n == 1 {
		return m.acquire(off-lockAllrecord+1, wait)
	}

	if err := m.acquire(0, wait); err != nil {
		return err
	}
	for i := int64(1); i <= m.n; i++ {
		if err := m.acquire(i, wait); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.release(j)
			}
			return err
		}
	}
	return nil
}

func (m *mutexLocker) unlock(off, n int64) error {
	if off < lockAllrecord {
		return m.fcntl.unlock(off, n)
	}
	if n == 1 {
		return m.release(off - lockAllrecord + 1)
	}
	var first error
	for i := m.n; i >= 0; i-- {
		if err := m.release(i); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *mutexLocker) acquire(i int64, wait bool) error {
	w := m.word(i)
	delay := time.Microsecond
	for spins := 0; ; spins++ {
		cur := atomic.LoadUint64(w)
		if cur == m.owner {
			return nil
		}
		if cur == 0 {
			if atomic.CompareAndSwapUint64(w, 0, m.owner) {
				return nil
			}
			continue
		}
		if ownerDead(cur) && atomic.CompareAndSwapUint64(w, cur, m.owner) {
			m.logger.Warn("took over mutex of dead owner",
				slog.Int64("word", i), slog.Uint64("pid", cur>>32))
			return nil
		}
		if !wait {
			return errWouldBlock
		}
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		time.Sleep(delay)
		delay = min(delay*2, time.Millisecond)
	}
}

func (m *mutexLocker) release(i int64) error {
	if !atomic.CompareAndSwapUint64(m.word(i), m.owner, 0) {
		return fmt.Errorf("%w: mutex word %d not owned by this handle", ErrNoLock, i)
	}
	return nil
}

// ownerDead reports whether the process in owner no longer exists.
func ownerDead(owner uint64) bool {
	pid := int(owner >> 32)
	if pid == 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return errors.Is(err, unix.ESRCH)
}

func (m *mutexLocker) close() error {
	err := m.fcntl.close()
	if m.words != nil {
		if uerr := unix.Munmap(m.words); uerr != nil && err == nil {
			err = ioError(uerr)
		}
		m.words = nil
	}
	return err
}
