// Lock space and per-handle lock bookkeeping.
//
// Handles coordinate through locks on fixed offsets of a virtual lock space:
// four single-byte locks for open, active, transaction and seqnum, then the
// allrecord range holding one byte per chain, one per freelist and one for
// expansion. Locking the whole range is the allrecord lock, which therefore
// conflicts with every chain, freelist and expand lock.
//
// The lockManager counts nested acquisitions so that only the first lock and
// the last unlock reach the locker. The locker itself is an fcntl/LockFileEx
// byte-range implementation, a robust-mutex implementation, or a no-op for
// Internal and NoLock handles.
//
// Acquisition order within a handle is chain, then freelist, then expand.
// Nothing takes two chains or two freelists at once.
package trivialdb

import (
	"errors"
	"fmt"
	"time"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

// Lock space offsets.
const (
	lockOpen        int64 = 0
	lockActive      int64 = 4
	lockTransaction int64 = 8
	lockSeqnum      int64 = 12
	lockAllrecord   int64 = 16
)

// errWouldBlock is returned by a locker when a non-blocking request conflicts.
var errWouldBlock = errors.New("lock would block")

// locker acquires and releases ranges of the lock space. Ranges are always
// released with the same (off, n) they were acquired with.
type locker interface {
	lock(off, n int64, mode LockMode, wait bool) error
	unlock(off, n int64) error
	close() error
}

// mutexWords is the number of robust mutex words needed for a layout: one
// for the allrecord lock and one per byte of the allrecord range.
func mutexWords(hashSize, freelists uint32) int {
	return 1 + allrecordLen(hashSize, freelists)
}

func allrecordLen(hashSize, freelists uint32) int {
	return int(hashSize) + int(freelists) + 1
}

type heldLock struct {
	count int
	mode  LockMode
}

type lockManager struct {
	l         locker
	timeout   time.Duration
	hashSize  uint32
	freelists uint32

	held   map[int64]*heldLock
	all    heldLock
	chains int // held locks inside the allrecord range
}

func newLockManager(l locker, hashSize, freelists uint32, timeout time.Duration) *lockManager {
	return &lockManager{
		l:         l,
		timeout:   timeout,
		hashSize:  hashSize,
		freelists: freelists,
		held:      make(map[int64]*heldLock),
	}
}

// setRange sizes the allrecord range once the descriptor has been read.
func (m *lockManager) setRange(hashSize, freelists uint32) {
	m.hashSize = hashSize
	m.freelists = freelists
}

func (m *lockManager) chainOff(b uint32) int64 {
	return lockAllrecord + int64(b)
}

func (m *lockManager) freelistOff(i uint32) int64 {
	return lockAllrecord + int64(m.hashSize) + int64(i)
}

func (m *lockManager) expandOff() int64 {
	return lockAllrecord + int64(m.hashSize) + int64(m.freelists)
}

func (m *lockManager) rangeLen() int64 {
	return int64(allrecordLen(m.hashSize, m.freelists))
}

func (m *lockManager) inRange(off int64) bool {
	return off >= lockAllrecord && off < lockAllrecord+m.rangeLen()
}

// acquire applies the blocking policy: non-blocking requests fail with
// ErrLock, blocking requests wait forever or until the configured timeout.
func (m *lockManager) acquire(off, n int64, mode LockMode, wait bool) error {
	if !wait {
		err := m.l.lock(off, n, mode, false)
		if errors.Is(err, errWouldBlock) {
			return fmt.Errorf("%w: %s lock at %d is busy", ErrLock, mode, off)
		}
		return err
	}
	if m.timeout <= 0 {
		return m.l.lock(off, n, mode, true)
	}

	deadline := time.Now().Add(m.timeout)
	delay := 100 * time.Microsecond
	for {
		err := m.l.lock(off, n, mode, false)
		if !errors.Is(err, errWouldBlock) {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s lock at %d after %s", ErrLockTimeout, mode, off, m.timeout)
		}
		time.Sleep(min(delay, time.Until(deadline)))
		delay = min(delay*2, 20*time.Millisecond)
	}
}

// lock takes a single-byte lock, nesting if already held.
func (m *lockManager) lock(off int64, mode LockMode, wait bool) error {
	if m.inRange(off) && m.all.count > 0 {
		if m.all.mode == LockExclusive || mode == LockShared {
			return nil
		}
		return fmt.Errorf("%w: exclusive lock at %d under allrecord read lock", ErrLock, off)
	}

	if h, ok := m.held[off]; ok {
		if mode > h.mode {
			if err := m.acquire(off, 1, mode, wait); err != nil {
				return err
			}
			h.mode = mode
		}
		h.count++
		return nil
	}

	if err := m.acquire(off, 1, mode, wait); err != nil {
		return err
	}
	m.held[off] = &heldLock{count: 1, mode: mode}
	if m.inRange(off) {
		m.chains++
	}
	return nil
}

func (m *lockManager) unlock(off int64) error {
	if m.inRange(off) && m.all.count > 0 {
		return nil
	}
	h, ok := m.held[off]
	if !ok {
		return fmt.Errorf("%w: at %d", ErrNoLock, off)
	}
	if h.count--; h.count > 0 {
		return nil
	}
	delete(m.held, off)
	if m.inRange(off) {
		m.chains--
	}
	return m.l.unlock(off, 1)
}

// lockAll takes the allrecord lock. It is refused while chain locks are
// held, since the range lock would silently absorb them.
func (m *lockManager) lockAll(mode LockMode, wait bool) error {
	if m.chains > 0 {
		return fmt.Errorf("%w: allrecord lock requested with %d chain locks held", ErrLock, m.chains)
	}
	if m.all.count > 0 {
		if m.all.mode == LockExclusive || mode == LockShared {
			m.all.count++
			return nil
		}
		return fmt.Errorf("%w: allrecord read lock already held", ErrLock)
	}
	if err := m.acquire(lockAllrecord, m.rangeLen(), mode, wait); err != nil {
		return err
	}
	m.all = heldLock{count: 1, mode: mode}
	return nil
}

// unlockAll releases one level of the allrecord lock. A shared release of
// an exclusive hold is accepted, since shared requests nest inside it.
func (m *lockManager) unlockAll(mode LockMode) error {
	if m.all.count == 0 {
		return fmt.Errorf("%w: allrecord lock", ErrNoLock)
	}
	if mode == LockExclusive && m.all.mode != LockExclusive {
		return fmt.Errorf("%w: allrecord lock held shared", ErrNoLock)
	}
	if m.all.count--; m.all.count > 0 {
		return nil
	}
	m.all = heldLock{}
	return m.l.unlock(lockAllrecord, m.rangeLen())
}

// heldAllrecord reports whether the allrecord lock is held in at least mode.
func (m *lockManager) heldAllrecord(mode LockMode) bool {
	return m.all.count > 0 && m.all.mode >= mode
}

func (m *lockManager) isHeld(off int64) bool {
	_, ok := m.held[off]
	return ok
}

// busy reports whether any record-level lock is held.
func (m *lockManager) busy() bool {
	return m.all.count > 0 || m.chains > 0
}

// releaseAll drops every lock. Used on Close.
func (m *lockManager) releaseAll() error {
	var first error
	if m.all.count > 0 {
		first = m.l.unlock(lockAllrecord, m.rangeLen())
		m.all = heldLock{}
	}
	for off := range m.held {
		if err := m.l.unlock(off, 1); err != nil && first == nil {
			first = err
		}
		delete(m.held, off)
	}
	m.chains = 0
	return first
}

// nopLocker grants everything. Internal and NoLock handles still keep the
// lockManager's bookkeeping so unbalanced unlocks are reported.
type nopLocker struct{}

func (nopLocker) lock(off, n int64, mode LockMode, wait bool) error { return nil }
func (nopLocker) unlock(off, n int64) error                        { return nil }
func (nopLocker) close() error                                     { return nil }

// LockAll takes the allrecord lock exclusively, blocking every other
// handle's reads and writes until UnlockAll.
func (db *DB) LockAll() error { return db.lockAllPublic(LockExclusive, true) }

// LockAllNonblock is LockAll failing with ErrLock instead of waiting.
func (db *DB) LockAllNonblock() error { return db.lockAllPublic(LockExclusive, false) }

// LockAllRead takes the allrecord lock shared: other handles may read but
// not write.
func (db *DB) LockAllRead() error { return db.lockAllPublic(LockShared, true) }

// LockAllReadNonblock is LockAllRead failing with ErrLock instead of waiting.
func (db *DB) LockAllReadNonblock() error { return db.lockAllPublic(LockShared, false) }

// UnlockAll releases LockAll.
func (db *DB) UnlockAll() error { return db.unlockAllPublic(LockExclusive) }

// UnlockAllRead releases LockAllRead.
func (db *DB) UnlockAllRead() error { return db.unlockAllPublic(LockShared) }

func (db *DB) lockAllPublic(mode LockMode, wait bool) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if mode == LockExclusive && db.cfg.ReadOnly {
		return fmt.Errorf("lock all: %w", ErrReadOnly)
	}
	if err := db.locks.lockAll(mode, wait); err != nil {
		return fmt.Errorf("lock all: %w", err)
	}
	return nil
}

func (db *DB) unlockAllPublic(mode LockMode) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if err := db.locks.unlockAll(mode); err != nil {
		return fmt.Errorf("unlock all: %w", err)
	}
	return nil
}

// ChainLock locks the chain key hashes to, which serialises all access to
// key (and to the other keys sharing its bucket) with other handles.
func (db *DB) ChainLock(key []byte) error { return db.chainLockPublic(key, LockExclusive, true) }

// ChainLockNonblock is ChainLock failing with ErrLock instead of waiting.
func (db *DB) ChainLockNonblock(key []byte) error {
	return db.chainLockPublic(key, LockExclusive, false)
}

// ChainLockRead takes the chain lock for key shared.
func (db *DB) ChainLockRead(key []byte) error { return db.chainLockPublic(key, LockShared, true) }

// ChainUnlock releases ChainLock.
func (db *DB) ChainUnlock(key []byte) error { return db.chainUnlockPublic(key) }

// ChainUnlockRead releases ChainLockRead.
func (db *DB) ChainUnlockRead(key []byte) error { return db.chainUnlockPublic(key) }

func (db *DB) chainLockPublic(key []byte, mode LockMode, wait bool) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if mode == LockExclusive && db.cfg.ReadOnly {
		return fmt.Errorf("chain lock: %w", ErrReadOnly)
	}
	b := db.bucket(db.hash(key))
	if err := db.locks.lock(db.locks.chainOff(b), mode, wait); err != nil {
		return fmt.Errorf("chain lock %d: %w", b, err)
	}
	return nil
}

func (db *DB) chainUnlockPublic(key []byte) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	b := db.bucket(db.hash(key))
	if err := db.locks.unlock(db.locks.chainOff(b)); err != nil {
		return fmt.Errorf("chain unlock %d: %w", b, err)
	}
	return nil
}
