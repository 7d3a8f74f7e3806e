// Core database type and lifecycle operations.
//
// DB is one handle on a database file. Every handle has its own descriptor,
// storage view and lock bookkeeping; handles in the same process share
// nothing but the file. Calls on one handle are serialised by its mutex, so
// a DB may be used from several goroutines, but concurrency comes from
// opening more handles.
package trivialdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// MemoryName is the name reported by OpenMemory handles.
const MemoryName = ":memory:"

// DB represents an open database handle.
type DB struct {
	mu     sync.Mutex
	name   string
	file   *os.File // nil for Internal
	cfg    Config
	flags  Flag // effective flags, format bits taken from the descriptor
	hdr    *Header
	layout layout
	base   storage // the file, its mapping, or the in-memory image
	io     storage // base, or the transaction shadow while one is active
	fileLk locker  // fcntl or LockFileEx locker, also used under mutexes
	locks  *lockManager
	hash   func([]byte) uint32
	log    *slog.Logger
	tx     *transaction
	cursor cursor
	closed bool

	// unapplied is the offset of this handle's redo log when a commit
	// could neither be applied nor replayed. The transaction's locks are
	// still held.
	unapplied int64
}

// Open opens or creates the database at path.
func Open(path string, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &DB{name: path, cfg: cfg, log: cfg.Logger.With(slog.String("db", path))}
	if cfg.Flags&Internal != 0 {
		if err := db.openMemory(); err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return db, nil
	}
	if err := db.open(false); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.log.Debug("opened", slog.String("flags", db.flags.String()),
		slog.Uint64("hash_size", uint64(db.layout.hashSize)))
	return db, nil
}

// OpenMemory creates a private in-memory database. Nothing touches disk and
// no other handle can see it.
func OpenMemory(cfg Config) (*DB, error) {
	cfg.Flags |= Internal
	return Open(MemoryName, cfg)
}

func (db *DB) newHeader() *Header {
	return &Header{
		Magic:     magicString,
		Version:   formatVersion,
		HashSize:  db.cfg.HashSize,
		Freelists: db.cfg.Freelists,
		Flags:     db.cfg.Flags & formatFlags,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (db *DB) openMemory() error {
	hdr := db.newHeader()
	img, err := hdr.initImage()
	if err != nil {
		return err
	}
	db.setHeader(hdr)
	db.base = newMemStore(img)
	db.io = db.base
	db.fileLk = nopLocker{}
	db.locks = newLockManager(db.fileLk, hdr.HashSize, hdr.Freelists, 0)
	return nil
}

func (db *DB) setHeader(hdr *Header) {
	db.hdr = hdr
	db.layout = hdr.layout()
	db.flags = db.cfg.Flags&^formatFlags | hdr.Flags&formatFlags
	db.hash = hashFor(db.flags)
}

// open runs the open sequence under the open lock: truncate, clear if
// first, initialise, validate, recover, then hold the active lock for the
// handle's lifetime. Reopen passes reopen=true, which never truncates or
// clears.
func (db *DB) open(reopen bool) (err error) {
	cfg := db.cfg
	osFlags := os.O_RDWR | cfg.OpenFlags&(os.O_CREATE|os.O_EXCL)
	if cfg.ReadOnly {
		osFlags = os.O_RDONLY
	}
	if reopen {
		osFlags &^= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(db.name, osFlags, cfg.Mode)
	if err != nil {
		return ioError(err)
	}
	db.file = f

	defer func() {
		if err != nil {
			db.teardown()
		}
	}()

	db.fileLk = nopLocker{}
	if cfg.Flags&NoLock == 0 {
		if db.fileLk, err = newFileLocker(f); err != nil {
			return err
		}
	}
	db.locks = newLockManager(db.fileLk, 0, 0, cfg.LockTimeout)

	// A read-only descriptor cannot take write locks; such openers never
	// initialise, clear or recover, so a shared open lock suffices.
	openMode := LockExclusive
	if cfg.ReadOnly {
		openMode = LockShared
	}
	if err := db.locks.lock(lockOpen, openMode, true); err != nil {
		return fmt.Errorf("open lock: %w", err)
	}

	if !reopen && !cfg.ReadOnly {
		if cfg.OpenFlags&os.O_TRUNC != 0 {
			if err := f.Truncate(0); err != nil {
				return ioError(err)
			}
		}
		if cfg.Flags&ClearIfFirst != 0 {
			if err := db.clearIfFirst(); err != nil {
				return err
			}
		}
	}

	if err := db.initIfEmpty(); err != nil {
		return err
	}
	if err := db.loadHeader(); err != nil {
		return err
	}

	if db.base, err = openStorage(f, db.flags, !cfg.ReadOnly); err != nil {
		return err
	}
	db.io = db.base

	db.locks.setRange(db.layout.hashSize, db.layout.freelists)
	if db.flags&MutexLocking != 0 && db.flags&NoLock == 0 {
		ml, err := newMutexLocker(f, db.fileLk, db.layout, db.log)
		if err != nil {
			return err
		}
		db.locks.l = ml
	}

	if err := db.recover(); err != nil {
		return err
	}

	if err := db.locks.lock(lockActive, LockShared, true); err != nil {
		return fmt.Errorf("active lock: %w", err)
	}
	return db.locks.unlock(lockOpen)
}

// clearIfFirst wipes the file when no other handle holds the active lock.
func (db *DB) clearIfFirst() error {
	err := db.locks.lock(lockActive, LockExclusive, false)
	if errors.Is(err, ErrLock) {
		return nil
	}
	if err != nil {
		return err
	}
	db.log.Info("first opener, clearing database")
	if err := db.file.Truncate(0); err != nil {
		return ioError(err)
	}
	return db.locks.unlock(lockActive)
}

// initIfEmpty writes a fresh image into a zero-length file.
func (db *DB) initIfEmpty() error {
	info, err := db.file.Stat()
	if err != nil {
		return ioError(err)
	}
	if info.Size() > 0 {
		return nil
	}
	if db.cfg.ReadOnly {
		return fmt.Errorf("%w: empty file", ErrCorrupt)
	}
	img, err := db.newHeader().initImage()
	if err != nil {
		return err
	}
	if _, err := db.file.WriteAt(img, 0); err != nil {
		return ioError(err)
	}
	return ioError(db.file.Sync())
}

// loadHeader reads and validates the descriptor against the config.
func (db *DB) loadHeader() error {
	buf := make([]byte, DescriptorSize)
	if _, err := db.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: read descriptor: %w", ErrCorrupt, err)
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return err
	}

	want := db.cfg.Flags
	if want&IncompatibleHash != 0 && hdr.Flags&IncompatibleHash == 0 {
		return fmt.Errorf("%w: file uses the legacy hash", ErrInvalid)
	}
	if want&NoLock == 0 && (want^hdr.Flags)&MutexLocking != 0 {
		return fmt.Errorf("%w: MutexLocking does not match the file", ErrInvalid)
	}

	db.setHeader(hdr)
	info, err := db.file.Stat()
	if err != nil {
		return ioError(err)
	}
	if info.Size() < db.layout.dataStart {
		return fmt.Errorf("%w: file of %d bytes is shorter than its directory", ErrCorrupt, info.Size())
	}
	return nil
}

// teardown releases everything the handle holds. Errors are ignored: it
// runs on failed opens and after the first Close error has been captured.
func (db *DB) teardown() {
	if db.locks != nil {
		db.locks.releaseAll()
		db.locks.l.close()
	}
	if db.base != nil {
		db.base.close()
	}
	if db.file != nil {
		db.file.Close()
	}
	db.locks, db.base, db.io, db.file = nil, nil, nil, nil
}

// Close releases the handle. A transaction still open is cancelled.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var errs []error
	if db.tx != nil {
		errs = append(errs, db.cancelTransaction())
	}
	if db.unapplied != 0 {
		if err := db.replay(db.unapplied); err != nil {
			errs = append(errs, fmt.Errorf("%w: unfinished commit: %w", ErrIO, err))
		}
	}
	errs = append(errs, db.locks.releaseAll(), db.locks.l.close(), db.base.close())
	if db.file != nil {
		errs = append(errs, ioError(db.file.Close()))
	}
	db.locks, db.base, db.io, db.file = nil, nil, nil, nil

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("close %s: %w", db.name, err)
		}
	}
	return nil
}

// Reopen closes and reopens the file, mapping and locks. It is needed after
// fork, since fcntl locks are not inherited. Not allowed inside a
// transaction or while record locks are held.
//
// A handle left with an unfinished commit drops its locks here, and the
// reopen replays the log like any other opener.
func (db *DB) Reopen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if db.file == nil {
		return nil
	}
	if db.tx != nil {
		return fmt.Errorf("reopen: %w: transaction active", ErrInvalid)
	}
	if db.unapplied == 0 && db.locks.busy() {
		return fmt.Errorf("reopen: %w: record locks held", ErrLock)
	}

	db.teardown()
	db.unapplied = 0
	if err := db.open(true); err != nil {
		db.closed = true
		return fmt.Errorf("reopen %s: %w", db.name, err)
	}
	db.cursor = cursor{}
	return nil
}

// enter takes the handle mutex, failing on a closed handle. A commit left
// unfinished is replayed first; until that succeeds every call fails with
// ErrIO.
func (db *DB) enter() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	if db.unapplied != 0 {
		if err := db.finishCommit(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	return nil
}

func (db *DB) writable() error {
	if db.cfg.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Storage access

func (db *DB) read(off int64, p []byte) error {
	return db.io.readAt(p, off)
}

func (db *DB) write(off int64, p []byte) error {
	if db.cfg.ReadOnly {
		return ErrReadOnly
	}
	return db.io.writeAt(p, off)
}

func (db *DB) readMeta(off int64) (int64, error) {
	var buf [8]byte
	if err := db.read(off, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (db *DB) writeMeta(off, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return db.write(off, buf[:])
}

func (db *DB) mapSize() (int64, error) {
	return db.readMeta(offMapSize)
}

// bounds fails with ErrCorrupt unless [off, off+n) lies in the record area.
func (db *DB) bounds(off, n int64) error {
	size, err := db.mapSize()
	if err != nil {
		return err
	}
	if off < db.layout.dataStart || n < 0 || off+n > size {
		return fmt.Errorf("%w: span %d+%d outside record area [%d, %d)", ErrCorrupt, off, n, db.layout.dataStart, size)
	}
	return nil
}

// changed records a mutation: inside a transaction it marks the
// transaction dirty, otherwise it bumps the sequence number if enabled.
func (db *DB) changed() error {
	if db.tx != nil {
		db.tx.dirty = true
		return nil
	}
	if db.flags&Seqnum == 0 {
		return nil
	}
	return db.bumpSeqnum(true)
}

func (db *DB) bumpSeqnum(wait bool) error {
	if err := db.locks.lock(lockSeqnum, LockExclusive, wait); err != nil {
		return err
	}
	n, err := db.readMeta(offSeqnum)
	if err == nil {
		err = db.writeMeta(offSeqnum, n+1)
	}
	if uerr := db.locks.unlock(lockSeqnum); err == nil {
		err = uerr
	}
	return err
}

// Introspection

// Name returns the path the handle was opened with.
func (db *DB) Name() string {
	return db.name
}

// HashSize returns the number of buckets.
func (db *DB) HashSize() uint32 {
	return db.layout.hashSize
}

// MapSize returns the logical size of the database in bytes.
func (db *DB) MapSize() (int64, error) {
	if err := db.enter(); err != nil {
		return 0, err
	}
	defer db.mu.Unlock()
	return db.mapSize()
}

// Seqnum returns the change counter. It only moves when Seqnum is enabled.
func (db *DB) Seqnum() (uint64, error) {
	if err := db.enter(); err != nil {
		return 0, err
	}
	defer db.mu.Unlock()
	n, err := db.readMeta(offSeqnum)
	return uint64(n), err
}

// IncrementSeqnumNonblock bumps the change counter if Seqnum is enabled,
// failing with ErrLock instead of waiting for the seqnum lock.
func (db *DB) IncrementSeqnumNonblock() error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return err
	}
	if db.flags&Seqnum == 0 {
		return nil
	}
	if db.tx != nil {
		if db.tx.prepared {
			return fmt.Errorf("%w: transaction already prepared", ErrInvalid)
		}
		db.tx.seqBumps++
		return nil
	}
	return db.bumpSeqnum(false)
}

// EnableSeqnum turns on the change counter for this handle.
func (db *DB) EnableSeqnum() {
	db.mu.Lock()
	db.flags |= Seqnum
	db.mu.Unlock()
}

// Flags returns the handle's effective flags.
func (db *DB) Flags() Flag {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flags
}

// AddFlags sets runtime flags. Only NoSync, Seqnum, AllowNesting and
// DisallowNesting may change after open.
func (db *DB) AddFlags(f Flag) error {
	if f&^runtimeFlags != 0 {
		return fmt.Errorf("add flags %s: %w: not changeable at runtime", f&^runtimeFlags, ErrInvalid)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if f&AllowNesting != 0 {
		db.flags &^= DisallowNesting
	}
	if f&DisallowNesting != 0 {
		db.flags &^= AllowNesting
	}
	db.flags |= f
	return nil
}

// RemoveFlags clears runtime flags.
func (db *DB) RemoveFlags(f Flag) error {
	if f&^runtimeFlags != 0 {
		return fmt.Errorf("remove flags %s: %w: not changeable at runtime", f&^runtimeFlags, ErrInvalid)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.flags &^= f
	return nil
}

// SetMaxDead sets how many tombstones a chain may collect before they are
// purged. Zero disables tombstones.
func (db *DB) SetMaxDead(n int) error {
	if n < 0 {
		return fmt.Errorf("set max dead: %w: %d", ErrInvalid, n)
	}
	db.mu.Lock()
	db.cfg.MaxDead = n
	db.mu.Unlock()
	return nil
}

// Fd returns the file descriptor, or -1 for in-memory databases.
func (db *DB) Fd() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.file == nil {
		return -1
	}
	return int(db.file.Fd())
}
