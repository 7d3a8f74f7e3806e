// Transactions.
//
// A transaction holds the transaction lock and the allrecord lock
// exclusively from start to commit or cancel, so it is the only writer and
// no reader observes its intermediate state. Its writes land in a shadow of
// the file; commit publishes them through the redo log in recovery.go.
//
// With AllowNesting a second TransactionStart only deepens the current
// transaction. Inner commits are no-ops; an inner cancel poisons the whole
// transaction, and the outermost commit then cancels and fails.
package trivialdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

type transaction struct {
	shadow   *shadow
	depth    int
	dirty    bool  // a record operation changed something
	seqBumps int64 // IncrementSeqnumNonblock calls inside the transaction
	poisoned bool

	prepared  bool
	seqLocked bool // the seqnum lock is held until the locks are released
	entries   []logEntry
	newSize  int64
	logOff   int64 // 0 when no log was written
}

// TransactionStart begins a transaction, waiting for other writers.
func (db *DB) TransactionStart() error {
	return db.transactionStart(true)
}

// TransactionStartNonblock begins a transaction, failing with ErrLock
// instead of waiting.
func (db *DB) TransactionStartNonblock() error {
	return db.transactionStart(false)
}

func (db *DB) transactionStart(wait bool) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.beginTransaction(wait)
}

func (db *DB) beginTransaction(wait bool) error {
	if err := db.writable(); err != nil {
		return fmt.Errorf("transaction start: %w", err)
	}
	if db.tx != nil {
		if db.flags&AllowNesting == 0 {
			return fmt.Errorf("transaction start: %w", ErrNesting)
		}
		if db.tx.prepared {
			return fmt.Errorf("transaction start: %w: transaction already prepared", ErrInvalid)
		}
		db.tx.depth++
		return nil
	}
	if db.locks.busy() {
		return fmt.Errorf("transaction start: %w: record locks held", ErrLock)
	}

	if err := db.locks.lock(lockTransaction, LockExclusive, wait); err != nil {
		return fmt.Errorf("transaction start: %w", err)
	}
	if err := db.locks.lockAll(LockExclusive, wait); err != nil {
		if uerr := db.locks.unlock(lockTransaction); uerr != nil {
			db.opLogger("transaction").Error("releasing transaction lock failed", slog.Any("err", uerr))
		}
		return fmt.Errorf("transaction start: %w", err)
	}

	sh, err := newShadow(db.base)
	if err != nil {
		db.releaseTransaction()
		return fmt.Errorf("transaction start: %w", err)
	}
	db.tx = &transaction{shadow: sh, depth: 1}
	db.io = sh
	return nil
}

// TransactionActive reports whether this handle has a transaction open.
func (db *DB) TransactionActive() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tx != nil
}

// TransactionPrepareCommit runs the first half of commit: the redo log is
// written and synced, so a crash from here on commits on recovery. The
// transaction stays open until TransactionCommit or TransactionCancel.
func (db *DB) TransactionPrepareCommit() error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()

	tx := db.tx
	switch {
	case tx == nil:
		return fmt.Errorf("transaction prepare: %w: no transaction", ErrInvalid)
	case tx.prepared:
		return fmt.Errorf("transaction prepare: %w: already prepared", ErrInvalid)
	case tx.poisoned:
		db.cancelTransaction()
		return fmt.Errorf("transaction prepare: %w: inner transaction cancelled", ErrNesting)
	case tx.depth > 1:
		return nil
	}
	if err := db.prepare(); err != nil {
		db.cancelTransaction()
		return fmt.Errorf("transaction prepare: %w", err)
	}
	return nil
}

// TransactionCommit makes the transaction's changes durable and visible.
// On failure the transaction is cancelled.
func (db *DB) TransactionCommit() error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.commitTransaction()
}

func (db *DB) commitTransaction() error {
	tx := db.tx
	if tx == nil {
		return fmt.Errorf("transaction commit: %w: no transaction", ErrInvalid)
	}
	if tx.depth > 1 {
		tx.depth--
		return nil
	}
	if tx.poisoned {
		db.cancelTransaction()
		return fmt.Errorf("transaction commit: %w: inner transaction cancelled", ErrNesting)
	}
	if !tx.prepared {
		if err := db.prepare(); err != nil {
			db.cancelTransaction()
			return fmt.Errorf("transaction commit: %w", err)
		}
	}

	err := db.applyLog(tx.entries, tx.newSize, db.flags&NoSync == 0)
	if err != nil {
		db.opLogger("commit").Error("applying transaction failed", slog.Any("err", err))
		if tx.logOff != 0 {
			if rerr := db.replay(tx.logOff); rerr != nil {
				// The file is half-applied and only the log repairs it. The
				// transaction and allrecord locks stay held so that no handle
				// writes until the replay succeeds.
				db.unapplied = tx.logOff
				db.tx = nil
				db.io = db.base
				return fmt.Errorf("transaction commit: %w", errors.Join(err, rerr))
			}
			err = nil
		}
	}
	if rerr := db.releaseTransaction(); err == nil {
		err = rerr
	}
	if err != nil {
		return fmt.Errorf("transaction commit: %w", err)
	}
	return nil
}

// finishCommit retries the replay of a commit that could not be applied.
// The handle still holds the locks of that transaction.
func (db *DB) finishCommit() error {
	if err := db.replay(db.unapplied); err != nil {
		return fmt.Errorf("%w: unfinished commit: %w", ErrIO, err)
	}
	db.unapplied = 0
	return db.releaseTxLocks(db.locks.isHeld(lockSeqnum))
}

// prepare bumps the sequence number, gathers the dirty blocks and, for
// on-disk databases, writes the redo log and publishes its offset.
func (db *DB) prepare() error {
	tx := db.tx
	seq, err := db.lockSeqnumForCommit()
	if err != nil {
		return err
	}

	tx.entries = tx.shadow.dirty()
	tx.newSize = tx.shadow.end
	logOff := alignUp(max(tx.shadow.origSize, tx.newSize), recAlign)
	if len(tx.entries) > 0 && tx.entries[0].off == 0 {
		// Block 0 carries the live counter, and applying it must not clear
		// the pointer to the log being applied.
		b0 := append([]byte(nil), tx.entries[0].data...)
		if len(b0) >= offRecovery+8 {
			binary.LittleEndian.PutUint64(b0[offSeqnum:], uint64(seq))
			if db.file != nil {
				binary.LittleEndian.PutUint64(b0[offRecovery:], uint64(logOff))
			}
		}
		tx.entries[0].data = b0
	}
	if len(tx.entries) == 0 || db.file == nil {
		tx.prepared = true
		return nil
	}

	sync := db.flags&NoSync == 0
	if err := db.base.writeAt(encodeLog(tx.entries, tx.newSize), logOff); err != nil {
		return err
	}
	if sync {
		if err := db.base.sync(); err != nil {
			return err
		}
	}
	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], uint64(logOff))
	if err := db.base.writeAt(ptr[:], offRecovery); err != nil {
		return err
	}
	tx.logOff = logOff
	if sync {
		if err := db.base.sync(); err != nil {
			return err
		}
	}
	tx.prepared = true
	return nil
}

// lockSeqnumForCommit takes the seqnum lock for the rest of the commit and
// returns the counter value to commit. Other handles may have bumped the
// counter since the shadow was taken, so it is read from the file.
func (db *DB) lockSeqnumForCommit() (int64, error) {
	tx := db.tx
	if err := db.locks.lock(lockSeqnum, LockExclusive, true); err != nil {
		return 0, err
	}
	tx.seqLocked = true

	var buf [8]byte
	if err := db.base.readAt(buf[:], offSeqnum); err != nil {
		return 0, err
	}
	n := int64(binary.LittleEndian.Uint64(buf[:]))
	if db.flags&Seqnum == 0 {
		return n, nil
	}
	if tx.dirty {
		tx.seqBumps++
	}
	if tx.seqBumps == 0 {
		return n, nil
	}
	n += tx.seqBumps
	return n, db.writeMeta(offSeqnum, n)
}

// TransactionCancel discards the transaction. Inside a nested transaction
// it poisons the outer one instead.
func (db *DB) TransactionCancel() error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()

	tx := db.tx
	if tx == nil {
		return fmt.Errorf("transaction cancel: %w: no transaction", ErrInvalid)
	}
	if tx.depth > 1 {
		tx.depth--
		tx.poisoned = true
		return nil
	}
	return db.cancelTransaction()
}

// cancelTransaction drops the shadow and any prepared log, then releases
// the transaction's locks.
func (db *DB) cancelTransaction() error {
	tx := db.tx
	var err error
	if tx.logOff != 0 {
		var zero [8]byte
		err = db.base.writeAt(zero[:], offRecovery)
		if err == nil {
			err = db.base.truncate(tx.shadow.origSize)
		}
		if err == nil && db.flags&NoSync == 0 {
			err = db.base.sync()
		}
		if err != nil {
			db.opLogger("cancel").Error("discarding prepared log failed", slog.Any("err", err))
		}
	}
	if rerr := db.releaseTransaction(); err == nil {
		err = rerr
	}
	return err
}

func (db *DB) releaseTransaction() error {
	seq := db.tx != nil && db.tx.seqLocked
	db.tx = nil
	db.io = db.base
	return db.releaseTxLocks(seq)
}

func (db *DB) releaseTxLocks(seq bool) error {
	var errs []error
	if seq {
		errs = append(errs, db.locks.unlock(lockSeqnum))
	}
	errs = append(errs, db.locks.unlockAll(LockExclusive), db.locks.unlock(lockTransaction))
	err := errors.Join(errs...)
	if err != nil {
		db.opLogger("transaction").Error("releasing transaction locks failed", slog.Any("err", err))
	}
	return err
}
