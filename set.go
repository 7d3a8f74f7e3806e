// Record storage operations.
package trivialdb

import (
	"fmt"
	"math"
)

// Store writes value under key according to mode. StoreInsert fails with
// ErrExists when the key is present; StoreReplace and StoreModify fail with
// ErrNoExist when it is absent. StoreDefault creates or overwrites.
func (db *DB) Store(key, value []byte, mode StoreMode) error {
	if !mode.valid() {
		return fmt.Errorf("store: %w: mode %d", ErrInvalid, mode)
	}
	if err := checkSizes(key, value); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	hash := db.hash(key)
	b := db.bucket(hash)
	if err := db.lockChain(b, LockExclusive); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.unlockChain(b)

	old, found, err := db.find(b, hash, key)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	switch {
	case found && mode == StoreInsert:
		return fmt.Errorf("store: %w", ErrExists)
	case !found && (mode == StoreReplace || mode == StoreModify):
		return fmt.Errorf("store: %w", ErrNoExist)
	}

	if err := db.storeLocked(b, hash, key, value, old, found); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return db.changed()
}

// Append adds value to the end of the record for key, creating it if
// needed. The record grows in place when its allocation has room.
func (db *DB) Append(key, value []byte) error {
	if err := checkSizes(key, value); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	hash := db.hash(key)
	b := db.bucket(hash)
	if err := db.lockChain(b, LockExclusive); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	defer db.unlockChain(b)

	old, found, err := db.find(b, hash, key)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if found {
		err = db.appendLocked(b, hash, key, value, old)
	} else {
		err = db.storeLocked(b, hash, key, value, hit{}, false)
	}
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return db.changed()
}

func (db *DB) appendLocked(b, hash uint32, key, value []byte, old hit) error {
	total := int64(old.rec.dataLen) + int64(len(value))
	if total > math.MaxUint32 {
		return fmt.Errorf("%w: value of %d bytes", ErrInvalid, total)
	}
	if old.rec.room() >= total {
		end := old.off + recHeaderSize + int64(old.rec.keyLen) + int64(old.rec.dataLen)
		if err := db.write(end, value); err != nil {
			return err
		}
		old.rec.dataLen = uint32(total)
		return db.writeRecord(old.off, &old.rec)
	}

	prev, err := db.readValue(old.off, &old.rec)
	if err != nil {
		return err
	}
	return db.storeLocked(b, hash, key, append(prev, value...), old, true)
}

// storeLocked writes key/value on bucket b, replacing old when found. The
// caller holds the chain lock exclusively.
func (db *DB) storeLocked(b, hash uint32, key, value []byte, old hit, found bool) error {
	if found && old.rec.room() >= int64(len(value)) {
		if err := db.write(old.off+recHeaderSize+int64(old.rec.keyLen), value); err != nil {
			return err
		}
		old.rec.dataLen = uint32(len(value))
		return db.writeRecord(old.off, &old.rec)
	}

	need := payloadSize(len(key), len(value))
	if db.cfg.MaxDead > 0 {
		reused, err := db.reuseDead(b, hash, key, value, need)
		if err != nil {
			return err
		}
		if reused {
			if found {
				return db.removeRecord(b, old)
			}
			return nil
		}
	}

	off, rec, err := db.alloc(b, need)
	if err != nil {
		return err
	}
	if found {
		if err := db.removeRecord(b, old); err != nil {
			return err
		}
	}
	head, err := db.chainHead(b)
	if err != nil {
		return err
	}
	rec.next = head
	if err := db.writeFull(off, rec, hash, key, value); err != nil {
		return err
	}
	return db.setNext(b, 0, off)
}

// reuseDead turns the first tombstone on bucket b that fits need back
// into a live record. Its place on the chain is kept.
func (db *DB) reuseDead(b, hash uint32, key, value []byte, need int64) (bool, error) {
	var dead hit
	var ok bool
	err := db.walk(b, func(h hit) (bool, error) {
		if h.rec.magic == magicDead && h.rec.recLen >= need {
			dead, ok = h, true
			return false, nil
		}
		return true, nil
	})
	if err != nil || !ok {
		return false, err
	}
	return true, db.writeFull(dead.off, dead.rec, hash, key, value)
}

// writeFull writes a live record header and payload at off in one write.
func (db *DB) writeFull(off int64, rec record, hash uint32, key, value []byte) error {
	rec.keyLen = uint32(len(key))
	rec.dataLen = uint32(len(value))
	rec.hash = hash
	rec.magic = magicLive

	buf := make([]byte, recHeaderSize+len(key)+len(value))
	rec.encode(buf)
	copy(buf[recHeaderSize:], key)
	copy(buf[recHeaderSize+len(key):], value)
	return db.write(off, buf)
}

func checkSizes(key, value []byte) error {
	if len(key) > math.MaxUint32 || len(value) > math.MaxUint32 {
		return fmt.Errorf("%w: key or value larger than 4 GiB", ErrInvalid)
	}
	return nil
}
