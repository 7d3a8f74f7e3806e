// Record deletion.
package trivialdb

import (
	"fmt"
	"slices"
)

// Delete removes key. It fails with ErrNoExist if the key is absent.
func (db *DB) Delete(key []byte) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	hash := db.hash(key)
	b := db.bucket(hash)
	if err := db.lockChain(b, LockExclusive); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	defer db.unlockChain(b)

	h, found, err := db.find(b, hash, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !found {
		return fmt.Errorf("delete: %w", ErrNoExist)
	}
	if err := db.removeRecord(b, h); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return db.changed()
}

// removeRecord takes a live record off bucket b. With a tombstone budget
// it is only marked dead, and the chain is purged once it holds more dead
// records than the budget allows. Otherwise it is unlinked and freed.
func (db *DB) removeRecord(b uint32, h hit) error {
	if db.cfg.MaxDead == 0 {
		if err := db.setNext(b, h.prev, h.rec.next); err != nil {
			return err
		}
		return db.free(db.freelistFor(b), h.off, h.rec)
	}

	h.rec.magic = magicDead
	if err := db.writeRecord(h.off, &h.rec); err != nil {
		return err
	}
	dead, err := db.deadRecords(b)
	if err != nil {
		return err
	}
	if len(dead) > db.cfg.MaxDead {
		return db.purge(b, dead)
	}
	return nil
}

func (db *DB) deadRecords(b uint32) ([]hit, error) {
	var dead []hit
	err := db.walk(b, func(h hit) (bool, error) {
		if h.rec.magic == magicDead {
			dead = append(dead, h)
		}
		return true, nil
	})
	return dead, err
}

// purge unlinks and frees the given tombstones of bucket b. They are taken
// last first so each predecessor is still on the chain when its next field
// is rewritten.
func (db *DB) purge(b uint32, dead []hit) error {
	for _, h := range slices.Backward(dead) {
		next, err := db.readMeta(h.off)
		if err != nil {
			return err
		}
		if err := db.setNext(b, h.prev, next); err != nil {
			return err
		}
		if err := db.free(db.freelistFor(b), h.off, h.rec); err != nil {
			return err
		}
	}
	return nil
}
