// Bucket chains.
//
// A bucket's directory slot holds the offset of the first record on its
// chain; each record's next field links to the following one. New records
// are prepended. Live records and tombstones share chains, so walks that
// look up keys skip anything that is not live.
package trivialdb

import (
	"bytes"
	"fmt"
)

// hit is a record found on a chain together with its predecessor, which
// is 0 when the record is the chain head.
type hit struct {
	off  int64
	rec  record
	prev int64
}

func (db *DB) bucket(hash uint32) uint32 {
	return hash % db.layout.hashSize
}

func (db *DB) chainHead(b uint32) (int64, error) {
	return db.readMeta(db.layout.bucketOff(b))
}

// setNext points prev's next field at off, or the bucket's head when prev
// is 0. The next field is the first word of the record header.
func (db *DB) setNext(b uint32, prev, off int64) error {
	if prev == 0 {
		return db.writeMeta(db.layout.bucketOff(b), off)
	}
	return db.writeMeta(prev, off)
}

// walk visits every record on bucket b in chain order until fn returns
// false. Loops and offsets outside the record area are reported as
// corruption.
func (db *DB) walk(b uint32, fn func(h hit) (bool, error)) error {
	off, err := db.chainHead(b)
	if err != nil {
		return err
	}
	return db.walkFrom(b, 0, off, fn)
}

// walkFrom continues a walk of bucket b at off, whose predecessor is prev.
func (db *DB) walkFrom(b uint32, prev, off int64, fn func(h hit) (bool, error)) error {
	size, err := db.mapSize()
	if err != nil {
		return err
	}
	limit := (size-db.layout.dataStart)/recHeaderSize + 1

	for steps := int64(0); off != 0; steps++ {
		if steps > limit {
			return fmt.Errorf("%w: loop in chain %d", ErrCorrupt, b)
		}
		rec, err := db.readRecord(off)
		if err != nil {
			return fmt.Errorf("chain %d: %w", b, err)
		}
		if rec.magic == magicFree {
			return fmt.Errorf("%w: free record %d on chain %d", ErrCorrupt, off, b)
		}
		more, err := fn(hit{off: off, rec: rec, prev: prev})
		if err != nil || !more {
			return err
		}
		prev, off = off, rec.next
	}
	return nil
}

// find locates the live record for key on bucket b.
func (db *DB) find(b, hash uint32, key []byte) (hit, bool, error) {
	var found hit
	var ok bool
	err := db.walk(b, func(h hit) (bool, error) {
		if h.rec.magic != magicLive || h.rec.hash != hash || int(h.rec.keyLen) != len(key) {
			return true, nil
		}
		k, err := db.readKey(h.off, &h.rec)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(k, key) {
			return true, nil
		}
		found, ok = h, true
		return false, nil
	})
	return found, ok, err
}

func (db *DB) lockChain(b uint32, mode LockMode) error {
	if err := db.locks.lock(db.locks.chainOff(b), mode, true); err != nil {
		return fmt.Errorf("chain %d: %w", b, err)
	}
	return nil
}

func (db *DB) unlockChain(b uint32) error {
	return db.locks.unlock(db.locks.chainOff(b))
}
