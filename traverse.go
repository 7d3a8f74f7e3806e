// Key iteration.
//
// FirstKey and NextKey walk the buckets in index order and each chain in
// link order, taking one chain lock per step, so other handles may write
// between steps. A key deleted between steps is not revisited: if prev has
// gone, iteration resumes at the successor remembered from the previous
// step. If that has gone too, the chain is scanned again for live keys not
// yet returned. Keys written during an iteration may or may not be seen.
//
// Traverse instead holds the allrecord read lock for the whole walk and so
// sees a consistent snapshot.
package trivialdb

import (
	"bytes"
	"fmt"
)

// cursor remembers the last key returned by FirstKey/NextKey, the key
// that followed it on its chain, and every key already returned from that
// chain.
type cursor struct {
	bucket  uint32
	seen    map[string]struct{}
	prev    []byte
	succ    []byte
	hasSucc bool
}

// FirstKey returns the first key in iteration order.
func (db *DB) FirstKey() (key []byte, ok bool, err error) {
	if err := db.enter(); err != nil {
		return nil, false, err
	}
	defer db.mu.Unlock()

	db.cursor = cursor{}
	return db.scanFrom(0)
}

// NextKey returns the key following prev.
func (db *DB) NextKey(prev []byte) (key []byte, ok bool, err error) {
	if err := db.enter(); err != nil {
		return nil, false, err
	}
	defer db.mu.Unlock()

	if !bytes.Equal(db.cursor.prev, prev) {
		db.cursor = cursor{}
	}
	b := db.bucket(db.hash(prev))
	key, ok, done, err := db.nextInChain(b, prev)
	if err != nil || done {
		return key, ok, err
	}
	return db.scanFrom(b + 1)
}

// nextInChain looks for the key after prev on prev's own chain. done is
// false when the caller should continue with the following buckets.
func (db *DB) nextInChain(b uint32, prev []byte) (key []byte, ok, done bool, err error) {
	if err := db.lockChain(b, LockShared); err != nil {
		return nil, false, true, err
	}
	defer db.unlockChain(b)

	hash := db.hash(prev)
	h, found, err := db.find(b, hash, prev)
	if err != nil {
		return nil, false, true, err
	}
	if found {
		key, ok, err = db.liveFrom(b, h.off, h.rec.next)
		return key, ok, ok || err != nil, err
	}

	// prev was deleted: pick up at its remembered successor if that is
	// still on the chain.
	c := db.cursor
	if c.seen == nil || c.bucket != b {
		return nil, false, false, nil
	}
	if c.hasSucc {
		s, found, err := db.find(b, db.hash(c.succ), c.succ)
		if err != nil {
			return nil, false, true, err
		}
		if found {
			key, ok, err = db.liveFrom(b, s.prev, s.off)
			if ok || err != nil {
				return key, ok, true, err
			}
		}
	}

	head, err := db.chainHead(b)
	if err != nil || head == 0 {
		return nil, false, err != nil, err
	}
	key, ok, err = db.liveFrom(b, 0, head)
	return key, ok, ok || err != nil, err
}

// scanFrom returns the first live key in buckets start onwards.
func (db *DB) scanFrom(start uint32) ([]byte, bool, error) {
	for b := start; b < db.layout.hashSize; b++ {
		if err := db.lockChain(b, LockShared); err != nil {
			return nil, false, err
		}
		head, err := db.chainHead(b)
		var key []byte
		var ok bool
		if err == nil && head != 0 {
			key, ok, err = db.liveFrom(b, 0, head)
		}
		db.unlockChain(b)
		if err != nil || ok {
			return key, ok, err
		}
	}
	db.cursor = cursor{}
	return nil, false, nil
}

// liveFrom returns the first live key at or after off on bucket b that has
// not been returned before, and records it, with its successor, in the
// cursor. The caller holds the chain lock.
func (db *DB) liveFrom(b uint32, prev, off int64) ([]byte, bool, error) {
	seen := db.cursor.seen
	if seen == nil || db.cursor.bucket != b {
		seen = make(map[string]struct{})
	}
	c := cursor{bucket: b, seen: seen}
	found := false
	err := db.walkFrom(b, prev, off, func(h hit) (bool, error) {
		if h.rec.magic != magicLive {
			return true, nil
		}
		k, err := db.readKey(h.off, &h.rec)
		if err != nil {
			return false, err
		}
		if _, dup := seen[string(k)]; dup {
			return true, nil
		}
		if !found {
			c.prev, found = k, true
			return true, nil
		}
		c.succ, c.hasSucc = k, true
		return false, nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	seen[string(c.prev)] = struct{}{}
	db.cursor = c
	return bytes.Clone(c.prev), true, nil
}

// Traverse calls fn for every record while holding the allrecord read
// lock, stopping early if fn returns false. It returns the number of
// records visited. fn must not call methods on db.
func (db *DB) Traverse(fn func(key, value []byte) bool) (int, error) {
	if err := db.enter(); err != nil {
		return 0, err
	}
	defer db.mu.Unlock()

	if err := db.locks.lockAll(LockShared, true); err != nil {
		return 0, fmt.Errorf("traverse: %w", err)
	}
	defer db.locks.unlockAll(LockShared)

	count := 0
	for b := range db.layout.hashSize {
		stop := false
		err := db.walk(b, func(h hit) (bool, error) {
			if h.rec.magic != magicLive {
				return true, nil
			}
			key, err := db.readKey(h.off, &h.rec)
			if err != nil {
				return false, err
			}
			val, err := db.readValue(h.off, &h.rec)
			if err != nil {
				return false, err
			}
			count++
			if !fn(key, val) {
				stop = true
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return count, fmt.Errorf("traverse: %w", err)
		}
		if stop {
			break
		}
	}
	return count, nil
}
