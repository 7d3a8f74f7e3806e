// Free-space management.
//
// Unused spans are kept on singly linked freelists whose heads live in the
// meta area. Ordinary databases have one list; Volatile databases have
// several, and a chain's records are freed to and allocated from list
// bucket % n first, so writers on different chains rarely meet on a
// freelist lock. Allocation is first fit: an exact or near fit is taken
// whole, a larger span is split and its tail returned to the list.
//
// When no list can satisfy a request the map grows by at least a tenth
// under the expand lock, and the new span is pushed onto the caller's list.
package trivialdb

import "fmt"

// minGrowth is the smallest expansion of the map.
const minGrowth = 16 * 1024

func (db *DB) freelistFor(b uint32) uint32 {
	return b % db.layout.freelists
}

func (db *DB) lockFreelist(i uint32) error {
	if err := db.locks.lock(db.locks.freelistOff(i), LockExclusive, true); err != nil {
		return fmt.Errorf("freelist %d: %w", i, err)
	}
	return nil
}

func (db *DB) unlockFreelist(i uint32) error {
	return db.locks.unlock(db.locks.freelistOff(i))
}

// alloc returns a span with at least need payload bytes, unlinked from any
// list. The caller holds bucket b's chain lock.
func (db *DB) alloc(b uint32, need int64) (int64, record, error) {
	n := db.layout.freelists
	start := db.freelistFor(b)
	for {
		for i := range n {
			list := (start + i) % n
			if err := db.lockFreelist(list); err != nil {
				return 0, record{}, err
			}
			off, rec, ok, err := db.takeFree(list, need)
			if uerr := db.unlockFreelist(list); err == nil {
				err = uerr
			}
			if err != nil {
				return 0, record{}, err
			}
			if ok {
				return off, rec, nil
			}
		}
		if err := db.expand(start, need); err != nil {
			return 0, record{}, err
		}
	}
}

// takeFree removes the first span on list that fits need. The caller
// holds the freelist lock.
func (db *DB) takeFree(list uint32, need int64) (int64, record, bool, error) {
	head := db.layout.freelistOff(list)
	off, err := db.readMeta(head)
	if err != nil {
		return 0, record{}, false, err
	}
	size, err := db.mapSize()
	if err != nil {
		return 0, record{}, false, err
	}
	limit := (size-db.layout.dataStart)/recHeaderSize + 1

	prev := head
	for steps := int64(0); off != 0; steps++ {
		if steps > limit {
			return 0, record{}, false, fmt.Errorf("%w: loop in freelist %d", ErrCorrupt, list)
		}
		rec, err := db.readRecord(off)
		if err != nil {
			return 0, record{}, false, fmt.Errorf("freelist %d: %w", list, err)
		}
		if rec.magic != magicFree {
			return 0, record{}, false, fmt.Errorf("%w: record %d with magic %#x on freelist %d", ErrCorrupt, off, rec.magic, list)
		}
		if rec.recLen < need {
			prev, off = off, rec.next
			continue
		}

		next := rec.next
		if rec.recLen-need >= minSplit {
			rest := record{
				next:   next,
				recLen: rec.recLen - need - recHeaderSize,
				magic:  magicFree,
			}
			restOff := off + recHeaderSize + need
			if err := db.writeRecord(restOff, &rest); err != nil {
				return 0, record{}, false, err
			}
			next = restOff
			rec.recLen = need
		}
		if err := db.writeMeta(prev, next); err != nil {
			return 0, record{}, false, err
		}
		rec.next = 0
		return off, rec, true, nil
	}
	return 0, record{}, false, nil
}

// free pushes the span at off onto list.
func (db *DB) free(list uint32, off int64, rec record) error {
	if err := db.lockFreelist(list); err != nil {
		return err
	}
	defer db.unlockFreelist(list)

	head := db.layout.freelistOff(list)
	first, err := db.readMeta(head)
	if err != nil {
		return err
	}
	rec = record{next: first, recLen: rec.recLen, magic: magicFree}
	if err := db.writeRecord(off, &rec); err != nil {
		return err
	}
	return db.writeMeta(head, off)
}

// expand grows the map and frees the new span onto list. The size is
// reread under the expand lock since another handle may have grown it.
func (db *DB) expand(list uint32, need int64) error {
	if err := db.writable(); err != nil {
		return err
	}
	off := db.locks.expandOff()
	if err := db.locks.lock(off, LockExclusive, true); err != nil {
		return fmt.Errorf("expand: %w", err)
	}

	size, err := db.mapSize()
	if err != nil {
		db.locks.unlock(off)
		return err
	}
	grow := alignUp(max(need+recHeaderSize, size/10, minGrowth), recAlign)
	span := record{recLen: grow - recHeaderSize, magic: magicFree}
	err = db.growTo(size + grow)
	if err == nil {
		err = db.writeRecord(size, &span)
	}
	if err == nil {
		err = db.writeMeta(offMapSize, size+grow)
	}
	if uerr := db.locks.unlock(off); err == nil {
		err = uerr
	}
	if err != nil {
		return fmt.Errorf("expand: %w", err)
	}

	return db.free(list, size, span)
}

// growTo makes sure the storage is at least size bytes long.
func (db *DB) growTo(size int64) error {
	phys, err := db.io.size()
	if err != nil {
		return err
	}
	if phys >= size {
		return nil
	}
	return db.io.truncate(size)
}

// FreelistSize returns the number of spans on all freelists.
func (db *DB) FreelistSize() (int, error) {
	if err := db.enter(); err != nil {
		return 0, err
	}
	defer db.mu.Unlock()

	total := 0
	for i := range db.layout.freelists {
		if err := db.lockFreelist(i); err != nil {
			return 0, err
		}
		err := db.walkFree(i, func(int64, record) error {
			total++
			return nil
		})
		db.unlockFreelist(i)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// walkFree visits every span on list. The caller holds the freelist lock
// or the allrecord lock.
func (db *DB) walkFree(list uint32, fn func(off int64, rec record) error) error {
	off, err := db.readMeta(db.layout.freelistOff(list))
	if err != nil {
		return err
	}
	size, err := db.mapSize()
	if err != nil {
		return err
	}
	limit := (size-db.layout.dataStart)/recHeaderSize + 1
	for steps := int64(0); off != 0; steps++ {
		if steps > limit {
			return fmt.Errorf("%w: loop in freelist %d", ErrCorrupt, list)
		}
		rec, err := db.readRecord(off)
		if err != nil {
			return fmt.Errorf("freelist %d: %w", list, err)
		}
		if rec.magic != magicFree {
			return fmt.Errorf("%w: record %d with magic %#x on freelist %d", ErrCorrupt, off, rec.magic, list)
		}
		if err := fn(off, rec); err != nil {
			return err
		}
		off = rec.next
	}
	return nil
}
