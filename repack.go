// Repacking and wiping.
//
// Freed spans are never merged, so a database with a churning mix of
// record sizes slowly fragments. Repack rewrites every live record
// contiguously from the start of the record area, dropping tombstones and
// free space, and truncates the file. It runs as a transaction, so a crash
// part way leaves the old file intact, and it nests inside a caller's
// transaction when AllowNesting is set.
package trivialdb

import (
	"fmt"
	"log/slog"
)

type packed struct {
	hash       uint32
	key, value []byte
}

// Repack compacts the database in place.
func (db *DB) Repack() error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()

	if err := db.beginTransaction(true); err != nil {
		return fmt.Errorf("repack: %w", err)
	}
	before, err := db.mapSize()
	if err == nil {
		err = db.repack()
	}
	var after int64
	if err == nil {
		after, err = db.mapSize()
	}
	if err != nil {
		db.abortTransaction()
		return fmt.Errorf("repack: %w", err)
	}
	if err := db.commitTransaction(); err != nil {
		return fmt.Errorf("repack: %w", err)
	}
	db.opLogger("repack").Info("repacked", slog.Int64("before", before), slog.Int64("after", after))
	return nil
}

func (db *DB) repack() error {
	chains := make([][]packed, db.layout.hashSize)
	for b := range db.layout.hashSize {
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
			chains[b] = append(chains[b], packed{hash: h.rec.hash, key: key, value: val})
			return true, nil
		})
		if err != nil {
			return err
		}
	}

	if err := db.clearRecords(); err != nil {
		return err
	}

	off := db.layout.dataStart
	for b, recs := range chains {
		if len(recs) == 0 {
			continue
		}
		if err := db.writeMeta(db.layout.bucketOff(uint32(b)), off); err != nil {
			return err
		}
		for i, p := range recs {
			rec := record{recLen: payloadSize(len(p.key), len(p.value))}
			if i < len(recs)-1 {
				rec.next = off + rec.span()
			}
			if err := db.writeFull(off, rec, p.hash, p.key, p.value); err != nil {
				return err
			}
			off += rec.span()
		}
	}
	if err := db.writeMeta(offMapSize, off); err != nil {
		return err
	}
	if err := db.io.truncate(off); err != nil {
		return err
	}
	return db.changed()
}

// clearRecords empties the directory and freelists and shrinks the record
// area to nothing. The mutex area is not touched.
func (db *DB) clearRecords() error {
	zero := make([]byte, db.layout.dirOff+8*int64(db.layout.hashSize)-offFreelist)
	if err := db.write(offFreelist, zero); err != nil {
		return err
	}
	if err := db.writeMeta(offMapSize, db.layout.dataStart); err != nil {
		return err
	}
	return db.io.truncate(db.layout.dataStart)
}

// abortTransaction unwinds one level after a failed internal operation.
func (db *DB) abortTransaction() {
	if db.tx.depth > 1 {
		db.tx.depth--
		db.tx.poisoned = true
		return
	}
	if err := db.cancelTransaction(); err != nil {
		db.opLogger("cancel").Error("cancelling failed transaction", slog.Any("err", err))
	}
}

// WipeAll deletes every record, keeping the descriptor. The file shrinks
// to its directory.
func (db *DB) WipeAll() error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}

	if db.tx == nil {
		if err := db.locks.lockAll(LockExclusive, true); err != nil {
			return fmt.Errorf("wipe: %w", err)
		}
		defer db.locks.unlockAll(LockExclusive)
	}
	if err := db.clearRecords(); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}
	if err := db.changed(); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}
	if db.tx == nil && db.flags&NoSync == 0 {
		return db.io.sync()
	}
	return nil
}
