// Integrity checking.
//
// Check walks the record area twice: once in file order, which must tile
// [dataStart, mapSize) exactly with well-formed spans, and once through
// every chain and freelist, which must reach each live record, tombstone
// and free span exactly once and only at a span boundary. A free span that
// no freelist reaches is leaked rather than corrupt: an expansion
// interrupted between growing the map and linking the new span leaves one
// behind. Repack reclaims leaked space.
package trivialdb

import "fmt"

// CheckReport summarises a successful Check.
type CheckReport struct {
	Records     int   // live records
	Dead        int   // tombstones
	Free        int   // spans on freelists
	Leaked      int   // free spans on no freelist
	LeakedBytes int64 // bytes in leaked spans
}

// Check verifies the structure of the database under the allrecord read
// lock. Problems are reported as ErrCorrupt.
func (db *DB) Check() (CheckReport, error) {
	if err := db.enter(); err != nil {
		return CheckReport{}, err
	}
	defer db.mu.Unlock()

	if err := db.locks.lockAll(LockShared, true); err != nil {
		return CheckReport{}, fmt.Errorf("check: %w", err)
	}
	defer db.locks.unlockAll(LockShared)

	report, err := db.check()
	if err != nil {
		db.opLogger("check").Error("integrity check failed", "err", err)
		return report, fmt.Errorf("check: %w", err)
	}
	return report, nil
}

func (db *DB) check() (CheckReport, error) {
	var report CheckReport

	size, err := db.mapSize()
	if err != nil {
		return report, err
	}
	phys, err := db.io.size()
	if err != nil {
		return report, err
	}
	if size < db.layout.dataStart || size > phys || size%recAlign != 0 {
		return report, fmt.Errorf("%w: map size %d outside [%d, %d]", ErrCorrupt, size, db.layout.dataStart, phys)
	}

	// File order: every span header is valid and the spans tile the area.
	spans := make(map[int64]uint32)
	for off := db.layout.dataStart; off < size; {
		rec, err := db.readRecord(off)
		if err != nil {
			return report, err
		}
		spans[off] = rec.magic
		off += rec.span()
	}

	seen := make(map[int64]bool, len(spans))
	visit := func(off int64, want ...uint32) error {
		magic, ok := spans[off]
		if !ok {
			return fmt.Errorf("%w: link to %d is not a span boundary", ErrCorrupt, off)
		}
		if seen[off] {
			return fmt.Errorf("%w: span %d reached twice", ErrCorrupt, off)
		}
		for _, w := range want {
			if magic == w {
				seen[off] = true
				return nil
			}
		}
		return fmt.Errorf("%w: span %d has magic %#x in the wrong list", ErrCorrupt, off, magic)
	}

	for b := range db.layout.hashSize {
		err := db.walk(b, func(h hit) (bool, error) {
			if err := visit(h.off, magicLive, magicDead); err != nil {
				return false, err
			}
			if got := db.bucket(h.rec.hash); got != b {
				return false, fmt.Errorf("%w: record %d hashes to bucket %d, found on %d", ErrCorrupt, h.off, got, b)
			}
			key, err := db.readKey(h.off, &h.rec)
			if err != nil {
				return false, err
			}
			if db.hash(key) != h.rec.hash {
				return false, fmt.Errorf("%w: record %d stored hash does not match its key", ErrCorrupt, h.off)
			}
			if h.rec.magic == magicLive {
				report.Records++
			} else {
				report.Dead++
			}
			return true, nil
		})
		if err != nil {
			return report, err
		}
	}

	for i := range db.layout.freelists {
		err := db.walkFree(i, func(off int64, _ record) error {
			report.Free++
			return visit(off, magicFree)
		})
		if err != nil {
			return report, err
		}
	}

	for off, magic := range spans {
		if seen[off] {
			continue
		}
		if magic != magicFree {
			return report, fmt.Errorf("%w: record %d is on no chain", ErrCorrupt, off)
		}
		rec, err := db.readRecord(off)
		if err != nil {
			return report, err
		}
		report.Leaked++
		report.LeakedBytes += rec.span()
	}
	return report, nil
}
