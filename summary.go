// Space usage statistics.
package trivialdb

import (
	"fmt"
	"strings"
)

// Tally is the count and size range of one kind of span.
type Tally struct {
	Count int
	Min   int64
	Max   int64
	Total int64
}

func (t *Tally) add(n int64) {
	if t.Count == 0 || n < t.Min {
		t.Min = n
	}
	if n > t.Max {
		t.Max = n
	}
	t.Count++
	t.Total += n
}

// Avg returns the mean size, 0 when empty.
func (t Tally) Avg() float64 {
	if t.Count == 0 {
		return 0
	}
	return float64(t.Total) / float64(t.Count)
}

// Stats describes how the record area is used.
type Stats struct {
	FileSize  int64
	MapSize   int64
	DataStart int64
	HashSize  uint32
	Freelists uint32

	Keys    Tally // key bytes of live records
	Data    Tally // value bytes of live records
	Padding Tally // slack after the value of live records
	Dead    Tally // tombstone spans
	Free    Tally // free spans on freelists
	Chains  Tally // live records per chain
}

// Stats walks every chain and freelist under the allrecord read lock.
func (db *DB) Stats() (Stats, error) {
	if err := db.enter(); err != nil {
		return Stats{}, err
	}
	defer db.mu.Unlock()

	if err := db.locks.lockAll(LockShared, true); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer db.locks.unlockAll(LockShared)

	st := Stats{
		DataStart: db.layout.dataStart,
		HashSize:  db.layout.hashSize,
		Freelists: db.layout.freelists,
	}
	var err error
	if st.FileSize, err = db.io.size(); err != nil {
		return st, err
	}
	if st.MapSize, err = db.mapSize(); err != nil {
		return st, err
	}

	for b := range db.layout.hashSize {
		live := 0
		err := db.walk(b, func(h hit) (bool, error) {
			if h.rec.magic == magicDead {
				st.Dead.add(h.rec.span())
				return true, nil
			}
			live++
			st.Keys.add(int64(h.rec.keyLen))
			st.Data.add(int64(h.rec.dataLen))
			st.Padding.add(h.rec.recLen - int64(h.rec.keyLen) - int64(h.rec.dataLen))
			return true, nil
		})
		if err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
		st.Chains.add(int64(live))
	}
	for i := range db.layout.freelists {
		err := db.walkFree(i, func(_ int64, rec record) error {
			st.Free.add(rec.span())
			return nil
		})
		if err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

// Summary returns a human-readable report of space usage.
func (db *DB) Summary() (string, error) {
	st, err := db.Stats()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	tally := func(name string, t Tally) {
		fmt.Fprintf(&sb, "Number of %s: %d\n", name, t.Count)
		fmt.Fprintf(&sb, "Smallest/average/largest %s: %d/%.2f/%d\n", name, t.Min, t.Avg(), t.Max)
	}
	fmt.Fprintf(&sb, "Size of file/data: %d/%d\n", st.FileSize, st.MapSize-st.DataStart)
	fmt.Fprintf(&sb, "Number of records: %d\n", st.Keys.Count)
	fmt.Fprintf(&sb, "Smallest/average/largest keys: %d/%.2f/%d\n", st.Keys.Min, st.Keys.Avg(), st.Keys.Max)
	fmt.Fprintf(&sb, "Smallest/average/largest data: %d/%.2f/%d\n", st.Data.Min, st.Data.Avg(), st.Data.Max)
	fmt.Fprintf(&sb, "Smallest/average/largest padding: %d/%.2f/%d\n", st.Padding.Min, st.Padding.Avg(), st.Padding.Max)
	tally("dead records", st.Dead)
	tally("free records", st.Free)
	fmt.Fprintf(&sb, "Number of hash chains: %d (%d freelists)\n", st.HashSize, st.Freelists)
	fmt.Fprintf(&sb, "Smallest/average/largest hash chains: %d/%.2f/%d\n", st.Chains.Min, st.Chains.Avg(), st.Chains.Max)

	data := st.MapSize - st.DataStart
	pct := func(n int64) float64 {
		if data == 0 {
			return 0
		}
		return 100 * float64(n) / float64(data)
	}
	headers := int64(st.Keys.Count) * recHeaderSize
	fmt.Fprintf(&sb, "Percentage keys/data/padding/free/dead/rechdrs: %.0f/%.0f/%.0f/%.0f/%.0f/%.0f\n",
		pct(st.Keys.Total), pct(st.Data.Total), pct(st.Padding.Total),
		pct(st.Free.Total), pct(st.Dead.Total), pct(headers))
	return sb.String(), nil
}
