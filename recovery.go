// Redo log and crash recovery.
//
// Commit first writes every dirty block image into a log placed after the
// end of the file, syncs it, and only then stores the log's offset in the
// meta area. The copy of block 0 in the log already carries that offset, so
// the pointer stays set while the blocks are applied. A crash at any point
// leaves either no pointer (nothing happened) or a complete, checksummed log
// that the next opener replays.
//
// Log layout: a 40-byte header {magic u32, count u32, new size u64, body
// length u64, raw length u64, xxh3 u64} followed by the zstd-compressed
// body, a sequence of {offset u64, length u32, bytes}.
package trivialdb

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/zeebo/xxh3"
)

const (
	recoveryMagic uint32 = 0xF53BC0E7
	logHeaderSize        = 40
	logEntryHeader       = 12
)

type logEntry struct {
	off  int64
	data []byte
}

// encodeLog builds the log for entries. newSize is the file size once the
// entries are applied.
func encodeLog(entries []logEntry, newSize int64) []byte {
	rawLen := 0
	for _, e := range entries {
		rawLen += logEntryHeader + len(e.data)
	}
	raw := make([]byte, 0, rawLen)
	for _, e := range entries {
		raw = binary.LittleEndian.AppendUint64(raw, uint64(e.off))
		raw = binary.LittleEndian.AppendUint32(raw, uint32(len(e.data)))
		raw = append(raw, e.data...)
	}
	body := compress(raw)

	buf := make([]byte, logHeaderSize, logHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:], recoveryMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(newSize))
	binary.LittleEndian.PutUint64(buf[16:], uint64(len(body)))
	binary.LittleEndian.PutUint64(buf[24:], uint64(rawLen))
	buf = append(buf, body...)
	binary.LittleEndian.PutUint64(buf[32:], logSum(buf))
	return buf
}

// logSum covers the header fields before the checksum and the body.
func logSum(buf []byte) uint64 {
	h := xxh3.New()
	h.Write(buf[:32])
	h.Write(buf[logHeaderSize:])
	return h.Sum64()
}

// readLog loads and verifies the log at off in s.
func readLog(s storage, off int64) ([]logEntry, int64, error) {
	fileSize, err := s.size()
	if err != nil {
		return nil, 0, err
	}
	if off <= 0 || off+logHeaderSize > fileSize {
		return nil, 0, fmt.Errorf("%w: recovery log at %d outside file of %d bytes", ErrCorrupt, off, fileSize)
	}
	hdr := make([]byte, logHeaderSize)
	if err := s.readAt(hdr, off); err != nil {
		return nil, 0, err
	}
	if magic := binary.LittleEndian.Uint32(hdr); magic != recoveryMagic {
		return nil, 0, fmt.Errorf("%w: bad recovery log magic %#x", ErrCorrupt, magic)
	}
	count := int(binary.LittleEndian.Uint32(hdr[4:]))
	newSize := int64(binary.LittleEndian.Uint64(hdr[8:]))
	bodyLen := int64(binary.LittleEndian.Uint64(hdr[16:]))
	rawLen := int64(binary.LittleEndian.Uint64(hdr[24:]))
	if bodyLen < 0 || off+logHeaderSize+bodyLen > fileSize || rawLen < 0 || rawLen > 1<<40 {
		return nil, 0, fmt.Errorf("%w: recovery log lengths out of range", ErrCorrupt)
	}

	buf := make([]byte, logHeaderSize+bodyLen)
	copy(buf, hdr)
	if err := s.readAt(buf[logHeaderSize:], off+logHeaderSize); err != nil {
		return nil, 0, err
	}
	if sum := binary.LittleEndian.Uint64(hdr[32:]); sum != logSum(buf) {
		return nil, 0, fmt.Errorf("%w: recovery log checksum mismatch", ErrCorrupt)
	}
	raw, err := decompress(buf[logHeaderSize:], int(rawLen))
	if err != nil {
		return nil, 0, fmt.Errorf("recovery log: %w", err)
	}

	entries := make([]logEntry, 0, count)
	for range count {
		if len(raw) < logEntryHeader {
			return nil, 0, fmt.Errorf("%w: truncated recovery log entry", ErrCorrupt)
		}
		e := logEntry{off: int64(binary.LittleEndian.Uint64(raw))}
		n := int(binary.LittleEndian.Uint32(raw[8:]))
		raw = raw[logEntryHeader:]
		if n > len(raw) || e.off < 0 || e.off+int64(n) > newSize {
			return nil, 0, fmt.Errorf("%w: recovery log entry at %d out of range", ErrCorrupt, e.off)
		}
		e.data, raw = raw[:n], raw[n:]
		entries = append(entries, e)
	}
	return entries, newSize, nil
}

// applyLog writes entries to the file, clears the recovery pointer and
// trims the file to newSize.
func (db *DB) applyLog(entries []logEntry, newSize int64, sync bool) error {
	for _, e := range entries {
		if err := db.base.writeAt(e.data, e.off); err != nil {
			return err
		}
	}
	if sync {
		if err := db.base.sync(); err != nil {
			return err
		}
	}
	var zero [8]byte
	if err := db.base.writeAt(zero[:], offRecovery); err != nil {
		return err
	}
	if err := db.base.truncate(newSize); err != nil {
		return err
	}
	if sync {
		return db.base.sync()
	}
	return nil
}

func (db *DB) recoveryPointer() (int64, error) {
	var buf [8]byte
	if err := db.base.readAt(buf[:], offRecovery); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// recover replays a pending recovery log. It runs during open, before the
// handle takes its active lock.
func (db *DB) recover() error {
	ptr, err := db.recoveryPointer()
	if err != nil || ptr == 0 {
		return err
	}
	if db.cfg.ReadOnly {
		return db.awaitCommit()
	}

	if err := db.locks.lock(lockTransaction, LockExclusive, true); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	defer db.locks.unlock(lockTransaction)
	if err := db.locks.lockAll(LockExclusive, true); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	defer db.locks.unlockAll(LockExclusive)

	// Another opener may have recovered while this one waited.
	if ptr, err = db.recoveryPointer(); err != nil || ptr == 0 {
		return err
	}
	return db.replay(ptr)
}

// awaitCommit lets a read-only opener wait out a live writer's commit. The
// pointer is also set while a healthy handle applies or holds a prepared
// commit; only a pointer that survives the transaction lock belongs to a
// crashed writer, and a read-only handle cannot replay it.
func (db *DB) awaitCommit() error {
	if err := db.locks.lock(lockTransaction, LockShared, true); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	ptr, err := db.recoveryPointer()
	if uerr := db.locks.unlock(lockTransaction); err == nil {
		err = uerr
	}
	if err != nil || ptr == 0 {
		return err
	}
	return fmt.Errorf("%w: database needs recovery", ErrReadOnly)
}

func (db *DB) replay(ptr int64) error {
	log := db.opLogger("recovery")
	entries, newSize, err := readLog(db.base, ptr)
	if err != nil {
		log.Error("unusable recovery log", slog.Int64("offset", ptr), slog.Any("err", err))
		return err
	}
	if err := db.applyLog(entries, newSize, true); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	log.Warn("replayed interrupted commit",
		slog.Int("blocks", len(entries)), slog.Int64("size", newSize))
	return nil
}
