// Record headers.
//
// Every span of the record area starts with the same 32-byte header. Live
// records and tombstones sit on bucket chains, free spans on freelists; the
// magic tells them apart. rec_len counts the bytes after the header that
// belong to the span, so a span covers recHeaderSize+rec_len bytes.
package trivialdb

import (
	"encoding/binary"
	"fmt"
)

// Record magic values.
const (
	magicLive uint32 = 0x26011999
	magicDead uint32 = 0xFEE1DEAD
	magicFree uint32 = 0xD9FEE666
)

const (
	recHeaderSize = 32
	recAlign      = 8
	// minSplit is the smallest remainder worth returning to a freelist.
	minSplit = recHeaderSize + recAlign
)

// record is the decoded form of a span header.
type record struct {
	next    int64  // next record on the chain or freelist, 0 at the end
	recLen  int64  // payload bytes allocated after the header
	keyLen  uint32 // key bytes at the start of the payload
	dataLen uint32 // value bytes following the key
	hash    uint32 // full hash of the key
	magic   uint32
}

// span returns the total bytes the record occupies in the file.
func (r *record) span() int64 {
	return recHeaderSize + r.recLen
}

// room returns how many value bytes fit without reallocating.
func (r *record) room() int64 {
	return r.recLen - int64(r.keyLen)
}

func decodeRecord(buf []byte) record {
	return record{
		next:    int64(binary.LittleEndian.Uint64(buf[0:])),
		recLen:  int64(binary.LittleEndian.Uint64(buf[8:])),
		keyLen:  binary.LittleEndian.Uint32(buf[16:]),
		dataLen: binary.LittleEndian.Uint32(buf[20:]),
		hash:    binary.LittleEndian.Uint32(buf[24:]),
		magic:   binary.LittleEndian.Uint32(buf[28:]),
	}
}

func (r *record) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(r.next))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.recLen))
	binary.LittleEndian.PutUint32(buf[16:], r.keyLen)
	binary.LittleEndian.PutUint32(buf[20:], r.dataLen)
	binary.LittleEndian.PutUint32(buf[24:], r.hash)
	binary.LittleEndian.PutUint32(buf[28:], r.magic)
}

// payloadSize rounds a key+value length up to the record alignment.
func payloadSize(keyLen, dataLen int) int64 {
	return alignUp(int64(keyLen)+int64(dataLen), recAlign)
}

// readRecord loads and sanity-checks the header at off.
func (db *DB) readRecord(off int64) (record, error) {
	if off < db.layout.dataStart || off%recAlign != 0 {
		return record{}, fmt.Errorf("%w: record offset %d outside record area", ErrCorrupt, off)
	}
	if err := db.bounds(off, recHeaderSize); err != nil {
		return record{}, err
	}
	var buf [recHeaderSize]byte
	if err := db.read(off, buf[:]); err != nil {
		return record{}, err
	}
	rec := decodeRecord(buf[:])
	switch rec.magic {
	case magicLive, magicDead, magicFree:
	default:
		return record{}, fmt.Errorf("%w: bad record magic %#x at %d", ErrCorrupt, rec.magic, off)
	}
	if rec.recLen < 0 || rec.recLen%recAlign != 0 || int64(rec.keyLen)+int64(rec.dataLen) > rec.recLen {
		return record{}, fmt.Errorf("%w: bad record lengths at %d", ErrCorrupt, off)
	}
	if err := db.bounds(off, rec.span()); err != nil {
		return record{}, err
	}
	return rec, nil
}

func (db *DB) writeRecord(off int64, rec *record) error {
	var buf [recHeaderSize]byte
	rec.encode(buf[:])
	return db.write(off, buf[:])
}

// readKey returns a copy of the key stored at off.
func (db *DB) readKey(off int64, rec *record) ([]byte, error) {
	key := make([]byte, rec.keyLen)
	if err := db.read(off+recHeaderSize, key); err != nil {
		return nil, err
	}
	return key, nil
}

// readValue returns a copy of the value stored at off. The caller owns it.
func (db *DB) readValue(off int64, rec *record) ([]byte, error) {
	val := make([]byte, rec.dataLen)
	if err := db.read(off+recHeaderSize+int64(rec.keyLen), val); err != nil {
		return nil, err
	}
	return val, nil
}
