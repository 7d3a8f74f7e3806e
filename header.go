// File layout and the descriptor block.
//
// The file opens with a 128-byte descriptor: a JSON object padded with
// spaces and terminated with a newline, written once when the file is
// created or cleared. Binary meta words follow at fixed offsets (sequence
// number, recovery log pointer, map size), then the freelist heads and the
// bucket directory. With MutexLocking a 64 KiB aligned mutex area follows.
// Records start at the next 4 KiB boundary.
package trivialdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	json "github.com/goccy/go-json"
)

// DescriptorSize is the fixed size of the JSON descriptor in bytes.
const DescriptorSize = 128

const (
	magicString   = "trivialdb"
	formatVersion = 1

	offSeqnum   = 128 // u64 change counter
	offRecovery = 136 // u64 redo log offset, 0 when none
	offMapSize  = 144 // u64 logical end of the record area
	offFreelist = 160 // u64 heads, one per freelist

	blockSize      = 4096
	mutexAlignment = 64 * 1024
)

// Header is the descriptor stored at the start of the file.
type Header struct {
	Magic     string `json:"magic"`
	Version   int    `json:"_v"`
	HashSize  uint32 `json:"hash_size"`
	Freelists uint32 `json:"freelists"`
	Flags     Flag   `json:"flags"` // format flags only
	Timestamp int64  `json:"_ts"`   // unix milliseconds at creation
}

// layout holds the offsets derived from a Header.
type layout struct {
	hashSize  uint32
	freelists uint32
	dirOff    int64 // bucket directory
	mutexOff  int64 // mutex area, 0 without MutexLocking
	mutexLen  int64
	dataStart int64 // first record
}

func (h *Header) layout() layout {
	l := layout{hashSize: h.HashSize, freelists: h.Freelists}
	l.dirOff = offFreelist + 8*int64(h.Freelists)
	end := l.dirOff + 8*int64(h.HashSize)
	if h.Flags&MutexLocking != 0 {
		l.mutexOff = alignUp(end, mutexAlignment)
		l.mutexLen = 8 * int64(mutexWords(h.HashSize, h.Freelists))
		end = l.mutexOff + l.mutexLen
	}
	l.dataStart = alignUp(end, blockSize)
	return l
}

func (l layout) bucketOff(b uint32) int64 {
	return l.dirOff + 8*int64(b)
}

func (l layout) freelistOff(i uint32) int64 {
	return offFreelist + 8*int64(i)
}

// decodeHeader parses the descriptor block.
func decodeHeader(buf []byte) (*Header, error) {
	var hdr Header
	if err := json.Unmarshal(bytes.TrimSpace(buf), &hdr); err != nil {
		return nil, fmt.Errorf("%w: descriptor: %w", ErrCorrupt, err)
	}
	if hdr.Magic != magicString {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, hdr.Magic)
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, hdr.Version)
	}
	if hdr.HashSize == 0 || hdr.Freelists == 0 {
		return nil, fmt.Errorf("%w: empty directory", ErrCorrupt)
	}
	return &hdr, nil
}

// encode serialises the descriptor to exactly DescriptorSize bytes.
func (h *Header) encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(data) > DescriptorSize-1 {
		return nil, fmt.Errorf("%w: descriptor too large", ErrInvalid)
	}

	buf := make([]byte, DescriptorSize)
	copy(buf, data)
	for i := len(data); i < DescriptorSize-1; i++ {
		buf[i] = ' '
	}
	buf[DescriptorSize-1] = '\n'
	return buf, nil
}

// initImage returns the bytes of an empty database: descriptor, zeroed
// meta, freelists and directory, with the map size set to dataStart.
func (h *Header) initImage() ([]byte, error) {
	desc, err := h.encode()
	if err != nil {
		return nil, err
	}
	l := h.layout()
	img := make([]byte, l.dataStart)
	copy(img, desc)
	binary.LittleEndian.PutUint64(img[offMapSize:], uint64(l.dataStart))
	return img, nil
}

func alignUp(v, to int64) int64 {
	return (v + to - 1) / to * to
}
