package trivialdb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncode(t *testing.T) {
	hdr := &Header{
		Magic:     magicString,
		Version:   formatVersion,
		HashSize:  131,
		Freelists: 1,
		Flags:     IncompatibleHash,
		Timestamp: 1760000000000,
	}
	buf, err := hdr.encode()
	require.NoError(t, err)
	require.Len(t, buf, DescriptorSize)
	assert.Equal(t, byte('\n'), buf[DescriptorSize-1])
	assert.True(t, bytes.HasPrefix(buf, []byte(`{"magic":"trivialdb"`)))

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)
}

func TestDecodeHeaderRejects(t *testing.T) {
	tests := []struct {
		name string
		desc string
	}{
		{"not json", "garbage"},
		{"wrong magic", `{"magic":"otherdb","_v":1,"hash_size":1,"freelists":1}`},
		{"future version", `{"magic":"trivialdb","_v":9,"hash_size":1,"freelists":1}`},
		{"no buckets", `{"magic":"trivialdb","_v":1,"hash_size":0,"freelists":1}`},
		{"no freelists", `{"magic":"trivialdb","_v":1,"hash_size":1,"freelists":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Repeat([]byte{' '}, DescriptorSize)
			copy(buf, tt.desc)
			_, err := decodeHeader(buf)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestLayout(t *testing.T) {
	plain := (&Header{HashSize: 131, Freelists: 1}).layout()
	assert.Equal(t, int64(offFreelist+8), plain.dirOff)
	assert.Zero(t, plain.mutexOff)
	assert.Equal(t, int64(blockSize), plain.dataStart)
	assert.Equal(t, plain.dirOff+8*5, plain.bucketOff(5))
	assert.Equal(t, int64(offFreelist), plain.freelistOff(0))

	big := (&Header{HashSize: 10000, Freelists: 8}).layout()
	assert.Equal(t, alignUp(offFreelist+8*8+8*10000, blockSize), big.dataStart)

	mutex := (&Header{HashSize: 131, Freelists: 1, Flags: MutexLocking}).layout()
	assert.Equal(t, int64(mutexAlignment), mutex.mutexOff)
	assert.Equal(t, int64(8*mutexWords(131, 1)), mutex.mutexLen)
	assert.Equal(t, alignUp(mutex.mutexOff+mutex.mutexLen, blockSize), mutex.dataStart)
}

func TestInitImage(t *testing.T) {
	hdr := &Header{Magic: magicString, Version: formatVersion, HashSize: 3, Freelists: 2}
	img, err := hdr.initImage()
	require.NoError(t, err)
	assert.Len(t, img, blockSize)
	assert.Equal(t, uint64(blockSize), binary.LittleEndian.Uint64(img[offMapSize:]))
	assert.Zero(t, binary.LittleEndian.Uint64(img[offSeqnum:]))
	assert.Zero(t, binary.LittleEndian.Uint64(img[offRecovery:]))
}

func TestRecordCodec(t *testing.T) {
	rec := record{next: 8192, recLen: 48, keyLen: 5, dataLen: 40, hash: 0xdeadbeef, magic: magicLive}
	var buf [recHeaderSize]byte
	rec.encode(buf[:])
	assert.Equal(t, rec, decodeRecord(buf[:]))
	assert.Equal(t, int64(80), rec.span())
	assert.Equal(t, int64(43), rec.room())
}

func TestPayloadSize(t *testing.T) {
	assert.Equal(t, int64(0), payloadSize(0, 0))
	assert.Equal(t, int64(8), payloadSize(1, 0))
	assert.Equal(t, int64(8), payloadSize(3, 5))
	assert.Equal(t, int64(16), payloadSize(3, 6))
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "0", Flag(0).String())
	assert.Equal(t, "NoLock|Volatile", (NoLock | Volatile).String())
	assert.Equal(t, "Seqnum|0x10000", (Seqnum | 1<<16).String())
}
