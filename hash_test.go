package trivialdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestHashKnownVectors pins lookup3 against the values published with the
// reference implementation. Files created with IncompatibleHash bucket keys
// by this function, so any drift would strand every existing key.
func TestHashKnownVectors(t *testing.T) {
	tests := []struct {
		key     string
		initval uint32
		want    uint32
	}{
		{"", 0, 0xdeadbeef},
		{"Four score and seven years ago", 0, 0x17770551},
		{"Four score and seven years ago", 1, 0xcd628161},
		{"a", 0, 0x58d68708},
		{"foo", 0, 0xe18f6896},
		{"hello world", 0, 0x4aa94e65},
		{"0123456789ab", 0, 0x1065e50a},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hashlittle([]byte(tt.key), tt.initval), "key %q initval %d", tt.key, tt.initval)
	}
	assert.Equal(t, uint32(0x17770551), Hash([]byte("Four score and seven years ago")))
}

func TestLegacyHashKnownVectors(t *testing.T) {
	tests := []struct {
		key  string
		want uint32
	}{
		{"", 12345},
		{"a", 0x094a72e9},
		{"foo", 0x1bf8b3ea},
		{"hello world", 0x0940e158},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LegacyHash([]byte(tt.key)), "key %q", tt.key)
	}
}

func TestHashFor(t *testing.T) {
	key := []byte("bucket me")
	assert.Equal(t, Hash(key), hashFor(IncompatibleHash)(key))
	assert.Equal(t, LegacyHash(key), hashFor(0)(key))
}

// TestHashTailBytes checks that every tail length of the final block is
// mixed in: keys differing only in their last byte must hash apart.
func TestHashTailBytes(t *testing.T) {
	for n := 1; n <= 24; n++ {
		a := make([]byte, n)
		b := make([]byte, n)
		b[n-1] = 1
		assert.NotEqual(t, Hash(a), Hash(b), "length %d", n)
	}
}
