// Key hashing.
//
// Two algorithms are supported and chosen when the file is created: the
// legacy multiplicative hash, and Bob Jenkins' lookup3 (hashlittle), which
// distributes far better and is selected with IncompatibleHash. The choice
// is recorded in the descriptor so every opener buckets keys the same way.
package trivialdb

import (
	"encoding/binary"
	"math/bits"
)

// Hash returns the lookup3 hash of key, the digest used by databases created
// with IncompatibleHash. It does not need an open handle.
func Hash(key []byte) uint32 {
	return hashlittle(key, 0)
}

// LegacyHash returns the hash used by databases created without
// IncompatibleHash.
func LegacyHash(key []byte) uint32 {
	value := 0x238F13AF * uint32(len(key))
	for i, b := range key {
		value += uint32(b) << (uint(i) * 5 % 24)
	}
	return 1103515243*value + 12345
}

func hashFor(flags Flag) func([]byte) uint32 {
	if flags&IncompatibleHash != 0 {
		return Hash
	}
	return LegacyHash
}

func hashlittle(key []byte, initval uint32) uint32 {
	a := 0xdeadbeef + uint32(len(key)) + initval
	b, c := a, a

	k := key
	for len(k) > 12 {
		a += binary.LittleEndian.Uint32(k[0:])
		b += binary.LittleEndian.Uint32(k[4:])
		c += binary.LittleEndian.Uint32(k[8:])
		a, b, c = mix(a, b, c)
		k = k[12:]
	}

	// Last block: bytes are added in little-endian position order, and the
	// empty tail returns c without the final mix.
	if len(k) == 0 {
		return c
	}
	var tail [12]byte
	copy(tail[:], k)
	a += binary.LittleEndian.Uint32(tail[0:])
	b += binary.LittleEndian.Uint32(tail[4:])
	c += binary.LittleEndian.Uint32(tail[8:])
	_, _, c = final(a, b, c)
	return c
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= bits.RotateLeft32(c, 4)
	c += b
	b -= a
	b ^= bits.RotateLeft32(a, 6)
	a += c
	c -= b
	c ^= bits.RotateLeft32(b, 8)
	b += a
	a -= c
	a ^= bits.RotateLeft32(c, 16)
	c += b
	b -= a
	b ^= bits.RotateLeft32(a, 19)
	a += c
	c -= b
	c ^= bits.RotateLeft32(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= bits.RotateLeft32(b, 14)
	a ^= c
	a -= bits.RotateLeft32(c, 11)
	b ^= a
	b -= bits.RotateLeft32(a, 25)
	c ^= b
	c -= bits.RotateLeft32(b, 16)
	a ^= c
	a -= bits.RotateLeft32(c, 4)
	b ^= a
	b -= bits.RotateLeft32(a, 14)
	c ^= b
	c -= bits.RotateLeft32(b, 24)
	return a, b, c
}
