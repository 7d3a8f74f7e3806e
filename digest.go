package trivialdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// Digest returns a BLAKE2b-256 fingerprint of the database contents. It
// depends only on the set of key/value pairs, not on hash size, record
// placement or history, so two databases holding the same data have the
// same digest.
func (db *DB) Digest() ([32]byte, error) {
	var recs []Entry
	if _, err := db.Traverse(func(key, value []byte) bool {
		recs = append(recs, Entry{Key: key, Value: value})
		return true
	}); err != nil {
		return [32]byte{}, fmt.Errorf("digest: %w", err)
	}
	slices.SortFunc(recs, func(a, b Entry) int {
		return bytes.Compare(a.Key, b.Key)
	})

	h, _ := blake2b.New256(nil)
	var n [4]byte
	for _, e := range recs {
		binary.LittleEndian.PutUint32(n[:], uint32(len(e.Key)))
		h.Write(n[:])
		h.Write(e.Key)
		binary.LittleEndian.PutUint32(n[:], uint32(len(e.Value)))
		h.Write(n[:])
		h.Write(e.Value)
	}
	var sum [32]byte
	h.Sum(sum[:0])
	return sum, nil
}
