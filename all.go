// Lazy enumeration over range-over-func iterators.
//
// Keys and All are built on FirstKey/NextKey, so the handle is not locked
// between steps and the loop body may call back into the database, delete
// the current key included. For a consistent snapshot use Traverse.
package trivialdb

import "iter"

// Entry is a key/value pair yielded by All.
type Entry struct {
	Key   []byte
	Value []byte
}

// Keys yields every key. Iteration stops at the first error, which is
// yielded with a nil key.
func (db *DB) Keys() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		key, ok, err := db.FirstKey()
		for ; ok && err == nil; key, ok, err = db.NextKey(key) {
			if !yield(key, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// All yields every record. Keys deleted between the key step and the
// value fetch are skipped.
func (db *DB) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for key, err := range db.Keys() {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			val, ok, err := db.Fetch(key)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(Entry{Key: key, Value: val}, nil) {
				return
			}
		}
	}
}
