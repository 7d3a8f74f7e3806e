// Backup and restore.
//
// Dump writes every record as a line of JSON, {"k": key, "v": value} with
// both fields base64 encoded, through a zstd stream. Restore reads such a
// stream back inside a single transaction, so a failed restore leaves the
// database as it was.
package trivialdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

type dumpLine struct {
	Key   []byte `json:"k"`
	Value []byte `json:"v"`
}

// Dump writes a consistent snapshot of the database to w and returns the
// number of records written.
func (db *DB) Dump(w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("dump: %w", err)
	}
	enc := json.NewEncoder(zw)

	var encErr error
	n, err := db.Traverse(func(key, value []byte) bool {
		encErr = enc.Encode(dumpLine{Key: key, Value: value})
		return encErr == nil
	})
	if err == nil {
		err = encErr
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("dump: %w", err)
	}
	return n, nil
}

// Restore stores every record of a Dump stream, replacing existing keys,
// and returns the number restored. Keys not in the stream are left alone.
func (db *DB) Restore(r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	defer zr.Close()

	if err := db.TransactionStart(); err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}

	n, err := db.restore(bufio.NewReader(zr))
	if err != nil {
		if cerr := db.TransactionCancel(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return 0, fmt.Errorf("restore: %w", err)
	}
	if err := db.TransactionCommit(); err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	return n, nil
}

func (db *DB) restore(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	n := 0
	for {
		var line dumpLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("record %d: %w", n+1, err)
		}
		if err := db.Store(line.Key, line.Value, StoreDefault); err != nil {
			return n, err
		}
		n++
	}
}
