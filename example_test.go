package trivialdb_test

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jpl-au/trivialdb"
)

func Example() {
	dir, _ := os.MkdirTemp("", "trivialdb-example")
	defer os.RemoveAll(dir)

	// Open or create a database
	db, err := trivialdb.Open(filepath.Join(dir, "app.tdb"), trivialdb.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	db.Store([]byte("greeting"), []byte("Hello, World!"), trivialdb.StoreDefault)

	value, ok, _ := db.Fetch([]byte("greeting"))
	fmt.Println(ok, string(value))
	// Output: true Hello, World!
}

func ExampleDB_Store() {
	db, _ := trivialdb.OpenMemory(trivialdb.Config{})
	defer db.Close()

	db.Store([]byte("k"), []byte("v1"), trivialdb.StoreInsert)

	// A second insert of the same key is refused
	err := db.Store([]byte("k"), []byte("v2"), trivialdb.StoreInsert)
	fmt.Println(trivialdb.CodeOf(err))

	// Replace only works on keys that exist
	err = db.Store([]byte("missing"), []byte("v"), trivialdb.StoreReplace)
	fmt.Println(trivialdb.CodeOf(err))
	// Output:
	// Exists
	// NoExist
}

func ExampleDB_Append() {
	db, _ := trivialdb.OpenMemory(trivialdb.Config{})
	defer db.Close()

	db.Append([]byte("log"), []byte("one,"))
	db.Append([]byte("log"), []byte("two"))

	value, _, _ := db.Fetch([]byte("log"))
	fmt.Println(string(value))
	// Output: one,two
}

func ExampleDB_TransactionStart() {
	db, _ := trivialdb.OpenMemory(trivialdb.Config{})
	defer db.Close()

	db.Store([]byte("balance"), []byte("100"), trivialdb.StoreDefault)

	if err := db.TransactionStart(); err != nil {
		log.Fatal(err)
	}
	db.Store([]byte("balance"), []byte("0"), trivialdb.StoreDefault)
	db.TransactionCancel()

	value, _, _ := db.Fetch([]byte("balance"))
	fmt.Println(string(value))
	// Output: 100
}

func ExampleDB_Keys() {
	db, _ := trivialdb.OpenMemory(trivialdb.Config{HashSize: 1})
	defer db.Close()

	for _, k := range []string{"a", "b", "c"} {
		db.Store([]byte(k), nil, trivialdb.StoreDefault)
	}

	n := 0
	for _, err := range db.Keys() {
		if err != nil {
			log.Fatal(err)
		}
		n++
	}
	fmt.Println(n, "keys")
	// Output: 3 keys
}

func ExampleDB_Dump() {
	src, _ := trivialdb.OpenMemory(trivialdb.Config{})
	defer src.Close()
	src.Store([]byte("k"), []byte("v"), trivialdb.StoreDefault)

	var backup bytes.Buffer
	src.Dump(&backup)

	dst, _ := trivialdb.OpenMemory(trivialdb.Config{})
	defer dst.Close()
	n, _ := dst.Restore(&backup)

	value, _, _ := dst.Fetch([]byte("k"))
	fmt.Println(n, string(value))
	// Output: 1 v
}
