// Handle lifecycle tests.
//
// Each handle owns its descriptor, storage view and locks; several handles
// on one path behave like several processes. These tests cover creation,
// reopening, the POSIX open flags, ClearIfFirst, read-only handles and the
// introspection accessors.
package trivialdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t testing.TB) *DB {
	t.Helper()
	return openTestPath(t, filepath.Join(t.TempDir(), "test.tdb"), Config{})
}

func openTestPath(t testing.TB, path string, cfg Config) *DB {
	t.Helper()
	db, err := Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openMemoryDB(t testing.TB, cfg Config) *DB {
	t.Helper()
	db, err := OpenMemory(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// requireMultiHandle skips tests that open one file through several
// handles in a single process.
func requireMultiHandle(t testing.TB) {
	t.Helper()
	if !multiHandle {
		t.Skip("file locks are per process on this platform")
	}
}

func mustFetch(t testing.TB, db *DB, key string) string {
	t.Helper()
	val, ok, err := db.Fetch([]byte(key))
	require.NoError(t, err)
	require.True(t, ok, "key %q missing", key)
	return string(val)
}

func mustStore(t testing.TB, db *DB, key, value string) {
	t.Helper()
	require.NoError(t, db.Store([]byte(key), []byte(value), StoreDefault))
}

func TestOpenCreateNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.tdb")
	db := openTestPath(t, path, Config{})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, db.layout.dataStart, info.Size())
	assert.Equal(t, path, db.Name())
	assert.Equal(t, uint32(DefaultHashSize), db.HashSize())

	size, err := db.MapSize()
	require.NoError(t, err)
	assert.Equal(t, db.layout.dataStart, size)
}

// TestOpenPersists verifies that data written by one handle is read back
// after close by a fresh handle that does not know the hash size.
func TestOpenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.tdb")
	db, err := Open(path, Config{HashSize: 17, Flags: IncompatibleHash})
	require.NoError(t, err)
	mustStore(t, db, "alpha", "one")
	mustStore(t, db, "beta", "two")
	require.NoError(t, db.Close())

	db = openTestPath(t, path, Config{})
	assert.Equal(t, uint32(17), db.HashSize())
	assert.NotZero(t, db.Flags()&IncompatibleHash, "hash flag comes from the file")
	assert.Equal(t, "one", mustFetch(t, db, "alpha"))
	assert.Equal(t, "two", mustFetch(t, db, "beta"))
}

func TestOpenWithoutCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.tdb")
	_, err := Open(path, Config{OpenFlags: os.O_RDWR})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, err, ErrIO)
}

func TestOpenExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "excl.tdb")
	db, err := Open(path, Config{OpenFlags: os.O_CREATE | os.O_EXCL})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, Config{OpenFlags: os.O_CREATE | os.O_EXCL})
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestOpenTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.tdb")
	db, err := Open(path, Config{})
	require.NoError(t, err)
	mustStore(t, db, "k", "v")
	require.NoError(t, db.Close())

	db = openTestPath(t, path, Config{OpenFlags: os.O_CREATE | os.O_TRUNC})
	_, ok, err := db.Fetch([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.tdb")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database at all"), 0o600))

	_, err := Open(path, Config{})
	assert.ErrorIs(t, err, ErrCorrupt)
}

// TestOpenHashMismatch verifies that asking for the lookup3 hash on a file
// created with the legacy hash is refused. Bucketing keys with a different
// hash than the creator would make every existing key unreachable.
func TestOpenHashMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.tdb")
	db, err := Open(path, Config{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, Config{Flags: IncompatibleHash})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestClearIfFirst(t *testing.T) {
	requireMultiHandle(t)
	path := filepath.Join(t.TempDir(), "clear.tdb")
	db, err := Open(path, Config{Flags: ClearIfFirst})
	require.NoError(t, err)
	mustStore(t, db, "k", "v")

	// A second opener while the first is alive must not clear.
	db2 := openTestPath(t, path, Config{Flags: ClearIfFirst})
	assert.Equal(t, "v", mustFetch(t, db2, "k"))
	require.NoError(t, db2.Close())
	require.NoError(t, db.Close())

	// The next first opener starts empty.
	db = openTestPath(t, path, Config{Flags: ClearIfFirst})
	_, ok, err := db.Fetch([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.tdb")
	db, err := Open(path, Config{})
	require.NoError(t, err)
	mustStore(t, db, "k", "v")
	require.NoError(t, db.Close())

	ro := openTestPath(t, path, Config{ReadOnly: true})
	assert.Equal(t, "v", mustFetch(t, ro, "k"))
	assert.ErrorIs(t, ro.Store([]byte("k"), []byte("w"), StoreDefault), ErrReadOnly)
	assert.ErrorIs(t, ro.Delete([]byte("k")), ErrReadOnly)
	assert.ErrorIs(t, ro.Append([]byte("k"), []byte("w")), ErrReadOnly)
	assert.ErrorIs(t, ro.TransactionStart(), ErrReadOnly)
	assert.ErrorIs(t, ro.WipeAll(), ErrReadOnly)
	assert.ErrorIs(t, ro.LockAll(), ErrReadOnly)

	require.NoError(t, ro.LockAllRead())
	require.NoError(t, ro.UnlockAllRead())
}

func TestReadOnlyClearIfFirstInvalid(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.tdb"), Config{ReadOnly: true, Flags: ClearIfFirst})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCloseTwice(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "close.tdb"), Config{})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), ErrClosed)

	_, _, err = db.Fetch([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Store([]byte("k"), nil, StoreDefault), ErrClosed)
}

func TestReopen(t *testing.T) {
	db := openTestDB(t)
	mustStore(t, db, "k", "v")
	require.NoError(t, db.Reopen())
	assert.NotEqual(t, -1, db.Fd())
	assert.Equal(t, "v", mustFetch(t, db, "k"))
	mustStore(t, db, "k2", "v2")
	assert.Equal(t, "v2", mustFetch(t, db, "k2"))
}

func TestReopenRefusedWithLocks(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.LockAll())
	assert.ErrorIs(t, db.Reopen(), ErrLock)
	require.NoError(t, db.UnlockAll())

	require.NoError(t, db.TransactionStart())
	assert.ErrorIs(t, db.Reopen(), ErrInvalid)
	require.NoError(t, db.TransactionCancel())
	require.NoError(t, db.Reopen())
}

func TestOpenMemory(t *testing.T) {
	db := openMemoryDB(t, Config{HashSize: 7})
	assert.Equal(t, MemoryName, db.Name())
	assert.Equal(t, -1, db.Fd())
	assert.Equal(t, uint32(7), db.HashSize())
	assert.NotZero(t, db.Flags()&Internal)
	require.NoError(t, db.Reopen())

	mustStore(t, db, "k", "v")
	assert.Equal(t, "v", mustFetch(t, db, "k"))
}

func TestInternalFlagIgnoresPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never-created.tdb")
	db := openTestPath(t, path, Config{Flags: Internal})
	mustStore(t, db, "k", "v")

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSeqnum(t *testing.T) {
	db := openMemoryDB(t, Config{})
	n, err := db.Seqnum()
	require.NoError(t, err)
	assert.Zero(t, n)

	mustStore(t, db, "a", "1")
	n, _ = db.Seqnum()
	assert.Zero(t, n, "seqnum only moves when enabled")

	db.EnableSeqnum()
	mustStore(t, db, "a", "2")
	require.NoError(t, db.Append([]byte("a"), []byte("3")))
	require.NoError(t, db.Delete([]byte("a")))
	n, _ = db.Seqnum()
	assert.Equal(t, uint64(3), n)

	require.NoError(t, db.IncrementSeqnumNonblock())
	n, _ = db.Seqnum()
	assert.Equal(t, uint64(4), n)
}

func TestSeqnumOncePerTransaction(t *testing.T) {
	db := openTestPath(t, filepath.Join(t.TempDir(), "seq.tdb"), Config{Flags: Seqnum})
	require.NoError(t, db.TransactionStart())
	for _, k := range []string{"a", "b", "c"} {
		mustStore(t, db, k, k)
	}
	require.NoError(t, db.TransactionCommit())

	n, err := db.Seqnum()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	// An empty transaction does not count.
	require.NoError(t, db.TransactionStart())
	require.NoError(t, db.TransactionCommit())
	n, _ = db.Seqnum()
	assert.Equal(t, uint64(1), n)
}

func TestRuntimeFlags(t *testing.T) {
	db := openMemoryDB(t, Config{})

	require.NoError(t, db.AddFlags(NoSync|Seqnum))
	assert.Equal(t, NoSync|Seqnum, db.Flags()&(NoSync|Seqnum))
	require.NoError(t, db.RemoveFlags(NoSync))
	assert.Zero(t, db.Flags()&NoSync)

	require.NoError(t, db.AddFlags(AllowNesting))
	require.NoError(t, db.AddFlags(DisallowNesting))
	assert.Zero(t, db.Flags()&AllowNesting, "DisallowNesting clears AllowNesting")

	assert.ErrorIs(t, db.AddFlags(NoMmap), ErrInvalid)
	assert.ErrorIs(t, db.RemoveFlags(IncompatibleHash), ErrInvalid)
}

func TestSetMaxDead(t *testing.T) {
	db := openMemoryDB(t, Config{})
	assert.ErrorIs(t, db.SetMaxDead(-1), ErrInvalid)
	require.NoError(t, db.SetMaxDead(2))
	assert.Equal(t, 2, db.cfg.MaxDead)
}
