//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package trivialdb

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMutexDB(t *testing.T, path string) *DB {
	t.Helper()
	return openTestPath(t, path, Config{Flags: MutexLocking | ClearIfFirst, HashSize: 7})
}

func TestMutexLayout(t *testing.T) {
	db := openMutexDB(t, filepath.Join(t.TempDir(), "mutex.tdb"))
	l := db.layout
	assert.Zero(t, l.mutexOff%mutexAlignment)
	assert.Equal(t, int64(8*mutexWords(7, 1)), l.mutexLen)
	assert.Zero(t, l.dataStart%blockSize)
	assert.GreaterOrEqual(t, l.dataStart, l.mutexOff+l.mutexLen)

	mustStore(t, db, "k", "v")
	assert.Equal(t, "v", mustFetch(t, db, "k"))
	requireCheck(t, db)
}

func TestMutexRequiresClearIfFirst(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "m.tdb"), Config{Flags: MutexLocking})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMutexCrossHandle(t *testing.T) {
	requireMultiHandle(t)
	path := filepath.Join(t.TempDir(), "mutex.tdb")
	a := openMutexDB(t, path)
	b := openMutexDB(t, path)

	mustStore(t, a, "k", "from a")
	assert.Equal(t, "from a", mustFetch(t, b, "k"))

	require.NoError(t, a.ChainLock([]byte("k")))
	assert.ErrorIs(t, b.ChainLockNonblock([]byte("k")), ErrLock)
	assert.ErrorIs(t, b.LockAllNonblock(), ErrLock)
	require.NoError(t, a.ChainUnlock([]byte("k")))

	require.NoError(t, b.TransactionStart())
	mustStore(t, b, "k", "from b")
	require.NoError(t, b.TransactionCommit())
	assert.Equal(t, "from b", mustFetch(t, a, "k"))
}

// TestMutexDeadOwnerTakeover plants an owner word naming a process that
// cannot exist; the next acquirer takes the lock over.
func TestMutexDeadOwnerTakeover(t *testing.T) {
	db := openMutexDB(t, filepath.Join(t.TempDir(), "dead.tdb"))
	ml, ok := db.locks.l.(*mutexLocker)
	require.True(t, ok)

	const ghost = uint64(0x7ffffff0)<<32 | 1
	b := db.bucket(db.hash([]byte("k")))
	w := ml.word(int64(b) + 1)
	atomic.StoreUint64(w, ghost)

	require.NoError(t, db.ChainLockNonblock([]byte("k")))
	assert.Equal(t, ml.owner, atomic.LoadUint64(w))
	require.NoError(t, db.ChainUnlock([]byte("k")))
	assert.Zero(t, atomic.LoadUint64(w))
}

func TestMutexLiveOwnerBlocks(t *testing.T) {
	db := openMutexDB(t, filepath.Join(t.TempDir(), "live.tdb"))
	ml := db.locks.l.(*mutexLocker)

	// Same pid, different token: another handle in this process.
	other := ml.owner ^ 0xffff
	w := ml.word(0)
	atomic.StoreUint64(w, other)
	assert.ErrorIs(t, db.LockAllNonblock(), ErrLock)
	atomic.StoreUint64(w, 0)
	require.NoError(t, db.LockAllNonblock())
	require.NoError(t, db.UnlockAll())
}

func TestOwnerDead(t *testing.T) {
	assert.False(t, ownerDead(0))
	assert.False(t, ownerDead(uint64(os.Getpid())<<32))
	assert.True(t, ownerDead(uint64(0x7ffffff0)<<32))
}
