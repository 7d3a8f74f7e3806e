package trivialdb

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestConcurrentReads(t *testing.T) {
	db := openTestDB(t)
	mustStore(t, db, "doc", "content")

	g, _ := errgroup.WithContext(context.Background())
	for range 10 {
		g.Go(func() error {
			for range 100 {
				val, ok, err := db.Fetch([]byte("doc"))
				if err != nil {
					return err
				}
				if !ok || string(val) != "content" {
					return fmt.Errorf("Fetch = %q, %v", val, ok)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestConcurrentHandles gives each goroutine its own handle on one file,
// the way separate processes would share it, and has them write disjoint
// keys and bump a shared counter with Append under the chain lock.
func TestConcurrentHandles(t *testing.T) {
	requireMultiHandle(t)
	path := filepath.Join(t.TempDir(), "shared.tdb")
	const workers, perWorker = 6, 60

	g, _ := errgroup.WithContext(context.Background())
	for w := range workers {
		g.Go(func() error {
			db, err := Open(path, Config{HashSize: 17})
			if err != nil {
				return err
			}
			defer db.Close()
			for i := range perWorker {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := db.Store([]byte(key), []byte(key), StoreInsert); err != nil {
					return fmt.Errorf("store %s: %w", key, err)
				}
				if err := db.Append([]byte("log"), []byte{'.'}); err != nil {
					return fmt.Errorf("append: %w", err)
				}
				if i%10 == 0 {
					if err := db.Delete([]byte(key)); err != nil {
						return fmt.Errorf("delete %s: %w", key, err)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	db := openTestPath(t, path, Config{})
	assert.Len(t, mustFetch(t, db, "log"), workers*perWorker)
	for w := range workers {
		for i := range perWorker {
			key := fmt.Sprintf("w%d-%d", w, i)
			ok, err := db.Exists([]byte(key))
			require.NoError(t, err)
			assert.Equal(t, i%10 != 0, ok, key)
		}
	}
	report := requireCheck(t, db)
	assert.Equal(t, workers*perWorker-workers*perWorker/10+1, report.Records)
}

// TestConcurrentTransactions runs read-modify-write increments inside
// transactions from several handles. None may be lost.
func TestConcurrentTransactions(t *testing.T) {
	requireMultiHandle(t)
	path := filepath.Join(t.TempDir(), "tx.tdb")
	const workers, rounds = 4, 25

	setup := openTestPath(t, path, Config{})
	mustStore(t, setup, "counter", "0")

	g, _ := errgroup.WithContext(context.Background())
	for range workers {
		g.Go(func() error {
			db, err := Open(path, Config{})
			if err != nil {
				return err
			}
			defer db.Close()
			for range rounds {
				if err := db.TransactionStart(); err != nil {
					return err
				}
				val, _, err := db.Fetch([]byte("counter"))
				if err != nil {
					db.TransactionCancel()
					return err
				}
				var n int
				fmt.Sscan(string(val), &n)
				if err := db.Store([]byte("counter"), []byte(fmt.Sprint(n+1)), StoreReplace); err != nil {
					db.TransactionCancel()
					return err
				}
				if err := db.TransactionCommit(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, fmt.Sprint(workers*rounds), mustFetch(t, setup, "counter"))
}

// TestConcurrentSingleHandle shares one handle between goroutines; the
// handle mutex serialises them.
func TestConcurrentSingleHandle(t *testing.T) {
	db := openMemoryDB(t, Config{Flags: Volatile})

	g, _ := errgroup.WithContext(context.Background())
	for w := range 8 {
		g.Go(func() error {
			for i := range 50 {
				key := []byte(fmt.Sprintf("%d/%d", w, i))
				if err := db.Store(key, key, StoreDefault); err != nil {
					return err
				}
				if _, _, err := db.Fetch(key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 400, requireCheck(t, db).Records)
}
