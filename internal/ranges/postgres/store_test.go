package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
)

// These tests need a live database and are skipped unless
// BUCKETPROC_TEST_POSTGRES_DSN is set.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BUCKETPROC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BUCKETPROC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := fmt.Sprintf("bucket_ranges_test_%d", time.Now().UnixNano())
	store, err := Open(ctx, Config{DSN: dsn, Table: table, ConnectRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.pool.Exec(context.Background(), `DROP TABLE IF EXISTS `+store.table)
		_ = store.Close()
	})
	return store
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{DSN: "postgres://localhost/db", Table: "bad-name"})
	assert.ErrorIs(t, err, ranges.ErrInvalidTableName)
}

func TestPostgresClaimAndSave(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "0", RandomKey: 50},
		{Prefix: "1", RandomKey: 5},
	}))

	ok, err := store.ClaimNext(ctx, "host", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := store.FindClaimed(ctx, "host", "w1")
	require.NoError(t, err)
	assert.Equal(t, "1", r.Prefix)

	r.Processing = false
	r.Processed = true
	r.RangeData = []byte("done")
	require.NoError(t, store.Save(ctx, r))

	got, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, ranges.StateSucceeded, got.State())
	assert.Equal(t, []byte("done"), got.RangeData)
}

func TestPostgresConcurrentClaims(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rs := make([]ranges.Range, 0, 64)
	for i := 0; i < 64; i++ {
		rs = append(rs, ranges.Range{Prefix: fmt.Sprintf("%02x", i), RandomKey: i})
	}
	require.NoError(t, store.Insert(ctx, rs))

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(instance string) {
			defer wg.Done()
			for {
				ok, err := store.ClaimNext(ctx, "host", instance)
				if err != nil || !ok {
					return
				}
				r, err := store.FindClaimed(ctx, "host", instance)
				if err != nil {
					return
				}
				mu.Lock()
				assert.False(t, seen[r.Prefix], "prefix %s claimed twice", r.Prefix)
				seen[r.Prefix] = true
				mu.Unlock()
				r.Processing = false
				r.Processed = true
				if err := store.Save(ctx, r); err != nil {
					return
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, 64)
}
