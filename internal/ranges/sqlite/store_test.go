package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
)

func TestOpenRejectsBadTableName(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "ranges.db"), "ranges; DROP TABLE x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ranges.ErrInvalidTableName))
}

func TestInsertGetSave(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "0", RandomKey: 5},
		{Prefix: "1", RandomKey: 3},
	}))

	r, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", r.Prefix)
	assert.Equal(t, 3, r.RandomKey)
	assert.Equal(t, ranges.StateFree, r.State())
	assert.False(t, r.CreatedAt.IsZero())

	r.LastObject = "1abc/obj"
	r.RangeData = []byte(`{"n":2}`)
	r.TotalItems = 10
	r.ProcessedItems = 7
	r.RequeueCount = 4
	require.NoError(t, store.Save(ctx, r))

	got, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1abc/obj", got.LastObject)
	assert.Equal(t, []byte(`{"n":2}`), got.RangeData)
	assert.EqualValues(t, 10, got.TotalItems)
	assert.EqualValues(t, 7, got.ProcessedItems)
	assert.EqualValues(t, 4, got.RequeueCount)

	_, err = store.Get(ctx, "f")
	assert.ErrorIs(t, err, ranges.ErrNotFound)
	assert.ErrorIs(t, store.Save(ctx, &ranges.Range{Prefix: "f"}), ranges.ErrNotFound)
}

func TestClaimNextOrdersByRandomKey(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "a", RandomKey: 900},
		{Prefix: "b", RandomKey: 10},
		{Prefix: "c", RandomKey: 11000},
	}))

	ok, err := store.ClaimNext(ctx, "host-1", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := store.FindClaimed(ctx, "host-1", "w1")
	require.NoError(t, err)
	assert.Equal(t, "b", claimed.Prefix)
	assert.True(t, claimed.OwnedBy("host-1", "w1"))

	_, err = store.FindClaimed(ctx, "host-1", "w2")
	assert.ErrorIs(t, err, ranges.ErrNotFound)
}

func TestClaimNextSkipsTerminalRanges(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "0", RandomKey: 1, Processed: true},
		{Prefix: "1", RandomKey: 2, Processed: true, Failed: true},
	}))

	ok, err := store.ClaimNext(ctx, "host", "w")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	const total = 16
	rs := make([]ranges.Range, 0, total)
	for i := 0; i < total; i++ {
		rs = append(rs, ranges.Range{Prefix: fmt.Sprintf("%x", i), RandomKey: i + 1})
	}
	require.NoError(t, store.Insert(ctx, rs))

	const workers = 8
	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(instance string) {
			defer wg.Done()
			for {
				ok, err := store.ClaimNext(ctx, "host", instance)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				r, err := store.FindClaimed(ctx, "host", instance)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if prev, dup := claimed[r.Prefix]; dup {
					mu.Unlock()
					errs <- fmt.Errorf("prefix %s claimed by %s and %s", r.Prefix, prev, instance)
					return
				}
				claimed[r.Prefix] = instance
				mu.Unlock()

				r.Processing = false
				r.Processed = true
				if err := store.Save(ctx, r); err != nil {
					errs <- err
					return
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, claimed, total)
}

func TestResetWhereAndCount(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "0", Processing: true, Hostname: "h", InstanceName: "w"},
		{Prefix: "1", Processed: true, Failed: true, Error: "boom"},
		{Prefix: "2", Processed: true},
		{Prefix: "3"},
	}))

	n, err := store.CountWhere(ctx, ranges.ResetProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = store.ResetWhere(ctx, ranges.ResetFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	r, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, ranges.StateFree, r.State())

	n, err = store.ResetWhere(ctx, ranges.ResetProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	r, err = store.Get(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, ranges.StateFree, r.State())
	assert.Empty(t, r.Hostname)

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
}

func TestResetAllKeepsRequeueCount(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "0", Processed: true, Failed: true, RequeueCount: 50, LastObject: "0x", Error: "e"},
		{Prefix: "1", Processed: true, TotalItems: 3, ProcessedItems: 3},
	}))

	n, err := store.ResetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	r, err := store.Get(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, ranges.StateFree, r.State())
	assert.EqualValues(t, 50, r.RequeueCount)
	assert.Empty(t, r.LastObject)
	assert.Empty(t, r.Error)
}

func TestListFailedAndRequeued(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{
		{Prefix: "0", Processed: true, Failed: true, Error: "a", Hostname: "h1"},
		{Prefix: "1", Processed: true, Failed: true, Error: "b", Hostname: "h2"},
		{Prefix: "2", RequeueCount: 2, Error: "retry", Hostname: "h3"},
		{Prefix: "3", RequeueCount: 1, Processed: true},
	}))

	failed, err := store.ListFailed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "0", failed[0].Prefix)
	assert.Equal(t, "a", failed[0].Error)

	failed, err = store.ListFailed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	requeued, err := store.ListRequeued(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, "2", requeued[0].Prefix)

	requeued, err = store.ListRequeued(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, requeued)
}

func TestDeleteAll(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, []ranges.Range{{Prefix: "0"}, {Prefix: "1"}}))
	n, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ranges.db")
	store, err := Open(path, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
