package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueueValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "key", "", "")
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = store.Enqueue(ctx, "", "payload", "")
	require.ErrorIs(t, err, ErrMissingDedupKey)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "did:plc:alice", `{"identity":"did:plc:alice"}`, "")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, StatusPending, item.Status)

	// Same dedup key again is a silent no-op.
	dup, err := store.Enqueue(ctx, "did:plc:alice", `{"identity":"did:plc:alice"}`, "")
	require.NoError(t, err)
	require.Nil(t, dup)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClaimNextIsFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, fmt.Sprintf("key-%d", i), fmt.Sprintf("payload-%d", i), "")
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		item, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		require.Equal(t, fmt.Sprintf("key-%d", i), item.DedupKey)
		require.Equal(t, StatusProcessing, item.Status)
	}

	// Every pending item has been claimed.
	item, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestClaimIsAtMostOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "only", "payload", "")
	require.NoError(t, err)

	first, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestEnqueueBatchChunksAndSkipsDuplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "key-1", "already there", "")
	require.NoError(t, err)

	items := make([]Item, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, Item{
			DedupKey: fmt.Sprintf("key-%d", i),
			Payload:  fmt.Sprintf("payload-%d", i),
		})
	}

	inserted, err := store.EnqueueBatch(ctx, items, 3)
	require.NoError(t, err)
	require.EqualValues(t, 9, inserted)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestEnqueueBatchValidatesItems(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnqueueBatch(ctx, []Item{{DedupKey: "k", Payload: ""}}, 10)
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = store.EnqueueBatch(ctx, []Item{{DedupKey: "", Payload: "p"}}, 10)
	require.ErrorIs(t, err, ErrMissingDedupKey)
}

func TestClaimBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, fmt.Sprintf("key-%d", i), "p", "")
		require.NoError(t, err)
	}

	claimed, err := store.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, "key-0", claimed[0].DedupKey)

	// A zero limit drains the rest.
	rest, err := store.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestDeleteBatchIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "key", "payload", "")
	require.NoError(t, err)

	deleted, err := store.DeleteBatch(ctx, []int64{item.ID, 9999})
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	deleted, err = store.DeleteBatch(ctx, []int64{item.ID})
	require.NoError(t, err)
	require.Zero(t, deleted)

	deleted, err = store.DeleteBatch(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestResetStaleProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, fmt.Sprintf("key-%d", i), "p", "")
		require.NoError(t, err)
	}
	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	// Dry run with olderThan zero counts every processing item without
	// mutating state.
	n, err := store.ResetStaleProcessing(ctx, 0, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats[StatusProcessing])
	require.Equal(t, 1, stats[StatusPending])

	// A large olderThan touches nothing.
	n, err = store.ResetStaleProcessing(ctx, time.Hour, false)
	require.NoError(t, err)
	require.Zero(t, n)

	// A real reset returns the items to pending, preserving FIFO order.
	n, err = store.ResetStaleProcessing(ctx, 0, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	item, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "key-0", item.DedupKey)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "key", "payload", "meta")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	item, err := reopened.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "payload", item.Payload)
	require.Equal(t, "meta", item.Metadata)
}

func TestDeleteRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.db")

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Enqueue(context.Background(), "key", "payload", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
