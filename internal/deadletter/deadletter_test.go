package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, 101, "embedding dimension 512, want 768"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Record(ctx, 102, "embedding contains NaN or Inf"))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, int64(102), entries[0].ArticleID)
	assert.Equal(t, int64(101), entries[1].ArticleID)
	assert.Equal(t, "embedding contains NaN or Inf", entries[0].Reason)
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), 7, "bad centroid"))
	require.NoError(t, store.Close())

	// Reopening the same file keeps prior entries.
	store, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ArticleID)
}

func TestListEmpty(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "deadletter.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
