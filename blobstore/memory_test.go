package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "snapshots/docs-1.vzr", []byte("abc")))

	data, err := store.Get(ctx, "snapshots/docs-1.vzr")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "snapshots/a", nil))
	require.NoError(t, store.Put(ctx, "snapshots/b", nil))
	require.NoError(t, store.Put(ctx, "archives/c", nil))

	names, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a", "snapshots/b"}, names)

	require.NoError(t, store.Delete(ctx, "snapshots/a"))
	require.NoError(t, store.Delete(ctx, "snapshots/a"), "deleting absent blob is a no-op")

	names, err = store.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/b"}, names)
}
