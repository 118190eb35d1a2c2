package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRefUnique(t *testing.T) {
	data := []byte("same content")
	ref1 := NewRef(data)
	ref2 := NewRef(data)
	// Identical content still gets distinct refs; every file owns its blob.
	assert.NotEqual(t, ref1, ref2)
	assert.Contains(t, string(ref1), "-")
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("hello"))
	require.NoError(t, err)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, err := store.Size(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreDefensiveCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := []byte("immutable")
	ref, err := store.Put(ctx, original)
	require.NoError(t, err)
	original[0] = 'X'

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), data)

	data[0] = 'Y'
	again, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	for _, compression := range []bool{false, true} {
		name := "plain"
		if compression {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			store, err := NewLocalStore(LocalConfig{
				RootPath:    t.TempDir(),
				Compression: compression,
			}, zap.NewNop())
			require.NoError(t, err)
			ctx := context.Background()

			content := []byte("local blob content")
			ref, err := store.Put(ctx, content)
			require.NoError(t, err)

			data, err := store.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, content, data)

			size, err := store.Size(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, int64(len(content)), size)

			require.NoError(t, store.Delete(ctx, ref))
			_, err = store.Get(ctx, ref)
			assert.Error(t, err)
		})
	}
}

func TestLocalStoreEmptyBlob(t *testing.T) {
	store, err := NewLocalStore(LocalConfig{RootPath: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, nil)
	require.NoError(t, err)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, data)
}
