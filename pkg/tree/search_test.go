package tree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchByName(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	seedProject(t, tr)
	_, err := tr.CreateFile(ctx, "/proj", "b.txt", []byte("hello"))
	require.NoError(t, err)

	res, err := tr.Search(ctx, "/proj", "*.txt", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalHits)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "/proj/a.txt", res.Entries[0].Path)
	assert.Equal(t, "/proj/b.txt", res.Entries[1].Path)
}

func TestSearchByContent(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	seedProject(t, tr)

	res, err := tr.Search(ctx, "/", "", "package main", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "/proj/src/main.go", res.Entries[0].Path)

	// Name and content conditions combine.
	res, err = tr.Search(ctx, "/", "*.txt", "package", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, res.TotalHits)
}

func TestSearchScopedToFolder(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	seedProject(t, tr)
	_, err := tr.EnsureFolder(ctx, "/other")
	require.NoError(t, err)
	_, err = tr.CreateFile(ctx, "/other", "a.txt", []byte("hello"))
	require.NoError(t, err)

	res, err := tr.Search(ctx, "/other", "a.txt", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "/other/a.txt", res.Entries[0].Path)
}

func TestSearchPagination(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.EnsureFolder(ctx, "/data")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := tr.CreateFile(ctx, "/data", fmt.Sprintf("f%d.txt", i), []byte("common"))
		require.NoError(t, err)
	}

	t.Run("FullPage", func(t *testing.T) {
		res, err := tr.Search(ctx, "/data", "*.txt", "", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, res.TotalHits)
		require.Len(t, res.Entries, 2)
		assert.Equal(t, "/data/f0.txt", res.Entries[0].Path)
	})

	t.Run("MiddlePage", func(t *testing.T) {
		res, err := tr.Search(ctx, "/data", "*.txt", "", 2, 2)
		require.NoError(t, err)
		require.Len(t, res.Entries, 2)
		assert.Equal(t, "/data/f2.txt", res.Entries[0].Path)
	})

	t.Run("ShortLastPage", func(t *testing.T) {
		res, err := tr.Search(ctx, "/data", "*.txt", "", 2, 4)
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "/data/f4.txt", res.Entries[0].Path)
	})

	t.Run("SkipEqualsTotal", func(t *testing.T) {
		res, err := tr.Search(ctx, "/data", "*.txt", "", 2, 5)
		require.NoError(t, err)
		assert.Empty(t, res.Entries)
		assert.Equal(t, 5, res.TotalHits)
	})

	t.Run("SkipBeyondTotal", func(t *testing.T) {
		_, err := tr.Search(ctx, "/data", "*.txt", "", 2, 6)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("NegativeSkip", func(t *testing.T) {
		_, err := tr.Search(ctx, "/data", "*.txt", "", 2, -1)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("UnlimitedPage", func(t *testing.T) {
		res, err := tr.Search(ctx, "/data", "*.txt", "", 0, 1)
		require.NoError(t, err)
		assert.Len(t, res.Entries, 4)
	})
}

func TestSearchPathErrors(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.CreateFile(ctx, "/", "f.txt", nil)
	require.NoError(t, err)

	_, err = tr.Search(ctx, "/missing", "", "", 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tr.Search(ctx, "/f.txt", "", "", 0, 0)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSearchSkipsBinaryContent(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()

	_, err := tr.CreateFile(ctx, "/", "bin.dat", append([]byte{0x00}, []byte("secret")...))
	require.NoError(t, err)
	_, err = tr.CreateFile(ctx, "/", "plain.txt", []byte("secret"))
	require.NoError(t, err)

	res, err := tr.Search(ctx, "/", "", "secret", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "/plain.txt", res.Entries[0].Path)

	// Binary files still match by name.
	res, err = tr.Search(ctx, "/", "bin.dat", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalHits)
}

func TestEstimateType(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()

	_, err := tr.EnsureFolder(ctx, "/app")
	require.NoError(t, err)
	_, err = tr.CreateFile(ctx, "/app", "go.mod", []byte("module app"))
	require.NoError(t, err)
	_, err = tr.CreateFile(ctx, "/app", "main.go", []byte("package main"))
	require.NoError(t, err)

	estimations, err := tr.EstimateType(ctx, "/app")
	require.NoError(t, err)
	require.NotEmpty(t, estimations)

	var goMatched bool
	for _, est := range estimations {
		if est.Type == "go" {
			goMatched = est.Matched
			assert.Equal(t, []string{"go"}, est.Attributes["language"])
		} else {
			assert.False(t, est.Matched)
		}
	}
	assert.True(t, goMatched)
}

func TestEstimateTypeErrors(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.CreateFile(ctx, "/", "f.txt", nil)
	require.NoError(t, err)

	_, err = tr.EstimateType(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.EstimateType(ctx, "/f.txt")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestEstimateTypeWithoutResolver(t *testing.T) {
	tr := New(Options{}, Deps{})
	defer tr.Close(context.Background())
	ctx := context.Background()
	_, err := tr.EnsureFolder(ctx, "/empty")
	require.NoError(t, err)

	estimations, err := tr.EstimateType(ctx, "/empty")
	require.NoError(t, err)
	assert.Empty(t, estimations)
}
