package pathindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/pkg/types"
)

func newFolder(path string) *types.Folder {
	return &types.Folder{Path: path, Children: []string{}, Modified: time.Now()}
}

func newFile(path string) *types.File {
	return &types.File{Path: path, Modified: time.Now()}
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "/", true},
		{"/", "/", true},
		{"/a/b", "/a/b", true},
		{"a/b/", "/a/b", true},
		{"//a//b", "", false},
		{"/a/../b", "", false},
		{"/a/./b", "", false},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		if c.ok {
			require.NoError(t, err, c.in)
			assert.Equal(t, c.want, got, c.in)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPath, c.in)
		}
	}
}

func TestInsertAndResolve(t *testing.T) {
	idx := New(false)

	require.NoError(t, idx.InsertFolder(newFolder("/a")))
	require.NoError(t, idx.InsertFolder(newFolder("/a/b")))
	require.NoError(t, idx.InsertFile(newFile("/a/b/c.txt")))

	t.Run("Resolve", func(t *testing.T) {
		_, ok := idx.ResolveFolder("/a/b")
		assert.True(t, ok)
		_, ok = idx.ResolveFile("/a/b/c.txt")
		assert.True(t, ok)
		assert.True(t, idx.Exists("/a"))
		assert.False(t, idx.Exists("/A"))
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		assert.ErrorIs(t, idx.InsertFolder(newFolder("/a")), ErrExists)
		assert.ErrorIs(t, idx.InsertFile(newFile("/a/b/c.txt")), ErrExists)
	})

	t.Run("MissingParent", func(t *testing.T) {
		assert.ErrorIs(t, idx.InsertFile(newFile("/nope/x.txt")), ErrNotFound)
	})

	t.Run("Len", func(t *testing.T) {
		assert.Equal(t, 3, idx.Len())
	})
}

func TestCaseInsensitiveLookup(t *testing.T) {
	idx := New(true)
	require.NoError(t, idx.InsertFolder(newFolder("/Docs")))
	require.NoError(t, idx.InsertFile(newFile("/Docs/ReadMe.md")))

	file, ok := idx.ResolveFile("/docs/readme.md")
	require.True(t, ok)
	// The stored path keeps its original case.
	assert.Equal(t, "/Docs/ReadMe.md", file.Path)

	assert.ErrorIs(t, idx.InsertFile(newFile("/DOCS/README.MD")), ErrExists)
}

func TestRemoveSubtree(t *testing.T) {
	idx := New(false)
	require.NoError(t, idx.InsertFolder(newFolder("/a")))
	require.NoError(t, idx.InsertFolder(newFolder("/a/b")))
	require.NoError(t, idx.InsertFile(newFile("/a/one.txt")))
	require.NoError(t, idx.InsertFile(newFile("/a/b/two.txt")))

	files, paths, err := idx.Remove("/a")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Len(t, paths, 4)
	assert.False(t, idx.Exists("/a"))
	assert.False(t, idx.Exists("/a/b/two.txt"))
	assert.Equal(t, 0, idx.Len())

	_, _, err = idx.Remove("/a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = idx.Remove("/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestRenamePreservesIdentity(t *testing.T) {
	idx := New(false)
	require.NoError(t, idx.InsertFolder(newFolder("/proj")))
	require.NoError(t, idx.InsertFolder(newFolder("/proj/src")))
	file := newFile("/proj/src/main.go")
	require.NoError(t, idx.InsertFile(file))
	require.NoError(t, idx.InsertFolder(newFolder("/archive")))

	require.NoError(t, idx.Rename("/proj", "/archive/proj"))

	moved, ok := idx.ResolveFile("/archive/proj/src/main.go")
	require.True(t, ok)
	assert.Same(t, file, moved)
	assert.False(t, idx.Exists("/proj"))

	folder, ok := idx.ResolveFolder("/archive/proj")
	require.True(t, ok)
	assert.Equal(t, []string{"/archive/proj/src"}, folder.Children)
}

func TestRenameConflicts(t *testing.T) {
	idx := New(false)
	require.NoError(t, idx.InsertFolder(newFolder("/a")))
	require.NoError(t, idx.InsertFolder(newFolder("/b")))

	assert.ErrorIs(t, idx.Rename("/a", "/b"), ErrExists)
	assert.ErrorIs(t, idx.Rename("/missing", "/c"), ErrNotFound)
	assert.ErrorIs(t, idx.Rename("/a", "/missing/parent/x"), ErrNotFound)
	assert.ErrorIs(t, idx.Rename("/", "/x"), ErrInvalidPath)
}

func TestRenameRejectsOwnSubtree(t *testing.T) {
	t.Run("Exact", func(t *testing.T) {
		idx := New(false)
		require.NoError(t, idx.InsertFolder(newFolder("/a")))
		require.NoError(t, idx.InsertFolder(newFolder("/a/b")))

		assert.ErrorIs(t, idx.Rename("/a", "/a/b/x"), ErrInvalidPath)
		assert.True(t, idx.Exists("/a/b"))
	})

	t.Run("CaseFolded", func(t *testing.T) {
		idx := New(true)
		require.NoError(t, idx.InsertFolder(newFolder("/A")))
		require.NoError(t, idx.InsertFolder(newFolder("/A/b")))

		// A differently-cased destination still lies inside the source.
		assert.ErrorIs(t, idx.Rename("/A", "/a/b/x"), ErrInvalidPath)
		assert.True(t, idx.Exists("/A/b"))
	})
}

func TestPureCaseRename(t *testing.T) {
	idx := New(true)
	require.NoError(t, idx.InsertFile(newFile("/readme.md")))

	require.NoError(t, idx.Rename("/readme.md", "/README.md"))
	file, ok := idx.ResolveFile("/readme.md")
	require.True(t, ok)
	assert.Equal(t, "/README.md", file.Path)
}

func TestChildrenSorted(t *testing.T) {
	idx := New(false)
	require.NoError(t, idx.InsertFolder(newFolder("/dir")))
	require.NoError(t, idx.InsertFile(newFile("/dir/zeta")))
	require.NoError(t, idx.InsertFile(newFile("/dir/alpha")))
	require.NoError(t, idx.InsertFolder(newFolder("/dir/mid")))

	entries, err := idx.Children("/dir")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "mid", entries[1].Name)
	assert.True(t, entries[1].IsFolder)
	assert.Equal(t, "zeta", entries[2].Name)

	_, err = idx.Children("/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWalkOrder(t *testing.T) {
	idx := New(false)
	require.NoError(t, idx.InsertFolder(newFolder("/a")))
	require.NoError(t, idx.InsertFolder(newFolder("/a/sub")))
	require.NoError(t, idx.InsertFile(newFile("/a/file.txt")))
	require.NoError(t, idx.InsertFile(newFile("/a/sub/deep.txt")))

	visited := []string{}
	err := idx.Walk("/a", func(folder *types.Folder, file *types.File) error {
		if folder != nil {
			visited = append(visited, folder.Path)
		} else {
			visited = append(visited, file.Path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/a/file.txt", "/a/sub", "/a/sub/deep.txt"}, visited)
}
