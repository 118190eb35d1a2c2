package tree

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeZip builds an archive from a name -> content map; names ending in
// "/" become folder entries.
func makeZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name[len(name)-1] == '/' {
			_, err := zw.Create(name)
			require.NoError(t, err)
			continue
		}
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := map[string]string{}
	for _, zf := range reader.File {
		if zf.FileInfo().IsDir() {
			out[zf.Name] = ""
			continue
		}
		rc, err := zf.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[zf.Name] = string(content)
	}
	return out
}

func TestImportArchive(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.EnsureFolder(ctx, "/ws")
	require.NoError(t, err)

	archive := makeZip(t, map[string]string{
		"docs/":         "",
		"docs/guide.md": "# guide",
		"src/main.go":   "package main",
		"README.md":     "readme",
	})
	require.NoError(t, tr.ImportArchive(ctx, "/ws", archive, false, 0))

	data, err := tr.ReadFile(ctx, "/ws/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("package main"), data)
	assert.True(t, exists(tr, "/ws/docs"))
	assert.True(t, exists(tr, "/ws/README.md"))

	// Imported files are searchable immediately.
	res, err := tr.Search(ctx, "/ws", "", "readme", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalHits)
}

func TestImportStripLevels(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.EnsureFolder(ctx, "/proj")
	require.NoError(t, err)

	// The usual repo-tarball shape: everything under one top folder.
	archive := makeZip(t, map[string]string{
		"repo-1.0/":            "",
		"repo-1.0/go.mod":      "module repo",
		"repo-1.0/src/":        "",
		"repo-1.0/src/main.go": "package main",
	})
	require.NoError(t, tr.ImportArchive(ctx, "/proj", archive, false, 1))

	assert.True(t, exists(tr, "/proj/go.mod"))
	assert.True(t, exists(tr, "/proj/src/main.go"))
	// The stripped top folder itself is not created.
	assert.False(t, exists(tr, "/proj/repo-1.0"))
}

func TestImportOverwriteSemantics(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.CreateFile(ctx, "/", "a.txt", []byte("existing"))
	require.NoError(t, err)

	archive := makeZip(t, map[string]string{"a.txt": "from archive"})

	err = tr.ImportArchive(ctx, "/", archive, false, 0)
	assert.ErrorIs(t, err, ErrConflict)
	data, err := tr.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("existing"), data)

	require.NoError(t, tr.ImportArchive(ctx, "/", archive, true, 0))
	data, err = tr.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("from archive"), data)
}

func TestImportIsAtomic(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.EnsureFolder(ctx, "/ws")
	require.NoError(t, err)
	_, err = tr.CreateFile(ctx, "/ws", "taken.txt", []byte("keep me"))
	require.NoError(t, err)

	// "aaa.txt" links before the conflict on taken.txt; the failure must
	// undo it.
	archive := makeZip(t, map[string]string{
		"aaa.txt":     "fresh",
		"new/one.txt": "fresh",
		"taken.txt":   "collides",
	})
	err = tr.ImportArchive(ctx, "/ws", archive, false, 0)
	assert.ErrorIs(t, err, ErrConflict)

	assert.False(t, exists(tr, "/ws/aaa.txt"))
	assert.False(t, exists(tr, "/ws/new"))
	assert.False(t, exists(tr, "/ws/new/one.txt"))
	data, err := tr.ReadFile(ctx, "/ws/taken.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), data)
}

func TestImportFailureKeepsIndex(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.EnsureFolder(ctx, "/ws")
	require.NoError(t, err)
	_, err = tr.CreateFile(ctx, "/ws", "aaa.txt", []byte("magicword"))
	require.NoError(t, err)
	_, err = tr.CreateFolder(ctx, "/ws/blocked")
	require.NoError(t, err)

	// "aaa.txt" is overwritten before "blocked" collides with the folder;
	// the rollback must restore both the file and its index entry.
	archive := makeZip(t, map[string]string{
		"aaa.txt": "replacement",
		"blocked": "now a file",
	})
	err = tr.ImportArchive(ctx, "/ws", archive, true, 0)
	assert.ErrorIs(t, err, ErrConflict)

	data, err := tr.ReadFile(ctx, "/ws/aaa.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("magicword"), data)

	res, err := tr.Search(ctx, "/ws", "", "magicword", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalHits)
}

func TestImportCorruptArchive(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()

	err := tr.ImportArchive(ctx, "/", []byte("this is not a zip"), false, 0)
	assert.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestImportTargetErrors(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.CreateFile(ctx, "/", "f.txt", nil)
	require.NoError(t, err)
	archive := makeZip(t, map[string]string{"x.txt": "x"})

	assert.ErrorIs(t, tr.ImportArchive(ctx, "/missing", archive, false, 0), ErrNotFound)
	assert.ErrorIs(t, tr.ImportArchive(ctx, "/f.txt", archive, false, 0), ErrTypeMismatch)
	assert.ErrorIs(t, tr.ImportArchive(ctx, "/", archive, false, -1), ErrInvalidRange)
}

func TestExportFileRawBytes(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	_, err := tr.CreateFile(ctx, "/", "data.bin", []byte{0x00, 0x01, 0x02})
	require.NoError(t, err)

	rc, err := tr.ExportArchive(ctx, "/data.bin")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, data)
}

func TestExportImportRoundTrip(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	seedProject(t, tr)

	rc, err := tr.ExportArchive(ctx, "/proj")
	require.NoError(t, err)
	archive, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	entries := readZip(t, archive)
	assert.Equal(t, "hello", entries["a.txt"])
	assert.Equal(t, "package main", entries["src/main.go"])

	// Re-import into a second tree and compare content.
	tr2 := newTestTree(t, Options{})
	_, err = tr2.EnsureFolder(ctx, "/restored")
	require.NoError(t, err)
	require.NoError(t, tr2.ImportArchive(ctx, "/restored", archive, false, 0))

	data, err := tr2.ReadFile(ctx, "/restored/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("package main"), data)
}

func TestExportRootRelativeNames(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	seedProject(t, tr)

	rc, err := tr.ExportArchive(ctx, "/")
	require.NoError(t, err)
	archive, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	entries := readZip(t, archive)
	for name := range entries {
		assert.False(t, strings.HasPrefix(name, "/"), "entry %q must be relative", name)
	}
	assert.Equal(t, "hello", entries["proj/a.txt"])
	assert.Equal(t, "package main", entries["proj/src/main.go"])
}

func TestExportDeterministicEntries(t *testing.T) {
	tr := newTestTree(t, Options{})
	ctx := context.Background()
	seedProject(t, tr)

	export := func() []byte {
		rc, err := tr.ExportArchive(ctx, "/proj")
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}

	first := readZip(t, export())
	second := readZip(t, export())
	assert.Equal(t, first, second)
}

func TestExportMissingPath(t *testing.T) {
	tr := newTestTree(t, Options{})
	_, err := tr.ExportArchive(context.Background(), "/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
