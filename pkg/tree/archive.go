package tree

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbor/pkg/pathindex"
	"arbor/pkg/types"
)

// archiveEntry is one decoded zip entry, paths already stripped and
// normalized relative to the import target.
type archiveEntry struct {
	rel      string
	isFolder bool
	data     []byte
}

// ImportArchive unpacks a zip archive below targetFolderPath. Each entry
// path loses stripLevels leading segments; intermediate folders are
// created as needed; collisions follow the overwrite flag. The import is
// atomic: a corrupt archive, a storage failure or cancellation rolls back
// every entry already applied.
func (t *Tree) ImportArchive(ctx context.Context, targetFolderPath string, archive []byte, overwrite bool, stripLevels int) error {
	start := time.Now()
	err := t.importArchive(ctx, targetFolderPath, archive, overwrite, stripLevels)
	t.observe("import", start, err)
	return err
}

func (t *Tree) importArchive(ctx context.Context, targetFolderPath string, archive []byte, overwrite bool, stripLevels int) error {
	target, err := canonical(targetFolderPath)
	if err != nil {
		return err
	}
	if err := t.checkConsistent(target); err != nil {
		return err
	}

	entries, err := decodeArchive(archive, stripLevels)
	if err != nil {
		return err
	}

	t.mu.RLock()
	_, targetOK := t.paths.ResolveFolder(target)
	_, targetIsFile := t.paths.ResolveFile(target)
	t.mu.RUnlock()
	if targetIsFile {
		return typeMismatch(target, "folder")
	}
	if !targetOK {
		return notFound(target)
	}

	// Store all blobs before touching the tree; the structural apply is
	// then a single in-memory step under the lock.
	newRefs := make(map[string]types.BlobRef, len(entries))
	allRefs := []types.BlobRef{}
	rollbackBlobs := func() {
		for _, ref := range allRefs {
			t.releaseBlob(ref)
		}
	}
	for _, entry := range entries {
		if entry.isFolder {
			continue
		}
		if err := ctx.Err(); err != nil {
			rollbackBlobs()
			return err
		}
		bctx, cancel := t.blobCtx(ctx)
		ref, err := t.blobs.Put(bctx, entry.data)
		cancel()
		if err != nil {
			rollbackBlobs()
			return storageFailure(err)
		}
		newRefs[entry.rel] = ref
		allRefs = append(allRefs, ref)
	}

	replacedBlobs, err := t.applyImport(target, entries, newRefs, overwrite)
	if err != nil {
		rollbackBlobs()
		return err
	}

	for _, ref := range replacedBlobs {
		t.releaseBlob(ref)
	}
	for _, entry := range entries {
		if !entry.isFolder {
			t.indexFile(pathindex.Join(target, entry.rel), entry.data)
		}
	}

	t.logger.Info("Archive imported",
		zap.String("target", target),
		zap.Int("entries", len(entries)),
		zap.Int("strip_levels", stripLevels))
	t.publish(types.Event{Type: types.EventUpdated, Path: target, IsFolder: true})
	return nil
}

// applyImport links all entries under the tree lock. On failure it undoes
// the nodes it created and restores files it overwrote, returning the
// tree to its pre-import state.
func (t *Tree) applyImport(target string, entries []archiveEntry, newRefs map[string]types.BlobRef, overwrite bool) ([]types.BlobRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	createdFolders := []string{}
	createdFiles := []string{}
	replaced := []*types.File{} // prior state of overwritten files
	replacedBlobs := []types.BlobRef{}

	rollback := func() error {
		for i := len(createdFiles) - 1; i >= 0; i-- {
			if _, _, err := t.paths.Remove(createdFiles[i]); err != nil {
				return err
			}
		}
		for i := len(createdFolders) - 1; i >= 0; i-- {
			if _, _, err := t.paths.Remove(createdFolders[i]); err != nil {
				return err
			}
		}
		for _, prior := range replaced {
			file, ok := t.paths.ResolveFile(prior.Path)
			if !ok {
				return fmt.Errorf("overwritten file %s vanished", prior.Path)
			}
			*file = *prior
		}
		return nil
	}

	fail := func(cause error) ([]types.BlobRef, error) {
		if rbErr := rollback(); rbErr != nil {
			t.markInconsistent(target, "import rollback failed: "+rbErr.Error())
			return nil, storageFailure(fmt.Errorf("import failed (%v) and rollback failed: %w", cause, rbErr))
		}
		return nil, cause
	}

	ensureFolder := func(path string) error {
		missing := []string{}
		for p := path; p != target && p != pathindex.Separator; p = pathindex.ParentPath(p) {
			if _, ok := t.paths.ResolveFolder(p); ok {
				break
			}
			if _, isFile := t.paths.ResolveFile(p); isFile {
				return typeMismatch(p, "folder")
			}
			missing = append(missing, p)
		}
		for i := len(missing) - 1; i >= 0; i-- {
			folder := &types.Folder{Path: missing[i], Children: []string{}, Modified: time.Now()}
			if err := t.paths.InsertFolder(folder); err != nil {
				return t.mapIndexErr(err, missing[i])
			}
			createdFolders = append(createdFolders, missing[i])
		}
		return nil
	}

	for _, entry := range entries {
		path := pathindex.Join(target, entry.rel)
		if entry.isFolder {
			if err := ensureFolder(path); err != nil {
				return fail(err)
			}
			continue
		}

		if err := ensureFolder(pathindex.ParentPath(path)); err != nil {
			return fail(err)
		}

		if existing, ok := t.paths.ResolveFile(path); ok {
			if !overwrite {
				return fail(conflict("%s already exists", path))
			}
			// The search index is untouched here; reindexing after a
			// successful apply replaces the entry, and a rollback keeps it.
			prior := *existing
			replaced = append(replaced, &prior)
			replacedBlobs = append(replacedBlobs, existing.Ref)
			existing.Ref = newRefs[entry.rel]
			existing.Size = int64(len(entry.data))
			existing.Hash = blobHash(entry.data)
			existing.Modified = time.Now()
			continue
		}
		if _, ok := t.paths.ResolveFolder(path); ok {
			return fail(conflict("%s already exists as a folder", path))
		}

		file := &types.File{
			Path:     path,
			Size:     int64(len(entry.data)),
			Modified: time.Now(),
			Ref:      newRefs[entry.rel],
			Hash:     blobHash(entry.data),
		}
		if err := t.paths.InsertFile(file); err != nil {
			return fail(t.mapIndexErr(err, path))
		}
		createdFiles = append(createdFiles, path)
	}

	return replacedBlobs, nil
}

// decodeArchive fully decodes and validates a zip archive so corruption
// is detected before any tree mutation. Entries whose paths vanish under
// stripLevels are skipped.
func decodeArchive(archive []byte, stripLevels int) ([]archiveEntry, error) {
	if stripLevels < 0 {
		return nil, fmt.Errorf("%w: negative strip levels", ErrInvalidRange)
	}
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}

	entries := []archiveEntry{}
	for _, zf := range reader.File {
		name := strings.Trim(zf.Name, "/")
		isFolder := strings.HasSuffix(zf.Name, "/") || zf.FileInfo().IsDir()

		segments := strings.Split(name, "/")
		if len(segments) <= stripLevels {
			continue
		}
		segments = segments[stripLevels:]
		for _, seg := range segments {
			if !pathindex.ValidName(seg) {
				return nil, fmt.Errorf("%w: entry %q has an invalid path", ErrArchiveCorrupt, zf.Name)
			}
		}
		rel := strings.Join(segments, "/")

		entry := archiveEntry{rel: rel, isFolder: isFolder}
		if !isFolder {
			rc, err := zf.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
			}
			entry.data = data
		}
		entries = append(entries, entry)
	}

	// Parents before children so the apply step can link in order.
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.Count(entries[i].rel, "/") < strings.Count(entries[j].rel, "/")
	})
	return entries, nil
}

// ExportArchive serializes the node at path: raw content for a file, a
// zip stream for a folder. The stream is produced lazily; closing the
// reader or cancelling the context stops production with no tree effect.
// A repeated call over an unchanged tree yields identical entries.
func (t *Tree) ExportArchive(ctx context.Context, path string) (io.ReadCloser, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	if file, ok := t.paths.ResolveFile(path); ok {
		ref := file.Ref
		t.mu.RUnlock()
		bctx, cancel := t.blobCtx(ctx)
		defer cancel()
		data, err := t.blobs.Get(bctx, ref)
		if err != nil {
			return nil, storageFailure(err)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	type exportEntry struct {
		rel      string
		isFolder bool
		ref      types.BlobRef
		modified time.Time
	}
	// Entry names are slash-relative to the exported folder.
	prefix := path + pathindex.Separator
	if path == pathindex.Separator {
		prefix = pathindex.Separator
	}
	entries := []exportEntry{}
	walkErr := t.paths.Walk(path, func(folder *types.Folder, file *types.File) error {
		if folder != nil {
			if folder.Path == path {
				return nil // the exported root itself is implicit
			}
			entries = append(entries, exportEntry{
				rel:      strings.TrimPrefix(folder.Path, prefix),
				isFolder: true,
				modified: folder.Modified,
			})
		} else {
			entries = append(entries, exportEntry{
				rel:      strings.TrimPrefix(file.Path, prefix),
				ref:      file.Ref,
				modified: file.Modified,
			})
		}
		return nil
	})
	t.mu.RUnlock()
	if walkErr != nil {
		return nil, notFound(path)
	}

	pr, pw := io.Pipe()
	go func() {
		zw := zip.NewWriter(pw)
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				pw.CloseWithError(err)
				return
			}
			header := &zip.FileHeader{
				Name:     entry.rel,
				Method:   zip.Deflate,
				Modified: entry.modified,
			}
			if entry.isFolder {
				header.Name += "/"
				header.Method = zip.Store
				if _, err := zw.CreateHeader(header); err != nil {
					pw.CloseWithError(err)
					return
				}
				continue
			}
			bctx, cancel := t.blobCtx(ctx)
			data, err := t.blobs.Get(bctx, entry.ref)
			cancel()
			if err != nil {
				pw.CloseWithError(storageFailure(err))
				return
			}
			w, err := zw.CreateHeader(header)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := w.Write(data); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(zw.Close())
	}()
	return pr, nil
}
