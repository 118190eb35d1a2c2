package tree

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbor/pkg/pathindex"
	"arbor/pkg/types"
)

// CreateFile creates a file under parentPath with the given content. The
// parent must exist and the name must be free.
func (t *Tree) CreateFile(ctx context.Context, parentPath, name string, content []byte) (*types.File, error) {
	start := time.Now()
	file, err := t.createFile(ctx, parentPath, name, content)
	t.observe("create_file", start, err)
	return file, err
}

func (t *Tree) createFile(ctx context.Context, parentPath, name string, content []byte) (*types.File, error) {
	parentPath, err := canonical(parentPath)
	if err != nil {
		return nil, err
	}
	if !pathindex.ValidName(name) {
		return nil, invalidName(name)
	}
	path := pathindex.Join(parentPath, name)
	if err := t.checkConsistent(path); err != nil {
		return nil, err
	}

	// Validate before touching the blob store so structural errors never
	// allocate anything.
	t.mu.RLock()
	err = t.checkCreateTarget(parentPath, path)
	t.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	bctx, cancel := t.blobCtx(ctx)
	ref, err := t.blobs.Put(bctx, content)
	cancel()
	if err != nil {
		return nil, storageFailure(err)
	}

	file := &types.File{
		Path:     path,
		Size:     int64(len(content)),
		Modified: time.Now(),
		Ref:      ref,
		Hash:     blobHash(content),
	}

	t.mu.Lock()
	err = t.paths.InsertFile(file)
	t.mu.Unlock()
	if err != nil {
		// A concurrent mutation won the path; release the orphan blob.
		t.releaseBlob(ref)
		return nil, t.mapIndexErr(err, path)
	}

	t.indexFile(path, content)
	t.logger.Info("File created", zap.String("path", path), zap.Int64("size", file.Size))
	t.publish(types.Event{Type: types.EventCreated, Path: path})
	return file, nil
}

// CreateFolder creates exactly the leaf folder; the parent must already
// exist. EnsureFolder is the ancestor-creating variant.
func (t *Tree) CreateFolder(ctx context.Context, path string) (*types.Folder, error) {
	start := time.Now()
	folder, err := t.createFolder(ctx, path)
	t.observe("create_folder", start, err)
	return folder, err
}

func (t *Tree) createFolder(ctx context.Context, path string) (*types.Folder, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}
	if path == pathindex.Separator {
		return nil, conflict("root already exists")
	}
	if err := t.checkConsistent(path); err != nil {
		return nil, err
	}

	folder := &types.Folder{
		Path:     path,
		Children: []string{},
		Modified: time.Now(),
	}

	t.mu.Lock()
	if err := t.checkCreateTarget(pathindex.ParentPath(path), path); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	err = t.paths.InsertFolder(folder)
	t.mu.Unlock()
	if err != nil {
		return nil, t.mapIndexErr(err, path)
	}

	t.logger.Info("Folder created", zap.String("path", path))
	t.publish(types.Event{Type: types.EventCreated, Path: path, IsFolder: true})
	return folder, nil
}

// EnsureFolder returns the folder at path, creating it and any missing
// ancestors. A file anywhere on the path fails TypeMismatch.
func (t *Tree) EnsureFolder(ctx context.Context, path string) (*types.Folder, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}
	if err := t.checkConsistent(path); err != nil {
		return nil, err
	}

	created := []string{}
	t.mu.Lock()
	folder, err := t.ensureFolderLocked(path, &created)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, p := range created {
		t.logger.Info("Folder created", zap.String("path", p))
		t.publish(types.Event{Type: types.EventCreated, Path: p, IsFolder: true})
	}
	return folder, nil
}

func (t *Tree) ensureFolderLocked(path string, created *[]string) (*types.Folder, error) {
	if folder, ok := t.paths.ResolveFolder(path); ok {
		return folder, nil
	}
	if _, ok := t.paths.ResolveFile(path); ok {
		return nil, typeMismatch(path, "folder")
	}
	if _, err := t.ensureFolderLocked(pathindex.ParentPath(path), created); err != nil {
		return nil, err
	}
	folder := &types.Folder{
		Path:     path,
		Children: []string{},
		Modified: time.Now(),
	}
	if err := t.paths.InsertFolder(folder); err != nil {
		return nil, t.mapIndexErr(err, path)
	}
	*created = append(*created, path)
	return folder, nil
}

// UpdateContent replaces a file's content, reindexes it and bumps its
// modification time. Writes to distinct files never block each other.
func (t *Tree) UpdateContent(ctx context.Context, path string, content []byte) error {
	start := time.Now()
	err := t.updateContent(ctx, path, content)
	t.observe("update", start, err)
	return err
}

func (t *Tree) updateContent(ctx context.Context, path string, content []byte) error {
	path, err := canonical(path)
	if err != nil {
		return err
	}
	if err := t.checkConsistent(path); err != nil {
		return err
	}

	lock := t.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	file, ok := t.paths.ResolveFile(path)
	if !ok {
		_, isFolder := t.paths.ResolveFolder(path)
		t.mu.RUnlock()
		if isFolder {
			return typeMismatch(path, "file")
		}
		return notFound(path)
	}
	oldRef := file.Ref
	t.mu.RUnlock()

	bctx, cancel := t.blobCtx(ctx)
	newRef, err := t.blobs.Put(bctx, content)
	cancel()
	if err != nil {
		return storageFailure(err)
	}

	t.mu.Lock()
	file, ok = t.paths.ResolveFile(path)
	if !ok {
		t.mu.Unlock()
		t.releaseBlob(newRef)
		return notFound(path)
	}
	file.Ref = newRef
	file.Size = int64(len(content))
	file.Hash = blobHash(content)
	file.Modified = time.Now()
	t.mu.Unlock()

	t.releaseBlob(oldRef)
	t.indexFile(path, content)
	t.logger.Info("File updated", zap.String("path", path), zap.Int("size", len(content)))
	t.publish(types.Event{Type: types.EventUpdated, Path: path})
	return nil
}

// Delete removes the node at path, recursively for folders. Blobs are
// released and the search index is trimmed before the call returns; a
// single Deleted event covers the whole subtree.
func (t *Tree) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := t.deleteNode(ctx, path)
	t.observe("delete", start, err)
	return err
}

func (t *Tree) deleteNode(ctx context.Context, path string) error {
	path, err := canonical(path)
	if err != nil {
		return err
	}
	if path == pathindex.Separator {
		return conflict("cannot delete the root")
	}
	if err := t.checkConsistent(path); err != nil {
		return err
	}

	t.mu.Lock()
	_, isFolder := t.paths.ResolveFolder(path)
	files, removed, err := t.paths.Remove(path)
	t.mu.Unlock()
	if err != nil {
		return t.mapIndexErr(err, path)
	}

	for _, file := range files {
		t.index.Remove(file.Path)
		t.releaseBlob(file.Ref)
	}

	t.logger.Info("Deleted",
		zap.String("path", path),
		zap.Bool("folder", isFolder),
		zap.Int("nodes", len(removed)))
	t.publish(types.Event{Type: types.EventDeleted, Path: path, IsFolder: isFolder})
	return nil
}

// copiedNode is a snapshot of one source node taken before a copy.
type copiedNode struct {
	path     string // destination path
	isFolder bool
	data     []byte
	ref      types.BlobRef
	project  *types.ProjectMeta
}

// CopyTo deep-copies the node at src below newParentPath under newName.
// Every descendant gets a fresh identity and a duplicated blob; the
// source is untouched. With overwrite, an existing destination is
// replaced recursively.
func (t *Tree) CopyTo(ctx context.Context, src, newParentPath, newName string, overwrite bool) (types.Entry, error) {
	start := time.Now()
	entry, err := t.copyTo(ctx, src, newParentPath, newName, overwrite)
	t.observe("copy", start, err)
	return entry, err
}

func (t *Tree) copyTo(ctx context.Context, src, newParentPath, newName string, overwrite bool) (types.Entry, error) {
	src, err := canonical(src)
	if err != nil {
		return types.Entry{}, err
	}
	newParentPath, err = canonical(newParentPath)
	if err != nil {
		return types.Entry{}, err
	}
	if newName == "" {
		newName = pathindex.BaseName(src)
	}
	if !pathindex.ValidName(newName) {
		return types.Entry{}, invalidName(newName)
	}
	dest := pathindex.Join(newParentPath, newName)
	if err := t.checkConsistent(src); err != nil {
		return types.Entry{}, err
	}
	if err := t.checkConsistent(dest); err != nil {
		return types.Entry{}, err
	}
	if dest == src {
		return types.Entry{}, conflict("%s cannot be copied onto itself", src)
	}

	// Snapshot the source subtree, then duplicate blobs outside the tree
	// lock. The copy reflects this snapshot even if the source changes
	// underneath.
	type srcNode struct {
		rel      string
		isFolder bool
		ref      types.BlobRef
		project  *types.ProjectMeta
	}
	snapshot := []srcNode{}

	t.mu.RLock()
	if err := t.checkCopyTarget(src, newParentPath, dest, overwrite); err != nil {
		t.mu.RUnlock()
		return types.Entry{}, err
	}
	t.paths.Walk(src, func(folder *types.Folder, file *types.File) error {
		if folder != nil {
			snapshot = append(snapshot, srcNode{
				rel:      strings.TrimPrefix(folder.Path, src),
				isFolder: true,
				project:  folder.Project,
			})
		} else {
			snapshot = append(snapshot, srcNode{
				rel: strings.TrimPrefix(file.Path, src),
				ref: file.Ref,
			})
		}
		return nil
	})
	t.mu.RUnlock()

	copies := make([]copiedNode, 0, len(snapshot))
	newRefs := []types.BlobRef{}
	rollbackBlobs := func() {
		for _, ref := range newRefs {
			t.releaseBlob(ref)
		}
	}

	for _, node := range snapshot {
		if err := ctx.Err(); err != nil {
			rollbackBlobs()
			return types.Entry{}, err
		}
		cp := copiedNode{path: dest + node.rel, isFolder: node.isFolder, project: node.project}
		if !node.isFolder {
			bctx, cancel := t.blobCtx(ctx)
			data, err := t.blobs.Get(bctx, node.ref)
			cancel()
			if err != nil {
				rollbackBlobs()
				return types.Entry{}, storageFailure(err)
			}
			cp.data = data
		}
		copies = append(copies, cp)
	}

	entry, overwrittenBlobs, overwrittenPaths, err := t.applyCopy(ctx, src, newParentPath, dest, overwrite, copies, &newRefs)
	if err != nil {
		rollbackBlobs()
		return types.Entry{}, err
	}

	for _, p := range overwrittenPaths {
		t.index.Remove(p)
	}
	for _, ref := range overwrittenBlobs {
		t.releaseBlob(ref)
	}
	for _, cp := range copies {
		if !cp.isFolder {
			t.indexFile(cp.path, cp.data)
		}
	}

	t.logger.Info("Copied",
		zap.String("from", src),
		zap.String("to", dest),
		zap.Int("nodes", len(copies)))
	t.publish(types.Event{Type: types.EventCreated, Path: dest, IsFolder: copies[0].isFolder})
	return entry, nil
}

// applyCopy stores the duplicated blobs and links the copied nodes in one
// structural step. Any failure rolls back nodes already linked. Overwritten
// files are returned, not deindexed; the caller trims the search index only
// once the apply has succeeded.
func (t *Tree) applyCopy(ctx context.Context, src, newParentPath, dest string, overwrite bool, copies []copiedNode, newRefs *[]types.BlobRef) (types.Entry, []types.BlobRef, []string, error) {
	for i := range copies {
		if copies[i].isFolder {
			continue
		}
		bctx, cancel := t.blobCtx(ctx)
		ref, err := t.blobs.Put(bctx, copies[i].data)
		cancel()
		if err != nil {
			return types.Entry{}, nil, nil, storageFailure(err)
		}
		copies[i].ref = ref
		*newRefs = append(*newRefs, ref)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkCopyTarget(src, newParentPath, dest, overwrite); err != nil {
		return types.Entry{}, nil, nil, err
	}

	destRemoved := false
	overwrittenBlobs := []types.BlobRef{}
	overwrittenPaths := []string{}
	if t.paths.Exists(dest) {
		files, _, err := t.paths.Remove(dest)
		if err != nil {
			return types.Entry{}, nil, nil, t.mapIndexErr(err, dest)
		}
		destRemoved = true
		for _, f := range files {
			overwrittenBlobs = append(overwrittenBlobs, f.Ref)
			overwrittenPaths = append(overwrittenPaths, f.Path)
		}
	}

	linked := []string{}
	for _, cp := range copies {
		var err error
		if cp.isFolder {
			err = t.paths.InsertFolder(&types.Folder{
				Path:     cp.path,
				Children: []string{},
				Modified: time.Now(),
				Project:  cloneProject(cp.project),
			})
		} else {
			err = t.paths.InsertFile(&types.File{
				Path:     cp.path,
				Size:     int64(len(cp.data)),
				Modified: time.Now(),
				Ref:      cp.ref,
				Hash:     blobHash(cp.data),
			})
		}
		if err != nil {
			for i := len(linked) - 1; i >= 0; i-- {
				if _, _, rbErr := t.paths.Remove(linked[i]); rbErr != nil {
					t.markInconsistent(dest, "copy rollback failed: "+rbErr.Error())
					return types.Entry{}, nil, nil, storageFailure(rbErr)
				}
			}
			if destRemoved {
				// The overwritten subtree is gone and its prior state was
				// not snapshotted; flag the path until a Repair.
				t.markInconsistent(dest, "copy rollback could not restore the overwritten destination")
			}
			return types.Entry{}, nil, nil, t.mapIndexErr(err, cp.path)
		}
		linked = append(linked, cp.path)
	}

	entry, _ := t.entryLocked(dest)
	return entry, overwrittenBlobs, overwrittenPaths, nil
}

// MoveTo relinks the node at src below newParentPath under newName,
// preserving node identities. Moving a folder into its own subtree fails
// Conflict at any depth.
func (t *Tree) MoveTo(ctx context.Context, src, newParentPath, newName string, overwrite bool) (types.Entry, error) {
	start := time.Now()
	entry, err := t.moveTo(ctx, src, newParentPath, newName, overwrite)
	t.observe("move", start, err)
	return entry, err
}

func (t *Tree) moveTo(ctx context.Context, src, newParentPath, newName string, overwrite bool) (types.Entry, error) {
	src, err := canonical(src)
	if err != nil {
		return types.Entry{}, err
	}
	newParentPath, err = canonical(newParentPath)
	if err != nil {
		return types.Entry{}, err
	}
	if newName == "" {
		newName = pathindex.BaseName(src)
	}
	if !pathindex.ValidName(newName) {
		return types.Entry{}, invalidName(newName)
	}
	dest := pathindex.Join(newParentPath, newName)
	if err := t.checkConsistent(src); err != nil {
		return types.Entry{}, err
	}
	if err := t.checkConsistent(dest); err != nil {
		return types.Entry{}, err
	}
	if dest == src {
		return types.Entry{}, conflict("%s cannot be moved onto itself", src)
	}

	t.mu.Lock()
	_, isFolder := t.paths.ResolveFolder(src)
	if !isFolder {
		if _, ok := t.paths.ResolveFile(src); !ok {
			t.mu.Unlock()
			return types.Entry{}, notFound(src)
		}
	}
	srcKey, parentKey := src, newParentPath
	if t.opts.CaseInsensitive {
		srcKey, parentKey = strings.ToLower(src), strings.ToLower(newParentPath)
	}
	if isFolder && (parentKey == srcKey || strings.HasPrefix(parentKey, srcKey+pathindex.Separator)) {
		t.mu.Unlock()
		return types.Entry{}, conflict("cannot move %s into its own subtree %s", src, newParentPath)
	}
	if _, ok := t.paths.ResolveFolder(newParentPath); !ok {
		_, isFile := t.paths.ResolveFile(newParentPath)
		t.mu.Unlock()
		if isFile {
			return types.Entry{}, typeMismatch(newParentPath, "folder")
		}
		return types.Entry{}, notFound(newParentPath)
	}

	// A pure case rename resolves to the source itself when folding.
	caseRename := t.opts.CaseInsensitive && strings.EqualFold(src, dest)

	overwrittenBlobs := []types.BlobRef{}
	if t.paths.Exists(dest) && !caseRename {
		if !overwrite {
			t.mu.Unlock()
			return types.Entry{}, conflict("%s already exists", dest)
		}
		files, _, err := t.paths.Remove(dest)
		if err != nil {
			t.mu.Unlock()
			return types.Entry{}, t.mapIndexErr(err, dest)
		}
		for _, f := range files {
			overwrittenBlobs = append(overwrittenBlobs, f.Ref)
			t.index.Remove(f.Path)
		}
	}

	if err := t.paths.Rename(src, dest); err != nil {
		t.mu.Unlock()
		return types.Entry{}, t.mapIndexErr(err, dest)
	}
	entry, _ := t.entryLocked(dest)
	t.mu.Unlock()

	for _, ref := range overwrittenBlobs {
		t.releaseBlob(ref)
	}
	t.index.Rename(src, dest)

	t.logger.Info("Moved", zap.String("from", src), zap.String("to", dest))
	t.publish(types.Event{Type: types.EventMoved, Path: dest, From: src, IsFolder: isFolder})
	return entry, nil
}

// checkCreateTarget validates parent existence and path freedom. Callers
// hold at least a read lock.
func (t *Tree) checkCreateTarget(parentPath, path string) error {
	if _, ok := t.paths.ResolveFolder(parentPath); !ok {
		if _, isFile := t.paths.ResolveFile(parentPath); isFile {
			return typeMismatch(parentPath, "folder")
		}
		return notFound(parentPath)
	}
	if t.paths.Exists(path) {
		return conflict("%s already exists", path)
	}
	return nil
}

// checkCopyTarget validates a copy's source and destination. Callers hold
// at least a read lock.
func (t *Tree) checkCopyTarget(src, newParentPath, dest string, overwrite bool) error {
	if !t.paths.Exists(src) {
		return notFound(src)
	}
	if _, ok := t.paths.ResolveFolder(newParentPath); !ok {
		if _, isFile := t.paths.ResolveFile(newParentPath); isFile {
			return typeMismatch(newParentPath, "folder")
		}
		return notFound(newParentPath)
	}
	if t.paths.Exists(dest) && !overwrite {
		return conflict("%s already exists", dest)
	}
	return nil
}

func (t *Tree) entryLocked(path string) (types.Entry, bool) {
	if folder, ok := t.paths.ResolveFolder(path); ok {
		return types.Entry{
			Name:     pathindex.BaseName(folder.Path),
			Path:     folder.Path,
			IsFolder: true,
			Modified: folder.Modified,
		}, true
	}
	if file, ok := t.paths.ResolveFile(path); ok {
		return types.Entry{
			Name:     pathindex.BaseName(file.Path),
			Path:     file.Path,
			Size:     file.Size,
			Modified: file.Modified,
		}, true
	}
	return types.Entry{}, false
}

// releaseBlob deletes a blob outside any mutation path; failures leave an
// orphan blob and are logged, never surfaced.
func (t *Tree) releaseBlob(ref types.BlobRef) {
	if ref == "" {
		return
	}
	bctx, cancel := t.blobCtx(context.Background())
	defer cancel()
	if err := t.blobs.Delete(bctx, ref); err != nil {
		t.logger.Warn("Failed to release blob", zap.String("ref", string(ref)), zap.Error(err))
	}
}

func (t *Tree) mapIndexErr(err error, path string) error {
	switch {
	case errors.Is(err, pathindex.ErrExists):
		return conflict("%s already exists", path)
	case errors.Is(err, pathindex.ErrNotFound):
		return notFound(path)
	case errors.Is(err, pathindex.ErrInvalidPath):
		return invalidName(path)
	}
	return err
}
