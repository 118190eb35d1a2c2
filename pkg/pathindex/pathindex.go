// Package pathindex maintains the hierarchical namespace of the virtual
// tree: canonical path -> node lookups, parent/children links, and atomic
// subtree relinking. It is a plain data structure; the owning tree holds
// the lock around every call.
package pathindex

import (
	"errors"
	"sort"
	"strings"
	"time"

	"arbor/pkg/types"
)

var (
	ErrExists      = errors.New("path already exists")
	ErrNotFound    = errors.New("path not found")
	ErrInvalidPath = errors.New("invalid path")
)

const Separator = "/"

// Index maps canonical paths to nodes. Keys are folded when the index is
// case-insensitive; stored paths keep their original case.
type Index struct {
	caseFold bool
	folders  map[string]*types.Folder
	files    map[string]*types.File
}

func New(caseFold bool) *Index {
	idx := &Index{
		caseFold: caseFold,
		folders:  make(map[string]*types.Folder),
		files:    make(map[string]*types.File),
	}
	idx.folders[Separator] = &types.Folder{
		Path:     Separator,
		Children: []string{},
		Modified: time.Now(),
	}
	return idx
}

func (idx *Index) key(path string) string {
	if idx.caseFold {
		return strings.ToLower(path)
	}
	return path
}

// Canonicalize normalizes a path to its canonical form: leading separator,
// no trailing separator, no empty segments.
func Canonicalize(path string) (string, error) {
	if path == "" || path == Separator {
		return Separator, nil
	}
	trimmed := strings.Trim(path, Separator)
	segments := strings.Split(trimmed, Separator)
	for _, seg := range segments {
		if !ValidName(seg) {
			return "", ErrInvalidPath
		}
	}
	return Separator + strings.Join(segments, Separator), nil
}

// ValidName reports whether a single path segment is acceptable.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.Contains(name, Separator)
}

// ParentPath returns the canonical parent of a path, or "" for the root.
func ParentPath(path string) string {
	if path == Separator || path == "" {
		return ""
	}
	lastSlash := strings.LastIndex(path, Separator)
	if lastSlash == 0 {
		return Separator
	}
	return path[:lastSlash]
}

// BaseName returns the last segment of a path.
func BaseName(path string) string {
	if path == Separator {
		return Separator
	}
	parts := strings.Split(path, Separator)
	return parts[len(parts)-1]
}

// Join appends a name to a parent path.
func Join(parent, name string) string {
	if parent == Separator {
		return Separator + name
	}
	return parent + Separator + name
}

// ResolveFolder returns the folder at path, if any.
func (idx *Index) ResolveFolder(path string) (*types.Folder, bool) {
	f, ok := idx.folders[idx.key(path)]
	return f, ok
}

// ResolveFile returns the file at path, if any.
func (idx *Index) ResolveFile(path string) (*types.File, bool) {
	f, ok := idx.files[idx.key(path)]
	return f, ok
}

// Exists reports whether any node occupies the path.
func (idx *Index) Exists(path string) bool {
	key := idx.key(path)
	if _, ok := idx.folders[key]; ok {
		return true
	}
	_, ok := idx.files[key]
	return ok
}

// InsertFolder links a new folder under its parent. The parent must exist
// and the path must be free.
func (idx *Index) InsertFolder(folder *types.Folder) error {
	if err := idx.checkInsert(folder.Path); err != nil {
		return err
	}
	idx.folders[idx.key(folder.Path)] = folder
	idx.attachChild(folder.Path)
	return nil
}

// InsertFile links a new file under its parent.
func (idx *Index) InsertFile(file *types.File) error {
	if err := idx.checkInsert(file.Path); err != nil {
		return err
	}
	idx.files[idx.key(file.Path)] = file
	idx.attachChild(file.Path)
	return nil
}

func (idx *Index) checkInsert(path string) error {
	if path == Separator {
		return ErrExists
	}
	if idx.Exists(path) {
		return ErrExists
	}
	parent := ParentPath(path)
	if _, ok := idx.folders[idx.key(parent)]; !ok {
		return ErrNotFound
	}
	return nil
}

func (idx *Index) attachChild(path string) {
	parent := idx.folders[idx.key(ParentPath(path))]
	parent.Children = append(parent.Children, path)
	parent.Modified = time.Now()
}

func (idx *Index) detachChild(path string) {
	parent, ok := idx.folders[idx.key(ParentPath(path))]
	if !ok {
		return
	}
	for i, child := range parent.Children {
		if idx.key(child) == idx.key(path) {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	parent.Modified = time.Now()
}

// Remove unlinks the node at path and its entire subtree. It returns the
// removed files (so the caller can release blobs) and all removed paths in
// top-down order (so the caller can deindex them). Removing the root fails.
func (idx *Index) Remove(path string) (files []*types.File, paths []string, err error) {
	if path == Separator {
		return nil, nil, ErrInvalidPath
	}
	key := idx.key(path)
	if folder, ok := idx.folders[key]; ok {
		idx.detachChild(path)
		files, paths = idx.removeFolder(folder)
		return files, paths, nil
	}
	if file, ok := idx.files[key]; ok {
		idx.detachChild(path)
		delete(idx.files, key)
		return []*types.File{file}, []string{file.Path}, nil
	}
	return nil, nil, ErrNotFound
}

func (idx *Index) removeFolder(folder *types.Folder) ([]*types.File, []string) {
	files := []*types.File{}
	paths := []string{folder.Path}
	for _, childPath := range folder.Children {
		childKey := idx.key(childPath)
		if childFolder, ok := idx.folders[childKey]; ok {
			subFiles, subPaths := idx.removeFolder(childFolder)
			files = append(files, subFiles...)
			paths = append(paths, subPaths...)
		} else if childFile, ok := idx.files[childKey]; ok {
			delete(idx.files, childKey)
			files = append(files, childFile)
			paths = append(paths, childFile.Path)
		}
	}
	delete(idx.folders, idx.key(folder.Path))
	return files, paths
}

// Rename atomically relinks the subtree at oldPath to newPath. Node
// identities are preserved; only paths and parent links change. The
// destination must be free and its parent must exist.
func (idx *Index) Rename(oldPath, newPath string) error {
	if oldPath == Separator || newPath == Separator {
		return ErrInvalidPath
	}
	if !idx.Exists(oldPath) {
		return ErrNotFound
	}
	// A pure case rename maps old and new to the same key when folding.
	if idx.Exists(newPath) && idx.key(oldPath) != idx.key(newPath) {
		return ErrExists
	}
	// Relinking a subtree into itself would orphan it.
	if strings.HasPrefix(idx.key(newPath), idx.key(oldPath)+Separator) {
		return ErrInvalidPath
	}
	if _, ok := idx.folders[idx.key(ParentPath(newPath))]; !ok {
		return ErrNotFound
	}

	idx.detachChild(oldPath)
	idx.relink(oldPath, newPath)
	idx.attachChild(newPath)
	return nil
}

func (idx *Index) relink(oldPath, newPath string) {
	oldKey := idx.key(oldPath)
	if folder, ok := idx.folders[oldKey]; ok {
		delete(idx.folders, oldKey)
		folder.Path = newPath
		folder.Modified = time.Now()
		idx.folders[idx.key(newPath)] = folder

		children := folder.Children
		folder.Children = make([]string, 0, len(children))
		for _, childPath := range children {
			newChildPath := Join(newPath, BaseName(childPath))
			idx.relink(childPath, newChildPath)
			folder.Children = append(folder.Children, newChildPath)
		}
	} else if file, ok := idx.files[oldKey]; ok {
		delete(idx.files, oldKey)
		file.Path = newPath
		file.Modified = time.Now()
		idx.files[idx.key(newPath)] = file
	}
}

// Children returns the entries directly under a folder, sorted by name.
func (idx *Index) Children(path string) ([]types.Entry, error) {
	folder, ok := idx.folders[idx.key(path)]
	if !ok {
		return nil, ErrNotFound
	}
	entries := make([]types.Entry, 0, len(folder.Children))
	for _, childPath := range folder.Children {
		childKey := idx.key(childPath)
		if childFolder, ok := idx.folders[childKey]; ok {
			entries = append(entries, types.Entry{
				Name:     BaseName(childFolder.Path),
				Path:     childFolder.Path,
				IsFolder: true,
				Modified: childFolder.Modified,
			})
		} else if childFile, ok := idx.files[childKey]; ok {
			entries = append(entries, types.Entry{
				Name:     BaseName(childFile.Path),
				Path:     childFile.Path,
				Size:     childFile.Size,
				Modified: childFile.Modified,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Walk visits the subtree rooted at path depth-first, children in name
// order. The visitor receives folders with file == nil and files with
// folder == nil.
func (idx *Index) Walk(path string, visit func(folder *types.Folder, file *types.File) error) error {
	key := idx.key(path)
	if folder, ok := idx.folders[key]; ok {
		return idx.walkFolder(folder, visit)
	}
	if file, ok := idx.files[key]; ok {
		return visit(nil, file)
	}
	return ErrNotFound
}

func (idx *Index) walkFolder(folder *types.Folder, visit func(*types.Folder, *types.File) error) error {
	if err := visit(folder, nil); err != nil {
		return err
	}
	children := make([]string, len(folder.Children))
	copy(children, folder.Children)
	sort.Slice(children, func(i, j int) bool { return BaseName(children[i]) < BaseName(children[j]) })
	for _, childPath := range children {
		childKey := idx.key(childPath)
		if childFolder, ok := idx.folders[childKey]; ok {
			if err := idx.walkFolder(childFolder, visit); err != nil {
				return err
			}
		} else if childFile, ok := idx.files[childKey]; ok {
			if err := visit(nil, childFile); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of nodes excluding the root.
func (idx *Index) Len() int {
	return len(idx.folders) + len(idx.files) - 1
}
