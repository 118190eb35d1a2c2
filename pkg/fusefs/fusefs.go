// Package fusefs exposes a virtual file tree as a FUSE mount. Directory
// nodes resolve paths against the tree on every kernel call; file content
// moves through whole-file buffers because tree writes replace content
// atomically.
package fusefs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"arbor/pkg/pathindex"
	"arbor/pkg/tree"
	"arbor/pkg/types"
)

// TreeFS is a FUSE directory node backed by a folder in the tree.
type TreeFS struct {
	fs.Inode
	tree   *tree.Tree
	logger *zap.Logger
}

// NewTreeFS creates the root filesystem node.
func NewTreeFS(t *tree.Tree, logger *zap.Logger) *TreeFS {
	return &TreeFS{tree: t, logger: logger}
}

func (n *TreeFS) OnAdd(ctx context.Context) {
	n.logger.Info("FUSE filesystem mounted")
}

// getPath returns the tree path for this inode.
func (n *TreeFS) getPath() string {
	p := n.Path(n.Root())
	if p == "" {
		return pathindex.Separator
	}
	return pathindex.Separator + p
}

func (n *TreeFS) childPath(name string) string {
	return pathindex.Join(n.getPath(), name)
}

// errno maps tree error kinds onto FUSE errnos.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, tree.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, tree.ErrConflict):
		return syscall.EEXIST
	case errors.Is(err, tree.ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, tree.ErrTypeMismatch):
		return syscall.ENOTDIR
	default:
		return syscall.EIO
	}
}

func fillAttr(out *fuse.Attr, entry types.Entry) {
	if entry.IsFolder {
		out.Mode = syscall.S_IFDIR | 0755
	} else {
		out.Mode = syscall.S_IFREG | 0644
		out.Size = uint64(entry.Size)
	}
	mtime := uint64(entry.Modified.Unix())
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = mtime
	out.Nlink = 1
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func (n *TreeFS) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, err := n.tree.Stat(n.getPath())
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, entry)
	out.SetTimeout(1 * time.Second)
	return 0
}

func (n *TreeFS) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.tree.List(n.getPath())
	if err != nil {
		n.logger.Debug("Readdir failed", zap.String("path", n.getPath()), zap.Error(err))
		return nil, errno(err)
	}

	fuseEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		mode := uint32(syscall.S_IFREG)
		if entry.IsFolder {
			mode = syscall.S_IFDIR
		}
		fuseEntries = append(fuseEntries, fuse.DirEntry{Mode: mode, Name: entry.Name})
	}
	return fs.NewListDirStream(fuseEntries), 0
}

func (n *TreeFS) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.childPath(name)
	entry, err := n.tree.Stat(childPath)
	if err != nil {
		return nil, errno(err)
	}

	var childNode fs.InodeEmbedder
	var mode uint32
	if entry.IsFolder {
		childNode = &TreeFS{tree: n.tree, logger: n.logger}
		mode = syscall.S_IFDIR
	} else {
		childNode = &TreeFile{tree: n.tree, logger: n.logger, path: childPath}
		mode = syscall.S_IFREG
	}

	child := n.NewInode(ctx, childNode, fs.StableAttr{Mode: mode})
	fillAttr(&out.Attr, entry)
	out.SetEntryTimeout(1 * time.Second)
	return child, 0
}

func (n *TreeFS) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := n.childPath(name)
	file, err := n.tree.CreateFile(ctx, n.getPath(), name, nil)
	if err != nil {
		n.logger.Debug("Create failed", zap.String("path", childPath), zap.Error(err))
		return nil, nil, 0, errno(err)
	}

	fileNode := &TreeFile{tree: n.tree, logger: n.logger, path: childPath}
	child := n.NewInode(ctx, fileNode, fs.StableAttr{Mode: syscall.S_IFREG})
	handle := &fileHandle{node: fileNode, data: []byte{}}

	fillAttr(&out.Attr, types.Entry{
		Name:     name,
		Path:     file.Path,
		Size:     file.Size,
		Modified: file.Modified,
	})
	out.SetEntryTimeout(1 * time.Second)
	return child, handle, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *TreeFS) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	folder, err := n.tree.CreateFolder(ctx, n.childPath(name))
	if err != nil {
		return nil, errno(err)
	}

	childNode := &TreeFS{tree: n.tree, logger: n.logger}
	child := n.NewInode(ctx, childNode, fs.StableAttr{Mode: syscall.S_IFDIR})
	fillAttr(&out.Attr, types.Entry{
		Name:     name,
		Path:     folder.Path,
		IsFolder: true,
		Modified: folder.Modified,
	})
	return child, 0
}

func (n *TreeFS) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.tree.Delete(ctx, n.childPath(name)))
}

func (n *TreeFS) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.tree.Delete(ctx, n.childPath(name)))
}

func (n *TreeFS) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*TreeFS)
	if !ok {
		return syscall.EXDEV
	}
	overwrite := flags&unixRenameNoReplace == 0
	_, err := n.tree.MoveTo(ctx, n.childPath(name), dest.getPath(), newName, overwrite)
	return errno(err)
}

// RENAME_NOREPLACE from linux/fs.h; go-fuse passes the raw flag through.
const unixRenameNoReplace = 0x1

func (n *TreeFS) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = 4096
	out.NameLen = 255
	return 0
}
