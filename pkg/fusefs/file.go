package fusefs

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"arbor/pkg/tree"
)

// TreeFile is a FUSE file node. Opens load the full content into the
// handle; writes mutate the buffer; Flush commits it back as one atomic
// content update.
type TreeFile struct {
	fs.Inode
	tree   *tree.Tree
	logger *zap.Logger
	path   string
}

type fileHandle struct {
	node *TreeFile

	mu    sync.Mutex
	data  []byte
	dirty bool
}

func (f *TreeFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, err := f.tree.Stat(f.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, entry)
	out.SetTimeout(1 * time.Second)
	return 0
}

func (f *TreeFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	handle := &fileHandle{node: f}
	if flags&syscall.O_TRUNC == 0 {
		data, err := f.tree.ReadFile(ctx, f.path)
		if err != nil {
			f.logger.Debug("Open read failed", zap.String("path", f.path), zap.Error(err))
			return nil, 0, errno(err)
		}
		handle.data = data
	} else {
		handle.data = []byte{}
		handle.dirty = true
	}
	return handle, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *TreeFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		data, err := f.tree.ReadFile(ctx, f.path)
		if err != nil {
			return nil, errno(err)
		}
		return sliceResult(data, off, dest), 0
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	return sliceResult(handle.data, off, dest), 0
}

func sliceResult(data []byte, off int64, dest []byte) fuse.ReadResult {
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil)
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end])
}

func (f *TreeFile) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()

	end := off + int64(len(data))
	if end > int64(len(handle.data)) {
		grown := make([]byte, end)
		copy(grown, handle.data)
		handle.data = grown
	}
	copy(handle.data[off:end], data)
	handle.dirty = true
	return uint32(len(data)), 0
}

func (f *TreeFile) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		handle, isHandle := fh.(*fileHandle)
		if !isHandle {
			return syscall.EBADF
		}
		handle.mu.Lock()
		if size <= uint64(len(handle.data)) {
			handle.data = handle.data[:size]
		} else {
			grown := make([]byte, size)
			copy(grown, handle.data)
			handle.data = grown
		}
		handle.dirty = true
		handle.mu.Unlock()
	}
	return f.Getattr(ctx, fh, out)
}

func (f *TreeFile) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return 0
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if !handle.dirty {
		return 0
	}
	if err := f.tree.UpdateContent(ctx, f.path, handle.data); err != nil {
		f.logger.Error("Flush failed", zap.String("path", f.path), zap.Error(err))
		return errno(err)
	}
	handle.dirty = false
	return 0
}

func (f *TreeFile) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	return f.Flush(ctx, fh)
}

func (f *TreeFile) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return f.Flush(ctx, fh)
}
