package fusefs

import (
	"fmt"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"arbor/pkg/tree"
)

// Interface checks for the node types.
var (
	_ fs.NodeGetattrer = (*TreeFS)(nil)
	_ fs.NodeReaddirer = (*TreeFS)(nil)
	_ fs.NodeLookuper  = (*TreeFS)(nil)
	_ fs.NodeCreater   = (*TreeFS)(nil)
	_ fs.NodeMkdirer   = (*TreeFS)(nil)
	_ fs.NodeRmdirer   = (*TreeFS)(nil)
	_ fs.NodeUnlinker  = (*TreeFS)(nil)
	_ fs.NodeRenamer   = (*TreeFS)(nil)
	_ fs.NodeStatfser  = (*TreeFS)(nil)

	_ fs.NodeGetattrer = (*TreeFile)(nil)
	_ fs.NodeOpener    = (*TreeFile)(nil)
	_ fs.NodeReader    = (*TreeFile)(nil)
	_ fs.NodeWriter    = (*TreeFile)(nil)
	_ fs.NodeSetattrer = (*TreeFile)(nil)
	_ fs.NodeFlusher   = (*TreeFile)(nil)
	_ fs.NodeFsyncer   = (*TreeFile)(nil)
	_ fs.NodeReleaser  = (*TreeFile)(nil)
)

// MountOptions configures a mount.
type MountOptions struct {
	MountPoint string
	AllowOther bool
	Debug      bool
}

// Mount exposes the tree at opts.MountPoint and returns the server. The
// caller unmounts with server.Unmount and waits with server.Wait.
func Mount(t *tree.Tree, opts MountOptions, logger *zap.Logger) (*fuse.Server, error) {
	if opts.MountPoint == "" {
		return nil, fmt.Errorf("mount point required")
	}

	root := NewTreeFS(t, logger)
	server, err := fs.Mount(opts.MountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "arbor",
			Name:       "arbor",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount at %s: %w", opts.MountPoint, err)
	}

	logger.Info("Mounted virtual tree",
		zap.String("mount_point", opts.MountPoint),
		zap.Bool("allow_other", opts.AllowOther))
	return server, nil
}

// Unmount detaches the filesystem, lazily when busy.
func Unmount(server *fuse.Server, logger *zap.Logger) {
	if err := server.Unmount(); err != nil {
		logger.Warn("Unmount failed, filesystem may be busy", zap.Error(err))
	}
}
