// Package fusehost adapts TierController to a real FUSE mount using
// hanwen/go-fuse. Directory operations, permission checks and xattrs are
// trivial passthroughs to the proxy path (spec's Out-of-scope list, §1);
// every regular-file upcall is routed through TierController, which
// decides per call whether the path is local-tier or cloud-backed.
package fusehost

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"

	"github.com/cloudfs/cloudfs/internal/logger"
	"github.com/cloudfs/cloudfs/pkg/pathmap"
	"github.com/cloudfs/cloudfs/pkg/tiercontroller"
)

// Host holds the state shared by every Node in the mounted tree.
type Host struct {
	tc       *tiercontroller.TierController
	afs      afero.Fs
	pm       *pathmap.PathMap
	uid, gid uint32
}

// New builds a Host. uid/gid are reported as the owner of every inode
// (CloudFS does not model per-file ownership beyond the proxy's own mode
// bits, which the kernel already enforces via the proxy's real dirent).
func New(tc *tiercontroller.TierController, afs afero.Fs, pm *pathmap.PathMap, uid, gid uint32) *Host {
	return &Host{tc: tc, afs: afs, pm: pm, uid: uid, gid: gid}
}

// MountOptions are the knobs exposed to the CLI's start command.
type MountOptions struct {
	AllowOther  bool
	Debug       bool
	AttrTimeout time.Duration
}

// Mount mounts the filesystem at mountPoint and returns the running
// *fuse.Server. Callers should call server.Wait() to block until unmount
// and server.Unmount() to tear down gracefully.
func Mount(h *Host, mountPoint string, opts MountOptions) (*fuse.Server, error) {
	attrTimeout := opts.AttrTimeout
	if attrTimeout == 0 {
		attrTimeout = time.Second
	}

	root := &Node{host: h, path: "/", isDir: true}

	server, err := fs.Mount(mountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:    opts.AllowOther,
			Name:          "cloudfs",
			Debug:         opts.Debug,
			DisableXAttrs: false,
			MaxBackground: 16,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &attrTimeout,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("fuse: mounted", "mountpoint", mountPoint)
	return server, nil
}
