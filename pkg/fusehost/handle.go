package fusehost

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cloudfs/cloudfs/pkg/tiercontroller"
)

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
)

// FileHandle wraps one TierController.Handle (§3's OpenHandle) for the
// lifetime of a single FUSE open.
type FileHandle struct {
	host   *Host
	h      *tiercontroller.Handle
	closed atomic.Bool
}

// Read implements fs.FileReader.
func (f *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.host.tc.Read(ctx, f.h, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements fs.FileWriter.
func (f *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.host.tc.Write(ctx, f.h, data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Flush implements fs.FileFlusher as a no-op.
func (f *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Release implements fs.FileReleaser.
func (f *FileHandle) Release(ctx context.Context) syscall.Errno {
	if !f.closed.CompareAndSwap(false, true) {
		return 0
	}
	if err := f.host.tc.Release(ctx, f.h); err != nil {
		return toErrno(err)
	}
	return 0
}
