package fusehost

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cloudfs/cloudfs/internal/cerrors"
	"github.com/cloudfs/cloudfs/pkg/tiercontroller"
)

var (
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeAccesser   = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeWriter     = (*Node)(nil)
	_ fs.NodeFlusher    = (*Node)(nil)
	_ fs.NodeReleaser   = (*Node)(nil)
	_ fs.NodeSetxattrer = (*Node)(nil)
	_ fs.NodeGetxattrer = (*Node)(nil)
)

// Node is a single inode in the mounted tree, backed by TierController for
// regular files and by a direct proxy-path passthrough for directories
// (spec's Out-of-scope list, §1).
type Node struct {
	fs.Inode
	host  *Host
	path  string // logical path, "/"-joined, rooted at the mount point
	isDir bool
}

func (n *Node) child(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

// internalEntries are the flat, always-at-root bookkeeping files PathMap
// places directly under ssd_root (§4.1): the segment hashtable, the cache
// directory, scratch files, and per-inode metadata/spill files. None of
// these belong in the logical namespace presented to the kernel.
func isInternal(name string) bool {
	if name == ".hash_table" || name == ".cache" {
		return true
	}
	if strings.HasPrefix(name, ".scratch_") {
		return true
	}
	if strings.HasPrefix(name, ".") {
		// per-inode metadata (".<hex>") and spill (".<hex>_data") files
		rest := strings.TrimPrefix(name, ".")
		rest = strings.TrimSuffix(rest, "_data")
		if rest != "" && isHex(rest) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syscall.Errno(cerrors.ToErrno(err))
}

func fillAttrFromStat(out *fuse.Attr, st *tiercontroller.Stat, uid, gid uint32) {
	out.Size = uint64(st.Size)
	out.Mode = uint32(st.Mode.Perm())
	out.Atime = uint64(st.Atime.Unix())
	out.Mtime = uint64(st.Mtime.Unix())
	out.Ctime = uint64(st.Ctime.Unix())
	out.Blocks = uint64(st.Blocks)
	out.Blksize = 4096
	out.Uid = uid
	out.Gid = gid
	out.Nlink = 1
}

func fillDirAttr(out *fuse.Attr, info os.FileInfo, uid, gid uint32) {
	out.Size = uint64(info.Size())
	out.Mode = uint32(info.Mode().Perm()) | syscall.S_IFDIR
	out.Mtime = uint64(info.ModTime().Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = uid
	out.Gid = gid
	out.Nlink = 2
}

// Getattr implements fs.NodeGetattrer.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.isDir {
		info, err := n.host.afs.Stat(n.host.pm.Proxy(n.path))
		if err != nil {
			return syscall.ENOENT
		}
		fillDirAttr(&out.Attr, info, n.host.uid, n.host.gid)
		return 0
	}

	st, err := n.host.tc.Getattr(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttrFromStat(&out.Attr, st, n.host.uid, n.host.gid)
	out.Attr.Mode |= syscall.S_IFREG
	return 0
}

// checkAccess evaluates mask against the proxy's mode bits for the caller
// in ctx. Every inode is owned by the daemon user, so the caller gets the
// owner triad when it is that user and the other triad when it is not
// (group membership is not modelled). Root bypasses read/write checks;
// execute still requires at least one execute bit.
func (n *Node) checkAccess(ctx context.Context, mask uint32) syscall.Errno {
	info, err := n.host.afs.Stat(n.host.pm.Proxy(n.path))
	if err != nil {
		return syscall.ENOENT
	}
	perm := uint32(info.Mode().Perm())
	caller, ok := fuse.FromContext(ctx)
	if ok && caller.Uid == 0 {
		if mask&1 == 0 || perm&0o111 != 0 {
			return 0
		}
		return syscall.EACCES
	}
	triad := perm & 7
	if !ok || caller.Uid == n.host.uid {
		triad = (perm >> 6) & 7
	}
	if mask&7&^triad != 0 {
		return syscall.EACCES
	}
	return 0
}

// accessMask derives the access(2) permission mask an open with flags
// requires. O_TRUNC destroys data, so it needs write permission even on
// a read-only open.
func accessMask(flags uint32) uint32 {
	var mask uint32
	switch flags & uint32(syscall.O_ACCMODE) {
	case uint32(syscall.O_WRONLY):
		mask = 2
	case uint32(syscall.O_RDWR):
		mask = 6
	default:
		mask = 4
	}
	if flags&uint32(syscall.O_TRUNC) != 0 {
		mask |= 2
	}
	return mask
}

// Access implements fs.NodeAccesser.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return n.checkAccess(ctx, mask)
}

// Setattr implements fs.NodeSetattrer, covering chmod and utimens (§4.9).
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := n.host.tc.Chmod(n.path, os.FileMode(in.Mode).Perm()); err != nil {
			return toErrno(err)
		}
	}
	if in.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		atime := time.Unix(int64(in.Atime), int64(in.Atimensec))
		mtime := time.Unix(int64(in.Mtime), int64(in.Mtimensec))
		if err := n.host.tc.Utimens(n.path, atime, mtime); err != nil {
			return toErrno(err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

// Lookup implements fs.NodeLookuper. Directory membership is derived
// straight from the proxy tree under ssd_root; tiering only applies to
// regular files.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	proxyPath := n.host.pm.Proxy(childPath)

	info, err := n.host.afs.Stat(proxyPath)
	if err != nil {
		return nil, syscall.ENOENT
	}

	if info.IsDir() {
		fillDirAttr(&out.Attr, info, n.host.uid, n.host.gid)
		child := &Node{host: n.host, path: childPath, isDir: true}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}

	st, cerr := n.host.tc.Getattr(childPath)
	if cerr != nil {
		return nil, toErrno(cerr)
	}
	fillAttrFromStat(&out.Attr, st, n.host.uid, n.host.gid)
	out.Attr.Mode |= syscall.S_IFREG
	child := &Node{host: n.host, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

// Readdir implements fs.NodeReaddirer, filtering out the flat internal
// bookkeeping files at the root (§4.1).
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	proxyDir := n.host.pm.Proxy(n.path)
	infos, err := readProxyDir(n.host, proxyDir)
	if err != nil {
		return nil, toErrno(cerrors.NewLocalIOError("readdir", n.path, err))
	}

	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		if n.path == "/" && isInternal(info.Name()) {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if info.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: info.Name(), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir implements fs.NodeMkdirer. Directory operations are out of scope
// for the tiering engine (§1): they pass straight through to the proxy
// tree.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	proxyPath := n.host.pm.Proxy(childPath)
	if err := n.host.afs.Mkdir(proxyPath, os.FileMode(mode).Perm()); err != nil {
		return nil, toErrno(cerrors.NewLocalIOError("mkdir", childPath, err))
	}
	info, err := n.host.afs.Stat(proxyPath)
	if err != nil {
		return nil, toErrno(cerrors.NewLocalIOError("mkdir", childPath, err))
	}
	fillDirAttr(&out.Attr, info, n.host.uid, n.host.gid)
	child := &Node{host: n.host, path: childPath, isDir: true}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Rmdir implements fs.NodeRmdirer.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := n.child(name)
	proxyPath := n.host.pm.Proxy(childPath)
	if err := n.host.afs.Remove(proxyPath); err != nil {
		return toErrno(cerrors.NewLocalIOError("rmdir", childPath, err))
	}
	return 0
}

// Create implements fs.NodeCreater: mknod the proxy, then open it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := n.child(name)
	if err := n.host.tc.Mknod(childPath, os.FileMode(mode).Perm()); err != nil {
		return nil, nil, 0, toErrno(err)
	}
	h, err := n.host.tc.Open(childPath, int(flags)|os.O_CREATE)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	st, cerr := n.host.tc.Getattr(childPath)
	if cerr != nil {
		return nil, nil, 0, toErrno(cerr)
	}
	fillAttrFromStat(&out.Attr, st, n.host.uid, n.host.gid)
	out.Attr.Mode |= syscall.S_IFREG

	child := &Node{host: n.host, path: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &FileHandle{host: n.host, h: h}, 0, 0
}

// Unlink implements fs.NodeUnlinker.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := n.child(name)
	if err := n.host.tc.Unlink(ctx, childPath); err != nil {
		return toErrno(err)
	}
	return 0
}

// Open implements fs.NodeOpener. The permission check runs here, where
// the caller's identity is known: a cloud-tier open never touches the
// proxy fd, so the kernel's check against the proxy inode alone would
// not cover it.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.checkAccess(ctx, accessMask(flags)); errno != 0 {
		return nil, 0, errno
	}
	h, err := n.host.tc.Open(n.path, int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &FileHandle{host: n.host, h: h}, 0, 0
}

// Read implements fs.NodeReader, delegating to the open handle.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return handle.Read(ctx, dest, off)
}

// Write implements fs.NodeWriter.
func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	handle, ok := fh.(*FileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return handle.Write(ctx, data, off)
}

// Flush implements fs.NodeFlusher as a no-op: TierController has no
// buffered state to flush beyond what Write already persisted.
func (n *Node) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return 0
}

// Release implements fs.NodeReleaser.
func (n *Node) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	handle, ok := fh.(*FileHandle)
	if !ok {
		return 0
	}
	return handle.Release(ctx)
}

// Setxattr implements fs.NodeSetxattrer. CloudFS carries no xattr fields of
// its own (§1's Out-of-scope list); this passes the attempt through to
// TierController, which logs and no-ops.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if err := n.host.tc.Setxattr(n.path, attr, data, int(flags)); err != nil {
		return toErrno(err)
	}
	return 0
}

// Getxattr implements fs.NodeGetxattrer. No xattr storage exists (§1).
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENODATA
}

func readProxyDir(h *Host, dir string) ([]os.FileInfo, error) {
	f, err := h.afs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdir(-1)
}
