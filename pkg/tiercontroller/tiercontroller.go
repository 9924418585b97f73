// Package tiercontroller implements the top-level per-operation logic of
// §4.9: open/read/write/release/unlink/getattr/utimens/chmod/setxattr,
// deciding per call whether a file is local-only or cloud-backed and
// driving Migrator and SegmentCache accordingly.
package tiercontroller

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/cloudfs/cloudfs/internal/cerrors"
	"github.com/cloudfs/cloudfs/internal/logger"
	"github.com/cloudfs/cloudfs/pkg/cloudgateway"
	"github.com/cloudfs/cloudfs/pkg/codec"
	"github.com/cloudfs/cloudfs/pkg/metaio"
	"github.com/cloudfs/cloudfs/pkg/migrator"
	"github.com/cloudfs/cloudfs/pkg/pathmap"
	"github.com/cloudfs/cloudfs/pkg/segmentcache"
	"github.com/cloudfs/cloudfs/pkg/segmentstore"
)

// Config is the tiering policy TierController enforces.
type Config struct {
	Threshold  int64 // files above this size go to cloud on release
	MaxSegSize int64 // spill exceeding this triggers a mid-stream migration
	NoCache    bool
	NoCompress bool
}

// Handle is per-open state (§3's OpenHandle). Fd is nil for read-only opens
// of a cloud-tier file, whose bytes are served through dedup_read.
type Handle struct {
	Inode  uint64
	Path   string
	Fd     afero.File
	Flags  int
	Writer bool
}

// Stat is the POSIX attribute view TierController reports for getattr.
type Stat struct {
	Size   int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Mode   os.FileMode
	Blocks int64
}

// TierController orchestrates PathMap, MetaIO, SegmentStore, SegmentCache
// and Migrator. It keeps no locks: the host's single-threaded dispatch
// (§5) makes every method here effectively serialized.
type TierController struct {
	fs       afero.Fs
	pm       *pathmap.PathMap
	store    *segmentstore.Store
	cache    *segmentcache.Cache
	gateway  cloudgateway.Gateway
	migrator *migrator.Migrator
	cfg      Config

	inodes    *inodeRegistry
	refcounts map[uint64]int
}

// New builds a TierController.
func New(fs afero.Fs, pm *pathmap.PathMap, store *segmentstore.Store, cache *segmentcache.Cache, gateway cloudgateway.Gateway, mig *migrator.Migrator, cfg Config) *TierController {
	return &TierController{
		fs:        fs,
		pm:        pm,
		store:     store,
		cache:     cache,
		gateway:   gateway,
		migrator:  mig,
		cfg:       cfg,
		inodes:    newInodeRegistry(),
		refcounts: make(map[uint64]int),
	}
}

// Mknod registers a fresh proxy inode for path, creating the proxy file.
func (t *TierController) Mknod(path string, mode os.FileMode) error {
	proxyPath := t.pm.Proxy(path)
	f, err := t.fs.OpenFile(proxyPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return cerrors.NewLocalIOError("mknod", path, err)
	}
	f.Close()
	t.inodes.Ensure(path)
	return nil
}

func flagsWriteCapable(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// inodeOf resolves path's stable inode number from its already-stat'd proxy
// info: the proxy's real OS inode when the backing filesystem exposes one,
// so Meta/Spill resolve to the same on-disk files after a remount, falling
// back to the in-process synthetic registry for backends (afero.MemMapFs
// in tests) that expose none.
func (t *TierController) inodeOf(path string, info os.FileInfo) uint64 {
	if ino, ok := statInode(info); ok {
		return ino
	}
	return t.inodes.Ensure(path)
}

// inodeLookup resolves path's inode for callers (Getattr, Unlink,
// withCloudMeta) that must not act on a proxy that does not exist. It
// stats the proxy first and, when that succeeds, resolves the inode via
// inodeOf, which assigns a synthetic inode if the filesystem exposes none.
// ok is false only when the proxy itself does not exist.
func (t *TierController) inodeLookup(path string) (ino uint64, ok bool) {
	proxyPath := t.pm.Proxy(path)
	info, err := t.fs.Stat(proxyPath)
	if err != nil {
		return 0, false
	}
	return t.inodeOf(path, info), true
}

// Open implements §4.9's open(path, flags) -> handle.
func (t *TierController) Open(path string, flags int) (*Handle, error) {
	proxyPath := t.pm.Proxy(path)
	info, err := t.fs.Stat(proxyPath)
	if err != nil {
		return nil, cerrors.NewLocalIOError("open", path, err)
	}

	ino := t.inodeOf(path, info)
	metaPath := t.pm.Meta(ino)
	h := &Handle{Inode: ino, Path: path, Flags: flags, Writer: flagsWriteCapable(flags)}

	if !metaio.Exists(t.fs, metaPath) {
		fd, err := t.fs.OpenFile(proxyPath, flags, 0)
		if err != nil {
			return nil, cerrors.NewLocalIOError("open", path, err)
		}
		h.Fd = fd
	} else {
		// Cloud-tier: write opens defer spill creation to the first
		// write; read-only opens get no fd, served through dedup_read.
		// Permission checking against the caller's identity is the
		// host's job (fusehost gates every open), not this layer's.
	}

	if h.Writer {
		t.refcounts[ino]++
	}
	return h, nil
}

// Read implements §4.9's read(path, buf, size, off, handle).
func (t *TierController) Read(ctx context.Context, h *Handle, buf []byte, off int64) (int, error) {
	metaPath := t.pm.Meta(h.Inode)
	if !metaio.Exists(t.fs, metaPath) {
		n, err := h.Fd.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return n, cerrors.NewLocalIOError("read", h.Path, err)
		}
		return n, nil
	}

	n, err := t.dedupRead(ctx, metaPath, h.Inode, buf, off)
	if err != nil {
		return n, err
	}
	t.touchAtime(metaPath)
	return n, nil
}

func (t *TierController) touchAtime(metaPath string) {
	f, err := t.fs.OpenFile(metaPath, os.O_RDWR, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	hdr, err := metaio.ReadHeader(f)
	if err != nil {
		return
	}
	hdr.Atime = time.Now().Unix()
	if err := metaio.WriteHeader(f, hdr); err != nil {
		logger.Debug("touch atime failed", "path", metaPath, "error", err)
	}
}

// dedupRead implements §4.9.1.
func (t *TierController) dedupRead(ctx context.Context, metaPath string, inode uint64, buf []byte, off int64) (int, error) {
	meta, err := t.fs.Open(metaPath)
	if err != nil {
		return 0, cerrors.NewLocalIOError("dedup_read", metaPath, err)
	}
	hdr, err := metaio.ReadHeader(meta)
	if err != nil {
		meta.Close()
		return 0, err
	}
	if off >= hdr.Size {
		meta.Close()
		return 0, nil
	}
	hashes, err := metaio.ReadSegmentList(meta)
	meta.Close()
	if err != nil {
		return 0, err
	}

	read := 0
	remaining := len(buf)
	running := int64(0)
	cur := off

	for _, h := range hashes {
		if remaining <= 0 {
			return read, nil
		}
		entry, ok := t.store.Get(h)
		if !ok {
			return read, cerrors.NewInvariantError("dedup_read", h, io.ErrUnexpectedEOF)
		}
		segLen := int64(entry.Length)
		if cur < running+segLen {
			segOff := cur - running
			toCopy := segLen - segOff
			if toCopy > int64(remaining) {
				toCopy = int64(remaining)
			}
			n, err := t.copySegment(ctx, h, segLen, segOff, buf[read:read+int(toCopy)])
			if err != nil {
				return read, err
			}
			read += n
			cur += int64(n)
			remaining -= n
			if n < int(toCopy) {
				return read, nil
			}
		}
		running += segLen
	}

	if remaining > 0 {
		spillPath := t.pm.Spill(inode)
		if spill, err := t.fs.Open(spillPath); err == nil {
			defer spill.Close()
			spillOff := cur - running
			n, err := spill.ReadAt(buf[read:], spillOff)
			if err != nil && err != io.EOF {
				return read, cerrors.NewLocalIOError("dedup_read", spillPath, err)
			}
			read += n
		}
	}
	return read, nil
}

// copySegment implements §4.9.2's segment materialisation, then copies
// toCopy bytes starting at segOff into dst.
func (t *TierController) copySegment(ctx context.Context, hash string, segLen, segOff int64, dst []byte) (int, error) {
	f, cleanup, err := t.materialize(ctx, hash, segLen)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	n, err := f.ReadAt(dst, segOff)
	if err != nil && err != io.EOF {
		return n, cerrors.NewLocalIOError("copy_segment", hash, err)
	}
	return n, nil
}

func (t *TierController) materialize(ctx context.Context, hash string, length int64) (afero.File, func(), error) {
	if t.cache.Contains(hash) {
		t.cache.Touch(hash)
		f, err := t.cache.Read(hash)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}

	bucket, key := segmentBucketKey(hash)
	decoded, err := t.fetchAndDecode(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}

	cacheable := !t.cfg.NoCache && t.cache.MakeRoom(uint64(length), hash)
	if cacheable {
		if err := t.cache.Write(hash, decoded); err != nil {
			return nil, nil, err
		}
		t.cache.Insert(hash, uint64(length))
		f, err := t.cache.Read(hash)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}

	scratchPath := t.pm.Scratch(hash)
	f, err := t.fs.OpenFile(scratchPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, cerrors.NewLocalIOError("materialize", scratchPath, err)
	}
	if _, err := io.Copy(f, decoded); err != nil {
		f.Close()
		return nil, nil, cerrors.NewLocalIOError("materialize", scratchPath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, cerrors.NewLocalIOError("materialize", scratchPath, err)
	}
	return f, func() { f.Close(); t.fs.Remove(scratchPath) }, nil
}

// fetchAndDecode downloads (bucket, key) and, unless compression is
// disabled, inflates it, returning the raw decompressed segment bytes.
func (t *TierController) fetchAndDecode(ctx context.Context, bucket, key string) (io.Reader, error) {
	var raw bytes.Buffer
	if err := t.gateway.Get(ctx, bucket, key, &raw); err != nil {
		return nil, cerrors.NewCloudError("get", key, err)
	}
	if t.cfg.NoCompress {
		return &raw, nil
	}
	var out bytes.Buffer
	if _, err := codec.Inflate(&out, &raw); err != nil {
		return nil, cerrors.NewLocalIOError("inflate", key, err)
	}
	return &out, nil
}

func segmentBucketKey(hash string) (bucket, key string) {
	if len(hash) < 32 {
		return hash, ""
	}
	return hash[:3], hash[3:]
}

// Write implements §4.9's write(path, buf, size, off, handle).
func (t *TierController) Write(ctx context.Context, h *Handle, buf []byte, off int64) (int, error) {
	metaPath := t.pm.Meta(h.Inode)
	if !metaio.Exists(t.fs, metaPath) {
		n, err := h.Fd.WriteAt(buf, off)
		if err != nil {
			return n, cerrors.NewLocalIOError("write", h.Path, err)
		}
		return n, nil
	}

	spillPath := t.pm.Spill(h.Inode)
	if _, err := t.fs.Stat(spillPath); err != nil {
		if err := t.getLastSegment(ctx, metaPath, h.Inode); err != nil {
			return 0, err
		}
	}

	spill, err := t.fs.OpenFile(spillPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return 0, cerrors.NewLocalIOError("write", spillPath, err)
	}
	n, werr := spill.Write(buf)
	spill.Close()
	if werr != nil {
		return n, cerrors.NewLocalIOError("write", spillPath, werr)
	}

	if err := t.bumpSize(metaPath, int64(n)); err != nil {
		return n, err
	}

	// In no_dedup mode the file is one whole-file segment, so the spill is
	// never split mid-stream; it is committed in one piece at release.
	if !t.migrator.NoDedup() {
		if info, statErr := t.fs.Stat(spillPath); statErr == nil && info.Size() > t.cfg.MaxSegSize {
			if err := t.promoteSpill(ctx, h); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (t *TierController) bumpSize(metaPath string, delta int64) error {
	f, err := t.fs.OpenFile(metaPath, os.O_RDWR, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("write", metaPath, err)
	}
	defer f.Close()
	hdr, err := metaio.ReadHeader(f)
	if err != nil {
		return err
	}
	hdr.Size += delta
	now := time.Now().Unix()
	hdr.Mtime = now
	hdr.Ctime = now
	return metaio.WriteHeader(f, hdr)
}

// promoteSpill is called from write() when a data-spill crosses
// max_seg_size: the spill is migrated (move_tail=false), leaving a fresh,
// shorter spill behind with the unconsumed tail.
func (t *TierController) promoteSpill(ctx context.Context, h *Handle) error {
	spillPath := t.pm.Spill(h.Inode)
	info, err := t.fs.Stat(spillPath)
	if err != nil {
		return cerrors.NewLocalIOError("write", spillPath, err)
	}
	f, err := t.fs.OpenFile(spillPath, os.O_RDONLY, 0)
	if err != nil {
		return cerrors.NewLocalIOError("write", spillPath, err)
	}
	defer f.Close()

	if err := t.migrator.Migrate(ctx, h.Path, h.Inode, f, info.Size(), time.Now(), false); err != nil {
		return err
	}
	return nil
}

// getLastSegment implements §4.9.3.
func (t *TierController) getLastSegment(ctx context.Context, metaPath string, inode uint64) error {
	meta, err := t.fs.OpenFile(metaPath, os.O_RDWR, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("get_last_segment", metaPath, err)
	}

	count, err := metaio.SegmentCount(meta)
	if err != nil {
		meta.Close()
		return err
	}
	if count == 0 {
		meta.Close()
		return nil // no segments yet: spill simply starts empty
	}

	hash, err := metaio.TruncateLastSegment(meta)
	meta.Close()
	if err != nil {
		return err
	}

	entry, ok := t.store.Get(hash)
	if !ok {
		return cerrors.NewInvariantError("get_last_segment", hash, io.ErrUnexpectedEOF)
	}

	f, cleanup, err := t.materialize(ctx, hash, int64(entry.Length))
	if err != nil {
		return err
	}

	spillPath := t.pm.Spill(inode)
	spill, err := t.fs.OpenFile(spillPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		cleanup()
		return cerrors.NewLocalIOError("get_last_segment", spillPath, err)
	}
	_, copyErr := io.Copy(spill, io.NewSectionReader(f, 0, int64(entry.Length)))
	spill.Close()
	cleanup()
	if copyErr != nil {
		return cerrors.NewLocalIOError("get_last_segment", spillPath, copyErr)
	}

	nowZero, err := t.store.Decref(hash)
	if err != nil {
		return err
	}
	if nowZero {
		t.cache.Remove(hash)
		_ = t.fs.Remove(t.cache.Path(hash))
		bucket, key := segmentBucketKey(hash)
		if err := t.gateway.Delete(ctx, bucket, key); err != nil {
			logger.Warn("get_last_segment: cloud delete failed", "hash", hash, "error", err)
		}
	}
	return nil
}

// Release implements §4.9's release(path, handle).
func (t *TierController) Release(ctx context.Context, h *Handle) error {
	if h.Fd != nil {
		defer h.Fd.Close()
	}

	if !h.Writer {
		return nil
	}

	t.refcounts[h.Inode]--
	stillOpen := t.refcounts[h.Inode] > 0

	metaPath := t.pm.Meta(h.Inode)
	wasCloud := metaio.Exists(t.fs, metaPath)

	if stillOpen {
		return nil
	}

	if !wasCloud {
		proxyPath := t.pm.Proxy(h.Path)
		info, err := t.fs.Stat(proxyPath)
		if err != nil {
			delete(t.refcounts, h.Inode)
			return cerrors.NewLocalIOError("release", h.Path, err)
		}
		if info.Size() <= t.cfg.Threshold {
			delete(t.refcounts, h.Inode)
			return nil
		}

		proxy, err := t.fs.OpenFile(proxyPath, os.O_RDONLY, 0)
		if err != nil {
			delete(t.refcounts, h.Inode)
			return cerrors.NewLocalIOError("release", h.Path, err)
		}
		err = t.migrator.Migrate(ctx, h.Path, h.Inode, proxy, info.Size(), info.ModTime(), true)
		proxy.Close()
		if err != nil {
			delete(t.refcounts, h.Inode)
			return err
		}
		if err := truncateFile(t.fs, proxyPath); err != nil {
			delete(t.refcounts, h.Inode)
			return cerrors.NewLocalIOError("release", proxyPath, err)
		}
		delete(t.refcounts, h.Inode)
		return nil
	}

	spillPath := t.pm.Spill(h.Inode)
	spillInfo, err := t.fs.Stat(spillPath)
	if err == nil {
		spill, err := t.fs.OpenFile(spillPath, os.O_RDONLY, 0)
		if err != nil {
			delete(t.refcounts, h.Inode)
			return cerrors.NewLocalIOError("release", spillPath, err)
		}
		migErr := t.migrator.Migrate(ctx, h.Path, h.Inode, spill, spillInfo.Size(), time.Now(), true)
		spill.Close()
		if migErr != nil {
			delete(t.refcounts, h.Inode)
			return migErr
		}
		if err := t.fs.Remove(spillPath); err != nil {
			logger.Debug("release: spill cleanup failed", "path", spillPath, "error", err)
		}
	}
	delete(t.refcounts, h.Inode)
	return nil
}

// Unlink implements §4.9's unlink(path).
func (t *TierController) Unlink(ctx context.Context, path string) error {
	ino, ok := t.inodeLookup(path)
	if ok {
		metaPath := t.pm.Meta(ino)
		if metaio.Exists(t.fs, metaPath) {
			meta, err := t.fs.Open(metaPath)
			if err != nil {
				return cerrors.NewLocalIOError("unlink", metaPath, err)
			}
			hashes, err := metaio.ReadSegmentList(meta)
			meta.Close()
			if err != nil {
				return err
			}
			for _, h := range hashes {
				nowZero, err := t.store.Decref(h)
				if err != nil {
					logger.Warn("unlink: decref failed", "hash", h, "error", err)
					continue
				}
				if nowZero {
					t.cache.Remove(h)
					_ = t.fs.Remove(t.cache.Path(h))
					bucket, key := segmentBucketKey(h)
					if err := t.gateway.Delete(ctx, bucket, key); err != nil {
						logger.Warn("unlink: cloud delete failed", "hash", h, "error", err)
					}
				}
			}
			spillPath := t.pm.Spill(ino)
			_ = t.fs.Remove(spillPath)
			if err := t.fs.Remove(metaPath); err != nil {
				return cerrors.NewLocalIOError("unlink", metaPath, err)
			}
		}
		t.inodes.Forget(path)
		delete(t.refcounts, ino)
	}

	proxyPath := t.pm.Proxy(path)
	if err := t.fs.Remove(proxyPath); err != nil {
		return cerrors.NewLocalIOError("unlink", path, err)
	}
	return nil
}

// Getattr implements §4.9's getattr(path) -> stat.
func (t *TierController) Getattr(path string) (*Stat, error) {
	proxyPath := t.pm.Proxy(path)
	info, err := t.fs.Stat(proxyPath)
	if err != nil {
		return nil, cerrors.NewLocalIOError("getattr", path, err)
	}

	st := &Stat{
		Size:  info.Size(),
		Mode:  info.Mode(),
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
	}

	ino := t.inodeOf(path, info)
	metaPath := t.pm.Meta(ino)
	if metaio.Exists(t.fs, metaPath) {
		meta, err := t.fs.Open(metaPath)
		if err != nil {
			return nil, cerrors.NewLocalIOError("getattr", metaPath, err)
		}
		hdr, err := metaio.ReadHeader(meta)
		meta.Close()
		if err != nil {
			return nil, err
		}
		st.Size = hdr.Size
		st.Atime = time.Unix(hdr.Atime, 0)
		st.Mtime = time.Unix(hdr.Mtime, 0)
		st.Ctime = time.Unix(hdr.Ctime, 0)
	}
	st.Blocks = st.Size / 512
	return st, nil
}

// Utimens applies updated atime/mtime to the proxy and, for cloud-tier
// files, to the metadata record.
func (t *TierController) Utimens(path string, atime, mtime time.Time) error {
	proxyPath := t.pm.Proxy(path)
	if err := t.fs.Chtimes(proxyPath, atime, mtime); err != nil {
		return cerrors.NewLocalIOError("utimens", path, err)
	}
	return t.withCloudMeta(path, func(f afero.File) error {
		hdr, err := metaio.ReadHeader(f)
		if err != nil {
			return err
		}
		hdr.Atime = atime.Unix()
		hdr.Mtime = mtime.Unix()
		return metaio.WriteHeader(f, hdr)
	})
}

// Chmod applies mode to the proxy.
func (t *TierController) Chmod(path string, mode os.FileMode) error {
	proxyPath := t.pm.Proxy(path)
	if err := t.fs.Chmod(proxyPath, mode); err != nil {
		return cerrors.NewLocalIOError("chmod", path, err)
	}
	return nil
}

// Setxattr logs the request and returns success without storing the
// attribute anywhere; the metadata record carries no xattr fields (§4.9).
func (t *TierController) Setxattr(path, name string, data []byte, flags int) error {
	// afero has no xattr support; CloudFS records the attempt and
	// otherwise no-ops, matching afero-backed test doubles used in
	// place of a real POSIX filesystem.
	logger.Debug("setxattr", "path", path, "name", name, "size", len(data))
	return nil
}

func (t *TierController) withCloudMeta(path string, fn func(afero.File) error) error {
	ino, ok := t.inodeLookup(path)
	if !ok {
		return nil
	}
	metaPath := t.pm.Meta(ino)
	if !metaio.Exists(t.fs, metaPath) {
		return nil
	}
	f, err := t.fs.OpenFile(metaPath, os.O_RDWR, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("utimens", metaPath, err)
	}
	defer f.Close()
	return fn(f)
}

func truncateFile(fs afero.Fs, path string) error {
	f, err := fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(0)
}
