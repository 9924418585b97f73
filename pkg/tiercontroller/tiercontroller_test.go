package tiercontroller

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudfs/pkg/chunker"
	"github.com/cloudfs/cloudfs/pkg/cloudgateway"
	"github.com/cloudfs/cloudfs/pkg/metaio"
	"github.com/cloudfs/cloudfs/pkg/migrator"
	"github.com/cloudfs/cloudfs/pkg/pathmap"
	"github.com/cloudfs/cloudfs/pkg/segmentcache"
	"github.com/cloudfs/cloudfs/pkg/segmentstore"
)

type harness struct {
	t     *testing.T
	fs    afero.Fs
	pm    *pathmap.PathMap
	store *segmentstore.Store
	cache *segmentcache.Cache
	gw    *cloudgateway.MemGateway
	tc    *TierController
}

func newTestHarness(t *testing.T, threshold, maxSegSize int64, avgSeg uint, cacheBudget uint64, noCompress bool) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	pm := pathmap.New("/ssd", "/fuse")
	store := segmentstore.New(fs, pm.HashTable())
	cache := segmentcache.New(fs, pm, cacheBudget)
	gw := cloudgateway.NewMemGateway()
	ch, err := chunker.New(chunker.NewConfig(avgSeg, 64))
	require.NoError(t, err)
	mig := migrator.New(fs, pm, store, gw, ch, noCompress, false)
	cfg := Config{Threshold: threshold, MaxSegSize: maxSegSize, NoCompress: noCompress}
	tc := New(fs, pm, store, cache, gw, mig, cfg)
	return &harness{t: t, fs: fs, pm: pm, store: store, cache: cache, gw: gw, tc: tc}
}

func (h *harness) mknod(path string) {
	h.t.Helper()
	require.NoError(h.t, h.tc.Mknod(path, 0o644))
}

func (h *harness) writeWholeFile(path string, data []byte) {
	h.t.Helper()
	handle, err := h.tc.Open(path, os.O_RDWR)
	require.NoError(h.t, err)
	n, err := h.tc.Write(context.Background(), handle, data, 0)
	require.NoError(h.t, err)
	assert.Equal(h.t, len(data), n)
	require.NoError(h.t, h.tc.Release(context.Background(), handle))
}

func (h *harness) readAll(path string, size int) []byte {
	h.t.Helper()
	handle, err := h.tc.Open(path, os.O_RDONLY)
	require.NoError(h.t, err)
	buf := make([]byte, size)
	n, err := h.tc.Read(context.Background(), handle, buf, 0)
	require.NoError(h.t, err)
	require.NoError(h.t, h.tc.Release(context.Background(), handle))
	return buf[:n]
}

// ============================================================================
// Scenario 1 & promotion threshold
// ============================================================================

func TestRelease_PromotesAboveThreshold(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	h.mknod("/a")
	data := bytes.Repeat([]byte{0x41}, 4096)
	h.writeWholeFile("/a", data)

	metaPath := h.pm.Meta(1)
	assert.True(t, metaio.Exists(h.fs, metaPath), "file above threshold must be promoted to cloud-tier")

	info, err := h.fs.Stat(h.pm.Proxy("/a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "proxy must be truncated to zero after promotion")

	hdr, hashes := readMeta(t, h.fs, metaPath)
	assert.Equal(t, int64(len(data)), hdr.Size)
	require.Len(t, hashes, 1)

	entry, ok := h.store.Get(hashes[0])
	require.True(t, ok)
	assert.Equal(t, int32(1), entry.Refcount)
	assert.Equal(t, 1, h.gw.ObjectCount(hashes[0][:3]))
}

func TestRelease_BelowThresholdStaysLocal(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 4096, 1<<20, 1<<20, 1<<20, true)

	h.mknod("/small")
	data := bytes.Repeat([]byte{0x58}, 100)
	h.writeWholeFile("/small", data)

	assert.False(t, metaio.Exists(h.fs, h.pm.Meta(1)), "file at/below threshold must stay local-tier")

	got := h.readAll("/small", len(data))
	assert.Equal(t, data, got)
}

// ============================================================================
// Round-trip across cloud tier
// ============================================================================

func TestRoundTrip_CloudTierReadMatchesWritten(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	h.mknod("/big")
	data := bytes.Repeat([]byte{0x7a}, 8192)
	h.writeWholeFile("/big", data)

	got := h.readAll("/big", len(data))
	assert.Equal(t, data, got)
}

// ============================================================================
// Scenario 2: dedup across files
// ============================================================================

func TestDedup_TwoFilesSameContentShareOneObject(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	data := bytes.Repeat([]byte{0x41}, 4096)

	h.mknod("/a")
	h.writeWholeFile("/a", data)

	h.mknod("/b")
	h.writeWholeFile("/b", data)

	_, hashesA := readMeta(t, h.fs, h.pm.Meta(1))
	_, hashesB := readMeta(t, h.fs, h.pm.Meta(2))
	require.Len(t, hashesA, 1)
	require.Len(t, hashesB, 1)
	assert.Equal(t, hashesA[0], hashesB[0])

	entry, ok := h.store.Get(hashesA[0])
	require.True(t, ok)
	assert.Equal(t, int32(2), entry.Refcount, "second write of identical bytes must incref the existing segment")
	assert.Equal(t, 1, h.gw.ObjectCount(hashesA[0][:3]), "no second object should be uploaded")
}

// ============================================================================
// Scenario 3: unlink decrefs but leaves shared object alive
// ============================================================================

func TestUnlink_DecrefsAndLeavesSharedObjectForSurvivor(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	data := bytes.Repeat([]byte{0x41}, 4096)
	h.mknod("/a")
	h.writeWholeFile("/a", data)
	h.mknod("/b")
	h.writeWholeFile("/b", data)

	_, hashesA := readMeta(t, h.fs, h.pm.Meta(1))
	hash := hashesA[0]

	require.NoError(t, h.tc.Unlink(context.Background(), "/a"))

	entry, ok := h.store.Get(hash)
	require.True(t, ok, "shared segment must survive while B still references it")
	assert.Equal(t, int32(1), entry.Refcount)
	assert.True(t, h.gw.HasObject(hash[:3], hash[3:]), "object must remain in the store")

	got := h.readAll("/b", len(data))
	assert.Equal(t, data, got, "B must still read back identically after A is unlinked")

	_, err := h.fs.Stat(h.pm.Proxy("/a"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnlink_IdempotentOnMissingPath(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	h.mknod("/a")
	require.NoError(t, h.tc.Unlink(context.Background(), "/a"))

	err := h.tc.Unlink(context.Background(), "/a")
	require.Error(t, err, "re-unlinking an already-gone path must fail (proxy already absent)")
}

func TestUnlink_LastReferenceDeletesObject(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	data := bytes.Repeat([]byte{0x41}, 4096)
	h.mknod("/a")
	h.writeWholeFile("/a", data)

	_, hashesA := readMeta(t, h.fs, h.pm.Meta(1))
	hash := hashesA[0]

	require.NoError(t, h.tc.Unlink(context.Background(), "/a"))

	_, ok := h.store.Get(hash)
	assert.False(t, ok, "refcount reaching zero must remove the segment table entry")
	assert.False(t, h.gw.HasObject(hash[:3], hash[3:]), "object must be deleted once refcount hits zero")
}

// ============================================================================
// Scenario 4: append to a cloud-tier file pulls the tail segment back
// ============================================================================

func TestWrite_AppendToCloudTierPullsLastSegmentThenSplitsOnRelease(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	h.mknod("/f")
	first := bytes.Repeat([]byte{0x41}, 4096)
	h.writeWholeFile("/f", first)

	_, hashesAfterFirst := readMeta(t, h.fs, h.pm.Meta(1))
	require.Len(t, hashesAfterFirst, 1)

	handle, err := h.tc.Open("/f", os.O_RDWR)
	require.NoError(t, err)
	second := bytes.Repeat([]byte{0x42}, 4096)
	n, err := h.tc.Write(context.Background(), handle, second, int64(len(first)))
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	require.NoError(t, h.tc.Release(context.Background(), handle))

	hdr, hashes := readMeta(t, h.fs, h.pm.Meta(1))
	assert.Equal(t, int64(len(first)+len(second)), hdr.Size)
	assert.NotEmpty(t, hashes, "release after an append must re-commit the pulled-back tail plus the new bytes")

	got := h.readAll("/f", len(first)+len(second))
	assert.Equal(t, append(append([]byte{}, first...), second...), got, "round-trip must reproduce exactly what was last written, regardless of how many segments it split into")
}

func TestWrite_NoDedupAppendNeverSplitsAndReadsBackWhole(t *testing.T) {
	t.Parallel()
	// MaxSegSize far below the spill size: if whole-file mode ever split the
	// spill mid-stream, the weak per-path hash would be committed twice and
	// reads would serve duplicated bytes.
	fs := afero.NewMemMapFs()
	pm := pathmap.New("/ssd", "/fuse")
	store := segmentstore.New(fs, pm.HashTable())
	cache := segmentcache.New(fs, pm, 1<<20)
	gw := cloudgateway.NewMemGateway()
	ch, err := chunker.New(chunker.NewConfig(1<<20, 64))
	require.NoError(t, err)
	mig := migrator.New(fs, pm, store, gw, ch, true, true)
	cfg := Config{Threshold: 1024, MaxSegSize: 1024, NoCompress: true}
	tc := New(fs, pm, store, cache, gw, mig, cfg)

	require.NoError(t, tc.Mknod("/w", 0o644))
	first := bytes.Repeat([]byte{0x41}, 4096)
	handle, err := tc.Open("/w", os.O_RDWR)
	require.NoError(t, err)
	_, err = tc.Write(context.Background(), handle, first, 0)
	require.NoError(t, err)
	require.NoError(t, tc.Release(context.Background(), handle))

	handle, err = tc.Open("/w", os.O_RDWR)
	require.NoError(t, err)
	second := bytes.Repeat([]byte{0x42}, 4096)
	_, err = tc.Write(context.Background(), handle, second, int64(len(first)))
	require.NoError(t, err)
	require.NoError(t, tc.Release(context.Background(), handle))

	hdr, hashes := readMeta(t, fs, pm.Meta(1))
	assert.Equal(t, int64(len(first)+len(second)), hdr.Size)
	require.Len(t, hashes, 1, "whole-file mode must end with exactly one segment")

	entry, ok := store.Get(hashes[0])
	require.True(t, ok)
	assert.Equal(t, int32(1), entry.Refcount)
	assert.Equal(t, int32(len(first)+len(second)), entry.Length)

	readHandle, err := tc.Open("/w", os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, len(first)+len(second))
	n, err := tc.Read(context.Background(), readHandle, buf, 0)
	require.NoError(t, err)
	require.NoError(t, tc.Release(context.Background(), readHandle))
	assert.Equal(t, append(append([]byte{}, first...), second...), buf[:n])
}

// ============================================================================
// Scenario 5: cache eviction under a tight byte budget
// ============================================================================

func TestCache_BoundedByBudgetAndEvictsLRU(t *testing.T) {
	t.Parallel()
	// Segment size ~4096, budget 8192: a third distinct cloud read must
	// evict the first.
	h := newTestHarness(t, 0, 1<<20, 1<<20, 8192, true)

	mkCloudFile := func(path string, inode uint64, b byte) string {
		h.mknod(path)
		data := bytes.Repeat([]byte{b}, 4096)
		h.writeWholeFile(path, data)
		_, hashes := readMeta(t, h.fs, h.pm.Meta(inode))
		require.Len(t, hashes, 1)
		return hashes[0]
	}

	h1 := mkCloudFile("/one", 1, 0x01)
	h2 := mkCloudFile("/two", 2, 0x02)
	h3 := mkCloudFile("/three", 3, 0x03)

	readBack := func(path string, size int) {
		handle, err := h.tc.Open(path, os.O_RDONLY)
		require.NoError(t, err)
		buf := make([]byte, size)
		_, err = h.tc.Read(context.Background(), handle, buf, 0)
		require.NoError(t, err)
		require.NoError(t, h.tc.Release(context.Background(), handle))
	}

	readBack("/one", 4096)
	assert.True(t, h.cache.Contains(h1))

	readBack("/two", 4096)
	assert.True(t, h.cache.Contains(h2))

	readBack("/three", 4096)
	assert.True(t, h.cache.Contains(h3))
	assert.False(t, h.cache.Contains(h1), "first segment must be evicted once the budget is exceeded")

	assert.LessOrEqual(t, h.cache.Occupied(), uint64(8192))
}

// ============================================================================
// Getattr reflects metadata for cloud-tier files
// ============================================================================

func TestGetattr_UsesMetadataSizeAndTimestampsForCloudTier(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, 1024, 1<<20, 1<<20, 1<<20, true)

	h.mknod("/g")
	data := bytes.Repeat([]byte{0x5a}, 4096)
	h.writeWholeFile("/g", data)

	st, err := h.tc.Getattr("/g")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), st.Size)
	assert.Equal(t, int64(len(data))/512, st.Blocks)
}

// ============================================================================
// Concrete scenario 6: crash/remount must not lose a cloud-tier file's
// metadata (spec.md §8).
// ============================================================================

// TestRemount_RealOSInodeSurvivesProcessRestart reproduces a mount,
// promotion and then a simulated process restart against the same on-disk
// ssd_root (a fresh TierController/SegmentStore/inodeRegistry, exactly as
// cmd/cloudfs/commands/start.go's buildAndMount constructs one on every
// invocation). Because Meta/Spill are keyed from the proxy's real OS inode
// rather than an in-process synthetic counter, the post-restart
// TierController must resolve the same metadata file the first one wrote,
// not silently fall through to the truncated proxy.
func TestRemount_RealOSInodeSurvivesProcessRestart(t *testing.T) {
	t.Parallel()
	ssdRoot := t.TempDir()
	fs := afero.NewOsFs()
	pm := pathmap.New(ssdRoot, "/fuse")
	require.NoError(t, fs.MkdirAll(pm.CacheDir(), 0o755))

	gw := cloudgateway.NewMemGateway()
	cfg := Config{Threshold: 1024, MaxSegSize: 1 << 20, NoCompress: true}

	buildController := func() *TierController {
		store := segmentstore.New(fs, pm.HashTable())
		_, err := store.Reload()
		require.NoError(t, err)
		cache := segmentcache.New(fs, pm, 1<<20)
		ch, err := chunker.New(chunker.NewConfig(1<<20, 64))
		require.NoError(t, err)
		mig := migrator.New(fs, pm, store, gw, ch, cfg.NoCompress, false)
		return New(fs, pm, store, cache, gw, mig, cfg)
	}

	tc1 := buildController()
	require.NoError(t, tc1.Mknod("/a", 0o644))
	data := bytes.Repeat([]byte{0x41}, 4096)
	handle, err := tc1.Open("/a", os.O_RDWR)
	require.NoError(t, err)
	_, err = tc1.Write(context.Background(), handle, data, 0)
	require.NoError(t, err)
	require.NoError(t, tc1.Release(context.Background(), handle))

	// "Restart": a brand-new TierController, with its own inodeRegistry
	// starting back at 1, against the same ssd_root.
	tc2 := buildController()

	st, err := tc2.Getattr("/a")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), st.Size, "getattr after a remount must report the metadata's true size, not the truncated proxy's")

	readHandle, err := tc2.Open("/a", os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, len(data))
	n, err := tc2.Read(context.Background(), readHandle, buf, 0)
	require.NoError(t, err)
	require.NoError(t, tc2.Release(context.Background(), readHandle))
	assert.Equal(t, data, buf[:n], "read after a remount must still serve the cloud-tier bytes, not a zero-length local open")

	require.NoError(t, tc2.Unlink(context.Background(), "/a"))
}

func readMeta(t *testing.T, fs afero.Fs, metaPath string) (metaio.Header, []string) {
	t.Helper()
	f, err := fs.Open(metaPath)
	require.NoError(t, err)
	defer f.Close()
	hdr, err := metaio.ReadHeader(f)
	require.NoError(t, err)
	hashes, err := metaio.ReadSegmentList(f)
	require.NoError(t, err)
	return hdr, hashes
}
