// Package segmentcache implements the bounded LRU of decompressed segments
// on the local device (§4.5). Eviction order is tracked by
// hashicorp/golang-lru's simplelru, but occupied bytes are tracked
// separately: simplelru is count-based and the cache's actual invariant is
// byte-budget-based, so CloudFS drives eviction itself through MakeRoom
// rather than relying on the library's own capacity eviction.
package segmentcache

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/spf13/afero"

	"github.com/cloudfs/cloudfs/internal/cerrors"
	"github.com/cloudfs/cloudfs/pkg/metrics"
	"github.com/cloudfs/cloudfs/pkg/pathmap"
)

// Cache is the process-wide segment cache.
type Cache struct {
	mu       sync.Mutex
	fs       afero.Fs
	pm       *pathmap.PathMap
	budget   uint64
	occupied uint64
	lengths  map[string]uint64
	lru      *simplelru.LRU[string, struct{}]
	disabled bool
	metrics  metrics.SegmentCacheMetrics
}

// New builds a Cache with the given byte budget. If budget is zero the
// cache is disabled for the lifetime of the mount.
func New(fs afero.Fs, pm *pathmap.PathMap, budget uint64) *Cache {
	c := &Cache{
		fs:      fs,
		pm:      pm,
		budget:  budget,
		lengths: make(map[string]uint64),
		metrics: metrics.NewSegmentCacheMetrics(),
	}
	// capacity is unbounded from the library's point of view; CloudFS
	// enforces the byte budget itself via MakeRoom.
	lru, _ := simplelru.NewLRU[string, struct{}](1<<31-1, nil)
	c.lru = lru
	if budget == 0 {
		c.disabled = true
	}
	return c
}

// Disable turns the cache off for the lifetime of the mount, per
// no_cache/§4.5's "cache_budget < max_seg_size" rule. Callers own deciding
// when that condition holds; Disable just flips the switch.
func (c *Cache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
}

// Disabled reports whether caching is off.
func (c *Cache) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Contains reports whether hash is currently cached.
func (c *Cache) Contains(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(hash)
}

// Touch moves hash to most-recently-used.
func (c *Cache) Touch(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Get(hash)
	c.recordHit(true)
}

func (c *Cache) recordHit(hit bool) {
	c.metrics.ObserveLookup(hit)
}

// Insert records hash (length bytes) as most-recently-used. The caller has
// already written the decompressed bytes to Path(hash).
func (c *Cache) Insert(hash string, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(hash, struct{}{})
	c.lengths[hash] = length
	c.occupied += length
	c.metrics.ObserveInsert(int(length))
	c.metrics.RecordOccupiedBytes(c.occupied)
}

// Remove evicts hash without unlinking its cache file; used when the
// caller is about to unlink it itself (e.g. segment refcount reached
// zero).
func (c *Cache) Remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(hash)
}

func (c *Cache) removeLocked(hash string) {
	if length, ok := c.lengths[hash]; ok {
		c.occupied -= length
		delete(c.lengths, hash)
	}
	c.lru.Remove(hash)
}

// Path returns the on-local path of hash's cache file.
func (c *Cache) Path(hash string) string {
	return c.pm.Cache(hash)
}

// MakeRoom evicts from least-recently-used until budget-occupied >=
// needBytes, unlinking each evicted segment's cache file. It never evicts
// the hash named by keepMostRecent (the segment the caller is about to
// insert). If room cannot be made (e.g. needBytes alone exceeds budget),
// it returns false and the caller should materialise the segment without
// caching it.
func (c *Cache) MakeRoom(needBytes uint64, keepMostRecent string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return false
	}
	if needBytes > c.budget {
		return false
	}

	for c.budget-c.occupied < needBytes {
		hash, _, ok := c.lru.GetOldest()
		if !ok || hash == keepMostRecent {
			return false
		}
		path := c.pm.Cache(hash)
		if err := c.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return false
		}
		c.metrics.ObserveEviction(int(c.lengths[hash]))
		c.removeLocked(hash)
	}
	c.metrics.RecordOccupiedBytes(c.occupied)
	return true
}

// Occupied returns the current occupied byte count.
func (c *Cache) Occupied() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occupied
}

// Read opens hash's cache file for reading.
func (c *Cache) Read(hash string) (afero.File, error) {
	f, err := c.fs.Open(c.pm.Cache(hash))
	if err != nil {
		return nil, cerrors.NewLocalIOError("read", c.pm.Cache(hash), err)
	}
	return f, nil
}

// Write materialises hash's decompressed bytes to its cache file from src.
func (c *Cache) Write(hash string, src io.Reader) error {
	if err := c.fs.MkdirAll(c.pm.CacheDir(), 0o755); err != nil {
		return cerrors.NewLocalIOError("write", c.pm.CacheDir(), err)
	}
	path := c.pm.Cache(hash)
	f, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("write", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return cerrors.NewLocalIOError("write", path, err)
	}
	return nil
}

// RestoreLRU re-inserts hash (length bytes) as least-recently-used, for
// SegmentStore.Reload rebuilding cache ordering after a remount.
func (c *Cache) RestoreLRU(hash string, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return
	}
	// simplelru has no "insert at oldest" primitive; emulate it by
	// adding hash first, then re-adding everything else currently
	// present so hash sorts oldest. Cheap at mount time only.
	keys := c.lru.Keys()
	c.lru.Add(hash, struct{}{})
	for _, k := range keys {
		c.lru.Get(k)
	}
	c.lengths[hash] = length
	c.occupied += length
}
