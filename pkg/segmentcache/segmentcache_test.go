package segmentcache

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudfs/pkg/pathmap"
)

func newTestCache(budget uint64) (*Cache, afero.Fs, *pathmap.PathMap) {
	fs := afero.NewMemMapFs()
	pm := pathmap.New("/ssd", "/mnt")
	return New(fs, pm, budget), fs, pm
}

// ============================================================================
// Disable / Budget Tests
// ============================================================================

func TestCache_ZeroBudgetIsDisabled(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(0)
	assert.True(t, c.Disabled())
}

func TestCache_ExplicitDisable(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(1024)
	assert.False(t, c.Disabled())
	c.Disable()
	assert.True(t, c.Disabled())
}

// ============================================================================
// Insert / Contains / Touch Tests
// ============================================================================

func TestCache_InsertAndContains(t *testing.T) {
	t.Parallel()

	c, fs, pm := newTestCache(1024)
	require.NoError(t, c.Write("h1", strings.NewReader("data")))
	c.Insert("h1", 4)

	assert.True(t, c.Contains("h1"))
	assert.Equal(t, uint64(4), c.Occupied())

	exists, err := afero.Exists(fs, pm.Cache("h1"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCache_TouchRefreshesRecency(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(100)
	c.Insert("old", 10)
	c.Insert("new", 10)
	c.Touch("old")

	// "new" is now the least-recently-used; MakeRoom should evict it first.
	ok := c.MakeRoom(90, "")
	require.True(t, ok)
	assert.False(t, c.Contains("new"))
	assert.True(t, c.Contains("old"))
}

// ============================================================================
// MakeRoom Tests
// ============================================================================

func TestCache_MakeRoomEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, fs, pm := newTestCache(30)
	require.NoError(t, c.Write("h1", strings.NewReader("aaaaaaaaaa")))
	c.Insert("h1", 10)
	require.NoError(t, c.Write("h2", strings.NewReader("bbbbbbbbbb")))
	c.Insert("h2", 10)

	ok := c.MakeRoom(20, "")
	require.True(t, ok)

	assert.False(t, c.Contains("h1"))
	assert.True(t, c.Contains("h2"))

	exists, err := afero.Exists(fs, pm.Cache("h1"))
	require.NoError(t, err)
	assert.False(t, exists, "evicted segment's cache file must be removed")
}

func TestCache_MakeRoomNeverEvictsKeepMostRecent(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(10)
	c.Insert("only", 10)

	ok := c.MakeRoom(10, "only")
	assert.False(t, ok, "cannot make room without evicting the segment being protected")
	assert.True(t, c.Contains("only"))
}

func TestCache_MakeRoomFailsWhenNeedExceedsBudget(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(10)
	ok := c.MakeRoom(20, "")
	assert.False(t, ok)
}

func TestCache_MakeRoomOnDisabledCacheFails(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(0)
	ok := c.MakeRoom(1, "")
	assert.False(t, ok)
}

// ============================================================================
// Remove Tests
// ============================================================================

func TestCache_RemoveDropsEntryWithoutTouchingDisk(t *testing.T) {
	t.Parallel()

	c, fs, pm := newTestCache(100)
	require.NoError(t, c.Write("h1", strings.NewReader("data")))
	c.Insert("h1", 4)

	c.Remove("h1")
	assert.False(t, c.Contains("h1"))
	assert.Equal(t, uint64(0), c.Occupied())

	exists, err := afero.Exists(fs, pm.Cache("h1"))
	require.NoError(t, err)
	assert.True(t, exists, "Remove evicts bookkeeping only, caller owns unlinking")
}

// ============================================================================
// Read / Write Tests
// ============================================================================

func TestCache_WriteThenRead(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(100)
	require.NoError(t, c.Write("h1", strings.NewReader("segment-bytes")))

	f, err := c.Read("h1")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 32)
	n, _ := f.Read(buf)
	assert.Equal(t, "segment-bytes", string(buf[:n]))
}

// ============================================================================
// RestoreLRU Tests
// ============================================================================

func TestCache_RestoreLRUMarksAsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(100)
	c.Insert("fresh", 10)
	c.RestoreLRU("restored", 10)

	assert.True(t, c.Contains("restored"))
	assert.Equal(t, uint64(20), c.Occupied())

	ok := c.MakeRoom(90, "")
	require.True(t, ok)
	assert.False(t, c.Contains("restored"), "restored entries should evict before entries touched this session")
	assert.True(t, c.Contains("fresh"))
}

func TestCache_RestoreLRUNoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCache(0)
	c.RestoreLRU("h1", 10)
	assert.False(t, c.Contains("h1"))
	assert.Equal(t, uint64(0), c.Occupied())
}
