package pathmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathMap_Derivations(t *testing.T) {
	t.Parallel()

	pm := New("/var/lib/cloudfs/ssd", "/mnt/cloudfs")

	assert.Equal(t, "/var/lib/cloudfs/ssd", pm.SSDRoot())
	assert.Equal(t, "/var/lib/cloudfs/ssd/docs/report.txt", pm.Proxy("docs/report.txt"))
	assert.Equal(t, "/var/lib/cloudfs/ssd/.2a", pm.Meta(42))
	assert.Equal(t, "/var/lib/cloudfs/ssd/.2a_data", pm.Spill(42))
	assert.Equal(t, "/var/lib/cloudfs/ssd/.cache/abc123", pm.Cache("abc123"))
	assert.Equal(t, "/var/lib/cloudfs/ssd/.cache", pm.CacheDir())
	assert.Equal(t, "/var/lib/cloudfs/ssd/.hash_table", pm.HashTable())
	assert.Equal(t, "/var/lib/cloudfs/ssd/.scratch_xyz", pm.Scratch("xyz"))
}

func TestPathMap_MetaIsStableAcrossUnlinkedDirent(t *testing.T) {
	t.Parallel()

	pm := New("/ssd", "/mnt")

	// Meta/Spill are keyed from the inode number, not the logical path, so
	// they stay resolvable after the proxy dirent is gone.
	before := pm.Meta(7)
	assert.Equal(t, before, pm.Meta(7))
	assert.NotEqual(t, pm.Proxy("name-before-unlink"), before)
}

func TestPathMap_DistinctInodesDoNotCollide(t *testing.T) {
	t.Parallel()

	pm := New("/ssd", "/mnt")
	assert.NotEqual(t, pm.Meta(1), pm.Meta(2))
	assert.NotEqual(t, pm.Spill(1), pm.Spill(2))
}
