// Package pathmap derives the on-local paths for a logical path's proxy,
// metadata, data-spill, and cache files. It never touches the filesystem
// itself; callers stat the returned paths as needed.
package pathmap

import (
	"fmt"
	"path/filepath"
)

// PathMap maps logical paths to on-local paths under a single ssd_root.
type PathMap struct {
	ssdRoot  string
	fuseRoot string
}

// New builds a PathMap rooted at ssdRoot, mirroring the logical namespace
// exposed at fuseRoot.
func New(ssdRoot, fuseRoot string) *PathMap {
	return &PathMap{ssdRoot: ssdRoot, fuseRoot: fuseRoot}
}

// SSDRoot returns the configured local-device root.
func (m *PathMap) SSDRoot() string {
	return m.ssdRoot
}

// Proxy returns the on-local path of the logical path's proxy inode.
func (m *PathMap) Proxy(logicalPath string) string {
	return filepath.Join(m.ssdRoot, logicalPath)
}

// Meta returns the on-local path of the metadata file for a proxy inode
// number. Naming from the inode number (rather than the logical path)
// keeps the path resolvable after the proxy dirent has been unlinked, and
// avoids collisions with sibling logical paths.
func (m *PathMap) Meta(proxyInode uint64) string {
	return filepath.Join(m.ssdRoot, fmt.Sprintf(".%x", proxyInode))
}

// Spill returns the on-local path of the data-spill file for a proxy inode
// number.
func (m *PathMap) Spill(proxyInode uint64) string {
	return m.Meta(proxyInode) + "_data"
}

// Cache returns the on-local path of the cache file for a segment hash.
func (m *PathMap) Cache(hash string) string {
	return filepath.Join(m.ssdRoot, ".cache", hash)
}

// CacheDir returns the cache root directory.
func (m *PathMap) CacheDir() string {
	return filepath.Join(m.ssdRoot, ".cache")
}

// HashTable returns the on-local path of the segment table file.
func (m *PathMap) HashTable() string {
	return filepath.Join(m.ssdRoot, ".hash_table")
}

// Scratch returns the on-local path of a scratch file used for transient
// compression/decompression or segment shuffling. Single-threaded dispatch
// makes the fixed name collision-free.
func (m *PathMap) Scratch(name string) string {
	return filepath.Join(m.ssdRoot, ".scratch_"+name)
}
