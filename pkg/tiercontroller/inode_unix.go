//go:build !windows

package tiercontroller

import (
	"os"
	"syscall"
)

// statInode extracts the real OS inode number from an already-stat'd
// os.FileInfo, when the underlying filesystem exposes one. afero.OsFs does,
// and meta/spill paths are keyed off exactly this number so they survive
// process restarts; afero.MemMapFs, used in tests, does not.
func statInode(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ino, true
}
