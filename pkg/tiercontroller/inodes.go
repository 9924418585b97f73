package tiercontroller

import "sync"

// inodeRegistry is the fallback path when the backing afero.Fs exposes no
// real OS inode (afero.MemMapFs, used in tests): it assigns a stable
// synthetic inode number to each proxy path for the lifetime of the mount.
// On a real device (afero.OsFs), TierController resolves the proxy's actual
// inode via statInode instead, so meta/spill paths stay correct across
// process restarts; this registry is never consulted in that case.
type inodeRegistry struct {
	mu     sync.Mutex
	next   uint64
	byPath map[string]uint64
}

func newInodeRegistry() *inodeRegistry {
	return &inodeRegistry{byPath: make(map[string]uint64), next: 1}
}

// Ensure returns path's inode, assigning a fresh one on first use (mknod).
func (r *inodeRegistry) Ensure(path string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ino, ok := r.byPath[path]; ok {
		return ino
	}
	ino := r.next
	r.next++
	r.byPath[path] = ino
	return ino
}

// Forget drops path's inode mapping, called from unlink after the proxy
// and any metadata/spill files it named have been removed.
func (r *inodeRegistry) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPath, path)
}
