// Package segmentstore owns the persistent segment table: a process-wide
// map from segment hash to (length, refcount), rewritten in full on every
// mutation and rebuilt by scanning that file on init.
package segmentstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/cloudfs/cloudfs/internal/cerrors"
)

// hashLen is the on-disk width of a segment hash record: 32 lowercase hex
// chars plus a NUL terminator (§6.2, §6.3).
const hashLen = 33

// recordLen is the width of one on-disk segment-table record:
// hash[33] || length:int32 || refcount:int32 (§6.3).
const recordLen = hashLen + 4 + 4

// Entry is a segment table record.
type Entry struct {
	Length   int32
	Refcount int32
}

// Store is the process-wide segment table. All mutating operations persist
// before returning, matching §4.4's durability invariant.
type Store struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	entries map[string]Entry
	// order preserves insertion order for deterministic persist() output;
	// it is not a recency index (SegmentCache owns recency).
	order []string
}

// New opens (without loading) a segment table backed by path on fs.
func New(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path, entries: make(map[string]Entry)}
}

// Get returns the entry for hash, if present.
func (s *Store) Get(hash string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	return e, ok
}

// Incref increments hash's refcount. Precondition: hash exists.
func (s *Store) Incref(hash string) error {
	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok {
		s.mu.Unlock()
		return cerrors.NewInvariantError("incref", hash, fmt.Errorf("segment not in table"))
	}
	prev := e
	e.Refcount++
	s.entries[hash] = e
	s.mu.Unlock()

	if err := s.Persist(); err != nil {
		s.mu.Lock()
		s.entries[hash] = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

// AddNew inserts hash with refcount=1. Precondition: hash absent.
func (s *Store) AddNew(hash string, length int32) error {
	s.mu.Lock()
	if _, ok := s.entries[hash]; ok {
		s.mu.Unlock()
		return cerrors.NewInvariantError("add_new", hash, fmt.Errorf("segment already in table"))
	}
	s.entries[hash] = Entry{Length: length, Refcount: 1}
	s.order = append(s.order, hash)
	s.mu.Unlock()

	if err := s.Persist(); err != nil {
		s.mu.Lock()
		delete(s.entries, hash)
		s.order = s.order[:len(s.order)-1]
		s.mu.Unlock()
		return err
	}
	return nil
}

// Decref decrements hash's refcount. Precondition: hash exists, refcount>=1.
// nowZero reports whether the refcount reached zero; the caller is
// responsible for removing the segment from cache and the object store
// when nowZero is true.
func (s *Store) Decref(hash string) (nowZero bool, err error) {
	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok {
		s.mu.Unlock()
		return false, cerrors.NewInvariantError("decref", hash, fmt.Errorf("segment not in table"))
	}
	prev := e
	e.Refcount--
	nowZero = e.Refcount <= 0
	if nowZero {
		delete(s.entries, hash)
		s.removeFromOrderLocked(hash)
	} else {
		s.entries[hash] = e
	}
	s.mu.Unlock()

	if err := s.Persist(); err != nil {
		s.mu.Lock()
		s.entries[hash] = prev
		if nowZero {
			s.order = append(s.order, hash)
		}
		s.mu.Unlock()
		return false, err
	}
	return nowZero, nil
}

func (s *Store) removeFromOrderLocked(hash string) {
	for i, h := range s.order {
		if h == hash {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Persist clobbers and rewrites the hash-table file as a concatenation of
// fixed-size records. Failure is hard: callers must treat the triggering
// mutation as failed.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	f, err := s.fs.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("persist", s.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, hash := range s.order {
		e := s.entries[hash]
		if err := writeRecord(w, hash, e); err != nil {
			return cerrors.NewLocalIOError("persist", s.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return cerrors.NewLocalIOError("persist", s.path, err)
	}
	return nil
}

func writeRecord(w io.Writer, hash string, e Entry) error {
	var buf [recordLen]byte
	copy(buf[:hashLen], hash)
	binary.LittleEndian.PutUint32(buf[hashLen:hashLen+4], uint32(e.Length))
	binary.LittleEndian.PutUint32(buf[hashLen+4:], uint32(e.Refcount))
	_, err := w.Write(buf[:])
	return err
}

// Reload reads the hash-table file on startup, rebuilding the in-memory
// table. It returns the set of hashes whose cache file the caller should
// restore into the SegmentCache as least-recently-used.
func (s *Store) Reload() ([]string, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, nil // no table yet: fresh mount
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	s.order = nil

	r := bufio.NewReader(f)
	var buf [recordLen]byte
	var hashes []string
	for {
		_, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cerrors.NewCorruptionError("reload", s.path, err)
		}
		hash := trimHash(buf[:hashLen])
		length := int32(binary.LittleEndian.Uint32(buf[hashLen : hashLen+4]))
		refcount := int32(binary.LittleEndian.Uint32(buf[hashLen+4:]))
		s.entries[hash] = Entry{Length: length, Refcount: refcount}
		s.order = append(s.order, hash)
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func trimHash(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
