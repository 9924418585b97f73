// Package metaio implements the typed on-disk metadata record (§6.2): a
// fixed-width header of size/atime/mtime/ctime, followed by a contiguous
// list of 33-byte segment-hash records in file order. All access is
// positional; no offset arithmetic leaks to callers.
package metaio

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/cloudfs/cloudfs/internal/cerrors"
)

// segRecLen is the width of one segment-hash record: 32 lowercase hex
// chars plus a NUL terminator.
const segRecLen = 33

// headerLen is the width of the fixed prefix: four little-endian int64
// fields (size, atime, mtime, ctime).
const headerLen = 8 * 4

// Header is the metadata record's fixed prefix.
type Header struct {
	Size  int64
	Atime int64
	Mtime int64
	Ctime int64
}

// NowHeader builds a Header with all three timestamps set to now and the
// given size.
func NowHeader(size int64) Header {
	now := time.Now().Unix()
	return Header{Size: size, Atime: now, Mtime: now, Ctime: now}
}

// Exists reports whether a metadata file is present at path. Tier is
// derived solely from this: cloud-tier iff the metadata file exists.
func Exists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

// Create writes a fresh metadata file at path with the given header and an
// empty segment list.
func Create(fs afero.Fs, path string, h Header) error {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("create", path, err)
	}
	defer f.Close()
	return WriteHeader(f, h)
}

// ReadHeader reads the fixed prefix from an open metadata file.
func ReadHeader(f afero.File) (Header, error) {
	var buf [headerLen]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return Header{}, cerrors.NewCorruptionError("read_header", f.Name(), err)
	}
	return Header{
		Size:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Atime: int64(binary.LittleEndian.Uint64(buf[8:16])),
		Mtime: int64(binary.LittleEndian.Uint64(buf[16:24])),
		Ctime: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

// WriteHeader writes the fixed prefix to an open metadata file.
func WriteHeader(f afero.File, h Header) error {
	var buf [headerLen]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Atime))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Mtime))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Ctime))
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return cerrors.NewLocalIOError("write_header", f.Name(), err)
	}
	return nil
}

// ReadSegmentList returns the segment-hash list in file order.
func ReadSegmentList(f afero.File) ([]string, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, cerrors.NewLocalIOError("read_segment_list", f.Name(), err)
	}
	n := (info.Size() - headerLen) / segRecLen
	if n <= 0 {
		return nil, nil
	}
	hashes := make([]string, 0, n)
	buf := make([]byte, segRecLen)
	for i := int64(0); i < n; i++ {
		off := headerLen + i*segRecLen
		if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
			return nil, cerrors.NewCorruptionError("read_segment_list", f.Name(), err)
		}
		hashes = append(hashes, trimRecord(buf))
	}
	return hashes, nil
}

// AppendSegment appends hash as a single atomic 33-byte write at the end
// of the segment list.
func AppendSegment(f afero.File, hash string) error {
	info, err := f.Stat()
	if err != nil {
		return cerrors.NewLocalIOError("append_segment", f.Name(), err)
	}
	var buf [segRecLen]byte
	copy(buf[:], hash)
	if _, err := f.WriteAt(buf[:], info.Size()); err != nil {
		return cerrors.NewLocalIOError("append_segment", f.Name(), err)
	}
	return nil
}

// TruncateLastSegment removes and returns the last segment-hash record in
// the list. It is the caller's responsibility to pull that segment's bytes
// back to the data-spill and decref it (§4.9.3).
func TruncateLastSegment(f afero.File) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", cerrors.NewLocalIOError("truncate_last_segment", f.Name(), err)
	}
	if info.Size() < headerLen+segRecLen {
		return "", cerrors.NewInvariantError("truncate_last_segment", f.Name(), io.ErrUnexpectedEOF)
	}
	lastOff := info.Size() - segRecLen
	var buf [segRecLen]byte
	if _, err := f.ReadAt(buf[:], lastOff); err != nil {
		return "", cerrors.NewCorruptionError("truncate_last_segment", f.Name(), err)
	}
	if err := f.Truncate(lastOff); err != nil {
		return "", cerrors.NewLocalIOError("truncate_last_segment", f.Name(), err)
	}
	return trimRecord(buf[:]), nil
}

// SegmentCount returns the number of segment records currently in f.
func SegmentCount(f afero.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, cerrors.NewLocalIOError("segment_count", f.Name(), err)
	}
	return (info.Size() - headerLen) / segRecLen, nil
}

func trimRecord(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
