// Package codec deflates and inflates segment byte streams using zlib,
// CloudFS's object-store wire format for compressed segments.
package codec

import (
	"compress/zlib"
	"io"
)

// Deflate reads exactly exactInputBytes from src and writes the compressed
// stream to dst. It never reads past the stated length.
func Deflate(dst io.Writer, src io.Reader, exactInputBytes int64) (int64, error) {
	w := zlib.NewWriter(dst)
	n, err := io.CopyN(w, src, exactInputBytes)
	if err != nil {
		_ = w.Close()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// Inflate decompresses the zlib stream read from src into dst, until src is
// exhausted.
func Inflate(dst io.Writer, src io.Reader) (int64, error) {
	r, err := zlib.NewReader(src)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(dst, r)
}
