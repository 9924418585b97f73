// Package chunker wraps the external content-defined (rolling-hash)
// segmenter, presenting it as a simple per-file stream of segment byte
// slices. Stream state is reset between files by constructing a fresh
// Stream for each.
package chunker

import (
	"io"

	rollinghash "github.com/whyrusleeping/chunker"
)

// Config is the segmenter's size policy: {window, avg, min = avg-avg/16,
// max = avg+avg/16} (§4.6).
type Config struct {
	Window int
	Avg    uint
	Min    uint
	Max    uint
}

// NewConfig derives Min/Max from avg per §4.6.
func NewConfig(avg uint, window int) Config {
	return Config{
		Window: window,
		Avg:    avg,
		Min:    avg - avg/16,
		Max:    avg + avg/16,
	}
}

// Chunker holds the polynomial used to configure every Stream it opens.
// The polynomial is randomised once per mount so that chunk boundaries are
// not predictable across deployments, and reused across files within the
// mount so that identical content chunks identically (required for
// cross-file dedup).
type Chunker struct {
	cfg Config
	pol rollinghash.Pol
}

// New builds a Chunker, drawing a fresh random polynomial.
func New(cfg Config) (*Chunker, error) {
	pol, err := rollinghash.RandomPolynomial()
	if err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg, pol: pol}, nil
}

// Open starts a new segmentation stream over r. Each file gets its own
// Stream; no state carries over between files.
func (c *Chunker) Open(r io.Reader) *Stream {
	rc := rollinghash.New(r, c.pol, nil, uint64(c.cfg.Avg), uint64(c.cfg.Min), uint64(c.cfg.Max))
	return &Stream{rc: rc}
}

// Stream reports one file's sequence of content-defined segments.
type Stream struct {
	rc *rollinghash.Chunker
}

// Next returns the next segment's bytes. It returns io.EOF once the
// underlying reader is exhausted.
func (s *Stream) Next(buf []byte) ([]byte, error) {
	chunk, err := s.rc.Next()
	if err != nil {
		return nil, err
	}
	return chunk.Data, nil
}
