package chunker

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Config Tests
// ============================================================================

func TestNewConfig_DerivesMinMax(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(1024, 64)
	assert.Equal(t, uint(1024), cfg.Avg)
	assert.Equal(t, 64, cfg.Window)
	assert.Equal(t, uint(1024-1024/16), cfg.Min)
	assert.Equal(t, uint(1024+1024/16), cfg.Max)
}

// ============================================================================
// Stream Round-trip Tests
// ============================================================================

func TestChunker_StreamReassemblesOriginalContent(t *testing.T) {
	t.Parallel()

	ch, err := New(NewConfig(8192, 64))
	require.NoError(t, err)

	data := randomBytes(t, 512*1024)
	stream := ch.Open(bytes.NewReader(data))

	var reassembled bytes.Buffer
	buf := make([]byte, 1<<20)
	segments := 0
	for {
		chunk, err := stream.Next(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		reassembled.Write(chunk)
		segments++
	}

	assert.Equal(t, data, reassembled.Bytes())
	assert.Greater(t, segments, 1, "512KiB of random data at 8KiB average should split into multiple segments")
}

func TestChunker_IdenticalContentChunksIdentically(t *testing.T) {
	t.Parallel()

	ch, err := New(NewConfig(4096, 64))
	require.NoError(t, err)

	data := randomBytes(t, 256*1024)

	chunksOf := func() [][]byte {
		stream := ch.Open(bytes.NewReader(data))
		var out [][]byte
		buf := make([]byte, 1<<20)
		for {
			chunk, err := stream.Next(buf)
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			out = append(out, append([]byte(nil), chunk...))
		}
		return out
	}

	first := chunksOf()
	second := chunksOf()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i], "same Chunker must produce identical boundaries for identical content (required for cross-file dedup)")
	}
}

func TestChunker_EmptyInput(t *testing.T) {
	t.Parallel()

	ch, err := New(NewConfig(8192, 64))
	require.NoError(t, err)

	stream := ch.Open(strings.NewReader(""))
	_, err = stream.Next(make([]byte, 4096))
	assert.Equal(t, io.EOF, err)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(42)).Read(b)
	require.NoError(t, err)
	return b
}
