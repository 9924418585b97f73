//go:build !windows

package tiercontroller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatInode_MatchesRealOSInode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)

	ino, ok := statInode(info)
	require.True(t, ok)
	assert.NotZero(t, ino)

	infoAgain, err := os.Stat(path)
	require.NoError(t, err)
	inoAgain, ok := statInode(infoAgain)
	require.True(t, ok)
	assert.Equal(t, ino, inoAgain, "the same file's real inode must be stable across repeated stats")
}
