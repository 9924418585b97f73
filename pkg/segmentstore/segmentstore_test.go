package segmentstore

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudfs/internal/cerrors"
)

// ============================================================================
// AddNew / Get Tests
// ============================================================================

func TestStore_AddNewAndGet(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")

	require.NoError(t, s.AddNew("abc123", 4096))

	entry, ok := s.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, int32(4096), entry.Length)
	assert.Equal(t, int32(1), entry.Refcount)
}

func TestStore_AddNewDuplicateFails(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	require.NoError(t, s.AddNew("abc123", 4096))

	err := s.AddNew("abc123", 4096)
	require.Error(t, err)
	var ce *cerrors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, cerrors.InvariantViolation, ce.Kind)
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

// ============================================================================
// Incref / Decref Tests
// ============================================================================

func TestStore_IncrefIncrementsRefcount(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	require.NoError(t, s.AddNew("h1", 100))
	require.NoError(t, s.Incref("h1"))

	entry, ok := s.Get("h1")
	require.True(t, ok)
	assert.Equal(t, int32(2), entry.Refcount)
}

func TestStore_IncrefMissingFails(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	err := s.Incref("missing")
	require.Error(t, err)
}

func TestStore_DecrefToZeroRemovesEntry(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	require.NoError(t, s.AddNew("h1", 100))

	nowZero, err := s.Decref("h1")
	require.NoError(t, err)
	assert.True(t, nowZero)

	_, ok := s.Get("h1")
	assert.False(t, ok)
}

func TestStore_DecrefAboveZeroKeepsEntry(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	require.NoError(t, s.AddNew("h1", 100))
	require.NoError(t, s.Incref("h1"))

	nowZero, err := s.Decref("h1")
	require.NoError(t, err)
	assert.False(t, nowZero)

	entry, ok := s.Get("h1")
	require.True(t, ok)
	assert.Equal(t, int32(1), entry.Refcount)
}

func TestStore_DecrefMissingFails(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/hash_table")
	_, err := s.Decref("missing")
	require.Error(t, err)
}

// ============================================================================
// Persist / Reload Tests
// ============================================================================

func TestStore_ReloadRebuildsState(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s := New(fs, "/hash_table")
	require.NoError(t, s.AddNew("h1", 10))
	require.NoError(t, s.AddNew("h2", 20))
	require.NoError(t, s.Incref("h1"))

	s2 := New(fs, "/hash_table")
	hashes, err := s2.Reload()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2"}, hashes)

	e1, ok := s2.Get("h1")
	require.True(t, ok)
	assert.Equal(t, int32(10), e1.Length)
	assert.Equal(t, int32(2), e1.Refcount)

	e2, ok := s2.Get("h2")
	require.True(t, ok)
	assert.Equal(t, int32(20), e2.Length)
	assert.Equal(t, int32(1), e2.Refcount)
}

func TestStore_ReloadMissingFileIsFreshMount(t *testing.T) {
	t.Parallel()

	s := New(afero.NewMemMapFs(), "/does-not-exist")
	hashes, err := s.Reload()
	require.NoError(t, err)
	assert.Nil(t, hashes)
}

func TestStore_PersistFailureRollsBackInMemoryState(t *testing.T) {
	t.Parallel()

	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	s := New(fs, "/hash_table")

	err := s.AddNew("h1", 10)
	require.Error(t, err)

	_, ok := s.Get("h1")
	assert.False(t, ok, "failed persist must not leave the entry visible")
}
