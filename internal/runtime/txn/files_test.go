package txn

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

func TestTokenRoundTripTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "status")

	require.NoError(t, WriteToken(path, "  value  \n"))

	got, found, err := ReadToken(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", got)
}

func TestReadTokenMissingFileIsNoValue(t *testing.T) {
	got, found, err := ReadToken(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, got)
}

func TestWriteTokenReplacesContentsWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	require.NoError(t, WriteToken(path, "ACTIVE"))
	require.NoError(t, WriteToken(path, "COMPLETED"))

	got, _, err := ReadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteTokenFailureIsStatusFileError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := WriteToken(filepath.Join(blocker, "status"), "ACTIVE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrStatusFile))

	var sfe *errspkg.StatusFileError
	require.True(t, errors.As(err, &sfe))
	assert.Equal(t, filepath.Join(blocker, "status"), sfe.Path)
}
