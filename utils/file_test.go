package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSize(t *testing.T) {
	dir, err := os.MkdirTemp("", "hlogstore-dirsize")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 128), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), make([]byte, 256), 0o644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(384), size)
}

func TestAvailableDiskSize(t *testing.T) {
	free, err := AvailableDiskSize(os.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
