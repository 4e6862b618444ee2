package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	resolved, err := ResolvePath("~/HQ")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "HQ"), resolved)

	_, err = ResolvePath("")
	assert.Error(t, err)
}

func TestNormPath(t *testing.T) {
	assert.Equal(t, "a/b/c", NormPath("a/b/c"))
	assert.Equal(t, "a/b", NormPath("/a/b"))
	assert.Equal(t, "a/b", NormPath(`a\b`))
	assert.Equal(t, "a/c", NormPath("a/b/../c"))
}

func TestEnsureDirAndExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "x", "y")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	require.NoError(t, EnsureDir(dir)) // idempotent

	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))
	assert.False(t, FileExists(dir))
}
