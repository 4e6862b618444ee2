package hq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceSetup(t *testing.T) {
	root := t.TempDir()
	w, err := NewWorkspace(root, "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, w.Setup())

	for _, dir := range []string{"workers", "projects", "knowledge", ".hq", ".hq/trash", ".hq/logs"} {
		assert.DirExists(t, filepath.Join(root, dir))
	}
	assert.FileExists(t, w.IgnorePath)

	// idempotent, and a customized ignore file survives
	require.NoError(t, os.WriteFile(w.IgnorePath, []byte("drafts/\n"), 0o644))
	require.NoError(t, w.Setup())
	data, err := os.ReadFile(w.IgnorePath)
	require.NoError(t, err)
	assert.Equal(t, "drafts/\n", string(data))
}

func TestWorkspacePaths(t *testing.T) {
	root := t.TempDir()
	w, err := NewWorkspace(root, "alice@example.com")
	require.NoError(t, err)

	abs := w.AbsPath("projects/plan.md")
	assert.Equal(t, filepath.Join(w.Root, "projects", "plan.md"), abs)

	rel, err := w.RelPath(abs)
	require.NoError(t, err)
	assert.Equal(t, "projects/plan.md", rel)

	assert.Equal(t, filepath.Join(w.TrashDir, "projects", "plan.md"), w.TrashPath("projects/plan.md"))
	assert.Equal(t, filepath.Join(w.StateDir, "ledger.json"), w.LedgerPath)
	assert.Equal(t, filepath.Join(w.StateDir, "hqsync.lock"), w.LockPath)
}

func TestWorkspaceTildeExpansion(t *testing.T) {
	w, err := NewWorkspace("~/HQ", "alice@example.com")
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "HQ"), w.Root)
}
