package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreEngineDefaults(t *testing.T) {
	e := NewIgnoreEngine(filepath.Join(t.TempDir(), ".hqignore"))

	assert.True(t, e.ShouldIgnore(".hq/ledger.json"))
	assert.True(t, e.ShouldIgnore(".hqignore"))
	assert.True(t, e.ShouldIgnore("notes.md.hqconflict.1"))
	assert.True(t, e.ShouldIgnore("scratch.tmp"))
	assert.True(t, e.ShouldIgnore("projects/__pycache__/mod.pyc"))
	assert.True(t, e.ShouldIgnore(".DS_Store"))

	assert.False(t, e.ShouldIgnore("knowledge/readme.md"))
	assert.False(t, e.ShouldIgnore("workers/alpha/config.yaml"))
}

func TestIgnoreEngineFileRules(t *testing.T) {
	dir := t.TempDir()
	ignorePath := filepath.Join(dir, ".hqignore")
	require.NoError(t, os.WriteFile(ignorePath, []byte("drafts/\n*.bak\n"), 0o644))

	e := NewIgnoreEngine(ignorePath)
	e.Load()

	assert.True(t, e.ShouldIgnoreDir("drafts"))
	assert.True(t, e.ShouldIgnore("drafts/wip.md"))
	assert.True(t, e.ShouldIgnore("knowledge/old.bak"))
	assert.False(t, e.ShouldIgnore("knowledge/new.md"))
}

func TestIgnoreEngineNegationOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	ignorePath := filepath.Join(dir, ".hqignore")
	require.NoError(t, os.WriteFile(ignorePath, []byte("!important.tmp\n"), 0o644))

	e := NewIgnoreEngine(ignorePath)
	e.Load()

	assert.False(t, e.ShouldIgnore("important.tmp"))
	assert.True(t, e.ShouldIgnore("other.tmp"))
}

func TestIgnoreEngineMissingFile(t *testing.T) {
	e := NewIgnoreEngine(filepath.Join(t.TempDir(), "nope", ".hqignore"))
	e.Load() // must not panic or fail

	assert.True(t, e.ShouldIgnore(".hq/trash/old.md"))
	assert.False(t, e.ShouldIgnore("projects/plan.md"))
}

func TestIgnoreEngineExtraRules(t *testing.T) {
	e := NewIgnoreEngine(filepath.Join(t.TempDir(), ".hqignore"), "secrets/")

	assert.True(t, e.ShouldIgnoreDir("secrets"))
	assert.True(t, e.ShouldIgnore("secrets/key.pem"))
}
