package hq

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hqsync/hqsync/internal/utils"
)

const (
	workersDir  = "workers"
	projectsDir = "projects"
	knowledge   = "knowledge"
	stateDir    = ".hq"
	trashDir    = "trash"
	logsDir     = "logs"

	ledgerFile = "ledger.json"
	lockFile   = "hqsync.lock"
	sharesFile = "shares.db"
	IgnoreFile = ".hqignore"
)

// Workspace describes the on-disk layout of an HQ root: the user-visible
// subtrees plus the .hq state directory holding the ledger, lock, logs and
// the trash mirror.
type Workspace struct {
	Owner    string
	Root     string
	StateDir string
	TrashDir string
	LogsDir  string

	LedgerPath string
	LockPath   string
	SharesPath string
	IgnorePath string
}

func NewWorkspace(rootDir string, owner string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	state := filepath.Join(root, stateDir)
	return &Workspace{
		Owner:      owner,
		Root:       root,
		StateDir:   state,
		TrashDir:   filepath.Join(state, trashDir),
		LogsDir:    filepath.Join(state, logsDir),
		LedgerPath: filepath.Join(state, ledgerFile),
		LockPath:   filepath.Join(state, lockFile),
		SharesPath: filepath.Join(state, sharesFile),
		IgnorePath: filepath.Join(root, IgnoreFile),
	}, nil
}

// Setup creates the HQ skeleton and state directories. Idempotent.
func (w *Workspace) Setup() error {
	slog.Info("workspace", "root", w.Root, "owner", w.Owner)

	dirs := []string{
		filepath.Join(w.Root, workersDir),
		filepath.Join(w.Root, projectsDir),
		filepath.Join(w.Root, knowledge),
		w.StateDir,
		w.TrashDir,
		w.LogsDir,
	}
	for _, dir := range dirs {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.writeDefaultIgnore(); err != nil {
		return fmt.Errorf("failed to write default ignore file: %w", err)
	}

	return nil
}

// AbsPath returns the absolute path for a remote-relative path.
func (w *Workspace) AbsPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}

// RelPath returns the normalized remote-relative path of an absolute path
// inside the root.
func (w *Workspace) RelPath(absPath string) (string, error) {
	relPath, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return utils.NormPath(relPath), nil
}

// TrashPath mirrors a remote-relative path inside the trash directory.
func (w *Workspace) TrashPath(relPath string) string {
	return filepath.Join(w.TrashDir, filepath.FromSlash(relPath))
}

func (w *Workspace) writeDefaultIgnore() error {
	if utils.FileExists(w.IgnorePath) {
		return nil
	}
	content := `# hqsync ignore rules (gitignore syntax)
# lines starting with ! re-include paths excluded by earlier rules
`
	return os.WriteFile(w.IgnorePath, []byte(content), 0o644)
}
