package sync

import (
	"bufio"
	"log/slog"
	"os"
	gosync "sync"

	"github.com/hqsync/hqsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// Built-in rules. A leading ! in the user's ignore file can re-include
// anything listed here except the state directory.
var defaultIgnoreLines = []string{
	// hqsync internals
	".hq/",
	".hqignore",
	"**/*.hqconflict*",
	// general excludes
	".git",
	"*.tmp",
	"*.swp",
	"*.log",
	"logs/",
	// python
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	".venv/",
	"venv/",
	// IDE/editor
	".vscode",
	".idea",
	// OS junk
	".DS_Store",
	"Thumbs.db",
}

// IgnoreEngine answers include/exclude for relative paths using gitignore
// syntax: # comments, blank lines, trailing / for directory-only rules and
// leading ! negation. The backing file is reloaded by the daemon whenever the
// watcher reports a change to it.
type IgnoreEngine struct {
	ignorePath string
	extraRules []string
	mu         gosync.RWMutex
	ignore     *gitignore.GitIgnore
}

func NewIgnoreEngine(ignorePath string, extraRules ...string) *IgnoreEngine {
	e := &IgnoreEngine{
		ignorePath: ignorePath,
		extraRules: extraRules,
	}
	e.compile(nil)
	return e
}

// Load reads the ignore file and recompiles the rule set. A missing or
// unreadable file is non-fatal: the engine falls back to the built-in rules.
func (e *IgnoreEngine) Load() {
	var fileLines []string

	if utils.FileExists(e.ignorePath) {
		file, err := os.Open(e.ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", e.ignorePath, "error", err)
		} else {
			defer file.Close()
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				if line := scanner.Text(); line != "" {
					fileLines = append(fileLines, line)
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", e.ignorePath, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", e.ignorePath, "rules", len(fileLines))
			}
		}
	}

	e.compile(fileLines)
}

func (e *IgnoreEngine) compile(fileLines []string) {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(e.extraRules)+len(fileLines))
	lines = append(lines, defaultIgnoreLines...)
	lines = append(lines, e.extraRules...)
	// file rules come last so ! negations can override built-ins
	lines = append(lines, fileLines...)

	compiled := gitignore.CompileIgnoreLines(lines...)

	e.mu.Lock()
	e.ignore = compiled
	e.mu.Unlock()
}

// ShouldIgnore reports whether a relative path is excluded from syncing.
func (e *IgnoreEngine) ShouldIgnore(relPath string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ignore.MatchesPath(relPath)
}

// ShouldIgnoreDir checks a directory path, honoring trailing-slash rules.
func (e *IgnoreEngine) ShouldIgnoreDir(relPath string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ignore.MatchesPath(relPath) || e.ignore.MatchesPath(relPath+"/")
}
