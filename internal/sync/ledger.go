package sync

import (
	"fmt"
	"log/slog"
	"os"
	gosync "sync"
	"time"

	"github.com/hqsync/hqsync/internal/utils"
)

const ledgerVersion = 1

// RemoteObjectInfo is what one polling cycle observes for a single object.
type RemoteObjectInfo struct {
	Key              string    `json:"key"`
	RelPath          string    `json:"relativePath"`
	RemoteModifiedAt time.Time `json:"remoteModifiedAt"`
	Size             int64     `json:"size"`
	RemoteTag        string    `json:"remoteTag"`
}

// LedgerEntry records the last-known remote metadata for one path. An entry
// exists iff the file was believed present remotely as of the last
// successful poll/download.
type LedgerEntry struct {
	RelPath          string    `json:"relativePath"`
	RemoteModifiedAt time.Time `json:"remoteModifiedAt"`
	RemoteTag        string    `json:"remoteTag"`
	Size             int64     `json:"size"`
	SyncedAt         time.Time `json:"syncedAt"`
}

type ledgerDoc struct {
	Version      int                     `json:"version"`
	UserID       string                  `json:"userId"`
	RemotePrefix string                  `json:"remotePrefix"`
	LastPollAt   time.Time               `json:"lastPollAt"`
	Entries      map[string]*LedgerEntry `json:"entries"`
}

// Ledger is the durable diff baseline for the polling loop: comparing a
// listed object against its entry is the sole change-detection mechanism,
// so a poll costs O(1) per object and content is never re-read to compare.
type Ledger struct {
	path  string
	mu    gosync.RWMutex
	doc   ledgerDoc
	dirty bool
}

func NewLedger(path, userID, remotePrefix string) *Ledger {
	return &Ledger{
		path: path,
		doc: ledgerDoc{
			Version:      ledgerVersion,
			UserID:       userID,
			RemotePrefix: remotePrefix,
			Entries:      make(map[string]*LedgerEntry),
		},
	}
}

// Load reads the backing file. A missing or corrupt file is never fatal:
// the ledger falls back to empty and the next poll rebuilds it.
func (l *Ledger) Load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ledger read failed, starting empty", "path", l.path, "error", err)
		}
		return
	}

	var doc ledgerDoc
	if err := jsonUnmarshal(data, &doc); err != nil {
		slog.Warn("ledger corrupt, starting empty", "path", l.path, "error", err)
		return
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]*LedgerEntry)
	}
	doc.Version = ledgerVersion

	l.mu.Lock()
	userID, prefix := l.doc.UserID, l.doc.RemotePrefix
	l.doc = doc
	l.doc.UserID = userID
	l.doc.RemotePrefix = prefix
	l.mu.Unlock()

	slog.Info("ledger loaded", "path", l.path, "entries", len(doc.Entries))
}

// Save writes the ledger if there are unsaved mutations. The write is
// atomic: temp file then rename.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}

	data, err := jsonMarshal(&l.doc)
	if err != nil {
		return fmt.Errorf("ledger marshal: %w", err)
	}

	if err := utils.EnsureParent(l.path); err != nil {
		return fmt.Errorf("ledger dir: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ledger write: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("ledger rename: %w", err)
	}

	l.dirty = false
	return nil
}

// HasChanged reports whether an observed object differs from the ledger:
// true when the path has no entry or the stored modification time / tag
// differ from the observation.
func (l *Ledger) HasChanged(obj *RemoteObjectInfo) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, exists := l.doc.Entries[obj.RelPath]
	if !exists {
		return true
	}
	return !entry.RemoteModifiedAt.Equal(obj.RemoteModifiedAt) || entry.RemoteTag != obj.RemoteTag
}

func (l *Ledger) GetEntry(relPath string) *LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, exists := l.doc.Entries[relPath]
	if !exists {
		return nil
	}
	clone := *entry
	return &clone
}

// UpdateEntry records the observed metadata as the new baseline for the path.
func (l *Ledger) UpdateEntry(obj *RemoteObjectInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc.Entries[obj.RelPath] = &LedgerEntry{
		RelPath:          obj.RelPath,
		RemoteModifiedAt: obj.RemoteModifiedAt,
		RemoteTag:        obj.RemoteTag,
		Size:             obj.Size,
		SyncedAt:         time.Now().UTC(),
	}
	l.dirty = true
}

func (l *Ledger) RemoveEntry(relPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.doc.Entries[relPath]; exists {
		delete(l.doc.Entries, relPath)
		l.dirty = true
	}
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.doc.Entries)
}

func (l *Ledger) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	paths := make([]string, 0, len(l.doc.Entries))
	for path := range l.doc.Entries {
		paths = append(paths, path)
	}
	return paths
}

func (l *Ledger) LastPollAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc.LastPollAt
}

func (l *Ledger) SetLastPollAt(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.LastPollAt = t
	l.dirty = true
}

func (l *Ledger) RemotePrefix() string {
	return l.doc.RemotePrefix
}
