package sync

import (
	"fmt"
	"time"
)

// ChangeKind classifies a local filesystem change.
type ChangeKind string

const (
	ChangeAdded      ChangeKind = "added"
	ChangeModified   ChangeKind = "modified"
	ChangeRemoved    ChangeKind = "removed"
	ChangeDirAdded   ChangeKind = "dir-added"
	ChangeDirRemoved ChangeKind = "dir-removed"
)

// ChangeEvent is produced by the FileWatcher and consumed by the SyncDaemon.
type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	AbsPath   string     `json:"absolutePath"`
	RelPath   string     `json:"relativePath"`
	Timestamp time.Time  `json:"timestamp"`
}

// Key identifies an event for deduplication: one pending event per
// (kind, relativePath).
func (e *ChangeEvent) Key() string {
	return string(e.Kind) + ":" + e.RelPath
}

func (e *ChangeEvent) String() string {
	return fmt.Sprintf("%s %s", e.Kind, e.RelPath)
}

func (e *ChangeEvent) IsDir() bool {
	return e.Kind == ChangeDirAdded || e.Kind == ChangeDirRemoved
}
