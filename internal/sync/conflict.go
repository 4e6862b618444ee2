package sync

import (
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// ConflictStatus is the resolution state of a recorded divergence.
type ConflictStatus string

const (
	ConflictDetected ConflictStatus = "detected"
	ConflictDeferred ConflictStatus = "deferred"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict records one detected divergence between the local and remote
// versions of a path.
type Conflict struct {
	ID         string         `json:"id"`
	RelPath    string         `json:"relativePath"`
	Status     ConflictStatus `json:"status"`
	DetectedAt time.Time      `json:"detectedAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

func (c *Conflict) unresolved() bool {
	return c.Status == ConflictDetected || c.Status == ConflictDeferred
}

// ConflictSortField selects the list ordering.
type ConflictSortField string

const (
	ConflictSortDetectedAt ConflictSortField = "detectedAt"
	ConflictSortResolvedAt ConflictSortField = "resolvedAt"
	ConflictSortPath       ConflictSortField = "path"
)

// ConflictQuery filters and pages a List call. Zero values mean "no filter",
// except Limit: 0 means no limit.
type ConflictQuery struct {
	Status     ConflictStatus
	PathPrefix string
	SortBy     ConflictSortField
	Descending bool
	Offset     int
	Limit      int
}

// ConflictListResult carries one filtered page plus status counts over the
// whole log, independent of the active filter.
type ConflictListResult struct {
	Conflicts  []*Conflict `json:"conflicts"`
	Total      int         `json:"total"`
	Unresolved int         `json:"unresolved"`
	Deferred   int         `json:"deferred"`
	Resolved   int         `json:"resolved"`
}

const DefaultMaxConflicts = 500

// ConflictLog is a bounded in-memory record of divergences. At most one
// unresolved conflict exists per path: a new detection supersedes the old
// one instead of duplicating it. When full, eviction prefers resolved
// entries so unresolved conflicts stay visible.
type ConflictLog struct {
	mu         gosync.RWMutex
	maxEntries int
	entries    []*Conflict // insertion order, oldest first
}

func NewConflictLog(maxEntries int) *ConflictLog {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxConflicts
	}
	return &ConflictLog{maxEntries: maxEntries}
}

// Add records a divergence for a path. An existing unresolved conflict for
// the same path is superseded: removed and replaced by the new entry.
func (cl *ConflictLog) Add(relPath string) *Conflict {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for i, entry := range cl.entries {
		if entry.RelPath == relPath && entry.unresolved() {
			cl.entries = append(cl.entries[:i], cl.entries[i+1:]...)
			break
		}
	}

	conflict := &Conflict{
		ID:         uuid.NewString(),
		RelPath:    relPath,
		Status:     ConflictDetected,
		DetectedAt: time.Now().UTC(),
	}
	cl.entries = append(cl.entries, conflict)

	for len(cl.entries) > cl.maxEntries {
		cl.evictOne()
	}
	return conflict
}

// evictOne drops the oldest resolved entry, or the oldest entry of any
// status if nothing is resolved. Caller holds the lock.
func (cl *ConflictLog) evictOne() {
	for i, entry := range cl.entries {
		if entry.Status == ConflictResolved {
			cl.entries = append(cl.entries[:i], cl.entries[i+1:]...)
			return
		}
	}
	cl.entries = cl.entries[1:]
}

// GetByPath returns the most-recently-detected unresolved conflict for the
// path, or nil if the path is not currently in conflict.
func (cl *ConflictLog) GetByPath(relPath string) *Conflict {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var latest *Conflict
	for _, entry := range cl.entries {
		if entry.RelPath != relPath || !entry.unresolved() {
			continue
		}
		if latest == nil || entry.DetectedAt.After(latest.DetectedAt) {
			latest = entry
		}
	}
	if latest == nil {
		return nil
	}
	clone := *latest
	return &clone
}

// Defer marks a conflict as deferred: acknowledged but not acted on.
func (cl *ConflictLog) Defer(id string) error {
	return cl.setStatus(id, ConflictDeferred)
}

// Resolve marks a conflict resolved and stamps the resolution time.
func (cl *ConflictLog) Resolve(id string) error {
	return cl.setStatus(id, ConflictResolved)
}

func (cl *ConflictLog) setStatus(id string, status ConflictStatus) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for _, entry := range cl.entries {
		if entry.ID != id {
			continue
		}
		if entry.Status == ConflictResolved {
			return fmt.Errorf("conflict %s already resolved", id)
		}
		entry.Status = status
		if status == ConflictResolved {
			now := time.Now().UTC()
			entry.ResolvedAt = &now
		}
		return nil
	}
	return fmt.Errorf("conflict %s not found", id)
}

func (cl *ConflictLog) Size() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.entries)
}

// List returns a filtered, sorted, paginated view. The status counts in the
// result always describe the entire log regardless of filter or page.
func (cl *ConflictLog) List(query ConflictQuery) *ConflictListResult {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	result := &ConflictListResult{}
	for _, entry := range cl.entries {
		switch entry.Status {
		case ConflictResolved:
			result.Resolved++
		case ConflictDeferred:
			result.Deferred++
			result.Unresolved++
		default:
			result.Unresolved++
		}
	}
	result.Total = len(cl.entries)

	filtered := make([]*Conflict, 0, len(cl.entries))
	for _, entry := range cl.entries {
		if query.Status != "" && entry.Status != query.Status {
			continue
		}
		if query.PathPrefix != "" && !strings.HasPrefix(entry.RelPath, query.PathPrefix) {
			continue
		}
		clone := *entry
		filtered = append(filtered, &clone)
	}

	sortConflicts(filtered, query.SortBy, query.Descending)

	start := min(query.Offset, len(filtered))
	end := len(filtered)
	if query.Limit > 0 {
		end = min(start+query.Limit, len(filtered))
	}
	result.Conflicts = filtered[start:end]
	return result
}

func sortConflicts(conflicts []*Conflict, field ConflictSortField, descending bool) {
	less := func(a, b *Conflict) bool {
		switch field {
		case ConflictSortResolvedAt:
			at, bt := time.Time{}, time.Time{}
			if a.ResolvedAt != nil {
				at = *a.ResolvedAt
			}
			if b.ResolvedAt != nil {
				bt = *b.ResolvedAt
			}
			return at.Before(bt)
		case ConflictSortPath:
			return a.RelPath < b.RelPath
		default:
			return a.DetectedAt.Before(b.DetectedAt)
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if descending {
			return less(conflicts[j], conflicts[i])
		}
		return less(conflicts[i], conflicts[j])
	})
}

// ToJSON exports the full log for persistence across restarts.
func (cl *ConflictLog) ToJSON() ([]byte, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return jsonMarshal(cl.entries)
}

// FromJSON replaces the log contents with a previously exported snapshot,
// trimming to capacity if the snapshot is larger.
func (cl *ConflictLog) FromJSON(data []byte) error {
	var entries []*Conflict
	if err := jsonUnmarshal(data, &entries); err != nil {
		return fmt.Errorf("conflict log decode: %w", err)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.entries = entries
	for len(cl.entries) > cl.maxEntries {
		cl.evictOne()
	}
	return nil
}
