package sync

import (
	gosync "sync"
	"time"
)

// Health is the coarse operational state derived from recent activity.
type Health string

const (
	HealthOffline  Health = "offline"
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthError    Health = "error"
)

const (
	// recent-error count at or above which health drops to error
	defaultErrorThreshold = 5
	// recent errors remembered, most recent first
	defaultErrorCapacity = 20
	// safety net: a manual trigger left uncleared expires after this long
	defaultTriggerTimeout = 2 * time.Minute
)

// RecentError is one entry in the aggregator's error ring.
type RecentError struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// TransferProgress is an optional snapshot of an in-progress batch.
type TransferProgress struct {
	TotalFiles     int   `json:"totalFiles"`
	CompletedFiles int   `json:"completedFiles"`
	TotalBytes     int64 `json:"totalBytes"`
	SentBytes      int64 `json:"sentBytes"`
}

// StatusSnapshot is the externally queryable view of the whole engine,
// recomputed on each call.
type StatusSnapshot struct {
	DaemonState    DaemonState       `json:"daemonState"`
	Health         Health            `json:"health"`
	IsSyncing      bool              `json:"isSyncing"`
	Progress       *TransferProgress `json:"progress,omitempty"`
	LastSyncAt     time.Time         `json:"lastSyncAt"`
	PendingChanges int               `json:"pendingChanges"`
	TrackedFiles   int               `json:"trackedFiles"`
	UploadStats    DaemonStats       `json:"uploadStats"`
	DownloadStats  PollerStats       `json:"downloadStats"`
	RecentErrors   []RecentError     `json:"recentErrors"`
	GeneratedAt    time.Time         `json:"generatedAt"`
}

// StatusAggregator merges daemon stats, poller stats, transfer progress and
// recent errors into one snapshot. It performs no I/O of its own; components
// report into it and the control surface reads out of it. It also arbitrates
// manual sync triggers so only one external request is in flight at a time.
type StatusAggregator struct {
	mu gosync.Mutex

	haveDaemon  bool
	daemonStats DaemonStats
	pollerStats PollerStats
	progress    *TransferProgress

	errors   []RecentError // most recent first
	errorCap int
	errorMax int

	triggerInProgress bool
	triggerAt         time.Time
	triggerTimeout    time.Duration
}

func NewStatusAggregator() *StatusAggregator {
	return &StatusAggregator{
		errorCap:       defaultErrorCapacity,
		errorMax:       defaultErrorThreshold,
		triggerTimeout: defaultTriggerTimeout,
	}
}

func (a *StatusAggregator) SetDaemonStats(stats DaemonStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.daemonStats = stats
	a.haveDaemon = true
}

func (a *StatusAggregator) SetPollerStats(stats PollerStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pollerStats = stats
}

// SetProgress publishes an in-progress transfer snapshot; nil clears it.
func (a *StatusAggregator) SetProgress(progress *TransferProgress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = progress
}

// RecordError pushes an error onto the ring, most recent first.
func (a *StatusAggregator) RecordError(source string, err error) {
	if err == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := RecentError{Source: source, Message: err.Error(), Time: time.Now()}
	a.errors = append([]RecentError{entry}, a.errors...)
	if len(a.errors) > a.errorCap {
		a.errors = a.errors[:a.errorCap]
	}
}

// ClearErrors empties the ring and returns how many entries were dropped.
func (a *StatusAggregator) ClearErrors() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.errors)
	a.errors = nil
	return n
}

// TryBeginTrigger claims the manual-trigger slot. Returns false if another
// trigger is in flight; a stale claim past the timeout is taken over.
func (a *StatusAggregator) TryBeginTrigger() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.triggerInProgress && time.Since(a.triggerAt) < a.triggerTimeout {
		return false
	}
	a.triggerInProgress = true
	a.triggerAt = time.Now()
	return true
}

// EndTrigger releases the manual-trigger slot. The caller that claimed it is
// responsible for calling this once the triggered cycle completes.
func (a *StatusAggregator) EndTrigger() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggerInProgress = false
}

func (a *StatusAggregator) TriggerInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.triggerInProgress && time.Since(a.triggerAt) < a.triggerTimeout
}

// Snapshot recomputes the merged view.
func (a *StatusAggregator) Snapshot() StatusSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	errors := make([]RecentError, len(a.errors))
	copy(errors, a.errors)

	var progress *TransferProgress
	if a.progress != nil {
		clone := *a.progress
		progress = &clone
	}

	state := a.daemonStats.State
	if !a.haveDaemon {
		state = DaemonIdle
	}

	lastSync := a.daemonStats.LastSyncAt
	if a.pollerStats.LastPollAt.After(lastSync) {
		lastSync = a.pollerStats.LastPollAt
	}

	return StatusSnapshot{
		DaemonState:    state,
		Health:         a.deriveHealth(),
		IsSyncing:      progress != nil || a.triggerInProgress,
		Progress:       progress,
		LastSyncAt:     lastSync,
		PendingChanges: a.daemonStats.PendingChanges,
		TrackedFiles:   a.pollerStats.TrackedFiles,
		UploadStats:    a.daemonStats,
		DownloadStats:  a.pollerStats,
		RecentErrors:   errors,
		GeneratedAt:    time.Now(),
	}
}

// deriveHealth maps daemon state and recent errors to a coarse health value.
// Caller holds the lock.
func (a *StatusAggregator) deriveHealth() Health {
	if !a.haveDaemon {
		return HealthOffline
	}

	switch a.daemonStats.State {
	case DaemonIdle, DaemonStopped:
		return HealthOffline
	case DaemonPaused:
		return HealthDegraded
	}

	switch {
	case len(a.errors) >= a.errorMax:
		return HealthError
	case len(a.errors) > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
