package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/hqsync/hqsync/internal/utils"
	"github.com/shirou/gopsutil/v4/process"
)

// DaemonState is the lifecycle state of the push-direction daemon.
type DaemonState string

const (
	DaemonIdle     DaemonState = "idle"
	DaemonStarting DaemonState = "starting"
	DaemonRunning  DaemonState = "running"
	DaemonPaused   DaemonState = "paused"
	DaemonStopping DaemonState = "stopping"
	DaemonStopped  DaemonState = "stopped"
)

var ErrDaemonLocked = errors.New("hq root locked by another process")

const (
	DefaultSyncInterval = 5 * time.Second
	DefaultBatchSize    = 100
)

// UploadHandler pushes a batch of local changes to the storage backend.
// It must return exactly one result per input event. An error fails the
// whole batch; the daemon does not retry.
type UploadHandler func(ctx context.Context, batch []*ChangeEvent) ([]*TransferResult, error)

// DaemonConfig configures a SyncDaemon for one HQ root.
type DaemonConfig struct {
	RootDir              string
	SyncInterval         time.Duration
	IgnorePatterns       []string
	IgnoreFilePath       string
	IgnoreFileRel        string
	BatchSize            int
	DebounceDelay        time.Duration
	MaxConcurrentUploads int
	LockPath             string
	UseLock              bool
}

func (c *DaemonConfig) validate() error {
	if c.RootDir == "" {
		return errors.New("root dir is required")
	}
	if !utils.DirExists(c.RootDir) {
		return fmt.Errorf("root dir does not exist: %s", c.RootDir)
	}
	if c.UseLock && c.LockPath == "" {
		return errors.New("lock path is required when locking is enabled")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = defaultDebounceDelay
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = 4
	}
	return nil
}

// DaemonStats is a point-in-time copy of the daemon's counters.
type DaemonStats struct {
	State             DaemonState   `json:"state"`
	CyclesCompleted   uint64        `json:"cyclesCompleted"`
	FilesSynced       uint64        `json:"filesSynced"`
	Errors            uint64        `json:"errors"`
	PendingChanges    int           `json:"pendingChanges"`
	LastCycleDuration time.Duration `json:"lastCycleDuration"`
	LastSyncAt        time.Time     `json:"lastSyncAt"`
}

// SyncDaemon ties the FileWatcher and EventQueue to an upload handler in a
// periodic, batched push loop. One daemon instance per root directory,
// enforced by an advisory file lock whose file names the owning pid.
type SyncDaemon struct {
	config   *DaemonConfig
	ignore   *IgnoreEngine
	queue    *EventQueue
	handler  UploadHandler
	notifier *Notifier

	mu      gosync.Mutex
	state   DaemonState
	watcher *FileWatcher
	flock   *flock.Flock

	loopCancel context.CancelFunc
	loopWG     gosync.WaitGroup
	triggerCh  chan struct{}

	inFlight atomic.Bool

	cycles      atomic.Uint64
	filesSynced atomic.Uint64
	errCount    atomic.Uint64

	statsMu   gosync.Mutex
	lastCycle time.Duration
	lastSync  time.Time
}

func NewSyncDaemon(config *DaemonConfig, ignore *IgnoreEngine, handler UploadHandler, notifier *Notifier) *SyncDaemon {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &SyncDaemon{
		config:    config,
		ignore:    ignore,
		queue:     NewEventQueue(),
		handler:   handler,
		notifier:  notifier,
		state:     DaemonIdle,
		triggerCh: make(chan struct{}, 1),
	}
}

func (d *SyncDaemon) State() DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *SyncDaemon) Notifier() *Notifier {
	return d.notifier
}

func (d *SyncDaemon) setState(state DaemonState) {
	d.state = state
	d.notifier.Publish(Notification{Kind: NotifyStateChanged, Source: "daemon", State: state})
	slog.Debug("daemon state", "state", state)
}

// Start validates the config, acquires the single-instance lock and begins
// watching. Valid only from idle or stopped; any startup failure releases
// the lock, transitions to stopped and is returned to the caller.
func (d *SyncDaemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DaemonIdle && d.state != DaemonStopped {
		return fmt.Errorf("cannot start daemon from state %q", d.state)
	}
	d.setState(DaemonStarting)

	if err := d.startLocked(ctx); err != nil {
		d.releaseLock()
		d.setState(DaemonStopped)
		return err
	}

	d.setState(DaemonRunning)
	slog.Info("daemon started", "root", d.config.RootDir, "interval", d.config.SyncInterval, "batchSize", d.config.BatchSize)
	return nil
}

func (d *SyncDaemon) startLocked(ctx context.Context) error {
	if err := d.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if d.config.UseLock {
		if err := d.acquireLock(); err != nil {
			return err
		}
	}

	d.ignore.Load()

	return d.startWatching(ctx)
}

func (d *SyncDaemon) startWatching(ctx context.Context) error {
	watcher := NewFileWatcher(d.config.RootDir)
	watcher.SetDebounceDelay(d.config.DebounceDelay)
	watcher.FilterPaths(func(relPath string, isDir bool) bool {
		if d.config.IgnoreFileRel != "" && relPath == d.config.IgnoreFileRel {
			// hot-reload the rules, then drop the event itself
			d.ignore.Load()
			return true
		}
		if isDir {
			return d.ignore.ShouldIgnoreDir(relPath)
		}
		return d.ignore.ShouldIgnore(relPath)
	})

	loopCtx, cancel := context.WithCancel(ctx)
	if err := watcher.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	d.watcher = watcher
	d.loopCancel = cancel

	d.loopWG.Add(1)
	go d.runLoop(loopCtx, watcher.Events())

	return nil
}

// runLoop is the daemon's single cooperative loop: watcher events, the
// interval timer and manual triggers are serviced by one goroutine, so the
// push direction never races with itself.
func (d *SyncDaemon) runLoop(ctx context.Context, events <-chan *ChangeEvent) {
	defer d.loopWG.Done()

	// timer, not ticker: avoids queued ticks when a cycle overruns the interval
	timer := time.NewTimer(d.config.SyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.queue.Push(event)
			// batch-size backpressure: full queue with no cycle in flight
			// triggers immediately instead of waiting out the interval
			if d.queue.Size() >= d.config.BatchSize && !d.inFlight.Load() {
				d.runSyncCycle(ctx)
			}
		case <-d.triggerCh:
			d.runSyncCycle(ctx)
		case <-timer.C:
			d.runSyncCycle(ctx)
			timer.Reset(d.config.SyncInterval)
		}
	}
}

// TriggerSync requests an immediate cycle on the daemon loop. Non-blocking;
// a trigger already pending is coalesced.
func (d *SyncDaemon) TriggerSync() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

// runSyncCycle drains the queue and hands the batch to the upload handler.
// Mutually exclusive: a cycle already in flight causes this call to be
// skipped, not queued; the events stay put for the next trigger.
func (d *SyncDaemon) runSyncCycle(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		slog.Debug("sync cycle skipped", "reason", "already running")
		return
	}
	defer d.inFlight.Store(false)

	if d.queue.Size() == 0 {
		return
	}

	batch := d.queue.Drain()
	d.notifier.Publish(Notification{Kind: NotifyCycleStarted, Source: "daemon", Cycle: &CycleInfo{Events: len(batch)}})

	start := time.Now()
	results, err := d.handler(ctx, batch)
	elapsed := time.Since(start)

	synced, failed := 0, 0
	if err != nil {
		// handler-level failure fails the entire batch: N errors, one event.
		// Events are not requeued; retry policy belongs to the handler.
		failed = len(batch)
		d.errCount.Add(uint64(failed))
		d.notifier.Publish(Notification{Kind: NotifyErrorRaised, Source: "daemon", Err: fmt.Errorf("upload batch of %d failed: %w", len(batch), err)})
		slog.Error("sync cycle failed", "events", len(batch), "error", err)
	} else {
		for _, res := range results {
			if res.Success {
				synced++
			} else {
				failed++
				d.notifier.Publish(Notification{Kind: NotifyErrorRaised, Source: "daemon", Err: res.Err})
			}
		}
		d.filesSynced.Add(uint64(synced))
		d.errCount.Add(uint64(failed))
	}

	d.cycles.Add(1)
	d.statsMu.Lock()
	d.lastCycle = elapsed
	d.lastSync = time.Now()
	d.statsMu.Unlock()

	d.notifier.Publish(Notification{
		Kind:   NotifyCycleCompleted,
		Source: "daemon",
		Cycle:  &CycleInfo{Events: len(batch), Synced: synced, Errors: failed, Duration: elapsed},
	})

	if synced > 0 || failed > 0 {
		slog.Info("sync cycle", "events", len(batch), "synced", synced, "errors", failed, "took", elapsed)
	}
}

// Pause tears down the watcher and timer but keeps queued events intact.
// Valid only from running.
func (d *SyncDaemon) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DaemonRunning {
		return fmt.Errorf("cannot pause daemon from state %q", d.state)
	}

	d.stopWatching()
	d.setState(DaemonPaused)
	slog.Info("daemon paused", "pending", d.queue.Size())
	return nil
}

// Resume restarts watching and the interval timer. Valid only from paused.
func (d *SyncDaemon) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DaemonPaused {
		return fmt.Errorf("cannot resume daemon from state %q", d.state)
	}

	if err := d.startWatching(ctx); err != nil {
		return err
	}
	d.setState(DaemonRunning)
	slog.Info("daemon resumed")
	return nil
}

// Stop tears down the loop, runs one final best-effort cycle for anything
// still queued, and releases the lock. A no-op from idle or stopped.
func (d *SyncDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DaemonIdle || d.state == DaemonStopped {
		return nil
	}
	d.setState(DaemonStopping)

	d.stopWatching()

	if d.queue.Size() > 0 {
		slog.Info("daemon final sync", "pending", d.queue.Size())
		d.runSyncCycle(context.Background())
	}

	d.releaseLock()
	d.setState(DaemonStopped)
	d.notifier.Publish(Notification{Kind: NotifyStopped, Source: "daemon"})
	slog.Info("daemon stopped")
	return nil
}

func (d *SyncDaemon) stopWatching() {
	if d.loopCancel != nil {
		d.loopCancel()
		d.loopCancel = nil
	}
	if d.watcher != nil {
		d.watcher.Stop()
		d.watcher = nil
	}
	d.loopWG.Wait()
}

// Watcher exposes the active watcher for one-shot suppression of
// self-inflicted writes. Nil while paused or stopped.
func (d *SyncDaemon) Watcher() *FileWatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watcher
}

func (d *SyncDaemon) PendingChanges() int {
	return d.queue.Size()
}

// HasPendingChange reports whether a local change for the path is queued but
// not yet pushed. Used to spot push/pull collisions on the same file.
func (d *SyncDaemon) HasPendingChange(relPath string) bool {
	return d.queue.ContainsPath(relPath)
}

func (d *SyncDaemon) Stats() DaemonStats {
	d.statsMu.Lock()
	lastCycle, lastSync := d.lastCycle, d.lastSync
	d.statsMu.Unlock()

	return DaemonStats{
		State:             d.State(),
		CyclesCompleted:   d.cycles.Load(),
		FilesSynced:       d.filesSynced.Load(),
		Errors:            d.errCount.Load(),
		PendingChanges:    d.queue.Size(),
		LastCycleDuration: lastCycle,
		LastSyncAt:        lastSync,
	}
}

// acquireLock takes the advisory lock and writes the owning pid into the
// lock file. A leftover file naming a dead process is cleared silently; a
// live owner refuses the start.
func (d *SyncDaemon) acquireLock() error {
	if err := utils.EnsureParent(d.config.LockPath); err != nil {
		return fmt.Errorf("failed to create lock dir: %w", err)
	}

	if pid, ok := readLockPid(d.config.LockPath); ok {
		alive, err := process.PidExists(int32(pid))
		if err == nil && !alive {
			slog.Debug("clearing stale lock", "path", d.config.LockPath, "pid", pid)
			_ = os.Remove(d.config.LockPath)
		}
	}

	fl := flock.New(d.config.LockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", d.config.LockPath, err)
	}
	if !locked {
		pid, _ := readLockPid(d.config.LockPath)
		return fmt.Errorf("%w (pid %d)", ErrDaemonLocked, pid)
	}

	if err := os.WriteFile(d.config.LockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	d.flock = fl
	return nil
}

// releaseLock removes the lock file only if it still names this process.
func (d *SyncDaemon) releaseLock() {
	if d.flock == nil || !d.flock.Locked() {
		return
	}

	if pid, ok := readLockPid(d.config.LockPath); ok && pid == os.Getpid() {
		_ = os.Remove(d.config.LockPath)
	}
	_ = d.flock.Unlock()
	d.flock = nil
}

func readLockPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
