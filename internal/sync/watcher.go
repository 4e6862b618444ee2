package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/hqsync/hqsync/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = time.Second
	defaultCleanupInterval = 15 * time.Second
	defaultDebounceDelay   = 300 * time.Millisecond
	eventBufferSize        = 64
)

// FilterFunc returns true if the raw notification for a path should be
// dropped before debouncing.
type FilterFunc func(relPath string, isDir bool) bool

// FileWatcher wraps OS change notifications for a root directory. Raw
// notifications are filtered, classified into ChangeKinds and debounced per
// (kind, relativePath): a burst of writes to one file surfaces as a single
// event once the file has been quiet for the debounce delay.
type FileWatcher struct {
	root      string
	rawEvents chan notify.EventInfo
	events    chan *ChangeEvent
	done      chan struct{}
	wg        gosync.WaitGroup

	// one-shot suppression for self-inflicted writes
	ignoreOnce map[string]time.Time
	ignoreMu   gosync.Mutex
	cleanupInt time.Duration

	// debounce arena: a cancelable timer per (kind, relPath) key
	pending    map[string]*ChangeEvent
	timers     map[string]*time.Timer
	debounceMu gosync.Mutex
	debounce   time.Duration
	stopped    bool

	// directories seen via dir-added, so removals can be classified
	knownDirs map[string]struct{}
	dirsMu    gosync.Mutex

	filter   FilterFunc
	filterMu gosync.RWMutex
}

func NewFileWatcher(root string) *FileWatcher {
	return &FileWatcher{
		root:       root,
		done:       make(chan struct{}),
		ignoreOnce: make(map[string]time.Time),
		cleanupInt: defaultCleanupInterval,
		pending:    make(map[string]*ChangeEvent),
		timers:     make(map[string]*time.Timer),
		knownDirs:  make(map[string]struct{}),
		debounce:   defaultDebounceDelay,
	}
}

// SetDebounceDelay sets the quiet period before an event is emitted.
func (fw *FileWatcher) SetDebounceDelay(d time.Duration) {
	if d > 0 {
		fw.debounce = d
	}
}

// FilterPaths installs a callback to drop raw notifications before debouncing.
func (fw *FileWatcher) FilterPaths(filter FilterFunc) {
	fw.filterMu.Lock()
	defer fw.filterMu.Unlock()
	fw.filter = filter
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.root)

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.events = make(chan *ChangeEvent, eventBufferSize)

	recursivePath := fw.root + "/..."
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.processEvents(ctx)

	fw.wg.Add(1)
	go fw.cleanupExpired(ctx)

	return nil
}

func (fw *FileWatcher) Stop() {
	slog.Info("file watcher stopping")

	close(fw.done)
	if fw.rawEvents != nil {
		notify.Stop(fw.rawEvents)
	}
	fw.wg.Wait()

	slog.Info("file watcher stopped")
}

func (fw *FileWatcher) Events() <-chan *ChangeEvent {
	return fw.events
}

// IgnoreOnce suppresses the next debounced event for an absolute path.
// The transferer uses this so freshly downloaded files don't echo back up.
func (fw *FileWatcher) IgnoreOnce(absPath string) {
	fw.IgnoreOnceWithTimeout(absPath, DefaultIgnoreTimeout)
}

func (fw *FileWatcher) IgnoreOnceWithTimeout(absPath string, timeout time.Duration) {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	fw.ignoreOnce[absPath] = time.Now().Add(timeout)
}

func (fw *FileWatcher) isTemporarilyIgnored(absPath string) bool {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()

	expiry, exists := fw.ignoreOnce[absPath]
	if !exists {
		return false
	}
	delete(fw.ignoreOnce, absPath)
	return !time.Now().After(expiry)
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	defer func() {
		fw.shutdownDebounce()
		close(fw.events)
		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case raw, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			if event := fw.classify(raw); event != nil {
				fw.debounceEvent(event)
			}
		}
	}
}

// classify turns a raw notification into a typed ChangeEvent, or nil if it
// should be dropped (ignored path, symlink, out-of-root).
func (fw *FileWatcher) classify(raw notify.EventInfo) *ChangeEvent {
	absPath := raw.Path()

	relPath, err := fw.relPath(absPath)
	if err != nil {
		return nil
	}

	info, statErr := os.Lstat(absPath)
	exists := statErr == nil

	// symlinks are not followed: they could escape the root or cycle
	if exists && info.Mode()&os.ModeSymlink != 0 {
		return nil
	}

	isDir := exists && info.IsDir()
	if !exists {
		isDir = fw.forgetDir(absPath)
	}

	fw.filterMu.RLock()
	filter := fw.filter
	fw.filterMu.RUnlock()
	if filter != nil && filter(relPath, isDir) {
		return nil
	}

	var kind ChangeKind
	switch raw.Event() {
	case notify.Create:
		if isDir {
			fw.rememberDir(absPath)
			kind = ChangeDirAdded
		} else {
			kind = ChangeAdded
		}
	case notify.Write:
		if isDir {
			return nil
		}
		kind = ChangeModified
	case notify.Remove, notify.Rename:
		if exists {
			// rename target still present; the create side reports it
			return nil
		}
		if isDir {
			kind = ChangeDirRemoved
		} else {
			kind = ChangeRemoved
		}
	default:
		return nil
	}

	return &ChangeEvent{
		Kind:      kind,
		AbsPath:   absPath,
		RelPath:   relPath,
		Timestamp: time.Now(),
	}
}

func (fw *FileWatcher) relPath(absPath string) (string, error) {
	rel, err := filepath.Rel(fw.root, absPath)
	if err != nil {
		return "", err
	}
	return utils.NormPath(rel), nil
}

func (fw *FileWatcher) rememberDir(absPath string) {
	fw.dirsMu.Lock()
	fw.knownDirs[absPath] = struct{}{}
	fw.dirsMu.Unlock()
}

// forgetDir reports whether the path was a known directory and drops it.
func (fw *FileWatcher) forgetDir(absPath string) bool {
	fw.dirsMu.Lock()
	defer fw.dirsMu.Unlock()
	_, ok := fw.knownDirs[absPath]
	if ok {
		delete(fw.knownDirs, absPath)
	}
	return ok
}

// debounceEvent resets the timer for the event's (kind, relPath) key. The
// event is emitted only after the key has been quiet for the full delay, so
// in-progress writes are not reported until the file stops changing.
func (fw *FileWatcher) debounceEvent(event *ChangeEvent) {
	key := event.Key()

	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, exists := fw.timers[key]; exists {
		timer.Stop()
		delete(fw.timers, key)
	}

	fw.pending[key] = event
	fw.timers[key] = time.AfterFunc(fw.debounce, func() {
		fw.flushEvent(key)
	})
}

func (fw *FileWatcher) flushEvent(key string) {
	fw.debounceMu.Lock()
	event, exists := fw.pending[key]
	if !exists {
		fw.debounceMu.Unlock()
		return
	}
	delete(fw.pending, key)
	delete(fw.timers, key)
	fw.debounceMu.Unlock()

	if fw.isTemporarilyIgnored(event.AbsPath) {
		return
	}

	// re-check under the lock: teardown may have closed the events channel
	// while this flush was between removing its entry and sending
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()
	if fw.stopped {
		return
	}

	select {
	case fw.events <- event:
		slog.Debug("file watcher", "event", event.Kind, "path", event.RelPath)
	default:
		slog.Warn("file watcher dropped", "reason", "channel full", "path", event.RelPath)
	}
}

// shutdownDebounce cancels every pending timer and marks the watcher stopped,
// so a flush already in flight can no longer reach the events channel. Must
// run before the events channel is closed.
func (fw *FileWatcher) shutdownDebounce() {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	for key, timer := range fw.timers {
		timer.Stop()
		delete(fw.timers, key)
		delete(fw.pending, key)
	}
	fw.stopped = true
}

func (fw *FileWatcher) cleanupExpired(ctx context.Context) {
	defer fw.wg.Done()

	ticker := time.NewTicker(fw.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case <-ticker.C:
			fw.ignoreMu.Lock()
			now := time.Now()
			for path, expiry := range fw.ignoreOnce {
				if now.After(expiry) {
					delete(fw.ignoreOnce, path)
				}
			}
			fw.ignoreMu.Unlock()
		}
	}
}
