package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/hqsync/hqsync/internal/blob"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxListPages = 100
)

var ErrPollerRunning = errors.New("poller already running")

// ObjectLister is the listing surface the poller needs from the storage
// client. maxPages bounds one poll; exceeding it fails the poll rather than
// walking an unbounded remote.
type ObjectLister interface {
	ListPrefix(ctx context.Context, prefix string, maxPages int) ([]*blob.ObjectInfo, error)
}

type PollerConfig struct {
	RemotePrefix string
	PollInterval time.Duration
	MaxListPages int
}

func (c *PollerConfig) validate() error {
	if c.RemotePrefix == "" {
		return errors.New("remote prefix is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxListPages <= 0 {
		c.MaxListPages = DefaultMaxListPages
	}
	return nil
}

// PollerStats is a point-in-time copy of the poller's counters.
type PollerStats struct {
	Running          bool          `json:"running"`
	PollCycles       uint64        `json:"pollCycles"`
	FilesDownloaded  uint64        `json:"filesDownloaded"`
	FilesDeleted     uint64        `json:"filesDeleted"`
	Errors           uint64        `json:"errors"`
	TrackedFiles     int           `json:"trackedFiles"`
	LastPollAt       time.Time     `json:"lastPollAt"`
	LastPollDuration time.Duration `json:"lastPollDuration"`
}

// RemotePoller drives the pull direction: it lists the remote prefix on an
// interval, diffs the listing against the ledger, and hands detected changes
// to the transferer. Change detection is metadata-only; file content is never
// fetched just to compare.
type RemotePoller struct {
	config     *PollerConfig
	lister     ObjectLister
	ledger     *Ledger
	transferer *FileTransferer
	notifier   *Notifier

	mu      gosync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup

	cycles     atomic.Uint64
	downloaded atomic.Uint64
	deleted    atomic.Uint64
	errCount   atomic.Uint64

	statsMu  gosync.Mutex
	lastPoll time.Time
	lastTook time.Duration
}

func NewRemotePoller(config *PollerConfig, lister ObjectLister, ledger *Ledger, transferer *FileTransferer, notifier *Notifier) *RemotePoller {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &RemotePoller{
		config:     config,
		lister:     lister,
		ledger:     ledger,
		transferer: transferer,
		notifier:   notifier,
	}
}

func (p *RemotePoller) Notifier() *Notifier {
	return p.notifier
}

// Start loads the ledger and begins the polling loop. The first poll runs
// immediately rather than one interval in.
func (p *RemotePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPollerRunning
	}
	if err := p.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	p.ledger.Load()

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.runLoop(loopCtx)

	slog.Info("poller started", "prefix", p.config.RemotePrefix, "interval", p.config.PollInterval)
	return nil
}

// Stop cancels the loop and persists any unsaved ledger state.
func (p *RemotePoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false

	if err := p.ledger.Save(); err != nil {
		slog.Error("poller", "op", "ledger save", "error", err)
	}
	slog.Info("poller stopped")
}

func (p *RemotePoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RemotePoller) runLoop(ctx context.Context) {
	defer p.wg.Done()

	p.pollOnce(ctx)

	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.pollOnce(ctx)
			timer.Reset(p.config.PollInterval)
		}
	}
}

// pollOnce runs one full poll cycle: list, diff, transfer, persist.
// A listing failure fails the whole cycle and leaves the ledger untouched,
// so synthesized deletions are never derived from a partial listing.
func (p *RemotePoller) pollOnce(ctx context.Context) {
	start := time.Now()
	p.notifier.Publish(Notification{Kind: NotifyCycleStarted, Source: "poller"})

	objects, err := p.lister.ListPrefix(ctx, p.config.RemotePrefix, p.config.MaxListPages)
	if err != nil {
		p.errCount.Add(1)
		p.notifier.Publish(Notification{Kind: NotifyErrorRaised, Source: "poller", Err: fmt.Errorf("list remote: %w", err)})
		slog.Error("poll failed", "prefix", p.config.RemotePrefix, "error", err)
		return
	}

	changes := p.detectChanges(objects)
	for _, change := range changes {
		p.notifier.Publish(Notification{Kind: NotifyChangeDetected, Source: "poller", Change: change})
	}

	downloaded, deleted, failed := 0, 0, 0
	if len(changes) > 0 {
		for _, res := range p.transferer.ProcessChanges(ctx, changes, p.ledger) {
			switch {
			case !res.Success:
				failed++
				p.notifier.Publish(Notification{Kind: NotifyErrorRaised, Source: "poller", Err: res.Err})
			case res.Kind == string(DetectedDeleted):
				deleted++
			default:
				downloaded++
			}
		}
	}

	p.downloaded.Add(uint64(downloaded))
	p.deleted.Add(uint64(deleted))
	p.errCount.Add(uint64(failed))
	p.cycles.Add(1)

	elapsed := time.Since(start)
	p.statsMu.Lock()
	p.lastPoll = time.Now()
	p.lastTook = elapsed
	p.statsMu.Unlock()

	p.ledger.SetLastPollAt(time.Now().UTC())
	if err := p.ledger.Save(); err != nil {
		p.errCount.Add(1)
		slog.Error("poller", "op", "ledger save", "error", err)
	}

	p.notifier.Publish(Notification{
		Kind:   NotifyCycleCompleted,
		Source: "poller",
		Cycle:  &CycleInfo{Events: len(changes), Synced: downloaded + deleted, Errors: failed, Duration: elapsed},
	})

	if len(changes) > 0 {
		slog.Info("poll cycle", "objects", len(objects), "changes", len(changes), "downloaded", downloaded, "deleted", deleted, "errors", failed, "took", elapsed)
	} else {
		slog.Debug("poll cycle", "objects", len(objects), "changes", 0, "took", elapsed)
	}
}

// detectChanges diffs a complete listing against the ledger. Added and
// modified paths come from the listing; deletions are synthesized from
// ledger entries whose path is absent from the listing.
func (p *RemotePoller) detectChanges(objects []*blob.ObjectInfo) []*DetectedChange {
	var changes []*DetectedChange
	seen := make(map[string]struct{}, len(objects))

	for _, obj := range objects {
		relPath := p.relPath(obj.Key)
		if relPath == "" {
			continue
		}
		seen[relPath] = struct{}{}

		remote := &RemoteObjectInfo{
			Key:              obj.Key,
			RelPath:          relPath,
			RemoteModifiedAt: obj.LastModified,
			Size:             obj.Size,
			RemoteTag:        obj.ETag,
		}
		if !p.ledger.HasChanged(remote) {
			continue
		}

		change := &DetectedChange{
			Kind:    DetectedAdded,
			RelPath: relPath,
			Remote:  remote,
		}
		if prev := p.ledger.GetEntry(relPath); prev != nil {
			change.Kind = DetectedModified
			modifiedAt := prev.RemoteModifiedAt
			change.PreviousModifiedAt = &modifiedAt
		}
		changes = append(changes, change)
	}

	for _, relPath := range p.ledger.Paths() {
		if _, ok := seen[relPath]; ok {
			continue
		}
		change := &DetectedChange{
			Kind:    DetectedDeleted,
			RelPath: relPath,
		}
		if prev := p.ledger.GetEntry(relPath); prev != nil {
			modifiedAt := prev.RemoteModifiedAt
			change.PreviousModifiedAt = &modifiedAt
		}
		changes = append(changes, change)
	}

	return changes
}

// relPath strips the remote prefix from an object key. Keys outside the
// prefix, and the prefix placeholder itself, map to "".
func (p *RemotePoller) relPath(key string) string {
	prefix := strings.TrimSuffix(p.config.RemotePrefix, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func (p *RemotePoller) Stats() PollerStats {
	p.statsMu.Lock()
	lastPoll, lastTook := p.lastPoll, p.lastTook
	p.statsMu.Unlock()

	return PollerStats{
		Running:          p.Running(),
		PollCycles:       p.cycles.Load(),
		FilesDownloaded:  p.downloaded.Load(),
		FilesDeleted:     p.deleted.Load(),
		Errors:           p.errCount.Load(),
		TrackedFiles:     p.ledger.Count(),
		LastPollAt:       lastPoll,
		LastPollDuration: lastTook,
	}
}
