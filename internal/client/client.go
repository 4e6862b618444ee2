package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hqsync/hqsync/internal/blob"
	"github.com/hqsync/hqsync/internal/db"
	"github.com/hqsync/hqsync/internal/hq"
	"github.com/hqsync/hqsync/internal/share"
	"github.com/hqsync/hqsync/internal/sync"
	"github.com/jmoiron/sqlx"
)

// Client is the composition root: every component is constructed here once
// and passed by reference to whatever needs it. There is no ambient global
// state; tests build a Client (or a subset) with their own fixtures.
type Client struct {
	config     *Config
	workspace  *hq.Workspace
	blob       *blob.Client
	ledger     *sync.Ledger
	ignore     *sync.IgnoreEngine
	notifier   *sync.Notifier
	daemon     *sync.SyncDaemon
	transferer *sync.FileTransferer
	poller     *sync.RemotePoller
	conflicts  *sync.ConflictLog
	status     *sync.StatusAggregator
	shares     *share.Registry
	sharesDB   *sqlx.DB
	cpServer   *ControlPlaneServer

	observerDone chan struct{}
	unsubscribe  func()
}

func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	workspace, err := hq.NewWorkspace(config.DataDir, config.Owner)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	blobClient, err := blob.NewClientWithS3Config(&config.Blob)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	ledger := sync.NewLedger(workspace.LedgerPath, config.Owner, config.RemotePrefix)
	ignore := sync.NewIgnoreEngine(workspace.IgnorePath, config.Sync.IgnorePatterns...)
	notifier := sync.NewNotifier()

	uploader := NewUploader(blobClient, ledger, config.RemotePrefix, config.Sync.MaxConcurrentUploads)

	daemon := sync.NewSyncDaemon(&sync.DaemonConfig{
		RootDir:              workspace.Root,
		SyncInterval:         config.Sync.SyncInterval,
		IgnorePatterns:       config.Sync.IgnorePatterns,
		IgnoreFilePath:       workspace.IgnorePath,
		IgnoreFileRel:        hq.IgnoreFile,
		BatchSize:            config.Sync.BatchSize,
		DebounceDelay:        config.Sync.DebounceDelay,
		MaxConcurrentUploads: config.Sync.MaxConcurrentUploads,
		LockPath:             workspace.LockPath,
		UseLock:              config.Sync.UseLock,
	}, ignore, uploader.Handle, notifier)

	transferer := sync.NewFileTransferer(&sync.TransferConfig{
		RootDir:                workspace.Root,
		TrashDir:               workspace.TrashDir,
		MaxConcurrentDownloads: config.Sync.MaxConcurrentDownloads,
		DeletePolicy:           sync.DeletePolicy(config.Sync.DeletePolicy),
		PreserveTimestamps:     config.Sync.PreserveTimestamps,
	}, blobClient)

	// downloads must not echo back up as local changes
	transferer.SetWriteSuppressor(func(absPath string) {
		if watcher := daemon.Watcher(); watcher != nil {
			watcher.IgnoreOnce(absPath)
		}
	})

	poller := sync.NewRemotePoller(&sync.PollerConfig{
		RemotePrefix: config.RemotePrefix,
		PollInterval: config.Sync.PollInterval,
		MaxListPages: config.Sync.MaxListPages,
	}, blobClient, ledger, transferer, notifier)

	sharesDB, err := db.NewSqliteDb(db.WithPath(workspace.SharesPath))
	if err != nil {
		return nil, fmt.Errorf("open shares db: %w", err)
	}
	shares, err := share.NewRegistry(sharesDB)
	if err != nil {
		sharesDB.Close()
		return nil, fmt.Errorf("create share registry: %w", err)
	}

	c := &Client{
		config:       config,
		workspace:    workspace,
		blob:         blobClient,
		ledger:       ledger,
		ignore:       ignore,
		notifier:     notifier,
		daemon:       daemon,
		transferer:   transferer,
		poller:       poller,
		conflicts:    sync.NewConflictLog(sync.DefaultMaxConflicts),
		status:       sync.NewStatusAggregator(),
		shares:       shares,
		sharesDB:     sharesDB,
		observerDone: make(chan struct{}),
	}

	if config.ControlPlane.Enabled {
		c.cpServer = NewControlPlaneServer(&config.ControlPlane, c)
	}

	return c, nil
}

// Start brings up both sync directions and blocks until ctx is canceled.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("hqsync client start", "root", c.workspace.Root, "owner", c.config.Owner, "bucket", c.config.Blob.BucketName)

	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("setup workspace: %w", err)
	}

	notifications, cancel := c.notifier.Subscribe()
	c.unsubscribe = cancel
	go c.observe(notifications)

	if err := c.daemon.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := c.poller.Start(ctx); err != nil {
		c.daemon.Stop()
		return fmt.Errorf("start poller: %w", err)
	}

	if c.cpServer != nil {
		go func() {
			if err := c.cpServer.Start(ctx); err != nil {
				slog.Error("control plane", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return c.Stop()
}

// Stop tears everything down in reverse order and persists the ledger.
func (c *Client) Stop() error {
	if c.cpServer != nil {
		if err := c.cpServer.Stop(context.Background()); err != nil {
			slog.Error("control plane stop", "error", err)
		}
	}

	c.poller.Stop()
	if err := c.daemon.Stop(); err != nil {
		slog.Error("daemon stop", "error", err)
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
		<-c.observerDone
	}
	c.notifier.Close()

	if err := c.ledger.Save(); err != nil {
		slog.Error("ledger save", "error", err)
	}
	if err := c.sharesDB.Close(); err != nil {
		slog.Error("shares db close", "error", err)
	}

	slog.Info("hqsync client stop")
	return nil
}

// observe feeds notifications into the status aggregator and flags conflicts
// when a remote change lands on a path with a local change still queued.
func (c *Client) observe(notifications <-chan sync.Notification) {
	defer close(c.observerDone)

	for n := range notifications {
		switch n.Kind {
		case sync.NotifyErrorRaised:
			c.status.RecordError(n.Source, n.Err)
		case sync.NotifyChangeDetected:
			if n.Change != nil && c.daemon.HasPendingChange(n.Change.RelPath) {
				conflict := c.conflicts.Add(n.Change.RelPath)
				slog.Warn("conflict detected", "path", n.Change.RelPath, "id", conflict.ID)
			}
		}
	}
}

// Status refreshes the aggregator with the latest component stats and
// returns the merged snapshot.
func (c *Client) Status() sync.StatusSnapshot {
	c.status.SetDaemonStats(c.daemon.Stats())
	c.status.SetPollerStats(c.poller.Stats())
	return c.status.Snapshot()
}

// TriggerSync requests one manual push cycle. force bypasses the
// single-trigger arbitration.
func (c *Client) TriggerSync(force bool) error {
	if !force && !c.status.TryBeginTrigger() {
		return fmt.Errorf("sync trigger already in progress")
	}

	c.daemon.TriggerSync()

	// the daemon coalesces triggers; completion is observed via the next
	// CycleCompleted notification
	go func() {
		notifications, cancel := c.notifier.Subscribe()
		defer cancel()
		for n := range notifications {
			if n.Kind == sync.NotifyCycleCompleted && n.Source == "daemon" {
				c.status.EndTrigger()
				return
			}
		}
	}()
	return nil
}

func (c *Client) Workspace() *hq.Workspace          { return c.workspace }
func (c *Client) Conflicts() *sync.ConflictLog      { return c.conflicts }
func (c *Client) Shares() *share.Registry           { return c.shares }
func (c *Client) StatusAgg() *sync.StatusAggregator { return c.status }
func (c *Client) Daemon() *sync.SyncDaemon          { return c.daemon }
