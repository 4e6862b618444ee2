package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hqsync/hqsync/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	objects []*blob.ObjectInfo
	err     error
	calls   int
	onList  func()
}

func (f *fakeLister) ListPrefix(_ context.Context, _ string, _ int) ([]*blob.ObjectInfo, error) {
	f.calls++
	if f.onList != nil {
		f.onList()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.objects, nil
}

func listedObject(relPath, tag string, modifiedAt time.Time) *blob.ObjectInfo {
	return &blob.ObjectInfo{
		Key:          "alice/" + relPath,
		Size:         42,
		ETag:         tag,
		LastModified: modifiedAt,
	}
}

type pollerFixture struct {
	root    string
	ledger  *Ledger
	lister  *fakeLister
	fetcher *fakeFetcher
	poller  *RemotePoller
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "hq")
	require.NoError(t, os.MkdirAll(root, 0o755))

	ledger := NewLedger(filepath.Join(dir, "ledger.json"), "alice", "alice")
	lister := &fakeLister{}
	fetcher := &fakeFetcher{objects: map[string]string{}, fail: map[string]bool{}}

	transferer := NewFileTransferer(&TransferConfig{
		RootDir:                root,
		TrashDir:               filepath.Join(dir, "trash"),
		MaxConcurrentDownloads: 2,
		DeletePolicy:           DeletePolicyDelete,
	}, fetcher)

	poller := NewRemotePoller(&PollerConfig{
		RemotePrefix: "alice",
		PollInterval: time.Hour, // tests call pollOnce directly
		MaxListPages: 10,
	}, lister, ledger, transferer, nil)

	return &pollerFixture{root: root, ledger: ledger, lister: lister, fetcher: fetcher, poller: poller}
}

func TestPollerDetectChanges(t *testing.T) {
	fx := newPollerFixture(t)
	t1 := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	t2 := time.Now().Add(-time.Hour).Truncate(time.Second)

	fx.ledger.UpdateEntry(testObject("notes.md", "xyz", t1))
	fx.ledger.UpdateEntry(testObject("same.md", "aaa", t1))
	fx.ledger.UpdateEntry(testObject("gone.md", "bbb", t1))

	changes := fx.poller.detectChanges([]*blob.ObjectInfo{
		listedObject("notes.md", "abc", t2), // tag+mtime differ: modified
		listedObject("same.md", "aaa", t1),  // unchanged
		listedObject("brand.md", "ccc", t2), // no entry: added
	})

	byPath := map[string]*DetectedChange{}
	for _, change := range changes {
		byPath[change.RelPath] = change
	}
	require.Len(t, changes, 3)

	modified := byPath["notes.md"]
	require.NotNil(t, modified)
	assert.Equal(t, DetectedModified, modified.Kind)
	require.NotNil(t, modified.PreviousModifiedAt)
	assert.True(t, modified.PreviousModifiedAt.Equal(t1))

	added := byPath["brand.md"]
	require.NotNil(t, added)
	assert.Equal(t, DetectedAdded, added.Kind)
	assert.Nil(t, added.PreviousModifiedAt)

	deleted := byPath["gone.md"]
	require.NotNil(t, deleted)
	assert.Equal(t, DetectedDeleted, deleted.Kind)
	assert.Nil(t, deleted.Remote)
}

func TestPollerIgnoresKeysOutsidePrefix(t *testing.T) {
	fx := newPollerFixture(t)

	changes := fx.poller.detectChanges([]*blob.ObjectInfo{
		{Key: "bob/secret.md", ETag: "x", LastModified: time.Now()},
		{Key: "alice-other/file.md", ETag: "y", LastModified: time.Now()},
	})
	assert.Empty(t, changes)
}

func TestPollerPollOnceDownloadsAndPersists(t *testing.T) {
	fx := newPollerFixture(t)
	modifiedAt := time.Now().Add(-time.Hour).Truncate(time.Second)

	fx.lister.objects = []*blob.ObjectInfo{listedObject("notes.md", "abc", modifiedAt)}
	fx.fetcher.objects["alice/notes.md"] = "hello"

	notifications, cancel := fx.poller.Notifier().Subscribe()
	defer cancel()

	fx.poller.pollOnce(context.Background())

	assert.FileExists(t, filepath.Join(fx.root, "notes.md"))
	entry := fx.ledger.GetEntry("notes.md")
	require.NotNil(t, entry)
	assert.Equal(t, "abc", entry.RemoteTag)

	stats := fx.poller.Stats()
	assert.Equal(t, uint64(1), stats.PollCycles)
	assert.Equal(t, uint64(1), stats.FilesDownloaded)
	assert.Equal(t, uint64(0), stats.Errors)
	assert.Equal(t, 1, stats.TrackedFiles)
	assert.False(t, stats.LastPollAt.IsZero())

	// lastPollAt persisted
	assert.False(t, fx.ledger.LastPollAt().IsZero())

	kinds := map[NotificationKind]int{}
	for range 3 {
		select {
		case n := <-notifications:
			kinds[n.Kind]++
		case <-time.After(time.Second):
			t.Fatal("missing notification")
		}
	}
	assert.Equal(t, 1, kinds[NotifyCycleStarted])
	assert.Equal(t, 1, kinds[NotifyChangeDetected])
	assert.Equal(t, 1, kinds[NotifyCycleCompleted])
}

func TestPollerAnnouncesCycleBeforeListing(t *testing.T) {
	fx := newPollerFixture(t)
	notifications, cancel := fx.poller.Notifier().Subscribe()
	defer cancel()

	// the cycle-started notification must already be delivered when the
	// listing call happens, so subscribers see listing time inside the cycle
	var startedBeforeList bool
	fx.lister.onList = func() {
		select {
		case n := <-notifications:
			startedBeforeList = n.Kind == NotifyCycleStarted
		default:
		}
	}

	fx.poller.pollOnce(context.Background())
	assert.True(t, startedBeforeList)
}

func TestPollerPollOnceSynthesizesDeletes(t *testing.T) {
	fx := newPollerFixture(t)
	local := filepath.Join(fx.root, "gone.md")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))
	fx.ledger.UpdateEntry(testObject("gone.md", "abc", time.Now()))

	fx.lister.objects = nil // remote is empty
	fx.poller.pollOnce(context.Background())

	assert.NoFileExists(t, local)
	assert.Nil(t, fx.ledger.GetEntry("gone.md"))
	assert.Equal(t, uint64(1), fx.poller.Stats().FilesDeleted)
}

func TestPollerListFailureLeavesLedgerUntouched(t *testing.T) {
	fx := newPollerFixture(t)
	fx.ledger.UpdateEntry(testObject("keep.md", "abc", time.Now()))
	fx.lister.err = fmt.Errorf("listing exceeded pages")

	fx.poller.pollOnce(context.Background())

	// no synthesized deletions from a failed listing
	assert.NotNil(t, fx.ledger.GetEntry("keep.md"))
	stats := fx.poller.Stats()
	assert.Equal(t, uint64(0), stats.PollCycles)
	assert.Equal(t, uint64(1), stats.Errors)
}

func TestPollerStartStop(t *testing.T) {
	fx := newPollerFixture(t)

	require.NoError(t, fx.poller.Start(context.Background()))
	assert.True(t, fx.poller.Running())
	assert.ErrorIs(t, fx.poller.Start(context.Background()), ErrPollerRunning)

	fx.poller.Stop()
	assert.False(t, fx.poller.Running())
	fx.poller.Stop() // idempotent

	assert.GreaterOrEqual(t, fx.lister.calls, 1) // immediate first poll
}

func TestPollerConfigValidate(t *testing.T) {
	p := NewRemotePoller(&PollerConfig{}, &fakeLister{}, nil, nil, nil)
	assert.Error(t, p.Start(context.Background()))
}
