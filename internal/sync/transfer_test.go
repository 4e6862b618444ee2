package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hqsync/hqsync/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	objects map[string]string
	fail    map[string]bool
}

func (f *fakeFetcher) GetObject(_ context.Context, key string) (*blob.GetObjectResponse, error) {
	if f.fail[key] {
		return nil, fmt.Errorf("fetch %s: injected failure", key)
	}
	content, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("fetch %s: not found", key)
	}
	return &blob.GetObjectResponse{
		Body: io.NopCloser(strings.NewReader(content)),
		Size: int64(len(content)),
	}, nil
}

type transferFixture struct {
	root       string
	trash      string
	ledger     *Ledger
	fetcher    *fakeFetcher
	transferer *FileTransferer
}

func newTransferFixture(t *testing.T, policy DeletePolicy) *transferFixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "hq")
	trash := filepath.Join(dir, "trash")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(trash, 0o755))

	fetcher := &fakeFetcher{objects: map[string]string{}, fail: map[string]bool{}}
	transferer := NewFileTransferer(&TransferConfig{
		RootDir:                root,
		TrashDir:               trash,
		MaxConcurrentDownloads: 2,
		DeletePolicy:           policy,
		PreserveTimestamps:     true,
	}, fetcher)

	return &transferFixture{
		root:       root,
		trash:      trash,
		ledger:     NewLedger(filepath.Join(dir, "ledger.json"), "alice", "alice"),
		fetcher:    fetcher,
		transferer: transferer,
	}
}

func downloadChange(kind DetectedChangeKind, relPath, tag string, modifiedAt time.Time) *DetectedChange {
	return &DetectedChange{
		Kind:    kind,
		RelPath: relPath,
		Remote:  testObject(relPath, tag, modifiedAt),
	}
}

func TestTransfererDownloadWritesFileAndLedger(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyDelete)
	modifiedAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	fx.fetcher.objects["alice/projects/plan.md"] = "remote content"

	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{downloadChange(DetectedAdded, "projects/plan.md", "abc", modifiedAt)}, fx.ledger)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(len("remote content")), results[0].BytesTransferred)

	dest := filepath.Join(fx.root, "projects", "plan.md")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	// remote mtime applied locally
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modifiedAt))

	entry := fx.ledger.GetEntry("projects/plan.md")
	require.NotNil(t, entry)
	assert.Equal(t, "abc", entry.RemoteTag)
}

func TestTransfererDownloadAfterModify(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyDelete)
	t1 := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	t2 := time.Now().Add(-time.Hour).Truncate(time.Second)

	fx.ledger.UpdateEntry(testObject("notes.md", "xyz", t1))
	fx.fetcher.objects["alice/notes.md"] = "v2"

	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{downloadChange(DetectedModified, "notes.md", "abc", t2)}, fx.ledger)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "abc", fx.ledger.GetEntry("notes.md").RemoteTag)
}

func TestTransfererSkipsDownloadWhenContentMatches(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyDelete)
	local := filepath.Join(fx.root, "same.md")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))
	fx.fetcher.fail["alice/same.md"] = true // any fetch would fail the test

	tag := "5d41402abc4b2a76b9719d911017c592" // md5("hello")
	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{downloadChange(DetectedAdded, "same.md", tag, time.Now())}, fx.ledger)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(0), results[0].BytesTransferred)

	entry := fx.ledger.GetEntry("same.md")
	require.NotNil(t, entry)
	assert.Equal(t, tag, entry.RemoteTag)
}

func TestTransfererDeletePolicyTrash(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyTrash)
	local := filepath.Join(fx.root, "old.md")
	require.NoError(t, os.WriteFile(local, []byte("stale"), 0o644))
	fx.ledger.UpdateEntry(testObject("old.md", "abc", time.Now()))

	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{{Kind: DetectedDeleted, RelPath: "old.md"}}, fx.ledger)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NoFileExists(t, local)

	trashed, err := os.ReadFile(filepath.Join(fx.trash, "old.md"))
	require.NoError(t, err)
	assert.Equal(t, "stale", string(trashed))
	assert.Nil(t, fx.ledger.GetEntry("old.md"))
}

func TestTransfererTrashNeverOverwrites(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyTrash)
	require.NoError(t, os.WriteFile(filepath.Join(fx.root, "old.md"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fx.trash, "old.md"), []byte("previous"), 0o644))
	fx.ledger.UpdateEntry(testObject("old.md", "abc", time.Now()))

	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{{Kind: DetectedDeleted, RelPath: "old.md"}}, fx.ledger)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Err)

	// failed trash leaves both files and the ledger entry alone
	assert.FileExists(t, filepath.Join(fx.root, "old.md"))
	assert.NotNil(t, fx.ledger.GetEntry("old.md"))
}

func TestTransfererDeletePolicyKeep(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyKeep)
	local := filepath.Join(fx.root, "keep.md")
	require.NoError(t, os.WriteFile(local, []byte("local"), 0o644))
	fx.ledger.UpdateEntry(testObject("keep.md", "abc", time.Now()))

	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{{Kind: DetectedDeleted, RelPath: "keep.md"}}, fx.ledger)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.FileExists(t, local)
	// entry still removed, so a remote reappearance counts as added
	assert.Nil(t, fx.ledger.GetEntry("keep.md"))
}

func TestTransfererDeleteCleansEmptyParents(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyDelete)
	nested := filepath.Join(fx.root, "a", "b", "file.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0o755))
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0o644))
	fx.ledger.UpdateEntry(testObject("a/b/file.md", "abc", time.Now()))

	results := fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{{Kind: DetectedDeleted, RelPath: "a/b/file.md"}}, fx.ledger)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NoDirExists(t, filepath.Join(fx.root, "a"))
	assert.DirExists(t, fx.root)
}

func TestTransfererFailureDoesNotAbortBatch(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyDelete)
	fx.fetcher.objects["alice/ok.md"] = "fine"
	fx.fetcher.fail["alice/bad.md"] = true
	now := time.Now()

	results := fx.transferer.ProcessChanges(context.Background(), []*DetectedChange{
		downloadChange(DetectedAdded, "bad.md", "b", now),
		downloadChange(DetectedAdded, "ok.md", "a", now),
	}, fx.ledger)

	require.Len(t, results, 2)
	byPath := map[string]*TransferResult{}
	for _, res := range results {
		byPath[res.RelPath] = res
	}
	assert.False(t, byPath["bad.md"].Success)
	assert.Error(t, byPath["bad.md"].Err)
	assert.True(t, byPath["ok.md"].Success)
	assert.FileExists(t, filepath.Join(fx.root, "ok.md"))
	assert.Nil(t, fx.ledger.GetEntry("bad.md"))
}

func TestTransfererSuppressorCalled(t *testing.T) {
	fx := newTransferFixture(t, DeletePolicyDelete)
	fx.fetcher.objects["alice/new.md"] = "x"

	var suppressed []string
	fx.transferer.SetWriteSuppressor(func(absPath string) {
		suppressed = append(suppressed, absPath)
	})

	fx.transferer.ProcessChanges(context.Background(),
		[]*DetectedChange{downloadChange(DetectedAdded, "new.md", "a", time.Now())}, fx.ledger)

	require.Len(t, suppressed, 1)
	assert.Equal(t, filepath.Join(fx.root, "new.md"), suppressed[0])
}
