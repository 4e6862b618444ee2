package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hqsync/hqsync/internal/blob"
	"github.com/hqsync/hqsync/internal/utils"
	"golang.org/x/sync/errgroup"
)

// DetectedChangeKind classifies what a poll observed for one path.
type DetectedChangeKind string

const (
	DetectedAdded    DetectedChangeKind = "added"
	DetectedModified DetectedChangeKind = "modified"
	DetectedDeleted  DetectedChangeKind = "deleted"
)

// DetectedChange is one remote-side difference computed by diffing a listing
// against the ledger.
type DetectedChange struct {
	Kind               DetectedChangeKind `json:"kind"`
	RelPath            string             `json:"relativePath"`
	Remote             *RemoteObjectInfo  `json:"remoteObject,omitempty"`
	PreviousModifiedAt *time.Time         `json:"previousModifiedAt,omitempty"`
}

// TransferResult is the per-file outcome of a download, deletion or upload.
// Individual failures never abort the batch they belong to.
type TransferResult struct {
	RelPath          string        `json:"relativePath"`
	Success          bool          `json:"success"`
	Kind             string        `json:"kind"`
	BytesTransferred int64         `json:"bytesTransferred"`
	Duration         time.Duration `json:"durationMs"`
	Err              error         `json:"-"`
}

func (r *TransferResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// DeletePolicy decides what happens to a local file whose remote twin was
// deleted.
type DeletePolicy string

const (
	// DeletePolicyDelete removes the local file.
	DeletePolicyDelete DeletePolicy = "delete"
	// DeletePolicyTrash moves the local file into a mirrored trash
	// directory; an existing trash entry is never overwritten.
	DeletePolicyTrash DeletePolicy = "trash"
	// DeletePolicyKeep leaves the local file untouched. The ledger entry is
	// still removed, so the file is no longer protected by diff-skipping:
	// if it reappears remotely the next poll treats it as added.
	DeletePolicyKeep DeletePolicy = "keep"
)

const defaultMaxConcurrentDownloads = 8

// ObjectFetcher is the narrow read surface the transferer needs from the
// storage client.
type ObjectFetcher interface {
	GetObject(ctx context.Context, key string) (*blob.GetObjectResponse, error)
}

type TransferConfig struct {
	RootDir                string
	TrashDir               string
	MaxConcurrentDownloads int
	DeletePolicy           DeletePolicy
	PreserveTimestamps     bool
}

// FileTransferer executes the download/delete side of a detected-change
// batch. Downloads run in bounded concurrent windows; deletions run
// sequentially after all downloads, so a path is never observed
// locally-missing before its replacement had a chance to land.
type FileTransferer struct {
	config  *TransferConfig
	fetcher ObjectFetcher

	// called before a local write so the watcher can suppress the echo
	suppress func(absPath string)
}

func NewFileTransferer(config *TransferConfig, fetcher ObjectFetcher) *FileTransferer {
	if config.MaxConcurrentDownloads <= 0 {
		config.MaxConcurrentDownloads = defaultMaxConcurrentDownloads
	}
	if config.DeletePolicy == "" {
		config.DeletePolicy = DeletePolicyTrash
	}
	return &FileTransferer{
		config:  config,
		fetcher: fetcher,
	}
}

// SetWriteSuppressor installs a callback invoked with the absolute path of
// every file the transferer is about to write or remove.
func (t *FileTransferer) SetWriteSuppressor(fn func(absPath string)) {
	t.suppress = fn
}

// ProcessChanges applies a batch: downloads first (windowed, concurrent),
// then deletions (sequential). Every per-file outcome, including failures,
// is returned as its own TransferResult.
func (t *FileTransferer) ProcessChanges(ctx context.Context, changes []*DetectedChange, ledger *Ledger) []*TransferResult {
	var downloads, deletions []*DetectedChange
	for _, change := range changes {
		switch change.Kind {
		case DetectedAdded, DetectedModified:
			downloads = append(downloads, change)
		case DetectedDeleted:
			deletions = append(deletions, change)
		}
	}

	results := make([]*TransferResult, 0, len(changes))
	results = append(results, t.downloadBatch(ctx, downloads, ledger)...)

	for _, change := range deletions {
		results = append(results, t.applyDeletion(change, ledger))
	}

	return results
}

// downloadBatch processes downloads in windows of at most
// MaxConcurrentDownloads. Ordering is preserved at window granularity only.
func (t *FileTransferer) downloadBatch(ctx context.Context, downloads []*DetectedChange, ledger *Ledger) []*TransferResult {
	results := make([]*TransferResult, 0, len(downloads))
	window := t.config.MaxConcurrentDownloads

	for start := 0; start < len(downloads); start += window {
		end := min(start+window, len(downloads))
		chunk := downloads[start:end]

		chunkResults := make([]*TransferResult, len(chunk))
		var g errgroup.Group
		for i, change := range chunk {
			g.Go(func() error {
				chunkResults[i] = t.downloadOne(ctx, change, ledger)
				return nil
			})
		}
		_ = g.Wait()
		results = append(results, chunkResults...)
	}

	return results
}

func (t *FileTransferer) downloadOne(ctx context.Context, change *DetectedChange, ledger *Ledger) *TransferResult {
	start := time.Now()
	result := &TransferResult{
		RelPath: change.RelPath,
		Kind:    string(change.Kind),
	}

	written, err := t.streamToLocal(ctx, change)
	result.BytesTransferred = written
	result.Duration = time.Since(start)

	if err != nil {
		result.Err = err
		slog.Error("transfer", "op", "download", "path", change.RelPath, "error", err)
		return result
	}

	ledger.UpdateEntry(change.Remote)
	result.Success = true
	slog.Info("transfer", "op", "download", "path", change.RelPath, "size", humanize.Bytes(uint64(written)), "took", result.Duration)
	return result
}

// streamToLocal writes the remote object directly to its destination path,
// creating parent directories as needed.
func (t *FileTransferer) streamToLocal(ctx context.Context, change *DetectedChange) (int64, error) {
	if change.Remote == nil {
		return 0, errors.New("download change has no remote object")
	}

	absPath := filepath.Join(t.config.RootDir, filepath.FromSlash(change.RelPath))

	// plain-upload tags are content MD5s; a local file that already hashes
	// to the remote tag needs no transfer. Multipart tags contain a dash and
	// never match, so those always download.
	if hash, err := utils.FileHash(absPath); err == nil && hash == change.Remote.RemoteTag {
		slog.Debug("transfer", "op", "download", "path", change.RelPath, "skipped", "content matches remote tag")
		return 0, nil
	}

	resp, err := t.fetcher.GetObject(ctx, change.Remote.Key)
	if err != nil {
		return 0, fmt.Errorf("get object %s: %w", change.Remote.Key, err)
	}
	defer resp.Body.Close()

	if err := utils.EnsureParent(absPath); err != nil {
		return 0, fmt.Errorf("create parent dirs: %w", err)
	}

	if t.suppress != nil {
		t.suppress(absPath)
	}

	dst, err := os.Create(absPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", absPath, err)
	}

	written, err := io.Copy(dst, resp.Body)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("write %s: %w", absPath, err)
	}

	// keeping local mtime equal to the remote's keeps the ledger's diff
	// heuristic self-consistent on the next poll
	if t.config.PreserveTimestamps && !change.Remote.RemoteModifiedAt.IsZero() {
		if err := os.Chtimes(absPath, time.Now(), change.Remote.RemoteModifiedAt); err != nil {
			slog.Warn("transfer", "op", "chtimes", "path", change.RelPath, "error", err)
		}
	}

	return written, nil
}

// applyDeletion applies the configured deletion policy. The ledger entry is
// removed under every policy, including keep.
func (t *FileTransferer) applyDeletion(change *DetectedChange, ledger *Ledger) *TransferResult {
	start := time.Now()
	result := &TransferResult{
		RelPath: change.RelPath,
		Kind:    string(DetectedDeleted),
	}

	absPath := filepath.Join(t.config.RootDir, filepath.FromSlash(change.RelPath))

	err := t.deleteLocal(absPath, change.RelPath)
	result.Duration = time.Since(start)

	if err != nil {
		result.Err = err
		slog.Error("transfer", "op", "delete", "policy", t.config.DeletePolicy, "path", change.RelPath, "error", err)
		return result
	}

	ledger.RemoveEntry(change.RelPath)
	result.Success = true
	slog.Info("transfer", "op", "delete", "policy", t.config.DeletePolicy, "path", change.RelPath)

	if t.config.DeletePolicy != DeletePolicyKeep {
		cleanupEmptyParentDirs(filepath.Dir(absPath), t.config.RootDir)
	}
	return result
}

func (t *FileTransferer) deleteLocal(absPath, relPath string) error {
	switch t.config.DeletePolicy {
	case DeletePolicyKeep:
		return nil

	case DeletePolicyTrash:
		if _, err := os.Lstat(absPath); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if t.suppress != nil {
			t.suppress(absPath)
		}
		trashPath := filepath.Join(t.config.TrashDir, filepath.FromSlash(relPath))
		if err := utils.MoveNoReplace(absPath, trashPath); err != nil {
			return fmt.Errorf("trash %s: %w", relPath, err)
		}
		return nil

	default: // DeletePolicyDelete
		if t.suppress != nil {
			t.suppress(absPath)
		}
		err := os.Remove(absPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", relPath, err)
		}
		return nil
	}
}

// cleanupEmptyParentDirs walks up from dir removing empty directories until
// it reaches a non-empty directory or the root.
func cleanupEmptyParentDirs(dir, root string) {
	for dir != root {
		if info, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}

		if err := os.Remove(dir); err != nil {
			return
		}
		slog.Debug("transfer", "op", "cleanup", "path", dir)
		dir = filepath.Dir(dir)
	}
}
