package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hqsync/hqsync/internal/blob"
	"github.com/hqsync/hqsync/internal/sync"
	"golang.org/x/sync/errgroup"
)

// Uploader implements the daemon's upload handler: it pushes a batch of
// local change events to the storage backend, one result per event, and
// records the backend's metadata in the ledger so the next poll does not
// mistake our own uploads for remote changes.
type Uploader struct {
	blob          *blob.Client
	ledger        *sync.Ledger
	remotePrefix  string
	maxConcurrent int
}

func NewUploader(blobClient *blob.Client, ledger *sync.Ledger, remotePrefix string, maxConcurrent int) *Uploader {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Uploader{
		blob:          blobClient,
		ledger:        ledger,
		remotePrefix:  remotePrefix,
		maxConcurrent: maxConcurrent,
	}
}

// Handle uploads the batch with bounded concurrency, preserving one result
// per input event in input order.
func (u *Uploader) Handle(ctx context.Context, batch []*sync.ChangeEvent) ([]*sync.TransferResult, error) {
	results := make([]*sync.TransferResult, len(batch))

	var g errgroup.Group
	g.SetLimit(u.maxConcurrent)
	for i, event := range batch {
		g.Go(func() error {
			results[i] = u.handleOne(ctx, event)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (u *Uploader) handleOne(ctx context.Context, event *sync.ChangeEvent) *sync.TransferResult {
	start := time.Now()
	result := &sync.TransferResult{
		RelPath: event.RelPath,
		Kind:    string(event.Kind),
	}

	var err error
	switch event.Kind {
	case sync.ChangeAdded, sync.ChangeModified:
		result.BytesTransferred, err = u.putFile(ctx, event)
	case sync.ChangeRemoved:
		err = u.deleteRemote(ctx, event)
	case sync.ChangeDirAdded, sync.ChangeDirRemoved:
		// object storage has no directories; nothing to push
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Err = err
		slog.Error("upload", "op", event.Kind, "path", event.RelPath, "error", err)
		return result
	}

	result.Success = true
	return result
}

func (u *Uploader) putFile(ctx context.Context, event *sync.ChangeEvent) (int64, error) {
	file, err := os.Open(event.AbsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// deleted between debounce and upload; the remove event follows
			return 0, fmt.Errorf("file vanished before upload: %s", event.RelPath)
		}
		return 0, fmt.Errorf("open %s: %w", event.RelPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", event.RelPath, err)
	}

	key := u.remoteKey(event.RelPath)
	if _, err := u.blob.PutObject(ctx, key, file); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}

	// head for the authoritative modification time, so the ledger entry
	// matches what the next listing will report
	head, err := u.blob.HeadObject(ctx, key)
	if err != nil {
		slog.Warn("upload", "op", "head", "key", key, "error", err)
	} else {
		u.ledger.UpdateEntry(&sync.RemoteObjectInfo{
			Key:              head.Key,
			RelPath:          event.RelPath,
			RemoteModifiedAt: head.LastModified,
			Size:             head.Size,
			RemoteTag:        head.ETag,
		})
	}

	slog.Info("upload", "op", event.Kind, "path", event.RelPath, "size", humanize.Bytes(uint64(info.Size())))
	return info.Size(), nil
}

func (u *Uploader) deleteRemote(ctx context.Context, event *sync.ChangeEvent) error {
	key := u.remoteKey(event.RelPath)
	if err := u.blob.DeleteObject(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	u.ledger.RemoveEntry(event.RelPath)
	slog.Info("upload", "op", event.Kind, "path", event.RelPath)
	return nil
}

func (u *Uploader) remoteKey(relPath string) string {
	return u.remotePrefix + "/" + relPath
}
