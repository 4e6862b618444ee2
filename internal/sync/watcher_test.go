package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectEvents drains the events channel until it has been quiet for the
// given window.
func collectEvents(ch <-chan *ChangeEvent, quiet time.Duration) []*ChangeEvent {
	var events []*ChangeEvent
	for {
		select {
		case event := <-ch:
			events = append(events, event)
		case <-time.After(quiet):
			return events
		}
	}
}

func TestWatcherDebounceCollapsesBursts(t *testing.T) {
	fw := NewFileWatcher(t.TempDir())
	fw.SetDebounceDelay(30 * time.Millisecond)
	fw.events = make(chan *ChangeEvent, 256)

	// 150 rapid edits across 100 distinct files
	for i := range 100 {
		fw.debounceEvent(newTestEvent(ChangeModified, fmt.Sprintf("f%03d.md", i)))
	}
	for i := range 50 {
		fw.debounceEvent(newTestEvent(ChangeModified, fmt.Sprintf("f%03d.md", i)))
	}

	events := collectEvents(fw.events, 300*time.Millisecond)
	assert.Len(t, events, 100)

	seen := map[string]int{}
	for _, event := range events {
		seen[event.RelPath]++
	}
	for path, count := range seen {
		assert.Equal(t, 1, count, "duplicate event for %s", path)
	}
}

func TestWatcherDebounceKeyIncludesKind(t *testing.T) {
	fw := NewFileWatcher(t.TempDir())
	fw.SetDebounceDelay(20 * time.Millisecond)
	fw.events = make(chan *ChangeEvent, 16)

	fw.debounceEvent(newTestEvent(ChangeModified, "a.md"))
	fw.debounceEvent(newTestEvent(ChangeRemoved, "a.md"))

	events := collectEvents(fw.events, 200*time.Millisecond)
	assert.Len(t, events, 2)
}

func TestWatcherIgnoreOnce(t *testing.T) {
	fw := NewFileWatcher(t.TempDir())
	fw.SetDebounceDelay(10 * time.Millisecond)
	fw.events = make(chan *ChangeEvent, 16)

	event := newTestEvent(ChangeModified, "downloaded.md")
	fw.IgnoreOnce(event.AbsPath)

	fw.debounceEvent(event)
	assert.Empty(t, collectEvents(fw.events, 100*time.Millisecond))

	// suppression is one-shot
	fw.debounceEvent(newTestEvent(ChangeModified, "downloaded.md"))
	assert.Len(t, collectEvents(fw.events, 100*time.Millisecond), 1)
}

func TestWatcherIgnoreOnceExpires(t *testing.T) {
	fw := NewFileWatcher(t.TempDir())

	fw.IgnoreOnceWithTimeout("/hq/stale.md", -time.Second)
	assert.False(t, fw.isTemporarilyIgnored("/hq/stale.md"))
	// the expired entry was consumed either way
	assert.False(t, fw.isTemporarilyIgnored("/hq/stale.md"))
}

func TestWatcherStopDuringFlushDropsEvent(t *testing.T) {
	fw := NewFileWatcher(t.TempDir())
	fw.SetDebounceDelay(time.Millisecond)
	fw.events = make(chan *ChangeEvent, 1)

	// park the flush between consuming its pending entry and the send by
	// holding the suppression lock it checks on the way
	fw.ignoreMu.Lock()
	fw.debounceEvent(newTestEvent(ChangeModified, "racy.md"))

	require.Eventually(t, func() bool {
		fw.debounceMu.Lock()
		defer fw.debounceMu.Unlock()
		return len(fw.pending) == 0
	}, time.Second, time.Millisecond)

	// the teardown sequence that runs when the watcher stops
	fw.shutdownDebounce()
	close(fw.events)
	fw.ignoreMu.Unlock()

	// the parked flush must drop its event instead of sending
	time.Sleep(50 * time.Millisecond)
	_, ok := <-fw.events
	assert.False(t, ok)
}

func TestWatcherEndToEnd(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)
	fw.SetDebounceDelay(20 * time.Millisecond)
	fw.FilterPaths(func(relPath string, isDir bool) bool {
		return relPath == "skipped.md"
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "new.md"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skipped.md"), []byte("nope"), 0o644))

	var got *ChangeEvent
	var sawFiltered bool
	require.Eventually(t, func() bool {
		for _, event := range collectEvents(fw.Events(), 50*time.Millisecond) {
			if event.RelPath == "skipped.md" {
				sawFiltered = true
			}
			if event.RelPath == "new.md" {
				got = event
			}
		}
		return got != nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, sawFiltered, "filtered path produced an event")
	assert.Equal(t, ChangeAdded, got.Kind)
	assert.Equal(t, filepath.Join(root, "new.md"), got.AbsPath)
}
