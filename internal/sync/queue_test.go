package sync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestEvent(kind ChangeKind, relPath string) *ChangeEvent {
	return &ChangeEvent{
		Kind:      kind,
		AbsPath:   "/hq/" + relPath,
		RelPath:   relPath,
		Timestamp: time.Now(),
	}
}

func TestEventQueuePushDedup(t *testing.T) {
	q := NewEventQueue()

	q.Push(newTestEvent(ChangeModified, "notes.md"))
	q.Push(newTestEvent(ChangeModified, "notes.md"))
	q.Push(newTestEvent(ChangeModified, "notes.md"))
	assert.Equal(t, 1, q.Size())

	// different kind for the same path is a distinct key
	q.Push(newTestEvent(ChangeRemoved, "notes.md"))
	assert.Equal(t, 2, q.Size())
}

func TestEventQueuePushReplacesInPlace(t *testing.T) {
	q := NewEventQueue()

	first := newTestEvent(ChangeModified, "a.md")
	q.Push(first)
	q.Push(newTestEvent(ChangeModified, "b.md"))

	// re-pushing a.md must keep its original FIFO position
	replacement := newTestEvent(ChangeModified, "a.md")
	q.Push(replacement)

	events := q.Drain()
	assert.Len(t, events, 2)
	assert.Same(t, replacement, events[0])
	assert.Equal(t, "b.md", events[1].RelPath)
}

func TestEventQueueDrain(t *testing.T) {
	q := NewEventQueue()

	for i := range 10 {
		q.Push(newTestEvent(ChangeAdded, fmt.Sprintf("f%02d.md", i)))
	}

	events := q.Drain()
	assert.Len(t, events, 10)
	assert.Equal(t, 0, q.Size())
	for i, event := range events {
		assert.Equal(t, fmt.Sprintf("f%02d.md", i), event.RelPath)
	}

	assert.Empty(t, q.Drain())
}

func TestEventQueueContainsPath(t *testing.T) {
	q := NewEventQueue()
	q.Push(newTestEvent(ChangeModified, "projects/plan.md"))

	assert.True(t, q.ContainsPath("projects/plan.md"))
	assert.False(t, q.ContainsPath("projects/other.md"))

	q.Drain()
	assert.False(t, q.ContainsPath("projects/plan.md"))
}
