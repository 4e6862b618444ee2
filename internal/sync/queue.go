package sync

import (
	gosync "sync"
)

// EventQueue is a FIFO holding area for pending change events, deduplicated
// by (kind, relativePath). Pushing an event whose key is already queued
// replaces it in place instead of growing the queue.
type EventQueue struct {
	mu    gosync.Mutex
	order []string
	items map[string]*ChangeEvent
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		items: make(map[string]*ChangeEvent),
	}
}

// Push enqueues the event, replacing any queued event with the same key.
func (q *EventQueue) Push(event *ChangeEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := event.Key()
	if _, exists := q.items[key]; !exists {
		q.order = append(q.order, key)
	}
	q.items[key] = event
}

// Drain atomically empties the queue and returns all queued events in FIFO
// order.
func (q *EventQueue) Drain() []*ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := make([]*ChangeEvent, 0, len(q.order))
	for _, key := range q.order {
		events = append(events, q.items[key])
	}
	q.order = nil
	q.items = make(map[string]*ChangeEvent)
	return events
}

// ContainsPath reports whether any queued event, of any kind, refers to the
// path.
func (q *EventQueue) ContainsPath(relPath string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, event := range q.items {
		if event.RelPath == relPath {
			return true
		}
	}
	return false
}

func (q *EventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
