package sync

import (
	gosync "sync"
	"time"
)

const notifyBufferSize = 16

// NotificationKind tags the variant carried by a Notification.
type NotificationKind string

const (
	NotifyStateChanged   NotificationKind = "StateChanged"
	NotifyChangeDetected NotificationKind = "ChangeDetected"
	NotifyCycleStarted   NotificationKind = "CycleStarted"
	NotifyCycleCompleted NotificationKind = "CycleCompleted"
	NotifyErrorRaised    NotificationKind = "ErrorRaised"
	NotifyStopped        NotificationKind = "Stopped"
)

// Notification is a tagged union of daemon/poller events. Exactly the fields
// relevant to Kind are populated.
type Notification struct {
	Kind   NotificationKind
	Time   time.Time
	Source string

	State  DaemonState     // StateChanged
	Change *DetectedChange // ChangeDetected
	Cycle  *CycleInfo      // CycleStarted, CycleCompleted
	Err    error           // ErrorRaised
}

// CycleInfo summarizes one push or poll cycle.
type CycleInfo struct {
	Events   int
	Synced   int
	Errors   int
	Duration time.Duration
}

// Notifier is an explicit subscription registry. Delivery is non-blocking:
// a subscriber that falls behind loses notifications rather than stalling
// the sync loops.
type Notifier struct {
	mu     gosync.Mutex
	nextID int
	subs   map[int]chan Notification
	closed bool
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[int]chan Notification),
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the channel.
func (n *Notifier) Subscribe() (<-chan Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan Notification, notifyBufferSize)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			close(sub)
			delete(n.subs, id)
		}
	}
	return ch, cancel
}

func (n *Notifier) Publish(notification Notification) {
	if notification.Time.IsZero() {
		notification.Time = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		select {
		case sub <- notification:
		default:
		}
	}
}

func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, sub := range n.subs {
		close(sub)
		delete(n.subs, id)
	}
}
