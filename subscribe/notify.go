// Package subscribe delivers committed events in global order.
//
// A Subscription first pages through the history after its starting
// sequence, then waits for change signals and pages again. Signals only say
// "something was committed"; the feed itself is always read from the store,
// so a lost or duplicated signal never loses or duplicates an event.
package subscribe

import "sync"

// Notifier is told that new events were committed.
type Notifier interface {
	Notify()
}

// Signal wakes subscriptions waiting for new events.
type Signal interface {
	// Changed returns a channel that is closed after the next Notify.
	Changed() <-chan struct{}
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify() {
	for _, n := range ns {
		if n != nil {
			n.Notify()
		}
	}
}

// Broadcaster is an in-process Notifier and Signal.
// The zero value is ready for use.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

// Notify wakes everyone waiting on a channel from Changed.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		close(b.ch)
	}
	b.ch = make(chan struct{})
}
