package timer

import (
	"sync"
	"time"
)

// IdleEvent is broadcast to every subscriber whenever the automatic idle
// pause state changes, and again on explicit re-requests so listeners that
// attached late still reconcile.
type IdleEvent struct {
	IdlePauseStart *time.Time `json:"idlePauseStartTime"`
	IsLoading      bool       `json:"isLoading"`
}

// Subscriber is a callback invoked when an idle event is published.
type Subscriber func(IdleEvent)

// Bus is a synchronous in-process broadcast channel for idle events.
// Dispatch happens inline on the publisher's goroutine.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]Subscriber
}

func NewBus() *Bus {
	return &Bus{subscribers: map[int]Subscriber{}}
}

// Subscribe registers fn and returns a function that removes it again.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Publish dispatches the event to all current subscribers.
func (b *Bus) Publish(ev IdleEvent) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
