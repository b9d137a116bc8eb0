package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener receives published events matching a subscription's filter.
// Listeners run synchronously on the publisher's goroutine and must not
// block for long.
type Listener func(Event)

type subscription struct {
	id       uint64
	filter   Filter
	listener Listener
}

// Bus is the process-wide event stream. Safe for concurrent publish,
// subscribe and unsubscribe.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	nextSub uint64
	history []Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish assigns ID and Timestamp if the caller left them empty, records
// the event for replay, and fans it out to matching subscribers in
// subscription order. Returns the event as recorded.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// Snapshot subscribers under the lock, then fan out without it so a
	// listener can subscribe/unsubscribe without deadlocking.
	b.mu.Lock()
	b.history = append(b.history, e)
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Matches(e) {
			continue
		}
		b.deliver(s, e)
	}
	return e
}

// deliver invokes one listener, isolating panics so a broken subscriber
// cannot break fan-out for the rest.
func (b *Bus) deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Event listener panicked",
				"event_type", e.Type, "event_id", e.ID, "panic", r)
		}
	}()
	s.listener(e)
}

// Subscribe registers a listener for events matching the filter and returns
// an unsubscribe function. Past events are not delivered; use Replay.
func (b *Bus) Subscribe(filter Filter, listener Listener) func() {
	b.mu.Lock()
	b.nextSub++
	s := &subscription{id: b.nextSub, filter: filter, listener: listener}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur.id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Replay returns copies of all recorded events matching the filter, in
// publish order.
func (b *Bus) Replay(filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscriptions. Used by tests
// and the health endpoint.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
