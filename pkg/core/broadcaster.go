package core

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// the caller does not specify one.
const DefaultSubscriberBuffer = 256

// Subscription is one consumer's view of the event stream. Events arrive
// on C in publish order; when the consumer falls behind its buffer, the
// newest events are dropped for it alone and counted.
type Subscription struct {
	id     string
	c      chan Event
	closed atomic.Bool
	drops  atomic.Uint64
}

// C is the receive channel. It is closed when the subscription is
// cancelled or the broadcaster shuts down.
func (s *Subscription) C() <-chan Event {
	return s.c
}

// ID identifies the subscription, for logs.
func (s *Subscription) ID() string {
	return s.id
}

// Dropped returns how many events were discarded because this
// subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.drops.Load()
}

// Broadcaster fans events out to subscribers. Publishing never blocks:
// each subscriber has its own buffered channel and a full buffer means
// that subscriber misses the event. Events for one target are delivered
// to each subscriber in publish order (modulo its drops), because Publish
// holds the registry read lock while pushing to every channel and callers
// publish a target's events from a single goroutine at a time.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	closed  bool
	logger  zerolog.Logger
	dropped atomic.Uint64

	// onDrop, when set, observes each dropped event (metrics hook).
	onDrop func()
}

// NewBroadcaster creates a broadcaster with the given per-subscriber
// buffer capacity. A non-positive buffer falls back to the default.
func NewBroadcaster(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
}

// SetDropObserver installs a callback invoked once per dropped event.
// Must be called before the broadcaster is shared.
func (b *Broadcaster) SetDropObserver(fn func()) {
	b.onDrop = fn
}

// Subscribe registers a new consumer. The returned subscription must be
// cancelled with Unsubscribe when the consumer goes away, or its buffer
// will fill and it will silently miss everything.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		c:  make(chan Event, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.c)
		sub.closed.Store(true)
		return sub
	}
	b.subs[sub.id] = sub

	b.logger.Debug().Str("subscription_id", sub.id).Int("total", len(b.subs)).Msg("Subscriber added")
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.c)
	}

	b.logger.Debug().Str("subscription_id", sub.id).Int("total", len(b.subs)).Msg("Subscriber removed")
}

// Publish delivers the event to every current subscriber without
// blocking. Slow subscribers lose the event; everyone else still gets it.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.c <- event:
		default:
			sub.drops.Add(1)
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// TotalDropped returns the count of events dropped across all
// subscribers since creation.
func (b *Broadcaster) TotalDropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the broadcaster down: all subscriber channels are closed
// and later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.c)
		}
		delete(b.subs, id)
	}

	b.logger.Debug().Msg("Broadcaster closed")
}
