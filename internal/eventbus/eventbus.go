// Package eventbus implements the typed publisher/subscriber described in
// spec §4.8: each subscriber chooses a set of channels, events are
// serialized once and pushed to every subscribed client's bounded outbound
// buffer, and a client that falls behind is disconnected rather than
// allowed to stall the bus.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	gateway "github.com/eugener/gatewayd/internal"
)

const defaultBufferSize = 256

// Subscription is a live subscriber's inbound channel and the set of
// channels it receives events on.
type Subscription struct {
	id       int64
	channels map[gateway.Channel]bool
	outbox   chan gateway.Event
	closed   atomic.Bool
	bus      *Bus
}

// Events returns the channel to range over for delivered events. It is
// closed when the subscriber is disconnected (including slow-consumer
// eviction).
func (s *Subscription) Events() <-chan gateway.Event { return s.outbox }

// Close unsubscribes and releases the outbox. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is a typed in-process pub/sub fanning events out to WebSocket
// subscribers. Within a channel, each subscriber observes publication
// order; there is no ordering guarantee across channels (§5).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*Subscription
	nextID      int64
	bufferSize  int
	onSlow      func(*Subscription)
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithBufferSize overrides the default per-subscriber outbound buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithSlowConsumerHook registers a callback invoked when a subscriber is
// disconnected for falling behind (e.g. to emit a slow_consumer close frame).
func WithSlowConsumerHook(fn func(*Subscription)) Option {
	return func(b *Bus) { b.onSlow = fn }
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{subscribers: make(map[int64]*Subscription), bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber interested in channels.
func (b *Bus) Subscribe(channels ...gateway.Channel) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	set := make(map[gateway.Channel]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	sub := &Subscription{
		id:       b.nextID,
		channels: set,
		outbox:   make(chan gateway.Event, b.bufferSize),
		bus:      b,
	}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
	close(sub.outbox)
}

// Publish fans e out to every subscriber of its channel. A subscriber whose
// outbox is full is disconnected (slow_consumer) rather than blocking the
// publisher or dropping events silently for everyone else.
func (b *Bus) Publish(e gateway.Event) {
	channel := gateway.ChannelForEvent(e.Type)

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.channels[channel] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.outbox <- e:
		default:
			slog.Warn("eventbus: slow consumer disconnected", "subscriber", sub.id, "channel", channel)
			b.unsubscribe(sub)
			if b.onSlow != nil {
				b.onSlow(sub)
			}
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
