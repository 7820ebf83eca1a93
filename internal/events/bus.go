// Package events is the in-process publish/subscribe fabric: it matches
// every committed mutation against the subscription registry and fans it
// out, in commit order, to live watch streams and configured system sinks.
package events

import (
	"log"
	"sync"

	"smokestack/internal/domain"
)

// SubscriptionSource resolves which subscribers care about an operation.
// Implemented by internal/store.Store.
type SubscriptionSource interface {
	MatchSubscriptions(op domain.Operation) []domain.Subscription
}

// Stream is one subscriber's live delivery channel, held open for the
// duration of a WebSocket watch connection.
type Stream struct {
	user string
	ch   chan domain.Event
	bus  *Bus
}

// Events returns the channel to range over for delivered events. It is
// closed when the stream is evicted or explicitly closed.
func (s *Stream) Events() <-chan domain.Event { return s.ch }

// Close detaches the stream from the bus. The user's subscriptions are left
// untouched: they persist across disconnects per the notification model.
func (s *Stream) Close() {
	s.bus.closeStream(s.user, s.ch)
}

// Bus matches committed events against the subscription registry and
// delivers them, in commit order, to open watch streams and system sinks.
// It never blocks the writer: a full subscriber queue evicts that
// subscriber rather than stalling delivery to everyone else.
type Bus struct {
	subs     SubscriptionSource
	capacity int

	mu      sync.Mutex
	streams map[string][]chan domain.Event
	seq     int64

	sinks *SinkDispatcher
}

// NewBus returns a Bus that resolves subscribers via subs and bounds each
// stream's queue to capacity events.
func NewBus(subs SubscriptionSource, capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		subs:     subs,
		capacity: capacity,
		streams:  make(map[string][]chan domain.Event),
	}
}

// AttachSinks wires a SinkDispatcher so every published event is also
// offered to configured system sinks.
func (b *Bus) AttachSinks(d *SinkDispatcher) { b.sinks = d }

// Open registers a new live stream for user and returns it. A user may hold
// multiple concurrent streams (e.g. multiple browser tabs); each receives
// its own copy of every matching event.
func (b *Bus) Open(user string) *Stream {
	ch := make(chan domain.Event, b.capacity)
	b.mu.Lock()
	b.streams[user] = append(b.streams[user], ch)
	b.mu.Unlock()
	return &Stream{user: user, ch: ch, bus: b}
}

// closeStream detaches ch from user's stream list and closes it. If Publish
// has already evicted ch (slow consumer), it is no longer in the list and
// this is a no-op: closing twice would panic.
func (b *Bus) closeStream(user string, ch chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.streams[user]
	for i, c := range chans {
		if c == ch {
			b.streams[user] = append(chans[:i], chans[i+1:]...)
			if len(b.streams[user]) == 0 {
				delete(b.streams, user)
			}
			close(ch)
			return
		}
	}
}

// Publish delivers evt to every stream held by a subscriber whose selector
// matches evt.Operation, deduplicated per user, and offers it to attached
// system sinks. Publish assigns evt's commit sequence number, so callers
// must invoke Publish in the exact order the writer committed the events.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.Lock()
	b.seq++
	evt.Seq = b.seq
	b.mu.Unlock()

	subs := b.subs.MatchSubscriptions(evt.Operation)

	b.mu.Lock()
	for _, sub := range subs {
		chans := append([]chan domain.Event(nil), b.streams[sub.Subscriber]...)
		for _, ch := range chans {
			select {
			case ch <- evt:
			default:
				log.Printf("events: subscriber %s queue full, disconnecting (slow_consumer)", sub.Subscriber)
				b.evictLocked(sub.Subscriber, ch)
			}
		}
	}
	b.mu.Unlock()

	if b.sinks != nil {
		b.sinks.Offer(evt)
	}
}

// evictLocked closes and drops ch. Callers must hold b.mu.
func (b *Bus) evictLocked(user string, ch chan domain.Event) {
	chans := b.streams[user]
	for i, c := range chans {
		if c == ch {
			b.streams[user] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}
