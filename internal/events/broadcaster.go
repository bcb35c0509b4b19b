package events

import (
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this drops events rather than stalling the
// session loop.
const subscriberBuffer = 256

// Broadcaster fans events out to live subscribers. Publishing never blocks.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan *FixEvent
	nextID int
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan *FixEvent)}
}

// Subscribe registers a new subscriber and returns its channel plus an id
// for Unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan *FixEvent, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *FixEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, id
	}
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber. Slow subscribers with a
// full buffer miss the event.
func (b *Broadcaster) Publish(event *FixEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
