// Package events fans streaming updates out to SSE subscribers. Each room
// has its own subscriber set; slow consumers are dropped-from, never
// blocked-on.
package events

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. When a
// subscriber falls this far behind, further events to it are discarded.
const subscriberBuffer = 256

// Subscription is one attached SSE consumer. Events arrive on C; the
// channel is closed on Shutdown.
type Subscription struct {
	C      chan any
	roomID int64
}

// Broadcaster distributes room events to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[int64]map[*Subscription]struct{}
	logger *slog.Logger
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:  make(map[int64]map[*Subscription]struct{}),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe attaches a new consumer to a room.
func (b *Broadcaster) Subscribe(roomID int64) *Subscription {
	sub := &Subscription{
		C:      make(chan any, subscriberBuffer),
		roomID: roomID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	set, ok := b.rooms[roomID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.rooms[roomID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rooms[sub.roomID]
	if !ok {
		return
	}
	if _, member := set[sub]; !member {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.rooms, sub.roomID)
	}
	close(sub.C)
}

// Broadcast sends an event to every subscriber of a room. Subscribers whose
// buffer is full miss the event.
func (b *Broadcaster) Broadcast(roomID int64, event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.rooms[roomID] {
		select {
		case sub.C <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber", "room_id", roomID)
		}
	}
}

// HasSubscribers reports whether anyone is listening to a room. Used to
// skip delta fan-out work when nobody would see it.
func (b *Broadcaster) HasSubscribers(roomID int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID]) > 0
}

// Shutdown closes every subscriber channel and rejects new subscriptions.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for roomID, set := range b.rooms {
		for sub := range set {
			close(sub.C)
		}
		delete(b.rooms, roomID)
	}
}
