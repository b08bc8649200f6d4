package events

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(slog.Default())
}

func TestBroadcastReachesRoomSubscribers(t *testing.T) {
	b := newTestBroadcaster()
	sub1 := b.Subscribe(1)
	sub2 := b.Subscribe(1)
	other := b.Subscribe(2)

	b.Broadcast(1, Keepalive{Type: TypeKeepalive})

	require.Len(t, sub1.C, 1)
	require.Len(t, sub2.C, 1)
	assert.Empty(t, other.C)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open)
	assert.False(t, b.HasSubscribers(1))

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe(1)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Broadcast(1, Keepalive{Type: TypeKeepalive})
	}

	assert.Len(t, sub.C, subscriberBuffer)
}

func TestHasSubscribers(t *testing.T) {
	b := newTestBroadcaster()
	assert.False(t, b.HasSubscribers(1))
	sub := b.Subscribe(1)
	assert.True(t, b.HasSubscribers(1))
	b.Unsubscribe(sub)
	assert.False(t, b.HasSubscribers(1))
}

func TestShutdownClosesAllAndRejectsNew(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe(1)
	b.Shutdown()

	_, open := <-sub.C
	assert.False(t, open)

	late := b.Subscribe(1)
	_, open = <-late.C
	assert.False(t, open)
}
