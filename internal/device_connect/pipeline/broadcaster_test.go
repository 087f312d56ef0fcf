package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster[int]("test")
	a := b.Subscribe("a", 4)
	c := b.Subscribe("c", 4)

	b.Broadcast(1)
	b.Broadcast(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-c)
	assert.Equal(t, 2, <-c)
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster[string]("test")
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 8)

	b.Broadcast("x")
	b.Broadcast("y")

	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, "x", <-slow)
	_, ok := <-slow
	assert.False(t, ok, "slow subscriber channel should be closed")

	assert.Equal(t, "x", <-fast)
	assert.Equal(t, "y", <-fast)
}

func TestBroadcasterInitValue(t *testing.T) {
	b := NewBroadcaster[[]byte]("test")
	b.SetInit([]byte("key"))

	ch := b.Subscribe(NewSubscriberID(), 2)
	assert.Equal(t, []byte("key"), <-ch)
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster[int]("test")
	ch := b.Subscribe("a", 1)
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := b.Subscribe("late", 1)
	_, ok = <-late
	assert.False(t, ok)

	b.Broadcast(1)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster[int]("test")
	ch := b.Subscribe("a", 1)
	b.Unsubscribe("a")
	b.Unsubscribe("a")

	_, ok := <-ch
	assert.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestNewSubscriberID(t *testing.T) {
	a, b := NewSubscriberID(), NewSubscriberID()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
}
