package pipeline

import (
	"sync"

	"github.com/dchest/uniuri"

	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

// Broadcaster fans values out to subscriber channels. A subscriber whose
// channel is full is dropped so a slow reader never stalls the producer.
type Broadcaster[T any] struct {
	name        string
	mu          sync.RWMutex
	subscribers map[string]chan T
	init        T // Cached value sent first to new subscribers (e.g. a keyframe)
	hasInit     bool
	closed      bool
}

// NewBroadcaster creates a new broadcaster instance. The name only shows up in logs.
func NewBroadcaster[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		name:        name,
		subscribers: make(map[string]chan T),
	}
}

// NewSubscriberID returns a random id for Subscribe.
func NewSubscriberID() string {
	return uniuri.NewLen(12)
}

// SetInit caches the value that will be sent immediately to new subscribers.
func (b *Broadcaster[T]) SetInit(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.init = v
	b.hasInit = true
}

// Subscribe adds a new subscriber with the given ID and returns a channel
// that will receive broadcasted values. If an init value is cached,
// it will be sent immediately.
func (b *Broadcaster[T]) Subscribe(subscriberID string, bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}

	if old, exists := b.subscribers[subscriberID]; exists {
		close(old)
	}

	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan T, bufferSize)
	b.subscribers[subscriberID] = ch

	if b.hasInit {
		select {
		case ch <- b.init:
		default:
		}
	}

	util.GetLogger().Debug("New subscriber added", "broadcaster", b.name, "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Debug("Subscriber removed", "broadcaster", b.name, "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends v to all current subscribers. If a subscriber's
// channel is full, that subscriber will be dropped.
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			close(ch)
			delete(b.subscribers, id)
			util.GetLogger().Warn("Dropping subscriber due to full channel", "broadcaster", b.name, "id", id)
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan T)
	util.GetLogger().Debug("Broadcaster closed", "broadcaster", b.name)
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
