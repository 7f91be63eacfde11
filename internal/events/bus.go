package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the subscriber buffer used when none is requested.
const DefaultBufferSize = 256

// allTopics marks a subscription that receives every topic.
const allTopics = "*"

// EventBus is a channel-based pub-sub bus. Publishing never blocks: a
// subscriber whose buffer is full misses the event, and the miss is counted.
// Task streams tolerate misses because every frame carries the full task
// snapshot and a version.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic (or allTopics) -> subscriber channels
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving the events published to topic.
// bufSize <= 0 selects DefaultBufferSize. The channel is closed by
// Unsubscribe or Close.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving the events of every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(allTopics, bufSize)
}

func (b *EventBus) subscribe(key string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[key] = append(b.subs[key], ch)
	return ch
}

// Publish delivers event to the subscribers of topic and to every
// SubscribeAll channel. Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[topic], event)
	if topic != allTopics {
		b.deliver(b.subs[allTopics], event)
	}
}

func (b *EventBus) deliver(channels []chan Event, event Event) {
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Unsubscribe removes a subscription created by Subscribe or SubscribeAll and
// closes its channel. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for key, channels := range b.subs {
		for i, ch := range channels {
			if (<-chan Event)(ch) != sub {
				continue
			}
			remaining := append(channels[:i:i], channels[i+1:]...)
			if len(remaining) == 0 {
				delete(b.subs, key)
			} else {
				b.subs[key] = remaining
			}
			close(ch)
			return
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a topic.
func (b *EventBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. It is idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	b.subs = nil
}
