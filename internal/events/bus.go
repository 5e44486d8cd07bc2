// Package events implements the hub's in-process lifecycle event bus (C5).
package events

import (
	"sync"
	"time"
)

// Event is a single lifecycle notification published on a topic.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Bus is a minimal in-process publish/subscribe fan-out. Topics are free-form
// strings. A subscriber receives every event published on a topic it watches
// from the moment it subscribes until it unsubscribes; there is no replay and
// no persistence. Delivery is synchronous from the publisher's perspective —
// Publish never blocks on a slow subscriber, since each subscriber channel is
// buffered and a full channel simply drops the event for that subscriber.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
}

type subscription struct {
	// topics is nil when the subscriber watches every topic.
	topics map[string]struct{}
	ch     chan Event
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Subscribe registers interest in the given topics and returns a receive
// channel plus an unsubscribe function. Passing no topics subscribes to
// every topic published on the bus.
func (b *Bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish fans the event out to every subscriber watching the topic (or
// watching everything). Subscribers that cannot keep up miss the event
// rather than stall the publisher.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions are currently active, for
// stats/health reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
