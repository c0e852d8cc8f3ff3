package event

import (
	"sync"
	"time"

	"tradesync/logger"
)

// Topic identifies a stream of events on the bus.
type Topic string

const (
	// TopicConnectivity carries online/offline transitions.
	TopicConnectivity Topic = "connectivity"
	// TopicConditions carries device condition changes (battery, network tier).
	TopicConditions Topic = "conditions"
	// TopicRequestDebug carries per-request debug payloads from the gateway.
	TopicRequestDebug Topic = "request_debug"
	// TopicSyncFailure carries mutations that exhausted their retry budget.
	TopicSyncFailure Topic = "sync_failure"
)

// Event is a single message published on the bus.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Data      interface{}
}

// Subscription is a receive handle for one subscriber on one topic.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	topic Topic
	bus   *Bus
}

// Bus is an in-process publish/subscribe hub. Publishing never blocks:
// a subscriber that cannot keep up has events dropped rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	buffer int
	closed bool
	log    *logger.Log
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[Topic][]*Subscription),
		buffer: buffer,
		log:    logger.GetLogger(),
	}
}

// Subscribe registers a new subscriber on the given topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, bus: b}
	if !b.closed {
		b.subs[topic] = append(b.subs[topic], sub)
	} else {
		close(ch)
	}
	return sub
}

// Publish delivers an event to every subscriber of its topic.
func (b *Bus) Publish(topic Topic, data interface{}) {
	evt := Event{Topic: topic, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- evt:
		default:
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"topic": string(topic),
			}).Debug("subscriber buffer full, dropping event")
		}
	}
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.topic]
	for i, candidate := range subs {
		if candidate == s {
			b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
}
