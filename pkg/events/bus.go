// Package events provides the named-topic publish/subscribe transport used
// to carry lifecycle events between the backend and its observers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Event is a single message delivered on a topic.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives events for a subscription.
type Handler func(Event)

// Publisher emits events onto topics.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Subscriber registers handlers on topics.
type Subscriber interface {
	Subscribe(topic string, handler Handler) *Subscription
}

// Bus is an in-process topic bus. Delivery to one subscription is
// serialized; there is no ordering across topics.
type Bus struct {
	mutex  sync.RWMutex
	topics map[string]map[uint64]*Subscription
	nextID uint64
}

// Subscription is a handle for one registered handler.
type Subscription struct {
	id      uint64
	topic   string
	bus     *Bus
	handler Handler

	// deliverMux serializes deliveries and lets Unsubscribe wait for an
	// in-flight handler call to return.
	deliverMux sync.Mutex
	closed     bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers handler on topic.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   topic,
		bus:     b,
		handler: handler,
	}

	subs, exists := b.topics[topic]
	if !exists {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Publish encodes payload as JSON and delivers it to every subscriber of
// topic. A json.RawMessage payload is passed through untouched.
func (b *Bus) Publish(topic string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for topic %s: %w", topic, err)
		}
		raw = data
	}

	b.PublishRaw(Event{Topic: topic, Payload: raw})
	return nil
}

// PublishRaw delivers an already encoded event.
func (b *Bus) PublishRaw(ev Event) {
	b.mutex.RLock()
	subs := make([]*Subscription, 0, len(b.topics[ev.Topic]))
	for _, sub := range b.topics[ev.Topic] {
		subs = append(subs, sub)
	}
	b.mutex.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.topics[topic])
}

func (s *Subscription) deliver(ev Event) {
	s.deliverMux.Lock()
	defer s.deliverMux.Unlock()
	if s.closed {
		return
	}
	s.handler(ev)
}

// Topic returns the topic the subscription listens on.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the subscription and waits for an in-flight delivery
// to finish. No handler call happens after it returns. It must not be
// called from inside the subscription's own handler.
func (s *Subscription) Unsubscribe() {
	s.bus.mutex.Lock()
	if subs, exists := s.bus.topics[s.topic]; exists {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mutex.Unlock()

	s.deliverMux.Lock()
	s.closed = true
	s.deliverMux.Unlock()
}
