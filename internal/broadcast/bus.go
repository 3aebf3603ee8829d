// Package broadcast fans mutation outcomes out to the other surfaces of a
// session and, through a remote publisher, to the viewer's other sessions.
package broadcast

import (
	"sync"
)

const defaultBufferSize = 16

// Bus is an in-process publish/subscribe bus owned by one session. Handlers
// run on a per-subscription goroutine; publishing never blocks.
type Bus[E any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[E]
	nextID      int64
	bufferSize  int
	closed      bool
}

type subscriber[E any] struct {
	id     int64
	topic  string
	stream chan E
	once   sync.Once
}

// Subscription is returned by Subscribe; Unsubscribe is idempotent.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe stops delivery to the handler.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// NewBus returns an empty Bus.
func NewBus[E any]() *Bus[E] {
	return &Bus[E]{
		subscribers: make(map[string]map[int64]*subscriber[E]),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers handler for topic.
func (b *Bus[E]) Subscribe(topic string, handler func(E)) *Subscription {
	sub := &subscriber[E]{topic: topic, stream: make(chan E, b.bufferSize)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &Subscription{}
	}
	b.nextID++
	sub.id = b.nextID
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*subscriber[E])
	}
	b.subscribers[topic][sub.id] = sub
	b.mu.Unlock()

	go func() {
		for event := range sub.stream {
			handler(event)
		}
	}()
	return &Subscription{unsubscribe: func() { b.unregister(sub) }}
}

// Publish delivers event to every subscriber of topic at most once and
// returns how many accepted it. Full subscribers miss the event.
func (b *Bus[E]) Publish(topic string, event E) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.stream <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus[E]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close unregisters every handler.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.stream) })
		}
		delete(b.subscribers, topic)
	}
}

func (b *Bus[E]) unregister(sub *subscriber[E]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subscribers[sub.topic]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, sub.topic)
		}
	}
	sub.once.Do(func() { close(sub.stream) })
}
