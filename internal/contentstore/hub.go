package contentstore

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

const hubBufferSize = 64

// hub fans committed row changes out to push subscribers. Like the
// backend's realtime channel it does not filter by authorization; slow
// subscribers miss events.
type hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*hubSubscriber
	nextID      int64
}

type hubSubscriber struct {
	id     int64
	scope  feed.SubscriptionScope
	stream chan feed.PushEvent
	once   sync.Once
}

func newHub() *hub {
	return &hub{subscribers: make(map[int64]*hubSubscriber)}
}

func (h *hub) subscribe(ctx context.Context, scope feed.SubscriptionScope) (<-chan feed.PushEvent, func()) {
	h.mu.Lock()
	h.nextID++
	subscriber := &hubSubscriber{
		id:     h.nextID,
		scope:  scope,
		stream: make(chan feed.PushEvent, hubBufferSize),
	}
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	cleanup := func() { h.unregister(subscriber) }
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (h *hub) publish(event feed.PushEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subscriber := range h.subscribers {
		if !subscriber.scope.Includes(event.Kind) {
			continue
		}
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// disconnectAll closes every stream, as a dropped connection would.
func (h *hub) disconnectAll() {
	h.mu.Lock()
	subscribers := h.subscribers
	h.subscribers = make(map[int64]*hubSubscriber)
	h.mu.Unlock()
	for _, subscriber := range subscribers {
		subscriber.once.Do(func() { close(subscriber.stream) })
	}
}

func (h *hub) unregister(subscriber *hubSubscriber) {
	h.mu.Lock()
	delete(h.subscribers, subscriber.id)
	h.mu.Unlock()
	subscriber.once.Do(func() { close(subscriber.stream) })
}
