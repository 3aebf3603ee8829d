package timeline

import (
	"context"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

// Watch streams committed changes until ctx ends or the returned func is
// called. A non-nil key narrows the stream to that item's changes plus
// whole-feed replacements. Delivery never blocks the state; a slow watcher
// misses changes and should re-read Items.
func (s *State) Watch(ctx context.Context, key *feed.ItemKey) (<-chan Change, func()) {
	w := &watcher{stream: make(chan Change, s.buffer), done: make(chan struct{})}
	if key != nil {
		narrowed := *key
		w.key = &narrowed
	}
	s.watchMu.Lock()
	s.nextID++
	w.id = s.nextID
	s.watchers[w.id] = w
	s.watchMu.Unlock()

	cleanup := func() {
		s.watchMu.Lock()
		if _, ok := s.watchers[w.id]; ok {
			delete(s.watchers, w.id)
			close(w.stream)
			close(w.done)
		}
		s.watchMu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-w.done:
		}
	}()
	return w.stream, cleanup
}

func (s *State) publish(change Change) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for _, w := range s.watchers {
		if w.key != nil && change.Op != ChangeReplaced && change.Key != *w.key {
			continue
		}
		select {
		case w.stream <- change:
		default:
		}
	}
}
