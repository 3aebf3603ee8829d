// Package feedtest provides in-memory implementations of the feed
// collaborator ports with failure injection, for tests.
package feedtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

type storedItem struct {
	record   feed.Record
	likes    map[string]struct{}
	saves    map[string]struct{}
	comments int64
}

// Store is an in-memory feed.ContentStore.
type Store struct {
	mu          sync.Mutex
	items       map[feed.ItemKey]*storedItem
	private     map[string]bool
	failKinds   map[feed.Kind]error
	failCounts  error
	failWrites  error
	failLookups error
	failDeletes error
	subscribers map[int]chan feed.PushEvent
	nextSubID   int
	queryCalls  int
	countCalls  int

	// BeforeWrite runs before every Write outside the store lock; a non-nil
	// error fails the write.
	BeforeWrite func(ctx context.Context, key feed.ItemKey, mutation feed.Mutation) error
	// QueryHook runs inside QueryPage; a non-nil error fails the query.
	QueryHook func(kind feed.Kind, filter feed.Filter) error
	// BeforeCount runs before every QueryCount outside the store lock.
	BeforeCount func(ctx context.Context, key feed.ItemKey, counter feed.Counter) error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		items:       make(map[feed.ItemKey]*storedItem),
		private:     make(map[string]bool),
		failKinds:   make(map[feed.Kind]error),
		subscribers: make(map[int]chan feed.PushEvent),
	}
}

// Add stores records without emitting push events.
func (s *Store) Add(records ...feed.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		key := feed.ItemKey{Kind: record.Kind, ID: record.ID}
		item := &storedItem{
			record: record,
			likes:  make(map[string]struct{}),
			saves:  make(map[string]struct{}),
		}
		item.comments = record.CommentCount
		for i := int64(0); i < record.LikeCount; i++ {
			item.likes[fmt.Sprintf("seed-liker-%d", i)] = struct{}{}
		}
		s.items[key] = item
	}
}

// Remove deletes an item without emitting push events.
func (s *Store) Remove(key feed.ItemKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// SetPrivate marks an author's account private for store-side gating.
func (s *Store) SetPrivate(authorID string, private bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private[authorID] = private
}

// SetLikes replaces the set of likers of an item.
func (s *Store) SetLikes(key feed.ItemKey, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return
	}
	item.likes = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		item.likes[id] = struct{}{}
	}
}

// SetComments replaces the comment count of an item.
func (s *Store) SetComments(key feed.ItemKey, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[key]; ok {
		item.comments = count
	}
}

// FailKind makes QueryPage fail for kind; nil clears the failure.
func (s *Store) FailKind(kind feed.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failKinds, kind)
		return
	}
	s.failKinds[kind] = err
}

// FailWrites makes Write fail; nil clears the failure.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// FailLookups makes Lookup fail; nil clears the failure.
func (s *Store) FailLookups(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLookups = err
}

// FailCounts makes QueryCount fail; nil clears the failure.
func (s *Store) FailCounts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCounts = err
}

// FailDeletes makes Delete fail; nil clears the failure.
func (s *Store) FailDeletes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = err
}

// QueryCalls returns how many QueryPage calls were served.
func (s *Store) QueryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalls
}

// CountCalls returns how many QueryCount calls were served.
func (s *Store) CountCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countCalls
}

// QueryPage implements feed.ContentStore.
func (s *Store) QueryPage(ctx context.Context, kind feed.Kind, filter feed.Filter, before feed.Cursor, limit int) ([]feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCalls++
	if err := s.failKinds[kind]; err != nil {
		return nil, err
	}
	if s.QueryHook != nil {
		if err := s.QueryHook(kind, filter); err != nil {
			return nil, err
		}
	}
	authors := toSet(filter.AuthorIDs)
	privateAllowed := toSet(filter.PrivateAllowed)

	matched := make([]feed.FeedItem, 0)
	records := make(map[feed.ItemKey]feed.Record)
	for key, item := range s.items {
		if key.Kind != kind {
			continue
		}
		author := item.record.AuthorID
		if _, ok := authors[author]; !ok {
			continue
		}
		if s.private[author] {
			if _, ok := privateAllowed[author]; !ok {
				continue
			}
		}
		candidate := feed.FeedItem{ID: key.ID, Kind: key.Kind, CreatedAt: item.record.CreatedAt}
		if !before.Admits(candidate) {
			continue
		}
		matched = append(matched, candidate)
		records[key] = s.viewRecord(item, filter.ViewerID)
	}
	feed.SortItems(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]feed.Record, 0, len(matched))
	for _, candidate := range matched {
		out = append(out, records[candidate.Key()])
	}
	return out, nil
}

// QueryCount implements feed.ContentStore.
func (s *Store) QueryCount(ctx context.Context, kind feed.Kind, itemID string, counter feed.Counter) (int64, error) {
	key := feed.ItemKey{Kind: kind, ID: itemID}
	if s.BeforeCount != nil {
		if err := s.BeforeCount(ctx, key, counter); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	if s.failCounts != nil {
		return 0, s.failCounts
	}
	item, ok := s.items[key]
	if !ok {
		return 0, feed.ErrNotFound
	}
	switch counter {
	case feed.CounterLikes:
		return int64(len(item.likes)), nil
	case feed.CounterComments:
		return item.comments, nil
	default:
		return 0, fmt.Errorf("unknown counter %q", counter)
	}
}

// Write implements feed.ContentStore.
func (s *Store) Write(ctx context.Context, kind feed.Kind, itemID string, mutation feed.Mutation) (feed.Record, error) {
	key := feed.ItemKey{Kind: kind, ID: itemID}
	if s.BeforeWrite != nil {
		if err := s.BeforeWrite(ctx, key, mutation); err != nil {
			return feed.Record{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return feed.Record{}, s.failWrites
	}
	item, ok := s.items[key]
	if !ok {
		return feed.Record{}, feed.ErrNotFound
	}
	switch mutation.Type {
	case feed.MutationLike:
		item.likes[mutation.ActorID] = struct{}{}
	case feed.MutationUnlike:
		delete(item.likes, mutation.ActorID)
	case feed.MutationSave:
		item.saves[mutation.ActorID] = struct{}{}
	case feed.MutationUnsave:
		delete(item.saves, mutation.ActorID)
	default:
		return feed.Record{}, fmt.Errorf("unknown mutation %q", mutation.Type)
	}
	return s.viewRecord(item, mutation.ActorID), nil
}

// Lookup implements feed.ContentStore.
func (s *Store) Lookup(ctx context.Context, kind feed.Kind, itemID string, viewerID string) (feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return feed.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLookups != nil {
		return feed.Record{}, s.failLookups
	}
	item, ok := s.items[feed.ItemKey{Kind: kind, ID: itemID}]
	if !ok {
		return feed.Record{}, feed.ErrNotFound
	}
	return s.viewRecord(item, viewerID), nil
}

// Delete implements feed.ContentStore.
func (s *Store) Delete(ctx context.Context, kind feed.Kind, itemID string, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes != nil {
		return s.failDeletes
	}
	key := feed.ItemKey{Kind: kind, ID: itemID}
	item, ok := s.items[key]
	if !ok {
		return feed.ErrNotFound
	}
	if item.record.AuthorID != actorID {
		return feed.ErrForbidden
	}
	delete(s.items, key)
	return nil
}

// Subscribe implements feed.ContentStore.
func (s *Store) Subscribe(ctx context.Context, scope feed.SubscriptionScope) (<-chan feed.PushEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	stream := make(chan feed.PushEvent, 64)
	s.subscribers[id] = stream
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if ch, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(ch)
			}
		})
	}
	go func() {
		<-ctx.Done()
		release()
	}()
	return stream, release, nil
}

// Subscribers returns the number of open push subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Emit delivers a push event to every open subscription.
func (s *Store) Emit(event feed.PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range s.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}

// Disconnect closes every open push subscription, as a dropped channel would.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stream := range s.subscribers {
		delete(s.subscribers, id)
		close(stream)
	}
}

func (s *Store) viewRecord(item *storedItem, viewerID string) feed.Record {
	record := item.record
	record.ImageURLs = append([]string(nil), item.record.ImageURLs...)
	record.LikeCount = int64(len(item.likes))
	record.CommentCount = item.comments
	_, record.ViewerHasLiked = item.likes[viewerID]
	_, record.ViewerHasSaved = item.saves[viewerID]
	return record
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// SortedKeys returns the keys of items in feed order, for assertions.
func SortedKeys(items []feed.FeedItem) []feed.ItemKey {
	copied := append([]feed.FeedItem(nil), items...)
	feed.SortItems(copied)
	keys := make([]feed.ItemKey, len(copied))
	for i, item := range copied {
		keys[i] = item.Key()
	}
	return keys
}

// Keys returns the keys of items in their given order.
func Keys(items []feed.FeedItem) []feed.ItemKey {
	keys := make([]feed.ItemKey, len(items))
	for i, item := range items {
		keys[i] = item.Key()
	}
	return keys
}
