package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/kvstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type memoryStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	readErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string][]byte)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, false, s.readErr
	}
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sampleItems() []feed.FeedItem {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []feed.FeedItem{
		{ID: "p1", Kind: feed.KindPost, AuthorID: "u1", CreatedAt: base, Post: &feed.PostMedia{ImageURLs: []string{"a.jpg"}}},
		{ID: "v1", Kind: feed.KindShortVideo, AuthorID: "u2", CreatedAt: base.Add(-time.Minute), Video: &feed.VideoMedia{VideoURL: "v.mp4"},
			Interaction: feed.Interaction{LikeCount: 3, ViewerHasLiked: true}},
	}
}

func newTestCache(t *testing.T, store Store, clock *testClock, logger *zap.Logger) *Cache {
	t.Helper()
	cache, err := New(Config{Store: store, Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return cache
}

func TestCacheStalenessWindow(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, newMemoryStore(), clock, nil)
	ctx := context.Background()

	if err := cache.Put(ctx, "u1", sampleItems(), Position{HasMore: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	clock.Advance(4 * time.Minute)
	snapshot, found := cache.Get(ctx, "u1")
	if !found {
		t.Fatalf("expected snapshot")
	}
	if cache.Stale(snapshot) {
		t.Fatalf("a four minute old snapshot should be fresh")
	}

	clock.Advance(2 * time.Minute)
	snapshot, found = cache.Get(ctx, "u1")
	if !found {
		t.Fatalf("a stale snapshot is still returned for instant paint")
	}
	if !cache.Stale(snapshot) {
		t.Fatalf("a six minute old snapshot should be stale")
	}
	age, found := cache.Age(ctx, "u1")
	if !found || age != 6*time.Minute {
		t.Fatalf("unexpected age %v", age)
	}
	if len(snapshot.Items) != 2 || snapshot.Items[1].LikeCount != 3 || !snapshot.Items[1].ViewerHasLiked {
		t.Fatalf("items did not survive the round trip: %#v", snapshot.Items)
	}
}

func TestCacheIsKeyedPerViewer(t *testing.T) {
	clock := &testClock{now: time.Now()}
	cache := newTestCache(t, newMemoryStore(), clock, nil)
	ctx := context.Background()
	if err := cache.Put(ctx, "u1", sampleItems(), Position{}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, found := cache.Get(ctx, "u2"); found {
		t.Fatalf("snapshots must never be shared across viewers")
	}
}

func TestCacheTreatsCorruptionAsMiss(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not-json", raw: "{{{"},
		{name: "wrong-version", raw: `{"version":99,"capturedAt":"2024-03-01T12:00:00Z","items":[]}`},
		{name: "missing-capture", raw: `{"version":1,"items":[]}`},
		{name: "bad-kind", raw: `{"version":1,"capturedAt":"2024-03-01T12:00:00Z","items":[{"id":"1","kind":"reel","createdAt":"2024-03-01T12:00:00Z"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			store.values[storageKey("u1")] = []byte(tt.raw)
			core, logs := observer.New(zapcore.WarnLevel)
			cache := newTestCache(t, store, &testClock{now: time.Now()}, zap.New(core))

			if _, found := cache.Get(context.Background(), "u1"); found {
				t.Fatalf("corrupted snapshot must be a miss")
			}
			if logs.FilterMessage("snapshot corrupted, treating as miss").Len() != 1 {
				t.Fatalf("expected corruption to be logged")
			}
			if _, still := store.values[storageKey("u1")]; still {
				t.Fatalf("corrupted snapshot should be removed")
			}
		})
	}
}

func TestCacheTreatsReadFailureAsMiss(t *testing.T) {
	store := newMemoryStore()
	store.readErr = errors.New("disk unavailable")
	cache := newTestCache(t, store, &testClock{now: time.Now()}, nil)
	if _, found := cache.Get(context.Background(), "u1"); found {
		t.Fatalf("read failure must be a miss")
	}
	if _, found := cache.Age(context.Background(), "u1"); found {
		t.Fatalf("age of an unreadable snapshot must be unknown")
	}
}

func TestAppendPageKeepsCaptureTime(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, newMemoryStore(), clock, nil)
	ctx := context.Background()
	items := sampleItems()
	if err := cache.Put(ctx, "u1", items[:1], Position{HasMore: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	capturedAt := clock.Now()

	clock.Advance(time.Minute)
	cursor := feed.CursorAfter(items[1])
	if err := cache.AppendPage(ctx, "u1", items, Position{Cursor: cursor, HasMore: false}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	snapshot, found := cache.Get(ctx, "u1")
	if !found {
		t.Fatalf("expected snapshot")
	}
	if !snapshot.CapturedAt.Equal(capturedAt) {
		t.Fatalf("append must not change capture time, got %v", snapshot.CapturedAt)
	}
	if len(snapshot.Items) != 2 {
		t.Fatalf("expected duplicate item to be skipped, got %d items", len(snapshot.Items))
	}
	got := snapshot.Position.Cursor
	if !got.CreatedAt.Equal(cursor.CreatedAt) || got.Kind != cursor.Kind || got.ID != cursor.ID || snapshot.Position.HasMore {
		t.Fatalf("unexpected position %#v", snapshot.Position)
	}
}

func TestAppendPageKeepsFeedOrder(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, newMemoryStore(), clock, nil)
	ctx := context.Background()
	items := sampleItems()
	if err := cache.Put(ctx, "u1", items[1:], Position{HasMore: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := cache.AppendPage(ctx, "u1", items[:1], Position{}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	snapshot, _ := cache.Get(ctx, "u1")
	if len(snapshot.Items) != 2 || snapshot.Items[0].ID != "p1" || snapshot.Items[1].ID != "v1" {
		t.Fatalf("expected the snapshot in feed order, got %+v", snapshot.Items)
	}
}

func TestAppendPageWithoutBaseIsNoop(t *testing.T) {
	store := newMemoryStore()
	cache := newTestCache(t, store, &testClock{now: time.Now()}, nil)
	if err := cache.AppendPage(context.Background(), "u1", sampleItems(), Position{}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if len(store.values) != 0 {
		t.Fatalf("append without a base snapshot should not create one")
	}
}

func TestInvalidateClearsSnapshotAndPosition(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&kvstore.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := kvstore.NewSQLStore(db, nil)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	cache := newTestCache(t, store, &testClock{now: time.Now()}, nil)
	ctx := context.Background()

	items := sampleItems()
	if err := cache.Put(ctx, "u1", items, Position{Cursor: feed.CursorAfter(items[1]), HasMore: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, found := cache.Get(ctx, "u1"); !found {
		t.Fatalf("expected persisted snapshot")
	}
	if err := cache.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, found := cache.Get(ctx, "u1"); found {
		t.Fatalf("expected snapshot to be cleared")
	}
}

func TestRewriteKeepsCaptureTime(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, newMemoryStore(), clock, nil)
	ctx := context.Background()

	if err := cache.Rewrite(ctx, "u1", sampleItems(), Position{}); err != nil {
		t.Fatalf("rewrite without base failed: %v", err)
	}
	if _, found := cache.Get(ctx, "u1"); found {
		t.Fatalf("expected rewrite without base to be a no-op")
	}

	if err := cache.Put(ctx, "u1", sampleItems(), Position{HasMore: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	captured := clock.Now()
	clock.Advance(3 * time.Minute)
	if err := cache.Rewrite(ctx, "u1", sampleItems()[:1], Position{}); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	snapshot, found := cache.Get(ctx, "u1")
	if !found || len(snapshot.Items) != 1 || snapshot.Position.HasMore {
		t.Fatalf("unexpected snapshot after rewrite %+v", snapshot)
	}
	if !snapshot.CapturedAt.Equal(captured) {
		t.Fatalf("expected capture time %v to be kept, got %v", captured, snapshot.CapturedAt)
	}
}
