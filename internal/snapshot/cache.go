// Package snapshot persists per-viewer feed snapshots for instant paint on
// mount, with a fixed staleness window.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"go.uber.org/zap"
)

// StalenessWindow is the age after which a snapshot is no longer
// authoritative. A stale snapshot may still be painted but must be refreshed.
const StalenessWindow = 5 * time.Minute

const (
	keyPrefix       = "feedsync:snapshot:"
	encodingVersion = 1
	opNew           = "snapshot.new"
)

var errMissingStore = errors.New("key-value store is required")

// Store is the local persistent key-value interface. It offers no
// transactional guarantees across keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Position is the pagination state saved alongside the items.
type Position struct {
	Cursor  feed.Cursor
	HasMore bool
}

// Snapshot is a cached feed for one viewer.
type Snapshot struct {
	Items      []feed.FeedItem
	CapturedAt time.Time
	Position   Position
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Stale reports whether the snapshot is older than StalenessWindow at now.
func (s Snapshot) Stale(now time.Time) bool {
	return s.Age(now) > StalenessWindow
}

// Config wires a Cache.
type Config struct {
	Store  Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Cache is the Local Snapshot Cache. Reads never fail: absent, unreadable
// or malformed snapshots are reported as a miss.
type Cache struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, feed.NewServiceError(opNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: cfg.Store, clock: clock, logger: logger.Named("snapshot")}, nil
}

// Get returns the viewer's snapshot, or false on miss.
func (c *Cache) Get(ctx context.Context, viewer feed.ViewerID) (Snapshot, bool) {
	raw, found, err := c.store.Get(ctx, storageKey(viewer))
	if err != nil {
		c.logger.Warn("snapshot read failed, treating as miss",
			zap.String("viewer_id", viewer.String()),
			zap.Error(err))
		return Snapshot{}, false
	}
	if !found {
		return Snapshot{}, false
	}
	snapshot, err := decode(raw)
	if err != nil {
		c.logger.Warn("snapshot corrupted, treating as miss",
			zap.String("viewer_id", viewer.String()),
			zap.Error(err))
		if removeErr := c.store.Remove(ctx, storageKey(viewer)); removeErr != nil {
			c.logger.Debug("corrupted snapshot removal failed", zap.Error(removeErr))
		}
		return Snapshot{}, false
	}
	return snapshot, true
}

// Put overwrites the viewer's snapshot, stamping it with the current time.
func (c *Cache) Put(ctx context.Context, viewer feed.ViewerID, items []feed.FeedItem, position Position) error {
	return c.write(ctx, viewer, Snapshot{
		Items:      items,
		CapturedAt: c.clock().UTC(),
		Position:   position,
	})
}

// AppendPage adds a page to the existing snapshot without touching its
// capture time. Items already present are skipped and the result is kept
// in feed order. Without a base snapshot
// there is nothing to extend and the call is a no-op.
func (c *Cache) AppendPage(ctx context.Context, viewer feed.ViewerID, items []feed.FeedItem, position Position) error {
	base, found := c.Get(ctx, viewer)
	if !found {
		return nil
	}
	present := make(map[feed.ItemKey]struct{}, len(base.Items))
	for _, item := range base.Items {
		present[item.Key()] = struct{}{}
	}
	for _, item := range items {
		if _, dup := present[item.Key()]; dup {
			continue
		}
		present[item.Key()] = struct{}{}
		base.Items = append(base.Items, item)
	}
	feed.SortItems(base.Items)
	base.Position = position
	return c.write(ctx, viewer, base)
}

// Rewrite replaces the snapshot's items and position after a confirmed
// local change, keeping its capture time. It is a no-op without a base
// snapshot.
func (c *Cache) Rewrite(ctx context.Context, viewer feed.ViewerID, items []feed.FeedItem, position Position) error {
	base, found := c.Get(ctx, viewer)
	if !found {
		return nil
	}
	base.Items = items
	base.Position = position
	return c.write(ctx, viewer, base)
}

// Invalidate drops the snapshot and with it the saved pagination state.
func (c *Cache) Invalidate(ctx context.Context, viewer feed.ViewerID) error {
	return c.store.Remove(ctx, storageKey(viewer))
}

// Age returns how old the viewer's snapshot is; false when there is none.
func (c *Cache) Age(ctx context.Context, viewer feed.ViewerID) (time.Duration, bool) {
	snapshot, found := c.Get(ctx, viewer)
	if !found {
		return 0, false
	}
	return snapshot.Age(c.clock()), true
}

// Stale reports whether snapshot is stale right now.
func (c *Cache) Stale(snapshot Snapshot) bool {
	return snapshot.Stale(c.clock())
}

func (c *Cache) write(ctx context.Context, viewer feed.ViewerID, snapshot Snapshot) error {
	raw, err := encode(snapshot)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, storageKey(viewer), raw)
}

func storageKey(viewer feed.ViewerID) string {
	return keyPrefix + viewer.String()
}
