// Package session binds one viewer's feed together: the timeline state,
// the realtime reconciler, the optimistic executors and the broadcaster.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/assembler"
	"github.com/MarcoPoloResearchLab/feedsync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/feedsync/internal/notify"
	"github.com/MarcoPoloResearchLab/feedsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/feedsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/feedsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/feedsync/internal/timeline"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opNew      = "session.new"
	opMount    = "session.mount"
	opLoadMore = "session.load_more"
	opRefresh  = "session.refresh"
	opFollow   = "session.follow"
	opDelete   = "session.delete"
)

var (
	// ErrClosed reports an operation on a session that has been closed.
	ErrClosed = errors.New("session closed")
	// ErrSuperseded reports a page discarded because a newer refresh
	// replaced the feed while it was loading.
	ErrSuperseded = errors.New("page superseded by a newer refresh")
	// ErrSelfFollow rejects following one's own account.
	ErrSelfFollow = errors.New("cannot follow yourself")

	errMissingViewer    = errors.New("viewer is required")
	errMissingAssembler = errors.New("feed assembler is required")
	errMissingGateway   = errors.New("content gateway is required")
	errMissingStore     = errors.New("content store is required")
	errMissingGraph     = errors.New("social graph is required")
	errMissingCache     = errors.New("snapshot cache is required")
)

// Config wires a Session. Notifier and Remote are optional.
type Config struct {
	Viewer    feed.ViewerID
	Assembler *assembler.Assembler
	Gateway   *gateway.Gateway
	Store     feed.ContentStore
	Graph     feed.SocialGraph
	Cache     *snapshot.Cache
	Notifier  *notify.Dispatcher
	Remote    broadcast.RemotePublisher
	// BackOff paces push resubscription; the reconciler default applies
	// when nil.
	BackOff func() backoff.BackOff
	Clock   func() time.Time
	Logger  *zap.Logger
}

// LikeState is the like slice of an item's interaction fields.
type LikeState struct {
	Count int64 `json:"likeCount"`
	Liked bool  `json:"viewerHasLiked"`
}

type presence struct {
	item    feed.FeedItem
	present bool
}

// MountResult describes how the paint was produced. Resumed reports a
// mount of a session whose live state was already painted; that state is
// kept current by the reconciler and shown as is.
type MountResult struct {
	Resumed        bool
	FromCache      bool
	Stale          bool
	RefreshPending bool
	Age            time.Duration
	Status         feed.PageStatus
	FailedKinds    []feed.Kind
}

// PageResult describes one fetched page.
type PageResult struct {
	// Items holds the items the page committed: the whole feed for a
	// refresh, only the new items for load-more.
	Items       []feed.FeedItem
	Status      feed.PageStatus
	FailedKinds []feed.Kind
	HasMore     bool
}

// Session is one viewer's live feed. It is safe for concurrent use.
type Session struct {
	id          string
	viewer      feed.ViewerID
	assembler   *assembler.Assembler
	store       feed.ContentStore
	graph       feed.SocialGraph
	cache       *snapshot.Cache
	notifier    *notify.Dispatcher
	state       *timeline.State
	bus         *broadcast.Bus[broadcast.Event]
	broadcaster *broadcast.Broadcaster
	reconciler  *realtime.Reconciler
	likes       *optimistic.Executor[LikeState]
	saves       *optimistic.Executor[bool]
	follows     *optimistic.Executor[feed.FollowStatus]
	deletes     *optimistic.Executor[presence]
	clock       func() time.Time
	logger      *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	generation atomic.Uint64
	painted    atomic.Bool
	loadMu     sync.Mutex
	background sync.WaitGroup
	running    sync.WaitGroup
	closeOnce  sync.Once
}

// New validates cfg, constructs the session and starts its push
// subscription. Close releases it.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Viewer == "":
		return nil, feed.NewServiceError(opNew, "missing_viewer", errMissingViewer)
	case cfg.Assembler == nil:
		return nil, feed.NewServiceError(opNew, "missing_assembler", errMissingAssembler)
	case cfg.Gateway == nil:
		return nil, feed.NewServiceError(opNew, "missing_gateway", errMissingGateway)
	case cfg.Store == nil:
		return nil, feed.NewServiceError(opNew, "missing_store", errMissingStore)
	case cfg.Graph == nil:
		return nil, feed.NewServiceError(opNew, "missing_graph", errMissingGraph)
	case cfg.Cache == nil:
		return nil, feed.NewServiceError(opNew, "missing_cache", errMissingCache)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	id := uuid.NewString()
	logger := baseLogger.Named("session").With(
		zap.String("viewer_id", cfg.Viewer.String()),
		zap.String("session_id", id))

	state := timeline.New()
	bus := broadcast.NewBus[broadcast.Event]()
	broadcaster, err := broadcast.New(broadcast.Config{
		Bus:    bus,
		Remote: cfg.Remote,
		Origin: id,
		Logger: baseLogger,
		Clock:  clock,
	})
	if err != nil {
		return nil, err
	}
	var pacing backoff.BackOff
	if cfg.BackOff != nil {
		pacing = cfg.BackOff()
	}
	reconciler, err := realtime.New(realtime.Config{
		Viewer:  cfg.Viewer,
		Store:   cfg.Store,
		Source:  cfg.Gateway,
		State:   state,
		Kinds:   cfg.Assembler.Kinds(),
		BackOff: pacing,
		Logger:  baseLogger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	executorConfig := optimistic.Config{Logger: logger}
	s := &Session{
		id:          id,
		viewer:      cfg.Viewer,
		assembler:   cfg.Assembler,
		store:       cfg.Store,
		graph:       cfg.Graph,
		cache:       cfg.Cache,
		notifier:    cfg.Notifier,
		state:       state,
		bus:         bus,
		broadcaster: broadcaster,
		reconciler:  reconciler,
		likes:       optimistic.New[LikeState](executorConfig),
		saves:       optimistic.New[bool](executorConfig),
		follows:     optimistic.New[feed.FollowStatus](executorConfig),
		deletes:     optimistic.New[presence](executorConfig),
		clock:       clock,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		_ = s.reconciler.Run(ctx)
	}()
	return s, nil
}

// ID identifies the session; it is stamped as the origin of broadcasts.
func (s *Session) ID() string {
	return s.id
}

// Viewer returns the session's viewer.
func (s *Session) Viewer() feed.ViewerID {
	return s.viewer
}

// Items returns a copy of the displayed feed.
func (s *Session) Items() []feed.FeedItem {
	return s.state.Items()
}

// Item returns one displayed item.
func (s *Session) Item(key feed.ItemKey) (feed.FeedItem, bool) {
	return s.state.Item(key)
}

// Position returns the pagination state of the displayed feed.
func (s *Session) Position() timeline.Position {
	return s.state.Position()
}

// FollowStatus returns the displayed follow status toward authorID.
func (s *Session) FollowStatus(authorID string) feed.FollowStatus {
	status, _ := s.state.FollowStatus(authorID)
	return status
}

// Watch streams timeline changes; see timeline.State.Watch.
func (s *Session) Watch(ctx context.Context, key *feed.ItemKey) (<-chan timeline.Change, func()) {
	return s.state.Watch(ctx, key)
}

// Subscribe registers handler for confirmed mutation events of this session.
func (s *Session) Subscribe(handler func(broadcast.Event)) *broadcast.Subscription {
	return s.bus.Subscribe(broadcast.TopicMutation, handler)
}

// Reconciler exposes the session's reconciler for direct event delivery.
func (s *Session) Reconciler() *realtime.Reconciler {
	return s.reconciler
}

// Live reports whether the session still accepts results.
func (s *Session) Live() bool {
	return s.ctx.Err() == nil
}

// Close stops the push subscription and drops every result still in
// flight. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.running.Wait()
		s.background.Wait()
		s.bus.Close()
	})
}

// WaitBackground blocks until background refreshes have finished.
func (s *Session) WaitBackground() {
	s.background.Wait()
}

// Mount paints the feed: from the local snapshot when one exists, from the
// assembler otherwise. A snapshot is painted first and refreshed in the
// background whether or not it is stale. Once painted, the live state is
// authoritative and later mounts resume it.
func (s *Session) Mount(ctx context.Context) (MountResult, error) {
	if !s.Live() {
		return MountResult{}, feed.NewServiceError(opMount, "closed", ErrClosed)
	}
	if s.painted.Load() {
		s.logger.Debug("feed resumed from live state")
		return MountResult{Resumed: true}, nil
	}
	if cached, found := s.cache.Get(ctx, s.viewer); found {
		generation := s.generation.Add(1)
		s.state.Replace(cached.Items, timeline.Position(cached.Position))
		s.painted.Store(true)
		mark := s.state.Mark()
		result := MountResult{
			FromCache:      true,
			Stale:          s.cache.Stale(cached),
			RefreshPending: true,
			Age:            cached.Age(s.clock()),
		}
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.refreshInBackground(generation, mark)
		}()
		s.logger.Debug("feed painted from snapshot",
			zap.Bool("stale", result.Stale),
			zap.Duration("age", result.Age))
		return result, nil
	}

	generation := s.generation.Add(1)
	mark := s.state.Mark()
	page, err := s.assembler.Page(ctx, s.viewer, feed.Cursor{})
	if err != nil {
		return MountResult{}, err
	}
	committed, err := s.commitHead(ctx, generation, mark, page)
	if err != nil {
		return MountResult{}, feed.NewServiceError(opMount, reasonFor(err), err)
	}
	return MountResult{Status: committed.Status, FailedKinds: committed.FailedKinds}, nil
}

// Refresh drops the snapshot and refetches the head of the feed. Loads
// still in flight are discarded.
func (s *Session) Refresh(ctx context.Context) (PageResult, error) {
	if !s.Live() {
		return PageResult{}, feed.NewServiceError(opRefresh, "closed", ErrClosed)
	}
	generation := s.generation.Add(1)
	if err := s.cache.Invalidate(ctx, s.viewer); err != nil {
		s.logger.Warn("snapshot invalidation failed", zap.Error(err))
	}
	mark := s.state.Mark()
	page, err := s.assembler.Page(ctx, s.viewer, feed.Cursor{})
	if err != nil {
		return PageResult{}, err
	}
	committed, err := s.commitHead(ctx, generation, mark, page)
	if err != nil {
		return PageResult{}, feed.NewServiceError(opRefresh, reasonFor(err), err)
	}
	return committed, nil
}

// LoadMore fetches the page after the displayed position and appends the
// items not already displayed.
func (s *Session) LoadMore(ctx context.Context) (PageResult, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if !s.Live() {
		return PageResult{}, feed.NewServiceError(opLoadMore, "closed", ErrClosed)
	}
	position := s.state.Position()
	if !position.HasMore {
		return PageResult{Items: []feed.FeedItem{}, Status: feed.PageComplete}, nil
	}
	generation := s.generation.Load()
	page, err := s.assembler.Page(ctx, s.viewer, position.Cursor)
	if err != nil {
		return PageResult{}, err
	}
	if !s.Live() {
		return PageResult{}, feed.NewServiceError(opLoadMore, "closed", ErrClosed)
	}
	if s.generation.Load() != generation {
		return PageResult{}, feed.NewServiceError(opLoadMore, "superseded", ErrSuperseded)
	}
	result := PageResult{Status: page.Status, FailedKinds: page.FailedKinds, HasMore: page.HasMore}
	if page.Status == feed.PageUnavailable {
		result.Items = []feed.FeedItem{}
		result.HasMore = position.HasMore
		return result, nil
	}
	fresh, drifted := assembler.Dedupe(s.state.Items(), page.Items)
	if len(drifted) > 0 {
		s.logger.Debug("dropped items already displayed",
			zap.Int("count", len(drifted)))
	}
	next := timeline.Position{Cursor: page.Cursor, HasMore: page.HasMore}
	result.Items = s.state.Append(fresh, next)
	if err := s.cache.AppendPage(ctx, s.viewer, result.Items, snapshot.Position(next)); err != nil {
		s.logger.Warn("snapshot append failed", zap.Error(err))
	}
	return result, nil
}

func (s *Session) refreshInBackground(generation, mark uint64) {
	page, err := s.assembler.Page(s.ctx, s.viewer, feed.Cursor{})
	if err != nil {
		return
	}
	if _, err := s.commitHead(s.ctx, generation, mark, page); err != nil {
		s.logger.Debug("background refresh discarded", zap.Error(err))
	}
}

// commitHead installs a head page if the session is live and no newer
// mount or refresh started. Pushes committed since mark are merged into the
// page. An unavailable page keeps what is painted.
func (s *Session) commitHead(ctx context.Context, generation, mark uint64, page feed.FeedPage) (PageResult, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if !s.Live() {
		return PageResult{}, ErrClosed
	}
	if s.generation.Load() != generation {
		return PageResult{}, ErrSuperseded
	}
	result := PageResult{Status: page.Status, FailedKinds: page.FailedKinds, HasMore: page.HasMore}
	if page.Status == feed.PageUnavailable {
		result.Items = s.state.Items()
		if s.state.Len() == 0 {
			s.state.Replace(nil, timeline.Position{HasMore: true})
		}
		return result, nil
	}
	position := timeline.Position{Cursor: page.Cursor, HasMore: page.HasMore}
	result.Items = s.state.CommitHead(page.Items, position, mark)
	s.painted.Store(true)
	if err := s.cache.Put(ctx, s.viewer, result.Items, snapshot.Position(position)); err != nil {
		s.logger.Warn("snapshot write failed", zap.Error(err))
	}
	return result, nil
}

// persist rewrites the snapshot after a confirmed local change.
func (s *Session) persist(ctx context.Context) {
	position := s.state.Position()
	if err := s.cache.Rewrite(ctx, s.viewer, s.state.Items(), snapshot.Position(position)); err != nil {
		s.logger.Warn("snapshot rewrite failed", zap.Error(err))
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	default:
		return "failed"
	}
}
