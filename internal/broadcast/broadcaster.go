package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TopicMutation carries confirmed mutation outcomes.
const TopicMutation = "feed.mutation"

// EventType names the confirmed mutation.
type EventType string

const (
	EventLike   EventType = "like"
	EventSave   EventType = "save"
	EventFollow EventType = "follow"
	EventDelete EventType = "delete"
)

var errMissingBus = errors.New("event bus is required")

// Event is the outcome of a confirmed mutation.
type Event struct {
	ID       string            `json:"id"`
	Origin   string            `json:"origin"`
	ViewerID string            `json:"viewerId"`
	Type     EventType         `json:"type"`
	Kind     feed.Kind         `json:"kind,omitempty"`
	ItemID   string            `json:"itemId,omitempty"`
	AuthorID string            `json:"authorId,omitempty"`
	Counts   *feed.Interaction `json:"counts,omitempty"`
	Follow   feed.FollowStatus `json:"follow,omitempty"`
	At       time.Time         `json:"at"`
}

// Key returns the affected item key; zero for follow events.
func (e Event) Key() feed.ItemKey {
	return feed.ItemKey{Kind: e.Kind, ID: e.ItemID}
}

// RemotePublisher delivers events to the viewer's other sessions.
type RemotePublisher interface {
	PublishMutation(ctx context.Context, event Event) error
}

// Config wires a Broadcaster.
type Config struct {
	Bus *Bus[Event]
	// Remote is optional; without it BroadcastRemote only fans out locally.
	Remote RemotePublisher
	// Origin identifies the owning session in published events.
	Origin string
	Logger *zap.Logger
	Clock  func() time.Time
}

// Broadcaster is the Cross-Surface Broadcaster. Delivery is best-effort.
type Broadcaster struct {
	bus    *Bus[Event]
	remote RemotePublisher
	origin string
	logger *zap.Logger
	clock  func() time.Time
}

// New constructs a Broadcaster.
func New(cfg Config) (*Broadcaster, error) {
	if cfg.Bus == nil {
		return nil, feed.NewServiceError("broadcast.new", "missing_bus", errMissingBus)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Broadcaster{
		bus:    cfg.Bus,
		remote: cfg.Remote,
		origin: origin,
		logger: logger.Named("broadcast"),
		clock:  clock,
	}, nil
}

// Origin returns the session identifier stamped on events.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// BroadcastLocal fans event out to this session's surfaces.
func (b *Broadcaster) BroadcastLocal(event Event) Event {
	event = b.stamp(event)
	b.bus.Publish(TopicMutation, event)
	return event
}

// BroadcastRemote fans event out locally and publishes it to the viewer's
// other sessions. Remote failures are logged, never returned.
func (b *Broadcaster) BroadcastRemote(ctx context.Context, event Event) Event {
	event = b.BroadcastLocal(event)
	if b.remote == nil {
		return event
	}
	if err := b.remote.PublishMutation(ctx, event); err != nil {
		b.logger.Warn("remote broadcast failed",
			zap.String("viewer_id", event.ViewerID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
	return event
}

func (b *Broadcaster) stamp(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}
	if event.At.IsZero() {
		event.At = b.clock().UTC()
	}
	return event
}
