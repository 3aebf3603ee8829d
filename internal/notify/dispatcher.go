// Package notify creates notifications for confirmed social actions.
// Delivery is fire-and-forget: failures are logged, never returned.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Type names a notification.
type Type string

const (
	TypeLike          Type = "like"
	TypeFollow        Type = "follow"
	TypeFollowRequest Type = "follow_request"
)

var errMissingSink = errors.New("notification sink is required")

// Notification is one request to notify RecipientID about ActorID's action.
type Notification struct {
	Type        Type
	RecipientID string
	ActorID     string
	// Content references the item acted on; nil for follows.
	Content *feed.ItemKey
}

// Sink persists notifications.
type Sink interface {
	Create(ctx context.Context, notification Notification) error
}

// Config wires a Dispatcher.
type Config struct {
	Sink    Sink
	Timeout time.Duration
	Logger  *zap.Logger
}

// Dispatcher is the Notification Side-Effect Dispatcher.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Sink == nil {
		return nil, feed.NewServiceError("notify.new", "missing_sink", errMissingSink)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sink: cfg.Sink, timeout: timeout, logger: logger.Named("notify")}, nil
}

// Dispatch hands notification to the sink in the background. It reports
// false when nothing was sent because actor and recipient are the same
// identity or the notification is incomplete.
func (d *Dispatcher) Dispatch(notification Notification) bool {
	if notification.RecipientID == "" || notification.ActorID == "" || notification.Type == "" {
		return false
	}
	if notification.RecipientID == notification.ActorID {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sink.Create(ctx, notification); err != nil {
			d.logger.Error("notification dispatch failed",
				zap.String("type", string(notification.Type)),
				zap.String("recipient_id", notification.RecipientID),
				zap.String("actor_id", notification.ActorID),
				zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until every dispatched notification has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
