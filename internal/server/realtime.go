package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/session"
	"github.com/MarcoPoloResearchLab/feedsync/internal/timeline"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventReady     = "ready"
	RealtimeEventChange    = "feed-change"
	RealtimeEventMutation  = "mutation"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "feedsync"

	defaultHeartbeatInterval = 20 * time.Second
	realtimeBufferSize       = 16
)

// RealtimeMessage is one server-sent event.
type RealtimeMessage struct {
	EventType string
	Payload   any
}

type changePayload struct {
	Op       timeline.ChangeOp `json:"op"`
	Kind     feed.Kind         `json:"kind,omitempty"`
	ID       string            `json:"id,omitempty"`
	Item     *feed.FeedItem    `json:"item,omitempty"`
	AuthorID string            `json:"authorId,omitempty"`
	Follow   feed.FollowStatus `json:"follow,omitempty"`
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// openRealtimeStream merges the session's timeline changes and confirmed
// mutation events into one stream. Delivery never blocks the session; a
// full stream drops messages and the client re-reads the feed.
func openRealtimeStream(ctx context.Context, s *session.Session) (<-chan RealtimeMessage, func()) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan RealtimeMessage, realtimeBufferSize)
	changes, stopWatch := s.Watch(ctx, nil)

	var once sync.Once
	done := make(chan struct{})
	publish := func(message RealtimeMessage) {
		select {
		case <-done:
		case out <- message:
		default:
		}
	}
	subscription := s.Subscribe(func(event broadcast.Event) {
		publish(RealtimeMessage{EventType: RealtimeEventMutation, Payload: event})
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change, open := <-changes:
				if !open {
					return
				}
				publish(RealtimeMessage{EventType: RealtimeEventChange, Payload: toChangePayload(change)})
			}
		}
	}()

	cleanup := func() {
		once.Do(func() {
			close(done)
			subscription.Unsubscribe()
			stopWatch()
			cancel()
		})
	}
	return out, cleanup
}

func toChangePayload(change timeline.Change) changePayload {
	payload := changePayload{Op: change.Op, Kind: change.Key.Kind, ID: change.Key.ID}
	switch change.Op {
	case timeline.ChangeFollow:
		payload.AuthorID = change.AuthorID
		payload.Follow = change.Follow
	case timeline.ChangeReplaced, timeline.ChangeRemoved:
	default:
		item := change.Item
		payload.Item = &item
	}
	return payload
}

func (h *httpHandler) handleStream(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := openRealtimeStream(ctx, s)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(RealtimeEventReady, gin.H{"sessionId": s.ID()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, message.Payload)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: tick.UTC()})
			return true
		}
	})
}
