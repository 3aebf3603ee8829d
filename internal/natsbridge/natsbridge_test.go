package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/feedsync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	published []*nats.Msg
	handlers  map[string]nats.MsgHandler
	err       error
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeConn) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.handlers == nil {
		c.handlers = make(map[string]nats.MsgHandler)
	}
	c.handlers[subject] = handler
	return nil, nil
}

func TestSubjectEscapesViewer(t *testing.T) {
	if got := Subject("a.b*c"); got != "feedsync.viewer.a_b_c.mutations" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestPublisherAndListenerRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	publisher, err := NewPublisher(conn, nil)
	if err != nil {
		t.Fatalf("failed to construct publisher: %v", err)
	}
	var received []broadcast.Event
	listener := NewListener("u1", "session-b", func(_ context.Context, event broadcast.Event) {
		received = append(received, event)
	}, nil)
	if _, err := listener.Listen(conn); err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	event := broadcast.Event{ID: "e1", Origin: "session-a", ViewerID: "u1", Type: broadcast.EventLike, Kind: feed.KindPost, ItemID: "42"}
	if err := publisher.PublishMutation(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(conn.published) != 1 || conn.published[0].Subject != Subject("u1") {
		t.Fatalf("unexpected published messages %+v", conn.published)
	}
	conn.handlers[Subject("u1")](conn.published[0])

	if len(received) != 1 || received[0].ID != "e1" || received[0].Key() != (feed.ItemKey{Kind: feed.KindPost, ID: "42"}) {
		t.Fatalf("unexpected received events %+v", received)
	}
}

func TestListenerIgnoresOwnOriginAndOtherViewers(t *testing.T) {
	var received int
	listener := NewListener("u1", "session-a", func(context.Context, broadcast.Event) { received++ }, nil)
	for _, event := range []broadcast.Event{
		{ID: "own", Origin: "session-a", ViewerID: "u1"},
		{ID: "foreign", Origin: "session-b", ViewerID: "u2"},
	} {
		data, _ := json.Marshal(event)
		listener.HandleMsg(&nats.Msg{Data: data})
	}
	listener.HandleMsg(&nats.Msg{Data: []byte("{not json")})
	if received != 0 {
		t.Fatalf("expected nothing delivered, got %d", received)
	}
}

func TestPublishErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("no servers")}
	publisher, _ := NewPublisher(conn, nil)
	if err := publisher.PublishMutation(context.Background(), broadcast.Event{ViewerID: "u1"}); !errors.Is(err, conn.err) {
		t.Fatalf("expected wrapped connection error, got %v", err)
	}
	if err := publisher.PublishMutation(context.Background(), broadcast.Event{}); err == nil {
		t.Fatalf("expected missing viewer error")
	}
	if _, err := NewPublisher(nil, nil); err == nil {
		t.Fatalf("expected missing connection error")
	}
}
