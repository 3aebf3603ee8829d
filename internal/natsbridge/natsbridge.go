// Package natsbridge carries confirmed mutation outcomes between the
// sessions of one viewer over NATS.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/feedsync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName    = "github.com/MarcoPoloResearchLab/feedsync/internal/natsbridge"
	subjectPrefix = "feedsync.viewer."
	subjectSuffix = ".mutations"
	spanReceive   = "natsbridge.receive"
)

var (
	errMissingConn   = errors.New("nats connection is required")
	errMissingViewer = errors.New("event viewer is required")
)

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Subject returns the per-viewer mutation subject. Subject tokens may not
// contain dots or wildcards, so the viewer ID is escaped.
func Subject(viewer feed.ViewerID) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return subjectPrefix + replacer.Replace(viewer.String()) + subjectSuffix
}

// Publisher implements broadcast.RemotePublisher.
type Publisher struct {
	conn   Conn
	logger *zap.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(conn Conn, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, feed.NewServiceError("natsbridge.new_publisher", "missing_conn", errMissingConn)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, logger: logger.Named("natsbridge")}, nil
}

// PublishMutation publishes event on the viewer's subject with the trace
// context in the message headers.
func (p *Publisher) PublishMutation(ctx context.Context, event broadcast.Event) error {
	if event.ViewerID == "" {
		return errMissingViewer
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal mutation event: %w", err)
	}
	msg := &nats.Msg{
		Subject: Subject(feed.ViewerID(event.ViewerID)),
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.logger.Debug("published mutation event",
		zap.String("subject", msg.Subject),
		zap.String("event_id", event.ID))
	return nil
}

// Listener delivers events published by the viewer's other sessions.
type Listener struct {
	viewer  feed.ViewerID
	origin  string
	handler func(context.Context, broadcast.Event)
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewListener builds a Listener that ignores events stamped with origin.
func NewListener(viewer feed.ViewerID, origin string, handler func(context.Context, broadcast.Event), logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		viewer:  viewer,
		origin:  origin,
		handler: handler,
		logger:  logger.Named("natsbridge"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Listen subscribes on conn; the returned func unsubscribes.
func (l *Listener) Listen(conn Conn) (func() error, error) {
	if conn == nil {
		return nil, feed.NewServiceError("natsbridge.listen", "missing_conn", errMissingConn)
	}
	subscription, err := conn.Subscribe(Subject(l.viewer), l.HandleMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Subject(l.viewer), err)
	}
	return func() error {
		if subscription == nil {
			return nil
		}
		return subscription.Unsubscribe()
	}, nil
}

// HandleMsg decodes one message and hands it to the handler.
func (l *Listener) HandleMsg(msg *nats.Msg) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
	ctx, span := l.tracer.Start(ctx, spanReceive, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var event broadcast.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		span.RecordError(err)
		l.logger.Warn("invalid mutation event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	span.SetAttributes(
		attribute.String("event.type", string(event.Type)),
		attribute.String("event.origin", event.Origin),
	)
	if event.Origin == l.origin || event.ViewerID != l.viewer.String() {
		return
	}
	l.handler(ctx, event)
}
