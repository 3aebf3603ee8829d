// Package realtime folds push events from the content store into a viewer's
// timeline without duplication or loss.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/timeline"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName        = "github.com/MarcoPoloResearchLab/feedsync/internal/realtime"
	opNew             = "realtime.new"
	opApply           = "realtime.apply"
	opSubscribe       = "realtime.subscribe"
	reasonFetch       = "fetch_failed"
	reasonGraph       = "graph_failed"
	reasonCount       = "count_failed"
	reasonUnknownOp   = "unknown_op"
	defaultMaxBackoff = 30 * time.Second
)

var (
	errMissingStore  = errors.New("content store is required")
	errMissingSource = errors.New("item source is required")
	errMissingState  = errors.New("timeline state is required")
	errMissingViewer = errors.New("viewer is required")
	errUnknownPushOp = errors.New("unknown push operation")
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeAbsent       Outcome = "absent"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeOutOfScope   Outcome = "out_of_scope"
	OutcomeStale        Outcome = "stale"
	OutcomeDiscarded    Outcome = "discarded"
	OutcomeFailed       Outcome = "failed"
)

// ItemSource rehydrates pushed items and re-derives authorization.
type ItemSource interface {
	FetchItem(ctx context.Context, key feed.ItemKey, viewer feed.ViewerID) (feed.FeedItem, error)
	Relationship(ctx context.Context, viewer feed.ViewerID, authorID string) (feed.Relationship, error)
}

// Config wires a Reconciler for one viewer session.
type Config struct {
	Viewer feed.ViewerID
	Store  feed.ContentStore
	Source ItemSource
	State  *timeline.State
	// Kinds scopes the subscription; empty means every kind.
	Kinds []feed.Kind
	// BackOff paces resubscription; defaults to exponential backoff.
	BackOff backoff.BackOff
	Logger  *zap.Logger
}

type counterKey struct {
	item    feed.ItemKey
	counter feed.Counter
}

type counterSeq struct {
	issued    uint64
	committed uint64
}

// Reconciler is the Realtime Reconciler.
type Reconciler struct {
	viewer  feed.ViewerID
	store   feed.ContentStore
	source  ItemSource
	state   *timeline.State
	scope   feed.SubscriptionScope
	backOff backoff.BackOff
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	counters map[counterKey]*counterSeq
}

// New validates the configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Store == nil:
		return nil, feed.NewServiceError(opNew, "missing_store", errMissingStore)
	case cfg.Source == nil:
		return nil, feed.NewServiceError(opNew, "missing_source", errMissingSource)
	case cfg.State == nil:
		return nil, feed.NewServiceError(opNew, "missing_state", errMissingState)
	case cfg.Viewer == "":
		return nil, feed.NewServiceError(opNew, "missing_viewer", errMissingViewer)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backOff := cfg.BackOff
	if backOff == nil {
		exponential := backoff.NewExponentialBackOff()
		exponential.MaxInterval = defaultMaxBackoff
		backOff = exponential
	}
	return &Reconciler{
		viewer:   cfg.Viewer,
		store:    cfg.Store,
		source:   cfg.Source,
		state:    cfg.State,
		scope:    feed.SubscriptionScope{Kinds: append([]feed.Kind(nil), cfg.Kinds...)},
		backOff:  backOff,
		logger:   logger.Named("realtime").With(zap.String("viewer_id", cfg.Viewer.String())),
		tracer:   otel.Tracer(tracerName),
		counters: make(map[counterKey]*counterSeq),
	}, nil
}

// Run keeps one subscription open until ctx is done, resubscribing after
// every disconnect. Events missed while disconnected are not replayed.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		stream, release, err := r.store.Subscribe(ctx, r.scope)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("push subscription failed",
				zap.String("code", opSubscribe+".failed"),
				zap.Error(err))
			if !r.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		r.backOff.Reset()
		r.consume(ctx, stream)
		release()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("push channel disconnected, resubscribing")
		if !r.wait(ctx) {
			return ctx.Err()
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, stream <-chan feed.PushEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			if _, err := r.Apply(ctx, event); err != nil && ctx.Err() == nil {
				r.logger.Warn("push event not applied",
					zap.String("op", string(event.Op)),
					zap.String("kind", event.Kind.String()),
					zap.String("item_id", event.ID),
					zap.String("code", feed.ErrorCode(err)),
					zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) wait(ctx context.Context) bool {
	delay := r.backOff.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Apply folds a single event into the timeline. A result that arrives after
// ctx is done is discarded, never committed.
func (r *Reconciler) Apply(ctx context.Context, event feed.PushEvent) (Outcome, error) {
	if !r.scope.Includes(event.Kind) {
		return OutcomeOutOfScope, nil
	}
	ctx, span := r.tracer.Start(ctx, opApply, trace.WithAttributes(
		attribute.String("push.op", string(event.Op)),
		attribute.String("feed.kind", event.Kind.String()),
		attribute.String("feed.item_id", event.ID),
	))
	defer span.End()

	var (
		outcome Outcome
		err     error
	)
	switch event.Op {
	case feed.PushInsert:
		outcome, err = r.applyInsert(ctx, event)
	case feed.PushUpdate:
		outcome, err = r.applyUpdate(ctx, event)
	case feed.PushDelete:
		outcome = r.applyDelete(event)
	default:
		outcome, err = OutcomeFailed, feed.NewServiceError(opApply, reasonUnknownOp, errUnknownPushOp)
	}
	span.SetAttributes(attribute.String("push.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome, err
}

func (r *Reconciler) applyInsert(ctx context.Context, event feed.PushEvent) (Outcome, error) {
	key := event.Key()
	if r.state.Contains(key) {
		return OutcomeDuplicate, nil
	}
	item, err := r.source.FetchItem(ctx, key, r.viewer)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeDiscarded, nil
		}
		if errors.Is(err, feed.ErrNotFound) {
			return OutcomeAbsent, nil
		}
		return OutcomeFailed, feed.NewServiceError(opApply, reasonFetch, err)
	}
	// The fetched row, not the payload, decides visibility.
	allowed, err := r.authorized(ctx, item.AuthorID)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeDiscarded, nil
		}
		return OutcomeFailed, feed.NewServiceError(opApply, reasonGraph, err)
	}
	if !allowed {
		return OutcomeUnauthorized, nil
	}
	if ctx.Err() != nil {
		return OutcomeDiscarded, nil
	}
	if !r.state.Insert(item) {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) authorized(ctx context.Context, authorID string) (bool, error) {
	if authorID == r.viewer.String() {
		return true, nil
	}
	rel, err := r.source.Relationship(ctx, r.viewer, authorID)
	if err != nil {
		return false, err
	}
	rel.AuthorID = authorID
	return feed.CanSee(r.viewer, rel), nil
}

func (r *Reconciler) applyUpdate(ctx context.Context, event feed.PushEvent) (Outcome, error) {
	key := event.Key()
	if !r.state.Contains(key) {
		return OutcomeAbsent, nil
	}
	outcome := OutcomeStale
	if event.Payload.Caption != nil {
		if r.state.SetCaption(key, *event.Payload.Caption) {
			outcome = OutcomeApplied
		}
	}
	counters := event.Payload.Counters
	if len(counters) == 0 && event.Payload.Caption == nil {
		counters = feed.Counters()
	}
	for _, counter := range counters {
		applied, err := r.recount(ctx, key, counter)
		if err != nil {
			return OutcomeFailed, err
		}
		if applied {
			outcome = OutcomeApplied
		}
	}
	if ctx.Err() != nil && outcome != OutcomeApplied {
		return OutcomeDiscarded, nil
	}
	return outcome, nil
}

// recount replaces one aggregate with a fresh count from the store. Results
// older than the last committed recount for the same counter are dropped.
func (r *Reconciler) recount(ctx context.Context, key feed.ItemKey, counter feed.Counter) (bool, error) {
	seq := r.issue(key, counter)
	count, err := r.store.QueryCount(ctx, key.Kind, key.ID, counter)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, feed.NewServiceError(opApply, reasonCount, err)
	}
	if ctx.Err() != nil {
		return false, nil
	}
	if !r.commit(key, counter, seq) {
		return false, nil
	}
	return r.state.SetCount(key, counter, count), nil
}

func (r *Reconciler) issue(key feed.ItemKey, counter feed.Counter) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ck := counterKey{item: key, counter: counter}
	seq, ok := r.counters[ck]
	if !ok {
		seq = &counterSeq{}
		r.counters[ck] = seq
	}
	seq.issued++
	return seq.issued
}

func (r *Reconciler) commit(key feed.ItemKey, counter feed.Counter, issued uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.counters[counterKey{item: key, counter: counter}]
	if seq == nil || issued <= seq.committed {
		return false
	}
	seq.committed = issued
	return true
}

func (r *Reconciler) applyDelete(event feed.PushEvent) Outcome {
	key := event.Key()
	r.mu.Lock()
	for _, counter := range feed.Counters() {
		delete(r.counters, counterKey{item: key, counter: counter})
	}
	r.mu.Unlock()
	if _, removed := r.state.Remove(key); !removed {
		return OutcomeAbsent
	}
	return OutcomeApplied
}
