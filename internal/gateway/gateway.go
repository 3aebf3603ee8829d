// Package gateway fetches pages of heterogeneous content from the content
// store and normalizes them into feed items.
package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName      = "github.com/MarcoPoloResearchLab/feedsync/internal/gateway"
	opNew           = "gateway.new"
	opAudience      = "gateway.audience"
	opFetchKind     = "gateway.fetch_kind"
	opFetchItem     = "gateway.fetch_item"
	reasonQuery     = "query_failed"
	reasonGraph     = "graph_failed"
	reasonLookup    = "lookup_failed"
	reasonMalformed = "malformed_record"
)

var (
	errMissingStore = errors.New("content store is required")
	errMissingGraph = errors.New("social graph is required")
)

// Config wires the gateway's collaborators.
type Config struct {
	Store  feed.ContentStore
	Graph  feed.SocialGraph
	Logger *zap.Logger
}

// Gateway is the Content Source Gateway.
type Gateway struct {
	store  feed.ContentStore
	graph  feed.SocialGraph
	logger *zap.Logger
	tracer trace.Tracer
}

// New validates the configuration and constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, feed.NewServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Graph == nil {
		return nil, feed.NewServiceError(opNew, "missing_graph", errMissingGraph)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:  cfg.Store,
		graph:  cfg.Graph,
		logger: logger.Named("gateway"),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Audience resolves the authors the viewer may see from the social graph.
func (g *Gateway) Audience(ctx context.Context, viewer feed.ViewerID) (feed.Audience, error) {
	relationships, err := g.graph.Following(ctx, viewer)
	if err != nil {
		return feed.Audience{}, feed.NewServiceError(opAudience, reasonGraph, err)
	}
	return feed.NewAudience(viewer, relationships), nil
}

// Relationship re-derives the viewer's relationship to a single author.
func (g *Gateway) Relationship(ctx context.Context, viewer feed.ViewerID, authorID string) (feed.Relationship, error) {
	rel, err := g.graph.Relationship(ctx, viewer, authorID)
	if err != nil {
		return feed.Relationship{}, feed.NewServiceError(opAudience, reasonGraph, err)
	}
	return rel, nil
}

// KindResult is the outcome of fetching one kind.
type KindResult struct {
	Kind  feed.Kind
	Items []feed.FeedItem
	Err   error
}

// FetchKinds queries every kind concurrently. A failing kind never affects
// the others; its error is reported in its own result.
func (g *Gateway) FetchKinds(ctx context.Context, kinds []feed.Kind, audience feed.Audience, before feed.Cursor, limit int) []KindResult {
	results := make([]KindResult, len(kinds))
	var group errgroup.Group
	for i, kind := range kinds {
		group.Go(func() error {
			items, err := g.FetchKind(ctx, kind, audience, before, limit)
			results[i] = KindResult{Kind: kind, Items: items, Err: err}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// FetchKind fetches one page of a single kind, already filtered and ordered
// by the store, and normalizes it.
func (g *Gateway) FetchKind(ctx context.Context, kind feed.Kind, audience feed.Audience, before feed.Cursor, limit int) ([]feed.FeedItem, error) {
	ctx, span := g.tracer.Start(ctx, opFetchKind, trace.WithAttributes(
		attribute.String("feed.kind", kind.String()),
		attribute.Int("feed.limit", limit),
	))
	defer span.End()

	records, err := g.store.QueryPage(ctx, kind, audience.Filter(), before, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reasonQuery)
		return nil, feed.NewServiceError(opFetchKind, reasonQuery, err)
	}
	items := g.normalize(ctx, kind, audience.Viewer, records)
	span.SetAttributes(attribute.Int("feed.items", len(items)))
	return items, nil
}

// FetchItem rehydrates a single item for the viewer.
func (g *Gateway) FetchItem(ctx context.Context, key feed.ItemKey, viewer feed.ViewerID) (feed.FeedItem, error) {
	ctx, span := g.tracer.Start(ctx, opFetchItem, trace.WithAttributes(
		attribute.String("feed.kind", key.Kind.String()),
		attribute.String("feed.item_id", key.ID),
	))
	defer span.End()

	record, err := g.store.Lookup(ctx, key.Kind, key.ID, viewer.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reasonLookup)
		return feed.FeedItem{}, feed.NewServiceError(opFetchItem, reasonLookup, err)
	}
	items := g.normalize(ctx, key.Kind, viewer, []feed.Record{record})
	if len(items) == 0 {
		return feed.FeedItem{}, feed.NewServiceError(opFetchItem, reasonMalformed, feed.ErrNotFound)
	}
	return items[0], nil
}

// Normalize converts an authoritative record returned by a write into a
// feed item, attaching author summaries.
func (g *Gateway) Normalize(ctx context.Context, viewer feed.ViewerID, record feed.Record) (feed.FeedItem, bool) {
	items := g.normalize(ctx, record.Kind, viewer, []feed.Record{record})
	if len(items) == 0 {
		return feed.FeedItem{}, false
	}
	return items[0], true
}

func (g *Gateway) normalize(ctx context.Context, kind feed.Kind, viewer feed.ViewerID, records []feed.Record) []feed.FeedItem {
	if len(records) == 0 {
		return []feed.FeedItem{}
	}
	authorIDs := make([]string, 0, len(records))
	for _, record := range records {
		authorIDs = append(authorIDs, record.AuthorID)
	}
	summaries, err := g.graph.Summaries(ctx, authorIDs)
	if err != nil {
		g.logger.Warn("author summaries unavailable",
			zap.String("kind", kind.String()),
			zap.String("viewer_id", viewer.String()),
			zap.Error(err))
		summaries = nil
	}

	items := make([]feed.FeedItem, 0, len(records))
	for _, record := range records {
		item, ok := normalizeRecord(kind, record)
		if !ok {
			g.logger.Warn("dropping malformed record",
				zap.String("kind", kind.String()),
				zap.String("record_kind", record.Kind.String()),
				zap.String("item_id", record.ID),
				zap.String("reason", reasonMalformed))
			continue
		}
		if summary, found := summaries[record.AuthorID]; found {
			item.Author = summary
		} else {
			item.Author = feed.AuthorSummary{ID: record.AuthorID}
		}
		items = append(items, item)
	}
	return items
}

func normalizeRecord(kind feed.Kind, record feed.Record) (feed.FeedItem, bool) {
	if record.Kind != kind || strings.TrimSpace(record.ID) == "" || record.CreatedAt.IsZero() {
		return feed.FeedItem{}, false
	}
	item := feed.FeedItem{
		ID:        record.ID,
		Kind:      record.Kind,
		AuthorID:  record.AuthorID,
		CreatedAt: record.CreatedAt.UTC(),
		Caption:   record.Caption,
		Interaction: feed.Interaction{
			LikeCount:      feed.ClampCount(record.LikeCount, 0),
			CommentCount:   feed.ClampCount(record.CommentCount, 0),
			ViewerHasLiked: record.ViewerHasLiked,
			ViewerHasSaved: record.ViewerHasSaved,
		},
	}
	switch record.Kind {
	case feed.KindPost:
		item.Post = &feed.PostMedia{ImageURLs: append([]string(nil), record.ImageURLs...)}
	case feed.KindShortVideo:
		if strings.TrimSpace(record.VideoURL) == "" {
			return feed.FeedItem{}, false
		}
		item.Video = &feed.VideoMedia{
			VideoURL:        record.VideoURL,
			ThumbnailURL:    record.ThumbnailURL,
			DurationSeconds: record.DurationSeconds,
			ViewCount:       record.ViewCount,
		}
	default:
		return feed.FeedItem{}, false
	}
	return item, true
}
