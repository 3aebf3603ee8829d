// Package assembler merges per-kind pages into one ordered, deduplicated,
// paginated feed.
package assembler

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/gateway"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of items per feed page.
const DefaultPageSize = 15

const (
	opNew  = "assembler.new"
	opPage = "assembler.page"
)

var errMissingSource = errors.New("content source is required")

// Source is the subset of the gateway the assembler drives.
type Source interface {
	Audience(ctx context.Context, viewer feed.ViewerID) (feed.Audience, error)
	FetchKinds(ctx context.Context, kinds []feed.Kind, audience feed.Audience, before feed.Cursor, limit int) []gateway.KindResult
}

// Config wires an Assembler.
type Config struct {
	Source   Source
	PageSize int
	Kinds    []feed.Kind
	Logger   *zap.Logger
}

// Assembler is the Feed Assembler.
type Assembler struct {
	source   Source
	pageSize int
	kinds    []feed.Kind
	logger   *zap.Logger
}

// New constructs an Assembler; PageSize and Kinds default when unset.
func New(cfg Config) (*Assembler, error) {
	if cfg.Source == nil {
		return nil, feed.NewServiceError(opNew, "missing_source", errMissingSource)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = feed.Kinds()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		source:   cfg.Source,
		pageSize: pageSize,
		kinds:    append([]feed.Kind(nil), kinds...),
		logger:   logger.Named("assembler"),
	}, nil
}

// PageSize returns the configured page size.
func (a *Assembler) PageSize() int {
	return a.pageSize
}

// Kinds returns the content kinds merged into the feed.
func (a *Assembler) Kinds() []feed.Kind {
	return append([]feed.Kind(nil), a.kinds...)
}

// Page assembles the page after before (zero cursor for the head). Source
// failures degrade the page instead of failing it; only cancellation of ctx
// is returned as an error.
func (a *Assembler) Page(ctx context.Context, viewer feed.ViewerID, before feed.Cursor) (feed.FeedPage, error) {
	audience, err := a.source.Audience(ctx, viewer)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return feed.FeedPage{}, ctxErr
		}
		a.logger.Warn("social graph unavailable, falling back to own content",
			zap.String("viewer_id", viewer.String()),
			zap.String("reason", feed.ErrorCode(err)),
			zap.Error(err))
		return a.ownContentPage(ctx, viewer, before, a.kinds)
	}

	results := a.source.FetchKinds(ctx, a.kinds, audience, before, a.pageSize)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return feed.FeedPage{}, ctxErr
	}

	survivors, failed := a.partition(viewer, results)
	if len(survivors) == 0 {
		return a.ownContentPage(ctx, viewer, before, failed)
	}

	page := Merge(survivors, a.pageSize, before)
	page.Status = feed.PageComplete
	if len(failed) > 0 {
		page.Status = feed.PagePartial
		page.FailedKinds = failed
	}
	return page, nil
}

func (a *Assembler) ownContentPage(ctx context.Context, viewer feed.ViewerID, before feed.Cursor, failed []feed.Kind) (feed.FeedPage, error) {
	results := a.source.FetchKinds(ctx, a.kinds, feed.OwnContentOnly(viewer), before, a.pageSize)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return feed.FeedPage{}, ctxErr
	}
	survivors, _ := a.partition(viewer, results)
	if len(survivors) == 0 {
		a.logger.Error("feed unavailable",
			zap.String("viewer_id", viewer.String()),
			zap.Error(feed.ErrFeedUnavailable))
		return feed.FeedPage{
			Items:       []feed.FeedItem{},
			Cursor:      before,
			HasMore:     true,
			Status:      feed.PageUnavailable,
			FailedKinds: append([]feed.Kind(nil), a.kinds...),
		}, nil
	}
	page := Merge(survivors, a.pageSize, before)
	page.Status = feed.PageOwnContentOnly
	page.FailedKinds = append([]feed.Kind(nil), failed...)
	return page, nil
}

func (a *Assembler) partition(viewer feed.ViewerID, results []gateway.KindResult) ([][]feed.FeedItem, []feed.Kind) {
	survivors := make([][]feed.FeedItem, 0, len(results))
	var failed []feed.Kind
	for _, result := range results {
		if result.Err != nil {
			a.logger.Warn("content source failed, degrading page",
				zap.String("kind", result.Kind.String()),
				zap.String("viewer_id", viewer.String()),
				zap.String("reason", feed.ErrorCode(result.Err)),
				zap.Error(result.Err))
			failed = append(failed, result.Kind)
			continue
		}
		survivors = append(survivors, result.Items)
	}
	return survivors, failed
}
