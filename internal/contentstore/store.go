// Package contentstore is the gorm-backed content store for posts and
// short videos, with likes, saves, comments and a push stream of row
// changes.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("contentstore: database connection required")
	errUnknownCounter  = errors.New("contentstore: unknown counter")
	errUnknownMutation = errors.New("contentstore: unknown mutation")
	// ErrInvalidContent indicates a create request missing required fields.
	ErrInvalidContent = errors.New("contentstore: invalid content")
)

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store implements feed.ContentStore.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	hub    *hub
	logger *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, now: clock, hub: newHub(), logger: logger.Named("contentstore")}, nil
}

type itemRow struct {
	ID              string
	AuthorID        string
	Caption         string
	ImageURLs       []string
	VideoURL        string
	ThumbnailURL    string
	DurationSeconds int
	ViewCount       int64
	CreatedAtNano   int64
}

func tableFor(kind feed.Kind) (string, error) {
	switch kind {
	case feed.KindPost:
		return Post{}.TableName(), nil
	case feed.KindShortVideo:
		return ShortVideo{}.TableName(), nil
	default:
		return "", fmt.Errorf("%w: %q", feed.ErrInvalidKind, kind)
	}
}

// QueryPage implements feed.ContentStore. Rows come back in feed order,
// strictly after before, restricted to the filter's authors and with
// private accounts admitted only when listed in PrivateAllowed.
func (s *Store) QueryPage(ctx context.Context, kind feed.Kind, filter feed.Filter, before feed.Cursor, limit int) ([]feed.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if len(filter.AuthorIDs) == 0 {
		return []feed.Record{}, nil
	}
	privateAllowed := filter.PrivateAllowed
	if len(privateAllowed) == 0 {
		privateAllowed = []string{""}
	}
	query := s.db.WithContext(ctx).
		Table(table).
		Joins("LEFT JOIN accounts ON accounts.account_id = "+table+".author_id").
		Where(table+".author_id IN ?", filter.AuthorIDs).
		Where("(COALESCE(accounts.is_private, false) = false OR "+table+".author_id IN ?)", privateAllowed)
	if !before.IsZero() {
		query = keyset(query, table, kind, before)
	}
	query = query.Order(table + ".created_at_ns DESC").Order(table + ".item_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	rows, err := s.loadRows(query, kind, table)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, kind, rows, filter.ViewerID)
}

// keyset narrows query to rows after before in feed order. Kind ties are
// resolved here since a query only ever covers one kind.
func keyset(query *gorm.DB, table string, kind feed.Kind, before feed.Cursor) *gorm.DB {
	at := before.CreatedAt.UnixNano()
	switch {
	case kind > before.Kind:
		return query.Where(table+".created_at_ns <= ?", at)
	case kind == before.Kind:
		return query.Where("("+table+".created_at_ns < ? OR ("+table+".created_at_ns = ? AND "+table+".item_id < ?))", at, at, before.ID)
	default:
		return query.Where(table+".created_at_ns < ?", at)
	}
}

func (s *Store) loadRows(query *gorm.DB, kind feed.Kind, table string) ([]itemRow, error) {
	switch kind {
	case feed.KindPost:
		var posts []Post
		if err := query.Select(table + ".*").Find(&posts).Error; err != nil {
			return nil, err
		}
		rows := make([]itemRow, 0, len(posts))
		for _, post := range posts {
			rows = append(rows, itemRow{
				ID:            post.ID,
				AuthorID:      post.AuthorID,
				Caption:       post.Caption,
				ImageURLs:     post.ImageURLs,
				CreatedAtNano: post.CreatedAtNano,
			})
		}
		return rows, nil
	default:
		var videos []ShortVideo
		if err := query.Select(table + ".*").Find(&videos).Error; err != nil {
			return nil, err
		}
		rows := make([]itemRow, 0, len(videos))
		for _, video := range videos {
			rows = append(rows, itemRow{
				ID:              video.ID,
				AuthorID:        video.AuthorID,
				Caption:         video.Caption,
				VideoURL:        video.VideoURL,
				ThumbnailURL:    video.ThumbnailURL,
				DurationSeconds: video.DurationSeconds,
				ViewCount:       video.ViewCount,
				CreatedAtNano:   video.CreatedAtNano,
			})
		}
		return rows, nil
	}
}

type countRow struct {
	ItemID string
	Total  int64
}

// hydrate attaches aggregate counts and viewer flags in batch.
func (s *Store) hydrate(ctx context.Context, kind feed.Kind, rows []itemRow, viewerID string) ([]feed.Record, error) {
	if len(rows) == 0 {
		return []feed.Record{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	likes, err := s.countBy(ctx, Like{}.TableName(), kind, ids)
	if err != nil {
		return nil, err
	}
	comments, err := s.countBy(ctx, Comment{}.TableName(), kind, ids)
	if err != nil {
		return nil, err
	}
	liked, err := s.flagged(ctx, Like{}.TableName(), kind, ids, viewerID)
	if err != nil {
		return nil, err
	}
	saved, err := s.flagged(ctx, Save{}.TableName(), kind, ids, viewerID)
	if err != nil {
		return nil, err
	}
	records := make([]feed.Record, 0, len(rows))
	for _, row := range rows {
		_, viewerLiked := liked[row.ID]
		_, viewerSaved := saved[row.ID]
		records = append(records, feed.Record{
			Kind:            kind,
			ID:              row.ID,
			AuthorID:        row.AuthorID,
			CreatedAt:       time.Unix(0, row.CreatedAtNano).UTC(),
			Caption:         row.Caption,
			LikeCount:       likes[row.ID],
			CommentCount:    comments[row.ID],
			ViewerHasLiked:  viewerLiked,
			ViewerHasSaved:  viewerSaved,
			ImageURLs:       append([]string(nil), row.ImageURLs...),
			VideoURL:        row.VideoURL,
			ThumbnailURL:    row.ThumbnailURL,
			DurationSeconds: row.DurationSeconds,
			ViewCount:       row.ViewCount,
		})
	}
	return records, nil
}

func (s *Store) countBy(ctx context.Context, table string, kind feed.Kind, ids []string) (map[string]int64, error) {
	var counts []countRow
	err := s.db.WithContext(ctx).
		Table(table).
		Select("item_id AS item_id, COUNT(*) AS total").
		Where("content_kind = ? AND item_id IN ?", kind.String(), ids).
		Group("item_id").
		Scan(&counts).
		Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counts))
	for _, c := range counts {
		out[c.ItemID] = c.Total
	}
	return out, nil
}

func (s *Store) flagged(ctx context.Context, table string, kind feed.Kind, ids []string, viewerID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if strings.TrimSpace(viewerID) == "" {
		return out, nil
	}
	var matched []string
	err := s.db.WithContext(ctx).
		Table(table).
		Where("content_kind = ? AND user_id = ? AND item_id IN ?", kind.String(), viewerID, ids).
		Pluck("item_id", &matched).
		Error
	if err != nil {
		return nil, err
	}
	for _, id := range matched {
		out[id] = struct{}{}
	}
	return out, nil
}

// QueryCount implements feed.ContentStore.
func (s *Store) QueryCount(ctx context.Context, kind feed.Kind, itemID string, counter feed.Counter) (int64, error) {
	if _, err := s.exists(ctx, kind, itemID); err != nil {
		return 0, err
	}
	var table string
	switch counter {
	case feed.CounterLikes:
		table = Like{}.TableName()
	case feed.CounterComments:
		table = Comment{}.TableName()
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownCounter, counter)
	}
	var total int64
	err := s.db.WithContext(ctx).
		Table(table).
		Where("content_kind = ? AND item_id = ?", kind.String(), itemID).
		Count(&total).
		Error
	return total, err
}

// Write implements feed.ContentStore and announces changed like counts.
func (s *Store) Write(ctx context.Context, kind feed.Kind, itemID string, mutation feed.Mutation) (feed.Record, error) {
	if _, err := s.exists(ctx, kind, itemID); err != nil {
		return feed.Record{}, err
	}
	db := s.db.WithContext(ctx)
	var err error
	switch mutation.Type {
	case feed.MutationLike:
		err = db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Like{ContentKind: kind.String(), ItemID: itemID, UserID: mutation.ActorID}).Error
	case feed.MutationUnlike:
		err = db.Where("content_kind = ? AND item_id = ? AND user_id = ?", kind.String(), itemID, mutation.ActorID).
			Delete(&Like{}).Error
	case feed.MutationSave:
		err = db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Save{ContentKind: kind.String(), ItemID: itemID, UserID: mutation.ActorID}).Error
	case feed.MutationUnsave:
		err = db.Where("content_kind = ? AND item_id = ? AND user_id = ?", kind.String(), itemID, mutation.ActorID).
			Delete(&Save{}).Error
	default:
		err = fmt.Errorf("%w: %q", errUnknownMutation, mutation.Type)
	}
	if err != nil {
		return feed.Record{}, err
	}
	if mutation.Type == feed.MutationLike || mutation.Type == feed.MutationUnlike {
		s.hub.publish(feed.PushEvent{
			Op:      feed.PushUpdate,
			Kind:    kind,
			ID:      itemID,
			Payload: feed.PushPayload{Counters: []feed.Counter{feed.CounterLikes}},
		})
	}
	return s.Lookup(ctx, kind, itemID, mutation.ActorID)
}

// Lookup implements feed.ContentStore.
func (s *Store) Lookup(ctx context.Context, kind feed.Kind, itemID string, viewerID string) (feed.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return feed.Record{}, err
	}
	rows, err := s.loadRows(s.db.WithContext(ctx).Table(table).Where("item_id = ?", itemID).Limit(1), kind, table)
	if err != nil {
		return feed.Record{}, err
	}
	if len(rows) == 0 {
		return feed.Record{}, feed.ErrNotFound
	}
	records, err := s.hydrate(ctx, kind, rows, viewerID)
	if err != nil {
		return feed.Record{}, err
	}
	return records[0], nil
}

// Delete implements feed.ContentStore. Only the author may delete.
func (s *Store) Delete(ctx context.Context, kind feed.Kind, itemID string, actorID string) error {
	authorID, err := s.exists(ctx, kind, itemID)
	if err != nil {
		return err
	}
	if authorID != actorID {
		return feed.ErrForbidden
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&Like{}, &Save{}, &Comment{}} {
			if err := tx.Where("content_kind = ? AND item_id = ?", kind.String(), itemID).Delete(model).Error; err != nil {
				return err
			}
		}
		switch kind {
		case feed.KindPost:
			return tx.Where("item_id = ?", itemID).Delete(&Post{}).Error
		default:
			return tx.Where("item_id = ?", itemID).Delete(&ShortVideo{}).Error
		}
	})
	if err != nil {
		return err
	}
	s.hub.publish(feed.PushEvent{Op: feed.PushDelete, Kind: kind, ID: itemID, Payload: feed.PushPayload{AuthorID: authorID}})
	return nil
}

// Subscribe implements feed.ContentStore.
func (s *Store) Subscribe(ctx context.Context, scope feed.SubscriptionScope) (<-chan feed.PushEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	stream, release := s.hub.subscribe(ctx, scope)
	return stream, release, nil
}

// Subscribers returns the number of open push subscriptions.
func (s *Store) Subscribers() int {
	return s.hub.count()
}

// DisconnectSubscribers closes every push stream.
func (s *Store) DisconnectSubscribers() {
	s.hub.disconnectAll()
	s.logger.Info("push subscribers disconnected")
}

func (s *Store) exists(ctx context.Context, kind feed.Kind, itemID string) (string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	var authors []string
	err = s.db.WithContext(ctx).Table(table).Where("item_id = ?", itemID).Limit(1).Pluck("author_id", &authors).Error
	if err != nil {
		return "", err
	}
	if len(authors) == 0 {
		return "", feed.ErrNotFound
	}
	return authors[0], nil
}
