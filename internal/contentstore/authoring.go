package contentstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/google/uuid"
)

// NewPost is a request to publish a post.
type NewPost struct {
	ID        string
	AuthorID  string
	Caption   string
	ImageURLs []string
}

// NewVideo is a request to publish a short video.
type NewVideo struct {
	ID              string
	AuthorID        string
	Caption         string
	VideoURL        string
	ThumbnailURL    string
	DurationSeconds int
}

// CreatePost stores a post and announces the insert.
func (s *Store) CreatePost(ctx context.Context, request NewPost) (feed.Record, error) {
	if strings.TrimSpace(request.AuthorID) == "" {
		return feed.Record{}, fmt.Errorf("%w: author required", ErrInvalidContent)
	}
	id, err := s.contentID(request.ID)
	if err != nil {
		return feed.Record{}, err
	}
	post := Post{
		ID:            id,
		AuthorID:      request.AuthorID,
		Caption:       request.Caption,
		ImageURLs:     append([]string{}, request.ImageURLs...),
		CreatedAtNano: s.now().UTC().UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		return feed.Record{}, err
	}
	return s.announceInsert(ctx, feed.KindPost, post.ID, post.AuthorID)
}

// CreateVideo stores a short video and announces the insert.
func (s *Store) CreateVideo(ctx context.Context, request NewVideo) (feed.Record, error) {
	if strings.TrimSpace(request.AuthorID) == "" || strings.TrimSpace(request.VideoURL) == "" {
		return feed.Record{}, fmt.Errorf("%w: author and video url required", ErrInvalidContent)
	}
	id, err := s.contentID(request.ID)
	if err != nil {
		return feed.Record{}, err
	}
	video := ShortVideo{
		ID:              id,
		AuthorID:        request.AuthorID,
		Caption:         request.Caption,
		VideoURL:        request.VideoURL,
		ThumbnailURL:    request.ThumbnailURL,
		DurationSeconds: request.DurationSeconds,
		CreatedAtNano:   s.now().UTC().UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&video).Error; err != nil {
		return feed.Record{}, err
	}
	return s.announceInsert(ctx, feed.KindShortVideo, video.ID, video.AuthorID)
}

// AddComment stores a comment and announces the changed comment count.
func (s *Store) AddComment(ctx context.Context, key feed.ItemKey, authorID, body string) error {
	if strings.TrimSpace(body) == "" || strings.TrimSpace(authorID) == "" {
		return fmt.Errorf("%w: comment author and body required", ErrInvalidContent)
	}
	if _, err := s.exists(ctx, key.Kind, key.ID); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("contentstore: generate comment id: %w", err)
	}
	comment := Comment{ID: id.String(), ContentKind: key.Kind.String(), ItemID: key.ID, AuthorID: authorID, Body: body}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return err
	}
	s.hub.publish(feed.PushEvent{
		Op:      feed.PushUpdate,
		Kind:    key.Kind,
		ID:      key.ID,
		Payload: feed.PushPayload{Counters: []feed.Counter{feed.CounterComments}},
	})
	return nil
}

// UpdateCaption edits an item's caption and announces the row update.
func (s *Store) UpdateCaption(ctx context.Context, key feed.ItemKey, actorID, caption string) error {
	authorID, err := s.exists(ctx, key.Kind, key.ID)
	if err != nil {
		return err
	}
	if authorID != actorID {
		return feed.ErrForbidden
	}
	table, err := tableFor(key.Kind)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Table(table).Where("item_id = ?", key.ID).Update("caption", caption).Error; err != nil {
		return err
	}
	edited := caption
	s.hub.publish(feed.PushEvent{
		Op:      feed.PushUpdate,
		Kind:    key.Kind,
		ID:      key.ID,
		Payload: feed.PushPayload{AuthorID: authorID, Caption: &edited},
	})
	return nil
}

func (s *Store) announceInsert(ctx context.Context, kind feed.Kind, id, authorID string) (feed.Record, error) {
	record, err := s.Lookup(ctx, kind, id, authorID)
	if err != nil {
		return feed.Record{}, err
	}
	createdAt := record.CreatedAt
	s.hub.publish(feed.PushEvent{
		Op:      feed.PushInsert,
		Kind:    kind,
		ID:      id,
		Payload: feed.PushPayload{AuthorID: authorID, CreatedAt: &createdAt},
	})
	return record, nil
}

func (s *Store) contentID(requested string) (string, error) {
	if trimmed := strings.TrimSpace(requested); trimmed != "" {
		return trimmed, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("contentstore: generate content id: %w", err)
	}
	return id.String(), nil
}
