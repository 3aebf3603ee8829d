package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the independent content sources merged into one feed.
type Kind string

const (
	// KindPost is an image/text post.
	KindPost Kind = "post"
	// KindShortVideo is a short-form video.
	KindShortVideo Kind = "short-video"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidKind indicates an unknown content kind.
	ErrInvalidKind = errors.New("feed: invalid content kind")
	// ErrInvalidItemID indicates an empty or oversized item identifier.
	ErrInvalidItemID = errors.New("feed: invalid item id")
	// ErrInvalidViewerID indicates an empty or oversized viewer identifier.
	ErrInvalidViewerID = errors.New("feed: invalid viewer id")
)

// Kinds lists every content kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPost, KindShortVideo}
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindPost:
		return KindPost, nil
	case KindShortVideo:
		return KindShortVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// ViewerID identifies the acting user of a feed session.
type ViewerID string

// NewViewerID validates raw input and returns a ViewerID.
func NewViewerID(rawInput string) (ViewerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidViewerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidViewerID, maxIdentifierLength)
	}
	return ViewerID(trimmed), nil
}

// String returns the underlying identifier.
func (id ViewerID) String() string {
	return string(id)
}

// ItemKey is the unique key of a feed item. IDs are only unique within a kind.
type ItemKey struct {
	Kind Kind
	ID   string
}

// NewItemKey validates both halves of the key.
func NewItemKey(rawKind, rawID string) (ItemKey, error) {
	kind, err := ParseKind(rawKind)
	if err != nil {
		return ItemKey{}, err
	}
	id := strings.TrimSpace(rawID)
	if id == "" {
		return ItemKey{}, fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(id) > maxIdentifierLength {
		return ItemKey{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemKey{Kind: kind, ID: id}, nil
}

func (k ItemKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// AuthorSummary carries the denormalized author fields needed for rendering.
type AuthorSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	IsPrivate   bool   `json:"isPrivate"`
}

// PostMedia holds media fields specific to KindPost.
type PostMedia struct {
	ImageURLs []string `json:"imageUrls"`
}

// VideoMedia holds media fields specific to KindShortVideo.
type VideoMedia struct {
	VideoURL        string `json:"videoUrl"`
	ThumbnailURL    string `json:"thumbnailUrl"`
	DurationSeconds int    `json:"durationSeconds"`
	ViewCount       int64  `json:"viewCount"`
}

// Interaction groups the fields an optimistic mutation may touch.
type Interaction struct {
	LikeCount      int64 `json:"likeCount"`
	CommentCount   int64 `json:"commentCount"`
	ViewerHasLiked bool  `json:"viewerHasLiked"`
	ViewerHasSaved bool  `json:"viewerHasSaved"`
}

// FeedItem is a normalized, kind-tagged content record. Exactly one of Post
// or Video is set, matching Kind.
type FeedItem struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	AuthorID  string        `json:"authorId"`
	Author    AuthorSummary `json:"author"`
	CreatedAt time.Time     `json:"createdAt"`
	Caption   string        `json:"caption"`
	Interaction
	Post  *PostMedia  `json:"post,omitempty"`
	Video *VideoMedia `json:"video,omitempty"`
}

// Key returns the (id, kind) key of the item.
func (item FeedItem) Key() ItemKey {
	return ItemKey{Kind: item.Kind, ID: item.ID}
}

// Clone returns a deep copy so callers never share media slices.
func (item FeedItem) Clone() FeedItem {
	copied := item
	if item.Post != nil {
		post := *item.Post
		post.ImageURLs = append([]string(nil), item.Post.ImageURLs...)
		copied.Post = &post
	}
	if item.Video != nil {
		video := *item.Video
		copied.Video = &video
	}
	return copied
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []FeedItem) []FeedItem {
	if items == nil {
		return nil
	}
	out := make([]FeedItem, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// ClampCount applies a delta without ever going below zero.
func ClampCount(count, delta int64) int64 {
	next := count + delta
	if next < 0 {
		return 0
	}
	return next
}
