package feed

import (
	"context"
	"time"
)

// Record is one row as returned by a content source, before normalization.
// Kind-specific fields are only meaningful for their kind.
type Record struct {
	Kind           Kind
	ID             string
	AuthorID       string
	CreatedAt      time.Time
	Caption        string
	LikeCount      int64
	CommentCount   int64
	ViewerHasLiked bool
	ViewerHasSaved bool

	ImageURLs []string

	VideoURL        string
	ThumbnailURL    string
	DurationSeconds int
	ViewCount       int64
}

// Filter restricts a page query to an author set with private-account gating.
type Filter struct {
	// ViewerID resolves the viewer-relative flags (liked, saved).
	ViewerID string
	// AuthorIDs limits results to these authors.
	AuthorIDs []string
	// PrivateAllowed lists the authors whose private content is admitted.
	PrivateAllowed []string
}

// MutationType enumerates remote writes on a single item.
type MutationType string

const (
	MutationLike   MutationType = "like"
	MutationUnlike MutationType = "unlike"
	MutationSave   MutationType = "save"
	MutationUnsave MutationType = "unsave"
)

// Mutation is a remote write against one item on behalf of an actor.
type Mutation struct {
	Type    MutationType
	ActorID string
}

// SubscriptionScope selects the push events a subscriber receives.
type SubscriptionScope struct {
	Kinds []Kind
}

// Includes reports whether the scope covers kind. An empty scope covers all.
func (s SubscriptionScope) Includes(kind Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ContentStore is the remote backend holding both content kinds.
type ContentStore interface {
	// QueryPage returns up to limit records of kind lying strictly after
	// before in feed order, ordered by feed order.
	QueryPage(ctx context.Context, kind Kind, filter Filter, before Cursor, limit int) ([]Record, error)
	// QueryCount recomputes an aggregate count from the source of truth.
	QueryCount(ctx context.Context, kind Kind, itemID string, counter Counter) (int64, error)
	// Write applies a mutation and returns the authoritative item.
	Write(ctx context.Context, kind Kind, itemID string, mutation Mutation) (Record, error)
	// Lookup rehydrates one item for the viewer.
	Lookup(ctx context.Context, kind Kind, itemID string, viewerID string) (Record, error)
	// Delete removes an item owned by actorID.
	Delete(ctx context.Context, kind Kind, itemID string, actorID string) error
	// Subscribe opens a push stream. The channel is closed on disconnect or
	// when ctx ends; the returned func releases the subscription.
	Subscribe(ctx context.Context, scope SubscriptionScope) (<-chan PushEvent, func(), error)
}

// SocialGraph resolves follow relationships and author summaries.
type SocialGraph interface {
	Following(ctx context.Context, viewer ViewerID) ([]Relationship, error)
	Relationship(ctx context.Context, viewer ViewerID, authorID string) (Relationship, error)
	Summaries(ctx context.Context, authorIDs []string) (map[string]AuthorSummary, error)
	SetFollow(ctx context.Context, viewer ViewerID, authorID string, follow bool) (Relationship, error)
}
