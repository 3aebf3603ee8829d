package feed

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	cursorSeparator  = ","
	cursorTimeFormat = time.RFC3339Nano
)

// Precedes reports whether a sorts before b in feed order: createdAt
// descending, then kind ascending, then id descending.
func Precedes(a, b FeedItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID > b.ID
}

// SortItems orders items in place in feed order.
func SortItems(items []FeedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return Precedes(items[i], items[j])
	})
}

// Cursor marks the boundary of the last fetched page. CreatedAt is the
// minimum createdAt actually returned; Kind and ID break createdAt ties.
type Cursor struct {
	CreatedAt time.Time
	Kind      Kind
	ID        string
}

// CursorAfter returns the cursor positioned at item.
func CursorAfter(item FeedItem) Cursor {
	return Cursor{CreatedAt: item.CreatedAt, Kind: item.Kind, ID: item.ID}
}

// IsZero reports whether the cursor denotes the head of the feed.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero()
}

// Admits reports whether item lies strictly after the cursor in feed order.
// A zero cursor admits everything.
func (c Cursor) Admits(item FeedItem) bool {
	if c.IsZero() {
		return true
	}
	return Precedes(FeedItem{CreatedAt: c.CreatedAt, Kind: c.Kind, ID: c.ID}, item)
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	key := strings.Join([]string{c.CreatedAt.UTC().Format(cursorTimeFormat), string(c.Kind), c.ID}, cursorSeparator)
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// DecodeCursor parses a token produced by Cursor.Encode. The empty token is
// the zero cursor.
func DecodeCursor(encoded string) (Cursor, error) {
	if strings.TrimSpace(encoded) == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	parts := strings.SplitN(string(decoded), cursorSeparator, 3)
	if len(parts) != 3 {
		return Cursor{}, fmt.Errorf("invalid cursor format")
	}
	createdAt, err := time.Parse(cursorTimeFormat, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	kind, err := ParseKind(parts[1])
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{CreatedAt: createdAt.UTC(), Kind: kind, ID: parts[2]}, nil
}

// PageStatus describes how complete an assembled page is.
type PageStatus string

const (
	// PageComplete means every kind was fetched.
	PageComplete PageStatus = "complete"
	// PagePartial means at least one kind failed and was left out.
	PagePartial PageStatus = "partial"
	// PageOwnContentOnly means every kind failed and the page falls back to
	// the viewer's own content.
	PageOwnContentOnly PageStatus = "own-content-only"
	// PageUnavailable means even the fallback failed. The page is empty but
	// the state is recoverable by a later refresh.
	PageUnavailable PageStatus = "unavailable"
)

// FeedPage is one page of the unified feed.
type FeedPage struct {
	Items       []FeedItem
	Cursor      Cursor
	HasMore     bool
	Status      PageStatus
	FailedKinds []Kind
}

// Degraded reports whether the page lacks data the viewer should see.
func (p FeedPage) Degraded() bool {
	return p.Status != "" && p.Status != PageComplete
}
