package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

var errMalformedSnapshot = errors.New("snapshot: malformed payload")

type cursorPayload struct {
	CreatedAt time.Time `json:"createdAt"`
	Kind      feed.Kind `json:"kind"`
	ID        string    `json:"id"`
}

type snapshotPayload struct {
	Version    int             `json:"version"`
	CapturedAt time.Time       `json:"capturedAt"`
	Items      []feed.FeedItem `json:"items"`
	Cursor     *cursorPayload  `json:"cursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

func encode(snapshot Snapshot) ([]byte, error) {
	payload := snapshotPayload{
		Version:    encodingVersion,
		CapturedAt: snapshot.CapturedAt.UTC(),
		Items:      snapshot.Items,
		HasMore:    snapshot.Position.HasMore,
	}
	if payload.Items == nil {
		payload.Items = []feed.FeedItem{}
	}
	if cursor := snapshot.Position.Cursor; !cursor.IsZero() {
		payload.Cursor = &cursorPayload{CreatedAt: cursor.CreatedAt.UTC(), Kind: cursor.Kind, ID: cursor.ID}
	}
	return json.Marshal(payload)
}

func decode(raw []byte) (Snapshot, error) {
	var payload snapshotPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", errMalformedSnapshot, err)
	}
	if payload.Version != encodingVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", errMalformedSnapshot, payload.Version)
	}
	if payload.CapturedAt.IsZero() {
		return Snapshot{}, fmt.Errorf("%w: missing capture time", errMalformedSnapshot)
	}
	for _, item := range payload.Items {
		if item.ID == "" || item.CreatedAt.IsZero() {
			return Snapshot{}, fmt.Errorf("%w: incomplete item", errMalformedSnapshot)
		}
		if _, err := feed.ParseKind(item.Kind.String()); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", errMalformedSnapshot, err)
		}
	}
	snapshot := Snapshot{
		Items:      payload.Items,
		CapturedAt: payload.CapturedAt,
		Position:   Position{HasMore: payload.HasMore},
	}
	if payload.Cursor != nil {
		snapshot.Position.Cursor = feed.Cursor{
			CreatedAt: payload.Cursor.CreatedAt,
			Kind:      payload.Cursor.Kind,
			ID:        payload.Cursor.ID,
		}
	}
	return snapshot, nil
}
