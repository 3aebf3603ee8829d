package feed

import "time"

// PushOp is the row operation carried by a PushEvent.
type PushOp string

const (
	PushInsert PushOp = "insert"
	PushUpdate PushOp = "update"
	PushDelete PushOp = "delete"
)

// Counter names an aggregate count on a feed item.
type Counter string

const (
	CounterLikes    Counter = "likes"
	CounterComments Counter = "comments"
)

// Counters lists every aggregate count.
func Counters() []Counter {
	return []Counter{CounterLikes, CounterComments}
}

// PushPayload carries the optional body of a push event. Visibility hints in
// the payload are never trusted.
type PushPayload struct {
	AuthorID  string     `json:"authorId,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	// Counters names the aggregates that changed; empty means all of them.
	Counters []Counter `json:"counters,omitempty"`
	// Caption is set for row-level caption edits.
	Caption *string `json:"caption,omitempty"`
	// AuthorPrivate is the payload's visibility hint. Ignored.
	AuthorPrivate *bool `json:"authorPrivate,omitempty"`
}

// PushEvent is an asynchronously delivered remote insert/update/delete.
// Ordering is not guaranteed relative to createdAt or to other events.
type PushEvent struct {
	Op      PushOp      `json:"op"`
	Kind    Kind        `json:"kind"`
	ID      string      `json:"id"`
	Payload PushPayload `json:"payload"`
}

// Key returns the key of the affected item.
func (e PushEvent) Key() ItemKey {
	return ItemKey{Kind: e.Kind, ID: e.ID}
}
