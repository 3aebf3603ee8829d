// Package timeline holds the one authoritative in-memory copy of a viewer's
// feed, keyed by (id, kind). Every surface reads and watches this state
// instead of keeping its own optimistic copy.
package timeline

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

const (
	defaultWatchBuffer = 32
	journalLimit       = 512
)

// ChangeOp names the kind of state transition delivered to watchers.
type ChangeOp string

const (
	ChangeReplaced ChangeOp = "replaced"
	ChangeAppended ChangeOp = "appended"
	ChangeInserted ChangeOp = "inserted"
	ChangeUpdated  ChangeOp = "updated"
	ChangeRemoved  ChangeOp = "removed"
	ChangeFollow   ChangeOp = "follow"
)

// Change describes one committed transition. Item is a copy of the item
// after the change (before it, for removals).
type Change struct {
	Op       ChangeOp
	Key      feed.ItemKey
	Item     feed.FeedItem
	AuthorID string
	Follow   feed.FollowStatus
}

// Position is the pagination state of the loaded feed.
type Position struct {
	Cursor  feed.Cursor
	HasMore bool
}

// State is safe for concurrent use; all transitions are serialized.
type State struct {
	mu       sync.RWMutex
	items    []feed.FeedItem
	index    map[feed.ItemKey]int
	position Position
	follows  map[string]feed.FollowStatus
	// journal records single-item inserts and removals so a head page
	// fetched concurrently can be merged with them on commit.
	journal []journalEntry
	seq     uint64

	watchMu  sync.RWMutex
	watchers map[int64]*watcher
	nextID   int64
	buffer   int
}

type watcher struct {
	id     int64
	key    *feed.ItemKey
	stream chan Change
	done   chan struct{}
}

type journalEntry struct {
	seq     uint64
	key     feed.ItemKey
	item    feed.FeedItem
	removed bool
}

// New returns an empty State.
func New() *State {
	return &State{
		index:    make(map[feed.ItemKey]int),
		follows:  make(map[string]feed.FollowStatus),
		watchers: make(map[int64]*watcher),
		buffer:   defaultWatchBuffer,
	}
}

// Items returns a copy of the ordered feed.
func (s *State) Items() []feed.FeedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return feed.CloneItems(s.items)
}

// Len returns the number of loaded items.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Item returns a copy of the item stored under key.
func (s *State) Item(key feed.ItemKey) (feed.FeedItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[key]
	if !ok {
		return feed.FeedItem{}, false
	}
	return s.items[idx].Clone(), true
}

// Contains reports whether key is loaded.
func (s *State) Contains(key feed.ItemKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key]
	return ok
}

// Position returns the pagination state.
func (s *State) Position() Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// Replace swaps the whole feed, e.g. after a full fetch or a cache paint.
func (s *State) Replace(items []feed.FeedItem, position Position) {
	s.mu.Lock()
	s.items = s.items[:0]
	s.index = make(map[feed.ItemKey]int, len(items))
	for _, item := range items {
		if _, dup := s.index[item.Key()]; dup {
			continue
		}
		s.index[item.Key()] = len(s.items)
		s.items = append(s.items, item.Clone())
	}
	s.position = position
	s.mu.Unlock()
	s.publish(Change{Op: ChangeReplaced})
}

// Append adds a following page, skipping keys already loaded, and returns
// the items actually added. The feed is re-sorted so an item inserted out
// of the loaded window moves behind newer items of the page. Watchers get
// a replacement when that changes the position of existing items.
func (s *State) Append(items []feed.FeedItem, position Position) []feed.FeedItem {
	s.mu.Lock()
	added := make([]feed.FeedItem, 0, len(items))
	for _, item := range items {
		if _, dup := s.index[item.Key()]; dup {
			continue
		}
		s.index[item.Key()] = len(s.items)
		s.items = append(s.items, item.Clone())
		added = append(added, item.Clone())
	}
	reordered := !sort.SliceIsSorted(s.items, func(i, j int) bool {
		return feed.Precedes(s.items[i], s.items[j])
	})
	if reordered {
		feed.SortItems(s.items)
		s.reindex()
	}
	s.position = position
	s.mu.Unlock()
	for _, item := range added {
		s.publish(Change{Op: ChangeAppended, Key: item.Key(), Item: item})
	}
	if reordered {
		s.publish(Change{Op: ChangeReplaced})
	}
	return added
}

// Mark returns the journal position. A head page fetched after Mark is
// committed with CommitHead(page, position, mark).
func (s *State) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// CommitHead replaces the feed with a freshly fetched head page, keeping
// the inserts and removals committed after mark: an item inserted while
// the page was in flight stays, one removed stays gone. The result is in
// feed order.
func (s *State) CommitHead(items []feed.FeedItem, position Position, mark uint64) []feed.FeedItem {
	s.mu.Lock()
	latest := make(map[feed.ItemKey]journalEntry)
	for _, entry := range s.journal {
		if entry.seq > mark {
			latest[entry.key] = entry
		}
	}
	merged := make([]feed.FeedItem, 0, len(items)+len(latest))
	seen := make(map[feed.ItemKey]struct{}, len(items)+len(latest))
	for _, item := range items {
		key := item.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		if entry, ok := latest[key]; ok && entry.removed {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, item.Clone())
	}
	for key, entry := range latest {
		if entry.removed {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		idx, live := s.index[key]
		if !live {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, s.items[idx].Clone())
	}
	feed.SortItems(merged)
	s.items = merged
	s.reindex()
	s.position = position
	s.journal = s.journal[:0]
	committed := feed.CloneItems(s.items)
	s.mu.Unlock()
	s.publish(Change{Op: ChangeReplaced})
	return committed
}

// Insert places a single item at its ordered position. It returns false
// when the key is already loaded.
func (s *State) Insert(item feed.FeedItem) bool {
	s.mu.Lock()
	if _, dup := s.index[item.Key()]; dup {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items, item.Clone())
	feed.SortItems(s.items)
	s.reindex()
	s.record(journalEntry{key: item.Key(), item: item.Clone()})
	s.mu.Unlock()
	s.publish(Change{Op: ChangeInserted, Key: item.Key(), Item: item.Clone()})
	return true
}

// Remove deletes key and returns the removed item.
func (s *State) Remove(key feed.ItemKey) (feed.FeedItem, bool) {
	s.mu.Lock()
	idx, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return feed.FeedItem{}, false
	}
	removed := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.reindex()
	s.record(journalEntry{key: key, removed: true})
	s.mu.Unlock()
	s.publish(Change{Op: ChangeRemoved, Key: key, Item: removed})
	return removed, true
}

// UpdateInteraction rewrites only the interaction fields of one item.
func (s *State) UpdateInteraction(key feed.ItemKey, update func(feed.Interaction) feed.Interaction) (feed.Interaction, bool) {
	s.mu.Lock()
	idx, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return feed.Interaction{}, false
	}
	next := update(s.items[idx].Interaction)
	next.LikeCount = feed.ClampCount(next.LikeCount, 0)
	next.CommentCount = feed.ClampCount(next.CommentCount, 0)
	s.items[idx].Interaction = next
	item := s.items[idx].Clone()
	s.mu.Unlock()
	s.publish(Change{Op: ChangeUpdated, Key: key, Item: item})
	return next, true
}

// SetCount writes a recomputed aggregate, leaving every other field as is.
func (s *State) SetCount(key feed.ItemKey, counter feed.Counter, value int64) bool {
	_, ok := s.UpdateInteraction(key, func(in feed.Interaction) feed.Interaction {
		switch counter {
		case feed.CounterLikes:
			in.LikeCount = value
		case feed.CounterComments:
			in.CommentCount = value
		}
		return in
	})
	return ok
}

// SetCaption applies a row-level caption edit.
func (s *State) SetCaption(key feed.ItemKey, caption string) bool {
	s.mu.Lock()
	idx, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.items[idx].Caption = caption
	item := s.items[idx].Clone()
	s.mu.Unlock()
	s.publish(Change{Op: ChangeUpdated, Key: key, Item: item})
	return true
}

// FollowStatus returns the displayed follow status toward authorID and
// whether it is known.
func (s *State) FollowStatus(authorID string) (feed.FollowStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.follows[authorID]; ok {
		return status, true
	}
	return feed.FollowNone, false
}

// SetFollowStatus records the displayed follow status toward authorID.
func (s *State) SetFollowStatus(authorID string, status feed.FollowStatus) {
	s.mu.Lock()
	s.follows[authorID] = status
	s.mu.Unlock()
	s.publish(Change{Op: ChangeFollow, AuthorID: authorID, Follow: status})
}

// record appends to the journal; callers hold mu. The oldest entries are
// dropped past journalLimit.
func (s *State) record(entry journalEntry) {
	s.seq++
	entry.seq = s.seq
	if len(s.journal) >= journalLimit {
		s.journal = append(s.journal[:0], s.journal[len(s.journal)-journalLimit+1:]...)
	}
	s.journal = append(s.journal, entry)
}

func (s *State) reindex() {
	s.index = make(map[feed.ItemKey]int, len(s.items))
	for i, item := range s.items {
		s.index[item.Key()] = i
	}
}
