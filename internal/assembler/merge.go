package assembler

import "github.com/MarcoPoloResearchLab/feedsync/internal/feed"

// Merge concatenates per-kind lists, each fetched with the same limit,
// orders them, and truncates to limit. The cursor is taken from the last
// item actually returned so items cut by truncation are fetched again on
// the next page.
func Merge(lists [][]feed.FeedItem, limit int, before feed.Cursor) feed.FeedPage {
	total := 0
	sourceFull := false
	for _, list := range lists {
		total += len(list)
		if len(list) >= limit {
			sourceFull = true
		}
	}

	merged := make([]feed.FeedItem, 0, total)
	seen := make(map[feed.ItemKey]struct{}, total)
	for _, list := range lists {
		for _, item := range list {
			if !before.Admits(item) {
				continue
			}
			if _, dup := seen[item.Key()]; dup {
				continue
			}
			seen[item.Key()] = struct{}{}
			merged = append(merged, item)
		}
	}
	feed.SortItems(merged)

	truncated := len(merged) > limit
	if truncated {
		merged = merged[:limit]
	}

	page := feed.FeedPage{
		Items:   merged,
		Cursor:  before,
		HasMore: truncated || sourceFull,
	}
	if len(merged) > 0 {
		page.Cursor = feed.CursorAfter(merged[len(merged)-1])
	}
	return page
}

// Dedupe drops incoming items whose (id, kind) is already displayed. The
// second result lists dropped keys whose createdAt differs from the
// displayed copy.
func Dedupe(displayed []feed.FeedItem, incoming []feed.FeedItem) ([]feed.FeedItem, []feed.ItemKey) {
	existing := make(map[feed.ItemKey]feed.FeedItem, len(displayed))
	for _, item := range displayed {
		existing[item.Key()] = item
	}
	fresh := make([]feed.FeedItem, 0, len(incoming))
	var drifted []feed.ItemKey
	for _, item := range incoming {
		if current, found := existing[item.Key()]; found {
			if !current.CreatedAt.Equal(item.CreatedAt) {
				drifted = append(drifted, item.Key())
			}
			continue
		}
		existing[item.Key()] = item
		fresh = append(fresh, item)
	}
	return fresh, drifted
}
