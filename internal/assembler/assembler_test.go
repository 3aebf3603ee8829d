package assembler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feedtest"
	"github.com/MarcoPoloResearchLab/feedsync/internal/gateway"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestAssembler(t *testing.T, store *feedtest.Store, graph *feedtest.Graph, pageSize int, logger *zap.Logger) *Assembler {
	t.Helper()
	gw, err := gateway.New(gateway.Config{Store: store, Graph: graph, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	asm, err := New(Config{Source: gw, PageSize: pageSize, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct assembler: %v", err)
	}
	return asm
}

func TestPageReturnsGloballyMostRecentItems(t *testing.T) {
	store := feedtest.NewStore()
	store.Add(
		feedtest.Post("a100", "u1", 100), feedtest.Post("a90", "u1", 90), feedtest.Post("a80", "u1", 80),
		feedtest.Video("b95", "u1", 95), feedtest.Video("b85", "u1", 85), feedtest.Video("b70", "u1", 70),
	)
	asm := newTestAssembler(t, store, feedtest.NewGraph(), 4, nil)

	page, err := asm.Page(context.Background(), "u1", feed.Cursor{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a100", "b95", "a90", "b85"}
	if len(page.Items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(page.Items))
	}
	for i, id := range want {
		if page.Items[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, page.Items[i].ID)
		}
	}
	if !page.Cursor.CreatedAt.Equal(feedtest.At(85)) {
		t.Fatalf("expected cursor at 85, got %v", page.Cursor.CreatedAt)
	}
	if !page.HasMore || page.Status != feed.PageComplete {
		t.Fatalf("expected more complete pages, got hasMore=%v status=%s", page.HasMore, page.Status)
	}

	next, err := asm.Page(context.Background(), "u1", page.Cursor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next.Items) != 2 || next.Items[0].ID != "a80" || next.Items[1].ID != "b70" {
		t.Fatalf("truncated items must be fetched again, got %v", feedtest.Keys(next.Items))
	}
	if next.HasMore {
		t.Fatalf("expected last page")
	}
}

func TestPaginationVisitsEveryEligibleItemOnce(t *testing.T) {
	store := feedtest.NewStore()
	graph := feedtest.NewGraph()
	graph.AddAccount(feed.AuthorSummary{ID: "friend"})
	graph.AddAccount(feed.AuthorSummary{ID: "locked", IsPrivate: true})
	graph.AddAccount(feed.AuthorSummary{ID: "locked-pending", IsPrivate: true})
	graph.Follow("u1", "friend", feed.FollowAccepted)
	graph.Follow("u1", "locked", feed.FollowAccepted)
	graph.Follow("u1", "locked-pending", feed.FollowPending)
	store.SetPrivate("locked", true)
	store.SetPrivate("locked-pending", true)

	var eligible []feed.FeedItem
	add := func(record feed.Record, visible bool) {
		store.Add(record)
		if visible {
			eligible = append(eligible, feed.FeedItem{ID: record.ID, Kind: record.Kind, CreatedAt: record.CreatedAt})
		}
	}
	// A long run of recent posts so one kind dominates several pages.
	for i := 0; i < 12; i++ {
		add(feedtest.Post(fmt.Sprintf("p%02d", i), "friend", int64(1000-i)), true)
	}
	// Videos interleaved with posts, including createdAt ties across kinds.
	for i := 0; i < 9; i++ {
		add(feedtest.Video(fmt.Sprintf("v%02d", i), "u1", int64(990-i*3)), true)
	}
	add(feedtest.Post("tie-a", "locked", 500), true)
	add(feedtest.Post("tie-b", "friend", 500), true)
	add(feedtest.Video("tie-c", "u1", 500), true)
	add(feedtest.Post("stranger", "nobody", 995), false)
	add(feedtest.Video("pending", "locked-pending", 994), false)

	asm := newTestAssembler(t, store, graph, 4, nil)

	var collected []feed.FeedItem
	cursor := feed.Cursor{}
	for pages := 0; ; pages++ {
		if pages > 50 {
			t.Fatalf("pagination did not terminate")
		}
		page, err := asm.Page(context.Background(), "u1", cursor)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		collected = append(collected, page.Items...)
		if len(page.Items) > 0 {
			last := page.Items[len(page.Items)-1]
			if !page.Cursor.CreatedAt.Equal(last.CreatedAt) {
				t.Fatalf("cursor must be the minimum createdAt returned")
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	want := feedtest.SortedKeys(eligible)
	got := feedtest.Keys(collected)
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestPageDegradesWhenOneKindFails(t *testing.T) {
	store := feedtest.NewStore()
	store.Add(feedtest.Post("p1", "u1", 10), feedtest.Video("v1", "u1", 20))
	store.FailKind(feed.KindShortVideo, errors.New("video source down"))

	core, logs := observer.New(zapcore.WarnLevel)
	asm := newTestAssembler(t, store, feedtest.NewGraph(), 15, zap.New(core))

	page, err := asm.Page(context.Background(), "u1", feed.Cursor{})
	if err != nil {
		t.Fatalf("partial failure must not fail the page: %v", err)
	}
	if page.Status != feed.PagePartial {
		t.Fatalf("expected partial status, got %s", page.Status)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "p1" {
		t.Fatalf("expected surviving post, got %v", feedtest.Keys(page.Items))
	}
	if len(page.FailedKinds) != 1 || page.FailedKinds[0] != feed.KindShortVideo {
		t.Fatalf("unexpected failed kinds %v", page.FailedKinds)
	}
	if logs.FilterMessage("content source failed, degrading page").Len() != 1 {
		t.Fatalf("expected the failed kind to be logged")
	}
}

func TestPageFallsBackToOwnContentWhenSocialQueriesFail(t *testing.T) {
	store := feedtest.NewStore()
	graph := feedtest.NewGraph()
	graph.Follow("u1", "friend", feed.FollowAccepted)
	store.Add(feedtest.Post("own", "u1", 10), feedtest.Post("friend-post", "friend", 20))
	store.QueryHook = func(kind feed.Kind, filter feed.Filter) error {
		if len(filter.AuthorIDs) > 1 {
			return errors.New("social graph query timed out")
		}
		return nil
	}

	asm := newTestAssembler(t, store, graph, 15, nil)
	page, err := asm.Page(context.Background(), "u1", feed.Cursor{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Status != feed.PageOwnContentOnly {
		t.Fatalf("expected own-content fallback, got %s", page.Status)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "own" {
		t.Fatalf("expected only own content, got %v", feedtest.Keys(page.Items))
	}
}

func TestPageFallsBackWhenGraphUnavailable(t *testing.T) {
	store := feedtest.NewStore()
	graph := feedtest.NewGraph()
	graph.FailFollowing(errors.New("graph down"))
	store.Add(feedtest.Post("own", "u1", 10))

	asm := newTestAssembler(t, store, graph, 15, nil)
	page, err := asm.Page(context.Background(), "u1", feed.Cursor{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Status != feed.PageOwnContentOnly || len(page.Items) != 1 {
		t.Fatalf("expected own-content page, got %s with %d items", page.Status, len(page.Items))
	}
}

func TestPageReportsUnavailableWithoutError(t *testing.T) {
	store := feedtest.NewStore()
	store.FailKind(feed.KindPost, errors.New("down"))
	store.FailKind(feed.KindShortVideo, errors.New("down"))

	asm := newTestAssembler(t, store, feedtest.NewGraph(), 15, nil)
	before := feed.Cursor{CreatedAt: feedtest.At(50), Kind: feed.KindPost, ID: "x"}
	page, err := asm.Page(context.Background(), "u1", before)
	if err != nil {
		t.Fatalf("total failure must surface as a status, got %v", err)
	}
	if page.Status != feed.PageUnavailable || len(page.Items) != 0 {
		t.Fatalf("expected unavailable empty page, got %s", page.Status)
	}
	if page.Cursor != before || !page.HasMore {
		t.Fatalf("unavailable page should keep the cursor for retry")
	}
}

func TestPageReturnsContextCancellation(t *testing.T) {
	store := feedtest.NewStore()
	asm := newTestAssembler(t, store, feedtest.NewGraph(), 15, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := asm.Page(ctx, "u1", feed.Cursor{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestDedupeDropsDisplayedKeys(t *testing.T) {
	displayed := []feed.FeedItem{
		{ID: "1", Kind: feed.KindPost, CreatedAt: feedtest.At(10)},
		{ID: "1", Kind: feed.KindShortVideo, CreatedAt: feedtest.At(9)},
	}
	incoming := []feed.FeedItem{
		{ID: "1", Kind: feed.KindPost, CreatedAt: feedtest.At(11)},
		{ID: "2", Kind: feed.KindPost, CreatedAt: feedtest.At(8)},
		{ID: "2", Kind: feed.KindPost, CreatedAt: feedtest.At(8)},
	}
	fresh, drifted := Dedupe(displayed, incoming)
	if len(fresh) != 1 || fresh[0].ID != "2" {
		t.Fatalf("expected only the new post, got %v", feedtest.Keys(fresh))
	}
	if len(drifted) != 1 || drifted[0] != (feed.ItemKey{Kind: feed.KindPost, ID: "1"}) {
		t.Fatalf("expected drifted createdAt to be reported, got %v", drifted)
	}
}
