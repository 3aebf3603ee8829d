package contentstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "content.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(Models(), &accounts.Account{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate content schema: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := New(Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func allFilter(viewer string, authors ...string) feed.Filter {
	return feed.Filter{ViewerID: viewer, AuthorIDs: authors, PrivateAllowed: authors}
}

func TestQueryPageOrdersAndPaginates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.CreatePost(ctx, NewPost{ID: fmt.Sprintf("p%d", i), AuthorID: "u1"}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	first, err := store.QueryPage(ctx, feed.KindPost, allFilter("u1", "u1"), feed.Cursor{}, 3)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(first) != 3 || first[0].ID != "p4" || first[2].ID != "p2" {
		t.Fatalf("unexpected first page %+v", first)
	}
	last := first[len(first)-1]
	cursor := feed.Cursor{CreatedAt: last.CreatedAt, Kind: last.Kind, ID: last.ID}
	second, err := store.QueryPage(ctx, feed.KindPost, allFilter("u1", "u1"), cursor, 3)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(second) != 2 || second[0].ID != "p1" || second[1].ID != "p0" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestQueryPageBreaksTimestampTies(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for _, id := range []string{"a", "b", "c"} {
		if err := db.Create(&Post{ID: id, AuthorID: "u1", CreatedAtNano: at}).Error; err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	if err := db.Create(&ShortVideo{ID: "v", AuthorID: "u1", VideoURL: "https://cdn/v.mp4", CreatedAtNano: at}).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	cursor := feed.Cursor{CreatedAt: time.Unix(0, at).UTC(), Kind: feed.KindPost, ID: "b"}
	posts, err := store.QueryPage(ctx, feed.KindPost, allFilter("u1", "u1"), cursor, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "a" {
		t.Fatalf("expected only a after the cursor, got %+v", posts)
	}
	videos, err := store.QueryPage(ctx, feed.KindShortVideo, allFilter("u1", "u1"), cursor, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(videos) != 1 {
		t.Fatalf("expected the tied video to sort after the post cursor, got %+v", videos)
	}
}

func TestQueryPageGatesPrivateAuthors(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	if err := db.Create(&accounts.Account{ID: "secret", Username: "secret", IsPrivate: true}).Error; err != nil {
		t.Fatalf("insert account failed: %v", err)
	}
	if _, err := store.CreatePost(ctx, NewPost{ID: "hidden", AuthorID: "secret"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.CreatePost(ctx, NewPost{ID: "open", AuthorID: "public"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	filter := feed.Filter{ViewerID: "viewer", AuthorIDs: []string{"secret", "public"}}
	records, err := store.QueryPage(ctx, feed.KindPost, filter, feed.Cursor{}, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "open" {
		t.Fatalf("expected private author to be gated, got %+v", records)
	}
	filter.PrivateAllowed = []string{"secret"}
	records, _ = store.QueryPage(ctx, feed.KindPost, filter, feed.Cursor{}, 10)
	if len(records) != 2 {
		t.Fatalf("expected accepted private author to be admitted, got %+v", records)
	}
}

func TestWriteReturnsAuthoritativeCounts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateVideo(ctx, NewVideo{ID: "v1", AuthorID: "author", VideoURL: "https://cdn/v1.mp4"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Write(ctx, feed.KindShortVideo, "v1", feed.Mutation{Type: feed.MutationLike, ActorID: "other"}); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	record, err := store.Write(ctx, feed.KindShortVideo, "v1", feed.Mutation{Type: feed.MutationLike, ActorID: "viewer"})
	if err != nil {
		t.Fatalf("like failed: %v", err)
	}
	if record.LikeCount != 2 || !record.ViewerHasLiked {
		t.Fatalf("unexpected record after like %+v", record)
	}
	record, _ = store.Write(ctx, feed.KindShortVideo, "v1", feed.Mutation{Type: feed.MutationLike, ActorID: "viewer"})
	if record.LikeCount != 2 {
		t.Fatalf("expected repeated like to be idempotent, got %d", record.LikeCount)
	}
	record, _ = store.Write(ctx, feed.KindShortVideo, "v1", feed.Mutation{Type: feed.MutationSave, ActorID: "viewer"})
	if !record.ViewerHasSaved {
		t.Fatalf("expected saved flag")
	}
	record, _ = store.Write(ctx, feed.KindShortVideo, "v1", feed.Mutation{Type: feed.MutationUnlike, ActorID: "viewer"})
	if record.LikeCount != 1 || record.ViewerHasLiked {
		t.Fatalf("unexpected record after unlike %+v", record)
	}
	count, err := store.QueryCount(ctx, feed.KindShortVideo, "v1", feed.CounterLikes)
	if err != nil || count != 1 {
		t.Fatalf("expected recomputed count 1, got %d %v", count, err)
	}
	if _, err := store.Write(ctx, feed.KindPost, "missing", feed.Mutation{Type: feed.MutationLike, ActorID: "viewer"}); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPushStreamAnnouncesRowChanges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, release, err := store.Subscribe(ctx, feed.SubscriptionScope{Kinds: []feed.Kind{feed.KindPost}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer release()

	if _, err := store.CreateVideo(ctx, NewVideo{ID: "v", AuthorID: "u1", VideoURL: "https://cdn/v.mp4"}); err != nil {
		t.Fatalf("create video failed: %v", err)
	}
	if _, err := store.CreatePost(ctx, NewPost{ID: "p", AuthorID: "u1"}); err != nil {
		t.Fatalf("create post failed: %v", err)
	}
	if err := store.AddComment(ctx, feed.ItemKey{Kind: feed.KindPost, ID: "p"}, "u2", "nice"); err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	if err := store.UpdateCaption(ctx, feed.ItemKey{Kind: feed.KindPost, ID: "p"}, "u1", "edited"); err != nil {
		t.Fatalf("caption failed: %v", err)
	}
	if err := store.Delete(ctx, feed.KindPost, "p", "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	want := []feed.PushOp{feed.PushInsert, feed.PushUpdate, feed.PushUpdate, feed.PushDelete}
	for i, op := range want {
		select {
		case event := <-stream:
			if event.Op != op || event.Kind != feed.KindPost || event.ID != "p" {
				t.Fatalf("event %d: expected %s on p, got %+v", i, op, event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	store.DisconnectSubscribers()
	if _, open := <-stream; open {
		t.Fatalf("expected stream to close on disconnect")
	}
	if store.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after disconnect")
	}
}

func TestDeleteRequiresAuthor(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreatePost(ctx, NewPost{ID: "p", AuthorID: "owner"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Delete(ctx, feed.KindPost, "p", "intruder"); !errors.Is(err, feed.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := store.Delete(ctx, feed.KindPost, "p", "owner"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Lookup(ctx, feed.KindPost, "p", "owner"); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("expected deleted item to be gone, got %v", err)
	}
}

func TestCreateRejectsIncompleteContent(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.CreateVideo(context.Background(), NewVideo{AuthorID: "u1"}); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected invalid content, got %v", err)
	}
	record, err := store.CreatePost(context.Background(), NewPost{AuthorID: "u1", ImageURLs: []string{"https://cdn/a.jpg"}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.ID == "" || len(record.ImageURLs) != 1 {
		t.Fatalf("expected generated id and image urls, got %+v", record)
	}
}
