package feedtest

import (
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

// Epoch anchors test timestamps; At(n) is n seconds after it.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// At returns Epoch plus seconds.
func At(seconds int64) time.Time {
	return Epoch.Add(time.Duration(seconds) * time.Second)
}

// Post builds a post record created At(seconds).
func Post(id, authorID string, seconds int64) feed.Record {
	return feed.Record{
		Kind:      feed.KindPost,
		ID:        id,
		AuthorID:  authorID,
		CreatedAt: At(seconds),
		Caption:   "post " + id,
		ImageURLs: []string{"https://cdn.example.test/" + id + ".jpg"},
	}
}

// Video builds a short-video record created At(seconds).
func Video(id, authorID string, seconds int64) feed.Record {
	return feed.Record{
		Kind:            feed.KindShortVideo,
		ID:              id,
		AuthorID:        authorID,
		CreatedAt:       At(seconds),
		Caption:         "video " + id,
		VideoURL:        "https://cdn.example.test/" + id + ".mp4",
		ThumbnailURL:    "https://cdn.example.test/" + id + ".png",
		DurationSeconds: 15,
	}
}

// PostKey returns the key of a post.
func PostKey(id string) feed.ItemKey {
	return feed.ItemKey{Kind: feed.KindPost, ID: id}
}

// VideoKey returns the key of a short video.
func VideoKey(id string) feed.ItemKey {
	return feed.ItemKey{Kind: feed.KindShortVideo, ID: id}
}
