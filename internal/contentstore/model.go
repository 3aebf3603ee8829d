package contentstore

import (
	"time"
)

// Post is a stored photo post.
type Post struct {
	ID            string   `gorm:"column:item_id;primaryKey;size:190;not null"`
	AuthorID      string   `gorm:"column:author_id;size:190;not null;index:idx_posts_author_created,priority:1"`
	Caption       string   `gorm:"column:caption;type:text"`
	ImageURLs     []string `gorm:"column:image_urls;type:text;serializer:json"`
	CreatedAtNano int64    `gorm:"column:created_at_ns;not null;index:idx_posts_author_created,priority:2"`
}

// TableName exposes the table backing posts.
func (Post) TableName() string {
	return "posts"
}

// ShortVideo is a stored short video.
type ShortVideo struct {
	ID              string `gorm:"column:item_id;primaryKey;size:190;not null"`
	AuthorID        string `gorm:"column:author_id;size:190;not null;index:idx_short_videos_author_created,priority:1"`
	Caption         string `gorm:"column:caption;type:text"`
	VideoURL        string `gorm:"column:video_url;size:1024;not null"`
	ThumbnailURL    string `gorm:"column:thumbnail_url;size:1024"`
	DurationSeconds int    `gorm:"column:duration_s;not null;default:0"`
	ViewCount       int64  `gorm:"column:view_count;not null;default:0"`
	CreatedAtNano   int64  `gorm:"column:created_at_ns;not null;index:idx_short_videos_author_created,priority:2"`
}

// TableName exposes the table backing short videos.
func (ShortVideo) TableName() string {
	return "short_videos"
}

// Like records that UserID liked an item.
type Like struct {
	ContentKind string    `gorm:"column:content_kind;primaryKey;size:32;not null"`
	ItemID      string    `gorm:"column:item_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing likes.
func (Like) TableName() string {
	return "item_likes"
}

// Save records that UserID saved an item.
type Save struct {
	ContentKind string    `gorm:"column:content_kind;primaryKey;size:32;not null"`
	ItemID      string    `gorm:"column:item_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing saves.
func (Save) TableName() string {
	return "item_saves"
}

// Comment is a comment on an item.
type Comment struct {
	ID          string    `gorm:"column:comment_id;primaryKey;size:64;not null"`
	ContentKind string    `gorm:"column:content_kind;size:32;not null;index:idx_item_comments_item,priority:1"`
	ItemID      string    `gorm:"column:item_id;size:190;not null;index:idx_item_comments_item,priority:2"`
	AuthorID    string    `gorm:"column:author_id;size:190;not null"`
	Body        string    `gorm:"column:body;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing comments.
func (Comment) TableName() string {
	return "item_comments"
}

// Models lists every model the store needs migrated.
func Models() []interface{} {
	return []interface{}{&Post{}, &ShortVideo{}, &Like{}, &Save{}, &Comment{}}
}
