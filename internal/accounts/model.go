package accounts

import (
	"strings"
	"time"
)

// Account is an author profile with its privacy setting.
type Account struct {
	ID          string    `gorm:"column:account_id;primaryKey;size:190;not null"`
	Username    string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	IsPrivate   bool      `gorm:"column:is_private;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Follow is a directed follow edge; Status is pending or accepted.
type Follow struct {
	FollowerID string    `gorm:"column:follower_id;primaryKey;size:190;not null"`
	FolloweeID string    `gorm:"column:followee_id;primaryKey;size:190;not null;index"`
	Status     string    `gorm:"column:status;size:16;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing follow edges.
func (Follow) TableName() string {
	return "follows"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
