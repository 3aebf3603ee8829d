package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record persists a notification.
type Record struct {
	ID               string `gorm:"column:notification_id;primaryKey;size:64"`
	Type             string `gorm:"column:notification_type;size:32;not null"`
	RecipientID      string `gorm:"column:recipient_id;size:190;not null;index"`
	ActorID          string `gorm:"column:actor_id;size:190;not null"`
	ContentKind      string `gorm:"column:content_kind;size:32"`
	ContentID        string `gorm:"column:content_id;size:190"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index"`
}

// TableName exposes the table backing notifications.
func (Record) TableName() string {
	return "notifications"
}

// SQLSink stores notifications through gorm.
type SQLSink struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLSink constructs a SQLSink.
func NewSQLSink(db *gorm.DB, clock func() time.Time) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("notify: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLSink{db: db, now: clock}, nil
}

// Create implements Sink.
func (s *SQLSink) Create(ctx context.Context, notification Notification) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("notify: generate id: %w", err)
	}
	record := Record{
		ID:               id.String(),
		Type:             string(notification.Type),
		RecipientID:      notification.RecipientID,
		ActorID:          notification.ActorID,
		CreatedAtSeconds: s.now().Unix(),
	}
	if notification.Content != nil {
		record.ContentKind = notification.Content.Kind.String()
		record.ContentID = notification.Content.ID
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// List returns the newest notifications for recipientID.
func (s *SQLSink) List(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at_s DESC").
		Order("notification_id DESC").
		Limit(limit).
		Find(&records).
		Error
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(records))
	for _, record := range records {
		notification := Notification{
			Type:        Type(record.Type),
			RecipientID: record.RecipientID,
			ActorID:     record.ActorID,
		}
		if record.ContentID != "" {
			notification.Content = &feed.ItemKey{Kind: feed.Kind(record.ContentKind), ID: record.ContentID}
		}
		out = append(out, notification)
	}
	return out, nil
}
