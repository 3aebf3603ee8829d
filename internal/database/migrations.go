package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/contentstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanedInteractions = "2026-10-01_prune_orphaned_interactions"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneOrphanedInteractions, apply: pruneOrphanedInteractions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// pruneOrphanedInteractions removes likes, saves and comments whose item
// no longer exists in either content table.
func pruneOrphanedInteractions(db *gorm.DB) error {
	const orphaned = "NOT EXISTS (SELECT 1 FROM posts WHERE posts.item_id = %[1]s.item_id AND %[1]s.content_kind = 'post') " +
		"AND NOT EXISTS (SELECT 1 FROM short_videos WHERE short_videos.item_id = %[1]s.item_id AND %[1]s.content_kind = 'short-video')"
	return db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface {
			TableName() string
		}{contentstore.Like{}, contentstore.Save{}, contentstore.Comment{}} {
			table := model.TableName()
			if err := tx.Exec("DELETE FROM " + table + " WHERE " + fmt.Sprintf(orphaned, table)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
