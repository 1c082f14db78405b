package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkwell-cms/inkwell/backend/internal/store"
)

const (
	migrationBackfillPostSyncStatus = "2026-06-14_backfill_post_sync_status"
	migrationBackfillPostKind       = "2026-07-02_backfill_post_kind"
)

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
		{name: migrationBackfillPostSyncStatus, apply: backfillPostSyncStatus},
		{name: migrationBackfillPostKind, apply: backfillPostKind},
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

// backfillPostSyncStatus repairs rows imported before the status column
// carried a default.
func backfillPostSyncStatus(db *gorm.DB) error {
	return db.Model(&store.Post{}).
		Where("status = ''").
		Update("status", string(store.SyncStatusSynced)).Error
}

// backfillPostKind repairs rows imported before kind became part of the
// natural key.
func backfillPostKind(db *gorm.DB) error {
	return db.Model(&store.Post{}).
		Where("kind = ''").
		Update("kind", store.KindPost).Error
}
