package database

import (
	"errors"
	"time"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSyncState = "2026-06-18_backfill_entity_sync_state"

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
		{name: migrationBackfillSyncState, apply: backfillEntitySyncState},
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

// backfillEntitySyncState repairs rows written before the sync_state column
// carried a default: an empty state is treated as already synced.
func backfillEntitySyncState(db *gorm.DB) error {
	for _, model := range family.Models() {
		if _, ok := model.(*family.SyncStatus); ok {
			continue
		}
		err := db.Model(model).
			Where("sync_state = ''").
			Update("sync_state", string(family.SyncStateSynced)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
