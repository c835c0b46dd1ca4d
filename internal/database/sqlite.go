package database

import (
	"fmt"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/outbox"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection, limited to a single writer,
// and migrates the provided models.
func OpenSQLite(path string, logger *zap.Logger, models ...interface{}) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenSyncStore opens the sync engine's local store: entity tables, outbox
// and family sync status, plus tracked migrations.
func OpenSyncStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := append(family.Models(), &outbox.Op{}, &migrationRecord{})
	db, err := OpenSQLite(path, logger, models...)
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}
	return db, nil
}
