package main

import (
	"gorm.io/gorm"

	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/pkg/database"
)

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if database.IsPostgres(db) {
		if err := enableUUIDExtension(db); err != nil {
			return err
		}
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return err
	}

	if !database.IsPostgres(db) {
		return nil
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addActiveDeployIndex,
		addBlobPrefixIndex,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// enableUUIDExtension ensures UUID generation is available
func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addActiveDeployIndex backs the deploy lock row with a database guarantee:
// at most one non-terminal attempt per project.
func addActiveDeployIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_deploy_attempts_one_active
		ON deploy_attempts(project_id)
		WHERE status IN ('pending', 'building', 'deploying')
	`).Error
}

// addBlobPrefixIndex serves the project prefix scan used when a project is deleted.
func addBlobPrefixIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_blobs_key_prefix
		ON blobs(key text_pattern_ops)
	`).Error
}
