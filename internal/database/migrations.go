package database

import (
	"errors"
	"time"

	"github.com/quandr3/backend/internal/quandr3s"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeStatusCasing = "2026-08-12_normalize_status_casing"

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
		{name: migrationNormalizeStatusCasing, apply: normalizeStatusCasing},
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

// normalizeStatusCasing rewrites legacy rows carrying ad hoc status strings
// such as "OPEN" or "Resolved" to the canonical lowercase enumeration.
func normalizeStatusCasing(db *gorm.DB) error {
	canonical := []quandr3s.Status{
		quandr3s.StatusOpen,
		quandr3s.StatusAwaitingResolution,
		quandr3s.StatusResolved,
	}
	for _, status := range canonical {
		if err := db.Model(&quandr3s.Quandr3{}).
			Where("LOWER(status) = ? AND status <> ?", string(status), string(status)).
			Update("status", string(status)).Error; err != nil {
			return err
		}
	}
	return nil
}
