package database

import (
	"fmt"
	"strings"

	"github.com/quandr3/backend/internal/quandr3s"
	"github.com/quandr3/backend/internal/reports"
	"github.com/quandr3/backend/internal/users"
	"github.com/quandr3/backend/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open establishes the database connection and performs schema migrations.
// The URL scheme selects the dialect: postgres:// for PostgreSQL, sqlite://
// (or a bare path) for SQLite.
func Open(databaseURL string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"):
		dialector = postgres.Open(databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		dialector = sqlite.Open(databaseURL)
	}

	// TranslateError lets both dialects surface duplicate-key violations as
	// gorm.ErrDuplicatedKey, which the vote service relies on.
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&quandr3s.Quandr3{},
		&quandr3s.Option{},
		&votes.Vote{},
		&reports.Report{},
		&users.Profile{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if err := checkOptionCoverage(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("dialect", dialector.Name()))
	}

	return db, nil
}

// checkOptionCoverage surfaces quandr3 rows committed without the minimum
// option count. Legacy data written before option inserts became part of the
// creation transaction can carry this violation; it is reported loudly rather
// than silently tolerated.
func checkOptionCoverage(db *gorm.DB, logger *zap.Logger) error {
	var orphaned []string
	err := db.Model(&quandr3s.Quandr3{}).
		Select("quandr3s.quandr3_id").
		Joins("LEFT JOIN quandr3_options ON quandr3_options.quandr3_id = quandr3s.quandr3_id").
		Group("quandr3s.quandr3_id").
		Having("COUNT(quandr3_options.label) < ?", quandr3s.MinOptions).
		Scan(&orphaned).Error
	if err != nil {
		return err
	}
	if len(orphaned) > 0 && logger != nil {
		logger.Error("quandr3s below minimum option count, needs backfill",
			zap.Int("count", len(orphaned)),
			zap.Strings("quandr3_ids", orphaned))
	}
	return nil
}
