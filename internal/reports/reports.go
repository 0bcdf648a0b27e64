package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quandr3/backend/internal/quandr3s"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReportStatus enumerates the moderation states of a report.
type ReportStatus string

const (
	// StatusOpen means no moderator has looked at the report yet.
	StatusOpen ReportStatus = "open"
	// StatusActioned means a moderator handled the report.
	StatusActioned ReportStatus = "actioned"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrEmptyReason indicates a report without a reason.
	ErrEmptyReason = errors.New("reports: reason is required")
)

const (
	opFile     = "reports.file"
	opListOpen = "reports.list_open"
)

// Report links a reporter to a quandr3 with a free-text reason. The core
// takes no action on reports; they exist for moderation display.
type Report struct {
	ID               string       `gorm:"column:report_id;primaryKey;size:190;not null"`
	Quandr3ID        string       `gorm:"column:quandr3_id;size:190;not null;index:idx_reports_quandr3"`
	ReporterID       string       `gorm:"column:reporter_id;size:190;not null"`
	Reason           string       `gorm:"column:reason;type:text;not null"`
	Status           ReportStatus `gorm:"column:status;size:16;not null;default:'open'"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// ServiceConfig describes the dependencies for the report service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider quandr3s.IDProvider
	Logger     *zap.Logger
}

// Service records and lists moderation reports.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider quandr3s.IDProvider
	logger     *zap.Logger
}

// NewService constructs the report service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("reports.service.new: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("reports.service.new: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// File records a new open report against a quandr3.
func (s *Service) File(ctx context.Context, quandr3ID quandr3s.Quandr3ID, reporterID quandr3s.UserID, reason string) (Report, error) {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return Report{}, ErrEmptyReason
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Error("report id generation failed", zap.String("operation", opFile), zap.Error(err))
		return Report{}, fmt.Errorf("%s.id_generation_failed: %w", opFile, err)
	}

	record := Report{
		ID:               id,
		Quandr3ID:        quandr3ID.String(),
		ReporterID:       reporterID.String(),
		Reason:           trimmed,
		Status:           StatusOpen,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("report insert failed",
			zap.String("operation", opFile),
			zap.String("quandr3_id", record.Quandr3ID),
			zap.Error(err))
		return Report{}, fmt.Errorf("%s.insert_failed: %w", opFile, err)
	}
	return record, nil
}

// ListOpen returns open reports, oldest first.
func (s *Service) ListOpen(ctx context.Context) ([]Report, error) {
	var records []Report
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusOpen).
		Order("created_at_s ASC").
		Find(&records).Error; err != nil {
		s.logger.Error("report listing failed", zap.String("operation", opListOpen), zap.Error(err))
		return nil, fmt.Errorf("%s.query_failed: %w", opListOpen, err)
	}
	return records, nil
}
