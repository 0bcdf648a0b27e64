package quandr3s

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates no quandr3 exists for the requested identifier.
	ErrNotFound = errors.New("quandr3s: not found")
	// ErrNotAuthor indicates the caller does not own the quandr3.
	ErrNotAuthor = errors.New("quandr3s: caller is not the author")
	// ErrAlreadyResolved indicates the quandr3 left the resolvable states.
	ErrAlreadyResolved = errors.New("quandr3s: already resolved")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "quandr3s.service.new"
	opCreate     = "quandr3s.create"
	opGet        = "quandr3s.get"
	opResolve    = "quandr3s.resolve"
	opSweep      = "quandr3s.sweep_awaiting_resolution"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues opaque identifiers for new quandr3s.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the lifecycle manager.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the quandr3 lifecycle: creation, resolution and the
// awaiting_resolution transition.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the lifecycle service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create validates the request and persists the quandr3 with its options in
// one transaction, so a quandr3 row can never be committed without its full
// option list.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Quandr3ID, error) {
	if s.db == nil {
		s.logError(opCreate, "missing_database", errMissingDatabase)
		return "", newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	if err := request.Validate(); err != nil {
		return "", err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return "", newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	record := Quandr3{
		ID:               id,
		AuthorID:         request.AuthorID.String(),
		Title:            strings.TrimSpace(request.Title),
		Context:          strings.TrimSpace(request.Context),
		Category:         request.Category,
		Status:           StatusOpen,
		Visibility:       request.Visibility,
		MediaURL:         strings.TrimSpace(request.MediaURL),
		CreatedAtSeconds: now.Unix(),
	}
	if record.Visibility == "" {
		record.Visibility = VisibilityPublic
	}
	if request.ClosesAt != nil {
		closesAt := request.ClosesAt.Unix()
		record.ClosesAtSeconds = &closesAt
	}

	options := make([]Option, 0, len(request.OptionTexts))
	for position, text := range request.OptionTexts {
		options = append(options, Option{
			Quandr3ID: id,
			Label:     OptionLabels[position],
			Text:      strings.TrimSpace(text),
			Position:  position,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Create(&options).Error
	})
	if txErr != nil {
		s.logError(opCreate, "insert_failed", txErr, zap.String("quandr3_id", id))
		return "", newServiceError(opCreate, "insert_failed", txErr)
	}

	s.logger.Info("quandr3 created",
		zap.String("quandr3_id", id),
		zap.String("author_id", record.AuthorID),
		zap.Int("options", len(options)))

	return Quandr3ID(id), nil
}

// Get loads one quandr3 with its options. The returned status is the
// effective status for the current instant.
func (s *Service) Get(ctx context.Context, id Quandr3ID) (Quandr3, error) {
	if s.db == nil {
		s.logError(opGet, "missing_database", errMissingDatabase)
		return Quandr3{}, newServiceError(opGet, "missing_database", errMissingDatabase)
	}

	var record Quandr3
	err := s.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("quandr3_id = ?", id.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quandr3{}, fmt.Errorf("%w: %s", ErrNotFound, id.String())
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("quandr3_id", id.String()))
		return Quandr3{}, newServiceError(opGet, "query_failed", err)
	}

	record.Status = EffectiveStatus(record.Status, record.ClosesAtSeconds, s.clock())
	return record, nil
}

// ResolveRequest describes the author's final outcome for a quandr3.
type ResolveRequest struct {
	ID          Quandr3ID
	CallerID    UserID
	OptionLabel string
	Note        string
}

// Resolve transitions the quandr3 to resolved. Only the author may resolve,
// only from open or awaiting_resolution, and the resolved fields are written
// exactly once.
func (s *Service) Resolve(ctx context.Context, request ResolveRequest) (Quandr3, error) {
	if s.db == nil {
		s.logError(opResolve, "missing_database", errMissingDatabase)
		return Quandr3{}, newServiceError(opResolve, "missing_database", errMissingDatabase)
	}

	var resolved Quandr3
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Quandr3
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
			Where("quandr3_id = ?", request.ID.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, request.ID.String())
		}
		if err != nil {
			return newServiceError(opResolve, "select_failed", err)
		}

		if record.AuthorID != request.CallerID.String() {
			return ErrNotAuthor
		}
		if record.Status == StatusResolved {
			return ErrAlreadyResolved
		}
		if !record.HasLabel(request.OptionLabel) {
			return fmt.Errorf("%w: %q", ErrInvalidOptionLabel, request.OptionLabel)
		}

		resolvedAt := s.clock().UTC().Unix()
		label := request.OptionLabel
		updates := map[string]interface{}{
			"status":                StatusResolved,
			"resolved_at_s":         resolvedAt,
			"resolved_option_label": label,
			"resolution_note":       strings.TrimSpace(request.Note),
		}
		if err := tx.Model(&Quandr3{}).
			Where("quandr3_id = ?", record.ID).
			Updates(updates).Error; err != nil {
			return newServiceError(opResolve, "update_failed", err)
		}

		record.Status = StatusResolved
		record.ResolvedAtSeconds = &resolvedAt
		record.ResolvedOptionLabel = &label
		record.ResolutionNote = strings.TrimSpace(request.Note)
		resolved = record
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotFound) || errors.Is(txErr, ErrNotAuthor) ||
			errors.Is(txErr, ErrAlreadyResolved) || errors.Is(txErr, ErrInvalidOptionLabel) {
			return Quandr3{}, txErr
		}
		s.logError(opResolve, "transaction_failed", txErr, zap.String("quandr3_id", request.ID.String()))
		return Quandr3{}, txErr
	}

	s.logger.Info("quandr3 resolved",
		zap.String("quandr3_id", resolved.ID),
		zap.Stringp("option_label", resolved.ResolvedOptionLabel))

	return resolved, nil
}

// SweepAwaitingResolution persists the open to awaiting_resolution transition
// for every quandr3 whose deadline has passed. The sweep is idempotent: rows
// already moved match nothing on the next run.
func (s *Service) SweepAwaitingResolution(ctx context.Context) (int64, error) {
	if s.db == nil {
		s.logError(opSweep, "missing_database", errMissingDatabase)
		return 0, newServiceError(opSweep, "missing_database", errMissingDatabase)
	}

	result := s.db.WithContext(ctx).Model(&Quandr3{}).
		Where("status = ? AND closes_at_s IS NOT NULL AND closes_at_s <= ?", StatusOpen, s.clock().Unix()).
		Update("status", StatusAwaitingResolution)
	if result.Error != nil {
		s.logError(opSweep, "update_failed", result.Error)
		return 0, newServiceError(opSweep, "update_failed", result.Error)
	}

	if result.RowsAffected > 0 {
		s.logger.Info("quandr3s moved to awaiting resolution", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("quandr3 service error", attrs...)
}
