package votes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/quandr3/backend/internal/quandr3s"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
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
	opServiceNew = "votes.service.new"
	opCastVote   = "votes.cast_vote"
	opResults    = "votes.results"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies for the vote aggregator.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records votes and computes per-option aggregates.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the vote aggregator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CastRequest describes one vote submission.
type CastRequest struct {
	Quandr3ID   quandr3s.Quandr3ID
	VoterID     quandr3s.UserID
	OptionLabel string
	Reasoning   string
}

// CastVote persists one vote and returns the updated aggregate. Uniqueness of
// (quandr3_id, voter_id) is enforced by the storage constraint; a duplicate
// key from the insert is the canonical ErrAlreadyVoted signal.
func (s *Service) CastVote(ctx context.Context, request CastRequest) (Results, error) {
	if s.db == nil {
		s.logError(opCastVote, "missing_database", errMissingDatabase)
		return Results{}, newServiceError(opCastVote, "missing_database", errMissingDatabase)
	}

	record, err := s.loadQuandr3(ctx, opCastVote, request.Quandr3ID)
	if err != nil {
		return Results{}, err
	}

	if quandr3s.EffectiveStatus(record.Status, record.ClosesAtSeconds, s.clock()) != quandr3s.StatusOpen {
		return Results{}, fmt.Errorf("%w: %s", ErrVotingClosed, record.ID)
	}

	label := strings.ToUpper(strings.TrimSpace(request.OptionLabel))
	if !record.HasLabel(label) {
		return Results{}, fmt.Errorf("%w: %q", ErrUnknownOptionLabel, request.OptionLabel)
	}

	vote := Vote{
		Quandr3ID:        record.ID,
		VoterID:          request.VoterID.String(),
		OptionLabel:      label,
		Reasoning:        strings.TrimSpace(request.Reasoning),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&vote).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Results{}, fmt.Errorf("%w: quandr3 %s voter %s", ErrAlreadyVoted, record.ID, vote.VoterID)
		}
		s.logError(opCastVote, "insert_failed", err,
			zap.String("quandr3_id", record.ID),
			zap.String("voter_id", vote.VoterID))
		return Results{}, newServiceError(opCastVote, "insert_failed", err)
	}

	s.logger.Info("vote recorded",
		zap.String("quandr3_id", record.ID),
		zap.String("option_label", label))

	return s.aggregate(ctx, opCastVote, record, request.VoterID.String())
}

// Results computes the aggregate a viewer is allowed to see. Counts and
// percentages are always tallied internally but only included when the viewer
// has voted or the quandr3 is resolved; that is a presentation contract, not
// a storage restriction. ViewerID may be empty for anonymous viewers.
func (s *Service) Results(ctx context.Context, id quandr3s.Quandr3ID, viewerID string) (Results, error) {
	if s.db == nil {
		s.logError(opResults, "missing_database", errMissingDatabase)
		return Results{}, newServiceError(opResults, "missing_database", errMissingDatabase)
	}

	record, err := s.loadQuandr3(ctx, opResults, id)
	if err != nil {
		return Results{}, err
	}

	return s.aggregate(ctx, opResults, record, viewerID)
}

func (s *Service) loadQuandr3(ctx context.Context, operation string, id quandr3s.Quandr3ID) (quandr3s.Quandr3, error) {
	var record quandr3s.Quandr3
	err := s.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("quandr3_id = ?", id.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return quandr3s.Quandr3{}, fmt.Errorf("%w: %s", ErrQuandr3NotFound, id.String())
	}
	if err != nil {
		s.logError(operation, "quandr3_select_failed", err, zap.String("quandr3_id", id.String()))
		return quandr3s.Quandr3{}, newServiceError(operation, "quandr3_select_failed", err)
	}
	return record, nil
}

type labelCount struct {
	OptionLabel string
	Total       int64
}

func (s *Service) aggregate(ctx context.Context, operation string, record quandr3s.Quandr3, viewerID string) (Results, error) {
	var counts []labelCount
	if err := s.db.WithContext(ctx).Model(&Vote{}).
		Select("option_label, COUNT(*) AS total").
		Where("quandr3_id = ?", record.ID).
		Group("option_label").
		Scan(&counts).Error; err != nil {
		s.logError(operation, "tally_failed", err, zap.String("quandr3_id", record.ID))
		return Results{}, newServiceError(operation, "tally_failed", err)
	}

	byLabel := make(map[string]int64, len(counts))
	var total int64
	for _, entry := range counts {
		byLabel[entry.OptionLabel] = entry.Total
		total += entry.Total
	}

	viewerHasVoted := false
	if strings.TrimSpace(viewerID) != "" {
		var voted int64
		if err := s.db.WithContext(ctx).Model(&Vote{}).
			Where("quandr3_id = ? AND voter_id = ?", record.ID, viewerID).
			Count(&voted).Error; err != nil {
			s.logError(operation, "viewer_lookup_failed", err, zap.String("quandr3_id", record.ID))
			return Results{}, newServiceError(operation, "viewer_lookup_failed", err)
		}
		viewerHasVoted = voted > 0
	}

	effective := quandr3s.EffectiveStatus(record.Status, record.ClosesAtSeconds, s.clock())
	revealed := viewerHasVoted || effective == quandr3s.StatusResolved

	results := Results{
		Quandr3ID:      record.ID,
		Options:        make([]OptionResult, 0, len(record.Options)),
		ViewerHasVoted: viewerHasVoted,
		Revealed:       revealed,
	}
	for _, option := range record.Options {
		entry := OptionResult{Label: option.Label, Text: option.Text}
		if revealed {
			count := byLabel[option.Label]
			percentage := roundedPercentage(count, total)
			entry.Count = &count
			entry.Percentage = &percentage
		}
		results.Options = append(results.Options, entry)
	}
	if revealed {
		results.TotalVotes = total
	}

	return results, nil
}

// roundedPercentage applies round-half-up. Independent rounding means the
// displayed percentages may not sum to exactly 100; that is accepted, not
// corrected.
func roundedPercentage(count, total int64) int64 {
	if total == 0 {
		return 0
	}
	return int64(math.Floor(float64(count)*100/float64(total) + 0.5))
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
	s.loggerOrDefault().Error("vote service error", attrs...)
}
