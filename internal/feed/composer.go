package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quandr3/backend/internal/quandr3s"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	defaultPageSize = 25
	maxPageSize     = 50
)

const opCompose = "feed.compose"

// Filters narrows the candidate set before ordering.
type Filters struct {
	Category *quandr3s.Category
	Status   *quandr3s.Status
}

// Item is one feed entry a client renders.
type Item struct {
	Quandr3   quandr3s.Quandr3 `json:"quandr3"`
	Sponsored bool             `json:"sponsored"`
}

// ComposerConfig describes the dependencies and paging bounds of the composer.
type ComposerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	// PageSize is the default item cap; MaxPageSize bounds caller-supplied limits.
	PageSize    int
	MaxPageSize int
}

// Composer produces the ordered public feed: actively sponsored quandr3s
// first, then organic ones, each group by recency.
type Composer struct {
	db          *gorm.DB
	logger      *zap.Logger
	pageSize    int
	maxPageSize int
}

// NewComposer constructs the feed composer.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opCompose, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxSize := cfg.MaxPageSize
	if maxSize <= 0 {
		maxSize = maxPageSize
	}
	return &Composer{db: cfg.Database, logger: logger, pageSize: pageSize, maxPageSize: maxSize}, nil
}

// Compose selects public quandr3s matching the filters and orders them:
// the actively sponsored group first, then the organic group, each by
// created_at descending with the id as tie-break. The output is a pure
// function of the stored snapshot and now, so identical inputs reproduce
// the same order.
func (c *Composer) Compose(ctx context.Context, filters Filters, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = c.pageSize
	}
	if limit > c.maxPageSize {
		limit = c.maxPageSize
	}

	wantStatus := quandr3s.StatusOpen
	if filters.Status != nil {
		wantStatus = *filters.Status
	}

	query := c.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("visibility = ?", quandr3s.VisibilityPublic)
	if filters.Category != nil {
		query = query.Where("category = ?", *filters.Category)
	}

	var candidates []quandr3s.Quandr3
	if err := query.Find(&candidates).Error; err != nil {
		c.logger.Error("feed composition failed",
			zap.String("operation", opCompose),
			zap.String("reason", "query_failed"),
			zap.Error(err))
		return nil, fmt.Errorf("%s.query_failed: %w", opCompose, err)
	}

	// Status filtering happens on the effective status so a quandr3 whose
	// deadline just passed drops out of the open feed before the sweep runs.
	// The returned records carry that same effective status.
	candidates = lo.Filter(candidates, func(record quandr3s.Quandr3, _ int) bool {
		return quandr3s.EffectiveStatus(record.Status, record.ClosesAtSeconds, now) == wantStatus
	})
	for index := range candidates {
		candidates[index].Status = quandr3s.EffectiveStatus(candidates[index].Status, candidates[index].ClosesAtSeconds, now)
	}

	sponsored, organic := lo.FilterReject(candidates, func(record quandr3s.Quandr3, _ int) bool {
		return record.ActivelySponsored(now)
	})
	sortByRecency(sponsored)
	sortByRecency(organic)

	items := make([]Item, 0, len(sponsored)+len(organic))
	items = append(items, lo.Map(sponsored, func(record quandr3s.Quandr3, _ int) Item {
		return Item{Quandr3: record, Sponsored: true}
	})...)
	items = append(items, lo.Map(organic, func(record quandr3s.Quandr3, _ int) Item {
		return Item{Quandr3: record, Sponsored: false}
	})...)

	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func sortByRecency(records []quandr3s.Quandr3) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAtSeconds != records[j].CreatedAtSeconds {
			return records[i].CreatedAtSeconds > records[j].CreatedAtSeconds
		}
		return records[i].ID < records[j].ID
	})
}
