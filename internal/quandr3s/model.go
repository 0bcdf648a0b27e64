package quandr3s

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the lifecycle states of a quandr3.
type Status string

const (
	// StatusOpen means the quandr3 is accepting votes.
	StatusOpen Status = "open"
	// StatusAwaitingResolution means the voting deadline passed and the author has not resolved yet.
	StatusAwaitingResolution Status = "awaiting_resolution"
	// StatusResolved means the author recorded a final outcome.
	StatusResolved Status = "resolved"
)

// Visibility gates whether a quandr3 appears in the general feed.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityCampus   Visibility = "campus"
	VisibilityRegional Visibility = "regional"
)

// Category is the fixed set a quandr3 is filed under.
type Category string

const (
	CategoryMoney         Category = "money"
	CategoryStyle         Category = "style"
	CategoryRelationships Category = "relationships"
	CategoryCareer        Category = "career"
	CategoryFood          Category = "food"
	CategoryTravel        Category = "travel"
	CategoryTech          Category = "tech"
	CategoryOther         Category = "other"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 280
	// MinOptions and MaxOptions bound the option list on every quandr3.
	MinOptions = 2
	MaxOptions = 4
)

var (
	// ErrInvalidQuandr3ID indicates that a quandr3 identifier is empty or exceeds storage bounds.
	ErrInvalidQuandr3ID = errors.New("quandr3s: invalid quandr3 id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("quandr3s: invalid user id")
	// ErrInvalidTitle indicates a missing or oversized title.
	ErrInvalidTitle = errors.New("quandr3s: invalid title")
	// ErrInvalidOptions indicates the option list is not 2-4 non-empty entries.
	ErrInvalidOptions = errors.New("quandr3s: invalid options")
	// ErrInvalidStatus indicates an unrecognized status value.
	ErrInvalidStatus = errors.New("quandr3s: invalid status")
	// ErrInvalidCategory indicates an unrecognized category value.
	ErrInvalidCategory = errors.New("quandr3s: invalid category")
	// ErrInvalidVisibility indicates an unrecognized visibility value.
	ErrInvalidVisibility = errors.New("quandr3s: invalid visibility")
	// ErrInvalidOptionLabel indicates a label outside A-D or out of sequence.
	ErrInvalidOptionLabel = errors.New("quandr3s: invalid option label")
)

// OptionLabels holds the fixed label sequence assigned to options by position.
var OptionLabels = []string{"A", "B", "C", "D"}

// ParseStatus normalizes raw status input to the canonical enumeration.
// Legacy rows carry ad hoc casings such as "OPEN" and "Resolved"; they are
// accepted here and never re-emitted.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StatusOpen):
		return StatusOpen, nil
	case string(StatusAwaitingResolution):
		return StatusAwaitingResolution, nil
	case string(StatusResolved):
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseCategory normalizes raw category input to the canonical enumeration.
func ParseCategory(raw string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryMoney, CategoryStyle, CategoryRelationships, CategoryCareer,
		CategoryFood, CategoryTravel, CategoryTech, CategoryOther:
		return Category(strings.ToLower(strings.TrimSpace(raw))), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
	}
}

// ParseVisibility normalizes raw visibility input to the canonical enumeration.
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case VisibilityPublic, VisibilityPrivate, VisibilityUnlisted, VisibilityCampus, VisibilityRegional:
		return Visibility(strings.ToLower(strings.TrimSpace(raw))), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// Quandr3ID represents a validated quandr3 identifier.
type Quandr3ID string

// NewQuandr3ID validates raw input and returns a Quandr3ID.
func NewQuandr3ID(rawInput string) (Quandr3ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidQuandr3ID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidQuandr3ID, maxIdentifierLength)
	}
	return Quandr3ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id Quandr3ID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Quandr3 models the persisted dilemma post.
type Quandr3 struct {
	ID                    string     `gorm:"column:quandr3_id;primaryKey;size:190;not null"`
	AuthorID              string     `gorm:"column:author_id;size:190;not null;index:idx_quandr3s_author"`
	Title                 string     `gorm:"column:title;size:280;not null"`
	Context               string     `gorm:"column:context;type:text;not null;default:''"`
	Category              Category   `gorm:"column:category;size:32;not null;index:idx_quandr3s_feed,priority:2"`
	Status                Status     `gorm:"column:status;size:32;not null;index:idx_quandr3s_feed,priority:1"`
	Visibility            Visibility `gorm:"column:visibility;size:32;not null;default:'public'"`
	MediaURL              string     `gorm:"column:media_url;size:512;not null;default:''"`
	CreatedAtSeconds      int64      `gorm:"column:created_at_s;not null;index:idx_quandr3s_feed,priority:3"`
	ClosesAtSeconds       *int64     `gorm:"column:closes_at_s"`
	ResolvedAtSeconds     *int64     `gorm:"column:resolved_at_s"`
	ResolvedOptionLabel   *string    `gorm:"column:resolved_option_label;size:1"`
	ResolutionNote        string     `gorm:"column:resolution_note;type:text;not null;default:''"`
	IsSponsored           bool       `gorm:"column:is_sponsored;not null;default:false"`
	SponsoredStartSeconds *int64     `gorm:"column:sponsored_start_s"`
	SponsoredEndSeconds   *int64     `gorm:"column:sponsored_end_s"`
	SponsorOwner          string     `gorm:"column:sponsor_owner;size:190;not null;default:''"`
	SponsorBid            int64      `gorm:"column:sponsor_bid;not null;default:0"`

	Options []Option `gorm:"foreignKey:Quandr3ID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Quandr3) TableName() string {
	return "quandr3s"
}

// Option models one labeled choice on a quandr3. Labels follow the fixed
// A,B,C,D sequence and are never reordered after creation.
type Option struct {
	Quandr3ID string `gorm:"column:quandr3_id;primaryKey;size:190;not null"`
	Label     string `gorm:"column:label;primaryKey;size:1;not null"`
	Text      string `gorm:"column:text;size:280;not null"`
	Position  int    `gorm:"column:position;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Option) TableName() string {
	return "quandr3_options"
}

// CreateRequest describes the input supplied when posting a new quandr3.
type CreateRequest struct {
	AuthorID    UserID
	Title       string
	Context     string
	Category    Category
	Visibility  Visibility
	OptionTexts []string
	ClosesAt    *time.Time
	MediaURL    string
}

// Validate checks the creation input against the structural invariants.
func (r CreateRequest) Validate() error {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	if len(r.OptionTexts) < MinOptions || len(r.OptionTexts) > MaxOptions {
		return fmt.Errorf("%w: got %d, want between %d and %d", ErrInvalidOptions, len(r.OptionTexts), MinOptions, MaxOptions)
	}
	for position, text := range r.OptionTexts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: option %s is empty", ErrInvalidOptions, OptionLabels[position])
		}
	}
	return nil
}

// EffectiveStatus recomputes the lifecycle status for the provided instant.
// A stored open status with a passed closes_at reads as awaiting_resolution;
// the stored row is untouched, so the computation is idempotent and the sweep
// may persist the same transition later without racing this read.
func EffectiveStatus(stored Status, closesAtSeconds *int64, now time.Time) Status {
	if stored != StatusOpen || closesAtSeconds == nil {
		return stored
	}
	if now.Unix() >= *closesAtSeconds {
		return StatusAwaitingResolution
	}
	return stored
}

// HasLabel reports whether the quandr3 defines the given option label.
func (q *Quandr3) HasLabel(label string) bool {
	for _, option := range q.Options {
		if option.Label == label {
			return true
		}
	}
	return false
}

// ActivelySponsored reports whether now falls inside the sponsorship window.
// A nil end means the window is open-ended.
func (q *Quandr3) ActivelySponsored(now time.Time) bool {
	if !q.IsSponsored || q.SponsoredStartSeconds == nil {
		return false
	}
	nowSeconds := now.Unix()
	if nowSeconds < *q.SponsoredStartSeconds {
		return false
	}
	if q.SponsoredEndSeconds != nil && nowSeconds > *q.SponsoredEndSeconds {
		return false
	}
	return true
}
