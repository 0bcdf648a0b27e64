package votes

import "errors"

var (
	// ErrAlreadyVoted indicates a second vote for the same (quandr3, voter) pair.
	// It is derived from the storage uniqueness constraint, never from a
	// check-then-insert, so concurrent submissions cannot both land.
	ErrAlreadyVoted = errors.New("votes: already voted")
	// ErrQuandr3NotFound indicates the vote targets an unknown quandr3.
	ErrQuandr3NotFound = errors.New("votes: quandr3 not found")
	// ErrUnknownOptionLabel indicates the chosen label is not defined on the quandr3.
	ErrUnknownOptionLabel = errors.New("votes: unknown option label")
	// ErrVotingClosed indicates the quandr3 no longer accepts votes.
	ErrVotingClosed = errors.New("votes: voting closed")
)

// Vote models one recorded choice. Rows are insert-only; a resubmission is
// rejected rather than updated.
type Vote struct {
	Quandr3ID        string `gorm:"column:quandr3_id;primaryKey;size:190;not null;uniqueIndex:idx_votes_quandr3_voter,priority:1"`
	VoterID          string `gorm:"column:voter_id;primaryKey;size:190;not null;uniqueIndex:idx_votes_quandr3_voter,priority:2"`
	OptionLabel      string `gorm:"column:option_label;size:1;not null"`
	Reasoning        string `gorm:"column:reasoning;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// OptionResult carries the tally for one option. Count and Percentage are
// pointers so the results-hidden-until-vote rule can omit them entirely.
type OptionResult struct {
	Label      string `json:"label"`
	Text       string `json:"text"`
	Count      *int64 `json:"count,omitempty"`
	Percentage *int64 `json:"percentage,omitempty"`
}

// Results is the aggregate returned to viewers. TotalVotes is zero and the
// per-option numbers are omitted when the viewer is not eligible to see them.
type Results struct {
	Quandr3ID      string         `json:"quandr3_id"`
	Options        []OptionResult `json:"options"`
	TotalVotes     int64          `json:"total_votes"`
	ViewerHasVoted bool           `json:"viewer_has_voted"`
	Revealed       bool           `json:"revealed"`
}
