package model

import "time"

// RowRecord is the persisted source record plus its payload hash.
type RowRecord struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int64
	SourceDataHash string
	SourceDataRef  *string
	CreatedAt      time.Time
}

// Token is a per-row execution handle. Tokens are immutable except for
// their outcome record, which is tracked separately (TokenOutcome).
type Token struct {
	TokenID       string
	RowID         string
	ForkGroupID   *string
	JoinGroupID   *string
	ExpandGroupID *string
	BranchName    *string
	StepInPipeline *int
	CreatedAt     time.Time
}

// TokenParent links a child token to a parent, with an ordinal preserving
// the order in which the child was produced relative to its siblings. A
// token may have multiple TokenParent rows when it is the merged child of a
// coalesce (many parents -> one child); a parent may appear in multiple
// TokenParent rows when it is the source of a fork (one parent -> many
// children).
type TokenParent struct {
	ChildTokenID  string
	ParentTokenID string
	Ordinal       int
}
