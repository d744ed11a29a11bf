// Package tokens implements the token manager: the
// lifecycle of per-row execution handles across fork, coalesce, and expand,
// plus their TokenParent and outcome bookkeeping.
package tokens

import (
	"context"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
)

// Manager creates and retires tokens through the recorder, keeping every
// fork/coalesce/expand transition paired with its TokenParent rows and
// parent outcome.
type Manager struct {
	rec *landscape.Recorder
}

// New constructs a Manager backed by rec.
func New(rec *landscape.Recorder) *Manager {
	return &Manager{rec: rec}
}

// Fork produces one child token per branch name from a single parent,
// sharing a new fork_group_id, and records the parent's outcome as FORKED
// (terminal for the token, but not row-completing on its own).
func (m *Manager) Fork(ctx context.Context, runID string, parent model.Token, branches []string) ([]model.Token, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("tokens: fork requires at least one branch")
	}
	forkGroupID := fmt.Sprintf("fork_%s", parent.TokenID)

	children := make([]model.Token, 0, len(branches))
	for i, branch := range branches {
		branchName := branch
		child, err := m.rec.CreateToken(ctx, parent.RowID, landscape.TokenOpts{
			ForkGroupID: &forkGroupID,
			BranchName:  &branchName,
		})
		if err != nil {
			return nil, fmt.Errorf("tokens: fork create child for branch %q: %w", branch, err)
		}
		if err := m.rec.RecordTokenParent(ctx, child.TokenID, parent.TokenID, i); err != nil {
			return nil, fmt.Errorf("tokens: fork record parent link: %w", err)
		}
		children = append(children, child)
	}

	if _, err := m.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
		RunID:       runID,
		TokenID:     parent.TokenID,
		Outcome:     contracts.OutcomeForked,
		ForkGroupID: &forkGroupID,
	}); err != nil {
		return nil, fmt.Errorf("tokens: fork record parent outcome: %w", err)
	}
	return children, nil
}

// Coalesce merges N parent tokens sharing a join_group_id into one child,
// recording each parent's outcome as COALESCED (terminal) and the child's
// TokenParent rows in parent order.
func (m *Manager) Coalesce(ctx context.Context, runID, joinGroupID string, parents []model.Token) (model.Token, error) {
	if len(parents) == 0 {
		return model.Token{}, fmt.Errorf("tokens: coalesce requires at least one parent")
	}
	rowID := parents[0].RowID
	child, err := m.rec.CreateToken(ctx, rowID, landscape.TokenOpts{JoinGroupID: &joinGroupID})
	if err != nil {
		return model.Token{}, fmt.Errorf("tokens: coalesce create child: %w", err)
	}
	for i, parent := range parents {
		if err := m.rec.RecordTokenParent(ctx, child.TokenID, parent.TokenID, i); err != nil {
			return model.Token{}, fmt.Errorf("tokens: coalesce record parent link: %w", err)
		}
		if _, err := m.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID:       runID,
			TokenID:     parent.TokenID,
			Outcome:     contracts.OutcomeCoalesced,
			JoinGroupID: &joinGroupID,
		}); err != nil {
			return model.Token{}, fmt.Errorf("tokens: coalesce record parent outcome: %w", err)
		}
	}
	return child, nil
}

// DropAtCoalesce records a non-terminal, non-row-completing outcome for a
// branch token that arrived at a coalesce but was not selected into the
// merge (quorum/best_effort policies letting a late branch go unused).
func (m *Manager) DropAtCoalesce(ctx context.Context, runID, joinGroupID string, tok model.Token) error {
	_, err := m.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
		RunID:       runID,
		TokenID:     tok.TokenID,
		Outcome:     contracts.OutcomeDroppedAtCoalesce,
		JoinGroupID: &joinGroupID,
	})
	if err != nil {
		return fmt.Errorf("tokens: record dropped-at-coalesce outcome: %w", err)
	}
	return nil
}

// Expand creates one child token per deaggregated output row, sharing a new
// expand_group_id, and records the parent's outcome as EXPANDED (terminal
// marker, not row-completing).
func (m *Manager) Expand(ctx context.Context, runID string, parent model.Token, childRowIDs []string) ([]model.Token, error) {
	if len(childRowIDs) == 0 {
		return nil, fmt.Errorf("tokens: expand requires at least one output row")
	}
	expandGroupID := fmt.Sprintf("expand_%s", parent.TokenID)

	children := make([]model.Token, 0, len(childRowIDs))
	for i, rowID := range childRowIDs {
		child, err := m.rec.CreateToken(ctx, rowID, landscape.TokenOpts{ExpandGroupID: &expandGroupID})
		if err != nil {
			return nil, fmt.Errorf("tokens: expand create child: %w", err)
		}
		if err := m.rec.RecordTokenParent(ctx, child.TokenID, parent.TokenID, i); err != nil {
			return nil, fmt.Errorf("tokens: expand record parent link: %w", err)
		}
		children = append(children, child)
	}

	if _, err := m.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
		RunID:         runID,
		TokenID:       parent.TokenID,
		Outcome:       contracts.OutcomeExpanded,
		ExpandGroupID: &expandGroupID,
	}); err != nil {
		return nil, fmt.Errorf("tokens: expand record parent outcome: %w", err)
	}
	return children, nil
}
