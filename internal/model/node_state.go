package model

import (
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
)

// NodeState is a discriminated union over Status.
// Status-variant invariants are enforced by Validate, and again at load
// time by the repository layer (a stored row that violates them is
// corruption, never silently coerced).
type NodeState struct {
	StateID       string
	TokenID       string
	NodeID        string
	StepIndex     int
	Attempt       int
	Status        contracts.NodeStateStatus
	InputHash     string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    *float64
	OutputHash    *string
	ErrorJSON     *string
	ContextBefore *string
	ContextAfter  *string
}

// Validate enforces the per-status column invariants.
// Reading a row with inconsistent null/non-null columns is a corruption
// error: callers must fail loudly rather than guess at intent.
func (s NodeState) Validate() error {
	switch s.Status {
	case contracts.StateOpen:
		if s.CompletedAt != nil || s.DurationMs != nil || s.OutputHash != nil {
			return fmt.Errorf("model: OPEN node_state %s has non-null completion columns", s.StateID)
		}
	case contracts.StatePending:
		if s.CompletedAt == nil || s.DurationMs == nil {
			return fmt.Errorf("model: PENDING node_state %s missing completed_at/duration_ms", s.StateID)
		}
		if s.OutputHash != nil {
			return fmt.Errorf("model: PENDING node_state %s must not have output_hash", s.StateID)
		}
	case contracts.StateCompleted:
		if s.CompletedAt == nil || s.DurationMs == nil || s.OutputHash == nil {
			return fmt.Errorf("model: COMPLETED node_state %s missing completed_at/duration_ms/output_hash", s.StateID)
		}
	case contracts.StateFailed:
		if s.CompletedAt == nil || s.DurationMs == nil {
			return fmt.Errorf("model: FAILED node_state %s missing completed_at/duration_ms", s.StateID)
		}
	default:
		return fmt.Errorf("model: node_state %s has unknown status %q", s.StateID, s.Status)
	}
	return nil
}
