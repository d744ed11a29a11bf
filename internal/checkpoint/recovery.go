package checkpoint

import (
	"context"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/triggers"
)

// RecoveryManager identifies the resumable position of a crashed or
// paused run: which rows still have a non-terminal token, and what
// in-flight aggregation buffers need restoring.
type RecoveryManager struct {
	rec  *landscape.Recorder
	ckpt *Manager
}

// NewRecoveryManager constructs a RecoveryManager over a recorder and its
// checkpoint manager.
func NewRecoveryManager(rec *landscape.Recorder, ckpt *Manager) *RecoveryManager {
	return &RecoveryManager{rec: rec, ckpt: ckpt}
}

// RestoredAggregation is one aggregation node's buffer rebuilt from a
// checkpoint payload, ready to hand to the aggregation executor.
type RestoredAggregation struct {
	NodeID    string
	BatchID   string
	Rows      []map[string]interface{}
	TokenIDs  []string
	Evaluator *triggers.Evaluator
}

// Plan is what the orchestrator needs to resume a run: the tokens it must
// re-drive through the graph, plus any in-flight aggregation buffers.
type Plan struct {
	UnprocessedTokens []model.Token
	Aggregations      []RestoredAggregation
}

// Resolve builds a resume Plan for runID. cfgs supplies each aggregation
// node's trigger Config by node_id, since the checkpoint payload itself
// only carries restorable offsets, not the static trigger thresholds
// (those come from the compiled graph, not the audit trail).
func (r *RecoveryManager) Resolve(ctx context.Context, runID string, cfgs map[string]triggers.Config) (Plan, error) {
	tokens, err := r.rec.GetUnprocessedTokens(ctx, runID)
	if err != nil {
		return Plan{}, fmt.Errorf("checkpoint: resolve unprocessed tokens: %w", err)
	}

	payload, ok, err := r.ckpt.Load(ctx, runID)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{UnprocessedTokens: tokens}
	if !ok {
		return plan, nil
	}

	for _, buf := range payload.Aggregations {
		cfg, known := cfgs[buf.NodeID]
		if !known {
			return Plan{}, fmt.Errorf("checkpoint: restored buffer for unknown aggregation node %q", buf.NodeID)
		}
		plan.Aggregations = append(plan.Aggregations, RestoredAggregation{
			NodeID:    buf.NodeID,
			BatchID:   buf.BatchID,
			Rows:      buf.Rows,
			TokenIDs:  buf.TokenIDs,
			Evaluator: triggers.Restore(cfg, buf.TriggerState),
		})
	}
	return plan, nil
}
