package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/internal/triggers"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// AggregationState is the per-node structural buffer the engine owns:
// the engine, not the plugin, tracks which tokens are
// in-flight for a batch_id, so a crash mid-batch can be resumed from the
// recorded batch_members alone.
type AggregationState struct {
	BatchID   string
	Rows      []plugin.Row
	Tokens    []model.Token
	Evaluator *triggers.Evaluator
}

// AggregationExecutor buffers rows for an aggregation node and flushes
// them through a batch-aware transform plugin once a trigger fires.
type AggregationExecutor struct {
	rec    *landscape.Recorder
	tracer *tracing.Tracer
}

// NewAggregationExecutor constructs an AggregationExecutor.
func NewAggregationExecutor(rec *landscape.Recorder, tracer *tracing.Tracer) *AggregationExecutor {
	return &AggregationExecutor{rec: rec, tracer: tracer}
}

// Accept buffers one token/row pair into st, creating a new draft batch on
// first accept. st must be non-nil; the caller owns its lifetime (one per
// aggregation node).
func (e *AggregationExecutor) Accept(ctx context.Context, runID, nodeID string, attempt int, st *AggregationState, tok model.Token, row plugin.Row, now time.Time) error {
	if st.BatchID == "" {
		b, err := e.rec.CreateBatch(ctx, runID, nodeID, attempt, "")
		if err != nil {
			return fmt.Errorf("executors: create batch: %w", err)
		}
		st.BatchID = b.BatchID
	}
	ordinal := len(st.Rows)
	if err := e.rec.AddBatchMember(ctx, st.BatchID, tok.TokenID, ordinal); err != nil {
		return fmt.Errorf("executors: add batch member: %w", err)
	}
	st.Rows = append(st.Rows, row)
	st.Tokens = append(st.Tokens, tok)
	st.Evaluator.Accept(now)
	return nil
}

// FlushResult is what the caller needs after a successful (non-pending)
// flush: the plugin's batch result, the tokens consumed, and the batch_id
// they should be marked CONSUMED_IN_BATCH against.
type FlushResult struct {
	Result      plugin.TransformResult
	Tokens      []model.Token
	BatchID     string
	TriggerType contracts.TriggerType
}

// Flush runs the batch flush flow. On a BatchPending
// signal from the plugin, the batch is left in executing with its node
// state PENDING and buffers intact; ok is false and the caller must not
// treat this as failure.
func (e *AggregationExecutor) Flush(ctx context.Context, runID string, t plugin.Transform, nodeID string, attempt int, st *AggregationState, triggerType contracts.TriggerType) (FlushResult, bool, error) {
	if len(st.Rows) == 0 {
		return FlushResult{}, false, fmt.Errorf("executors: flush called on an empty aggregation buffer")
	}

	if err := e.rec.UpdateBatchStatus(ctx, st.BatchID, contracts.BatchExecuting, &triggerType, nil, nil); err != nil {
		return FlushResult{}, false, err
	}

	inputHashSrc := map[string]interface{}{"batch_rows": st.Rows}
	stepIndex := 0
	if st.Tokens[0].StepInPipeline != nil {
		stepIndex = *st.Tokens[0].StepInPipeline
	}
	state, err := e.rec.BeginNodeState(ctx, st.Tokens[0].TokenID, nodeID, stepIndex, attempt, inputHashSrc, "")
	if err != nil {
		return FlushResult{}, false, fmt.Errorf("executors: begin aggregation node state: %w", err)
	}

	pctx := &plugin.Context{
		RunID:         runID,
		StateID:       state.StateID,
		NodeID:        nodeID,
		BatchTokenIDs: tokenIDs(st.Tokens),
	}

	started := time.Now()
	span := e.tracer.StartSpan(ctx, "aggregation."+t.Name())
	result, procErr := t.ProcessBatch(span, st.Rows, pctx)
	duration := time.Since(started)
	e.tracer.EndSpan(span)

	if procErr != nil {
		var pending *plugin.BatchPending
		if errors.As(procErr, &pending) {
			completionStateID := state.StateID
			if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
				Status:     contracts.StatePending,
				DurationMs: float64(duration.Milliseconds()),
			}); cerr != nil {
				return FlushResult{}, false, cerr
			}
			if err := e.rec.UpdateBatchStatus(ctx, st.BatchID, contracts.BatchExecuting, nil, nil, &completionStateID); err != nil {
				return FlushResult{}, false, err
			}
			return FlushResult{}, false, nil
		}
		if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status:     contracts.StateFailed,
			DurationMs: float64(duration.Milliseconds()),
			ErrorJSON:  jsonErr(procErr),
		}); cerr != nil {
			return FlushResult{}, false, cerr
		}
		if err := e.rec.CompleteBatch(ctx, st.BatchID, contracts.BatchFailed); err != nil {
			return FlushResult{}, false, err
		}
		return FlushResult{}, false, procErr
	}

	completionStatus := contracts.StateCompleted
	batchStatus := contracts.BatchCompleted
	var errJSON *string
	if result.Error != "" {
		completionStatus = contracts.StateFailed
		batchStatus = contracts.BatchFailed
		errJSON = &result.Error
	}
	if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
		Status:     completionStatus,
		DurationMs: float64(duration.Milliseconds()),
		OutputData: result.Row,
		ErrorJSON:  errJSON,
	}); cerr != nil {
		return FlushResult{}, false, cerr
	}
	if err := e.rec.CompleteBatch(ctx, st.BatchID, batchStatus); err != nil {
		return FlushResult{}, false, err
	}

	flushed := FlushResult{Result: result, Tokens: st.Tokens, BatchID: st.BatchID, TriggerType: triggerType}

	st.BatchID = ""
	st.Rows = nil
	st.Tokens = nil
	st.Evaluator.Reset()

	return flushed, true, nil
}

func tokenIDs(tokens []model.Token) []string {
	ids := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.TokenID
	}
	return ids
}
