// Package executors implements the per-node-kind execution contracts:
// transform, gate, aggregation, and sink executors, each wrapping a
// single plugin call with full audit recording.
package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// TransformExecutor runs a single-row (or batch-aware) transform plugin
// call with full audit recording around one attempt; retry is the caller's
// concern.
type TransformExecutor struct {
	rec    *landscape.Recorder
	tracer *tracing.Tracer
}

// NewTransformExecutor constructs a TransformExecutor.
func NewTransformExecutor(rec *landscape.Recorder, tracer *tracing.Tracer) *TransformExecutor {
	return &TransformExecutor{rec: rec, tracer: tracer}
}

// Outcome is what the orchestrator needs back from one transform attempt:
// the possibly-updated row, its contract, or a routing instruction when the
// row was diverted to an on_error sink.
type Outcome struct {
	Row            plugin.Row
	Contract       *contracts.Contract
	RoutedToSink   string // non-empty when the row was diverted per on_error
	Discarded      bool
}

// Run executes one transform attempt for tok against row. inContract is
// the contract the input row arrived with; it is the last-resort contract
// for the updated row when neither the result nor the plugin declares one.
func (e *TransformExecutor) Run(ctx context.Context, runID string, t plugin.Transform, nodeID string, tok model.Token, row plugin.Row, inContract *contracts.Contract, stepIndex, attempt int) (Outcome, error) {
	state, err := e.rec.BeginNodeState(ctx, tok.TokenID, nodeID, stepIndex, attempt, row, "")
	if err != nil {
		return Outcome{}, fmt.Errorf("executors: begin transform node state: %w", err)
	}

	pctx := &plugin.Context{RunID: runID, StateID: state.StateID, NodeID: nodeID, TokenID: tok.TokenID}

	started := time.Now()
	var result plugin.TransformResult
	var procErr error
	span := e.tracer.StartSpan(ctx, "transform."+t.Name())
	result, procErr = t.Process(span, row, pctx)
	duration := time.Since(started)
	e.tracer.EndSpan(span)

	if procErr != nil {
		var pending *plugin.BatchPending
		if errors.As(procErr, &pending) {
			return Outcome{}, fmt.Errorf("executors: transform %q returned BatchPending from a non-aggregation context", t.Name())
		}
		if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status:     contracts.StateFailed,
			DurationMs: float64(duration.Milliseconds()),
			ErrorJSON:  jsonErr(procErr),
		}); cerr != nil {
			return Outcome{}, cerr
		}
		return Outcome{}, procErr
	}

	if result.Error != "" {
		if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status:     contracts.StateFailed,
			DurationMs: float64(duration.Milliseconds()),
			ErrorJSON:  &result.Error,
		}); cerr != nil {
			return Outcome{}, cerr
		}
		onError := t.OnError()
		if onError == "" {
			return Outcome{}, engineerr.NewConfigError("transform %q reported an error with no on_error configured: %s", t.Name(), result.Error)
		}
		if onError == "discard" {
			return Outcome{Discarded: true}, nil
		}
		return Outcome{RoutedToSink: onError}, nil
	}

	if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
		Status:     contracts.StateCompleted,
		DurationMs: float64(duration.Milliseconds()),
		OutputData: result.Row,
	}); cerr != nil {
		return Outcome{}, cerr
	}

	outContract := result.OutputContract
	if outContract == nil {
		outContract = t.OutputContract()
	}
	if outContract == nil {
		outContract = inContract
	}
	if outContract == nil {
		return Outcome{}, engineerr.NewPluginContractError(t.Name(), "produced a row with no output contract and the input token carried none either")
	}
	return Outcome{Row: result.Row, Contract: outContract}, nil
}
