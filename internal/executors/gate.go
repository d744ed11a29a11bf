package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/routing"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// GateExecutor runs a gate plugin (or a config-expression gate wrapped in
// the same interface) and resolves its RoutingAction into recorded routing
// events. The node state always completes as COMPLETED for a successful
// evaluation — terminal row state is derived from routing events, never
// stored on the gate itself.
type GateExecutor struct {
	rec    *landscape.Recorder
	router *routing.Router
	tracer *tracing.Tracer
}

// NewGateExecutor constructs a GateExecutor.
func NewGateExecutor(rec *landscape.Recorder, router *routing.Router, tracer *tracing.Tracer) *GateExecutor {
	return &GateExecutor{rec: rec, router: router, tracer: tracer}
}

// GateOutcome carries the resolved routing events plus the gate's
// (possibly amended) row and contract.
type GateOutcome struct {
	Row      plugin.Row
	Contract *contracts.Contract
	Events   []model.RoutingEvent
}

// Run evaluates one gate for tok against row.
func (e *GateExecutor) Run(ctx context.Context, runID string, g plugin.Gate, nodeID string, tok model.Token, row plugin.Row, stepIndex, attempt int) (GateOutcome, error) {
	state, err := e.rec.BeginNodeState(ctx, tok.TokenID, nodeID, stepIndex, attempt, row, "")
	if err != nil {
		return GateOutcome{}, fmt.Errorf("executors: begin gate node state: %w", err)
	}

	pctx := &plugin.Context{RunID: runID, StateID: state.StateID, NodeID: nodeID, TokenID: tok.TokenID}

	started := time.Now()
	span := e.tracer.StartSpan(ctx, "gate."+g.Name())
	result, err := g.Evaluate(span, row, pctx)
	duration := time.Since(started)
	e.tracer.EndSpan(span)

	if err != nil {
		if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status:     contracts.StateFailed,
			DurationMs: float64(duration.Milliseconds()),
			ErrorJSON:  jsonErr(err),
		}); cerr != nil {
			return GateOutcome{}, cerr
		}
		return GateOutcome{}, err
	}

	action := routing.Action{
		Kind:       result.Action.Kind,
		Label:      result.Action.Label,
		ForkLabels: result.Action.ForkLabels,
	}
	events, err := e.router.Resolve(ctx, state.StateID, nodeID, stepIndex, attempt, action)
	if err != nil {
		return GateOutcome{}, err
	}

	if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
		Status:     contracts.StateCompleted,
		DurationMs: float64(duration.Milliseconds()),
		OutputData: result.Row,
	}); cerr != nil {
		return GateOutcome{}, cerr
	}

	return GateOutcome{Row: result.Row, Contract: result.Contract, Events: events}, nil
}
