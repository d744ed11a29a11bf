package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// PostWriteCallback runs once per token after a successful sink write,
// enabling post-sink checkpointing.
type PostWriteCallback func(ctx context.Context, tok model.Token) error

// SinkExecutor opens a node state per token reaching a sink, writes the
// whole group through the plugin in one call, and closes every token's
// state as COMPLETED with output metadata. A write failure fails every
// open state in the group with the same error.
type SinkExecutor struct {
	rec    *landscape.Recorder
	tracer *tracing.Tracer
}

// NewSinkExecutor constructs a SinkExecutor.
func NewSinkExecutor(rec *landscape.Recorder, tracer *tracing.Tracer) *SinkExecutor {
	return &SinkExecutor{rec: rec, tracer: tracer}
}

// Run writes tokens/rows (same length, index-aligned) through s, completing
// each token's node state and registering exactly one Artifact for the
// group, linked to the first state for lineage.
func (e *SinkExecutor) Run(ctx context.Context, runID string, s plugin.Sink, tokens []model.Token, rows []plugin.Row, stepIndex, attempt int, after PostWriteCallback) error {
	if len(tokens) != len(rows) {
		return fmt.Errorf("executors: sink %q given %d tokens but %d rows", s.Name(), len(tokens), len(rows))
	}
	if len(tokens) == 0 {
		return fmt.Errorf("executors: sink %q invoked with no tokens", s.Name())
	}

	states := make([]model.NodeState, 0, len(tokens))
	for i, tok := range tokens {
		state, err := e.rec.BeginNodeState(ctx, tok.TokenID, s.NodeID(), stepIndex, attempt, rows[i], "")
		if err != nil {
			return fmt.Errorf("executors: begin sink node state: %w", err)
		}
		states = append(states, state)
	}

	pctx := &plugin.Context{RunID: runID, StateID: states[0].StateID, NodeID: s.NodeID(), BatchTokenIDs: tokenIDs(tokens)}

	started := time.Now()
	span := e.tracer.StartSpan(ctx, "sink."+s.Name())
	artifact, err := s.Write(span, rows, pctx)
	duration := time.Since(started)
	e.tracer.EndSpan(span)

	if err != nil {
		errJSON := jsonErr(err)
		for _, state := range states {
			if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
				Status:     contracts.StateFailed,
				DurationMs: float64(duration.Milliseconds()),
				ErrorJSON:  errJSON,
			}); cerr != nil {
				return cerr
			}
		}
		return fmt.Errorf("executors: sink %q write failed: %w", s.Name(), err)
	}

	for i, state := range states {
		if _, cerr := e.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status:     contracts.StateCompleted,
			DurationMs: float64(duration.Milliseconds()),
			OutputData: rows[i],
		}); cerr != nil {
			return cerr
		}
	}

	if _, err := e.rec.RegisterArtifact(ctx, model.Artifact{
		RunID:           runID,
		ProducedByState: states[0].StateID,
		SinkNodeID:      s.NodeID(),
		ArtifactType:    artifact.ArtifactType,
		PathOrURI:       artifact.PathOrURI,
		ContentHash:     artifact.ContentHash,
		SizeBytes:       artifact.SizeBytes,
	}); err != nil {
		return fmt.Errorf("executors: register sink artifact: %w", err)
	}

	if after != nil {
		for _, tok := range tokens {
			if err := after(ctx, tok); err != nil {
				return fmt.Errorf("executors: post-write callback for token %s: %w", tok.TokenID, err)
			}
		}
	}

	return nil
}
