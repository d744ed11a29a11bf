package executors_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/executors"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/landscape/sqlitestore"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/internal/triggers"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

func newTestRecorder(t *testing.T) *landscape.Recorder {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return landscape.NewRecorder(db)
}

func mustCreateToken(t *testing.T, rec *landscape.Recorder, runID, nodeID string, rowIndex int64) model.Token {
	t.Helper()
	ctx := context.Background()
	row, err := rec.CreateRow(ctx, runID, nodeID, rowIndex, map[string]interface{}{"n": rowIndex}, "")
	require.NoError(t, err)
	step := 1
	tok, err := rec.CreateToken(ctx, row.RowID, landscape.TokenOpts{StepInPipeline: &step})
	require.NoError(t, err)
	return tok
}

type sumBatchTransform struct{}

func (sumBatchTransform) Name() string                             { return "sum_batch" }
func (sumBatchTransform) Config() map[string]interface{}           { return nil }
func (sumBatchTransform) InputContract() *contracts.Contract       { return nil }
func (sumBatchTransform) OutputContract() *contracts.Contract      { return nil }
func (sumBatchTransform) OnError() string                          { return "" }
func (sumBatchTransform) BatchAware() bool                         { return true }
func (sumBatchTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (sumBatchTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	var total float64
	for _, r := range rows {
		if n, ok := r["n"].(float64); ok {
			total += n
		}
	}
	return plugin.TransformResult{Row: plugin.Row{"total": total, "count": len(rows)}}, nil
}

func TestAggregationAcceptAndFlushOnCount(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)
	exec := executors.NewAggregationExecutor(rec, tracing.NewTracer(nil))

	_, err := rec.BeginRun(ctx, "run-1", "sha256:cfg", nil, "1.0")
	require.NoError(t, err)

	st := &executors.AggregationState{Evaluator: triggers.New(triggers.Config{Count: 2})}
	now := time.Now()

	tok1 := mustCreateToken(t, rec, "run-1", "source_a", 0)
	require.NoError(t, exec.Accept(ctx, "run-1", "agg_sum", 0, st, tok1, plugin.Row{"n": float64(1)}, now))
	require.NotEmpty(t, st.BatchID)

	tok2 := mustCreateToken(t, rec, "run-1", "source_a", 1)
	require.NoError(t, exec.Accept(ctx, "run-1", "agg_sum", 0, st, tok2, plugin.Row{"n": float64(2)}, now.Add(time.Millisecond)))

	fire, kind, err := st.Evaluator.ShouldFlush(now.Add(time.Millisecond), nil, false)
	require.NoError(t, err)
	require.True(t, fire)
	require.Equal(t, contracts.TriggerCount, kind)

	result, ok, err := exec.Flush(ctx, "run-1", sumBatchTransform{}, "agg_sum", 0, st, kind)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(3), result.Result.Row["total"])
	require.Len(t, result.Tokens, 2)
	require.Empty(t, st.BatchID, "flush must reset the buffer for the next batch")
	require.Empty(t, st.Rows)
}

type pendingBatchTransform struct{}

func (pendingBatchTransform) Name() string                        { return "pending_batch" }
func (pendingBatchTransform) Config() map[string]interface{}      { return nil }
func (pendingBatchTransform) InputContract() *contracts.Contract  { return nil }
func (pendingBatchTransform) OutputContract() *contracts.Contract { return nil }
func (pendingBatchTransform) OnError() string                     { return "" }
func (pendingBatchTransform) BatchAware() bool                    { return true }
func (pendingBatchTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (pendingBatchTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, &plugin.BatchPending{Reason: "awaiting remote completion"}
}

func TestAggregationFlushPendingLeavesBuffersIntact(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)
	exec := executors.NewAggregationExecutor(rec, tracing.NewTracer(nil))

	_, err := rec.BeginRun(ctx, "run-2", "sha256:cfg", nil, "1.0")
	require.NoError(t, err)

	st := &executors.AggregationState{Evaluator: triggers.New(triggers.Config{Count: 1})}
	tok := mustCreateToken(t, rec, "run-2", "source_a", 0)
	require.NoError(t, exec.Accept(ctx, "run-2", "agg_remote", 0, st, tok, plugin.Row{"n": float64(1)}, time.Now()))

	_, ok, err := exec.Flush(ctx, "run-2", pendingBatchTransform{}, "agg_remote", 0, st, contracts.TriggerCount)
	require.NoError(t, err)
	require.False(t, ok, "a BatchPending signal must not be treated as a completed flush")
	require.NotEmpty(t, st.BatchID, "buffers must survive a pending flush for a later resume")
	require.Len(t, st.Rows, 1)
}
