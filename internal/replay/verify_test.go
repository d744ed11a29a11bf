package replay_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/landscape/sqlitestore"
	"github.com/sentryflow/sentryflow/internal/replay"
)

func newTestRecorder(t *testing.T) *landscape.Recorder {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return landscape.NewRecorder(db)
}

// oneRowOneNode creates a run with a single row and a single completed
// node state carrying the given output value, returning the run_id.
func oneRowOneNode(t *testing.T, ctx context.Context, rec *landscape.Recorder, outputValue string) string {
	t.Helper()
	run, err := rec.BeginRun(ctx, "", "sha256:cfg", nil, "1.0")
	require.NoError(t, err)
	row, err := rec.CreateRow(ctx, run.RunID, "source_csv_abc", 0, map[string]interface{}{"id": "1"}, "")
	require.NoError(t, err)
	tok, err := rec.CreateToken(ctx, row.RowID, landscape.TokenOpts{})
	require.NoError(t, err)
	st, err := rec.BeginNodeState(ctx, tok.TokenID, "transform_passthrough_abc", 1, 0, map[string]interface{}{"id": "1"}, "")
	require.NoError(t, err)
	_, err = rec.CompleteNodeState(ctx, st.StateID, landscape.CompletionInput{
		Status: contracts.StateCompleted, DurationMs: 1, OutputData: map[string]interface{}{"id": "1", "v": outputValue},
	})
	require.NoError(t, err)
	return run.RunID
}

func TestVerifierCompareIdenticalRunsProducesNoMismatches(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	sourceRunID := oneRowOneNode(t, ctx, rec, "a")
	verifyRunID := oneRowOneNode(t, ctx, rec, "a")

	v := replay.New(rec)
	mismatches, err := v.Compare(ctx, sourceRunID, verifyRunID)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestVerifierCompareDivergentOutputIsReported(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	sourceRunID := oneRowOneNode(t, ctx, rec, "a")
	verifyRunID := oneRowOneNode(t, ctx, rec, "b")

	v := replay.New(rec)
	mismatches, err := v.Compare(ctx, sourceRunID, verifyRunID)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, "transform_passthrough_abc", mismatches[0].NodeID)
	require.Equal(t, "output_hash diverged", mismatches[0].Reason)
	require.NotEqual(t, *mismatches[0].SourceOutputHash, *mismatches[0].VerifyOutputHash)
}

func TestVerifierCompareMissingNodeStateIsReported(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	sourceRunID := oneRowOneNode(t, ctx, rec, "a")
	verifyRun, err := rec.BeginRun(ctx, "", "sha256:cfg", nil, "1.0")
	require.NoError(t, err)

	v := replay.New(rec)
	mismatches, err := v.Compare(ctx, sourceRunID, verifyRun.RunID)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Contains(t, mismatches[0].Reason, "missing from verify run")
}
