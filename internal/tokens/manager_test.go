package tokens_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/landscape/sqlitestore"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tokens"
)

func newManager(t *testing.T) (*tokens.Manager, *landscape.Recorder, string) {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	run, err := rec.BeginRun(context.Background(), "", "sha256:x", nil, "1.0")
	require.NoError(t, err)
	return tokens.New(rec), rec, run.RunID
}

func TestForkProducesOneChildPerBranch(t *testing.T) {
	ctx := context.Background()
	mgr, rec, runID := newManager(t)
	row, err := rec.CreateRow(ctx, runID, "source_x_aaaa", 0, map[string]interface{}{}, "")
	require.NoError(t, err)
	parent, err := rec.CreateToken(ctx, row.RowID, landscape.TokenOpts{})
	require.NoError(t, err)

	children, err := mgr.Fork(ctx, runID, parent, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		require.NotNil(t, c.ForkGroupID)
		require.NotNil(t, c.BranchName)
	}
}

func TestCoalesceMergesParentsIntoOneChild(t *testing.T) {
	ctx := context.Background()
	mgr, rec, runID := newManager(t)
	row, err := rec.CreateRow(ctx, runID, "source_x_aaaa", 0, map[string]interface{}{}, "")
	require.NoError(t, err)
	p1, err := rec.CreateToken(ctx, row.RowID, landscape.TokenOpts{})
	require.NoError(t, err)
	p2, err := rec.CreateToken(ctx, row.RowID, landscape.TokenOpts{})
	require.NoError(t, err)

	child, err := mgr.Coalesce(ctx, runID, "join-1", []model.Token{p1, p2})
	require.NoError(t, err)
	require.NotEmpty(t, child.TokenID)
}
