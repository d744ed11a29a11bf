package executors_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/executors"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/landscape/sqlitestore"
	"github.com/sentryflow/sentryflow/internal/routing"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

type thresholdGate struct{}

func (thresholdGate) Name() string                       { return "threshold" }
func (thresholdGate) Config() map[string]interface{}     { return nil }
func (thresholdGate) InputContract() *contracts.Contract { return nil }
func (thresholdGate) Evaluate(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.GateResult, error) {
	amount, _ := row["amount"].(int)
	if amount > 1000 {
		return plugin.GateResult{Row: row, Action: plugin.RoutingAction{Kind: contracts.ActionRoute, Label: "true"}}, nil
	}
	return plugin.GateResult{Row: row, Action: plugin.RoutingAction{Kind: contracts.ActionRoute, Label: "false"}}, nil
}

func buildGateFixture(t *testing.T) (*dag.Graph, *landscape.Recorder, string) {
	t.Helper()
	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: "csv_reader", Version: "1.0.0"},
		Sinks: []dag.SinkSpec{
			{Name: "high_sink", Plugin: "jsonl_writer", Version: "1.0.0"},
			{Name: "default_sink", Plugin: "jsonl_writer", Version: "1.0.0"},
		},
		Gates: []dag.GateSpec{
			{Name: "g", Condition: `row["amount"] > 1000`, Routes: map[string]string{"true": "high_sink", "false": "default_sink"}},
		},
		OutputSink: "default_sink",
	}
	g, err := dag.NewBuilder("run-gate", spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	ctx := context.Background()
	_, err = rec.BeginRun(ctx, "run-gate", "sha256:x", nil, "1.0")
	require.NoError(t, err)
	for _, n := range g.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range g.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}
	return g, rec, "run-gate"
}

func TestGateExecutorResolvesRouteAndCompletesState(t *testing.T) {
	ctx := context.Background()
	g, rec, runID := buildGateFixture(t)
	router := routing.New(g, rec)
	exec := executors.NewGateExecutor(rec, router, tracing.NewTracer(nil))

	gateNodeID := g.ProducerRegistry["g"]
	row, err := rec.CreateRow(ctx, runID, g.SourceNodeID, 0, map[string]interface{}{"amount": 1500}, "")
	require.NoError(t, err)
	tok, err := rec.CreateToken(ctx, row.RowID, landscape.TokenOpts{})
	require.NoError(t, err)

	out, err := exec.Run(ctx, runID, thresholdGate{}, gateNodeID, tok, plugin.Row{"amount": 1500}, 0, 0)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
}
