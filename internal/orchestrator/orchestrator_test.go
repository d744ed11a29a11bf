package orchestrator_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/landscape/sqlitestore"
	"github.com/sentryflow/sentryflow/internal/orchestrator"
	"github.com/sentryflow/sentryflow/internal/payloadstore"
	"github.com/sentryflow/sentryflow/internal/registry"
	"github.com/sentryflow/sentryflow/internal/resilience"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// registrySeq keeps every test's registered plugin names unique, since
// internal/registry's capability table is process-global.
var registrySeq int64

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, atomic.AddInt64(&registrySeq, 1))
}

type sliceSource struct {
	rows []plugin.Row
	i    int
}

func (s *sliceSource) Name() string                       { return "slice_source" }
func (s *sliceSource) Config() map[string]interface{}     { return nil }
func (s *sliceSource) OutputContract() *contracts.Contract { return nil }
func (s *sliceSource) OnValidationFailure() string        { return "" }
func (s *sliceSource) OnStart(ctx context.Context) error  { return nil }
func (s *sliceSource) Close(ctx context.Context) error    { return nil }
func (s *sliceSource) Next(ctx context.Context) (plugin.Row, bool, error) {
	if s.i >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.i]
	s.i++
	return row, true, nil
}

type upperTransform struct{}

func (upperTransform) Name() string                        { return "upper" }
func (upperTransform) Config() map[string]interface{}      { return nil }
func (upperTransform) InputContract() *contracts.Contract  { return nil }
func (upperTransform) OutputContract() *contracts.Contract {
	return contracts.NewContract(contracts.ContractFlexible, nil)
}
func (upperTransform) OnError() string                     { return "" }
func (upperTransform) BatchAware() bool                    { return false }
func (upperTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (upperTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	name, _ := row["name"].(string)
	return plugin.TransformResult{Row: plugin.Row{"name": name + "!"}}, nil
}

type captureSink struct {
	nodeID  string
	written []plugin.Row
}

func (s *captureSink) Name() string                       { return "capture_sink" }
func (s *captureSink) NodeID() string                     { return s.nodeID }
func (s *captureSink) SetNodeID(id string)                { s.nodeID = id }
func (s *captureSink) InputContract() *contracts.Contract { return nil }
func (s *captureSink) Write(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.ArtifactDescriptor, error) {
	s.written = append(s.written, rows...)
	return plugin.ArtifactDescriptor{ArtifactType: "memory", PathOrURI: "mem://capture", ContentHash: "sha256:capture"}, nil
}

// buildRunFixture registers fresh source/transform/sink factories under
// unique names, compiles a three-node pipeline (source -> transform ->
// sink), and persists its nodes/edges so an Orchestrator can drive runID.
func buildRunFixture(t *testing.T, runID string, rows []plugin.Row) (*landscape.Recorder, *dag.Graph, *captureSink) {
	t.Helper()

	sourceName := uniqueName("source")
	transformName := uniqueName("transform")
	sinkName := uniqueName("sink")

	sink := &captureSink{}
	require.NoError(t, registry.RegisterSource(sourceName, "1.0.0", func(config map[string]interface{}) (plugin.Source, error) {
		return &sliceSource{rows: rows}, nil
	}))
	require.NoError(t, registry.RegisterTransform(transformName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return upperTransform{}, nil
	}))
	require.NoError(t, registry.RegisterSink(sinkName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return sink, nil
	}))

	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: sourceName, Version: "1.0.0"},
		Transforms: []dag.TransformSpec{
			{Name: "upper", Plugin: transformName, Version: "1.0.0"},
		},
		Sinks: []dag.SinkSpec{
			{Name: "out", Plugin: sinkName, Version: "1.0.0"},
		},
		OutputSink: "out",
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)

	ctx := context.Background()
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range graph.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}

	return rec, graph, sink
}

func TestOrchestratorRunDrivesRowsThroughTransformToSink(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-1"
	rec, graph, sink := buildRunFixture(t, runID, []plugin.Row{
		{"name": "a"}, {"name": "b"}, {"name": "c"},
	})

	o, err := orchestrator.New(orchestrator.Config{
		RunID:      runID,
		ConfigHash: "sha256:orch-1",
		Graph:      graph,
		Recorder:   rec,
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx))

	require.Len(t, sink.written, 3)
	var names []string
	for _, r := range sink.written {
		names = append(names, r["name"].(string))
	}
	require.ElementsMatch(t, []string{"a!", "b!", "c!"}, names)
}

// pipelinedUpperTransform implements plugin.RowPipelined so the
// orchestrator bridges its Process calls through internal/batchadapter
// instead of calling it inline.
type pipelinedUpperTransform struct{}

func (pipelinedUpperTransform) Name() string                        { return "pipelined_upper" }
func (pipelinedUpperTransform) Config() map[string]interface{}      { return nil }
func (pipelinedUpperTransform) InputContract() *contracts.Contract  { return nil }
func (pipelinedUpperTransform) OutputContract() *contracts.Contract {
	return contracts.NewContract(contracts.ContractFlexible, nil)
}
func (pipelinedUpperTransform) OnError() string                     { return "" }
func (pipelinedUpperTransform) BatchAware() bool                    { return false }
func (pipelinedUpperTransform) MaxPending() int                     { return 4 }
func (pipelinedUpperTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (pipelinedUpperTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	name, _ := row["name"].(string)
	return plugin.TransformResult{Row: plugin.Row{"name": name + "!"}}, nil
}

func TestOrchestratorRowPipelinedTransformBridgesThroughBatchAdapter(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-pipelined"

	sourceName := uniqueName("source")
	transformName := uniqueName("transform")
	sinkName := uniqueName("sink")
	sink := &captureSink{}
	require.NoError(t, registry.RegisterSource(sourceName, "1.0.0", func(config map[string]interface{}) (plugin.Source, error) {
		return &sliceSource{rows: []plugin.Row{{"name": "a"}, {"name": "b"}}}, nil
	}))
	require.NoError(t, registry.RegisterTransform(transformName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return pipelinedUpperTransform{}, nil
	}))
	require.NoError(t, registry.RegisterSink(sinkName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return sink, nil
	}))

	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: sourceName, Version: "1.0.0"},
		Transforms: []dag.TransformSpec{
			{Name: "upper", Plugin: transformName, Version: "1.0.0"},
		},
		Sinks:      []dag.SinkSpec{{Name: "out", Plugin: sinkName, Version: "1.0.0"}},
		OutputSink: "out",
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range graph.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}

	o, err := orchestrator.New(orchestrator.Config{
		RunID: runID, ConfigHash: "sha256:pipelined", Graph: graph, Recorder: rec,
		RateLimit: rate.NewLimiter(rate.Limit(100), 4),
		Breaker:   resilience.Config{MaxFailures: 2},
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx))

	require.Len(t, sink.written, 2)
	var names []string
	for _, r := range sink.written {
		names = append(names, r["name"].(string))
	}
	require.ElementsMatch(t, []string{"a!", "b!"}, names)
}

func TestOrchestratorBuildPluginsFailsOnUnregisteredPlugin(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-2"
	spec := dag.Spec{
		Source:     dag.SourceSpec{Plugin: "does_not_exist", Version: "1.0.0"},
		Sinks:      []dag.SinkSpec{{Name: "out", Plugin: uniqueName("sink"), Version: "1.0.0"}},
		OutputSink: "out",
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}

	_, err = orchestrator.New(orchestrator.Config{RunID: runID, ConfigHash: "sha256:x", Graph: graph, Recorder: rec})
	require.Error(t, err)
}

type identityTransform struct{}

func (identityTransform) Name() string                        { return "identity" }
func (identityTransform) Config() map[string]interface{}      { return nil }
func (identityTransform) InputContract() *contracts.Contract  { return nil }
func (identityTransform) OutputContract() *contracts.Contract {
	return contracts.NewContract(contracts.ContractFlexible, nil)
}
func (identityTransform) OnError() string                     { return "" }
func (identityTransform) BatchAware() bool                     { return false }
func (identityTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (identityTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Row: row}, nil
}

func TestOrchestratorConfigExpressionGateRoutesByCondition(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-3"

	highSink := &captureSink{}
	lowSink := &captureSink{}
	highSinkName := uniqueName("high_sink")
	lowSinkName := uniqueName("low_sink")
	require.NoError(t, registry.RegisterSink(highSinkName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return highSink, nil
	}))
	require.NoError(t, registry.RegisterSink(lowSinkName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return lowSink, nil
	}))
	sourceName := uniqueName("source")
	require.NoError(t, registry.RegisterSource(sourceName, "1.0.0", func(config map[string]interface{}) (plugin.Source, error) {
		return &sliceSource{rows: []plugin.Row{{"amount": 2000}, {"amount": 5}}}, nil
	}))
	passName := uniqueName("passthrough")
	require.NoError(t, registry.RegisterTransform(passName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return identityTransform{}, nil
	}))

	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: sourceName, Version: "1.0.0"},
		Transforms: []dag.TransformSpec{
			{Name: "pass", Plugin: passName, Version: "1.0.0", OnSuccess: "threshold"},
		},
		Sinks: []dag.SinkSpec{
			{Name: "high", Plugin: highSinkName, Version: "1.0.0"},
			{Name: "low", Plugin: lowSinkName, Version: "1.0.0"},
		},
		Gates: []dag.GateSpec{
			{
				Name:      "threshold",
				Condition: `row["amount"] > 1000`,
				Routes:    map[string]string{"true": "high", "false": "low"},
			},
		},
		OutputSink: "low",
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range graph.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}

	o, err := orchestrator.New(orchestrator.Config{RunID: runID, ConfigHash: "sha256:gate", Graph: graph, Recorder: rec})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx))

	require.Len(t, highSink.written, 1)
	require.Equal(t, 2000, highSink.written[0]["amount"])
	require.Len(t, lowSink.written, 1)
	require.Equal(t, 5, lowSink.written[0]["amount"])
}

// forkGate unconditionally forks its one row into the two branches it was
// built with.
type forkGate struct {
	branches []string
}

func (forkGate) Name() string                       { return "fork_gate" }
func (forkGate) Config() map[string]interface{}     { return nil }
func (forkGate) InputContract() *contracts.Contract { return nil }
func (g forkGate) Evaluate(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.GateResult, error) {
	return plugin.GateResult{Row: row, Action: plugin.RoutingAction{Kind: contracts.ActionFork, ForkLabels: g.branches}}, nil
}

// crashOnceSink simulates a crash mid-write: the first Write panics after
// its node state was opened (and durably recorded), so no outcome or
// completed state is ever recorded for that token — exactly the gap Resume
// must close. Later writes succeed and are captured.
type crashOnceSink struct {
	nodeID  string
	crashed bool
	written []plugin.Row
}

func (s *crashOnceSink) Name() string                       { return "crash_once_sink" }
func (s *crashOnceSink) NodeID() string                     { return s.nodeID }
func (s *crashOnceSink) SetNodeID(id string)                { s.nodeID = id }
func (s *crashOnceSink) InputContract() *contracts.Contract { return nil }
func (s *crashOnceSink) Write(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.ArtifactDescriptor, error) {
	if !s.crashed {
		s.crashed = true
		panic("simulated crash mid sink-write")
	}
	s.written = append(s.written, rows...)
	return plugin.ArtifactDescriptor{ArtifactType: "memory", PathOrURI: "mem://crash-once", ContentHash: "sha256:crash-once"}, nil
}

// TestOrchestratorResumeReplaysOnlyUnfinishedForkBranch is the orchestrator
// level regression test for partial fork recovery: a fork with one child
// complete and one crashed before finishing its own node. After Resume,
// only the crashed branch re-executes; the completed sibling is untouched.
func TestOrchestratorResumeReplaysOnlyUnfinishedForkBranch(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-resume-fork"

	sinkAName := uniqueName("sink_a")
	sinkBName := uniqueName("sink_b")
	sinkA := &captureSink{}
	sinkB := &crashOnceSink{}
	require.NoError(t, registry.RegisterSink(sinkAName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return sinkA, nil
	}))
	require.NoError(t, registry.RegisterSink(sinkBName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return sinkB, nil
	}))

	sourceName := uniqueName("source")
	require.NoError(t, registry.RegisterSource(sourceName, "1.0.0", func(config map[string]interface{}) (plugin.Source, error) {
		return &sliceSource{rows: []plugin.Row{{"name": "a"}}}, nil
	}))
	passName := uniqueName("passthrough")
	require.NoError(t, registry.RegisterTransform(passName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return identityTransform{}, nil
	}))
	gateName := uniqueName("fork_gate")
	require.NoError(t, registry.RegisterGate(gateName, "1.0.0", func(config map[string]interface{}) (plugin.Gate, error) {
		return forkGate{branches: []string{"a", "b"}}, nil
	}))

	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: sourceName, Version: "1.0.0"},
		Transforms: []dag.TransformSpec{
			{Name: "pass", Plugin: passName, Version: "1.0.0", OnSuccess: "fork_gate"},
		},
		Sinks: []dag.SinkSpec{
			{Name: "a", Plugin: sinkAName, Version: "1.0.0"},
			{Name: "b", Plugin: sinkBName, Version: "1.0.0"},
		},
		Gates: []dag.GateSpec{
			{Name: "fork_gate", Plugin: gateName, Version: "1.0.0", ForkTo: []string{"a", "b"}},
		},
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := payloadstore.Open(t.TempDir())
	require.NoError(t, err)
	rec := landscape.NewRecorder(db).WithPayloadStore(store)
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range graph.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}

	o, err := orchestrator.New(orchestrator.Config{RunID: runID, ConfigHash: "sha256:resume-fork", Graph: graph, Recorder: rec})
	require.NoError(t, err)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected the sink write to panic, simulating a mid-run crash")
		}()
		_ = o.Run(ctx)
	}()

	require.Len(t, sinkA.written, 1, "branch a should have completed before the crash")
	require.Empty(t, sinkB.written, "branch b should not have written yet")

	o2, err := orchestrator.New(orchestrator.Config{RunID: runID, ConfigHash: "sha256:resume-fork", Graph: graph, Recorder: rec})
	require.NoError(t, err)
	require.NoError(t, o2.Resume(ctx))

	require.Len(t, sinkA.written, 1, "branch a must not be reprocessed on resume")
	require.Len(t, sinkB.written, 1, "branch b must be replayed on resume")
	require.Equal(t, "a", sinkB.written[0]["name"])
}

// countSummaryTransform is a batch-aware aggregation plugin: each flushed
// batch collapses into one summary row counting its members.
type countSummaryTransform struct{}

func (countSummaryTransform) Name() string                        { return "count_summary" }
func (countSummaryTransform) Config() map[string]interface{}      { return nil }
func (countSummaryTransform) InputContract() *contracts.Contract  { return nil }
func (countSummaryTransform) OutputContract() *contracts.Contract { return nil }
func (countSummaryTransform) OnError() string                     { return "" }
func (countSummaryTransform) BatchAware() bool                    { return true }
func (countSummaryTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (countSummaryTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Row: plugin.Row{"n": len(rows)}}, nil
}

func TestOrchestratorAggregationFlushesOnCountAndEndOfSource(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-agg"

	sourceName := uniqueName("source")
	passName := uniqueName("passthrough")
	aggName := uniqueName("summary")
	sinkName := uniqueName("sink")
	sink := &captureSink{}

	rows := make([]plugin.Row, 7)
	for i := range rows {
		rows[i] = plugin.Row{"v": i}
	}
	require.NoError(t, registry.RegisterSource(sourceName, "1.0.0", func(config map[string]interface{}) (plugin.Source, error) {
		return &sliceSource{rows: rows}, nil
	}))
	require.NoError(t, registry.RegisterTransform(passName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return identityTransform{}, nil
	}))
	require.NoError(t, registry.RegisterTransform(aggName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return countSummaryTransform{}, nil
	}))
	require.NoError(t, registry.RegisterSink(sinkName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return sink, nil
	}))

	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: sourceName, Version: "1.0.0"},
		Transforms: []dag.TransformSpec{
			{Name: "pass", Plugin: passName, Version: "1.0.0", OnSuccess: "summarize"},
		},
		Aggregations: []dag.AggregationSpec{
			{Name: "summarize", Plugin: aggName, Version: "1.0.0", Count: 3, OnSuccess: "out"},
		},
		Sinks:      []dag.SinkSpec{{Name: "out", Plugin: sinkName, Version: "1.0.0"}},
		OutputSink: "out",
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range graph.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}

	o, err := orchestrator.New(orchestrator.Config{RunID: runID, ConfigHash: "sha256:agg", Graph: graph, Recorder: rec})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx))

	require.Len(t, sink.written, 3)
	var sizes []int
	for _, r := range sink.written {
		sizes = append(sizes, r["n"].(int))
	}
	require.ElementsMatch(t, []int{3, 3, 1}, sizes)

	batches, err := rec.GetBatchesForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	var triggerTypes []contracts.TriggerType
	var memberCounts []int
	for _, b := range batches {
		require.Equal(t, contracts.BatchCompleted, b.Status)
		require.NotNil(t, b.TriggerType)
		triggerTypes = append(triggerTypes, *b.TriggerType)

		members, err := rec.GetBatchMembers(ctx, b.BatchID)
		require.NoError(t, err)
		memberCounts = append(memberCounts, len(members))
		for i, m := range members {
			require.Equal(t, i, m.Ordinal, "member ordinals must match accept order")
		}
	}
	require.ElementsMatch(t, []contracts.TriggerType{contracts.TriggerCount, contracts.TriggerCount, contracts.TriggerEndOfSource}, triggerTypes)
	require.ElementsMatch(t, []int{3, 3, 1}, memberCounts)

	outcomes, err := rec.GetTokenOutcomesForRun(ctx, runID)
	require.NoError(t, err)
	consumed := 0
	for _, oc := range outcomes {
		if oc.Outcome == contracts.OutcomeConsumedInBatch {
			consumed++
		}
	}
	require.Equal(t, 7, consumed, "every source token must be consumed into a batch")
}

// remoteBatchTransform simulates a submitted-but-unfinished remote job:
// ProcessBatch keeps signalling BatchPending until ready flips true, then
// returns one summary row counting its input.
type remoteBatchTransform struct {
	ready *atomic.Bool
}

func (remoteBatchTransform) Name() string                        { return "remote_batch" }
func (remoteBatchTransform) Config() map[string]interface{}      { return nil }
func (remoteBatchTransform) InputContract() *contracts.Contract  { return nil }
func (remoteBatchTransform) OutputContract() *contracts.Contract { return nil }
func (remoteBatchTransform) OnError() string                     { return "" }
func (remoteBatchTransform) BatchAware() bool                    { return true }
func (remoteBatchTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{}, nil
}
func (tr remoteBatchTransform) ProcessBatch(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	if !tr.ready.Load() {
		return plugin.TransformResult{}, &plugin.BatchPending{
			Reason:     "remote job still running",
			Checkpoint: map[string]interface{}{"job_id": "job-1"},
		}
	}
	return plugin.TransformResult{Row: plugin.Row{"n": len(rows)}}, nil
}

// TestOrchestratorBatchPendingResumesAfterRestart drives a batch into the
// PENDING path, fails the first run when the remote work never resolves
// within its deadline (the simulated crash), then resumes with a second
// orchestrator against the same recorder: the restored buffers flush once
// the remote job reports complete, and the batch transitions to COMPLETED.
func TestOrchestratorBatchPendingResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	runID := "run-orch-pending-resume"

	sourceName := uniqueName("source")
	passName := uniqueName("passthrough")
	aggName := uniqueName("remote_batch")
	sinkName := uniqueName("sink")
	sink := &captureSink{}
	ready := &atomic.Bool{}

	require.NoError(t, registry.RegisterSource(sourceName, "1.0.0", func(config map[string]interface{}) (plugin.Source, error) {
		return &sliceSource{rows: []plugin.Row{{"v": 1}, {"v": 2}}}, nil
	}))
	require.NoError(t, registry.RegisterTransform(passName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return identityTransform{}, nil
	}))
	require.NoError(t, registry.RegisterTransform(aggName, "1.0.0", func(config map[string]interface{}) (plugin.Transform, error) {
		return remoteBatchTransform{ready: ready}, nil
	}))
	require.NoError(t, registry.RegisterSink(sinkName, "1.0.0", func(config map[string]interface{}) (plugin.Sink, error) {
		return sink, nil
	}))

	spec := dag.Spec{
		Source: dag.SourceSpec{Plugin: sourceName, Version: "1.0.0"},
		Transforms: []dag.TransformSpec{
			{Name: "pass", Plugin: passName, Version: "1.0.0", OnSuccess: "summarize"},
		},
		Aggregations: []dag.AggregationSpec{
			{Name: "summarize", Plugin: aggName, Version: "1.0.0", Count: 2, OnSuccess: "out"},
		},
		Sinks:      []dag.SinkSpec{{Name: "out", Plugin: sinkName, Version: "1.0.0"}},
		OutputSink: "out",
	}
	graph, err := dag.NewBuilder(runID, spec).Build()
	require.NoError(t, err)

	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db)
	for _, n := range graph.Nodes {
		require.NoError(t, rec.RegisterNode(ctx, *n))
	}
	for _, e := range graph.Edges {
		require.NoError(t, rec.RegisterEdge(ctx, e))
	}

	cfg := orchestrator.Config{
		RunID: runID, ConfigHash: "sha256:pending-resume", Graph: graph, Recorder: rec,
		BatchPendingPollInterval: time.Millisecond,
		BatchPendingDeadline:     20 * time.Millisecond,
	}
	o1, err := orchestrator.New(cfg)
	require.NoError(t, err)
	err = o1.Run(ctx)
	require.Error(t, err, "the remote job never resolves in run 1; the run dies with pending work outstanding")
	require.Empty(t, sink.written)

	batches, err := rec.GetBatchesForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, contracts.BatchExecuting, batches[0].Status)
	require.NotNil(t, batches[0].CompletionStateID, "the pending flush must link its PENDING node state to the batch")

	// The remote job finished while the process was down.
	ready.Store(true)

	o2, err := orchestrator.New(cfg)
	require.NoError(t, err)
	require.NoError(t, o2.Resume(ctx))

	require.Len(t, sink.written, 1)
	require.Equal(t, 2, sink.written[0]["n"])

	batches, err = rec.GetBatchesForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, contracts.BatchCompleted, batches[0].Status)

	outcomes, err := rec.GetTokenOutcomesForRun(ctx, runID)
	require.NoError(t, err)
	consumed := 0
	for _, oc := range outcomes {
		if oc.Outcome == contracts.OutcomeConsumedInBatch {
			consumed++
		}
	}
	require.Equal(t, 2, consumed)
}
