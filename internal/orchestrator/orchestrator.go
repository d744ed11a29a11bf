// Package orchestrator drives a compiled graph end to end:
// pulling rows from the source, creating tokens, dispatching each token
// through the graph by node kind, and recording every transition through
// the landscape recorder. It is the one component that knows how to turn
// a dag.Graph plus a set of plugin instances into a running pipeline; the
// per-node-kind mechanics stay in internal/executors, internal/coalesce,
// and internal/routing.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sentryflow/sentryflow/internal/batchadapter"
	"github.com/sentryflow/sentryflow/internal/canonical"
	"github.com/sentryflow/sentryflow/internal/checkpoint"
	"github.com/sentryflow/sentryflow/internal/coalesce"
	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/executors"
	"github.com/sentryflow/sentryflow/internal/expr"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/metrics"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/replay"
	"github.com/sentryflow/sentryflow/internal/resilience"
	"github.com/sentryflow/sentryflow/internal/routing"
	"github.com/sentryflow/sentryflow/internal/tokens"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/internal/triggers"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// Config assembles an Orchestrator. Graph must already be built
// (dag.Builder.Build). Retry/CheckpointEveryRows/BatchPendingPollInterval
// all default to conservative values when left zero.
type Config struct {
	RunID            string
	ConfigHash       string
	CanonicalVersion string
	Settings         map[string]interface{}

	Graph    *dag.Graph
	Recorder *landscape.Recorder
	Tracer   *tracing.Tracer
	Metrics  *metrics.Metrics
	Logger   *logrus.Entry

	Retry resilience.RetryConfig

	// RateLimit bounds admission into every row-pipelined transform's
	// worker pool; nil disables admission control.
	RateLimit *rate.Limiter
	// Breaker holds the circuit-breaker thresholds for row-pipelined
	// transforms; zero-valued fields fall back to resilience defaults. One
	// breaker is built per pipelined node, so one failing downstream
	// service never trips an unrelated node's calls.
	Breaker resilience.Config

	CheckpointEveryRows      int
	CheckpointEveryCron      string
	AggregationBoundaryOnly  bool
	BatchPendingPollInterval time.Duration
	BatchPendingDeadline     time.Duration
}

// Orchestrator drives one run of a compiled graph.
type Orchestrator struct {
	runID      string
	configHash string
	canonVer   string
	settings   map[string]interface{}

	graph  *dag.Graph
	rec    *landscape.Recorder
	router *routing.Router
	tokMgr *tokens.Manager
	joins  *coalesce.Engine

	transformExec *executors.TransformExecutor
	gateExec      *executors.GateExecutor
	aggExec       *executors.AggregationExecutor
	sinkExec      *executors.SinkExecutor

	ckpt     *checkpoint.Manager
	recovery *checkpoint.RecoveryManager

	metrics *metrics.Metrics
	log     *logrus.Entry
	retry   resilience.RetryConfig

	source plugin.Source
	sinks  map[string]plugin.Sink
	steps  map[string]plugin.Transform // transform and aggregation nodes
	gates  map[string]plugin.Gate

	// pipelined holds one batch adapter per transform node that opted into
	// row-level pipelining via plugin.RowPipelined.
	pipelined map[string]*batchadapter.Adapter

	coalesceSpecs map[string]coalesce.Spec
	aggCfg        map[string]triggers.Config
	aggSeq        map[string]int // declared order, for Flush attempt numbering
	edgeByID      map[string]model.Edge

	aggStates map[string]*executors.AggregationState

	checkpointEveryRows      int
	checkpointCron           cron.Schedule
	aggregationBoundaryOnly  bool
	batchPendingPollInterval time.Duration
	batchPendingDeadline     time.Duration

	rowsSinceCheckpoint int
	nextCronCheckpoint  time.Time
	lastSinkToken       string
}

// frame is one unit of in-flight work: a token carrying a row, waiting to
// be dispatched at nodeID.
type frame struct {
	tok        model.Token
	row        plugin.Row
	contract   *contracts.Contract
	nodeID     string
	stepIndex  int
	quarantine bool
}

// New builds plugin instances from graph.Nodes via the registry and
// assembles an Orchestrator ready to Run.
func New(cfg Config) (*Orchestrator, error) {
	source, sinks, steps, gates, err := buildPlugins(cfg.Graph)
	if err != nil {
		return nil, err
	}
	return newWithPlugins(cfg, source, sinks, steps, gates)
}

func newWithPlugins(cfg Config, source plugin.Source, sinks map[string]plugin.Sink, steps map[string]plugin.Transform, gates map[string]plugin.Gate) (*Orchestrator, error) {
	if cfg.Graph == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("orchestrator: Graph and Recorder are required")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.NewTracer(nil)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	checkpointEveryRows := cfg.CheckpointEveryRows
	if checkpointEveryRows <= 0 && !cfg.AggregationBoundaryOnly {
		checkpointEveryRows = 1
	}
	var checkpointCron cron.Schedule
	if cfg.CheckpointEveryCron != "" {
		sched, perr := cron.ParseStandard(cfg.CheckpointEveryCron)
		if perr != nil {
			return nil, fmt.Errorf("orchestrator: parse checkpoint cron cadence %q: %w", cfg.CheckpointEveryCron, perr)
		}
		checkpointCron = sched
	}
	pollInterval := cfg.BatchPendingPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	deadline := cfg.BatchPendingDeadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}

	tokMgr := tokens.New(cfg.Recorder)
	router := routing.New(cfg.Graph, cfg.Recorder)

	edgeByID := make(map[string]model.Edge, len(cfg.Graph.Edges))
	for _, e := range cfg.Graph.Edges {
		edgeByID[e.EdgeID] = e
	}

	coalesceSpecs := make(map[string]coalesce.Spec)
	for _, c := range cfg.Graph.Spec.Coalesces {
		nodeID, ok := cfg.Graph.ProducerRegistry[c.Name]
		if !ok {
			return nil, fmt.Errorf("orchestrator: coalesce %q not present in producer registry", c.Name)
		}
		coalesceSpecs[nodeID] = coalesce.Spec{
			Branches: c.Branches, Policy: c.Policy, QuorumCount: c.QuorumCount,
			TimeoutSeconds: c.TimeoutSeconds, Merge: c.Merge, SelectBranch: c.SelectBranch,
		}
	}

	aggCfg := make(map[string]triggers.Config)
	aggSeq := make(map[string]int)
	for i, a := range cfg.Graph.Spec.Aggregations {
		nodeID, ok := cfg.Graph.ProducerRegistry[a.Name]
		if !ok {
			return nil, fmt.Errorf("orchestrator: aggregation %q not present in producer registry", a.Name)
		}
		aggSeq[nodeID] = i
		tc := triggers.Config{Count: a.Count, TimeoutSeconds: a.TimeoutSeconds}
		if a.Condition != "" {
			condFn, err := compileConditionExpr(a.Condition)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: aggregation %q condition: %w", a.Name, err)
			}
			tc.Condition = condFn
		}
		aggCfg[nodeID] = tc
	}

	pipelined := make(map[string]*batchadapter.Adapter)
	for nodeID, t := range steps {
		rp, ok := t.(plugin.RowPipelined)
		if !ok {
			continue
		}
		pipelined[nodeID] = batchadapter.New(func(ctx context.Context, row plugin.Row) (plugin.TransformResult, error) {
			pctx := pluginContextFrom(ctx)
			return t.Process(ctx, row, pctx)
		}, batchadapter.Config{
			MaxPending: rp.MaxPending(),
			Limiter:    cfg.RateLimit,
			Breaker:    resilience.New(cfg.Breaker),
			Retry:      retry,
		})
	}

	o := &Orchestrator{
		runID:            cfg.RunID,
		configHash:       cfg.ConfigHash,
		canonVer:         cfg.CanonicalVersion,
		settings:         cfg.Settings,
		graph:            cfg.Graph,
		rec:              cfg.Recorder,
		router:           router,
		tokMgr:           tokMgr,
		joins:            coalesce.New(tokMgr),
		transformExec:    executors.NewTransformExecutor(cfg.Recorder, tracer),
		gateExec:         executors.NewGateExecutor(cfg.Recorder, router, tracer),
		aggExec:          executors.NewAggregationExecutor(cfg.Recorder, tracer),
		sinkExec:         executors.NewSinkExecutor(cfg.Recorder, tracer),
		ckpt:             checkpoint.NewManager(cfg.Recorder, nil),
		metrics:          cfg.Metrics,
		log:              log,
		retry:            retry,
		source:           source,
		sinks:            sinks,
		steps:            steps,
		gates:            gates,
		pipelined:        pipelined,
		coalesceSpecs:    coalesceSpecs,
		aggCfg:           aggCfg,
		aggSeq:           aggSeq,
		edgeByID:         edgeByID,
		aggStates:        make(map[string]*executors.AggregationState),

		checkpointEveryRows:      checkpointEveryRows,
		checkpointCron:           checkpointCron,
		aggregationBoundaryOnly:  cfg.AggregationBoundaryOnly,
		batchPendingPollInterval: pollInterval,
		batchPendingDeadline:     deadline,
	}
	o.recovery = checkpoint.NewRecoveryManager(cfg.Recorder, o.ckpt)
	if cfg.Metrics != nil {
		o.ckpt = checkpoint.NewManager(cfg.Recorder, func(sizeBytes int) {
			log.WithField("size_bytes", sizeBytes).Warn("orchestrator: checkpoint payload exceeds the warn threshold")
		})
		o.recovery = checkpoint.NewRecoveryManager(cfg.Recorder, o.ckpt)
	}
	return o, nil
}

func compileConditionExpr(source string) (triggers.ConditionFunc, error) {
	expression, err := expr.Compile(source)
	if err != nil {
		return nil, err
	}
	return func(bufferedRows []map[string]interface{}) (bool, error) {
		view := map[string]interface{}{"rows": bufferedRows, "count": len(bufferedRows)}
		result, err := expression.Evaluate(view)
		if err != nil {
			return false, err
		}
		if result.Bool != nil {
			return *result.Bool, nil
		}
		return false, fmt.Errorf("aggregation condition %q must evaluate to a boolean", source)
	}, nil
}

// Run drives the source to exhaustion, pushing every row's token through
// the graph, then flushes outstanding aggregations and finalizes the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	run, err := o.rec.BeginRun(ctx, o.runID, o.configHash, o.settings, o.canonVer)
	if err != nil {
		return fmt.Errorf("orchestrator: begin run: %w", err)
	}
	o.runID = run.RunID
	if err := o.source.OnStart(ctx); err != nil {
		return fmt.Errorf("orchestrator: source OnStart: %w", err)
	}
	defer o.source.Close(ctx)
	defer o.closePipelined()

	var rowIndex int64
	for {
		row, ok, err := o.source.Next(ctx)
		if err != nil {
			return o.abort(ctx, fmt.Errorf("orchestrator: source Next: %w", err))
		}
		if !ok {
			break
		}

		queue, err := o.ingestRow(ctx, rowIndex, row)
		if err != nil {
			return o.abort(ctx, err)
		}
		rowIndex++

		if err := o.drain(ctx, queue); err != nil {
			return o.abort(ctx, err)
		}

		o.rowsSinceCheckpoint++
		if o.shouldCheckpoint() {
			if err := o.checkpointNow(ctx); err != nil {
				return o.abort(ctx, err)
			}
			o.rowsSinceCheckpoint = 0
		}
	}

	if err := o.flushAllAggregations(ctx); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.drainPendingBatches(ctx); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.checkpointNow(ctx); err != nil {
		return o.abort(ctx, err)
	}

	return o.rec.CompleteRun(ctx, o.runID, contracts.RunCompleted, "reproducible")
}

func (o *Orchestrator) abort(ctx context.Context, cause error) error {
	if cerr := o.rec.CompleteRun(ctx, o.runID, contracts.RunFailed, "failed"); cerr != nil {
		o.log.WithError(cerr).Error("orchestrator: failed to mark run failed after abort")
	}
	return cause
}

// ingestRow persists one source row, validates it against the source's
// declared output contract, and returns the initial frame queue for it
// (either the "continue" path or, on validation failure, the quarantine
// path if one is configured).
func (o *Orchestrator) ingestRow(ctx context.Context, rowIndex int64, row plugin.Row) ([]frame, error) {
	rowRec, err := o.rec.CreateRow(ctx, o.runID, o.graph.SourceNodeID, rowIndex, row, "")
	if err != nil {
		return nil, err
	}
	tok, err := o.rec.CreateToken(ctx, rowRec.RowID, landscape.TokenOpts{})
	if err != nil {
		return nil, err
	}

	if contract := o.graph.NodeOutputContract(o.graph.SourceNodeID); contract != nil {
		if verr := contract.Validate(row); verr != nil {
			return o.quarantineRow(ctx, tok, row, verr)
		}
	}

	edge, err := o.structuralEdge(o.graph.SourceNodeID, "continue")
	if err != nil {
		return nil, err
	}
	return []frame{{tok: tok, row: row, contract: o.graph.NodeOutputContract(o.graph.SourceNodeID), nodeID: edge.To, stepIndex: 1}}, nil
}

func (o *Orchestrator) quarantineRow(ctx context.Context, tok model.Token, row plugin.Row, cause error) ([]frame, error) {
	state, err := o.rec.BeginNodeState(ctx, tok.TokenID, o.graph.SourceNodeID, 0, 0, row, "")
	if err != nil {
		return nil, err
	}
	if _, err := o.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
		Status: contracts.StateFailed, DurationMs: 0, ErrorJSON: jsonErrText(cause),
	}); err != nil {
		return nil, err
	}

	edge, ok := o.graph.RouteMap[model.RouteKey{NodeID: o.graph.SourceNodeID, Label: "quarantine"}]
	if !ok {
		if _, err := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: tok.TokenID, Outcome: contracts.OutcomeFailed, ErrorHash: hashErrText(cause),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return []frame{{tok: tok, row: row, nodeID: edge.To, stepIndex: 1, quarantine: true}}, nil
}

// structuralEdge resolves a builder-registered (nodeID, label) route -
// every continue/on_error/quarantine edge produced by dag.Builder is
// registered under these exact literal labels, so this is a direct map
// lookup, never the gate-only ambiguous-continue scan in internal/routing.
func (o *Orchestrator) structuralEdge(nodeID, label string) (model.Edge, error) {
	edge, ok := o.graph.RouteMap[model.RouteKey{NodeID: nodeID, Label: label}]
	if !ok {
		return model.Edge{}, &engineerr.MissingEdgeError{NodeID: nodeID, Label: label}
	}
	return edge, nil
}

// drain processes a frame queue to exhaustion, breadth-first, appending
// every frame produced by a step back onto the queue.
func (o *Orchestrator) drain(ctx context.Context, queue []frame) error {
	for len(queue) > 0 {
		fr := queue[0]
		queue = queue[1:]
		next, err := o.step(ctx, fr)
		if err != nil {
			return err
		}
		queue = append(queue, next...)
	}
	return nil
}

// step dispatches one frame by the kind of node it targets.
func (o *Orchestrator) step(ctx context.Context, fr frame) ([]frame, error) {
	n, ok := o.graph.Nodes[fr.nodeID]
	if !ok {
		return nil, engineerr.NewAuditIntegrityError("step: unknown node %q", fr.nodeID)
	}
	switch n.Kind {
	case contracts.NodeTransform:
		return o.stepTransform(ctx, fr)
	case contracts.NodeGate:
		return o.stepGate(ctx, fr)
	case contracts.NodeAggregation:
		return o.stepAggregation(ctx, fr)
	case contracts.NodeCoalesce:
		return o.stepCoalesce(ctx, fr)
	case contracts.NodeSink:
		return nil, o.stepSink(ctx, fr)
	default:
		return nil, engineerr.NewAuditIntegrityError("step: node %q has undispatchable kind %q", fr.nodeID, n.Kind)
	}
}

func (o *Orchestrator) stepTransform(ctx context.Context, fr frame) ([]frame, error) {
	t, ok := o.steps[fr.nodeID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no transform plugin instance for node %s", fr.nodeID)
	}

	var outcome executors.Outcome
	var err error
	if adapter, ok := o.pipelined[fr.nodeID]; ok {
		outcome, err = o.runPipelinedTransform(ctx, adapter, fr)
	} else {
		attempt := 0
		err = resilience.Retry(ctx, o.retry, func(ctx context.Context) error {
			var rerr error
			outcome, rerr = o.transformExec.Run(ctx, o.runID, t, fr.nodeID, fr.tok, fr.row, fr.contract, fr.stepIndex, attempt)
			attempt++
			return rerr
		})
	}
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		if _, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: fr.tok.TokenID, Outcome: contracts.OutcomeFailed, ErrorHash: hashErrText(err),
		}); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	if outcome.Discarded {
		_, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: fr.tok.TokenID, Outcome: contracts.OutcomeFailed,
		})
		return nil, rerr
	}
	if outcome.RoutedToSink != "" {
		edge, err := o.structuralEdge(fr.nodeID, "on_error")
		if err != nil {
			return nil, err
		}
		return []frame{{tok: fr.tok, row: fr.row, contract: fr.contract, nodeID: edge.To, stepIndex: fr.stepIndex + 1, quarantine: fr.quarantine}}, nil
	}

	edge, err := o.structuralEdge(fr.nodeID, "continue")
	if err != nil {
		return nil, err
	}
	return []frame{{tok: fr.tok, row: outcome.Row, contract: outcome.Contract, nodeID: edge.To, stepIndex: fr.stepIndex + 1, quarantine: fr.quarantine}}, nil
}

// pctxContextKey smuggles a plugin.Context through to a batchadapter
// Process closure, whose signature (ctx, row) carries no room for one
// directly — the adapter is built once per node at construction time,
// long before any particular token's pctx exists.
type pctxContextKey struct{}

func withPluginContext(ctx context.Context, pctx *plugin.Context) context.Context {
	return context.WithValue(ctx, pctxContextKey{}, pctx)
}

func pluginContextFrom(ctx context.Context) *plugin.Context {
	pctx, _ := ctx.Value(pctxContextKey{}).(*plugin.Context)
	return pctx
}

// runPipelinedTransform bridges one row through a node's batch adapter:
// the adapter's own retry/circuit-breaker/admission-control
// loop runs beneath a single audited node state, the same way a database
// driver's internal retries are never each logged as a separate call — only
// the adapter's final outcome is recorded.
func (o *Orchestrator) runPipelinedTransform(ctx context.Context, adapter *batchadapter.Adapter, fr frame) (executors.Outcome, error) {
	state, err := o.rec.BeginNodeState(ctx, fr.tok.TokenID, fr.nodeID, fr.stepIndex, 0, fr.row, "")
	if err != nil {
		return executors.Outcome{}, fmt.Errorf("orchestrator: begin pipelined transform node state: %w", err)
	}
	pctx := &plugin.Context{RunID: o.runID, StateID: state.StateID, NodeID: fr.nodeID, TokenID: fr.tok.TokenID}
	started := time.Now()

	if err := adapter.Accept(withPluginContext(ctx, pctx), fr.row); err != nil {
		if _, cerr := o.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status: contracts.StateFailed, DurationMs: float64(time.Since(started).Milliseconds()), ErrorJSON: jsonErrText(err),
		}); cerr != nil {
			return executors.Outcome{}, cerr
		}
		return executors.Outcome{}, err
	}

	var res batchadapter.Result
	select {
	case res = <-adapter.Results():
	case <-ctx.Done():
		return executors.Outcome{}, ctx.Err()
	}
	duration := time.Since(started)

	if res.Err != nil {
		if _, cerr := o.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status: contracts.StateFailed, DurationMs: float64(duration.Milliseconds()), ErrorJSON: jsonErrText(res.Err),
		}); cerr != nil {
			return executors.Outcome{}, cerr
		}
		t := o.steps[fr.nodeID]
		onError := t.OnError()
		if onError == "" {
			return executors.Outcome{}, res.Err
		}
		if onError == "discard" {
			return executors.Outcome{Discarded: true}, nil
		}
		return executors.Outcome{RoutedToSink: onError}, nil
	}

	if res.Output.Error != "" {
		if _, cerr := o.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
			Status: contracts.StateFailed, DurationMs: float64(duration.Milliseconds()), ErrorJSON: &res.Output.Error,
		}); cerr != nil {
			return executors.Outcome{}, cerr
		}
		t := o.steps[fr.nodeID]
		onError := t.OnError()
		if onError == "" {
			return executors.Outcome{}, engineerr.NewConfigError("pipelined transform %q reported an error with no on_error configured: %s", t.Name(), res.Output.Error)
		}
		if onError == "discard" {
			return executors.Outcome{Discarded: true}, nil
		}
		return executors.Outcome{RoutedToSink: onError}, nil
	}

	if _, cerr := o.rec.CompleteNodeState(ctx, state.StateID, landscape.CompletionInput{
		Status: contracts.StateCompleted, DurationMs: float64(duration.Milliseconds()), OutputData: res.Output.Row,
	}); cerr != nil {
		return executors.Outcome{}, cerr
	}
	return executors.Outcome{Row: res.Output.Row, Contract: res.Output.OutputContract}, nil
}

// closePipelined closes every node's batch adapter; each Close waits,
// with no deadline, for that adapter's in-flight rows to finish.
func (o *Orchestrator) closePipelined() {
	for _, adapter := range o.pipelined {
		adapter.Close()
	}
}

func (o *Orchestrator) stepGate(ctx context.Context, fr frame) ([]frame, error) {
	g, ok := o.gates[fr.nodeID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no gate plugin instance for node %s", fr.nodeID)
	}

	attempt := 0
	var outcome executors.GateOutcome
	err := resilience.Retry(ctx, o.retry, func(ctx context.Context) error {
		var rerr error
		outcome, rerr = o.gateExec.Run(ctx, o.runID, g, fr.nodeID, fr.tok, fr.row, fr.stepIndex, attempt)
		attempt++
		return rerr
	})
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		if _, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: fr.tok.TokenID, Outcome: contracts.OutcomeFailed, ErrorHash: hashErrText(err),
		}); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	if len(outcome.Events) == 1 {
		edge := o.edgeByID[outcome.Events[0].EdgeID]
		return []frame{{tok: fr.tok, row: outcome.Row, contract: outcome.Contract, nodeID: edge.To, stepIndex: fr.stepIndex + 1, quarantine: fr.quarantine}}, nil
	}

	labels := make([]string, len(outcome.Events))
	for i, ev := range outcome.Events {
		labels[i] = o.edgeByID[ev.EdgeID].Label
	}
	children, err := o.tokMgr.Fork(ctx, o.runID, fr.tok, labels)
	if err != nil {
		return nil, err
	}
	next := make([]frame, 0, len(children))
	for i, child := range children {
		edge := o.edgeByID[outcome.Events[i].EdgeID]
		next = append(next, frame{tok: child, row: outcome.Row, contract: outcome.Contract, nodeID: edge.To, stepIndex: fr.stepIndex + 1, quarantine: fr.quarantine})
	}
	return next, nil
}

func (o *Orchestrator) stepAggregation(ctx context.Context, fr frame) ([]frame, error) {
	t, ok := o.steps[fr.nodeID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no aggregation plugin instance for node %s", fr.nodeID)
	}
	st := o.aggState(fr.nodeID)

	now := time.Now().UTC()
	if _, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
		RunID: o.runID, TokenID: fr.tok.TokenID, Outcome: contracts.OutcomeBuffered,
	}); rerr != nil {
		return nil, rerr
	}
	if err := o.aggExec.Accept(ctx, o.runID, fr.nodeID, 0, st, fr.tok, fr.row, now); err != nil {
		return nil, err
	}

	fire, triggerType, err := st.Evaluator.ShouldFlush(now, bufferedMaps(st.Rows), false)
	if err != nil {
		return nil, err
	}
	if !fire {
		return nil, nil
	}
	return o.flushAggregation(ctx, fr.nodeID, t, st, triggerType, fr.quarantine)
}

func (o *Orchestrator) flushAggregation(ctx context.Context, nodeID string, t plugin.Transform, st *executors.AggregationState, triggerType contracts.TriggerType, quarantine bool) ([]frame, error) {
	flush, ok, err := o.aggExec.Flush(ctx, o.runID, t, nodeID, o.aggSeq[nodeID], st, triggerType)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Batch left executing/pending; buffers stay intact in st for a
		// later drainPendingBatches poll.
		return nil, nil
	}
	if o.metrics != nil {
		o.metrics.BatchFlushesTotal.WithLabelValues("sentryflow", nodeID, string(triggerType)).Inc()
		o.metrics.BatchSize.WithLabelValues("sentryflow", nodeID).Observe(float64(len(flush.Tokens)))
	}

	outcomeKind := contracts.OutcomeConsumedInBatch
	for _, member := range flush.Tokens {
		batchID := flush.BatchID
		if _, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: member.TokenID, Outcome: outcomeKind, BatchID: &batchID,
		}); rerr != nil {
			return nil, rerr
		}
	}

	if flush.Result.Error != "" {
		edge, err := o.structuralEdge(nodeID, "on_error")
		if err != nil {
			return nil, err
		}
		child, err := o.mergeTokensIntoChild(ctx, flush.Tokens)
		if err != nil {
			return nil, err
		}
		return []frame{{tok: child, row: flush.Result.Row, nodeID: edge.To, stepIndex: 1, quarantine: quarantine}}, nil
	}

	edge, err := o.structuralEdge(nodeID, "continue")
	if err != nil {
		return nil, err
	}
	child, err := o.mergeTokensIntoChild(ctx, flush.Tokens)
	if err != nil {
		return nil, err
	}
	contract := t.OutputContract()
	if flush.Result.OutputContract != nil {
		contract = flush.Result.OutputContract
	}
	return []frame{{tok: child, row: flush.Result.Row, contract: contract, nodeID: edge.To, stepIndex: 1, quarantine: quarantine}}, nil
}

// mergeTokensIntoChild creates one fresh token representing a batch's
// single output row, linking every consumed member as a TokenParent —
// structurally the same "many parents, one child" shape the token manager
// uses for coalesce merges (internal/tokens.Manager.Coalesce), just without
// a join_group_id since the grouping key here is the batch_id already
// recorded on each member's outcome.
func (o *Orchestrator) mergeTokensIntoChild(ctx context.Context, members []model.Token) (model.Token, error) {
	child, err := o.rec.CreateToken(ctx, members[0].RowID, landscape.TokenOpts{})
	if err != nil {
		return model.Token{}, err
	}
	for i, m := range members {
		if err := o.rec.RecordTokenParent(ctx, child.TokenID, m.TokenID, i); err != nil {
			return model.Token{}, err
		}
	}
	return child, nil
}

func (o *Orchestrator) stepCoalesce(ctx context.Context, fr frame) ([]frame, error) {
	spec, ok := o.coalesceSpecs[fr.nodeID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no coalesce spec for node %s", fr.nodeID)
	}

	joinGroupID := fr.tok.TokenID
	if fr.tok.ForkGroupID != nil {
		joinGroupID = *fr.tok.ForkGroupID
	}
	branch := ""
	if fr.tok.BranchName != nil {
		branch = *fr.tok.BranchName
	}

	out, err := o.joins.Accept(ctx, o.runID, joinGroupID, spec, branch, fr.tok, fr.row, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	edge, err := o.structuralEdge(fr.nodeID, "continue")
	if err != nil {
		return nil, err
	}
	return []frame{{tok: out.Token, row: out.Row, contract: o.graph.NodeOutputContract(fr.nodeID), nodeID: edge.To, stepIndex: fr.stepIndex + 1, quarantine: fr.quarantine}}, nil
}

func (o *Orchestrator) stepSink(ctx context.Context, fr frame) error {
	s, ok := o.sinks[fr.nodeID]
	if !ok {
		return fmt.Errorf("orchestrator: no sink plugin instance for node %s", fr.nodeID)
	}

	var lastErr error
	attempt := 0
	err := resilience.Retry(ctx, o.retry, func(ctx context.Context) error {
		rerr := o.sinkExec.Run(ctx, o.runID, s, []model.Token{fr.tok}, []plugin.Row{fr.row}, fr.stepIndex, attempt, nil)
		attempt++
		lastErr = rerr
		return rerr
	})
	if err != nil {
		if isFatal(err) {
			return err
		}
		_, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: fr.tok.TokenID, Outcome: contracts.OutcomeFailed, ErrorHash: hashErrText(lastErr),
		})
		return rerr
	}

	outcomeKind := contracts.OutcomeRouted
	switch {
	case fr.quarantine:
		outcomeKind = contracts.OutcomeQuarantined
	case o.graph.SinkRegistry[o.graph.Spec.OutputSink] == fr.nodeID:
		outcomeKind = contracts.OutcomeCompleted
	}
	sinkName := s.Name()
	if _, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
		RunID: o.runID, TokenID: fr.tok.TokenID, Outcome: outcomeKind, SinkName: &sinkName,
	}); rerr != nil {
		return rerr
	}
	o.lastSinkToken = fr.tok.TokenID
	if o.metrics != nil {
		o.metrics.RowsProcessedTotal.WithLabelValues("sentryflow", o.runID).Inc()
	}
	return nil
}

func (o *Orchestrator) aggState(nodeID string) *executors.AggregationState {
	st, ok := o.aggStates[nodeID]
	if !ok {
		st = &executors.AggregationState{Evaluator: triggers.New(o.aggCfg[nodeID])}
		o.aggStates[nodeID] = st
	}
	return st
}

// flushAllAggregations flushes every aggregation node with a non-empty
// buffer using the implicit end-of-source trigger.
func (o *Orchestrator) flushAllAggregations(ctx context.Context) error {
	nodeIDs := make([]string, 0, len(o.aggStates))
	for id := range o.aggStates {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, nodeID := range nodeIDs {
		st := o.aggStates[nodeID]
		if len(st.Rows) == 0 {
			continue
		}
		t, ok := o.steps[nodeID]
		if !ok {
			return fmt.Errorf("orchestrator: no aggregation plugin instance for node %s", nodeID)
		}
		next, err := o.flushAggregation(ctx, nodeID, t, st, contracts.TriggerEndOfSource, false)
		if err != nil {
			return err
		}
		if err := o.drain(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

// drainPendingBatches polls every aggregation node left in a PENDING
// (BatchPending) state until it resolves or batchPendingDeadline elapses —
// the orchestrator's bounded wait for outstanding remote batch work.
func (o *Orchestrator) drainPendingBatches(ctx context.Context) error {
	deadline := time.Now().Add(o.batchPendingDeadline)
	for {
		pending := false
		nodeIDs := make([]string, 0, len(o.aggStates))
		for id := range o.aggStates {
			nodeIDs = append(nodeIDs, id)
		}
		sort.Strings(nodeIDs)
		for _, nodeID := range nodeIDs {
			st := o.aggStates[nodeID]
			if st.BatchID == "" || len(st.Rows) == 0 {
				continue
			}
			pending = true
			t, ok := o.steps[nodeID]
			if !ok {
				return fmt.Errorf("orchestrator: no aggregation plugin instance for node %s", nodeID)
			}
			next, err := o.flushAggregation(ctx, nodeID, t, st, contracts.TriggerTimeout, false)
			if err != nil {
				return err
			}
			if err := o.drain(ctx, next); err != nil {
				return err
			}
		}
		if !pending {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("orchestrator: batch-pending work did not resolve within %s", o.batchPendingDeadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.batchPendingPollInterval):
		}
	}
}

func (o *Orchestrator) shouldCheckpoint() bool {
	if o.checkpointCron != nil {
		now := time.Now()
		if o.nextCronCheckpoint.IsZero() {
			o.nextCronCheckpoint = o.checkpointCron.Next(now)
		}
		if !now.Before(o.nextCronCheckpoint) {
			return true
		}
	}
	if o.aggregationBoundaryOnly {
		return false
	}
	return o.checkpointEveryRows > 0 && o.rowsSinceCheckpoint >= o.checkpointEveryRows
}

func (o *Orchestrator) checkpointNow(ctx context.Context) error {
	payload := checkpoint.Payload{LastSinkCompletedToken: o.lastSinkToken}
	nodeIDs := make([]string, 0, len(o.aggStates))
	for id := range o.aggStates {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, nodeID := range nodeIDs {
		st := o.aggStates[nodeID]
		if st.BatchID == "" {
			continue
		}
		payload.Aggregations = append(payload.Aggregations, checkpoint.AggregationBuffer{
			NodeID: nodeID, BatchID: st.BatchID, Rows: bufferedMaps(st.Rows),
			TokenIDs: tokenIDsOf(st.Tokens), TriggerState: st.Evaluator.State(),
		})
	}
	if err := o.ckpt.Save(ctx, o.runID, payload); err != nil {
		return err
	}
	if o.checkpointCron != nil {
		o.nextCronCheckpoint = o.checkpointCron.Next(time.Now())
	}
	return nil
}

// Resume rebuilds in-flight aggregation buffers from the run's last saved
// checkpoint, then re-drives every other unprocessed token GetUnprocessedTokens
// reports through the remainder of the graph: a
// token resumes either by retrying the node it never finished (an
// OPEN/FAILED/PENDING state of its own) or by continuing downstream of the
// last node state it did complete — see resumeToken. Only a token whose row
// was never parked in a payload store (no PayloadStore attached when the
// row was created) falls back to being logged and marked FAILED, since its
// raw data cannot be rehydrated from the recorded content hash alone.
func (o *Orchestrator) Resume(ctx context.Context) error {
	defer o.closePipelined()
	plan, err := o.recovery.Resolve(ctx, o.runID, o.aggCfg)
	if err != nil {
		return err
	}
	for _, buf := range plan.Aggregations {
		st := o.aggState(buf.NodeID)
		st.BatchID = buf.BatchID
		st.Rows = buf.Rows
		st.Evaluator = buf.Evaluator
		members, err := o.tokensByID(ctx, buf.TokenIDs)
		if err != nil {
			return err
		}
		st.Tokens = members
	}
	for _, tok := range plan.UnprocessedTokens {
		if o.tokenBelongsToRestoredBatch(tok) {
			continue
		}
		queue, err := o.resumeToken(ctx, tok)
		if err != nil {
			return o.abort(ctx, err)
		}
		if queue == nil {
			continue
		}
		if err := o.drain(ctx, queue); err != nil {
			return o.abort(ctx, err)
		}
	}
	if err := o.flushAllAggregations(ctx); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.drainPendingBatches(ctx); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.checkpointNow(ctx); err != nil {
		return o.abort(ctx, err)
	}
	return o.rec.CompleteRun(ctx, o.runID, contracts.RunCompleted, "partial_replay")
}

// resumeToken rehydrates one crashed token's row from the payload store and
// returns the frame queue needed to re-drive just that token through the
// rest of the graph, or nil if it was handled directly (e.g. marked FAILED).
func (o *Orchestrator) resumeToken(ctx context.Context, tok model.Token) ([]frame, error) {
	rowRec, err := o.rec.GetRowByID(ctx, tok.RowID)
	if err != nil {
		return nil, err
	}
	if rowRec.SourceDataRef == nil {
		o.log.WithField("token_id", tok.TokenID).Warn("orchestrator: unprocessed token's row has no payload-store reference; marking failed instead of replaying")
		_, rerr := o.rec.RecordTokenOutcome(ctx, model.TokenOutcome{
			RunID: o.runID, TokenID: tok.TokenID, Outcome: contracts.OutcomeFailed,
		})
		return nil, rerr
	}
	raw, err := o.rec.GetRowPayload(ctx, *rowRec.SourceDataRef)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: rehydrate row %s for resume: %w", rowRec.RowID, err)
	}
	var row plugin.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("orchestrator: decode rehydrated row %s for resume: %w", rowRec.RowID, err)
	}

	last, found, err := o.rec.GetLatestNodeStateForToken(ctx, tok.TokenID)
	if err != nil {
		return nil, err
	}
	if found {
		return o.resumeFromOwnState(ctx, tok, row, last)
	}

	frames, ok, err := o.resumeFromParentState(ctx, tok, row)
	if err != nil {
		return nil, err
	}
	if ok {
		return frames, nil
	}

	// Neither this token nor (if applicable) its parent ever recorded a
	// node state: it crashed between creation and its first dispatch, so
	// nothing downstream of the source has observed it yet.
	edge, err := o.structuralEdge(o.graph.SourceNodeID, "continue")
	if err != nil {
		return nil, err
	}
	return []frame{{tok: tok, row: row, contract: o.graph.NodeOutputContract(o.graph.SourceNodeID), nodeID: edge.To, stepIndex: 1}}, nil
}

// resumeFromOwnState resumes a token that has a node state of its own: if
// that state never completed (OPEN/FAILED/PENDING), the same node is
// retried as a fresh attempt; if it completed, the token continues
// downstream of it, via the node's recorded routing event (gate) or its
// structural "continue" edge (transform).
func (o *Orchestrator) resumeFromOwnState(ctx context.Context, tok model.Token, row plugin.Row, last model.NodeState) ([]frame, error) {
	contract := o.graph.NodeOutputContract(last.NodeID)
	switch last.Status {
	case contracts.StateOpen, contracts.StateFailed, contracts.StatePending:
		return []frame{{tok: tok, row: row, contract: contract, nodeID: last.NodeID, stepIndex: last.StepIndex}}, nil
	case contracts.StateCompleted:
		node, ok := o.graph.Nodes[last.NodeID]
		if !ok {
			return nil, engineerr.NewAuditIntegrityError("resume: unknown node %q for completed state %s", last.NodeID, last.StateID)
		}
		if node.Kind == contracts.NodeGate {
			events, err := o.rec.GetRoutingEventsForState(ctx, last.StateID)
			if err != nil {
				return nil, err
			}
			// A gate whose own state is still unprocessed can only have
			// fanned out to a single continuation edge: a multi-edge fork
			// always terminates the forking token's own outcome as FORKED,
			// which would make it no longer "unprocessed" at all.
			if len(events) != 1 {
				return nil, engineerr.NewAuditIntegrityError("resume: completed gate state %s for an unprocessed token has %d routing events, want 1", last.StateID, len(events))
			}
			edge := o.edgeByID[events[0].EdgeID]
			return []frame{{tok: tok, row: row, contract: contract, nodeID: edge.To, stepIndex: last.StepIndex + 1}}, nil
		}
		edge, err := o.structuralEdge(last.NodeID, "continue")
		if err != nil {
			return nil, err
		}
		return []frame{{tok: tok, row: row, contract: contract, nodeID: edge.To, stepIndex: last.StepIndex + 1}}, nil
	default:
		return nil, engineerr.NewAuditIntegrityError("resume: node state %s has unhandled status %q", last.StateID, last.Status)
	}
}

// resumeFromParentState handles a fork child that has no node state of its
// own — dispatched by a gate fork but never reaching its branch's first
// node before the crash. It walks back to the parent token's gate state and
// replays only the routing event matching this child's own branch name, so
// a sibling branch that already completed (or is itself still in flight,
// resumed separately) is never re-driven alongside it. ok is
// false when the token isn't a fork child in this shape, leaving the caller
// to fall back to resuming from the source.
func (o *Orchestrator) resumeFromParentState(ctx context.Context, tok model.Token, row plugin.Row) ([]frame, bool, error) {
	if tok.ForkGroupID == nil || tok.BranchName == nil {
		return nil, false, nil
	}
	parents, err := o.rec.GetTokenParents(ctx, tok.TokenID)
	if err != nil {
		return nil, false, err
	}
	if len(parents) != 1 {
		return nil, false, nil
	}
	parentState, found, err := o.rec.GetLatestNodeStateForToken(ctx, parents[0].ParentTokenID)
	if err != nil {
		return nil, false, err
	}
	if !found || parentState.Status != contracts.StateCompleted {
		return nil, false, nil
	}
	node, ok := o.graph.Nodes[parentState.NodeID]
	if !ok || node.Kind != contracts.NodeGate {
		return nil, false, nil
	}
	events, err := o.rec.GetRoutingEventsForState(ctx, parentState.StateID)
	if err != nil {
		return nil, false, err
	}
	for _, ev := range events {
		edge := o.edgeByID[ev.EdgeID]
		if edge.Label == *tok.BranchName {
			contract := o.graph.NodeOutputContract(parentState.NodeID)
			return []frame{{tok: tok, row: row, contract: contract, nodeID: edge.To, stepIndex: parentState.StepIndex + 1}}, true, nil
		}
	}
	return nil, false, nil
}

// VerifyAgainst compares the hash surface of the receiver's
// already-completed run (o.Run must have returned successfully first)
// against sourceRunID's, implementing run_mode: verify. Callers configured with
// run_mode: verify are expected to
// call this after Run, then route any reported mismatch to a dedicated
// sink or fail the run per their own policy — the comparison itself is
// run_mode-agnostic and lives in internal/replay.
func (o *Orchestrator) VerifyAgainst(ctx context.Context, sourceRunID string) ([]replay.Mismatch, error) {
	return replay.New(o.rec).Compare(ctx, sourceRunID, o.runID)
}

func (o *Orchestrator) tokenBelongsToRestoredBatch(tok model.Token) bool {
	for _, st := range o.aggStates {
		for _, m := range st.Tokens {
			if m.TokenID == tok.TokenID {
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) tokensByID(ctx context.Context, ids []string) ([]model.Token, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	unprocessed, err := o.rec.GetUnprocessedTokens(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Token, 0, len(ids))
	for _, tok := range unprocessed {
		if _, ok := want[tok.TokenID]; ok {
			out = append(out, tok)
		}
	}
	return out, nil
}

func bufferedMaps(rows []plugin.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func tokenIDsOf(toks []model.Token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.TokenID
	}
	return out
}

// isFatal reports whether err is one of the engine's always-fatal
// classes: configuration, audit integrity, or plugin contract
// violations never get routed through a row's on_error path — they halt
// the run.
func isFatal(err error) bool {
	var cfgErr *engineerr.ConfigError
	var auditErr *engineerr.AuditIntegrityError
	var contractErr *engineerr.PluginContractError
	var edgeErr *engineerr.MissingEdgeError
	return errors.As(err, &cfgErr) || errors.As(err, &auditErr) || errors.As(err, &contractErr) || errors.As(err, &edgeErr)
}

func jsonErrText(err error) *string {
	if err == nil {
		return nil
	}
	data, marshalErr := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: err.Error()})
	if marshalErr != nil {
		fallback := `{"message":"unrepresentable error"}`
		return &fallback
	}
	s := string(data)
	return &s
}

func hashErrText(err error) *string {
	if err == nil {
		return nil
	}
	h := canonical.HashBytes([]byte(err.Error()))
	return &h
}
