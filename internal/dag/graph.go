package dag

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/model"
)

// continueTarget is the magic route-target string meaning "fall through to
// the gate's single implicit processing edge".
// It is a reserved *target*, distinct from the reserved *label* check in
// contracts.IsReservedLabel.
const continueTarget = "continue"

// Graph is the compiled pipeline: nodes, edges, registries, and the
// resolved route map, ready for the orchestrator to drive.
type Graph struct {
	RunID        string
	SourceNodeID string

	// Spec is the declarative definition this graph was compiled from, kept
	// for callers (the orchestrator) that need the original trigger
	// thresholds, coalesce policies, and plugin bindings alongside the
	// compiled node/edge shape.
	Spec Spec

	Nodes    map[string]*model.Node
	Edges    []model.Edge
	RouteMap map[model.RouteKey]model.Edge

	// ProducerRegistry maps a declared connection name (a transform,
	// aggregation, or coalesce's Name) to the node id that produces it.
	ProducerRegistry map[string]string
	// SinkRegistry maps a sink name to its node id.
	SinkRegistry map[string]string

	// Pipeline is the topologically sorted, non-sink node ids.
	Pipeline []string
}

// NodeOutputContract returns the output contract most recently assigned to
// nodeID, or nil if the node carries none.
func (g *Graph) NodeOutputContract(nodeID string) *contracts.Contract {
	n, ok := g.Nodes[nodeID]
	if !ok {
		return nil
	}
	return n.OutputContract
}

// Builder compiles a Spec into a Graph. A Builder is single-use: call
// Build once.
type Builder struct {
	runID string
	spec  Spec

	graph *Graph

	// pending accumulates every (from, label, targetID) triple
	// before edges are materialized, so step 10's completeness check can
	// run before any edge is frozen.
	pending []pendingEdge
}

type pendingEdge struct {
	from  string
	label string
	to    string
	mode  contracts.EdgeMode
}

// NewBuilder constructs a Builder for one run's compiled graph.
func NewBuilder(runID string, spec Spec) *Builder {
	return &Builder{
		runID: runID,
		spec:  spec,
		graph: &Graph{
			RunID:            runID,
			Spec:             spec,
			Nodes:            make(map[string]*model.Node),
			RouteMap:         make(map[model.RouteKey]model.Edge),
			ProducerRegistry: make(map[string]string),
			SinkRegistry:     make(map[string]string),
		},
	}
}

// Build runs the full compilation pipeline and returns the resolved Graph.
func (b *Builder) Build() (*Graph, error) {
	if err := b.registerSinks(); err != nil {
		return nil, err
	}
	if err := b.registerSource(); err != nil {
		return nil, err
	}
	if err := b.registerTransforms(); err != nil {
		return nil, err
	}
	if err := b.registerAggregations(); err != nil {
		return nil, err
	}
	if err := b.registerCoalesces(); err != nil {
		return nil, err
	}
	if err := b.registerGates(); err != nil {
		return nil, err
	}
	if err := b.wireImplicitChain(); err != nil {
		return nil, err
	}
	if err := b.materializeEdges(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.propagateSchemas(); err != nil {
		return nil, err
	}
	b.topoSort()
	if err := b.validateComplete(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

func configHashOf(config map[string]interface{}) (string, string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", "", fmt.Errorf("dag: marshal config: %w", err)
	}
	return string(data), model.ConfigHash(data), nil
}

func (b *Builder) addNode(kind contracts.NodeKind, plugin, version string, config map[string]interface{}, seq *int) (*model.Node, error) {
	configJSON, hash, err := configHashOf(config)
	if err != nil {
		return nil, err
	}
	nodeID := model.BuildNodeID(kind, plugin, hash, seq)
	// Two non-sequenced nodes of the same kind, plugin and config (two sinks
	// with identical settings, say) would share an id; each later one takes
	// the first free "_<n>" suffix, in declaration order.
	base := nodeID
	for dup := 1; b.graph.Nodes[nodeID] != nil; dup++ {
		suffix := fmt.Sprintf("_%d", dup)
		if len(base)+len(suffix) > model.MaxNodeIDLength {
			base = base[:model.MaxNodeIDLength-len(suffix)]
		}
		nodeID = base + suffix
	}
	n := &model.Node{
		NodeID:        nodeID,
		RunID:         b.runID,
		Kind:          kind,
		PluginName:    plugin,
		PluginVersion: version,
		ConfigJSON:    configJSON,
		ConfigHash:    hash,
		Determinism:   contracts.DeterministicClass,
		PipelineSeq:   seq,
		RegisteredAt:  time.Now().UTC(),
	}
	b.graph.Nodes[nodeID] = n
	return n, nil
}

func (b *Builder) registerSinks() error {
	for _, s := range b.spec.Sinks {
		n, err := b.addNode(contracts.NodeSink, s.Plugin, s.Version, s.Config, nil)
		if err != nil {
			return err
		}
		if _, exists := b.graph.SinkRegistry[s.Name]; exists {
			return engineerr.NewConfigError("duplicate sink name %q", s.Name)
		}
		b.graph.SinkRegistry[s.Name] = n.NodeID
	}
	if b.spec.OutputSink != "" {
		if _, ok := b.graph.SinkRegistry[b.spec.OutputSink]; !ok {
			return b.unresolvedNameError(fmt.Sprintf("output_sink references unknown sink %q", b.spec.OutputSink), b.spec.OutputSink)
		}
	}
	return nil
}

func (b *Builder) registerSource() error {
	seq := 0
	n, err := b.addNode(contracts.NodeSource, b.spec.Source.Plugin, b.spec.Source.Version, b.spec.Source.Config, &seq)
	if err != nil {
		return err
	}
	n.OutputContract = b.spec.Source.OutputContract
	b.graph.SourceNodeID = n.NodeID
	if b.spec.Source.QuarantineSink != "" {
		sinkID, ok := b.graph.SinkRegistry[b.spec.Source.QuarantineSink]
		if !ok {
			return b.unresolvedNameError(fmt.Sprintf("source quarantine_sink references unknown sink %q", b.spec.Source.QuarantineSink), b.spec.Source.QuarantineSink)
		}
		b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: "quarantine", to: sinkID, mode: contracts.ModeDivert})
	}
	return nil
}

func (b *Builder) registerTransforms() error {
	for i, t := range b.spec.Transforms {
		seq := i + 1
		n, err := b.addNode(contracts.NodeTransform, t.Plugin, t.Version, t.Config, &seq)
		if err != nil {
			return err
		}
		n.OutputContract = t.OutputContract
		if _, exists := b.graph.ProducerRegistry[t.Name]; exists {
			return engineerr.NewConfigError("duplicate connection name %q", t.Name)
		}
		b.graph.ProducerRegistry[t.Name] = n.NodeID

		if t.OnError != "" {
			sinkID, ok := b.graph.SinkRegistry[t.OnError]
			if !ok {
				return b.unresolvedNameError(fmt.Sprintf("transform %q on_error references unknown sink %q", t.Name, t.OnError), t.OnError)
			}
			b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: "on_error", to: sinkID, mode: contracts.ModeDivert})
		}
	}
	return nil
}

func (b *Builder) registerAggregations() error {
	for _, a := range b.spec.Aggregations {
		n, err := b.addNode(contracts.NodeAggregation, a.Plugin, a.Version, a.Config, nil)
		if err != nil {
			return err
		}
		if _, exists := b.graph.ProducerRegistry[a.Name]; exists {
			return engineerr.NewConfigError("duplicate connection name %q", a.Name)
		}
		b.graph.ProducerRegistry[a.Name] = n.NodeID
		if a.Count <= 0 && a.TimeoutSeconds <= 0 && a.Condition == "" {
			return engineerr.NewConfigError("aggregation %q must specify at least one of count/timeout_seconds/condition", a.Name)
		}
		if a.OnError != "" {
			sinkID, ok := b.graph.SinkRegistry[a.OnError]
			if !ok {
				return b.unresolvedNameError(fmt.Sprintf("aggregation %q on_error references unknown sink %q", a.Name, a.OnError), a.OnError)
			}
			b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: "on_error", to: sinkID, mode: contracts.ModeDivert})
		}
		// A dangling aggregation output is a build-time error: a flushed
		// batch's result row must have somewhere to route before any row is
		// in flight.
		if a.OnSuccess == "" {
			return engineerr.NewConfigError("aggregation %q must declare on_success; its batch output has no destination", a.Name)
		}
		to, err := b.resolveTarget(a.OnSuccess)
		if err != nil {
			return fmt.Errorf("aggregation %q on_success: %w", a.Name, err)
		}
		b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: continueTarget, to: to, mode: contracts.ModeMove})
	}
	return nil
}

func (b *Builder) registerCoalesces() error {
	for _, c := range b.spec.Coalesces {
		if c.Policy == contracts.PolicyQuorum && c.QuorumCount > len(c.Branches) {
			return engineerr.NewConfigError("coalesce %q: quorum_count %d exceeds %d declared branches", c.Name, c.QuorumCount, len(c.Branches))
		}
		if c.Policy == contracts.PolicyBestEffort && c.TimeoutSeconds <= 0 {
			return engineerr.NewConfigError("coalesce %q: best_effort policy requires timeout_seconds", c.Name)
		}
		if c.Merge == contracts.MergeSelect {
			found := false
			for _, br := range c.Branches {
				if br == c.SelectBranch {
					found = true
					break
				}
			}
			if !found {
				return engineerr.NewConfigError("coalesce %q: select_branch %q is not one of its declared branches", c.Name, c.SelectBranch)
			}
		}

		n, err := b.addNode(contracts.NodeCoalesce, "coalesce", "1.0.0", map[string]interface{}{
			"branches": c.Branches, "policy": c.Policy, "merge": c.Merge,
		}, nil)
		if err != nil {
			return err
		}
		if _, exists := b.graph.ProducerRegistry[c.Name]; exists {
			return engineerr.NewConfigError("duplicate connection name %q", c.Name)
		}
		b.graph.ProducerRegistry[c.Name] = n.NodeID

		// Same dangling-output rule as aggregations: a merged token with no
		// destination is a configuration error, not a mid-run MissingEdge
		// crash at the first merge.
		if c.OnSuccess == "" {
			return engineerr.NewConfigError("coalesce %q must declare on_success; its merged token has no destination", c.Name)
		}
		to, err := b.resolveTarget(c.OnSuccess)
		if err != nil {
			return fmt.Errorf("coalesce %q on_success: %w", c.Name, err)
		}
		b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: continueTarget, to: to, mode: contracts.ModeMove})
	}
	return nil
}

func (b *Builder) registerGates() error {
	for _, g := range b.spec.Gates {
		n, err := b.addNode(contracts.NodeGate, b.gatePluginName(g), g.Version, g.Config, nil)
		if err != nil {
			return err
		}
		if _, exists := b.graph.ProducerRegistry[g.Name]; exists {
			return engineerr.NewConfigError("duplicate connection name %q", g.Name)
		}
		b.graph.ProducerRegistry[g.Name] = n.NodeID

		for label, target := range g.Routes {
			if label == "fork" {
				continue
			}
			if contracts.IsReservedLabel(label) {
				return engineerr.NewConfigError("gate %q: route label %q is reserved", g.Name, label)
			}
			if target == continueTarget {
				continue // falls through to the gate's implicit single next edge
			}
			to, err := b.resolveTarget(target)
			if err != nil {
				return fmt.Errorf("gate %q route %q: %w", g.Name, label, err)
			}
			b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: label, to: to, mode: contracts.ModeMove})
		}

		for _, branch := range g.ForkTo {
			to, mode, err := b.resolveForkBranch(branch)
			if err != nil {
				return fmt.Errorf("gate %q fork branch %q: %w", g.Name, branch, err)
			}
			b.pending = append(b.pending, pendingEdge{from: n.NodeID, label: branch, to: to, mode: mode})
		}
	}
	return nil
}

func (b *Builder) gatePluginName(g GateSpec) string {
	if g.Condition != "" {
		return "config_expr_gate"
	}
	return g.Plugin
}

// resolveForkBranch resolves a fork branch destination: a branch either
// matches a coalesce's declared branch (identity, COPY edge to the
// coalesce), a connection name (the branch is transformed before
// coalescing or routed elsewhere), or a sink name (COPY edge to the sink).
func (b *Builder) resolveForkBranch(branch string) (string, contracts.EdgeMode, error) {
	for _, c := range b.spec.Coalesces {
		for _, declared := range c.Branches {
			if declared == branch {
				nodeID, ok := b.graph.ProducerRegistry[c.Name]
				if !ok {
					return "", "", engineerr.NewConfigError("coalesce %q not registered", c.Name)
				}
				return nodeID, contracts.ModeCopy, nil
			}
		}
	}
	if nodeID, ok := b.graph.ProducerRegistry[branch]; ok {
		return nodeID, contracts.ModeCopy, nil
	}
	if nodeID, ok := b.graph.SinkRegistry[branch]; ok {
		return nodeID, contracts.ModeCopy, nil
	}
	return "", "", b.unresolvedNameError(fmt.Sprintf("fork branch %q has no matching coalesce, connection, or sink", branch), branch)
}

// resolveTarget resolves a route/on_success target string to a node id,
// trying the sink registry then the connection (producer) registry.
func (b *Builder) resolveTarget(target string) (string, error) {
	if nodeID, ok := b.graph.SinkRegistry[target]; ok {
		return nodeID, nil
	}
	if nodeID, ok := b.graph.ProducerRegistry[target]; ok {
		return nodeID, nil
	}
	return "", b.unresolvedNameError(fmt.Sprintf("unresolved connection/sink name %q", target), target)
}

// wireImplicitChain connects the source and any transform lacking an
// explicit on_success/route to the next transform in declared order, or to
// output_sink if it is the last step — the pipeline-implicit linear chain.
func (b *Builder) wireImplicitChain() error {
	prev := b.graph.SourceNodeID
	for _, t := range b.spec.Transforms {
		nodeID := b.graph.ProducerRegistry[t.Name]
		if prev != "" {
			b.pending = append(b.pending, pendingEdge{from: prev, label: continueTarget, to: nodeID, mode: contracts.ModeMove})
		}
		if t.OnSuccess != "" {
			to, err := b.resolveTarget(t.OnSuccess)
			if err != nil {
				return fmt.Errorf("transform %q on_success: %w", t.Name, err)
			}
			b.pending = append(b.pending, pendingEdge{from: nodeID, label: continueTarget, to: to, mode: contracts.ModeMove})
			prev = "" // explicit destination given; no implicit successor from this node
		} else {
			prev = nodeID
		}
	}
	if prev != "" && b.spec.OutputSink != "" {
		sinkID := b.graph.SinkRegistry[b.spec.OutputSink]
		b.pending = append(b.pending, pendingEdge{from: prev, label: continueTarget, to: sinkID, mode: contracts.ModeMove})
	}
	return nil
}

func (b *Builder) materializeEdges() error {
	for _, p := range b.pending {
		edgeID := fmt.Sprintf("%s_%s_%s", p.from, p.label, p.to)
		e := model.Edge{EdgeID: edgeID, RunID: b.runID, From: p.from, To: p.to, Label: p.label, Mode: p.mode}
		b.graph.Edges = append(b.graph.Edges, e)
		key := model.RouteKey{NodeID: p.from, Label: p.label}
		if _, exists := b.graph.RouteMap[key]; exists {
			return engineerr.NewConfigError("duplicate route (%s, %s)", p.from, p.label)
		}
		b.graph.RouteMap[key] = e
	}
	return nil
}

func (b *Builder) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	adj := make(map[string][]string)
	for _, e := range b.graph.Edges {
		if e.Mode == contracts.ModeDivert {
			continue // structural-only, not a normal-processing traversal edge
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	var path []string
	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		path = append(path, node)
		for _, next := range adj[node] {
			switch color[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case gray:
				cyclePath := append(append([]string{}, path...), next)
				return engineerr.NewConfigError("cycle detected: %v", cyclePath)
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	ids := make([]string, 0, len(b.graph.Nodes))
	for id := range b.graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// propagateSchemas computes each node's input/output contract: transforms
// and sources keep their declared contract;
// coalesce nodes merge their branch sources' output contracts according to
// their merge strategy.
func (b *Builder) propagateSchemas() error {
	incoming := make(map[string][]model.Edge)
	for _, e := range b.graph.Edges {
		if e.Mode == contracts.ModeDivert {
			continue
		}
		incoming[e.To] = append(incoming[e.To], e)
	}

	for _, c := range b.spec.Coalesces {
		nodeID := b.graph.ProducerRegistry[c.Name]
		branches := make(map[string]*contracts.Contract)
		for _, e := range incoming[nodeID] {
			src := b.graph.Nodes[e.From]
			if src != nil && src.OutputContract != nil {
				branches[e.Label] = src.OutputContract
			}
		}
		var merged *contracts.Contract
		var err error
		switch c.Merge {
		case contracts.MergeUnion:
			merged, err = contracts.BuildUnionContract(branches)
			if err != nil {
				return fmt.Errorf("coalesce %q schema: %w", c.Name, err)
			}
		case contracts.MergeNested:
			names := make([]string, 0, len(branches))
			for name := range branches {
				names = append(names, name)
			}
			sort.Strings(names)
			merged = contracts.BuildNestedContract(names)
		case contracts.MergeSelect:
			if selected, ok := branches[c.SelectBranch]; ok {
				merged = contracts.BuildSelectContract(selected)
			}
		}
		if n, ok := b.graph.Nodes[nodeID]; ok {
			n.OutputContract = merged
		}
	}

	for _, t := range b.spec.Transforms {
		nodeID := b.graph.ProducerRegistry[t.Name]
		n := b.graph.Nodes[nodeID]
		if n.OutputContract == nil {
			for _, e := range incoming[nodeID] {
				if src := b.graph.Nodes[e.From]; src != nil && src.OutputContract != nil {
					n.InputContract = src.OutputContract
					n.OutputContract = src.OutputContract
				}
			}
		}
	}
	return nil
}

// topoSort produces a Kahn's-algorithm order over non-sink nodes, used by
// the orchestrator purely for diagnostics and deterministic iteration; the
// actual run-time traversal always follows resolved routes, not this list.
func (b *Builder) topoSort() {
	indegree := make(map[string]int)
	adj := make(map[string][]string)
	for id, n := range b.graph.Nodes {
		if n.Kind != contracts.NodeSink {
			indegree[id] = 0
		}
	}
	for _, e := range b.graph.Edges {
		if e.Mode == contracts.ModeDivert {
			continue
		}
		toNode := b.graph.Nodes[e.To]
		if toNode == nil || toNode.Kind == contracts.NodeSink {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		next := append([]string{}, adj[node]...)
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				queue = append(queue, n)
				sort.Strings(queue)
			}
		}
	}
	b.graph.Pipeline = order
}

// validateComplete checks that every declared route has resolved to a
// registered edge before Build returns.
func (b *Builder) validateComplete() error {
	for _, p := range b.pending {
		key := model.RouteKey{NodeID: p.from, Label: p.label}
		if _, ok := b.graph.RouteMap[key]; !ok {
			return engineerr.NewConfigError("route (%s, %s) did not resolve to a registered edge", p.from, p.label)
		}
	}
	return nil
}

func (b *Builder) allSinkAndConnectionNames() []string {
	names := make([]string, 0, len(b.graph.SinkRegistry)+len(b.graph.ProducerRegistry))
	for name := range b.graph.SinkRegistry {
		names = append(names, name)
	}
	for name := range b.graph.ProducerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unresolvedNameError builds a ConfigError for an unresolved name,
// appending an edit-distance "did you mean" suggestion when one of the
// graph's known sink/connection names is close enough to be useful.
func (b *Builder) unresolvedNameError(message, unknownName string) error {
	candidates := b.allSinkAndConnectionNames()
	if suggestions := suggestionsFor(unknownName, candidates, 3); len(suggestions) > 0 {
		message = fmt.Sprintf("%s (did you mean: %v?)", message, suggestions)
	}
	return &engineerr.ConfigError{Reason: message}
}
