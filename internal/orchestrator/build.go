package orchestrator

import (
	"context"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/expr"
	"github.com/sentryflow/sentryflow/internal/registry"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// buildPlugins constructs one plugin instance per non-coalesce graph node
// from the registry's capability table, keyed by node id exactly the way the orchestrator's
// source/sinks/steps/gates maps expect. Coalesce nodes carry no plugin
// instance — they are driven entirely by internal/coalesce.Spec.
func buildPlugins(g *dag.Graph) (plugin.Source, map[string]plugin.Sink, map[string]plugin.Transform, map[string]plugin.Gate, error) {
	source, err := registry.BuildSource(g.Spec.Source.Plugin, g.Spec.Source.Version, g.Spec.Source.Config)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("orchestrator: build source: %w", err)
	}

	sinks := make(map[string]plugin.Sink, len(g.Spec.Sinks))
	for _, s := range g.Spec.Sinks {
		nodeID, ok := g.SinkRegistry[s.Name]
		if !ok {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: sink %q not present in sink registry", s.Name)
		}
		inst, err := registry.BuildSink(s.Plugin, s.Version, s.Config)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: build sink %q: %w", s.Name, err)
		}
		inst.SetNodeID(nodeID)
		sinks[nodeID] = inst
	}

	steps := make(map[string]plugin.Transform, len(g.Spec.Transforms)+len(g.Spec.Aggregations))
	for _, t := range g.Spec.Transforms {
		nodeID, ok := g.ProducerRegistry[t.Name]
		if !ok {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: transform %q not present in producer registry", t.Name)
		}
		inst, err := registry.BuildTransform(t.Plugin, t.Version, t.Config)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: build transform %q: %w", t.Name, err)
		}
		steps[nodeID] = inst
	}
	for _, a := range g.Spec.Aggregations {
		nodeID, ok := g.ProducerRegistry[a.Name]
		if !ok {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: aggregation %q not present in producer registry", a.Name)
		}
		inst, err := registry.BuildTransform(a.Plugin, a.Version, a.Config)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: build aggregation %q: %w", a.Name, err)
		}
		steps[nodeID] = inst
	}

	gates := make(map[string]plugin.Gate, len(g.Spec.Gates))
	for _, gs := range g.Spec.Gates {
		nodeID, ok := g.ProducerRegistry[gs.Name]
		if !ok {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: gate %q not present in producer registry", gs.Name)
		}
		if gs.Condition != "" {
			inst, err := newExprGate(gs.Name, gs.Condition)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("orchestrator: compile gate %q condition: %w", gs.Name, err)
			}
			gates[nodeID] = inst
			continue
		}
		inst, err := registry.BuildGate(gs.Plugin, gs.Version, gs.Config)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("orchestrator: build gate %q: %w", gs.Name, err)
		}
		gates[nodeID] = inst
	}

	return source, sinks, steps, gates, nil
}

// exprGate wraps a compiled internal/expr sandboxed condition into a
// plugin.Gate, giving config-expression gates the
// same calling convention as a registered plugin gate. A boolean result
// routes to the literal label "true"/"false"; a string result is used
// directly as the route label, letting a condition express a multi-way
// switch without a plugin.
type exprGate struct {
	name string
	expr *expr.Expression
}

func newExprGate(name, condition string) (*exprGate, error) {
	compiled, err := expr.Compile(condition)
	if err != nil {
		return nil, err
	}
	return &exprGate{name: name, expr: compiled}, nil
}

func (g *exprGate) Name() string                       { return g.name }
func (g *exprGate) Config() map[string]interface{}     { return nil }
func (g *exprGate) InputContract() *contracts.Contract { return nil }

func (g *exprGate) Evaluate(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.GateResult, error) {
	result, err := g.expr.Evaluate(row)
	if err != nil {
		return plugin.GateResult{}, err
	}
	var label string
	switch {
	case result.Bool != nil:
		if *result.Bool {
			label = "true"
		} else {
			label = "false"
		}
	case result.String != nil:
		label = *result.String
	default:
		return plugin.GateResult{}, fmt.Errorf("orchestrator: gate %q condition produced neither a bool nor a string", g.name)
	}
	return plugin.GateResult{
		Row:    row,
		Action: plugin.RoutingAction{Kind: contracts.ActionRoute, Label: label},
	}, nil
}
