// Package routing resolves RoutingActions emitted by gates into registered
// edges and records the resulting routing events.
package routing

import (
	"context"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/model"
)

// Action is the routing decision Resolve acts on: a
// contracts.RoutingActionKind plus its label(s) and optional reason hash/ref.
type Action struct {
	Kind       contracts.RoutingActionKind
	Label      string   // for Kind == ActionRoute
	ForkLabels []string // for Kind == ActionFork
	ReasonHash *string
	ReasonRef  *string
}

// Router resolves a gate's RoutingAction against the compiled graph's route
// map and records the resulting RoutingEvents.
type Router struct {
	graph *dag.Graph
	rec   *landscape.Recorder
}

// New constructs a Router bound to a compiled graph and recorder.
func New(graph *dag.Graph, rec *landscape.Recorder) *Router {
	return &Router{graph: graph, rec: rec}
}

// Resolve looks up every destination named by action from nodeID and
// records one RoutingEvent per destination under a shared routing_group_id.
// A continue action with ambiguous or absent implicit edges fails
// closed.
func (r *Router) Resolve(ctx context.Context, stateID, nodeID string, stepIndex, attempt int, action Action) ([]model.RoutingEvent, error) {
	switch action.Kind {
	case contracts.ActionContinue:
		edge, err := r.resolveContinue(nodeID)
		if err != nil {
			return nil, err
		}
		return r.rec.RecordRoutingEvents(ctx, stateID, stepIndex, attempt, []landscape.RoutingEventInput{
			{EdgeID: edge.EdgeID, Mode: edge.Mode, ReasonHash: action.ReasonHash, ReasonRef: action.ReasonRef},
		})
	case contracts.ActionRoute:
		edge, err := r.lookup(nodeID, action.Label)
		if err != nil {
			return nil, err
		}
		return r.rec.RecordRoutingEvents(ctx, stateID, stepIndex, attempt, []landscape.RoutingEventInput{
			{EdgeID: edge.EdgeID, Mode: edge.Mode, ReasonHash: action.ReasonHash, ReasonRef: action.ReasonRef},
		})
	case contracts.ActionFork:
		inputs := make([]landscape.RoutingEventInput, 0, len(action.ForkLabels))
		for _, label := range action.ForkLabels {
			edge, err := r.lookup(nodeID, label)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, landscape.RoutingEventInput{EdgeID: edge.EdgeID, Mode: edge.Mode, ReasonHash: action.ReasonHash, ReasonRef: action.ReasonRef})
		}
		return r.rec.RecordRoutingEvents(ctx, stateID, stepIndex, attempt, inputs)
	default:
		return nil, fmt.Errorf("routing: unknown action kind %q", action.Kind)
	}
}

func (r *Router) lookup(nodeID, label string) (model.Edge, error) {
	key := model.RouteKey{NodeID: nodeID, Label: label}
	edge, ok := r.graph.RouteMap[key]
	if !ok {
		return model.Edge{}, &engineerr.MissingEdgeError{NodeID: nodeID, Label: label}
	}
	return edge, nil
}

// resolveContinue implements the "continue" fallthrough: if the gate has
// exactly one processing-target (non-DIVERT) edge, route to it; otherwise
// fail closed, since an ambiguous implicit destination would make the
// audit trail's routing decision unreproducible.
func (r *Router) resolveContinue(nodeID string) (model.Edge, error) {
	var candidates []model.Edge
	for _, e := range r.graph.Edges {
		if e.From == nodeID && e.Mode != contracts.ModeDivert {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if len(candidates) == 0 {
		return model.Edge{}, &engineerr.MissingEdgeError{NodeID: nodeID, Label: "continue"}
	}
	return model.Edge{}, engineerr.NewAuditIntegrityError(
		"node %s: continue is ambiguous across %d candidate edges; fail closed", nodeID, len(candidates),
	)
}
