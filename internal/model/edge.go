package model

import "github.com/sentryflow/sentryflow/internal/contracts"

// Edge is a directed, labeled connection between two nodes.
type Edge struct {
	EdgeID string
	RunID  string
	From   string
	To     string
	Label  string
	Mode   contracts.EdgeMode
}

// RouteKey identifies an (from_node, label) pair in the route-resolution
// map. (node_id, label) -> edge_id must be total for every routable node;
// a lookup miss is a fatal MissingEdgeError.
type RouteKey struct {
	NodeID string
	Label  string
}
