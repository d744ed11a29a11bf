// Package dag compiles a declarative pipeline configuration into a typed,
// validated graph: resolved edges, deterministic node ids, schema
// propagation, and a topologically sorted pipeline.
package dag

import "github.com/sentryflow/sentryflow/internal/contracts"

// SourceSpec describes the single source plugin instance for a pipeline.
type SourceSpec struct {
	Plugin          string
	Version         string
	Config          map[string]interface{}
	QuarantineSink  string // optional; empty means discard on validation failure
	OutputContract  *contracts.Contract
}

// TransformSpec describes one transform node and its outbound connections.
type TransformSpec struct {
	Name       string // connection name this transform's output is registered under
	Plugin     string
	Version    string
	Config     map[string]interface{}
	OnSuccess  string // connection name or sink name consuming this transform's output; empty = pipeline-implicit next
	OnError    string // sink name to route FAILED rows to; empty = raise on plugin-reported error
	OutputContract *contracts.Contract
}

// GateSpec describes one config-driven gate node.
type GateSpec struct {
	Name      string
	Plugin    string // empty for a config-expression gate
	Version   string
	Config    map[string]interface{}
	Condition string            // non-empty for a config-expression gate
	Routes    map[string]string // route label -> sink name or connection name
	ForkTo    []string          // branch names, used when Routes["fork"] is declared
}

// CoalesceSpec describes one coalesce (join) node.
type CoalesceSpec struct {
	Name          string
	Branches      []string // declared branch names expected to arrive
	Policy        contracts.CoalescePolicy
	QuorumCount   int
	TimeoutSeconds float64
	Merge         contracts.MergeStrategy
	SelectBranch  string
	OnSuccess     string // connection name or sink name consuming the merged token
}

// AggregationSpec describes one batching aggregation node.
type AggregationSpec struct {
	Name           string
	Plugin         string
	Version        string
	Config         map[string]interface{}
	Count          int
	TimeoutSeconds float64
	Condition      string
	OnSuccess      string
	OnError        string
}

// SinkSpec describes one named sink.
type SinkSpec struct {
	Name    string
	Plugin  string
	Version string
	Config  map[string]interface{}
}

// Spec is the full declarative pipeline definition: the YAML top-level
// keys (datasource, sinks, row_plugins, gates, coalesce, aggregations)
// after config-file parsing.
type Spec struct {
	Source       SourceSpec
	Transforms   []TransformSpec
	Gates        []GateSpec
	Coalesces    []CoalesceSpec
	Aggregations []AggregationSpec
	Sinks        []SinkSpec
	OutputSink   string
}
