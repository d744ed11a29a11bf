// Package plugin defines the public contracts every source, transform,
// gate, and sink plugin implements, plus the Context carrier
// passed to each plugin call.
package plugin

import (
	"context"

	"github.com/sentryflow/sentryflow/internal/contracts"
)

// Row is the plain mapping shape every plugin boundary crosses with — a
// contracts.Row's Data(), never the Row wrapper itself.
type Row = map[string]interface{}

// Source produces rows for a run. OnValidationFailure names a sink to
// quarantine invalid rows to, or "" to mean discard.
type Source interface {
	Name() string
	Config() map[string]interface{}
	OutputContract() *contracts.Contract
	OnValidationFailure() string
	Next(ctx context.Context) (Row, bool, error) // ok=false signals exhaustion
	OnStart(ctx context.Context) error
	Close(ctx context.Context) error
}

// TransformResult is the tagged union a Transform.Process call returns:
// exactly one of Row (success) or Error is populated.
type TransformResult struct {
	Row            Row
	Error          string // non-empty marks a plugin-reported processing error
	OutputContract *contracts.Contract
}

// Transform processes one row (or, when BatchAware is true, a slice of
// rows) into one TransformResult. OnError names a sink, "discard",
// or "" (meaning a processing error is a programming error and must raise).
type Transform interface {
	Name() string
	Config() map[string]interface{}
	InputContract() *contracts.Contract
	OutputContract() *contracts.Contract
	OnError() string
	BatchAware() bool
	Process(ctx context.Context, row Row, pctx *Context) (TransformResult, error)
	ProcessBatch(ctx context.Context, rows []Row, pctx *Context) (TransformResult, error)
}

// RowPipelined is implemented by a Transform that calls an external
// pay-by-the-request service and wants row-level
// pipelining: the engine bridges its per-row Process calls through a
// bounded, admission-controlled worker pool (internal/batchadapter)
// instead of invoking Process inline on the dispatch goroutine.
// MaxPending is the adapter's in-flight bound (batchadapter.Config.MaxPending).
type RowPipelined interface {
	Transform
	MaxPending() int
}

// RoutingAction is the decision a gate emits.
type RoutingAction struct {
	Kind       contracts.RoutingActionKind
	Label      string
	ForkLabels []string
}

// GateResult carries a gate's routing decision plus the (possibly amended)
// row and an optional contract change.
type GateResult struct {
	Row      Row
	Action   RoutingAction
	Contract *contracts.Contract
}

// Gate evaluates a routing decision over one row.
type Gate interface {
	Name() string
	Config() map[string]interface{}
	InputContract() *contracts.Contract
	Evaluate(ctx context.Context, row Row, pctx *Context) (GateResult, error)
}

// ArtifactDescriptor describes one sink-produced output.
type ArtifactDescriptor struct {
	ArtifactType string
	PathOrURI    string
	ContentHash  string
	SizeBytes    int64
}

// Sink writes a batch of plain row mappings.
type Sink interface {
	Name() string
	NodeID() string
	SetNodeID(id string)
	InputContract() *contracts.Contract
	Write(ctx context.Context, rows []Row, pctx *Context) (ArtifactDescriptor, error)
}

// Context is the carrier passed to every plugin method: run
// identity, the state being executed, call-index allocation, checkpoint
// access for pending plugins, and the active token/contract/batch
// identifiers.
type Context struct {
	RunID   string
	StateID string
	NodeID  string

	TokenID        string
	BatchTokenIDs  []string
	Contract       *contracts.Contract

	AllocateCallIndex func() int
	Checkpoint        CheckpointAccessor
}

// CheckpointAccessor exposes get/update/clear for plugins that expose
// resumable remote work.
type CheckpointAccessor interface {
	Get(ctx context.Context) (map[string]interface{}, error)
	Update(ctx context.Context, payload map[string]interface{}) error
	Clear(ctx context.Context) error
}

// BatchPending is returned by a batch-aware transform to signal that the
// batch's work is outstanding against a remote system and must be polled
// later, rather than having failed.
type BatchPending struct {
	Checkpoint map[string]interface{}
	Reason     string
}

func (e *BatchPending) Error() string { return "batch pending: " + e.Reason }
