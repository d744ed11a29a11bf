package model

import (
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
)

// RoutingEvent records a single routed destination taken from a node state.
// Ordering within a state is by Ordinal ascending; globally within a run,
// ordering is by (StepIndex, Attempt, Ordinal).
type RoutingEvent struct {
	EventID        string
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           contracts.EdgeMode
	ReasonHash     *string
	ReasonRef      *string
	CreatedAt      time.Time

	// Denormalized for ordering queries without a join back to node_states;
	// populated by the recorder at record time.
	StepIndex int
	Attempt   int
}

// Call is an external call made during a node's execution (LLM/HTTP/SQL/
// filesystem). Parent is either a state_id (executor-scoped call) or an
// operation_id (batch-pending poll scoped call).
type Call struct {
	CallID       string
	Parent       string
	CallIndex    int
	CallType     contracts.CallType
	Status       contracts.CallStatus
	RequestHash  string
	RequestRef   *string
	ResponseHash *string
	ResponseRef  *string
	ErrorJSON    *string
	LatencyMs    float64
	CreatedAt    time.Time
}

// Batch is a set of tokens grouped by an aggregation node for joint
// processing.
type Batch struct {
	BatchID          string
	RunID            string
	AggregationNodeID string
	Attempt          int
	Status           contracts.BatchStatus
	CreatedAt        time.Time
	CompletionStateID *string
	TriggerType      *contracts.TriggerType
	TriggerReason    *string
	CompletedAt      *time.Time
}

// BatchMember records one token consumed into a batch, with the ordinal it
// was accepted at (ordinals are stable across restore).
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// TokenOutcome is the terminal (or explanatory non-terminal) classification
// attached to a token. IsTerminal MUST match Outcome.IsTerminal(); the
// repository layer enforces this at load time.
type TokenOutcome struct {
	OutcomeID     string
	RunID         string
	TokenID       string
	Outcome       contracts.TokenOutcomeKind
	IsTerminal    bool
	RecordedAt    time.Time
	SinkName      *string
	BatchID       *string
	ForkGroupID   *string
	JoinGroupID   *string
	ExpandGroupID *string
	ErrorHash     *string
	ContextJSON   *string
	ExpectedBranchesJSON *string
}

// Validate enforces that IsTerminal matches the outcome's static
// terminality.
func (o TokenOutcome) Validate() error {
	if o.IsTerminal != o.Outcome.IsTerminal() {
		return fmt.Errorf(
			"model: token_outcome %s has is_terminal=%v but outcome %q is statically terminal=%v",
			o.OutcomeID, o.IsTerminal, o.Outcome, o.Outcome.IsTerminal(),
		)
	}
	return nil
}

// Artifact is a sink-produced output registered for lineage.
type Artifact struct {
	ArtifactID     string
	RunID          string
	ProducedByState string
	SinkNodeID     string
	ArtifactType   string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey *string
	CreatedAt      time.Time
}

// Run is the top-level execution record.
type Run struct {
	RunID              string
	StartedAt          time.Time
	ConfigHash         string
	SettingsJSON       string
	CanonicalVersion   string
	Status             contracts.RunStatus
	CompletedAt        *time.Time
	ReproducibilityGrade string
	ExportStatus       contracts.ExportStatus
	ExportMetadataJSON string
}
