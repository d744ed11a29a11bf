package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sentryflow/sentryflow/internal/canonical"
	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/payloadstore"
)

// Recorder is the audit recorder: the single typed entry point for every
// append to the landscape. A Recorder may be shared by the orchestrator and
// by executors; writes are serializable per state-id — no
// caller needs to hold a global lock, because every write here is either a
// single-row INSERT or an UPDATE keyed by a specific id.
type Recorder struct {
	db       *sqlx.DB
	payloads *payloadstore.Store

	counters sync.Map // parent string -> *int64, for Call.call_index allocation
}

// NewRecorder wraps an already-open, already-migrated *sqlx.DB. Use
// sqlitestore.Open or postgres.Open to obtain one.
func NewRecorder(db *sqlx.DB) *Recorder {
	return &Recorder{db: db}
}

// WithPayloadStore attaches a payload store so RecordCall can park full
// request/response bodies off the audit trail's hot path, leaving only
// their content hash plus a reference handle in the calls table. A Recorder with
// no payload store attached still records request/response hashes; it
// just never populates the ref columns.
func (r *Recorder) WithPayloadStore(store *payloadstore.Store) *Recorder {
	r.payloads = store
	return r
}

func (r *Recorder) rebind(query string) string {
	return r.db.Rebind(query)
}

// ts wraps a timestamp for binding so both drivers store the same
// lexicographically-sortable RFC3339Nano text model.Time.Scan expects back.
func ts(t time.Time) model.Time {
	return model.Time{Time: t}
}

// BeginRun creates a new Run in status=running.
func (r *Recorder) BeginRun(ctx context.Context, runID, configHash string, settings map[string]interface{}, canonicalVersion string) (model.Run, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	settingsJSON, err := canonical.Encode(settings)
	if err != nil {
		return model.Run{}, fmt.Errorf("landscape: encode run settings: %w", err)
	}
	run := model.Run{
		RunID:            runID,
		StartedAt:        time.Now().UTC(),
		ConfigHash:       configHash,
		SettingsJSON:     string(settingsJSON),
		CanonicalVersion: canonicalVersion,
		Status:           contracts.RunRunning,
		ExportStatus:     contracts.ExportPending,
		ExportMetadataJSON: "{}",
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status, export_status, export_metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), run.RunID, ts(run.StartedAt), run.ConfigHash, run.SettingsJSON, run.CanonicalVersion, run.Status, run.ExportStatus, run.ExportMetadataJSON)
	if err != nil {
		return model.Run{}, fmt.Errorf("landscape: begin run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run completed or failed.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status contracts.RunStatus, reproducibilityGrade string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE runs SET status = ?, completed_at = ?, reproducibility_grade = ? WHERE run_id = ?
	`), status, ts(now), reproducibilityGrade, runID)
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	return nil
}

// RegisterNode inserts a Node. node_id length is enforced here:
// exceeding the cap is an audit integrity violation, not a silently
// truncated id.
func (r *Recorder) RegisterNode(ctx context.Context, n model.Node) error {
	if len(n.NodeID) > model.MaxNodeIDLength {
		return engineerr.NewAuditIntegrityError("node_id %q exceeds max length %d", n.NodeID, model.MaxNodeIDLength)
	}
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = time.Now().UTC()
	}
	var inputJSON, outputJSON *string
	if n.InputContract != nil {
		s, err := contractJSON(n.InputContract)
		if err != nil {
			return err
		}
		inputJSON = &s
	}
	if n.OutputContract != nil {
		s, err := contractJSON(n.OutputContract)
		if err != nil {
			return err
		}
		outputJSON = &s
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO nodes (node_id, run_id, kind, plugin_name, plugin_version, config_json, config_hash, determinism, input_contract_json, output_contract_json, pipeline_seq, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), n.NodeID, n.RunID, n.Kind, n.PluginName, n.PluginVersion, n.ConfigJSON, n.ConfigHash, n.Determinism, inputJSON, outputJSON, n.PipelineSeq, ts(n.RegisteredAt))
	if err != nil {
		return fmt.Errorf("landscape: register node %s: %w", n.NodeID, err)
	}
	return nil
}

func contractJSON(c *contracts.Contract) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("landscape: marshal contract: %w", err)
	}
	return string(data), nil
}

// RegisterEdge inserts an Edge. Edge IDs are unique within a run.
func (r *Recorder) RegisterEdge(ctx context.Context, e model.Edge) error {
	if e.EdgeID == "" {
		e.EdgeID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO edges (edge_id, run_id, from_node, to_node, label, mode) VALUES (?, ?, ?, ?, ?, ?)
	`), e.EdgeID, e.RunID, e.From, e.To, e.Label, e.Mode)
	if err != nil {
		return fmt.Errorf("landscape: register edge %s->%s[%s]: %w", e.From, e.To, e.Label, err)
	}
	return nil
}

// ResolveEdge looks up the edge registered for (node_id, label) within a
// run. A miss is a MissingEdgeError: every routable (node, label) must have
// been registered by the DAG builder, so a lookup failure here means the
// route-resolution map was incomplete — a fatal audit integrity condition.
func (r *Recorder) ResolveEdge(ctx context.Context, runID, nodeID, label string) (model.Edge, error) {
	var row edgeRow
	err := r.db.GetContext(ctx, &row, r.rebind(`
		SELECT edge_id, run_id, from_node, to_node, label, mode FROM edges
		WHERE run_id = ? AND from_node = ? AND label = ?
	`), runID, nodeID, label)
	if err != nil {
		return model.Edge{}, &engineerr.MissingEdgeError{NodeID: nodeID, Label: label}
	}
	return row.toModel(), nil
}

// CreateRow persists a source row record. When a payload store is attached
// (WithPayloadStore), the row's full data also gets parked there and its
// reference handle recorded as source_data_ref, so a crashed run's
// unprocessed tokens can be rehydrated and re-driven through the graph on
// resume instead of only
// having a content hash to compare against.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, data map[string]interface{}, rowID string) (model.RowRecord, error) {
	if rowID == "" {
		rowID = uuid.NewString()
	}
	hash, err := canonical.Hash(data)
	if err != nil {
		return model.RowRecord{}, fmt.Errorf("landscape: hash row data: %w", err)
	}
	rec := model.RowRecord{
		RowID:          rowID,
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: hash,
		CreatedAt:      time.Now().UTC(),
	}
	if r.payloads != nil {
		ref, perr := r.putPayload(ctx, data)
		if perr != nil {
			return model.RowRecord{}, perr
		}
		rec.SourceDataRef = ref
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), rec.RowID, rec.RunID, rec.SourceNodeID, rec.RowIndex, rec.SourceDataHash, rec.SourceDataRef, ts(rec.CreatedAt))
	if err != nil {
		return model.RowRecord{}, fmt.Errorf("landscape: create row: %w", err)
	}
	return rec, nil
}

// GetRowPayload retrieves the raw bytes a row's source_data_ref points to
// from the attached payload store. Returns an error if no payload store is
// attached — callers (resume) must treat that as "this row cannot be
// rehydrated," never as an empty payload.
func (r *Recorder) GetRowPayload(ctx context.Context, ref string) ([]byte, error) {
	if r.payloads == nil {
		return nil, fmt.Errorf("landscape: no payload store attached, cannot load ref %s", ref)
	}
	return r.payloads.Get(ctx, ref)
}

// TokenOpts carries the optional lineage fields for CreateToken.
type TokenOpts struct {
	ForkGroupID    *string
	JoinGroupID    *string
	ExpandGroupID  *string
	BranchName     *string
	StepInPipeline *int
	TokenID        string
}

// CreateToken persists a new token for a row.
func (r *Recorder) CreateToken(ctx context.Context, rowID string, opts TokenOpts) (model.Token, error) {
	tokenID := opts.TokenID
	if tokenID == "" {
		tokenID = uuid.NewString()
	}
	tok := model.Token{
		TokenID:        tokenID,
		RowID:          rowID,
		ForkGroupID:    opts.ForkGroupID,
		JoinGroupID:    opts.JoinGroupID,
		ExpandGroupID:  opts.ExpandGroupID,
		BranchName:     opts.BranchName,
		StepInPipeline: opts.StepInPipeline,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), tok.TokenID, tok.RowID, tok.ForkGroupID, tok.JoinGroupID, tok.ExpandGroupID, tok.BranchName, tok.StepInPipeline, ts(tok.CreatedAt))
	if err != nil {
		return model.Token{}, fmt.Errorf("landscape: create token: %w", err)
	}
	return tok, nil
}

// RecordTokenParent links a child token to a parent with an ordinal.
func (r *Recorder) RecordTokenParent(ctx context.Context, childID, parentID string, ordinal int) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO token_parents (child_token_id, parent_token_id, ordinal) VALUES (?, ?, ?)
	`), childID, parentID, ordinal)
	if err != nil {
		return fmt.Errorf("landscape: record token parent: %w", err)
	}
	return nil
}

// BeginNodeState opens a node state in status=open.
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, stepIndex, attempt int, inputData map[string]interface{}, stateID string) (model.NodeState, error) {
	if stateID == "" {
		stateID = uuid.NewString()
	}
	hash, err := canonical.Hash(inputData)
	if err != nil {
		return model.NodeState{}, fmt.Errorf("landscape: hash node state input: %w", err)
	}
	st := model.NodeState{
		StateID:   stateID,
		TokenID:   tokenID,
		NodeID:    nodeID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Status:    contracts.StateOpen,
		InputHash: hash,
		StartedAt: time.Now().UTC(),
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO node_states (state_id, token_id, node_id, step_index, attempt, status, input_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), st.StateID, st.TokenID, st.NodeID, st.StepIndex, st.Attempt, st.Status, st.InputHash, ts(st.StartedAt))
	if err != nil {
		return model.NodeState{}, fmt.Errorf("landscape: begin node state: %w", err)
	}
	return st, nil
}

// CompletionInput carries the variant-specific fields for CompleteNodeState.
type CompletionInput struct {
	Status        contracts.NodeStateStatus
	DurationMs    float64
	OutputData    interface{} // nil for PENDING/some FAILED cases
	ErrorJSON     *string
	ContextAfter  *string
}

// CompleteNodeState transitions a node state to PENDING, COMPLETED, or
// FAILED, enforcing the per-status variant invariants before writing.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID string, in CompletionInput) (model.NodeState, error) {
	now := time.Now().UTC()
	var outputHash *string
	if in.OutputData != nil {
		h, err := canonical.Hash(in.OutputData)
		if err != nil {
			return model.NodeState{}, fmt.Errorf("landscape: hash node state output: %w", err)
		}
		outputHash = &h
	}

	st := model.NodeState{
		StateID:      stateID,
		Status:       in.Status,
		CompletedAt:  &now,
		DurationMs:   &in.DurationMs,
		OutputHash:   outputHash,
		ErrorJSON:    in.ErrorJSON,
		ContextAfter: in.ContextAfter,
	}
	if in.Status == contracts.StatePending && outputHash != nil {
		return model.NodeState{}, engineerr.NewAuditIntegrityError("PENDING node_state %s must not carry output_hash", stateID)
	}
	if in.Status == contracts.StateCompleted && outputHash == nil {
		return model.NodeState{}, engineerr.NewAuditIntegrityError("COMPLETED node_state %s requires output_hash", stateID)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE node_states SET status = ?, completed_at = ?, duration_ms = ?, output_hash = ?, error_json = ?, context_after = ?
		WHERE state_id = ?
	`), st.Status, ts(now), st.DurationMs, st.OutputHash, st.ErrorJSON, st.ContextAfter, stateID)
	if err != nil {
		return model.NodeState{}, fmt.Errorf("landscape: complete node state: %w", err)
	}
	return r.GetNodeState(ctx, stateID)
}

// RoutingEventInput describes one routing destination to record.
type RoutingEventInput struct {
	EdgeID     string
	Mode       contracts.EdgeMode
	ReasonHash *string
	ReasonRef  *string
}

// RecordRoutingEvents records one or more routing destinations taken from a
// single node state under a shared routing_group_id (used for fork
// multi-destination actions). Ordinals are assigned in slice order.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, stepIndex, attempt int, events []RoutingEventInput) ([]model.RoutingEvent, error) {
	groupID := uuid.NewString()
	now := time.Now().UTC()
	out := make([]model.RoutingEvent, 0, len(events))
	for i, ev := range events {
		re := model.RoutingEvent{
			EventID:        uuid.NewString(),
			StateID:        stateID,
			EdgeID:         ev.EdgeID,
			RoutingGroupID: groupID,
			Ordinal:        i,
			Mode:           ev.Mode,
			ReasonHash:     ev.ReasonHash,
			ReasonRef:      ev.ReasonRef,
			CreatedAt:      now,
			StepIndex:      stepIndex,
			Attempt:        attempt,
		}
		_, err := r.db.ExecContext(ctx, r.rebind(`
			INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, reason_ref, created_at, step_index, attempt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), re.EventID, re.StateID, re.EdgeID, re.RoutingGroupID, re.Ordinal, re.Mode, re.ReasonHash, re.ReasonRef, ts(re.CreatedAt), re.StepIndex, re.Attempt)
		if err != nil {
			return nil, fmt.Errorf("landscape: record routing event: %w", err)
		}
		out = append(out, re)
	}
	return out, nil
}

// nextCallIndex allocates the next call_index for a parent id using an
// in-process atomic counter keyed by parent id.
func (r *Recorder) nextCallIndex(parent string) int {
	v, _ := r.counters.LoadOrStore(parent, new(int64))
	counter := v.(*int64)
	next := atomic.AddInt64(counter, 1) - 1
	return int(next)
}

// RecordCall records one external call made during a node's execution.
func (r *Recorder) RecordCall(ctx context.Context, parent string, callType contracts.CallType, status contracts.CallStatus, requestData, responseData interface{}, errJSON *string, latencyMs float64) (model.Call, error) {
	requestHash, err := canonical.Hash(requestData)
	if err != nil {
		return model.Call{}, fmt.Errorf("landscape: hash call request: %w", err)
	}
	var responseHash *string
	if responseData != nil {
		h, err := canonical.Hash(responseData)
		if err != nil {
			return model.Call{}, fmt.Errorf("landscape: hash call response: %w", err)
		}
		responseHash = &h
	}
	var requestRef, responseRef *string
	if r.payloads != nil {
		if requestRef, err = r.putPayload(ctx, requestData); err != nil {
			return model.Call{}, err
		}
		if responseData != nil {
			if responseRef, err = r.putPayload(ctx, responseData); err != nil {
				return model.Call{}, err
			}
		}
	}
	call := model.Call{
		CallID:       uuid.NewString(),
		Parent:       parent,
		CallIndex:    r.nextCallIndex(parent),
		CallType:     callType,
		Status:       status,
		RequestHash:  requestHash,
		RequestRef:   requestRef,
		ResponseHash: responseHash,
		ResponseRef:  responseRef,
		ErrorJSON:    errJSON,
		LatencyMs:    latencyMs,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO calls (call_id, parent, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), call.CallID, call.Parent, call.CallIndex, call.CallType, call.Status, call.RequestHash, call.RequestRef, call.ResponseHash, call.ResponseRef, call.ErrorJSON, call.LatencyMs, ts(call.CreatedAt))
	if err != nil {
		return model.Call{}, fmt.Errorf("landscape: record call: %w", err)
	}
	return call, nil
}

// putPayload canonically encodes data and parks it in the attached payload
// store, returning its reference handle. Only called when r.payloads is
// non-nil.
func (r *Recorder) putPayload(ctx context.Context, data interface{}) (*string, error) {
	encoded, err := canonical.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("landscape: encode payload for payload store: %w", err)
	}
	ref, err := r.payloads.Put(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("landscape: put payload: %w", err)
	}
	return &ref, nil
}

// CreateBatch creates a new batch in status=draft.
func (r *Recorder) CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int, batchID string) (model.Batch, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	b := model.Batch{
		BatchID:           batchID,
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           attempt,
		Status:            contracts.BatchDraft,
		CreatedAt:         time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), b.BatchID, b.RunID, b.AggregationNodeID, b.Attempt, b.Status, ts(b.CreatedAt))
	if err != nil {
		return model.Batch{}, fmt.Errorf("landscape: create batch: %w", err)
	}
	return b, nil
}

// AddBatchMember records one token consumed into a batch.
func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)
	`), batchID, tokenID, ordinal)
	if err != nil {
		return fmt.Errorf("landscape: add batch member: %w", err)
	}
	return nil
}

// UpdateBatchStatus transitions a batch's status, optionally attaching
// trigger metadata (used for the draft->executing transition) or a
// completion state id (used when a pending poll links back to its state).
func (r *Recorder) UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerType *contracts.TriggerType, triggerReason *string, completionStateID *string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE batches SET status = ?, trigger_type = COALESCE(?, trigger_type), trigger_reason = COALESCE(?, trigger_reason), completion_state_id = COALESCE(?, completion_state_id)
		WHERE batch_id = ?
	`), status, triggerType, triggerReason, completionStateID, batchID)
	if err != nil {
		return fmt.Errorf("landscape: update batch status: %w", err)
	}
	return nil
}

// CompleteBatch marks a batch completed or failed with a completion
// timestamp.
func (r *Recorder) CompleteBatch(ctx context.Context, batchID string, status contracts.BatchStatus) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?
	`), status, ts(now), batchID)
	if err != nil {
		return fmt.Errorf("landscape: complete batch: %w", err)
	}
	return nil
}

// RecordTokenOutcome persists a token's terminal (or explanatory
// non-terminal) outcome, refusing to write a row whose IsTerminal flag
// disagrees with the outcome's static terminality.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, o model.TokenOutcome) (model.TokenOutcome, error) {
	if o.OutcomeID == "" {
		o.OutcomeID = uuid.NewString()
	}
	o.IsTerminal = o.Outcome.IsTerminal()
	if err := o.Validate(); err != nil {
		return model.TokenOutcome{}, err
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	isTerminalInt := 0
	if o.IsTerminal {
		isTerminalInt = 1
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, is_terminal, recorded_at, sink_name, batch_id, fork_group_id, join_group_id, expand_group_id, error_hash, context_json, expected_branches_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), o.OutcomeID, o.RunID, o.TokenID, o.Outcome, isTerminalInt, ts(o.RecordedAt), o.SinkName, o.BatchID, o.ForkGroupID, o.JoinGroupID, o.ExpandGroupID, o.ErrorHash, o.ContextJSON, o.ExpectedBranchesJSON)
	if err != nil {
		return model.TokenOutcome{}, fmt.Errorf("landscape: record token outcome: %w", err)
	}
	return o, nil
}

// RegisterArtifact registers exactly one artifact for a sink write.
func (r *Recorder) RegisterArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO artifacts (artifact_id, run_id, produced_by_state, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ArtifactID, a.RunID, a.ProducedByState, a.SinkNodeID, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes, a.IdempotencyKey, ts(a.CreatedAt))
	if err != nil {
		return model.Artifact{}, fmt.Errorf("landscape: register artifact: %w", err)
	}
	return a, nil
}

// SaveCheckpoint upserts the run's single current checkpoint row. version
// must increase monotonically per run; the caller (checkpoint.Manager) owns
// that invariant.
func (r *Recorder) SaveCheckpoint(ctx context.Context, runID string, version int, payloadJSON string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO checkpoints (run_id, version, payload_json, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET version = excluded.version, payload_json = excluded.payload_json, recorded_at = excluded.recorded_at
	`), runID, version, payloadJSON, ts(now))
	if err != nil {
		return fmt.Errorf("landscape: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the run's current checkpoint row, or ok=false if
// none has been recorded yet.
func (r *Recorder) LoadCheckpoint(ctx context.Context, runID string) (version int, payloadJSON string, ok bool, err error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT version, payload_json FROM checkpoints WHERE run_id = ?
	`), runID)
	if scanErr := row.Scan(&version, &payloadJSON); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("landscape: load checkpoint: %w", scanErr)
	}
	return version, payloadJSON, true, nil
}
