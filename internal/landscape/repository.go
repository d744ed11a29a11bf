package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/engineerr"
	"github.com/sentryflow/sentryflow/internal/model"
)

// edgeRow is the sqlx scan target for an edges row; toModel converts it to
// the public model.Edge type.
type edgeRow struct {
	EdgeID string            `db:"edge_id"`
	RunID  string            `db:"run_id"`
	From   string            `db:"from_node"`
	To     string            `db:"to_node"`
	Label  string            `db:"label"`
	Mode   contracts.EdgeMode `db:"mode"`
}

func (e edgeRow) toModel() model.Edge {
	return model.Edge{EdgeID: e.EdgeID, RunID: e.RunID, From: e.From, To: e.To, Label: e.Label, Mode: e.Mode}
}

// nodeStateRow is the sqlx scan target for node_states.
type nodeStateRow struct {
	StateID       string                    `db:"state_id"`
	TokenID       string                    `db:"token_id"`
	NodeID        string                    `db:"node_id"`
	StepIndex     int                       `db:"step_index"`
	Attempt       int                       `db:"attempt"`
	Status        contracts.NodeStateStatus `db:"status"`
	InputHash     string                    `db:"input_hash"`
	StartedAt     model.Time                `db:"started_at"`
	CompletedAt   *model.Time               `db:"completed_at"`
	DurationMs    *float64                  `db:"duration_ms"`
	OutputHash    *string                   `db:"output_hash"`
	ErrorJSON     *string                   `db:"error_json"`
	ContextBefore *string                   `db:"context_before"`
	ContextAfter  *string                   `db:"context_after"`
}

func (r nodeStateRow) toModel() model.NodeState {
	st := model.NodeState{
		StateID:       r.StateID,
		TokenID:       r.TokenID,
		NodeID:        r.NodeID,
		StepIndex:     r.StepIndex,
		Attempt:       r.Attempt,
		Status:        r.Status,
		InputHash:     r.InputHash,
		StartedAt:     r.StartedAt.Time,
		DurationMs:    r.DurationMs,
		OutputHash:    r.OutputHash,
		ErrorJSON:     r.ErrorJSON,
		ContextBefore: r.ContextBefore,
		ContextAfter:  r.ContextAfter,
	}
	if r.CompletedAt != nil {
		st.CompletedAt = &r.CompletedAt.Time
	}
	return st
}

// GetNodeState loads a single node state and enforces its variant
// invariants before returning it — a load-time corruption
// check, not merely a write-time one, since rows may have been written by
// an older engine version or a process that crashed mid-write.
func (r *Recorder) GetNodeState(ctx context.Context, stateID string) (model.NodeState, error) {
	var row nodeStateRow
	err := r.db.GetContext(ctx, &row, r.rebind(`
		SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash,
		       started_at, completed_at, duration_ms, output_hash, error_json, context_before, context_after
		FROM node_states WHERE state_id = ?
	`), stateID)
	if err != nil {
		return model.NodeState{}, fmt.Errorf("landscape: get node state %s: %w", stateID, err)
	}
	st := row.toModel()
	if err := st.Validate(); err != nil {
		return model.NodeState{}, engineerr.NewAuditIntegrityError("node_state %s: %v", stateID, err)
	}
	return st, nil
}

// GetLatestNodeStateForToken returns the most recently started node state
// recorded for tokenID (highest step_index, then attempt), the position
// resume uses to decide whether a crashed token must retry its last node
// or continue downstream of it. ok is false when the
// token has never had a node state of its own recorded — e.g. a fork child
// dispatched but never reaching its branch's first node.
func (r *Recorder) GetLatestNodeStateForToken(ctx context.Context, tokenID string) (state model.NodeState, ok bool, err error) {
	var row nodeStateRow
	err = r.db.GetContext(ctx, &row, r.rebind(`
		SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash,
		       started_at, completed_at, duration_ms, output_hash, error_json, context_before, context_after
		FROM node_states WHERE token_id = ?
		ORDER BY step_index DESC, attempt DESC LIMIT 1
	`), tokenID)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.NodeState{}, false, nil
		}
		return model.NodeState{}, false, fmt.Errorf("landscape: get latest node state for token %s: %w", tokenID, err)
	}
	st := row.toModel()
	if verr := st.Validate(); verr != nil {
		return model.NodeState{}, false, engineerr.NewAuditIntegrityError("node_state %s: %v", st.StateID, verr)
	}
	return st, true, nil
}

// GetTokenParents returns the TokenParent rows naming childTokenID's
// parent(s), ordered by ordinal. Resume uses this to walk a fork child with
// no node state of its own back to the gate state that forked it.
func (r *Recorder) GetTokenParents(ctx context.Context, childTokenID string) ([]model.TokenParent, error) {
	var rows []tokenParentRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT child_token_id, parent_token_id, ordinal FROM token_parents
		WHERE child_token_id = ? ORDER BY ordinal ASC
	`), childTokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get token parents for %s: %w", childTokenID, err)
	}
	out := make([]model.TokenParent, 0, len(rows))
	for _, tr := range rows {
		out = append(out, tr.toModel())
	}
	return out, nil
}

type tokenParentRow struct {
	ChildTokenID  string `db:"child_token_id"`
	ParentTokenID string `db:"parent_token_id"`
	Ordinal       int    `db:"ordinal"`
}

func (t tokenParentRow) toModel() model.TokenParent {
	return model.TokenParent{ChildTokenID: t.ChildTokenID, ParentTokenID: t.ParentTokenID, Ordinal: t.Ordinal}
}

// GetRowByID loads a single row record by its row_id, used by resume to
// find a crashed token's source_data_ref before rehydrating its payload.
func (r *Recorder) GetRowByID(ctx context.Context, rowID string) (model.RowRecord, error) {
	var row rowRow
	err := r.db.GetContext(ctx, &row, r.rebind(`
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at
		FROM rows WHERE row_id = ?
	`), rowID)
	if err != nil {
		return model.RowRecord{}, fmt.Errorf("landscape: get row %s: %w", rowID, err)
	}
	return row.toModel(), nil
}

// GetRows returns every row record for a run ordered by row_index, the
// ordering source replay depends on.
func (r *Recorder) GetRows(ctx context.Context, runID string) ([]model.RowRecord, error) {
	var rows []rowRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at
		FROM rows WHERE run_id = ? ORDER BY row_index ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get rows for run %s: %w", runID, err)
	}
	out := make([]model.RowRecord, 0, len(rows))
	for _, rr := range rows {
		out = append(out, rr.toModel())
	}
	return out, nil
}

// NodeStateForReplay is the slice of a node state's identity needed to
// compare two runs' hash surfaces for run_mode: verify: which row/node
// produced it and the hashes it recorded.
type NodeStateForReplay struct {
	RowIndex   int64
	NodeID     string
	Status     contracts.NodeStateStatus
	InputHash  string
	OutputHash *string
}

// GetNodeStatesForRun returns every node state of a run joined back to its
// row, ordered by (row_index, step_index, attempt), driving replay/verify
// comparison rather than a single state's audit lineage.
func (r *Recorder) GetNodeStatesForRun(ctx context.Context, runID string) ([]NodeStateForReplay, error) {
	var rows []struct {
		RowIndex   int64                     `db:"row_index"`
		NodeID     string                    `db:"node_id"`
		Status     contracts.NodeStateStatus `db:"status"`
		InputHash  string                    `db:"input_hash"`
		OutputHash *string                   `db:"output_hash"`
	}
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT rw.row_index AS row_index, ns.node_id AS node_id, ns.status AS status,
		       ns.input_hash AS input_hash, ns.output_hash AS output_hash
		FROM node_states ns
		JOIN tokens t ON t.token_id = ns.token_id
		JOIN rows rw ON rw.row_id = t.row_id
		WHERE rw.run_id = ?
		ORDER BY rw.row_index ASC, ns.step_index ASC, ns.attempt ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get node states for run %s: %w", runID, err)
	}
	out := make([]NodeStateForReplay, 0, len(rows))
	for _, row := range rows {
		out = append(out, NodeStateForReplay{
			RowIndex: row.RowIndex, NodeID: row.NodeID, Status: row.Status,
			InputHash: row.InputHash, OutputHash: row.OutputHash,
		})
	}
	return out, nil
}

type rowRow struct {
	RowID          string     `db:"row_id"`
	RunID          string     `db:"run_id"`
	SourceNodeID   string     `db:"source_node_id"`
	RowIndex       int64      `db:"row_index"`
	SourceDataHash string     `db:"source_data_hash"`
	SourceDataRef  *string    `db:"source_data_ref"`
	CreatedAt      model.Time `db:"created_at"`
}

func (r rowRow) toModel() model.RowRecord {
	return model.RowRecord{
		RowID: r.RowID, RunID: r.RunID, SourceNodeID: r.SourceNodeID, RowIndex: r.RowIndex,
		SourceDataHash: r.SourceDataHash, SourceDataRef: r.SourceDataRef, CreatedAt: r.CreatedAt.Time,
	}
}

// GetRoutingEventsForState returns the routing events recorded from one
// node state, ordered by ordinal.
func (r *Recorder) GetRoutingEventsForState(ctx context.Context, stateID string) ([]model.RoutingEvent, error) {
	var rows []routingEventRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, reason_ref, created_at, step_index, attempt
		FROM routing_events WHERE state_id = ? ORDER BY ordinal ASC
	`), stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get routing events for state %s: %w", stateID, err)
	}
	out := make([]model.RoutingEvent, 0, len(rows))
	for _, rr := range rows {
		out = append(out, rr.toModel())
	}
	return out, nil
}

type routingEventRow struct {
	EventID        string             `db:"event_id"`
	StateID        string             `db:"state_id"`
	EdgeID         string             `db:"edge_id"`
	RoutingGroupID string             `db:"routing_group_id"`
	Ordinal        int                `db:"ordinal"`
	Mode           contracts.EdgeMode `db:"mode"`
	ReasonHash     *string            `db:"reason_hash"`
	ReasonRef      *string            `db:"reason_ref"`
	CreatedAt      model.Time         `db:"created_at"`
	StepIndex      int                `db:"step_index"`
	Attempt        int                `db:"attempt"`
}

func (r routingEventRow) toModel() model.RoutingEvent {
	return model.RoutingEvent{
		EventID: r.EventID, StateID: r.StateID, EdgeID: r.EdgeID, RoutingGroupID: r.RoutingGroupID,
		Ordinal: r.Ordinal, Mode: r.Mode, ReasonHash: r.ReasonHash, ReasonRef: r.ReasonRef,
		CreatedAt: r.CreatedAt.Time, StepIndex: r.StepIndex, Attempt: r.Attempt,
	}
}

// GetCallsForParent returns the calls recorded under a parent id ordered
// by call_index, the allocation order replay depends on.
func (r *Recorder) GetCallsForParent(ctx context.Context, parent string) ([]model.Call, error) {
	var rows []callRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT call_id, parent, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at
		FROM calls WHERE parent = ? ORDER BY call_index ASC
	`), parent)
	if err != nil {
		return nil, fmt.Errorf("landscape: get calls for parent %s: %w", parent, err)
	}
	out := make([]model.Call, 0, len(rows))
	for _, cr := range rows {
		out = append(out, cr.toModel())
	}
	return out, nil
}

type callRow struct {
	CallID       string           `db:"call_id"`
	Parent       string           `db:"parent"`
	CallIndex    int              `db:"call_index"`
	CallType     contracts.CallType   `db:"call_type"`
	Status       contracts.CallStatus `db:"status"`
	RequestHash  string           `db:"request_hash"`
	RequestRef   *string          `db:"request_ref"`
	ResponseHash *string          `db:"response_hash"`
	ResponseRef  *string          `db:"response_ref"`
	ErrorJSON    *string          `db:"error_json"`
	LatencyMs    float64          `db:"latency_ms"`
	CreatedAt    model.Time       `db:"created_at"`
}

func (c callRow) toModel() model.Call {
	return model.Call{
		CallID: c.CallID, Parent: c.Parent, CallIndex: c.CallIndex, CallType: c.CallType, Status: c.Status,
		RequestHash: c.RequestHash, RequestRef: c.RequestRef, ResponseHash: c.ResponseHash, ResponseRef: c.ResponseRef,
		ErrorJSON: c.ErrorJSON, LatencyMs: c.LatencyMs, CreatedAt: c.CreatedAt.Time,
	}
}

// unprocessedTokenRow is the scan target for GetUnprocessedTokens.
type unprocessedTokenRow struct {
	TokenID string `db:"token_id"`
	RowID   string `db:"row_id"`
}

// GetUnprocessedTokens returns every token of a run that has no terminal
// outcome recorded. This is the recovery anti-join: it must be an explicit
// "lacks a terminal outcome" check (LEFT JOIN token_outcomes ... WHERE
// outcome_id IS NULL), never an "any token has a terminal outcome" check —
// the latter silently drops unprocessed sibling forks of a row where one
// branch already completed. See the checkpoint package's named regression
// test for the scenario this guards against.
func (r *Recorder) GetUnprocessedTokens(ctx context.Context, runID string) ([]model.Token, error) {
	var rows []unprocessedTokenRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT t.token_id AS token_id, t.row_id AS row_id
		FROM tokens t
		JOIN rows rw ON rw.row_id = t.row_id
		LEFT JOIN token_outcomes o ON o.token_id = t.token_id AND o.is_terminal = 1
		WHERE rw.run_id = ? AND o.outcome_id IS NULL
		ORDER BY rw.row_index ASC, t.created_at ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get unprocessed tokens for run %s: %w", runID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, ur := range rows {
		ids = append(ids, ur.TokenID)
	}
	return r.getTokensByID(ctx, ids)
}

func (r *Recorder) getTokensByID(ctx context.Context, ids []string) ([]model.Token, error) {
	out := make([]model.Token, 0, len(ids))
	for _, id := range ids {
		var tr tokenRow
		err := r.db.GetContext(ctx, &tr, r.rebind(`
			SELECT token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at
			FROM tokens WHERE token_id = ?
		`), id)
		if err != nil {
			return nil, fmt.Errorf("landscape: load token %s: %w", id, err)
		}
		out = append(out, tr.toModel())
	}
	return out, nil
}

type tokenRow struct {
	TokenID        string     `db:"token_id"`
	RowID          string     `db:"row_id"`
	ForkGroupID    *string    `db:"fork_group_id"`
	JoinGroupID    *string    `db:"join_group_id"`
	ExpandGroupID  *string    `db:"expand_group_id"`
	BranchName     *string    `db:"branch_name"`
	StepInPipeline *int       `db:"step_in_pipeline"`
	CreatedAt      model.Time `db:"created_at"`
}

func (t tokenRow) toModel() model.Token {
	return model.Token{
		TokenID: t.TokenID, RowID: t.RowID, ForkGroupID: t.ForkGroupID, JoinGroupID: t.JoinGroupID,
		ExpandGroupID: t.ExpandGroupID, BranchName: t.BranchName, StepInPipeline: t.StepInPipeline,
		CreatedAt: t.CreatedAt.Time,
	}
}

// GetBatchesForRun returns every batch of a run in creation order, a
// lineage query for inspecting how an aggregation node carved its input
// into batches.
func (r *Recorder) GetBatchesForRun(ctx context.Context, runID string) ([]model.Batch, error) {
	var rows []batchRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, created_at, completion_state_id, trigger_type, trigger_reason, completed_at
		FROM batches WHERE run_id = ? ORDER BY created_at ASC, batch_id ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batches for run %s: %w", runID, err)
	}
	out := make([]model.Batch, 0, len(rows))
	for _, br := range rows {
		out = append(out, br.toModel())
	}
	return out, nil
}

// GetBatchMembers returns a batch's members ordered by ordinal — accept
// order, which restore must preserve.
func (r *Recorder) GetBatchMembers(ctx context.Context, batchID string) ([]model.BatchMember, error) {
	var rows []batchMemberRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT batch_id, token_id, ordinal FROM batch_members
		WHERE batch_id = ? ORDER BY ordinal ASC
	`), batchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batch members for %s: %w", batchID, err)
	}
	out := make([]model.BatchMember, 0, len(rows))
	for _, br := range rows {
		out = append(out, model.BatchMember{BatchID: br.BatchID, TokenID: br.TokenID, Ordinal: br.Ordinal})
	}
	return out, nil
}

type batchMemberRow struct {
	BatchID string `db:"batch_id"`
	TokenID string `db:"token_id"`
	Ordinal int    `db:"ordinal"`
}

// GetTokenOutcomesForRun returns every token outcome of a run in recorded
// order, re-validating the is_terminal flag against the outcome kind's
// static terminality — a stored disagreement is corruption, not data.
func (r *Recorder) GetTokenOutcomesForRun(ctx context.Context, runID string) ([]model.TokenOutcome, error) {
	var rows []tokenOutcomeRow
	err := r.db.SelectContext(ctx, &rows, r.rebind(`
		SELECT outcome_id, run_id, token_id, outcome, is_terminal, recorded_at, sink_name, batch_id, fork_group_id, join_group_id, expand_group_id, error_hash, context_json, expected_branches_json
		FROM token_outcomes WHERE run_id = ? ORDER BY recorded_at ASC, outcome_id ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get token outcomes for run %s: %w", runID, err)
	}
	out := make([]model.TokenOutcome, 0, len(rows))
	for _, orow := range rows {
		o, err := orow.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

type tokenOutcomeRow struct {
	OutcomeID            string                     `db:"outcome_id"`
	RunID                string                     `db:"run_id"`
	TokenID              string                     `db:"token_id"`
	Outcome              contracts.TokenOutcomeKind `db:"outcome"`
	IsTerminal           int                        `db:"is_terminal"`
	RecordedAt           model.Time                 `db:"recorded_at"`
	SinkName             *string                    `db:"sink_name"`
	BatchID              *string                    `db:"batch_id"`
	ForkGroupID          *string                    `db:"fork_group_id"`
	JoinGroupID          *string                    `db:"join_group_id"`
	ExpandGroupID        *string                    `db:"expand_group_id"`
	ErrorHash            *string                    `db:"error_hash"`
	ContextJSON          *string                    `db:"context_json"`
	ExpectedBranchesJSON *string                    `db:"expected_branches_json"`
}

func (t tokenOutcomeRow) toModel() (model.TokenOutcome, error) {
	if t.IsTerminal != 0 && t.IsTerminal != 1 {
		return model.TokenOutcome{}, engineerr.NewAuditIntegrityError("token_outcome %s: is_terminal column holds %d, want 0 or 1", t.OutcomeID, t.IsTerminal)
	}
	o := model.TokenOutcome{
		OutcomeID: t.OutcomeID, RunID: t.RunID, TokenID: t.TokenID, Outcome: t.Outcome,
		IsTerminal: t.IsTerminal == 1, RecordedAt: t.RecordedAt.Time,
		SinkName: t.SinkName, BatchID: t.BatchID, ForkGroupID: t.ForkGroupID,
		JoinGroupID: t.JoinGroupID, ExpandGroupID: t.ExpandGroupID, ErrorHash: t.ErrorHash,
		ContextJSON: t.ContextJSON, ExpectedBranchesJSON: t.ExpectedBranchesJSON,
	}
	if err := o.Validate(); err != nil {
		return model.TokenOutcome{}, engineerr.NewAuditIntegrityError("%v", err)
	}
	return o, nil
}

// GetBatch loads a batch's current status, used by recovery to decide
// whether an executing batch must be re-triggered or was already flushed.
func (r *Recorder) GetBatch(ctx context.Context, batchID string) (model.Batch, error) {
	var row batchRow
	err := r.db.GetContext(ctx, &row, r.rebind(`
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, created_at, completion_state_id, trigger_type, trigger_reason, completed_at
		FROM batches WHERE batch_id = ?
	`), batchID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("landscape: get batch %s: %w", batchID, err)
	}
	return row.toModel(), nil
}

type batchRow struct {
	BatchID           string              `db:"batch_id"`
	RunID             string              `db:"run_id"`
	AggregationNodeID string              `db:"aggregation_node_id"`
	Attempt           int                 `db:"attempt"`
	Status            contracts.BatchStatus `db:"status"`
	CreatedAt         model.Time          `db:"created_at"`
	CompletionStateID *string             `db:"completion_state_id"`
	TriggerType       *contracts.TriggerType `db:"trigger_type"`
	TriggerReason     *string             `db:"trigger_reason"`
	CompletedAt       *model.Time         `db:"completed_at"`
}

func (b batchRow) toModel() model.Batch {
	batch := model.Batch{
		BatchID: b.BatchID, RunID: b.RunID, AggregationNodeID: b.AggregationNodeID, Attempt: b.Attempt,
		Status: b.Status, CreatedAt: b.CreatedAt.Time, CompletionStateID: b.CompletionStateID,
		TriggerType: b.TriggerType, TriggerReason: b.TriggerReason,
	}
	if b.CompletedAt != nil {
		batch.CompletedAt = &b.CompletedAt.Time
	}
	return batch
}
