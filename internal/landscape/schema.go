// Package landscape implements the audit recorder: an append-only
// relational store of runs, nodes, edges, rows, tokens, node-states,
// routing events, external calls, batches, batch members, token outcomes,
// and artifacts. Recorder is the single typed entry
// point; repository.go holds the strict load-time validation that makes
// the store Tier-1 trusted data.
package landscape

// schema is the portable DDL shared by both backends. It deliberately
// avoids dialect-specific types (no JSONB, no SERIAL) so the same string
// works against sqlite (tests, dev) and Postgres (production) once run
// through the driver's own migration step; both backends accept this
// verbatim because every column is TEXT/INTEGER/REAL.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	settings_json TEXT NOT NULL,
	canonical_version TEXT NOT NULL,
	status TEXT NOT NULL,
	completed_at TEXT,
	reproducibility_grade TEXT NOT NULL DEFAULT '',
	export_status TEXT NOT NULL DEFAULT 'pending',
	export_metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	plugin_name TEXT NOT NULL,
	plugin_version TEXT NOT NULL,
	config_json TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	determinism TEXT NOT NULL,
	input_contract_json TEXT,
	output_contract_json TEXT,
	pipeline_seq INTEGER,
	registered_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes(run_id);

CREATE TABLE IF NOT EXISTS edges (
	edge_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	from_node TEXT NOT NULL,
	to_node TEXT NOT NULL,
	label TEXT NOT NULL,
	mode TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_run_from_label ON edges(run_id, from_node, label);

CREATE TABLE IF NOT EXISTS rows (
	row_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	source_node_id TEXT NOT NULL,
	row_index INTEGER NOT NULL,
	source_data_hash TEXT NOT NULL,
	source_data_ref TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rows_run_index ON rows(run_id, row_index);

CREATE TABLE IF NOT EXISTS tokens (
	token_id TEXT PRIMARY KEY,
	row_id TEXT NOT NULL,
	fork_group_id TEXT,
	join_group_id TEXT,
	expand_group_id TEXT,
	branch_name TEXT,
	step_in_pipeline INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_row ON tokens(row_id);

CREATE TABLE IF NOT EXISTS token_parents (
	child_token_id TEXT NOT NULL,
	parent_token_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	PRIMARY KEY (child_token_id, parent_token_id)
);
CREATE INDEX IF NOT EXISTS idx_token_parents_parent ON token_parents(parent_token_id);

CREATE TABLE IF NOT EXISTS node_states (
	state_id TEXT PRIMARY KEY,
	token_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	duration_ms REAL,
	output_hash TEXT,
	error_json TEXT,
	context_before TEXT,
	context_after TEXT
);
CREATE INDEX IF NOT EXISTS idx_node_states_token ON node_states(token_id, node_id);

CREATE TABLE IF NOT EXISTS routing_events (
	event_id TEXT PRIMARY KEY,
	state_id TEXT NOT NULL,
	edge_id TEXT NOT NULL,
	routing_group_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	mode TEXT NOT NULL,
	reason_hash TEXT,
	reason_ref TEXT,
	created_at TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	attempt INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_events_state ON routing_events(state_id, ordinal);

CREATE TABLE IF NOT EXISTS calls (
	call_id TEXT PRIMARY KEY,
	parent TEXT NOT NULL,
	call_index INTEGER NOT NULL,
	call_type TEXT NOT NULL,
	status TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	request_ref TEXT,
	response_hash TEXT,
	response_ref TEXT,
	error_json TEXT,
	latency_ms REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_parent ON calls(parent, call_index);

CREATE TABLE IF NOT EXISTS batches (
	batch_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	aggregation_node_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	completion_state_id TEXT,
	trigger_type TEXT,
	trigger_reason TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_batches_node ON batches(aggregation_node_id, attempt);

CREATE TABLE IF NOT EXISTS batch_members (
	batch_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	PRIMARY KEY (batch_id, token_id)
);
CREATE INDEX IF NOT EXISTS idx_batch_members_batch ON batch_members(batch_id, ordinal);

CREATE TABLE IF NOT EXISTS token_outcomes (
	outcome_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	is_terminal INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	sink_name TEXT,
	batch_id TEXT,
	fork_group_id TEXT,
	join_group_id TEXT,
	expand_group_id TEXT,
	error_hash TEXT,
	context_json TEXT,
	expected_branches_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_token_outcomes_token ON token_outcomes(token_id);
CREATE INDEX IF NOT EXISTS idx_token_outcomes_run ON token_outcomes(run_id);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	produced_by_state TEXT NOT NULL,
	sink_node_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	path_or_uri TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	idempotency_key TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
`

// Schema returns the portable DDL so backend packages (sqlitestore,
// postgres) can apply it during Open without this package depending on a
// specific driver.
func Schema() string {
	return schema
}
