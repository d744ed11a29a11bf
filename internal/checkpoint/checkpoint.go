// Package checkpoint implements the versioned resumable-position
// snapshot: per-aggregation buffers (rows, token identity, trigger
// offsets, batch_id) plus the latest sink-completed token reference,
// size-bounded and saved through the audit recorder's checkpoints table.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/triggers"
)

// PayloadVersion is bumped whenever the checkpoint payload shape changes.
// A version mismatch on restore is fatal: restore refuses to proceed
// rather than guess at a migration.
const PayloadVersion = 1

// Payload size bounds.
const (
	WarnSizeBytes = 1 << 20  // 1 MB
	MaxSizeBytes  = 10 << 20 // 10 MB
)

// AggregationBuffer is one aggregation node's resumable buffer state.
type AggregationBuffer struct {
	NodeID        string                   `json:"node_id"`
	BatchID       string                   `json:"batch_id"`
	Rows          []map[string]interface{} `json:"rows"`
	TokenIDs      []string                 `json:"token_ids"`
	TriggerState  triggers.State           `json:"trigger_state"`
}

// Payload is the full versioned snapshot.
type Payload struct {
	Version               int                 `json:"version"`
	Aggregations           []AggregationBuffer `json:"aggregations"`
	LastSinkCompletedToken string              `json:"last_sink_completed_token"`
}

// ErrPayloadTooLarge is returned when a payload exceeds MaxSizeBytes.
type ErrPayloadTooLarge struct {
	SizeBytes int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("checkpoint: payload is %d bytes, exceeding the %d byte hard cap", e.SizeBytes, MaxSizeBytes)
}

// ErrVersionMismatch is returned when a restored payload's version does not
// match PayloadVersion.
type ErrVersionMismatch struct {
	Found int
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("checkpoint: payload version %d does not match the running engine's version %d; refusing to resume", e.Found, PayloadVersion)
}

// Manager saves and restores checkpoint payloads through the recorder.
type Manager struct {
	rec     *landscape.Recorder
	version int
	onWarn  func(sizeBytes int)
}

// NewManager constructs a Manager. onWarn, if non-nil, is invoked whenever a
// saved payload exceeds WarnSizeBytes but is still within MaxSizeBytes.
func NewManager(rec *landscape.Recorder, onWarn func(sizeBytes int)) *Manager {
	return &Manager{rec: rec, onWarn: onWarn}
}

// Save serializes payload with encoding/json and persists it, rejecting
// anything over the hard size cap before it ever reaches the store.
func (m *Manager) Save(ctx context.Context, runID string, payload Payload) error {
	payload.Version = PayloadVersion
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal payload: %w", err)
	}
	if len(data) > MaxSizeBytes {
		return &ErrPayloadTooLarge{SizeBytes: len(data)}
	}
	if len(data) > WarnSizeBytes && m.onWarn != nil {
		m.onWarn(len(data))
	}
	m.version++
	if err := m.rec.SaveCheckpoint(ctx, runID, m.version, string(data)); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load restores the run's most recent checkpoint, or ok=false if none was
// ever recorded (a fresh run). A stored payload whose version does not
// match PayloadVersion is a fatal ErrVersionMismatch, never silently
// ignored.
func (m *Manager) Load(ctx context.Context, runID string) (Payload, bool, error) {
	version, raw, ok, err := m.rec.LoadCheckpoint(ctx, runID)
	if err != nil {
		return Payload{}, false, fmt.Errorf("checkpoint: load: %w", err)
	}
	if !ok {
		return Payload{}, false, nil
	}
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Payload{}, false, fmt.Errorf("checkpoint: unmarshal payload: %w", err)
	}
	if payload.Version != PayloadVersion {
		return Payload{}, false, &ErrVersionMismatch{Found: payload.Version}
	}
	m.version = version
	return payload, true, nil
}
