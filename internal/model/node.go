// Package model defines the audit-trail domain entities:
// Node, Edge, RowRecord, Token, TokenParent, NodeState, RoutingEvent, Call,
// Batch, BatchMember, TokenOutcome, Artifact, and Run. These are plain
// structs; persistence and validation live in internal/landscape.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
)

// MaxNodeIDLength caps node_id length. Exceeding it at registration time is an audit integrity
// violation.
const MaxNodeIDLength = 128

// Node is a vertex in the pipeline DAG.
type Node struct {
	NodeID          string
	RunID           string
	Kind            contracts.NodeKind
	PluginName      string
	PluginVersion   string
	ConfigJSON      string
	ConfigHash      string
	Determinism     contracts.Determinism
	InputContract   *contracts.Contract
	OutputContract  *contracts.Contract
	PipelineSeq     *int
	RegisteredAt    time.Time
}

// BuildNodeID computes the deterministic node_id = <kind>_<plugin>_<config-hash>[_<seq>],
// truncated to MaxNodeIDLength. seq is appended when non-nil to disambiguate
// multiple instances of the same plugin+config within one run (e.g. two
// "passthrough" transforms with identical settings at different pipeline
// positions).
func BuildNodeID(kind contracts.NodeKind, plugin, configHash string, seq *int) string {
	id := fmt.Sprintf("%s_%s_%s", kind, plugin, shortHash(configHash))
	if seq != nil {
		id = fmt.Sprintf("%s_%d", id, *seq)
	}
	if len(id) > MaxNodeIDLength {
		id = id[:MaxNodeIDLength]
	}
	return id
}

// shortHash trims a "sha256:<hex>" hash down to a compact, still-unique-enough
// fragment for embedding in a readable node_id.
func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[len(h)-16:]
}

// ConfigHash computes the canonical hash of a config JSON document. Exposed
// so callers (the DAG builder) can compute a node's config_hash once and
// reuse it for both BuildNodeID and the stored ConfigHash field.
func ConfigHash(configJSON []byte) string {
	sum := sha256.Sum256(configJSON)
	return "sha256:" + hex.EncodeToString(sum[:])
}
