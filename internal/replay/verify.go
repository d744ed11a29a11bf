// Package replay implements run_mode: verify, which
// re-executes a pipeline against the same
// source a prior run consumed and compares the two runs' hash surfaces —
// input_hash/output_hash per (row_index, node_id) — rather than attempting
// a byte-equal comparison of plugin output. A mismatch is reported, not
// silently accepted; callers (the orchestrator or a cmd entrypoint) decide
// whether to route it to a dedicated mismatch sink or fail the run.
package replay

import (
	"context"
	"fmt"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/landscape"
)

// Mismatch describes one (row, node) whose hash surface diverged between
// the source run and the verify run, or that is present in one run but
// missing from the other.
type Mismatch struct {
	RowIndex int64
	NodeID   string
	Reason   string

	SourceStatus     contracts.NodeStateStatus
	SourceInputHash  string
	SourceOutputHash *string

	VerifyStatus     contracts.NodeStateStatus
	VerifyInputHash  string
	VerifyOutputHash *string
}

// Verifier compares the recorded hash surface of two runs.
type Verifier struct {
	rec *landscape.Recorder
}

// New returns a Verifier reading from rec.
func New(rec *landscape.Recorder) *Verifier {
	return &Verifier{rec: rec}
}

// Compare loads every node state of sourceRunID and verifyRunID, keyed by
// (row_index, node_id), and reports every divergence: a hash mismatch, a
// status mismatch, or a (row, node) pair present in only one run. The
// returned slice is ordered by (row_index, node_id) for deterministic
// reporting; an empty slice means the verify run reproduced the source
// run's hash surface exactly.
func (v *Verifier) Compare(ctx context.Context, sourceRunID, verifyRunID string) ([]Mismatch, error) {
	source, err := v.rec.GetNodeStatesForRun(ctx, sourceRunID)
	if err != nil {
		return nil, fmt.Errorf("replay: load source run %s: %w", sourceRunID, err)
	}
	verify, err := v.rec.GetNodeStatesForRun(ctx, verifyRunID)
	if err != nil {
		return nil, fmt.Errorf("replay: load verify run %s: %w", verifyRunID, err)
	}

	type key struct {
		rowIndex int64
		nodeID   string
	}
	sourceByKey := make(map[key]landscape.NodeStateForReplay, len(source))
	for _, s := range source {
		sourceByKey[key{s.RowIndex, s.NodeID}] = s
	}
	verifyByKey := make(map[key]landscape.NodeStateForReplay, len(verify))
	for _, s := range verify {
		verifyByKey[key{s.RowIndex, s.NodeID}] = s
	}

	var mismatches []Mismatch
	seen := make(map[key]bool, len(sourceByKey)+len(verifyByKey))
	for _, s := range source {
		k := key{s.RowIndex, s.NodeID}
		if seen[k] {
			continue
		}
		seen[k] = true
		vst, ok := verifyByKey[k]
		if !ok {
			mismatches = append(mismatches, Mismatch{
				RowIndex: s.RowIndex, NodeID: s.NodeID, Reason: "node state present in source run, missing from verify run",
				SourceStatus: s.Status, SourceInputHash: s.InputHash, SourceOutputHash: s.OutputHash,
			})
			continue
		}
		if m, diverged := compare(s, vst); diverged {
			mismatches = append(mismatches, m)
		}
	}
	for _, vst := range verify {
		k := key{vst.RowIndex, vst.NodeID}
		if seen[k] {
			continue
		}
		seen[k] = true
		mismatches = append(mismatches, Mismatch{
			RowIndex: vst.RowIndex, NodeID: vst.NodeID, Reason: "node state present in verify run, missing from source run",
			VerifyStatus: vst.Status, VerifyInputHash: vst.InputHash, VerifyOutputHash: vst.OutputHash,
		})
	}

	sortMismatches(mismatches)
	return mismatches, nil
}

func compare(s, v landscape.NodeStateForReplay) (Mismatch, bool) {
	m := Mismatch{
		RowIndex: s.RowIndex, NodeID: s.NodeID,
		SourceStatus: s.Status, SourceInputHash: s.InputHash, SourceOutputHash: s.OutputHash,
		VerifyStatus: v.Status, VerifyInputHash: v.InputHash, VerifyOutputHash: v.OutputHash,
	}
	switch {
	case s.Status != v.Status:
		m.Reason = "status diverged"
	case s.InputHash != v.InputHash:
		m.Reason = "input_hash diverged"
	case !hashPtrEqual(s.OutputHash, v.OutputHash):
		m.Reason = "output_hash diverged"
	default:
		return Mismatch{}, false
	}
	return m, true
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sortMismatches(m []Mismatch) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0; j-- {
			a, b := m[j-1], m[j]
			if a.RowIndex < b.RowIndex || (a.RowIndex == b.RowIndex && a.NodeID <= b.NodeID) {
				break
			}
			m[j-1], m[j] = m[j], m[j-1]
		}
	}
}
