// Package triggers implements the aggregation trigger evaluator:
// count, timeout, and condition triggers racing to fire
// first, plus the implicit end-of-source check, with enough recorded
// state to preserve "first-to-fire wins" ordering across a checkpoint.
package triggers

import (
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
)

// ConditionFunc evaluates a condition trigger over the buffered rows
// accepted so far; it is supplied by the caller (wired to the sandboxed
// expression evaluator) rather than owned by the trigger itself, since the
// evaluator has no business parsing expressions.
type ConditionFunc func(bufferedRows []map[string]interface{}) (bool, error)

// Config is the declarative trigger configuration for one aggregation
// node.
type Config struct {
	Count          int // 0 means no count trigger
	TimeoutSeconds float64
	Condition      ConditionFunc // nil means no condition trigger
}

// State is the evaluator's restorable progress for one in-flight batch.
// FirstAcceptAt anchors the timeout trigger; CountFireOffset and
// ConditionFireOffset record, relative to FirstAcceptAt, when those
// triggers fired in a prior process so a restored evaluator reproduces
// the same "first to fire" winner after a crash/resume.
type State struct {
	FirstAcceptAt      time.Time
	MemberCount        int
	CountFireOffset    *time.Duration
	ConditionFireOffset *time.Duration
}

// Evaluator tracks one aggregation node's in-flight batch trigger state.
type Evaluator struct {
	cfg   Config
	state State
}

// New constructs an Evaluator with no in-flight batch.
func New(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Restore rebuilds an Evaluator's state after a checkpoint load, so the
// restored evaluator reproduces the same first-to-fire winner it would
// have reached pre-crash.
func Restore(cfg Config, state State) *Evaluator {
	return &Evaluator{cfg: cfg, state: state}
}

// State returns the evaluator's current restorable state.
func (e *Evaluator) State() State {
	return e.state
}

// Accept records one row's acceptance into the buffer, anchoring
// FirstAcceptAt on the first call since Reset.
func (e *Evaluator) Accept(now time.Time) {
	if e.state.MemberCount == 0 {
		e.state.FirstAcceptAt = now
	}
	e.state.MemberCount++
}

// Reset clears in-flight state after a flush, ready for the next batch.
func (e *Evaluator) Reset() {
	e.state = State{}
}

// ShouldFlush evaluates every configured trigger and reports whether the
// batch should flush now, and if so which trigger fired. The caller is
// responsible for invoking this after every accept and on a timer tick for
// the timeout trigger; condition is re-evaluated against the live buffer
// contents on every call (its own cost is the caller's to bound).
func (e *Evaluator) ShouldFlush(now time.Time, bufferedRows []map[string]interface{}, endOfSource bool) (bool, contracts.TriggerType, error) {
	if endOfSource {
		return true, contracts.TriggerEndOfSource, nil
	}
	if e.state.MemberCount == 0 {
		return false, "", nil
	}

	if e.cfg.Count > 0 && e.state.MemberCount >= e.cfg.Count {
		if e.state.CountFireOffset == nil {
			offset := now.Sub(e.state.FirstAcceptAt)
			e.state.CountFireOffset = &offset
		}
	}
	if e.cfg.Condition != nil && e.state.ConditionFireOffset == nil {
		fired, err := e.cfg.Condition(bufferedRows)
		if err != nil {
			return false, "", err
		}
		if fired {
			offset := now.Sub(e.state.FirstAcceptAt)
			e.state.ConditionFireOffset = &offset
		}
	}

	var timeoutOffset *time.Duration
	if e.cfg.TimeoutSeconds > 0 {
		elapsed := now.Sub(e.state.FirstAcceptAt)
		budget := time.Duration(e.cfg.TimeoutSeconds * float64(time.Second))
		if elapsed >= budget {
			timeoutOffset = &budget
		}
	}

	return earliestFire(e.state.CountFireOffset, e.state.ConditionFireOffset, timeoutOffset)
}

// earliestFire picks the smallest non-nil offset among the three trigger
// kinds, breaking ties count > condition > timeout (an arbitrary but
// deterministic order, since simultaneous firing is only possible at
// sub-tick granularity).
func earliestFire(count, condition, timeout *time.Duration) (bool, contracts.TriggerType, error) {
	type candidate struct {
		offset *time.Duration
		kind   contracts.TriggerType
	}
	candidates := []candidate{
		{count, contracts.TriggerCount},
		{condition, contracts.TriggerCondition},
		{timeout, contracts.TriggerTimeout},
	}
	var winner *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.offset == nil {
			continue
		}
		if winner == nil || *c.offset < *winner.offset {
			winner = c
		}
	}
	if winner == nil {
		return false, "", nil
	}
	return true, winner.kind, nil
}
