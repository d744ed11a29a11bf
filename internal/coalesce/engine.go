// Package coalesce implements the join engine: collecting
// per-branch arrivals under a shared join_group_id, firing a merge once a
// node's policy is satisfied, and recording stragglers that arrive after
// the merge already fired as dropped.
package coalesce

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tokens"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// Spec is the coalesce node configuration the engine evaluates against,
// mirroring dag.CoalesceSpec without importing the dag package (the engine
// operates purely on runtime arrivals, independent of graph shape).
type Spec struct {
	Branches       []string
	Policy         contracts.CoalescePolicy
	QuorumCount    int
	TimeoutSeconds float64
	Merge          contracts.MergeStrategy
	SelectBranch   string
}

type arrival struct {
	tok      model.Token
	row      plugin.Row
	arrived  time.Time
}

type group struct {
	mu            sync.Mutex
	arrivals      map[string]arrival
	order         []string // branch names in arrival order
	firstArrived  time.Time
	merged        bool
}

// Engine tracks in-flight join groups across every coalesce node in a run.
type Engine struct {
	mgr    *tokens.Manager
	groups sync.Map // joinGroupID -> *group
}

// New constructs an Engine backed by a token manager.
func New(mgr *tokens.Manager) *Engine {
	return &Engine{mgr: mgr}
}

// Outcome is what the caller receives when an Accept call causes a merge to
// fire: the merged child token, its row, and which branches it was built
// from.
type Outcome struct {
	Token         model.Token
	Row           plugin.Row
	UsedBranches  []string
	TriggerPolicy contracts.CoalescePolicy
}

func (e *Engine) group(joinGroupID string) *group {
	v, _ := e.groups.LoadOrStore(joinGroupID, &group{arrivals: make(map[string]arrival)})
	return v.(*group)
}

// Accept records one branch's arrival for a join group. If the policy is
// satisfied, it performs the merge and returns a non-nil Outcome. If the
// join group already merged (a straggler arriving late), the token is
// recorded dropped-at-coalesce and Accept returns (nil, nil).
func (e *Engine) Accept(ctx context.Context, runID, joinGroupID string, spec Spec, branch string, tok model.Token, row plugin.Row, now time.Time) (*Outcome, error) {
	g := e.group(joinGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.merged {
		if err := e.mgr.DropAtCoalesce(ctx, runID, joinGroupID, tok); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if _, dup := g.arrivals[branch]; dup {
		return nil, fmt.Errorf("coalesce: branch %q already arrived for join group %s", branch, joinGroupID)
	}
	if len(g.arrivals) == 0 {
		g.firstArrived = now
	}
	g.arrivals[branch] = arrival{tok: tok, row: row, arrived: now}
	g.order = append(g.order, branch)

	fire, err := e.shouldFire(spec, g, now, false)
	if err != nil {
		return nil, err
	}
	if !fire {
		return nil, nil
	}
	return e.merge(ctx, runID, joinGroupID, spec, g)
}

// PollTimeout re-evaluates a best_effort join group's timeout trigger
// without a new arrival, firing a merge if the timeout has elapsed. The
// caller is expected to invoke this periodically (mirroring the
// aggregation executor's timer-driven flush) for any join group with an
// outstanding best_effort or require_all wait.
func (e *Engine) PollTimeout(ctx context.Context, runID, joinGroupID string, spec Spec, now time.Time) (*Outcome, error) {
	g := e.group(joinGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.merged || len(g.arrivals) == 0 {
		return nil, nil
	}
	fire, err := e.shouldFire(spec, g, now, true)
	if err != nil {
		return nil, err
	}
	if !fire {
		return nil, nil
	}
	return e.merge(ctx, runID, joinGroupID, spec, g)
}

func (e *Engine) shouldFire(spec Spec, g *group, now time.Time, timeoutPoll bool) (bool, error) {
	switch spec.Policy {
	case contracts.PolicyFirst:
		return true, nil
	case contracts.PolicyQuorum:
		if spec.QuorumCount <= 0 {
			return false, fmt.Errorf("coalesce: quorum policy requires a positive quorum_count")
		}
		return len(g.arrivals) >= spec.QuorumCount, nil
	case contracts.PolicyRequireAll:
		return len(g.arrivals) >= len(spec.Branches), nil
	case contracts.PolicyBestEffort:
		if len(g.arrivals) >= len(spec.Branches) {
			return true, nil
		}
		if spec.TimeoutSeconds <= 0 {
			return false, fmt.Errorf("coalesce: best_effort policy requires a positive timeout_seconds")
		}
		elapsed := now.Sub(g.firstArrived)
		budget := time.Duration(spec.TimeoutSeconds * float64(time.Second))
		return elapsed >= budget, nil
	default:
		return false, fmt.Errorf("coalesce: unknown policy %q", spec.Policy)
	}
}

// merge builds the merged row per spec.Merge, records the token lifecycle
// transition through the token manager, and marks the group merged so any
// later arrival is treated as a straggler. Caller must hold g.mu.
func (e *Engine) merge(ctx context.Context, runID, joinGroupID string, spec Spec, g *group) (*Outcome, error) {
	used := append([]string(nil), g.order...)
	sort.Strings(used)

	parents := make([]model.Token, 0, len(used))
	rows := make(map[string]plugin.Row, len(used))
	for _, branch := range used {
		a := g.arrivals[branch]
		parents = append(parents, a.tok)
		rows[branch] = a.row
	}

	mergedRow, err := mergeRows(spec.Merge, spec.SelectBranch, used, rows)
	if err != nil {
		return nil, err
	}

	child, err := e.mgr.Coalesce(ctx, runID, joinGroupID, parents)
	if err != nil {
		return nil, err
	}
	g.merged = true

	return &Outcome{Token: child, Row: mergedRow, UsedBranches: used, TriggerPolicy: spec.Policy}, nil
}

func mergeRows(strategy contracts.MergeStrategy, selectBranch string, branches []string, rows map[string]plugin.Row) (plugin.Row, error) {
	switch strategy {
	case contracts.MergeUnion:
		out := plugin.Row{}
		for _, b := range branches {
			for k, v := range rows[b] {
				out[k] = v
			}
		}
		return out, nil
	case contracts.MergeNested:
		out := plugin.Row{}
		for _, b := range branches {
			out[b] = rows[b]
		}
		return out, nil
	case contracts.MergeSelect:
		row, ok := rows[selectBranch]
		if !ok {
			return nil, fmt.Errorf("coalesce: select merge branch %q did not arrive", selectBranch)
		}
		return row, nil
	default:
		return nil, fmt.Errorf("coalesce: unknown merge strategy %q", strategy)
	}
}
