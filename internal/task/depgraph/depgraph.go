// Package depgraph orders the due jobs of a cycle into dependency batches.
//
// Resolve is pure: the same definitions, due set and snapshot always produce
// the same plan.
package depgraph

import (
	"fmt"
	"sort"

	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
)

// StateUnknown is reported for a dependency with no run at all.
const StateUnknown ledger.State = "never ran"

// Snapshot maps a job id to the state that counts for dependency checks: its
// run in the current cycle if it has one, else its latest terminal run.
type Snapshot map[string]ledger.State

// Skip is a due job that cannot run this cycle.
type Skip struct {
	JobID        string
	Blocker      string
	BlockerState ledger.State
	Reason       string
}

// Plan is the resolver output. Batch N only depends on batches < N. Within a
// batch, jobs keep registration order.
type Plan struct {
	Batches [][]string
	Skipped []Skip
}

// Empty reports whether nothing is runnable and nothing was skipped.
func (p Plan) Empty() bool { return len(p.Batches) == 0 && len(p.Skipped) == 0 }

// Reason formats the skip reason recorded in the ledger.
func Reason(dep string, st ledger.State) string {
	return fmt.Sprintf("dependency %q not satisfied (%s)", dep, st)
}

type verdict struct {
	done    bool
	level   int
	skipped bool
	skip    Skip
}

// Resolve computes batches for due. defs must be in registration order.
// Dependencies that are themselves due order the batches; any other
// dependency must be succeeded in snap. Skips cascade to dependents.
func Resolve(defs []job.Definition, due []string, snap Snapshot) Plan {
	pos := make(map[string]int, len(defs))
	for i, d := range defs {
		pos[d.ID] = i
	}
	dueSet := make(map[string]bool, len(due))
	for _, id := range due {
		if _, ok := pos[id]; ok {
			dueSet[id] = true
		}
	}

	memo := make(map[string]*verdict, len(dueSet))
	var eval func(id string) *verdict
	eval = func(id string) *verdict {
		if v, ok := memo[id]; ok {
			if !v.done {
				// Cycles are rejected at registration; treat one here as unmet.
				return &verdict{done: true, skipped: true, skip: Skip{JobID: id, Blocker: id, BlockerState: StateUnknown, Reason: Reason(id, StateUnknown)}}
			}
			return v
		}
		v := &verdict{}
		memo[id] = v

		for _, dep := range defs[pos[id]].DependsOn {
			if dueSet[dep] {
				dv := eval(dep)
				if dv.skipped {
					v.skipped = true
					v.skip = Skip{JobID: id, Blocker: dep, BlockerState: ledger.StateSkipped, Reason: Reason(dep, ledger.StateSkipped)}
					break
				}
				if dv.level+1 > v.level {
					v.level = dv.level + 1
				}
				continue
			}
			st, ok := snap[dep]
			if !ok || st == "" {
				st = StateUnknown
			}
			if st != ledger.StateSucceeded {
				v.skipped = true
				v.skip = Skip{JobID: id, Blocker: dep, BlockerState: st, Reason: Reason(dep, st)}
				break
			}
		}
		v.done = true
		return v
	}

	ordered := make([]string, 0, len(dueSet))
	for id := range dueSet {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return pos[ordered[i]] < pos[ordered[j]] })

	var plan Plan
	for _, id := range ordered {
		v := eval(id)
		if v.skipped {
			plan.Skipped = append(plan.Skipped, v.skip)
			continue
		}
		for len(plan.Batches) <= v.level {
			plan.Batches = append(plan.Batches, nil)
		}
		plan.Batches[v.level] = append(plan.Batches[v.level], id)
	}
	return plan
}
