package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	ReasonOrphaned  = "orphaned by restart"
	ReasonAbandoned = "abandoned by restart"
)

// RecoveryReport lists what Recover changed or found.
type RecoveryReport struct {
	// Orphaned are runs that were running when the previous process died,
	// now failed with kind orphaned.
	Orphaned []Run
	// Abandoned are non-retry pending runs that never started, now cancelled.
	Abandoned []Run
	// Retries are pending retry successors still waiting for their NotBefore.
	Retries []Run
}

// Recover resolves the state left behind by a previous process. It must run
// before scheduling resumes. Every transition is a compare-and-set, so running
// Recover twice (or concurrently) resolves each orphan exactly once.
func Recover(ctx context.Context, l Ledger, now time.Time) (RecoveryReport, error) {
	var rep RecoveryReport

	running, err := l.List(ctx, Query{States: []State{StateRunning}})
	if err != nil {
		return rep, errors.Wrap(err, "list running runs")
	}
	for i := len(running) - 1; i >= 0; i-- {
		r, err := l.Update(ctx, running[i].ID, StateRunning, func(r *Run) error {
			r.State = StateFailed
			r.Kind = KindOrphaned
			r.Reason = ReasonOrphaned
			r.Error = ErrOrphanedRun.Error()
			r.FinishedAt = now
			return nil
		})
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return rep, errors.Wrapf(err, "resolve orphan %s", running[i].ID)
		}
		rep.Orphaned = append(rep.Orphaned, r)
	}

	pending, err := l.List(ctx, Query{States: []State{StatePending}})
	if err != nil {
		return rep, errors.Wrap(err, "list pending runs")
	}
	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		if p.Trigger == TriggerRetry {
			rep.Retries = append(rep.Retries, p)
			continue
		}
		r, err := l.Update(ctx, p.ID, StatePending, func(r *Run) error {
			r.State = StateCancelled
			r.Kind = KindAbandoned
			r.Reason = ReasonAbandoned
			r.FinishedAt = now
			return nil
		})
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return rep, errors.Wrapf(err, "abandon pending %s", p.ID)
		}
		rep.Abandoned = append(rep.Abandoned, r)
	}
	return rep, nil
}
