package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"jobweave/internal/task/depgraph"
	"jobweave/internal/task/engine"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/retry"
	logx "jobweave/pkg/logx"
)

// cycle tracks the runs opened by one tick or one manual trigger. Jobs leave
// pending batch by batch; the next batch is resolved only when waiting is
// empty.
type cycle struct {
	id      uint64
	trigger ledger.Trigger
	at      time.Time

	pending []string
	results depgraph.Snapshot
	waiting map[string]string // run id -> job id
	runs    map[string]ledger.Run
}

func (c *cycle) drop(id string) {
	for i, p := range c.pending {
		if p == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *cycle) isPending(id string) bool {
	for _, p := range c.pending {
		if p == id {
			return true
		}
	}
	return false
}

func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	defer s.unlockAndFlush()
	if !s.started || s.stopping {
		return
	}
	s.lastTick = now

	for _, it := range s.retries.Due(now) {
		s.dispatchRetryLocked(it)
	}

	var due []string
	for _, id := range s.order {
		if s.markDueLocked(id, now) {
			due = append(due, id)
		}
	}
	if len(due) > 0 {
		c := s.openCycleLocked(ledger.TriggerSchedule, now, due)
		s.advanceLocked(c)
	}
	s.drainReadyLocked()
}

// markDueLocked reports whether id fires at now and moves its next fire time.
// Missed fires collapse into this one.
func (s *Service) markDueLocked(id string, now time.Time) (due bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("job tick panicked", logx.String("job", id), logx.Any("panic", p))
			due = false
		}
	}()
	js := s.jobs[id]
	if js == nil || js.paused || js.next.IsZero() || now.Before(js.next) {
		return false
	}
	js.lastFire = now
	js.next = js.sched.Next(now)
	js.phase = phaseDue
	return true
}

func (s *Service) openCycleLocked(trigger ledger.Trigger, at time.Time, due []string) *cycle {
	s.cycleSeq++
	c := &cycle{
		id:      s.cycleSeq,
		trigger: trigger,
		at:      at,
		pending: append([]string(nil), due...),
		results: depgraph.Snapshot{},
		waiting: make(map[string]string),
		runs:    make(map[string]ledger.Run),
	}
	s.cycles[c.id] = c
	s.log.Debug("cycle opened", logx.Uint64("cycle", c.id), logx.String("trigger", string(trigger)), logx.Any("jobs", due))
	return c
}

// advanceLocked resolves and dispatches batches until one is in flight or
// the cycle is exhausted.
func (s *Service) advanceLocked(c *cycle) {
	if s.cycles[c.id] != c {
		return
	}
	for len(c.waiting) == 0 {
		if len(c.pending) == 0 || s.stopping {
			delete(s.cycles, c.id)
			for _, id := range c.pending {
				if js := s.jobs[id]; js != nil {
					js.phase = phaseIdle
				}
			}
			s.log.Debug("cycle closed", logx.Uint64("cycle", c.id), logx.Int("jobs", len(c.results)))
			return
		}

		plan := depgraph.Resolve(s.defs, c.pending, s.depSnapshotLocked(c))
		for _, sk := range plan.Skipped {
			c.drop(sk.JobID)
			cause := errors.Wrapf(ErrDependencyUnmet, "job %s", sk.JobID)
			if _, err := s.skipLocked(c, sk.JobID, ledger.KindDependencyUnmet, sk.Reason, cause); err != nil {
				s.log.Error("dependency skip not recorded", logx.String("job", sk.JobID), logx.Uint64("cycle", c.id), logx.Err(err))
			}
		}
		if len(plan.Batches) == 0 {
			c.pending = nil
			continue
		}
		for _, id := range plan.Batches[0] {
			c.drop(id)
			if _, err := s.startJobLocked(c, id); err != nil {
				s.log.Error("job dispatch failed", logx.String("job", id), logx.Uint64("cycle", c.id), logx.Err(err))
			}
		}
	}
}

func (s *Service) drainReadyLocked() {
	for len(s.ready) > 0 {
		c := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		s.advanceLocked(c)
	}
}

// depSnapshotLocked is the dependency view for c: this cycle's results, and
// the latest terminal state of every other dependency that is not due here.
func (s *Service) depSnapshotLocked(c *cycle) depgraph.Snapshot {
	snap := make(depgraph.Snapshot, len(c.results))
	for k, v := range c.results {
		snap[k] = v
	}
	for _, id := range c.pending {
		js := s.jobs[id]
		if js == nil {
			continue
		}
		for _, dep := range js.def.DependsOn {
			if _, ok := snap[dep]; ok || c.isPending(dep) {
				continue
			}
			r, ok, err := ledger.LatestTerminal(s.base, s.led, dep)
			if err != nil {
				s.log.Warn("dependency lookup failed", logx.String("job", id), logx.String("dep", dep), logx.Err(err))
				continue
			}
			if ok {
				snap[dep] = r.State
			}
		}
	}
	return snap
}

// startJobLocked applies the breaker and the concurrency policy, then
// dispatches. The returned run is the record created for this cycle.
func (s *Service) startJobLocked(c *cycle, id string) (ledger.Run, error) {
	js := s.jobs[id]
	def := js.def
	now := s.clk.Now()

	if c.trigger == ledger.TriggerSchedule {
		if open, until := s.breaker.Open(now, id, def.CircuitTripFailures); open {
			s.log.Debug("circuit open", logx.String("job", id), logx.Time("until", until))
			return s.skipLocked(c, id, ledger.KindCircuitOpen, "circuit open", errors.Wrapf(ErrCircuitOpen, "job %s until %s", id, until.Format(time.RFC3339)))
		}
	}

	active, err := ledger.Active(s.base, s.led, id)
	if err != nil {
		c.results[id] = depgraph.StateUnknown
		js.phase = phaseIdle
		return ledger.Run{}, errors.Wrapf(err, "list active runs of %s", id)
	}
	switch def.Concurrency {
	case job.Forbid:
		if len(active) > 0 {
			cause := errors.Wrapf(ErrConcurrencyConflict, "job %s has %d active run(s)", id, len(active))
			return s.skipLocked(c, id, ledger.KindConcurrencyConflict, "already running", cause)
		}
	case job.Replace:
		if len(active) > 0 {
			return s.replaceLocked(c, js, active)
		}
	}
	return s.dispatchLocked(c, js)
}

func (s *Service) newRun(c *cycle, id string) ledger.Run {
	return ledger.Run{
		ID:          uuid.NewString(),
		JobID:       id,
		Cycle:       c.id,
		Trigger:     c.trigger,
		ScheduledAt: c.at,
		State:       ledger.StatePending,
		Attempt:     1,
	}
}

// skipLocked records a skipped run for id in c.
func (s *Service) skipLocked(c *cycle, id string, kind ledger.Kind, reason string, cause error) (ledger.Run, error) {
	r := s.newRun(c, id)
	r.State = ledger.StateSkipped
	r.Kind = kind
	r.Reason = reason
	r.FinishedAt = s.clk.Now()

	c.results[id] = ledger.StateSkipped
	if js := s.jobs[id]; js != nil {
		js.phase = phaseSkipped
	}
	rec, err := s.led.Insert(s.base, r)
	if err != nil {
		return r, errors.Wrapf(err, "record skip of %s", id)
	}
	c.runs[id] = rec
	s.log.Info("run skipped", logx.String("job", id), logx.Uint64("cycle", c.id), logx.String("kind", string(kind)), logx.String("reason", reason))
	s.emitLocked(rec, cause, false)
	return rec, nil
}

func (s *Service) dispatchLocked(c *cycle, js *jobState) (ledger.Run, error) {
	rec, err := s.led.Insert(s.base, s.newRun(c, js.def.ID))
	if err != nil {
		c.results[js.def.ID] = depgraph.StateUnknown
		js.phase = phaseIdle
		return ledger.Run{}, errors.Wrapf(err, "create run of %s", js.def.ID)
	}
	c.runs[js.def.ID] = rec
	return s.submitLocked(c, js, rec), nil
}

func limitFor(def job.Definition) int {
	if def.Concurrency == job.Allow {
		return def.MaxConcurrent
	}
	return 1
}

// submitLocked hands a pending run to the pool. A run the pool refuses is
// finalized right away (queue full: skipped; stopped: cancelled).
func (s *Service) submitLocked(c *cycle, js *jobState, rec ledger.Run) ledger.Run {
	def := js.def
	err := s.pool.Submit(engine.Task{
		Run:     rec,
		Handler: def.Handler,
		Timeout: def.Timeout,
		Group:   def.ID,
		Limit:   limitFor(def),
	})
	if err == nil {
		js.phase = phaseDispatched
		if c != nil {
			c.waiting[rec.ID] = def.ID
			s.runCycle[rec.ID] = c.id
		}
		s.log.Debug("run dispatched", logx.String("job", def.ID), logx.String("run", rec.ID), logx.Int("attempt", rec.Attempt))
		return rec
	}

	state, kind, reason := ledger.StateSkipped, ledger.KindQueueFull, "queue full"
	if !errors.Is(err, engine.ErrQueueFull) {
		state, kind, reason = ledger.StateCancelled, ledger.KindShutdown, "shutdown"
	}
	s.warn.report(s.log, s.clk.Now(), def.ID, err)
	now := s.clk.Now()
	final, uerr := s.led.Update(s.base, rec.ID, ledger.StatePending, func(r *ledger.Run) error {
		r.State = state
		r.Kind = kind
		r.Reason = reason
		r.FinishedAt = now
		return nil
	})
	js.phase = phaseIdle
	if c != nil {
		c.results[def.ID] = state
	}
	if uerr != nil {
		s.log.Error("run finalize failed", logx.String("job", def.ID), logx.String("run", rec.ID), logx.Err(uerr))
		return rec
	}
	s.emitLocked(final, err, false)
	return final
}

// replaceLocked creates the new run, cancels the active ones and submits
// once the cancelled runs have finished or ReplaceGrace has passed. The wait
// happens off the lock.
func (s *Service) replaceLocked(c *cycle, js *jobState, active []ledger.Run) (ledger.Run, error) {
	id := js.def.ID
	rec, err := s.led.Insert(s.base, s.newRun(c, id))
	if err != nil {
		c.results[id] = depgraph.StateUnknown
		js.phase = phaseIdle
		return ledger.Run{}, errors.Wrapf(err, "create run of %s", id)
	}
	c.runs[id] = rec
	c.waiting[rec.ID] = id
	s.runCycle[rec.ID] = c.id
	js.phase = phaseDispatched

	now := s.clk.Now()
	var running []string
	for _, a := range active {
		if a.State == ledger.StatePending {
			s.retries.Cancel(a.ID)
			final, err := s.led.Update(s.base, a.ID, ledger.StatePending, func(r *ledger.Run) error {
				r.State = ledger.StateCancelled
				r.Kind = ledger.KindReplaced
				r.Reason = "replaced by newer run"
				r.FinishedAt = now
				return nil
			})
			if err == nil {
				s.emitLocked(final, engine.ErrReplaced, false)
				s.settleLocked(final)
				continue
			}
			if !errors.Is(err, ledger.ErrStateConflict) {
				s.log.Warn("cancel pending run failed", logx.String("job", id), logx.String("run", a.ID), logx.Err(err))
				continue
			}
			// A worker picked it up in the meantime.
		}
		if s.pool.Cancel(a.ID, engine.ErrReplaced) {
			running = append(running, a.ID)
		}
	}

	s.log.Info("replacing active runs", logx.String("job", id), logx.String("run", rec.ID), logx.Int("active", len(active)), logx.Int("running", len(running)))
	if len(running) == 0 {
		s.resubmitLocked(c.id, id, rec)
		return rec, nil
	}
	cid := c.id
	s.sup.Go0("scheduler.replace."+id, func(ctx context.Context) {
		s.awaitReplaced(ctx, cid, id, rec, running)
	})
	return rec, nil
}

func (s *Service) awaitReplaced(ctx context.Context, cid uint64, jobID string, rec ledger.Run, running []string) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := s.clk.NewTimer(s.clk.Now().Add(s.cfg.ReplaceGrace))
	defer t.Stop()
	go func() {
		select {
		case <-t.C():
			cancel()
		case <-wctx.Done():
		}
	}()

	var werr error
	for _, id := range running {
		if werr = s.pool.Wait(wctx, id); werr != nil {
			break
		}
	}

	s.mu.Lock()
	defer s.unlockAndFlush()
	if werr != nil && ctx.Err() == nil {
		s.log.Warn("replace grace expired; dispatching anyway", logx.String("job", jobID), logx.Duration("grace", s.cfg.ReplaceGrace))
	}
	s.resubmitLocked(cid, jobID, rec)
	s.drainReadyLocked()
}

// resubmitLocked submits a run that was held back by Replace.
func (s *Service) resubmitLocked(cid uint64, jobID string, rec ledger.Run) {
	c := s.cycles[cid]
	if c != nil {
		delete(c.waiting, rec.ID)
	}
	delete(s.runCycle, rec.ID)
	js := s.jobs[jobID]

	if s.stopping {
		now := s.clk.Now()
		final, err := s.led.Update(s.base, rec.ID, ledger.StatePending, func(r *ledger.Run) error {
			r.State = ledger.StateCancelled
			r.Kind = ledger.KindShutdown
			r.Reason = "shutdown"
			r.FinishedAt = now
			return nil
		})
		if err == nil {
			s.emitLocked(final, engine.ErrShutdown, false)
		}
		if c != nil {
			c.results[jobID] = ledger.StateCancelled
		}
	} else {
		s.submitLocked(c, js, rec)
	}
	if c != nil && len(c.waiting) == 0 {
		s.ready = append(s.ready, c)
	}
}

// settleLocked records a finished run against the cycle waiting on it.
func (s *Service) settleLocked(r ledger.Run) {
	cid, ok := s.runCycle[r.ID]
	if !ok {
		return
	}
	delete(s.runCycle, r.ID)
	c := s.cycles[cid]
	if c == nil {
		return
	}
	delete(c.waiting, r.ID)
	c.results[r.JobID] = r.State
	if len(c.waiting) == 0 {
		s.ready = append(s.ready, c)
	}
}

// onComplete is the worker pool callback.
func (s *Service) onComplete(o engine.Outcome) {
	s.mu.Lock()
	defer s.unlockAndFlush()

	r := o.Run
	if o.Stale {
		if r.State.Terminal() {
			s.settleLocked(r)
			s.drainReadyLocked()
		}
		return
	}
	if js := s.jobs[r.JobID]; js != nil {
		js.phase = phaseIdle
	}
	s.finishedLocked(r, o.Err, s.clk.Now())
	s.settleLocked(r)
	s.drainReadyLocked()
}

func (s *Service) policyFor(def job.Definition) job.RetryPolicy {
	return def.Retry.WithDefaults(s.cfg.Retry)
}

// finishedLocked feeds a terminal run to the retry manager and the breaker,
// then emits its event.
func (s *Service) finishedLocked(r ledger.Run, cause error, now time.Time) {
	js := s.jobs[r.JobID]
	if js == nil {
		s.emitLocked(r, cause, r.State == ledger.StateFailed)
		return
	}
	override := js.def.CircuitTripFailures

	switch r.State {
	case ledger.StateSucceeded:
		s.breaker.Record(now, r.JobID, override, false)
		s.emitLocked(r, nil, false)

	case ledger.StateFailed:
		d := retry.Decide(r, s.policyFor(js.def), cause, now)
		alert := d.Alert
		if d.Retry {
			succ, err := s.led.Insert(s.base, d.Successor)
			if err != nil {
				s.log.Error("retry insert failed", logx.String("job", r.JobID), logx.String("run", r.ID), logx.Err(err))
				alert = true
			} else {
				s.retries.Schedule(succ.ID, succ.JobID, succ.NotBefore)
				s.log.Info("retry scheduled",
					logx.String("job", r.JobID),
					logx.String("run", succ.ID),
					logx.String("retry_of", r.ID),
					logx.Int("attempt", succ.Attempt),
					logx.Duration("delay", d.Delay),
				)
			}
		}
		if alert {
			s.breaker.Record(now, r.JobID, override, true)
			s.log.Warn("run failed permanently", logx.String("job", r.JobID), logx.String("run", r.ID), logx.Int("attempt", r.Attempt), logx.String("reason", d.Reason), logx.Err(cause))
		}
		s.emitLocked(r, cause, alert)

	default:
		s.emitLocked(r, cause, false)
	}
}

// dispatchRetryLocked submits a retry successor whose delay has passed.
func (s *Service) dispatchRetryLocked(it retry.Item) {
	r, err := s.led.Get(s.base, it.RunID)
	if err != nil {
		s.log.Warn("retry lookup failed", logx.String("job", it.JobID), logx.String("run", it.RunID), logx.Err(err))
		return
	}
	if r.State != ledger.StatePending {
		return
	}
	js := s.jobs[r.JobID]
	if js == nil {
		return
	}
	s.log.Debug("retry due", logx.String("job", r.JobID), logx.String("run", r.ID), logx.Int("attempt", r.Attempt))
	s.submitLocked(nil, js, r)
}
