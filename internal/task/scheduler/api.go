package scheduler

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

// TriggerNow opens a one-job cycle for id with trigger manual. Dependencies
// are checked against their latest terminal runs and the concurrency policy
// applies. A skip (dependency unmet, Forbid conflict) is not an error: the
// skipped run is returned with its Kind and Reason set. Paused and manual-only
// jobs can be triggered.
func (s *Service) TriggerNow(ctx context.Context, id string) (ledger.Run, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.unlockAndFlush()
	if s.stopping {
		return ledger.Run{}, ErrStopped
	}
	if !s.started {
		return ledger.Run{}, ErrNotStarted
	}
	js, ok := s.jobs[id]
	if !ok {
		return ledger.Run{}, errors.Wrapf(job.ErrNotFound, "job %q", id)
	}

	now := s.clk.Now()
	if cd := js.def.TriggerCooldown; cd > 0 && !js.lastTrigger.IsZero() {
		if wait := js.lastTrigger.Add(cd).Sub(now); wait > 0 {
			js.stats.Coalesced++
			last := js.lastManual
			if cur, err := s.led.Get(ctx, last.ID); err == nil {
				last = cur
			}
			s.log.Debug("manual trigger coalesced", logx.String("job", id), logx.String("run", last.ID), logx.Duration("wait", wait))
			return last, &CooldownError{JobID: id, Wait: wait, Last: last}
		}
	}

	c := s.openCycleLocked(ledger.TriggerManual, now, []string{id})
	s.advanceLocked(c)
	s.drainReadyLocked()

	r, ok := c.runs[id]
	if !ok {
		return ledger.Run{}, errors.Newf("job %q: no run recorded for manual trigger", id)
	}
	if r.State.Active() {
		js.lastTrigger = now
		js.lastManual = r
	}
	s.log.Info("manual trigger", logx.String("job", id), logx.String("run", r.ID), logx.String("state", string(r.State)))
	return r, nil
}

// JobStatus returns the job summary and its last n runs, newest first
// (n <= 0 uses the configured status limit).
func (s *Service) JobStatus(ctx context.Context, id string, n int) (Status, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	js, ok := s.jobs[id]
	var info JobInfo
	if ok {
		info = s.infoLocked(js)
	}
	limit := s.cfg.StatusLimit
	s.mu.Unlock()
	if !ok {
		return Status{}, errors.Wrapf(job.ErrNotFound, "job %q", id)
	}
	if n <= 0 {
		n = limit
	}

	runs, err := s.led.List(ctx, ledger.Query{JobID: id, Limit: n})
	if err != nil {
		return Status{}, errors.Wrapf(err, "list runs of %s", id)
	}
	st := Status{Job: info, Runs: make([]RunSummary, 0, len(runs))}
	for _, r := range runs {
		st.Runs = append(st.Runs, Summarize(r))
	}
	return st, nil
}

// Jobs lists registered jobs in registration order.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.infoLocked(s.jobs[id]))
	}
	return out
}

// Pause stops scheduled triggers of id. Running runs and pending retries are
// left alone.
func (s *Service) Pause(id string) error { return s.setPaused(id, true) }

// Resume re-enables scheduled triggers of id. Fires missed while paused are
// not replayed.
func (s *Service) Resume(id string) error { return s.setPaused(id, false) }

func (s *Service) setPaused(id string, paused bool) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(job.ErrNotFound, "job %q", id)
	}
	if js.paused == paused {
		return nil
	}
	js.paused = paused
	if !paused && !js.next.IsZero() {
		now := s.clk.Now()
		if js.next.Before(now) {
			js.next = js.sched.Next(now)
		}
	}
	s.log.Info("job pause changed", logx.String("job", id), logx.Bool("paused", paused))
	return nil
}

// Paused reports whether id is paused.
func (s *Service) Paused(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[strings.TrimSpace(id)]
	return ok && js.paused
}

func (s *Service) infoLocked(js *jobState) JobInfo {
	def := js.def
	info := JobInfo{
		ID:          def.ID,
		Schedule:    def.Schedule,
		Kind:        js.spec.Kind.String(),
		DependsOn:   append([]string(nil), def.DependsOn...),
		Concurrency: def.Concurrency.String(),
		Timeout:     def.Timeout,
		MaxAttempts: s.policyFor(def).MaxAttempts,
		Paused:      js.paused,
		Next:        js.next,
		LastFire:    js.lastFire,
		Phase:       js.phase.String(),
		Stats:       js.stats.withRate(),

		TriggerCooldown: def.TriggerCooldown,
	}
	if open, until := s.breaker.Open(s.clk.Now(), def.ID, def.CircuitTripFailures); open {
		info.CircuitOpen = until
	}
	return info
}
