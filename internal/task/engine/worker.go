package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

// RunEvent is published on the bus when a run starts executing.
type RunEvent struct {
	RunID      string        `json:"run_id"`
	JobID      string        `json:"job_id"`
	Attempt    int           `json:"attempt"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
}

// handlerError marks a handler failure while keeping the handler's own error
// reachable for errors.As (retry hints, no-retry marks).
type handlerError struct{ err error }

func (e *handlerError) Error() string        { return e.err.Error() }
func (e *handlerError) Unwrap() error        { return e.err }
func (e *handlerError) Is(target error) bool { return target == ErrHandler }

type handlerReturn struct {
	res   job.Result
	err   error
	pan   any
	stack string
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.runQueued(qt)
		}
	}
}

// runQueued executes qt once its group has room, then keeps running the
// tasks the group hands back as slots free up.
func (s *Service) runQueued(qt queuedTask) {
	if !s.groups.tryAcquire(qt) {
		return
	}
	for {
		s.execOne(qt)
		next, ok := s.groups.release(qt)
		if !ok {
			return
		}
		qt = next
	}
}

func (s *Service) execOne(qt queuedTask) {
	if s.stopping.Load() {
		s.cancelQueued(qt, ErrShutdown)
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	start := s.clk.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	log := s.log.With(logx.String("job", t.Run.JobID), logx.String("run", t.Run.ID))

	run, err := s.led.Update(s.base, t.Run.ID, ledger.StatePending, func(r *ledger.Run) error {
		r.State = ledger.StateRunning
		r.StartedAt = start
		return nil
	})
	if err != nil {
		s.stale(qt, err, log)
		return
	}

	hctx, cancel := context.WithCancelCause(s.base)
	a := &active{task: t, run: run, log: log, started: start, cancel: cancel, done: make(chan struct{})}

	s.activeMu.Lock()
	if s.stopping.Load() {
		s.activeMu.Unlock()
		cancel(nil)
		s.finish(run, ledger.StateCancelled, ledger.KindShutdown, reasonFor(ErrShutdown), nil, ErrShutdown, false, log)
		return
	}
	s.active[run.ID] = a
	s.activeMu.Unlock()
	s.inFlight.Add(1)

	defer func() {
		s.activeMu.Lock()
		delete(s.active, run.ID)
		s.activeMu.Unlock()
		s.inFlight.Add(-1)
		close(a.done)
	}()

	log.Debug("run started", logx.Int("attempt", run.Attempt), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "run.started", Time: start, Data: RunEvent{
			RunID: run.ID, JobID: run.JobID, Attempt: run.Attempt, Started: start, QueueDelay: queueDelay,
		}})
	}

	rc := job.RunContext{
		RunID:       run.ID,
		JobID:       run.JobID,
		Attempt:     run.Attempt,
		Cycle:       run.Cycle,
		Trigger:     string(run.Trigger),
		ScheduledAt: run.ScheduledAt,
		Log:         log,
	}

	ret := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ret <- handlerReturn{pan: p, stack: string(debug.Stack())}
			}
		}()
		res, herr := t.Handler.Run(hctx, rc)
		ret <- handlerReturn{res: res, err: herr}
	}()

	hr, returned := s.await(hctx, cancel, ret, start, qt.timeout, cfg.AbandonGrace)
	var cause error
	if hctx.Err() != nil {
		cause = context.Cause(hctx)
	}
	cancel(nil)
	if !a.settled.CompareAndSwap(false, true) {
		// Stop gave up waiting and already wrote the terminal state.
		log.Debug("handler returned after shutdown finalized the run", logx.Bool("returned", returned))
		return
	}

	state, kind, reason, outErr := classify(hr, returned, cause)
	if hr.pan != nil {
		log.Error("handler panicked", logx.Any("panic", hr.pan), logx.String("stack", hr.stack))
	}
	if !returned {
		s.abandoned.Add(1)
		log.Warn("handler abandoned", logx.Duration("grace", cfg.AbandonGrace), logx.String("cause", reason))
	}
	var res job.Result
	if returned && state == ledger.StateSucceeded {
		res = hr.res
	}
	s.finish(run, state, kind, reason, res, outErr, !returned, log)
}

// await waits for the handler to return, enforcing timeout. Once the run is
// cancelled the handler gets grace to return before it is abandoned.
func (s *Service) await(hctx context.Context, cancel context.CancelCauseFunc, ret <-chan handlerReturn, start time.Time, timeout, grace time.Duration) (handlerReturn, bool) {
	var deadline clock.Timer
	var timeoutC <-chan time.Time
	if timeout > 0 {
		deadline = s.clk.NewTimer(start.Add(timeout))
		timeoutC = deadline.C()
	}

	select {
	case hr := <-ret:
		if deadline != nil {
			deadline.Stop()
		}
		return hr, true
	case <-timeoutC:
		cancel(ErrTimeout)
	case <-hctx.Done():
		if deadline != nil {
			deadline.Stop()
		}
	}

	g := s.clk.NewTimer(s.clk.Now().Add(grace))
	defer g.Stop()
	select {
	case hr := <-ret:
		return hr, true
	case <-g.C():
		return handlerReturn{}, false
	}
}

// classify maps how a handler ended to the run's final state. A cancel cause
// takes precedence over whatever the handler returned.
func classify(hr handlerReturn, returned bool, cause error) (ledger.State, ledger.Kind, string, error) {
	if !returned {
		if errors.Is(cause, ErrTimeout) {
			return ledger.StateFailed, ledger.KindTimeout, "timeout (abandoned)", errors.Wrap(ErrTimeout, "handler did not return within grace")
		}
		return ledger.StateCancelled, ledger.KindAbandoned, reasonFor(cause) + " (abandoned)", errors.Wrapf(ErrAbandoned, "%s", reasonFor(cause))
	}
	if cause != nil {
		switch {
		case errors.Is(cause, ErrTimeout):
			return ledger.StateFailed, ledger.KindTimeout, reasonFor(cause), ErrTimeout
		case errors.Is(cause, ErrReplaced):
			return ledger.StateCancelled, ledger.KindReplaced, reasonFor(cause), ErrReplaced
		default:
			return ledger.StateCancelled, kindFor(cause), reasonFor(cause), cause
		}
	}
	if hr.pan != nil {
		return ledger.StateFailed, ledger.KindPanic, "panic", errors.Wrapf(ErrPanic, "%v", hr.pan)
	}
	if hr.err != nil {
		return ledger.StateFailed, ledger.KindHandler, "handler error", &handlerError{err: hr.err}
	}
	return ledger.StateSucceeded, ledger.KindNone, "", nil
}

// finish writes the terminal state and delivers the outcome.
func (s *Service) finish(run ledger.Run, state ledger.State, kind ledger.Kind, reason string, res job.Result, outErr error, abandoned bool, log logx.Logger) {
	now := s.clk.Now()
	final, err := s.led.Update(s.base, run.ID, ledger.StateRunning, func(r *ledger.Run) error {
		r.State = state
		r.Kind = kind
		r.Reason = reason
		r.FinishedAt = now
		if outErr != nil {
			r.Error = outErr.Error()
		}
		if res != nil {
			r.Result = []byte(res)
		}
		return nil
	})
	s.completed.Add(1)
	if err != nil {
		log.Warn("run finalize failed", logx.Err(err), logx.String("state", string(state)))
		cur, gerr := s.led.Get(s.base, run.ID)
		if gerr != nil {
			cur = run
		}
		s.deliver(Outcome{Run: cur, Stale: true, Err: outErr, Abandoned: abandoned})
		return
	}

	fields := []logx.Field{logx.String("state", string(state)), logx.Duration("took", now.Sub(run.StartedAt))}
	if kind != ledger.KindNone {
		fields = append(fields, logx.String("kind", string(kind)))
	}
	if outErr != nil {
		fields = append(fields, logx.Err(outErr))
	}
	if state == ledger.StateSucceeded {
		log.Debug("run finished", fields...)
	} else {
		log.Info("run finished", fields...)
	}
	s.deliver(Outcome{Run: final, Err: outErr, Abandoned: abandoned})
}

// settleAbandoned finalizes runs whose handlers outlived Stop's deadline so
// the ledger never keeps a running row for a stopped pool.
func (s *Service) settleAbandoned() int {
	s.activeMu.Lock()
	left := make([]*active, 0, len(s.active))
	for _, a := range s.active {
		left = append(left, a)
	}
	s.activeMu.Unlock()

	n := 0
	for _, a := range left {
		if !a.settled.CompareAndSwap(false, true) {
			continue
		}
		s.abandoned.Add(1)
		a.log.Warn("handler abandoned at shutdown", logx.Duration("running", s.clk.Now().Sub(a.started)))
		s.finish(a.run, ledger.StateCancelled, ledger.KindAbandoned, reasonFor(ErrShutdown)+" (abandoned)",
			nil, errors.Wrap(ErrAbandoned, "handler still running at shutdown"), true, a.log)
		n++
	}
	return n
}

// stale reports a task whose run left pending before a worker got to it.
func (s *Service) stale(qt queuedTask, cause error, log logx.Logger) {
	cur, err := s.led.Get(s.base, qt.task.Run.ID)
	if err != nil {
		cur = qt.task.Run
	}
	if !errors.Is(cause, ledger.ErrStateConflict) {
		log.Warn("run start failed", logx.Err(cause))
	} else {
		log.Debug("run no longer pending", logx.String("state", string(cur.State)))
	}
	s.deliver(Outcome{Run: cur, Stale: true, Err: cause})
}

// cancelQueued finalizes a task that never started.
func (s *Service) cancelQueued(qt queuedTask, cause error) {
	now := s.clk.Now()
	reason := reasonFor(cause)
	run, err := s.led.Update(s.base, qt.task.Run.ID, ledger.StatePending, func(r *ledger.Run) error {
		r.State = ledger.StateCancelled
		r.Kind = kindFor(cause)
		r.Reason = reason
		r.FinishedAt = now
		return nil
	})
	if err != nil {
		s.stale(qt, err, s.log.With(logx.String("job", qt.task.Run.JobID), logx.String("run", qt.task.Run.ID)))
		return
	}
	s.deliver(Outcome{Run: run, Err: cause})
}
