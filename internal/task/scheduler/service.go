package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	rtsup "jobweave/internal/runtime/supervisor"
	"jobweave/internal/task/engine"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/retry"
	logx "jobweave/pkg/logx"
)

// phase is the per-job scheduling state.
type phase int

const (
	phaseIdle phase = iota
	phaseDue
	phaseDispatched
	phaseSkipped
)

func (p phase) String() string {
	switch p {
	case phaseDue:
		return "due"
	case phaseDispatched:
		return "dispatched"
	case phaseSkipped:
		return "skipped"
	default:
		return "idle"
	}
}

type jobState struct {
	def   job.Definition
	spec  job.ParsedSpec
	sched job.Schedule

	next     time.Time // zero = fires only through TriggerNow
	lastFire time.Time
	paused   bool
	phase    phase

	stats       JobStats
	lastTrigger time.Time // last manual trigger that dispatched a run
	lastManual  ledger.Run
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	clk clock.Clock
	bus eventbus.Bus
	ntf Notifier
	loc *time.Location

	reg     *job.Registry
	led     ledger.Ledger
	pool    *engine.Service
	breaker *retry.Breaker
	retries *retry.Queue

	jobs  map[string]*jobState
	order []string
	defs  []job.Definition // registration order, for the resolver

	cycleSeq uint64
	cycles   map[uint64]*cycle
	runCycle map[string]uint64 // run id -> cycle that waits on it
	ready    []*cycle

	outbox []Event

	started  bool
	stopping bool
	lastTick time.Time

	base       context.Context
	baseCancel context.CancelFunc
	sup        *rtsup.Supervisor

	warn warnThrottle
}

// New builds a scheduler. Deps.Ledger is required; a worker pool is created
// from cfg.Engine when Deps.Pool is nil.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Ledger == nil {
		return nil, errors.New("scheduler: ledger required")
	}
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	clk := clock.Or(deps.Clock)

	s := &Service{
		cfg:      cfg,
		log:      log,
		clk:      clk,
		bus:      deps.Bus,
		ntf:      deps.Notifier,
		led:      deps.Ledger,
		pool:     deps.Pool,
		breaker:  retry.NewBreaker(retry.BreakerConfig{TripFailures: cfg.CircuitTripFailures}),
		retries:  retry.NewQueue(),
		jobs:     make(map[string]*jobState),
		cycles:   make(map[uint64]*cycle),
		runCycle: make(map[string]uint64),
		base:     context.Background(),
	}
	s.loc = s.loadLocation()
	s.reg = job.NewRegistry(s.loc)
	if s.pool == nil {
		s.pool = engine.New(cfg.Engine, deps.Ledger, clk, deps.Log, deps.Bus)
	}
	s.pool.OnComplete(s.onComplete)
	return s, nil
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Registry exposes the job registry (read-only use).
func (s *Service) Registry() *job.Registry { return s.reg }

// Pool exposes the worker pool.
func (s *Service) Pool() *engine.Service { return s.pool }

// RegisterJob validates and adds one job. Dependencies must already be
// registered. Registration is only allowed before Start.
func (s *Service) RegisterJob(def job.Definition) error {
	return s.RegisterJobs(def)
}

// RegisterJobs adds a set of jobs atomically, in any order.
func (s *Service) RegisterJobs(defs ...job.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WithHint(ErrAlreadyStarted, "register jobs before Start")
	}
	if err := s.reg.RegisterAll(defs...); err != nil {
		return err
	}
	s.defs = s.reg.All()
	s.order = s.order[:0]
	for _, d := range s.defs {
		s.order = append(s.order, d.ID)
	}
	for _, d := range defs {
		id := strings.TrimSpace(d.ID)
		def, err := s.reg.Get(id)
		if err != nil {
			return err
		}
		sched, spec, err := s.reg.Schedule(id)
		if err != nil {
			return err
		}
		s.jobs[id] = &jobState{def: def, spec: spec, sched: sched}
		s.log.Debug("job registered",
			logx.String("job", id),
			logx.String("schedule", d.Schedule),
			logx.String("kind", spec.Kind.String()),
			logx.String("concurrency", def.Concurrency.String()),
			logx.Int("deps", len(def.DependsOn)),
		)
	}
	return nil
}

// Start recovers the ledger, seeds fire times, starts the pool and the loop.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.base, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	now := s.clk.Now()
	rep, err := ledger.Recover(ctx, s.led, now)
	if err != nil {
		return errors.Wrap(err, "recover ledger")
	}
	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "start worker pool")
	}

	s.mu.Lock()
	if err := s.seedLocked(ctx, now); err != nil {
		s.mu.Unlock()
		_ = s.pool.Stop(ctx)
		return err
	}
	s.applyRecoveryLocked(rep, now)
	s.started = true
	s.sup = rtsup.NewSupervisor(s.base, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.unlockAndFlush()

	sup.GoRestart("scheduler.loop", s.loop, rtsup.WithPublishFirstError(true))

	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("resolution", s.cfg.Resolution),
		logx.Int("jobs", s.reg.Len()),
		logx.Int("orphaned", len(rep.Orphaned)),
		logx.Int("abandoned", len(rep.Abandoned)),
		logx.Int("retries", len(rep.Retries)),
	)
	return nil
}

// seedLocked restores next fire times and the cycle counter from the ledger.
func (s *Service) seedLocked(ctx context.Context, now time.Time) error {
	// Retry successors carry their original cycle, so the newest run is not
	// necessarily the highest one.
	top, err := s.led.MaxCycle(ctx)
	if err != nil {
		return errors.Wrap(err, "read cycle counter")
	}
	s.cycleSeq = top

	for _, def := range s.reg.All() {
		js := s.jobs[def.ID]
		switch js.spec.Kind {
		case job.SpecManual:
			js.next = time.Time{}
		case job.SpecCron:
			js.next = js.sched.Next(now)
		case job.SpecInterval:
			last, err := s.lastScheduled(ctx, def.ID)
			if err != nil {
				return err
			}
			if last.IsZero() {
				js.next = now.Add(js.spec.Every)
				if s.cfg.StartupSpread {
					js.next = js.next.Add(firstFireOffset(def.ID, js.spec.Every))
				}
			} else {
				// A fire missed while down is due on the first tick.
				js.lastFire = last
				js.next = js.sched.Next(last)
			}
		}
		if !js.next.IsZero() {
			s.log.Debug("job armed", logx.String("job", def.ID), logx.Time("next", js.next))
		}
	}
	return nil
}

const seedScanLimit = 50

func (s *Service) lastScheduled(ctx context.Context, jobID string) (time.Time, error) {
	runs, err := s.led.List(ctx, ledger.Query{JobID: jobID, Limit: seedScanLimit})
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "read history of %s", jobID)
	}
	for _, r := range runs {
		if r.Trigger == ledger.TriggerSchedule {
			return r.ScheduledAt, nil
		}
	}
	return time.Time{}, nil
}

// applyRecoveryLocked re-arms retry successors and sends orphans through the
// retry manager.
func (s *Service) applyRecoveryLocked(rep ledger.RecoveryReport, now time.Time) {
	for _, r := range rep.Retries {
		if _, ok := s.jobs[r.JobID]; !ok {
			s.log.Warn("pending retry for unknown job", logx.String("job", r.JobID), logx.String("run", r.ID))
			continue
		}
		s.retries.Schedule(r.ID, r.JobID, r.NotBefore)
	}
	for _, r := range rep.Orphaned {
		s.log.Warn("run orphaned by restart", logx.String("job", r.JobID), logx.String("run", r.ID), logx.Int("attempt", r.Attempt))
		if _, ok := s.jobs[r.JobID]; !ok {
			s.emitLocked(r, ledger.ErrOrphanedRun, true)
			continue
		}
		s.finishedLocked(r, ledger.ErrOrphanedRun, now)
	}
	for _, r := range rep.Abandoned {
		s.emitLocked(r, nil, false)
	}
}

func (s *Service) loop(ctx context.Context) error {
	for {
		t := s.clk.NewTimer(s.clk.Now().Add(s.cfg.Resolution))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
		s.tick(s.clk.Now())
	}
}

// Stop halts the loop, then stops the pool (cancelling running runs with
// cause shutdown and cancelling queued ones). Pending retry successors stay in
// the ledger and re-arm on the next Start.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.clk.Now()
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("stop requested")
	var errs error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "stop loop"))
		}
	}
	if err := s.pool.Stop(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "stop worker pool"))
	}

	s.mu.Lock()
	s.started = false
	s.cycles = make(map[uint64]*cycle)
	s.runCycle = make(map[string]uint64)
	s.ready = nil
	s.retries = retry.NewQueue()
	cancel := s.baseCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.log.Info("scheduler stopped", logx.Duration("took", s.clk.Now().Sub(start)))
	return errs
}

// unlockAndFlush releases s.mu and delivers the events queued while it was
// held, in order.
func (s *Service) unlockAndFlush() {
	evs := s.outbox
	s.outbox = nil
	ctx := s.base
	s.mu.Unlock()

	for _, ev := range evs {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job." + string(ev.State), Time: ev.Time, Data: ev})
		}
		if s.ntf != nil {
			s.ntf.Notify(ctx, ev)
		}
	}
}

// emitLocked queues the event for a terminal run.
func (s *Service) emitLocked(r ledger.Run, cause error, alert bool) {
	ev := Event{
		JobID:   r.JobID,
		RunID:   r.ID,
		Cycle:   r.Cycle,
		Trigger: string(r.Trigger),
		State:   r.State,
		Attempt: r.Attempt,
		Kind:    r.Kind,
		Reason:  r.Reason,
		Error:   r.Error,
		Alert:   alert,
		Time:    r.FinishedAt,
		Err:     cause,
	}
	if ev.Time.IsZero() {
		ev.Time = s.clk.Now()
	}
	if js := s.jobs[r.JobID]; js != nil && r.State.Terminal() {
		js.stats.record(r)
	}
	s.outbox = append(s.outbox, ev)
}
