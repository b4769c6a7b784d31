package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	rtsup "jobweave/internal/runtime/supervisor"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the bounded worker pool. Handlers run on Workers goroutines fed
// by a FIFO queue; completion is reported through the OnComplete callback.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock
	led ledger.Ledger

	onComplete func(Outcome)

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping atomic.Bool

	// Handler contexts derive from base, not from the worker context, so
	// restarting a worker never cancels a running handler.
	base       context.Context
	baseCancel context.CancelFunc

	activeMu sync.Mutex
	active   map[string]*active

	groups groupStore

	inFlight  atomic.Int32
	completed atomic.Uint64
	abandoned atomic.Uint64
	rejected  atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, led ledger.Ledger, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "engine")),
		bus:    bus,
		clk:    clock.Or(clk),
		led:    led,
		active: make(map[string]*active),
	}
}

// OnComplete sets the completion callback. It must be set before Start and
// must not block for long: it runs on the worker goroutine.
func (s *Service) OnComplete(fn func(Outcome)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// Supervisor returns the pool's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	if s.led == nil {
		return errors.New("worker pool: ledger required")
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping.Store(false)
	s.base, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// worker failures should not hard-kill the app; they restart.
		rtsup.WithCancelOnError(false),
	)

	stopCh, queue, sup := s.stopCh, s.q, s.sup
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Duration("abandon_grace", cfg.AbandonGrace))
	return nil
}

// Submit enqueues a task without blocking. It fails with ErrQueueFull when the
// queue is at capacity and ErrStopped when the pool is not running.
func (s *Service) Submit(t Task) error {
	if t.Handler == nil {
		return errors.Newf("run %s: handler is nil", t.Run.ID)
	}
	if strings.TrimSpace(t.Run.ID) == "" {
		return errors.New("task run id is required")
	}

	s.mu.Lock()
	q := s.q
	cfg := s.cfg
	s.mu.Unlock()
	if q == nil || s.stopping.Load() {
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	now := s.clk.Now()
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout}

	select {
	case q <- qt:
		return nil
	default:
		s.rejected.Add(1)
		if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
			s.log.Warn("run rejected: queue full",
				logx.String("job", t.Run.JobID),
				logx.String("run", t.Run.ID),
				logx.Int("queue_cap", cap(q)),
				logx.Uint64("rejected", s.rejected.Load()),
			)
		}
		return errors.Wrapf(ErrQueueFull, "run %s", t.Run.ID)
	}
}

// Cancel asks a running handler to stop, recording cause as the reason. It
// reports whether runID was running in this pool.
func (s *Service) Cancel(runID string, cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	s.activeMu.Lock()
	a := s.active[runID]
	s.activeMu.Unlock()
	if a == nil {
		return false
	}
	a.cancel(cause)
	return true
}

// Wait blocks until runID is no longer executing in this pool, or ctx ends.
// A run that is not executing returns immediately.
func (s *Service) Wait(ctx context.Context, runID string) error {
	s.activeMu.Lock()
	a := s.active[runID]
	s.activeMu.Unlock()
	if a == nil {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether runID is executing.
func (s *Service) Running(runID string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// Stop cancels all running handlers with ErrShutdown, waits for the workers
// (bounded by ctx), then cancels every task still queued.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping.Load() {
		s.mu.Unlock()
		return nil
	}
	sup, q, baseCancel := s.sup, s.q, s.baseCancel
	s.activeMu.Lock()
	s.stopping.Store(true)
	close(s.stopCh)
	for _, a := range s.active {
		a.cancel(ErrShutdown)
	}
	s.activeMu.Unlock()
	s.mu.Unlock()

	// Workers return once the run they hold is finalized.
	err := sup.Stop(ctx)
	if err != nil && ctx.Err() == nil {
		// A published worker failure is not a stop failure.
		err = nil
	}

	// Cancel what never started.
	for drained := false; !drained; {
		select {
		case qt := <-q:
			s.cancelQueued(qt, ErrShutdown)
		default:
			drained = true
		}
	}
	for _, qt := range s.groups.drainParked() {
		s.cancelQueued(qt, ErrShutdown)
	}

	if err != nil {
		settled := s.settleAbandoned()
		s.log.Warn("worker pool stop timed out", logx.Err(err),
			logx.Int("in_flight", int(s.inFlight.Load())), logx.Int("settled", settled))
		return err
	}
	baseCancel()
	s.log.Info("worker pool stopped", logx.Uint64("completed", s.completed.Load()), logx.Uint64("abandoned", s.abandoned.Load()))
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.activeMu.Lock()
	running := make([]RunningItem, 0, len(s.active))
	for id, a := range s.active {
		running = append(running, RunningItem{RunID: id, JobID: a.task.Run.JobID, Started: a.started})
	}
	s.activeMu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i].Started.Before(running[j].Started) })

	return Snapshot{
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(s.inFlight.Load()),
		Parked:         s.groups.parkedCount(),
		Completed:      s.completed.Load(),
		Abandoned:      s.abandoned.Load(),
		Rejected:       s.rejected.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		AbandonGrace:   cfg.AbandonGrace,
		Running:        running,
	}
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) deliver(out Outcome) {
	s.mu.Lock()
	fn := s.onComplete
	s.mu.Unlock()
	if fn != nil {
		fn(out)
	}
}
