package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	"jobweave/internal/task/engine"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	s      *Service
	led    ledger.Ledger
	clk    *clock.Fake
	events chan Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, ledger.NewMemory(), logx.Nop())
}

func newHarnessWith(t *testing.T, cfg Config, led ledger.Ledger, log logx.Logger) *harness {
	t.Helper()
	h := &harness{
		led:    led,
		clk:    clock.NewFake(t0),
		events: make(chan Event, 256),
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	s, err := New(cfg, Deps{
		Ledger:   h.led,
		Clock:    h.clk,
		Log:      log,
		Bus:      eventbus.New(),
		Notifier: NotifierFunc(func(ctx context.Context, ev Event) { h.events <- ev }),
	})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.s.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Start(context.Background()))
}

// tickAt moves the fake clock to at once the loop has armed its timer.
func (h *harness) tickAt(t *testing.T, at time.Time) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clk.BlockUntil(ctx, 1))
	h.clk.Set(at)
	require.Eventually(t, func() bool { return !h.s.Snapshot().LastTick.Before(at) }, 5*time.Second, 2*time.Millisecond)
}

func (h *harness) waitEvent(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func forJob(id string, st ledger.State) func(Event) bool {
	return func(ev Event) bool { return ev.JobID == id && ev.State == st }
}

func succeed(ctx context.Context, rc job.RunContext) (job.Result, error) { return nil, nil }

func TestScenarioA_DependentRunsInSameCycle(t *testing.T) {
	h := newHarness(t, Config{})
	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		mu.Lock()
		order = append(order, rc.JobID)
		mu.Unlock()
		return nil, nil
	}
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "a", Schedule: "10s", Handler: job.HandlerFunc(record)}))
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "b", Schedule: "10s", DependsOn: []string{"a"}, Handler: job.HandlerFunc(record)}))
	h.start(t)

	h.tickAt(t, t0.Add(10*time.Second))
	evA := h.waitEvent(t, forJob("a", ledger.StateSucceeded))
	evB := h.waitEvent(t, forJob("b", ledger.StateSucceeded))

	assert.Equal(t, evA.Cycle, evB.Cycle)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()
}

func TestScenarioA_FailedDependencySkipsDependent(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "a", Schedule: "10s", Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		return nil, errors.New("upstream down")
	})}))
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "b", Schedule: "10s", DependsOn: []string{"a"}, Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		t.Error("b must not run")
		return nil, nil
	})}))
	h.start(t)

	h.tickAt(t, t0.Add(10*time.Second))
	evA := h.waitEvent(t, forJob("a", ledger.StateFailed))
	evB := h.waitEvent(t, forJob("b", ledger.StateSkipped))

	assert.Equal(t, evA.Cycle, evB.Cycle)
	assert.Equal(t, ledger.KindDependencyUnmet, evB.Kind)
	assert.Contains(t, evB.Reason, `"a"`)
	assert.ErrorIs(t, evB.Err, ErrDependencyUnmet)

	runs, err := h.led.List(context.Background(), ledger.Query{JobID: "b"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.StateSkipped, runs[0].State)
	assert.Equal(t, `dependency "a" not satisfied (failed)`, runs[0].Reason)
}

func TestScenarioB_PermanentFailureAlertsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.RegisterJob(job.Definition{
		ID:          "c",
		Schedule:    "10s",
		Concurrency: job.Forbid,
		Retry:       job.RetryPolicy{MaxAttempts: 1},
		Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
			return nil, errors.New("always broken")
		}),
	}))
	h.start(t)

	h.tickAt(t, t0.Add(10*time.Second))
	ev := h.waitEvent(t, forJob("c", ledger.StateFailed))
	assert.True(t, ev.Alert)
	assert.Equal(t, ledger.KindHandler, ev.Kind)
	assert.ErrorIs(t, ev.Err, engine.ErrHandler)

	runs, err := h.led.List(context.Background(), ledger.Query{JobID: "c"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.StateFailed, runs[0].State)
	assert.Equal(t, 0, h.s.Snapshot().PendingRetries)

	select {
	case extra := <-h.events:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForbidNeverRunsTwice(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, h.s.RegisterJob(job.Definition{
		ID:       "f",
		Schedule: "1s",
		Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		}),
	}))
	h.start(t)

	h.tickAt(t, t0.Add(time.Second))
	require.Eventually(t, func() bool { return h.s.Pool().Snapshot().InFlight == 1 }, 5*time.Second, 2*time.Millisecond)
	h.tickAt(t, t0.Add(2*time.Second))
	ev := h.waitEvent(t, forJob("f", ledger.StateSkipped))
	assert.Equal(t, ledger.KindConcurrencyConflict, ev.Kind)
	assert.Equal(t, "already running", ev.Reason)
	assert.ErrorIs(t, ev.Err, ErrConcurrencyConflict)

	running, err := h.led.List(context.Background(), ledger.Query{JobID: "f", States: []ledger.State{ledger.StateRunning}})
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestTriggerNowManualJob(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "m", Schedule: "@manual", Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		assert.Equal(t, "manual", rc.Trigger)
		return job.Result("done"), nil
	})}))
	h.start(t)

	r, err := h.s.TriggerNow(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, ledger.TriggerManual, r.Trigger)
	assert.Equal(t, ledger.StatePending, r.State)

	ev := h.waitEvent(t, forJob("m", ledger.StateSucceeded))
	assert.Equal(t, r.ID, ev.RunID)

	st, err := h.s.JobStatus(context.Background(), "m", 5)
	require.NoError(t, err)
	assert.Equal(t, "manual", st.Job.Kind)
	assert.True(t, st.Job.Next.IsZero())
	require.Len(t, st.Runs, 1)
	assert.Equal(t, ledger.StateSucceeded, st.Runs[0].State)

	_, err = h.s.TriggerNow(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestTriggerNowForbidConflictReturnsSkippedRun(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "m", Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		<-release
		return nil, nil
	})}))
	h.start(t)

	first, err := h.s.TriggerNow(context.Background(), "m")
	require.NoError(t, err)
	require.Equal(t, ledger.StatePending, first.State)

	second, err := h.s.TriggerNow(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSkipped, second.State)
	assert.Equal(t, ledger.KindConcurrencyConflict, second.Kind)
}

func TestTriggerNowChecksLatestDependencyState(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.RegisterJobs(
		job.Definition{ID: "dep", Handler: job.HandlerFunc(succeed)},
		job.Definition{ID: "down", DependsOn: []string{"dep"}, Handler: job.HandlerFunc(succeed)},
	))
	h.start(t)

	r, err := h.s.TriggerNow(context.Background(), "down")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSkipped, r.State)
	assert.Equal(t, `dependency "dep" not satisfied (never ran)`, r.Reason)

	_, err = h.s.TriggerNow(context.Background(), "dep")
	require.NoError(t, err)
	h.waitEvent(t, forJob("dep", ledger.StateSucceeded))

	r, err = h.s.TriggerNow(context.Background(), "down")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, r.State)
	h.waitEvent(t, forJob("down", ledger.StateSucceeded))
}

func TestFailedRunIsRetriedWithBackoff(t *testing.T) {
	h := newHarness(t, Config{})
	var mu sync.Mutex
	calls := 0
	require.NoError(t, h.s.RegisterJob(job.Definition{
		ID:    "r",
		Retry: job.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, Jitter: time.Nanosecond},
		Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("flaky")
			}
			return nil, nil
		}),
	}))
	h.start(t)

	first, err := h.s.TriggerNow(context.Background(), "r")
	require.NoError(t, err)
	failed := h.waitEvent(t, forJob("r", ledger.StateFailed))
	assert.False(t, failed.Alert)

	pending, err := h.led.List(context.Background(), ledger.Query{JobID: "r", States: []ledger.State{ledger.StatePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	succ := pending[0]
	assert.Equal(t, first.ID, succ.RetryOf)
	assert.Equal(t, 2, succ.Attempt)
	assert.Equal(t, ledger.TriggerRetry, succ.Trigger)
	// BaseDelay * Multiplier^attempt for attempt 1.
	assert.GreaterOrEqual(t, succ.NotBefore.Sub(t0), 2*time.Second)

	h.tickAt(t, t0.Add(time.Second))
	h.tickAt(t, t0.Add(3*time.Second))
	ok := h.waitEvent(t, forJob("r", ledger.StateSucceeded))
	assert.Equal(t, succ.ID, ok.RunID)
	assert.Equal(t, 2, ok.Attempt)
}

func TestStartRecoversOrphanedRuns(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	orphan, err := h.led.Insert(ctx, ledger.Run{
		ID: uuid.NewString(), JobID: "o", Cycle: 7, Trigger: ledger.TriggerSchedule,
		ScheduledAt: t0.Add(-time.Minute), State: ledger.StatePending, Attempt: 1,
	})
	require.NoError(t, err)
	_, err = h.led.Update(ctx, orphan.ID, ledger.StatePending, func(r *ledger.Run) error {
		r.State = ledger.StateRunning
		r.StartedAt = t0.Add(-time.Minute)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "o", Schedule: "1h", Handler: job.HandlerFunc(succeed)}))
	h.start(t)

	ev := h.waitEvent(t, forJob("o", ledger.StateFailed))
	assert.Equal(t, ledger.KindOrphaned, ev.Kind)
	assert.Equal(t, ledger.ReasonOrphaned, ev.Reason)
	assert.False(t, ev.Alert)

	got, err := h.led.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, got.State)

	pending, err := h.led.List(ctx, ledger.Query{JobID: "o", States: []ledger.State{ledger.StatePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, orphan.ID, pending[0].RetryOf)
	assert.Equal(t, 1, h.s.Snapshot().PendingRetries)

	// Interval jobs resume from their last scheduled run.
	info := h.s.Jobs()[0]
	assert.Equal(t, t0.Add(-time.Minute).Add(time.Hour), info.Next)
}

func TestPausedJobIsNotScheduled(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "p", Schedule: "1s", Handler: job.HandlerFunc(succeed)}))
	h.start(t)
	require.NoError(t, h.s.Pause("p"))
	assert.True(t, h.s.Paused("p"))

	h.tickAt(t, t0.Add(time.Second))
	runs, err := h.led.List(context.Background(), ledger.Query{JobID: "p"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, h.s.Resume("p"))
	h.tickAt(t, t0.Add(2*time.Second))
	h.waitEvent(t, forJob("p", ledger.StateSucceeded))

	assert.ErrorIs(t, h.s.Pause("nope"), job.ErrNotFound)
}

func TestIntervalResumesFromLedger(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.led.Insert(context.Background(), ledger.Run{
		ID: uuid.NewString(), JobID: "i", Cycle: 3, Trigger: ledger.TriggerSchedule,
		ScheduledAt: t0.Add(-4 * time.Second), State: ledger.StateSkipped, Attempt: 1,
	})
	require.NoError(t, err)
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "i", Schedule: "10s", Handler: job.HandlerFunc(succeed)}))
	h.start(t)

	jobs := h.s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, t0.Add(6*time.Second), jobs[0].Next)

	h.tickAt(t, t0.Add(6*time.Second))
	ev := h.waitEvent(t, forJob("i", ledger.StateSucceeded))
	assert.Equal(t, uint64(4), ev.Cycle)
}

func TestRegisterRejectsCyclesAndLateRegistration(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.s.RegisterJobs(
		job.Definition{ID: "x", DependsOn: []string{"y"}, Handler: job.HandlerFunc(succeed)},
		job.Definition{ID: "y", DependsOn: []string{"x"}, Handler: job.HandlerFunc(succeed)},
	)
	require.ErrorIs(t, err, job.ErrCyclicDependency)
	assert.Empty(t, h.s.Jobs())

	h.start(t)
	err = h.s.RegisterJob(job.Definition{ID: "late", Handler: job.HandlerFunc(succeed)})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestReplaceCancelsRunningRun(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan string, 4)
	var calls atomic.Int32
	require.NoError(t, h.s.RegisterJob(job.Definition{
		ID:          "rep",
		Concurrency: job.Replace,
		Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
			started <- rc.RunID
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		}),
	}))
	h.start(t)

	first, err := h.s.TriggerNow(context.Background(), "rep")
	require.NoError(t, err)
	select {
	case id := <-started:
		require.Equal(t, first.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start")
	}

	second, err := h.s.TriggerNow(context.Background(), "rep")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	ev := h.waitEvent(t, func(ev Event) bool { return ev.RunID == first.ID })
	assert.Equal(t, ledger.StateCancelled, ev.State)
	assert.Equal(t, ledger.KindReplaced, ev.Kind)

	select {
	case id := <-started:
		assert.Equal(t, second.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("replacement did not start")
	}
}

func TestStopLeavesRetriesPending(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.RegisterJob(job.Definition{
		ID: "s",
		Handler: job.HandlerFunc(func(ctx context.Context, rc job.RunContext) (job.Result, error) {
			return nil, errors.New("nope")
		}),
	}))
	h.start(t)
	_, err := h.s.TriggerNow(context.Background(), "s")
	require.NoError(t, err)
	h.waitEvent(t, forJob("s", ledger.StateFailed))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Stop(ctx))

	pending, err := h.led.List(context.Background(), ledger.Query{JobID: "s", States: []ledger.State{ledger.StatePending}})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = h.s.TriggerNow(context.Background(), "s")
	assert.ErrorIs(t, err, ErrStopped)
}
