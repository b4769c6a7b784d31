package engine

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	pool *Service
	led  ledger.Ledger
	clk  *clock.Fake
	out  chan Outcome
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		led: ledger.NewMemory(),
		clk: clock.NewFake(t0),
		out: make(chan Outcome, 64),
	}
	h.pool = New(cfg, h.led, h.clk, logx.Nop(), eventbus.New())
	h.pool.OnComplete(func(o Outcome) { h.out <- o })
	require.NoError(t, h.pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.pool.Stop(ctx)
		_ = h.led.Close()
	})
	return h
}

func (h *harness) task(t *testing.T, jobID string, fn job.HandlerFunc) Task {
	t.Helper()
	run, err := h.led.Insert(context.Background(), ledger.Run{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Cycle:       1,
		Trigger:     ledger.TriggerSchedule,
		ScheduledAt: h.clk.Now(),
		State:       ledger.StatePending,
		Attempt:     1,
	})
	require.NoError(t, err)
	task := Task{Run: run, Group: jobID}
	if fn != nil {
		task.Handler = fn
	}
	return task
}

func (h *harness) outcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.out:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func TestPoolRecordsSuccess(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	task := h.task(t, "a", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		assert.Equal(t, "a", rc.JobID)
		assert.Equal(t, 1, rc.Attempt)
		return job.Result("ok"), nil
	})
	require.NoError(t, h.pool.Submit(task))

	o := h.outcome(t)
	require.NoError(t, o.Err)
	assert.False(t, o.Stale)
	assert.Equal(t, ledger.StateSucceeded, o.Run.State)
	assert.Equal(t, []byte("ok"), o.Run.Result)
	assert.Equal(t, t0, o.Run.StartedAt)

	got, err := h.led.Get(context.Background(), task.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSucceeded, got.State)
}

func TestPoolCapsGlobalConcurrency(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	started := make(chan string, 3)
	release := make(chan struct{})
	var peak, cur atomic.Int32
	block := func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- rc.JobID
		<-release
		cur.Add(-1)
		return nil, nil
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.pool.Submit(h.task(t, id, block)))
	}

	waitFor(t, started)
	waitFor(t, started)
	require.Eventually(t, func() bool { return h.pool.Snapshot().InFlight == 2 }, 2*time.Second, 5*time.Millisecond)
	select {
	case id := <-started:
		t.Fatalf("job %s started while the pool was full", id)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, h.pool.Snapshot().QueueLen)

	close(release)
	for i := 0; i < 3; i++ {
		assert.Equal(t, ledger.StateSucceeded, h.outcome(t).Run.State)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestPoolGroupLimitParksTasks(t *testing.T) {
	h := newHarness(t, Config{Workers: 3})
	started := make(chan string, 2)
	release := make(chan struct{})
	fn := func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		started <- rc.RunID
		<-release
		return nil, nil
	}
	first := h.task(t, "g", fn)
	first.Limit = 1
	second := h.task(t, "g", fn)
	second.Limit = 1
	require.NoError(t, h.pool.Submit(first))
	assert.Equal(t, first.Run.ID, waitFor(t, started))
	require.NoError(t, h.pool.Submit(second))

	require.Eventually(t, func() bool { return h.pool.Snapshot().Parked == 1 }, 2*time.Second, 5*time.Millisecond)
	release <- struct{}{}
	assert.Equal(t, first.Run.ID, h.outcome(t).Run.ID)
	assert.Equal(t, second.Run.ID, waitFor(t, started))
	close(release)
	assert.Equal(t, second.Run.ID, h.outcome(t).Run.ID)
}

func TestPoolTimeout(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	task := h.task(t, "slow", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	task.Timeout = 10 * time.Second
	require.NoError(t, h.pool.Submit(task))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clk.BlockUntil(ctx, 1))
	h.clk.Advance(10 * time.Second)

	o := h.outcome(t)
	assert.Equal(t, ledger.StateFailed, o.Run.State)
	assert.Equal(t, ledger.KindTimeout, o.Run.Kind)
	assert.Equal(t, "timeout", o.Run.Reason)
	assert.False(t, o.Abandoned)
	assert.ErrorIs(t, o.Err, ErrTimeout)
}

func TestPoolAbandonsStuckHandler(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, AbandonGrace: 2 * time.Second})
	stuck := make(chan struct{})
	defer close(stuck)
	task := h.task(t, "stuck", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		<-stuck
		return nil, nil
	})
	task.Timeout = time.Second
	require.NoError(t, h.pool.Submit(task))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clk.BlockUntil(ctx, 1))
	h.clk.Advance(time.Second)
	require.NoError(t, h.clk.BlockUntil(ctx, 1))
	h.clk.Advance(2 * time.Second)

	o := h.outcome(t)
	assert.True(t, o.Abandoned)
	assert.Equal(t, ledger.StateFailed, o.Run.State)
	assert.Equal(t, ledger.KindTimeout, o.Run.Kind)
	assert.ErrorIs(t, o.Err, ErrTimeout)
	assert.Equal(t, uint64(1), h.pool.Snapshot().Abandoned)
	assert.False(t, h.pool.Running(task.Run.ID))
}

func TestPoolRecoversPanic(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	require.NoError(t, h.pool.Submit(h.task(t, "boom", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		panic("kaboom")
	})))

	o := h.outcome(t)
	assert.Equal(t, ledger.StateFailed, o.Run.State)
	assert.Equal(t, ledger.KindPanic, o.Run.Kind)
	assert.ErrorIs(t, o.Err, ErrPanic)
	assert.Contains(t, o.Run.Error, "kaboom")

	// The worker survives and keeps serving.
	require.NoError(t, h.pool.Submit(h.task(t, "after", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		return nil, nil
	})))
	assert.Equal(t, ledger.StateSucceeded, h.outcome(t).Run.State)
}

func TestPoolHandlerError(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	errDisk := errors.New("disk full")
	require.NoError(t, h.pool.Submit(h.task(t, "a", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		return job.Result("partial"), errDisk
	})))

	o := h.outcome(t)
	assert.Equal(t, ledger.StateFailed, o.Run.State)
	assert.Equal(t, ledger.KindHandler, o.Run.Kind)
	assert.Equal(t, "disk full", o.Run.Error)
	assert.Nil(t, o.Run.Result)
	assert.ErrorIs(t, o.Err, ErrHandler)
	assert.ErrorIs(t, o.Err, errDisk)
}

func TestPoolCancelRunningWithReplace(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	started := make(chan string, 1)
	task := h.task(t, "r", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		started <- rc.RunID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, h.pool.Submit(task))
	waitFor(t, started)

	require.True(t, h.pool.Cancel(task.Run.ID, ErrReplaced))
	o := h.outcome(t)
	assert.Equal(t, ledger.StateCancelled, o.Run.State)
	assert.Equal(t, ledger.KindReplaced, o.Run.Kind)
	assert.ErrorIs(t, o.Err, ErrReplaced)

	require.NoError(t, h.pool.Wait(context.Background(), task.Run.ID))
	assert.False(t, h.pool.Cancel(task.Run.ID, ErrReplaced))
}

func TestPoolReportsStaleRun(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	task := h.task(t, "a", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		t.Error("handler must not run")
		return nil, nil
	})
	_, err := h.led.Update(context.Background(), task.Run.ID, ledger.StatePending, func(r *ledger.Run) error {
		r.State = ledger.StateCancelled
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.pool.Submit(task))

	o := h.outcome(t)
	assert.True(t, o.Stale)
	assert.Equal(t, ledger.StateCancelled, o.Run.State)
	assert.ErrorIs(t, o.Err, ledger.ErrStateConflict)
}

func TestPoolQueueFull(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		started <- rc.RunID
		<-release
		return nil, nil
	}
	require.NoError(t, h.pool.Submit(h.task(t, "a", block)))
	waitFor(t, started)
	require.NoError(t, h.pool.Submit(h.task(t, "b", block)))

	err := h.pool.Submit(h.task(t, "c", block))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), h.pool.Snapshot().Rejected)
}

func TestPoolStopCancelsRunningAndQueued(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	started := make(chan string, 1)
	running := h.task(t, "a", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		started <- rc.RunID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, h.pool.Submit(running))
	waitFor(t, started)

	queued := h.task(t, "b", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		t.Error("queued handler must not run")
		return nil, nil
	})
	require.NoError(t, h.pool.Submit(queued))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Stop(ctx))

	byID := map[string]Outcome{}
	for i := 0; i < 2; i++ {
		o := h.outcome(t)
		byID[o.Run.ID] = o
	}
	for _, id := range []string{running.Run.ID, queued.Run.ID} {
		o, ok := byID[id]
		require.True(t, ok)
		assert.Equal(t, ledger.StateCancelled, o.Run.State)
		assert.Equal(t, ledger.KindShutdown, o.Run.Kind)
		assert.Equal(t, "shutdown", o.Run.Reason)
	}

	assert.ErrorIs(t, h.pool.Submit(h.task(t, "c", nil)), ErrStopped)
}

func TestPoolStopSettlesHandlerPastDeadline(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, AbandonGrace: time.Hour})
	stuck := make(chan struct{})
	defer close(stuck)
	started := make(chan string, 1)
	task := h.task(t, "stuck", func(ctx context.Context, rc job.RunContext) (job.Result, error) {
		started <- rc.RunID
		<-stuck
		return nil, nil
	})
	require.NoError(t, h.pool.Submit(task))
	waitFor(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.pool.Stop(ctx), context.DeadlineExceeded)

	got, err := h.led.Get(context.Background(), task.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCancelled, got.State)
	assert.Equal(t, ledger.KindAbandoned, got.Kind)
	assert.Equal(t, "shutdown (abandoned)", got.Reason)

	o := h.outcome(t)
	assert.True(t, o.Abandoned)
	assert.Equal(t, task.Run.ID, o.Run.ID)
	assert.ErrorIs(t, o.Err, ErrAbandoned)
	assert.Equal(t, uint64(1), h.pool.Snapshot().Abandoned)
}

func TestSubmitRejectsNilHandler(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	task := h.task(t, "a", nil)
	assert.Error(t, h.pool.Submit(task))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{DefaultTimeout: -time.Second}.withDefaults()
	assert.Equal(t, runtime.GOMAXPROCS(0), c.Workers)
	assert.Equal(t, 256, c.QueueSize)
	assert.Equal(t, 5*time.Second, c.AbandonGrace)
	assert.Zero(t, c.DefaultTimeout)

	c = Config{Workers: 3, QueueSize: 8}.withDefaults()
	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, 8, c.QueueSize)
}
