package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

type panicSchedule struct{}

func (panicSchedule) Kind() job.SpecKind       { return job.SpecInterval }
func (panicSchedule) Next(time.Time) time.Time { panic("corrupt schedule") }

func TestPanickingScheduleDoesNotStopOtherJobs(t *testing.T) {
	h := newHarness(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.s.RegisterJob(job.Definition{ID: id, Schedule: "10s", Handler: job.HandlerFunc(succeed)}))
	}
	h.start(t)

	h.s.mu.Lock()
	h.s.jobs["b"].sched = panicSchedule{}
	h.s.mu.Unlock()

	h.tickAt(t, t0.Add(10*time.Second))
	evA := h.waitEvent(t, forJob("a", ledger.StateSucceeded))
	evC := h.waitEvent(t, forJob("c", ledger.StateSucceeded))
	assert.Equal(t, evA.Cycle, evC.Cycle)

	// The loop survives and keeps firing the healthy jobs.
	h.tickAt(t, t0.Add(20*time.Second))
	h.waitEvent(t, forJob("a", ledger.StateSucceeded))
	h.waitEvent(t, forJob("c", ledger.StateSucceeded))

	runs, err := h.led.List(context.Background(), ledger.Query{JobID: "b"})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.True(t, h.s.Snapshot().Started)
}

// skipRejectingLedger fails every insert of a skipped run.
type skipRejectingLedger struct {
	ledger.Ledger
}

func (l skipRejectingLedger) Insert(ctx context.Context, r ledger.Run) (ledger.Run, error) {
	if r.State == ledger.StateSkipped {
		return ledger.Run{}, errors.New("disk full")
	}
	return l.Ledger.Insert(ctx, r)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDependencySkipInsertFailureIsLogged(t *testing.T) {
	var out lockedBuffer
	h := newHarnessWith(t, Config{}, skipRejectingLedger{Ledger: ledger.NewMemory()}, logx.NewWriter(&out, "debug"))
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "a", Schedule: "10s", Handler: job.HandlerFunc(func(context.Context, job.RunContext) (job.Result, error) {
		return nil, errors.New("upstream down")
	})}))
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "b", Schedule: "10s", DependsOn: []string{"a"}, Handler: job.HandlerFunc(succeed)}))
	h.start(t)

	h.tickAt(t, t0.Add(10*time.Second))
	h.waitEvent(t, forJob("a", ledger.StateFailed))
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("dependency skip not recorded"))
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), `"job":"b"`)
	assert.Contains(t, out.String(), "disk full")
}

func TestStartupSpreadSkipsDependentThatTicksFirst(t *testing.T) {
	const every = 10 * time.Second
	// Find a pair where the dependent's offset lands before its dependency's.
	var dep, child string
	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		ids = append(ids, fmt.Sprintf("job%d", i))
	}
	for _, d := range ids {
		for _, c := range ids {
			if firstFireOffset(c, every) < firstFireOffset(d, every) {
				dep, child = d, c
				break
			}
		}
		if dep != "" {
			break
		}
	}
	require.NotEmpty(t, dep)

	h := newHarness(t, Config{StartupSpread: true})
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: dep, Schedule: "10s", Handler: job.HandlerFunc(succeed)}))
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: child, Schedule: "10s", DependsOn: []string{dep}, Handler: job.HandlerFunc(succeed)}))
	h.start(t)

	h.tickAt(t, t0.Add(every+firstFireOffset(child, every)))
	ev := h.waitEvent(t, forJob(child, ledger.StateSkipped))
	assert.Equal(t, ledger.KindDependencyUnmet, ev.Kind)
	assert.Contains(t, ev.Reason, "never ran")
}

func TestCycleCounterResumesFromHighestCycle(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	// The newest row is a retry successor that kept its original cycle.
	for _, c := range []uint64{9, 4} {
		_, err := h.led.Insert(ctx, ledger.Run{
			ID: fmt.Sprintf("old-%d", c), JobID: "m", Cycle: c, Trigger: ledger.TriggerRetry,
			ScheduledAt: t0.Add(-time.Minute), State: ledger.StateSkipped, Attempt: 2,
		})
		require.NoError(t, err)
	}
	require.NoError(t, h.s.RegisterJob(job.Definition{ID: "m", Schedule: "@manual", Handler: job.HandlerFunc(succeed)}))
	h.start(t)

	r, err := h.s.TriggerNow(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.Cycle)
}
