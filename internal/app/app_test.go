package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobweave/internal/config"
	"jobweave/internal/handlers"
	"jobweave/internal/notifier"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/retry"
	"jobweave/internal/task/scheduler"
)

const pipelineConfig = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "ledger": {"driver": "memory"},
  "retry": {"max_attempts": 1},
  "jobs": [
    {"id": "extract", "schedule": "@manual", "kind": "noop", "params": {"message": "rows=3"}},
    {"id": "load", "schedule": "@manual", "depends_on": ["extract"], "kind": "noop"},
    {"id": "broken", "schedule": "@manual", "kind": "fail"},
    {"id": "nightly", "schedule": "02:30", "kind": "noop", "enabled": false}
  ]
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jobweave.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func failRegistry() *handlers.Registry {
	reg := handlers.Default()
	reg.Register("fail", func(json.RawMessage, handlers.Env) (job.Handler, error) {
		return job.HandlerFunc(func(context.Context, job.RunContext) (job.Result, error) {
			return nil, retry.NoRetry(errors.New("disk full"))
		}), nil
	})
	return reg
}

func startApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithoutWatch(), WithHandlers(failRegistry(), handlers.Env{})}, opts...)
	a, err := NewApp(writeConfig(t, pipelineConfig), opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func waitTerminal(t *testing.T, a *App, jobID string) scheduler.RunSummary {
	t.Helper()
	var last scheduler.RunSummary
	require.Eventually(t, func() bool {
		st, err := a.Scheduler().JobStatus(context.Background(), jobID, 1)
		if err != nil || len(st.Runs) == 0 {
			return false
		}
		last = st.Runs[0]
		return last.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestAppRunsConfiguredJobs(t *testing.T) {
	a := startApp(t)

	run, err := a.Scheduler().TriggerNow(context.Background(), "extract")
	require.NoError(t, err)
	assert.Equal(t, "extract", run.JobID)

	got := waitTerminal(t, a, "extract")
	assert.Equal(t, ledger.StateSucceeded, got.State)

	jobs := a.Scheduler().Jobs()
	require.Len(t, jobs, 4)
	assert.True(t, a.Scheduler().Paused("nightly"), "disabled jobs start paused")
	assert.False(t, a.Scheduler().Paused("extract"))
}

func TestAppAlertsReachSinks(t *testing.T) {
	got := make(chan notifier.Message, 4)
	a := startApp(t, WithSinks(notifier.SinkFunc{ID: "record", Fn: func(_ context.Context, m notifier.Message) error {
		got <- m
		return nil
	}}))

	_, err := a.Scheduler().TriggerNow(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, waitTerminal(t, a, "broken").State)

	select {
	case m := <-got:
		assert.Equal(t, "broken", m.JobID)
		assert.True(t, m.Alert)
		assert.Contains(t, m.Detail, "disk full")
	case <-time.After(5 * time.Second):
		t.Fatal("alert was not delivered")
	}
}

func TestAppAppliesEnabledFlags(t *testing.T) {
	a := startApp(t)
	oldCfg := a.cfgm.Get()

	newCfg, err := config.ParseBytes("jobweave.json", []byte(pipelineConfig))
	require.NoError(t, err)
	on, off := true, false
	for i := range newCfg.Jobs {
		switch newCfg.Jobs[i].ID {
		case "nightly":
			newCfg.Jobs[i].Enabled = &on
		case "extract":
			newCfg.Jobs[i].Enabled = &off
		}
	}

	a.applyConfig(oldCfg, newCfg)
	assert.False(t, a.Scheduler().Paused("nightly"))
	assert.True(t, a.Scheduler().Paused("extract"))
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, `{"jobs": [{"id": "a", "kind": "noop", "depends_on": ["a"]}]}`), WithoutWatch())
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestStopWithoutStartClosesLedger(t *testing.T) {
	a, err := NewApp(writeConfig(t, `{"ledger": {"driver": "memory"}}`), WithoutWatch())
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
}

func TestStopSettlesHandlerThatIgnoresCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)

	reg := handlers.Default()
	reg.Register("hang", func(json.RawMessage, handlers.Env) (job.Handler, error) {
		return job.HandlerFunc(func(context.Context, job.RunContext) (job.Result, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		}), nil
	})
	body := `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "ledger": {"driver": "memory"},
  "engine": {"abandon_grace": "1h"},
  "jobs": [{"id": "hang", "schedule": "@manual", "kind": "hang"}]
}`
	a, err := NewApp(writeConfig(t, body), WithoutWatch(), WithHandlers(reg, handlers.Env{}))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, time.Hour+abandonMargin, a.schedulerStopBudget())

	events, unsubscribe := a.Bus().Subscribe(32)
	defer unsubscribe()

	_, err = a.Scheduler().TriggerNow(context.Background(), "hang")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	var final *scheduler.Event
	for final == nil {
		select {
		case e := <-events:
			if ev, ok := e.Data.(scheduler.Event); ok && ev.JobID == "hang" {
				final = &ev
			}
		default:
			t.Fatal("no terminal event for the hung run before Stop returned")
		}
	}
	assert.Equal(t, ledger.StateCancelled, final.State)
	assert.Equal(t, ledger.KindAbandoned, final.Kind)
}

func TestSchedulerStopBudgetHasFloor(t *testing.T) {
	a := startApp(t)
	assert.Equal(t, schedulerStopFloor, a.schedulerStopBudget())
}
