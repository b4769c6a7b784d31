package scheduler

import (
	"context"
	"time"

	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	"jobweave/internal/runtime/supervisor"
	"jobweave/internal/task/engine"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

// Config controls the scheduler loop.
type Config struct {
	// Resolution is the tick period (default 1s).
	Resolution time.Duration
	// Timezone is an IANA name for cron evaluation (empty = Local).
	Timezone string
	// StatusLimit caps JobStatus history when n <= 0 (default 20).
	StatusLimit int
	// ReplaceGrace bounds how long a Replace dispatch waits for the runs it
	// cancelled to finish (default 5s).
	ReplaceGrace time.Duration
	// CircuitTripFailures is the default breaker threshold (0 = 5, < 0 = off).
	CircuitTripFailures int
	// StartupSpread delays the first fire of interval jobs with no history
	// by a fixed per-job offset hashed from the job id, below
	// min(interval, 30s). Jobs that depend on each other get different
	// offsets, so a dependent whose first tick comes before its
	// dependency's first run is skipped with "never ran" once.
	StartupSpread bool
	// Retry fills zero fields of every job's retry policy.
	Retry job.RetryPolicy
	// Engine configures the worker pool when Deps.Pool is nil.
	Engine engine.Config
}

func (c Config) withDefaults() Config {
	if c.Resolution <= 0 {
		c.Resolution = time.Second
	}
	if c.StatusLimit <= 0 {
		c.StatusLimit = 20
	}
	if c.ReplaceGrace <= 0 {
		c.ReplaceGrace = 5 * time.Second
	}
	c.Retry = c.Retry.WithDefaults(job.DefaultRetryPolicy())
	return c
}

// Deps are the collaborators of a Service. Ledger is required.
type Deps struct {
	Ledger   ledger.Ledger
	Pool     *engine.Service
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Notifier Notifier
}

// Event is emitted on every terminal run state.
type Event struct {
	JobID   string       `json:"job_id"`
	RunID   string       `json:"run_id"`
	Cycle   uint64       `json:"cycle"`
	Trigger string       `json:"trigger"`
	State   ledger.State `json:"state"`
	Attempt int          `json:"attempt"`
	Kind    ledger.Kind  `json:"kind,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Error   string       `json:"error,omitempty"`
	// Alert is set when a failed run will not be retried.
	Alert bool      `json:"alert,omitempty"`
	Time  time.Time `json:"time"`

	// Err is the classified cause (handler error, engine.ErrTimeout,
	// ErrDependencyUnmet, ...). Not serialized.
	Err error `json:"-"`
}

// Notifier receives run events. Notify must not block for long; it is called
// from scheduler and worker goroutines.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// JobInfo summarizes one registered job.
type JobInfo struct {
	ID          string        `json:"id"`
	Schedule    string        `json:"schedule"`
	Kind        string        `json:"kind"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Concurrency string        `json:"concurrency"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	MaxAttempts int           `json:"max_attempts"`
	Paused      bool          `json:"paused"`
	Next        time.Time     `json:"next,omitempty"`
	LastFire    time.Time     `json:"last_fire,omitempty"`
	CircuitOpen time.Time     `json:"circuit_open_until,omitempty"`
	Phase       string        `json:"phase"`
	Stats       JobStats      `json:"stats"`

	TriggerCooldown time.Duration `json:"trigger_cooldown,omitempty"`
}

// RunSummary is the dashboard view of a run.
type RunSummary struct {
	ID          string         `json:"id"`
	Cycle       uint64         `json:"cycle"`
	Trigger     ledger.Trigger `json:"trigger"`
	State       ledger.State   `json:"state"`
	Attempt     int            `json:"attempt"`
	Kind        ledger.Kind    `json:"kind,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
}

// Summarize converts a ledger record.
func Summarize(r ledger.Run) RunSummary {
	s := RunSummary{
		ID:          r.ID,
		Cycle:       r.Cycle,
		Trigger:     r.Trigger,
		State:       r.State,
		Attempt:     r.Attempt,
		Kind:        r.Kind,
		Reason:      r.Reason,
		Error:       r.Error,
		ScheduledAt: r.ScheduledAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		s.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
	return s
}

// Status is returned by JobStatus.
type Status struct {
	Job  JobInfo      `json:"job"`
	Runs []RunSummary `json:"runs"`
}

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	Started        bool                          `json:"started"`
	Timezone       string                        `json:"timezone"`
	Resolution     time.Duration                 `json:"resolution"`
	LastTick       time.Time                     `json:"last_tick,omitempty"`
	Jobs           int                           `json:"jobs"`
	Paused         int                           `json:"paused"`
	OpenCycles     int                           `json:"open_cycles"`
	PendingRetries int                           `json:"pending_retries"`
	Circuits       int                           `json:"circuits"`
	CircuitsOpen   int                           `json:"circuits_open"`
	Pool           engine.Snapshot               `json:"pool"`
	Stats          JobStats                      `json:"stats"`
	Supervisor     supervisor.SupervisorSnapshot `json:"supervisor"`
}
