package engine

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

// Config controls the worker pool.
type Config struct {
	// Workers is the global concurrency ceiling (default GOMAXPROCS).
	Workers int
	// QueueSize bounds the FIFO submission queue (default 256).
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// AbandonGrace is how long a cancelled or timed-out handler gets to
	// return before the pool stops tracking it (default 5s).
	AbandonGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AbandonGrace <= 0 {
		c.AbandonGrace = 5 * time.Second
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// Task is a pending run plus what is needed to execute it. The run must
// already be in the ledger in state pending.
type Task struct {
	Run     ledger.Run
	Handler job.Handler
	Timeout time.Duration

	// Group is the concurrency group key (the job id). Limit is the group
	// ceiling; 0 means only the global ceiling applies.
	Group string
	Limit int
}

// Outcome is delivered once per task the pool finished with.
type Outcome struct {
	// Run is the final ledger record. If the run was no longer pending when
	// a worker picked it up, Run is the current record and Stale is true.
	Run   ledger.Run
	Stale bool
	// Err is nil on success, otherwise the handler error or one of the
	// pool errors (ErrTimeout, ErrReplaced, ErrShutdown, ErrAbandoned).
	Err error
	// Abandoned is set when the handler never returned within the grace.
	Abandoned bool
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int    `json:"workers"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
	InFlight  int    `json:"in_flight"`
	Parked    int    `json:"parked"`
	Completed uint64 `json:"completed"`
	Abandoned uint64 `json:"abandoned"`
	Rejected  uint64 `json:"rejected"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	AbandonGrace   time.Duration `json:"abandon_grace"`

	Running []RunningItem `json:"running"`
}

type RunningItem struct {
	RunID   string    `json:"run_id"`
	JobID   string    `json:"job_id"`
	Started time.Time `json:"started"`
}

// active tracks one executing run. The worker and Stop race to write its
// terminal state; whoever sets settled first does it.
type active struct {
	task    Task
	run     ledger.Run
	log     logx.Logger
	started time.Time
	cancel  context.CancelCauseFunc
	done    chan struct{}
	settled atomic.Bool
}
