package ledger

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound          = errors.New("run not found")
	ErrStateConflict     = errors.New("run state conflict")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrDuplicateRun      = errors.New("duplicate run id")
	ErrOrphanedRun       = errors.New("orphaned by restart")
	ErrClosed            = errors.New("ledger closed")
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Active reports whether a run in s occupies its job (pending or running).
func (s State) Active() bool { return s == StatePending || s == StateRunning }

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one state to another.
// A non-terminal record may be rewritten in place (same state).
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StatePending || to == StateRunning || to == StateSkipped || to == StateCancelled
	case StateRunning:
		return to == StateRunning || to == StateSucceeded || to == StateFailed || to == StateCancelled
	}
	return false
}

// Trigger says what created a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerRetry    Trigger = "retry"
)

// Kind classifies failures, skips and cancellations.
type Kind string

const (
	KindNone                Kind = ""
	KindHandler             Kind = "handler"
	KindTimeout             Kind = "timeout"
	KindPanic               Kind = "panic"
	KindOrphaned            Kind = "orphaned"
	KindDependencyUnmet     Kind = "dependency_unmet"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindCircuitOpen         Kind = "circuit_open"
	KindQueueFull           Kind = "queue_full"
	KindReplaced            Kind = "replaced"
	KindShutdown            Kind = "shutdown"
	KindAbandoned           Kind = "abandoned"
)

// Run is one execution attempt of a job.
type Run struct {
	// Seq is assigned by the ledger on insert and orders runs by creation.
	Seq uint64 `json:"seq"`

	ID      string  `json:"id"`
	JobID   string  `json:"job_id"`
	Cycle   uint64  `json:"cycle"`
	Trigger Trigger `json:"trigger"`

	ScheduledAt time.Time `json:"scheduled_at"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	State   State  `json:"state"`
	Attempt int    `json:"attempt"`
	RetryOf string `json:"retry_of,omitempty"`

	Kind   Kind   `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Result []byte `json:"result,omitempty"`
}

func (r Run) clone() Run {
	if r.Result != nil {
		r.Result = append([]byte(nil), r.Result...)
	}
	return r
}

// Query selects runs. Results are ordered newest first.
type Query struct {
	JobID  string  // empty = every job
	States []State // empty = any state
	Limit  int     // <= 0 = unlimited
}

func (q Query) matches(r Run) bool {
	if q.JobID != "" && r.JobID != q.JobID {
		return false
	}
	if len(q.States) == 0 {
		return true
	}
	for _, s := range q.States {
		if r.State == s {
			return true
		}
	}
	return false
}

func validateInsert(r Run) error {
	if r.ID == "" || r.JobID == "" {
		return errors.New("run id and job id required")
	}
	if r.State != StatePending && r.State != StateSkipped {
		return errors.Wrapf(ErrInvalidTransition, "run %s: insert in state %q", r.ID, r.State)
	}
	if r.Attempt <= 0 {
		return errors.Newf("run %s: attempt must be >= 1", r.ID)
	}
	return nil
}

// applyUpdate runs fn against a copy of cur and checks the result.
func applyUpdate(cur Run, expect State, fn func(*Run) error) (Run, error) {
	if cur.State != expect {
		return Run{}, errors.Wrapf(ErrStateConflict, "run %s: state is %s, expected %s", cur.ID, cur.State, expect)
	}
	next := cur.clone()
	if fn != nil {
		if err := fn(&next); err != nil {
			return Run{}, err
		}
	}
	next.Seq, next.ID, next.JobID = cur.Seq, cur.ID, cur.JobID
	if !CanTransition(cur.State, next.State) {
		return Run{}, errors.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", cur.ID, cur.State, next.State)
	}
	return next, nil
}
