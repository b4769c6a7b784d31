package scheduler

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"jobweave/internal/task/ledger"
)

var (
	// ErrDependencyUnmet is attached to events for runs skipped because a
	// prerequisite did not succeed. It is a skip, not a failure.
	ErrDependencyUnmet = errors.New("dependency unmet")
	// ErrConcurrencyConflict is attached to events for runs skipped because
	// a Forbid job already had an active run.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrCircuitOpen is attached to events for scheduled runs skipped while
	// the job's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")

	ErrNotStarted     = errors.New("scheduler not started")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")

	// ErrCoolingDown matches the *CooldownError TriggerNow returns while a
	// job's trigger cooldown is running.
	ErrCoolingDown = errors.New("trigger cooling down")
)

// CooldownError refuses a manual trigger. Last is the run the previous
// accepted trigger created; Wait is the time left in the window.
type CooldownError struct {
	JobID string
	Wait  time.Duration
	Last  ledger.Run
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("job %q: trigger cooling down for %s", e.JobID, e.Wait)
}

func (e *CooldownError) Is(target error) bool { return target == ErrCoolingDown }
