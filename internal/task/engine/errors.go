package engine

import (
	"github.com/cockroachdb/errors"
	"jobweave/internal/task/ledger"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrHandler marks errors returned by a job handler.
	ErrHandler = errors.New("handler error")
	ErrPanic   = errors.New("handler panic")
	// ErrTimeout is the cancel cause when a handler exceeds its budget. It is
	// retried like a handler error.
	ErrTimeout = errors.New("timeout")
	// ErrReplaced is the cancel cause used by the Replace concurrency policy.
	ErrReplaced = errors.New("replaced by newer run")
	// ErrShutdown is the cancel cause used when the pool stops.
	ErrShutdown = errors.New("shutdown")
	// ErrAbandoned is reported when a cancelled handler did not return within
	// the grace period.
	ErrAbandoned = errors.New("abandoned after grace period")
)

// reasonFor maps a cancel cause to the reason stored on the run.
func reasonFor(cause error) string {
	switch {
	case errors.Is(cause, ErrTimeout):
		return "timeout"
	case errors.Is(cause, ErrReplaced):
		return "replaced by newer run"
	case errors.Is(cause, ErrShutdown):
		return "shutdown"
	}
	return "cancelled"
}

func kindFor(cause error) ledger.Kind {
	switch {
	case errors.Is(cause, ErrTimeout):
		return ledger.KindTimeout
	case errors.Is(cause, ErrReplaced):
		return ledger.KindReplaced
	case errors.Is(cause, ErrShutdown):
		return ledger.KindShutdown
	}
	return ledger.KindNone
}
