// Package retry decides whether failed runs are retried, keeps the due-retry
// queue, and trips a per-job circuit breaker on consecutive permanent failures.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
)

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Successor is the pending run to insert when Retry is true.
	Successor ledger.Run
	// Alert is set when a failed run will not be retried.
	Alert  bool
	Reason string
}

// Retryable reports whether a failure kind may be retried.
func Retryable(k ledger.Kind) bool {
	switch k {
	case ledger.KindHandler, ledger.KindTimeout, ledger.KindPanic, ledger.KindOrphaned:
		return true
	}
	return false
}

// Decide inspects a failed run. Runs in any other state yield the zero
// Decision. policy should already carry defaults.
func Decide(run ledger.Run, policy job.RetryPolicy, err error, now time.Time) Decision {
	if run.State != ledger.StateFailed {
		return Decision{}
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	switch {
	case IsNoRetry(err):
		return Decision{Alert: true, Reason: "not retryable"}
	case !Retryable(run.Kind):
		return Decision{Alert: true, Reason: "not retryable: " + string(run.Kind)}
	case run.Attempt >= maxAttempts:
		return Decision{Alert: true, Reason: "retries exhausted"}
	}

	d := Delay(policy, run.Attempt, err, rand.Float64)
	return Decision{
		Retry: true,
		Delay: d,
		Successor: ledger.Run{
			ID:          uuid.NewString(),
			JobID:       run.JobID,
			Cycle:       run.Cycle,
			Trigger:     ledger.TriggerRetry,
			ScheduledAt: now,
			NotBefore:   now.Add(d),
			State:       ledger.StatePending,
			Attempt:     run.Attempt + 1,
			RetryOf:     run.ID,
		},
	}
}

// Delay is min(MaxDelay, BaseDelay*Multiplier^attempt) plus a uniform jitter
// in [0, Jitter]. An After hint on err replaces the exponential part.
// rnd returns values in [0, 1).
func Delay(p job.RetryPolicy, attempt int, err error, rnd func() float64) time.Duration {
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = time.Duration(math.MaxInt64)
	}

	var d time.Duration
	var ra AfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
	} else {
		mult := p.Multiplier
		if mult < 1 {
			mult = 1
		}
		f := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
		if f >= float64(maxD) || math.IsInf(f, 0) || math.IsNaN(f) {
			d = maxD
		} else {
			d = time.Duration(f)
		}
	}
	if d > maxD {
		d = maxD
	}
	if p.Jitter > 0 && rnd != nil {
		d += time.Duration(rnd() * float64(p.Jitter))
	}
	return d
}
