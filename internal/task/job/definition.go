package job

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	logx "jobweave/pkg/logx"
)

// ConcurrencyPolicy governs what happens when a job becomes due while an
// earlier run is still pending or running.
type ConcurrencyPolicy int

const (
	// Forbid skips the new trigger.
	Forbid ConcurrencyPolicy = iota
	// Replace cancels the active runs, then starts the new one.
	Replace
	// Allow runs concurrently.
	Allow
)

func (p ConcurrencyPolicy) String() string {
	switch p {
	case Forbid:
		return "forbid"
	case Replace:
		return "replace"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

// ParseConcurrency maps a config string to a policy. Empty means Forbid.
func ParseConcurrency(s string) (ConcurrencyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forbid":
		return Forbid, nil
	case "replace":
		return Replace, nil
	case "allow":
		return Allow, nil
	}
	return Forbid, errors.Wrapf(ErrInvalidDefinition, "unknown concurrency policy %q", s)
}

// RetryPolicy controls how failed runs are retried. Zero fields take the
// scheduler defaults (see DefaultRetryPolicy).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy: 3 attempts, 1s base, x2, 5m cap, 250ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
		Jitter:      250 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from def.
func (p RetryPolicy) WithDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter <= 0 {
		p.Jitter = def.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// RunContext is what a handler learns about the run it is executing.
type RunContext struct {
	RunID       string
	JobID       string
	Attempt     int
	Cycle       uint64
	Trigger     string
	ScheduledAt time.Time
	Log         logx.Logger
}

// Result is an opaque handler payload stored with the run.
type Result []byte

// Handler executes one run of a job. Handlers must return when ctx is done;
// a handler that ignores cancellation is abandoned after a grace period.
type Handler interface {
	Run(ctx context.Context, rc RunContext) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, rc RunContext) (Result, error)

func (f HandlerFunc) Run(ctx context.Context, rc RunContext) (Result, error) { return f(ctx, rc) }

// Definition describes a recurring job.
type Definition struct {
	ID       string
	Schedule string
	// DependsOn lists job ids that must have succeeded in the same cycle, or
	// in their latest run when they are not due this cycle.
	DependsOn     []string
	Concurrency   ConcurrencyPolicy
	MaxConcurrent int
	Retry         RetryPolicy
	Timeout       time.Duration
	Handler       Handler

	// TriggerCooldown refuses manual triggers that arrive within this window
	// of the last dispatched one. Zero accepts every trigger.
	TriggerCooldown time.Duration

	// CircuitTripFailures overrides the scheduler circuit breaker threshold.
	// 0 uses the default, < 0 disables the breaker for this job.
	CircuitTripFailures int
}

// Manual reports whether the job only runs through a manual trigger.
func (d Definition) Manual() bool {
	p, err := ParseSchedule(d.Schedule)
	return err == nil && p.Kind == SpecManual
}

func (d Definition) clone() Definition {
	d.DependsOn = append([]string(nil), d.DependsOn...)
	return d
}

// validate checks the fields that do not depend on other registrations.
func (d *Definition) validate() error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return errors.Wrap(ErrInvalidDefinition, "job id required")
	}
	if strings.ContainsAny(d.ID, " \t\r\n/") {
		return errors.Wrapf(ErrInvalidDefinition, "job %q: id must not contain whitespace or '/'", d.ID)
	}
	if d.Handler == nil {
		return errors.Wrapf(ErrInvalidDefinition, "job %q: handler required", d.ID)
	}
	switch d.Concurrency {
	case Forbid, Replace, Allow:
	default:
		return errors.Wrapf(ErrInvalidDefinition, "job %q: unknown concurrency policy %d", d.ID, int(d.Concurrency))
	}
	if d.MaxConcurrent < 0 {
		return errors.Wrapf(ErrInvalidDefinition, "job %q: max_concurrent must be >= 0", d.ID)
	}
	if d.Timeout < 0 {
		return errors.Wrapf(ErrInvalidDefinition, "job %q: timeout must be >= 0", d.ID)
	}
	r := d.Retry
	if r.MaxAttempts < 0 || r.BaseDelay < 0 || r.MaxDelay < 0 || r.Jitter < 0 || r.Multiplier < 0 {
		return errors.Wrapf(ErrInvalidDefinition, "job %q: retry values must be >= 0", d.ID)
	}

	seen := make(map[string]struct{}, len(d.DependsOn))
	deps := make([]string, 0, len(d.DependsOn))
	for _, dep := range d.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	d.DependsOn = deps
	return nil
}
