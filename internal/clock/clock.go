// Package clock abstracts wall-clock reads and timed waits so schedules can be
// driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by the scheduler, the worker pool and the
// retry manager.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until t or until ctx is done, returning ctx.Err() in
	// the latter case.
	SleepUntil(ctx context.Context, t time.Time) error
	// NewTimer fires once at the given instant. A time in the past fires
	// immediately.
	NewTimer(at time.Time) Timer
}

// Timer is a single-shot timer created by a Clock.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Real returns the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (c realClock) SleepUntil(ctx context.Context, t time.Time) error {
	return sleepUntil(ctx, c, t)
}

func (realClock) NewTimer(at time.Time) Timer {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

func sleepUntil(ctx context.Context, c Clock, t time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tm := c.NewTimer(t)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C():
		return nil
	}
}

// Or returns c, or the real clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
