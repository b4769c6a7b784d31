package supervisor

import (
	"context"
	"math/rand/v2"
	"time"

	logx "jobweave/pkg/logx"
)

// A run that lasted this long counts as healthy and resets the backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceiling time.Duration
	limit          int // 0 restarts forever
	publish        bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
// Non-positive values keep the defaults.
func WithRestartBackoff(floor, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts stops restarting after n restarts; the first run is free.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError publishes the first failure as Err while the loop
// keeps restarting, so snapshots show a component that is flapping.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// delay returns the wait before the next attempt with up to 20% jitter.
func (p restartPolicy) delay(step time.Duration) time.Duration {
	d := min(max(step, p.floor), p.ceiling)
	if j := int64(d / 5); j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// GoRestart keeps fn running until the shared context ends. An error or a
// panic schedules a restart; returning nil or context.Canceled ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceiling: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.floor)

	// Restart bookkeeping lives under name; the host goroutine itself is
	// recorded under its own entry.
	s.Go0(name+".restart", func(ctx context.Context) {
		step := p.floor
		for n := 0; ctx.Err() == nil; n++ {
			rec := s.stats.begin(name, n > 0)
			err := s.invoke(ctx, name, fn)
			if err == nil || ctx.Err() != nil {
				rec.end(nil)
				return
			}
			rec.end(err)
			if p.publish {
				s.publish(err)
			}
			if p.limit > 0 && n >= p.limit {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				return
			}
			if time.Since(rec.at) >= healthyRun {
				step = p.floor
			}
			wait := p.delay(step)
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleepCtx(ctx, wait) {
				return
			}
			step = min(step*2, p.ceiling)
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
