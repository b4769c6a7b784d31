// Package supervisor owns the background goroutines of a component: they
// share one context, panics become errors, and GoRestart keeps long-running
// loops alive with backoff.
package supervisor

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"
	logx "jobweave/pkg/logx"
)

// Supervisor groups goroutines under a cancellable context. Stop or Wait
// must be called before the owner drops it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu    sync.Mutex
	firstErr error

	stats *statsTable
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context when a Go goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{
		done:  make(chan struct{}),
		stats: newStatsTable(),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error any goroutine published, or nil.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) publish(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

// spawn is the single place goroutines are started, so Wait sees them all.
func (s *Supervisor) spawn(body func(ctx context.Context)) {
	s.wg.Add(1)
	s.stats.spawned()
	go func() {
		defer s.wg.Done()
		defer s.stats.exited()
		body(s.ctx)
	}()
}

// Go runs fn once. A panic or an error other than context.Canceled is
// published, and cancels the context under WithCancelOnError.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func(ctx context.Context) {
		rec := s.stats.begin(name, false)
		err := s.invoke(ctx, name, fn)
		rec.end(err)
		if err == nil {
			return
		}
		s.publish(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// invoke runs fn, turning a panic into an error and wrapping failures with
// the goroutine name.
func (s *Supervisor) invoke(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.stats.panicked(name, r)
		s.log.Error("goroutine panicked",
			logx.String("name", name),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())))
		err = errors.Newf("panic in %s: %v", name, r)
	}()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, name)
	}
	return nil
}

// Stop cancels the shared context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait returns ctx.Err() if ctx ends first, else the first published error
// once every goroutine has returned.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
