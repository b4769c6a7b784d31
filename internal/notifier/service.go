package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	rtsup "jobweave/internal/runtime/supervisor"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/scheduler"
	logx "jobweave/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrFiltered  = errors.New("event filtered")
)

const historyLimit = 300

type delivery struct {
	msg Message
	// key is computed at enqueue time so workers don't rehash.
	key string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	clk   clock.Clock
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan delivery
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ scheduler.Notifier = (*Service)(nil)

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   deps.Bus,
		clk:   clock.Or(deps.Clock),
		sinks: append([]Sink(nil), deps.Sinks...),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps rate, retry and filter settings. Workers and QueueSize only
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled service never starts workers.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	// Delivery is best-effort; a failing sink must not take down the daemon.
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("sinks", len(s.sinks)))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown runs asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify implements scheduler.Notifier. Failures to enqueue are logged,
// never returned to the scheduler.
func (s *Service) Notify(ctx context.Context, ev scheduler.Event) {
	err := s.Enqueue(ctx, ev)
	switch {
	case err == nil, errors.Is(err, ErrFiltered), errors.Is(err, ErrDisabled):
	case errors.Is(err, ErrQueueFull):
		s.log.Warn("notification dropped", logx.String("job", ev.JobID), logx.String("run", ev.RunID), logx.Err(err))
	default:
		s.log.Debug("notification not queued", logx.String("job", ev.JobID), logx.Err(err))
	}
}

// Enqueue filters, deduplicates and queues ev. A deduplicated event returns nil.
func (s *Service) Enqueue(ctx context.Context, ev scheduler.Event) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	msg, ok := buildMessage(ev, cfg.AlertsOnly)
	if !ok {
		return ErrFiltered
	}
	key := dedupKey(msg)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.publish("notifier.deduped", msg, "", key, nil)
		return nil
	}

	select {
	case q <- delivery{msg: msg, key: key}:
		s.publish("notifier.queued", msg, "", key, nil)
		return nil
	default:
		s.publish("notifier.dropped", msg, "", key, ErrQueueFull)
		return errors.Wrapf(ErrQueueFull, "capacity %d", cap(q))
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(sink, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.clk.Now(), Sink: sink, Text: text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, m Message, sink, key string, err error) {
	if s.bus == nil {
		return
	}
	now := s.clk.Now()
	ev := DeliveryEvent{Sink: sink, JobID: m.JobID, RunID: m.RunID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			for _, sink := range s.sinks {
				s.sendWithRetry(ctx, sink, d)
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sink Sink, d delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sink.Send(callCtx, d.msg)
		cancel()
		if err == nil {
			s.appendHistory(sink.Name(), renderText(d.msg))
			s.publish("notifier.sent", d.msg, sink.Name(), d.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", sink.Name()), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		if err := s.clk.SleepUntil(ctx, s.clk.Now().Add(retryDelay(cfg, attempt))); err != nil {
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("notify failed", logx.String("sink", sink.Name()), logx.String("job", d.msg.JobID), logx.Err(lastErr))
		s.publish("notifier.failed", d.msg, sink.Name(), d.key, lastErr)
	}
}

// buildMessage decides whether ev is worth an operator message. Alerts
// always pass; otherwise failed runs and skips that point at an unhealthy
// system (open circuit, full queue) do, unless alertsOnly is set.
func buildMessage(ev scheduler.Event, alertsOnly bool) (Message, bool) {
	m := Message{
		JobID:   ev.JobID,
		RunID:   ev.RunID,
		State:   ev.State,
		Kind:    ev.Kind,
		Attempt: ev.Attempt,
		Alert:   ev.Alert,
		At:      ev.Time,
		Detail:  ev.Error,
	}
	if m.Detail == "" {
		m.Detail = ev.Reason
	}
	switch {
	case ev.Alert:
		m.Priority = PriorityAlert
		m.Title = fmt.Sprintf("job %s failed, giving up", ev.JobID)
	case alertsOnly:
		return Message{}, false
	case ev.State == ledger.StateFailed:
		m.Priority = PriorityWarn
		m.Title = fmt.Sprintf("job %s failed, retry scheduled", ev.JobID)
	case ev.State == ledger.StateSkipped && (ev.Kind == ledger.KindCircuitOpen || ev.Kind == ledger.KindQueueFull):
		m.Priority = PriorityInfo
		m.Title = fmt.Sprintf("job %s skipped", ev.JobID)
	default:
		return Message{}, false
	}
	return m, true
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%t|", m.JobID, m.State, m.Kind, m.Alert)
	_, _ = h.Write([]byte(m.Detail))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := s.clk.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Over the cap, evict the entries expiring soonest.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1) with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
