package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobweave/internal/admin"
	"jobweave/internal/clock"
	"jobweave/internal/config"
	"jobweave/internal/eventbus"
	"jobweave/internal/handlers"
	"jobweave/internal/notifier"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/scheduler"
	logx "jobweave/pkg/logx"
)

var _ admin.Scheduler = (*scheduler.Service)(nil)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	led  ledger.Ledger

	sched *scheduler.Service
	notif *notifier.Service
	admin *admin.Service

	watch bool
}

type options struct {
	clock    clock.Clock
	handlers *handlers.Registry
	env      handlers.Env
	sinks    []notifier.Sink
	noWatch  bool
}

type Option func(*options)

// WithClock replaces the wall clock for the scheduler and notifier.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithHandlers replaces the built-in handler kinds and their environment.
func WithHandlers(reg *handlers.Registry, env handlers.Env) Option {
	return func(o *options) {
		o.handlers = reg
		o.env = env
	}
}

// WithSinks adds notification sinks next to the configured ones.
func WithSinks(sinks ...notifier.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithoutWatch disables following the config file for hot reload.
func WithoutWatch() Option { return func(o *options) { o.noWatch = true } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.handlers == nil {
		o.handlers = handlers.Default()
	}

	cfgm := NewConfigManager(cfgPath)
	cfgm.SetHandlers(o.handlers)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	led, err := OpenLedger(context.Background(), cfg, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	a, err := build(cfg, led, bus, log, o)
	if err != nil {
		_ = led.Close()
		logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.watch = !o.noWatch
	return a, nil
}

// OpenLedger opens the ledger backend named by cfg.
func OpenLedger(ctx context.Context, cfg *Config, log logx.Logger) (ledger.Ledger, error) {
	lcfg, err := cfg.LedgerConfig()
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(ctx, lcfg, log)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s ledger", lcfg.Driver)
	}
	if d := strings.TrimSpace(lcfg.Driver); d != "" && d != "memory" {
		log.Info("ledger opened", logx.String("driver", d))
	}
	return led, nil
}

func build(cfg *Config, led ledger.Ledger, bus eventbus.Bus, log logx.Logger, o options) (*App, error) {
	env := o.env
	env.Log = log.With(logx.String("comp", "handlers"))
	defs, err := cfg.Definitions(o.handlers, env)
	if err != nil {
		return nil, err
	}

	ncfg, err := cfg.NotifierConfig()
	if err != nil {
		return nil, err
	}
	sinks, err := notifierSinks(cfg, log)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, notifier.Deps{
		Log:   log,
		Bus:   bus,
		Clock: o.clock,
		Sinks: append(sinks, o.sinks...),
	})

	scfg, err := cfg.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scfg, scheduler.Deps{
		Ledger:   led,
		Clock:    o.clock,
		Log:      log,
		Bus:      bus,
		Notifier: notif,
	})
	if err != nil {
		return nil, err
	}
	if err := sched.RegisterJobs(defs...); err != nil {
		return nil, err
	}
	for _, jc := range cfg.Jobs {
		if !jc.IsEnabled() {
			if err := sched.Pause(jc.ID); err != nil {
				return nil, err
			}
		}
	}

	acfg, err := cfg.AdminConfig()
	if err != nil {
		return nil, err
	}

	return &App{
		log:   log,
		bus:   bus,
		led:   led,
		sched: sched,
		notif: notif,
		admin: admin.New(acfg, sched, bus, log),
	}, nil
}

// notifierSinks returns the configured sinks. The log sink is on unless
// notifier.log is false.
func notifierSinks(cfg *Config, log logx.Logger) ([]notifier.Sink, error) {
	n := cfg.Notifier
	var sinks []notifier.Sink
	if n == nil || n.Log == nil || *n.Log {
		sinks = append(sinks, notifier.LogSink{Log: log.With(logx.String("comp", "notify"))})
	}
	if n != nil && n.Telegram != nil {
		tg, err := notifier.NewTelegramSink(notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		})
		if err != nil {
			return nil, errors.Wrap(err, "notifier.telegram")
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Notifier() *notifier.Service   { return a.notif }
func (a *App) Admin() *admin.Service         { return a.admin }
func (a *App) Ledger() ledger.Ledger         { return a.led }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	if err := a.admin.Start(a.sup.Context()); err != nil {
		return errors.Wrap(err, "start admin")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config in the channel.
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		if a.watch {
			a.sup.Go("config.watch", func(c context.Context) error {
				return a.cfgm.Watch(c)
			})
		}
	}

	a.log.Info("app started", logx.Int("jobs", len(a.sched.Jobs())))
	return nil
}

// applyConfig applies the live parts of a reload: logging and per-job
// enabled flags. Anything else is only reported.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	ch := config.Diff(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	if a.logs != nil {
		a.logs.Apply(newCfg.LogConfig())
	}

	for id, enabled := range ch.Enabled {
		var err error
		if enabled {
			err = a.sched.Resume(id)
		} else {
			err = a.sched.Pause(id)
		}
		if err != nil {
			a.log.Warn("job enable change not applied", logx.String("job", id), logx.Err(err))
		}
	}

	if ch.RestartRequired {
		a.log.Warn("config changed; restart required for changes to take effect", fields...)
		return
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx, cancel := stepContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Steps that honor ctx finish their last writes right after it ends.
			select {
			case err := <-done:
				if err != nil {
					a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				}
				return
			case <-time.After(stepSettle):
			}
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Admin first so no trigger races the scheduler shutdown.
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", a.schedulerStopBudget(), a.sched.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.closeResources()
	return nil
}

const (
	stepSettle         = 500 * time.Millisecond
	schedulerStopFloor = 5 * time.Second
	abandonMargin      = 2 * time.Second
)

// schedulerStopBudget lets a handler that ignores cancellation use the
// pool's whole abandon grace, so the worker writes the cancelled state itself.
func (a *App) schedulerStopBudget() time.Duration {
	grace := a.sched.Snapshot().Pool.AbandonGrace
	return max(schedulerStopFloor, grace+abandonMargin)
}

func (a *App) closeResources() {
	if a.led != nil {
		if err := a.led.Close(); err != nil {
			a.log.Warn("ledger close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
}

// stepContext bounds ctx by max without ever extending the caller's deadline.
func stepContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
