package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobweave/internal/admin"
	"jobweave/internal/handlers"
	"jobweave/internal/notifier"
	"jobweave/internal/task/engine"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/scheduler"
	logx "jobweave/pkg/logx"
)

// The converters below turn the file representation into the runtime
// configs of each component. They assume Validate passed but still return
// duration errors rather than panicking.

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (r RetryConfig) Policy(prefix string) (job.RetryPolicy, error) {
	base, err := ParseDurationField(prefix+".base_delay", r.BaseDelay)
	if err != nil {
		return job.RetryPolicy{}, err
	}
	maxD, err := ParseDurationField(prefix+".max_delay", r.MaxDelay)
	if err != nil {
		return job.RetryPolicy{}, err
	}
	jitter, err := ParseDurationField(prefix+".jitter", r.Jitter)
	if err != nil {
		return job.RetryPolicy{}, err
	}
	return job.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   base,
		Multiplier:  r.Multiplier,
		MaxDelay:    maxD,
		Jitter:      jitter,
	}, nil
}

func (c *Config) EngineConfig() (engine.Config, error) {
	timeout, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := ParseDurationField("engine.abandon_grace", c.Engine.AbandonGrace)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        c.Engine.Workers,
		QueueSize:      c.Engine.QueueSize,
		DefaultTimeout: timeout,
		AbandonGrace:   grace,
	}, nil
}

func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	res, err := ParseDurationField("scheduler.resolution", c.Scheduler.Resolution)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := ParseDurationField("scheduler.replace_grace", c.Scheduler.ReplaceGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	pol, err := c.Retry.Policy("retry")
	if err != nil {
		return scheduler.Config{}, err
	}
	eng, err := c.EngineConfig()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Resolution:          res,
		Timezone:            strings.TrimSpace(c.Scheduler.Timezone),
		StatusLimit:         c.Scheduler.StatusLimit,
		ReplaceGrace:        grace,
		CircuitTripFailures: c.Scheduler.CircuitTripFailures,
		StartupSpread:       c.Scheduler.StartupSpread,
		Retry:               pol,
		Engine:              eng,
	}, nil
}

func (c *Config) LedgerConfig() (ledger.Config, error) {
	busy, err := ParseDurationField("ledger.busy_timeout", c.Ledger.BusyTimeout)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:       c.Ledger.Driver,
		Path:         c.Ledger.Path,
		DSN:          c.Ledger.DSN,
		BusyTimeout:  busy,
		CompactEvery: c.Ledger.CompactEvery,
	}, nil
}

// NotifierConfig returns the notifier settings. An omitted section yields
// an enabled, log-only notifier.
func (c *Config) NotifierConfig() (notifier.Config, error) {
	n := c.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	var (
		out = notifier.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			DedupMaxEntries: n.DedupMaxEntries,
			AlertsOnly:      n.AlertsOnly,
		}
		err error
	)
	if out.RetryBase, err = ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func (c *Config) AdminConfig() (admin.Config, error) {
	a := c.Admin
	out := admin.Config{
		Enabled:        a.Enabled,
		Addr:           a.Addr,
		Token:          strings.TrimSpace(a.Token),
		AllowInsecure:  a.AllowInsecure,
		Pprof:          a.Pprof,
		AllowedOrigins: a.AllowedOrigins,
	}
	var err error
	if out.ReadTimeout, err = ParseDurationField("admin.read_timeout", a.ReadTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.WriteTimeout, err = ParseDurationField("admin.write_timeout", a.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = ParseDurationField("admin.idle_timeout", a.IdleTimeout); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// Definition builds the job definition, constructing its handler through reg.
func (j JobConfig) Definition(reg *handlers.Registry, env handlers.Env) (job.Definition, error) {
	path := "jobs[" + j.ID + "]"
	conc, err := job.ParseConcurrency(j.Concurrency)
	if err != nil {
		return job.Definition{}, errors.Wrapf(err, "%s.concurrency", path)
	}
	timeout, err := ParseDurationField(path+".timeout", j.Timeout)
	if err != nil {
		return job.Definition{}, err
	}
	cooldown, err := ParseDurationField(path+".trigger_cooldown", j.TriggerCooldown)
	if err != nil {
		return job.Definition{}, err
	}
	var pol job.RetryPolicy
	if j.Retry != nil {
		if pol, err = j.Retry.Policy(path + ".retry"); err != nil {
			return job.Definition{}, err
		}
	}
	if strings.TrimSpace(j.Kind) == "" {
		return job.Definition{}, errors.Newf("%s.kind is required", path)
	}
	h, err := reg.Build(j.Kind, j.Params, env)
	if err != nil {
		return job.Definition{}, errors.Wrapf(err, "%s", path)
	}
	return job.Definition{
		ID:                  strings.TrimSpace(j.ID),
		Schedule:            j.Schedule,
		DependsOn:           append([]string(nil), j.DependsOn...),
		Concurrency:         conc,
		MaxConcurrent:       j.MaxConcurrent,
		Retry:               pol,
		Timeout:             timeout,
		Handler:             h,
		CircuitTripFailures: j.CircuitTripFailures,
		TriggerCooldown:     cooldown,
	}, nil
}

// Definitions builds every job in file order.
func (c *Config) Definitions(reg *handlers.Registry, env handlers.Env) ([]job.Definition, error) {
	out := make([]job.Definition, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		def, err := jc.Definition(reg, env)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// Location loads scheduler.timezone (empty = Local).
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler.timezone %q", tz)
	}
	return loc, nil
}

// ParseDurationField reads a Go duration string for the field at path.
// Blank means zero; negative values are an error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, errors.WithDetailf(errors.Newf("%s: %q is not a duration", path, raw), "%v", err)
	case d < 0:
		return 0, errors.Newf("%s: %s is negative", path, raw)
	}
	return d, nil
}
