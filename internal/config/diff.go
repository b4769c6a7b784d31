package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobweave/pkg/logx"
)

// Change summarizes what a reload changed.
type Change struct {
	// Sections lists the changed top-level sections.
	Sections []string
	// Fields are safe structured attrs for logging (never secrets).
	Fields []logx.Field
	// Enabled holds job ids whose enabled flag flipped, with the new value.
	Enabled map[string]bool
	// RestartRequired is set when anything beyond logging and job
	// enabled flags changed.
	RestartRequired bool
}

// Diff compares two configs. Only logging and per-job enabled flags can be
// applied live; everything else needs a restart.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	ch := Change{Enabled: map[string]bool{}}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	restart := func(name string, changed bool, fields ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, name)
		ch.Fields = append(ch.Fields, fields...)
		ch.RestartRequired = true
	}
	restart("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		logx.String("scheduler.resolution", newCfg.Scheduler.Resolution),
	)
	restart("engine", oldCfg.Engine != newCfg.Engine,
		logx.Int("engine.workers", newCfg.Engine.Workers),
		logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
	)
	restart("retry", oldCfg.Retry != newCfg.Retry,
		logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
	)
	restart("ledger", oldCfg.Ledger != newCfg.Ledger,
		logx.String("ledger.driver", newCfg.Ledger.Driver),
		logx.Bool("ledger.dsn_set", newCfg.Ledger.DSN != ""),
	)
	restart("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.Bool("notifier.present", newCfg.Notifier != nil),
	)
	restart("admin", !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin),
		logx.Bool("admin.enabled", newCfg.Admin.Enabled),
		logx.String("admin.addr", newCfg.Admin.Addr),
		logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
	)

	jobsChanged, enabled := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	ch.Enabled = enabled
	if len(enabled) > 0 {
		ids := make([]string, 0, len(enabled))
		for id := range enabled {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		ch.Fields = append(ch.Fields, logx.String("jobs.enabled_changed", strings.Join(ids, ",")))
	}
	if jobsChanged || len(enabled) > 0 {
		ch.Sections = append(ch.Sections, "jobs")
	}
	if jobsChanged {
		ch.RestartRequired = true
	}
	return ch
}

// diffJobs reports whether anything but the enabled flags changed, plus the
// flipped flags of jobs present in both lists.
func diffJobs(oldJobs, newJobs []JobConfig) (bool, map[string]bool) {
	enabled := map[string]bool{}
	structural := len(oldJobs) != len(newJobs)

	prev := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		prev[j.ID] = j
	}
	for i, j := range newJobs {
		o, ok := prev[j.ID]
		if !ok {
			structural = true
			continue
		}
		if !structural && i < len(oldJobs) && oldJobs[i].ID != j.ID {
			structural = true
		}
		if o.IsEnabled() != j.IsEnabled() {
			enabled[j.ID] = j.IsEnabled()
		}
		o.Enabled, j.Enabled = nil, nil
		if !reflect.DeepEqual(o, j) {
			structural = true
		}
	}
	return structural, enabled
}
