package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobweave/internal/admin"
	"jobweave/internal/handlers"
	"jobweave/internal/task/job"
	logx "jobweave/pkg/logx"
)

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid config")

// Validate checks the whole file: field values, handler params and the job
// graph (duplicate ids, unknown dependencies, cycles). All problems are
// reported together. Job kinds are resolved against handlers.Default().
func Validate(cfg *Config) error {
	return ValidateWith(cfg, handlers.Default())
}

// ValidateWith is Validate with a custom set of job kinds.
func ValidateWith(cfg *Config, reg *handlers.Registry) error {
	if cfg == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		problems = append(problems, "logging.level: unknown level "+cfg.Logging.Level)
	}

	_, err := cfg.SchedulerConfig()
	add(err)
	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 {
		problems = append(problems, "engine: workers and queue_size must be >= 0")
	}
	if m := cfg.Retry.Multiplier; m != 0 && m < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	loc, err := cfg.Location()
	add(err)

	_, err = cfg.LedgerConfig()
	add(err)
	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Ledger.Path) == "" {
			problems = append(problems, "ledger.path is required for driver "+cfg.Ledger.Driver)
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Ledger.DSN) == "" {
			problems = append(problems, "ledger.dsn is required for driver postgres")
		}
	default:
		problems = append(problems, "ledger.driver: unknown driver "+cfg.Ledger.Driver)
	}

	_, err = cfg.NotifierConfig()
	add(err)
	if n := cfg.Notifier; n != nil && n.Enabled && n.Telegram != nil {
		if strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0 {
			problems = append(problems, "notifier.telegram: token and chat_id are required")
		}
	}

	ac, err := cfg.AdminConfig()
	add(err)
	if err == nil {
		add(admin.Validate(ac))
	}

	problems = append(problems, validateJobs(cfg, reg, loc)...)

	if len(problems) == 0 {
		return nil
	}
	err = errors.Wrapf(ErrInvalid, "%d problem(s): %s", len(problems), strings.Join(problems, "; "))
	return errors.WithHint(err, "fix the listed fields; durations are Go duration strings such as \"30s\"")
}

// validateJobs builds each job with throwaway handlers (handlers connect
// lazily, so this has no side effects) and registers them in a scratch
// registry to check the dependency graph.
func validateJobs(cfg *Config, reg *handlers.Registry, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	if reg == nil {
		reg = handlers.Default()
	}
	var problems []string
	defs := make([]job.Definition, 0, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		if strings.TrimSpace(jc.ID) == "" {
			problems = append(problems, fmt.Sprintf("jobs[%d].id is required", i))
			continue
		}
		def, err := jc.Definition(reg, handlers.Env{})
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		defs = append(defs, def)
	}
	if len(problems) > 0 {
		return problems
	}
	if err := job.NewRegistry(loc).RegisterAll(defs...); err != nil {
		problems = append(problems, err.Error())
	}
	return problems
}
