package config

import (
	"bytes"
	"encoding/json"
)

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). JSON
// and YAML are accepted; unknown keys are rejected in both.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Retry     RetryConfig     `json:"retry"`
	Ledger    LedgerConfig    `json:"ledger"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Admin     AdminConfig     `json:"admin"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler loop.
//
// Defaults: resolution "1s", timezone Local, status_limit 20,
// replace_grace "5s", circuit_trip_failures 5 (negative disables).
type SchedulerConfig struct {
	Resolution          string `json:"resolution,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	StatusLimit         int    `json:"status_limit,omitempty"`
	ReplaceGrace        string `json:"replace_grace,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	StartupSpread       bool   `json:"startup_spread,omitempty"`
}

// EngineConfig controls the worker pool.
//
// Defaults: workers GOMAXPROCS, queue_size 256, default_timeout "0s" (none),
// abandon_grace "5s".
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	AbandonGrace   string `json:"abandon_grace,omitempty"`
}

// RetryConfig fills zero fields of every job's retry policy.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	Jitter      string  `json:"jitter,omitempty"`
}

// LedgerConfig selects the execution ledger backend.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./jobweave.db" }
type LedgerConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres only (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// NotifierConfig controls the async notification pipeline. If the whole
// section is omitted, run events go to the log sink only.
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Workers         int             `json:"workers,omitempty"`
	QueueSize       int             `json:"queue_size,omitempty"`
	RatePerSec      int             `json:"rate_per_sec,omitempty"`
	RetryMax        int             `json:"retry_max,omitempty"`
	RetryBase       string          `json:"retry_base,omitempty"`
	RetryMaxDelay   string          `json:"retry_max_delay,omitempty"`
	DedupWindow     string          `json:"dedup_window,omitempty"`
	DedupMaxEntries int             `json:"dedup_max_entries,omitempty"`
	AlertsOnly      bool            `json:"alerts_only,omitempty"`
	Log             *bool           `json:"log,omitempty"` // log sink, default true
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// AdminConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - A non-loopback address requires a token or explicit allow_insecure.
type AdminConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`
	Token          string   `json:"token,omitempty"`
	AllowInsecure  bool     `json:"allow_insecure,omitempty"`
	Pprof          bool     `json:"pprof,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	IdleTimeout    string   `json:"idle_timeout,omitempty"`
}

// JobConfig declares one job. Kind selects a built-in handler and Params
// is decoded by it.
type JobConfig struct {
	ID            string   `json:"id"`
	Schedule      string   `json:"schedule,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Concurrency   string   `json:"concurrency,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	// TriggerCooldown collapses bursts of manual or webhook triggers: one
	// dispatch per window, the rest are refused without a ledger row.
	TriggerCooldown string `json:"trigger_cooldown,omitempty"`
	// Enabled is a pointer so an omitted key means true. A disabled job is
	// registered but paused; flipping it is applied on hot reload.
	Enabled             *bool           `json:"enabled,omitempty"`
	Retry               *RetryConfig    `json:"retry,omitempty"`
	CircuitTripFailures int             `json:"circuit_trip_failures,omitempty"`
	Kind                string          `json:"kind"`
	Params              json.RawMessage `json:"params,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// UnmarshalJSON disallows unknown fields inside each job so a typo in one
// entry fails the whole load.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}
