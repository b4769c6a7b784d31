package notifier

import (
	"time"

	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	"jobweave/internal/task/ledger"
	logx "jobweave/pkg/logx"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// AlertsOnly drops everything except events with Alert set
	// (retries exhausted or a non-retryable failure).
	AlertsOnly bool
}

type Deps struct {
	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clock.Clock
	Sinks []Sink
}

// Priority orders messages for sinks that render a marker.
type Priority int

const (
	PriorityInfo  Priority = 5
	PriorityWarn  Priority = 7
	PriorityAlert Priority = 9
)

// Message is a rendered run event handed to every sink.
type Message struct {
	JobID    string       `json:"job_id"`
	RunID    string       `json:"run_id"`
	State    ledger.State `json:"state"`
	Kind     ledger.Kind  `json:"kind,omitempty"`
	Attempt  int          `json:"attempt"`
	Priority Priority     `json:"priority"`
	Alert    bool         `json:"alert,omitempty"`
	Title    string       `json:"title"`
	Detail   string       `json:"detail,omitempty"`
	At       time.Time    `json:"at"`
}

type HistoryItem struct {
	At   time.Time
	Sink string
	Text string
}

// DeliveryEvent is published on the bus for notifier lifecycle events
// (notifier.queued, notifier.deduped, notifier.dropped, notifier.sent,
// notifier.failed).
type DeliveryEvent struct {
	Sink  string    `json:"sink,omitempty"`
	JobID string    `json:"job_id"`
	RunID string    `json:"run_id"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
