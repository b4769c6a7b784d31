package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	logx "jobweave/pkg/logx"
)

// Ledger stores runs. Implementations are safe for concurrent use.
type Ledger interface {
	// Insert appends a new run in state pending or skipped.
	Insert(ctx context.Context, r Run) (Run, error)
	Get(ctx context.Context, id string) (Run, error)
	// Update is an atomic compare-and-set on one record: fn runs only if the
	// stored state equals expect, otherwise ErrStateConflict is returned.
	Update(ctx context.Context, id string, expect State, fn func(*Run) error) (Run, error)
	List(ctx context.Context, q Query) ([]Run, error)
	// MaxCycle is the highest cycle id of any stored run, 0 when empty.
	MaxCycle(ctx context.Context) (uint64, error)
	Close() error
}

// Config selects and configures a backend.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": Path is a file prefix; <prefix>.runs.snapshot.json and
//     <prefix>.runs.journal.jsonl are created next to it
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a pgx connection string
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between snapshots
}

// Open initializes the configured ledger.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ledger"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.WithHint(errors.Newf("unknown ledger driver %q", cfg.Driver), "use memory, file, sqlite or postgres")
	}
}

// Active returns the pending and running runs of a job, newest first.
func Active(ctx context.Context, l Ledger, jobID string) ([]Run, error) {
	return l.List(ctx, Query{JobID: jobID, States: []State{StatePending, StateRunning}})
}

// LatestTerminal returns the newest terminal run of a job.
func LatestTerminal(ctx context.Context, l Ledger, jobID string) (Run, bool, error) {
	runs, err := l.List(ctx, Query{JobID: jobID, States: []State{StateSucceeded, StateFailed, StateSkipped, StateCancelled}, Limit: 1})
	if err != nil || len(runs) == 0 {
		return Run{}, false, err
	}
	return runs[0], true, nil
}
