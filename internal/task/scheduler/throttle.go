package scheduler

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"jobweave/internal/task/engine"
	logx "jobweave/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

// warnThrottle rate-limits submit failure warnings per job. Queue-full
// bursts would otherwise log once per refused run.
type warnThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (w *warnThrottle) report(log logx.Logger, now time.Time, jobID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrStopped) {
		log.Debug("submit refused: pool stopped", logx.String("job", jobID))
		return
	}

	w.mu.Lock()
	if w.last == nil {
		w.last = make(map[string]time.Time)
	}
	last := w.last[jobID]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		w.mu.Unlock()
		return
	}
	w.last[jobID] = now
	w.mu.Unlock()

	log.Warn("run refused by worker pool", logx.String("job", jobID), logx.Err(err))
}
