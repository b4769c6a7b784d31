package supervisor

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counters are best-effort operational signals, not synchronization.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every run recorded under one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type SupervisorSnapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type statsTable struct {
	live    atomic.Int64
	total   atomic.Uint64
	mu      sync.Mutex
	entries map[string]*GoroutineStats
}

func newStatsTable() *statsTable {
	return &statsTable{entries: make(map[string]*GoroutineStats)}
}

func (t *statsTable) spawned() {
	t.live.Add(1)
	t.total.Add(1)
}

func (t *statsTable) exited() { t.live.Add(-1) }

func (t *statsTable) with(name string, fn func(st *GoroutineStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		t.entries[name] = st
	}
	fn(st)
}

// runRecord is the open entry for one run of a named function.
type runRecord struct {
	t    *statsTable
	name string
	at   time.Time
}

func (t *statsTable) begin(name string, restart bool) runRecord {
	now := time.Now()
	t.with(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
	return runRecord{t: t, name: name, at: now}
}

func (r runRecord) end(err error) {
	now := time.Now()
	r.t.with(r.name, func(st *GoroutineStats) {
		st.Active = max(st.Active-1, 0)
		st.LastStopAt = now
		st.TotalRuntime += now.Sub(r.at)
		if err != nil {
			st.LastErr = err.Error()
			st.LastErrAt = now
		}
	})
}

func (t *statsTable) panicked(name string, p any) {
	now := time.Now()
	t.with(name, func(st *GoroutineStats) {
		st.Panics++
		st.LastPanicAt = now
		st.LastPanic = fmt.Sprint(p)
	})
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.stats.live.Load(), Started: s.stats.total.Load()}
}

// Snapshot copies the per-name stats: busiest first, then most recently
// started, then by name.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	out := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}

	s.stats.mu.Lock()
	out.Goroutines = make([]GoroutineStats, 0, len(s.stats.entries))
	for _, st := range s.stats.entries {
		out.Goroutines = append(out.Goroutines, *st)
	}
	s.stats.mu.Unlock()

	slices.SortFunc(out.Goroutines, func(a, b GoroutineStats) int {
		switch {
		case a.Active != b.Active:
			return int(b.Active - a.Active)
		case !a.LastStartAt.Equal(b.LastStartAt):
			return b.LastStartAt.Compare(a.LastStartAt)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
