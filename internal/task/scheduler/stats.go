package scheduler

import (
	"time"

	"jobweave/internal/task/ledger"
)

// JobStats counts terminal runs seen since Start. Coalesced counts manual
// triggers refused by the job's trigger cooldown; they create no run.
type JobStats struct {
	Total     uint64 `json:"total"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Skipped   uint64 `json:"skipped"`
	Coalesced uint64 `json:"coalesced"`
	// SuccessRate is Succeeded over runs that executed to success or failure.
	SuccessRate float64 `json:"success_rate"`
	// AvgDuration is the mean execution time of succeeded runs.
	AvgDuration  time.Duration `json:"avg_duration"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}

func (st *JobStats) record(r ledger.Run) {
	st.Total++
	switch r.State {
	case ledger.StateSucceeded:
		st.Succeeded++
		if d := runDuration(r); d > 0 {
			st.LastDuration = d
			st.AvgDuration += (d - st.AvgDuration) / time.Duration(st.Succeeded)
		}
	case ledger.StateFailed:
		st.Failed++
		if d := runDuration(r); d > 0 {
			st.LastDuration = d
		}
	case ledger.StateCancelled:
		st.Cancelled++
	case ledger.StateSkipped:
		st.Skipped++
	}
}

func (st JobStats) withRate() JobStats {
	if n := st.Succeeded + st.Failed; n > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(n)
	}
	return st
}

// add folds o into st; the mean stays weighted by succeeded runs.
func (st JobStats) add(o JobStats) JobStats {
	if n := st.Succeeded + o.Succeeded; n > 0 {
		st.AvgDuration = time.Duration((int64(st.AvgDuration)*int64(st.Succeeded) + int64(o.AvgDuration)*int64(o.Succeeded)) / int64(n))
	}
	st.Total += o.Total
	st.Succeeded += o.Succeeded
	st.Failed += o.Failed
	st.Cancelled += o.Cancelled
	st.Skipped += o.Skipped
	st.Coalesced += o.Coalesced
	st.LastDuration = 0
	return st
}

func runDuration(r ledger.Run) time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
