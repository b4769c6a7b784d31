package scheduler

import (
	"hash/fnv"
	"time"
)

// spreadCap bounds the first-fire offset of interval jobs on a cold start.
const spreadCap = 30 * time.Second

// firstFireOffset maps a job id to a stable offset in [0, min(every, spreadCap)).
// Jobs registered together then fan out instead of firing on one tick, and a
// restarted process gives each job the same offset again.
func firstFireOffset(jobID string, every time.Duration) time.Duration {
	window := min(every, spreadCap)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return time.Duration(h.Sum64() % uint64(window))
}
