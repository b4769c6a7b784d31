package retry

import (
	"container/heap"
	"sync"
	"time"
)

// Item is a scheduled retry.
type Item struct {
	RunID string
	JobID string
	At    time.Time

	seq   uint64
	index int
}

// Queue is a min-heap of pending retries ordered by due time, ties by
// insertion. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	h     itemHeap
	byRun map[string]*Item
	seq   uint64
}

func NewQueue() *Queue { return &Queue{byRun: make(map[string]*Item)} }

// Schedule adds (or moves) a retry for runID.
func (q *Queue) Schedule(runID, jobID string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.byRun[runID]; ok {
		it.At = at
		heap.Fix(&q.h, it.index)
		return
	}
	q.seq++
	it := &Item{RunID: runID, JobID: jobID, At: at, seq: q.seq}
	heap.Push(&q.h, it)
	q.byRun[runID] = it
}

// Cancel removes runID. It reports whether it was queued.
func (q *Queue) Cancel(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byRun[runID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byRun, runID)
	return true
}

// Due pops every item due at or before now, earliest first.
func (q *Queue) Due(now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for q.h.Len() > 0 && !q.h[0].At.After(now) {
		it := heap.Pop(&q.h).(*Item)
		delete(q.byRun, it.RunID)
		out = append(out, *it)
	}
	return out
}

// Next returns the earliest due time.
func (q *Queue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].At, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Pending lists queued items for one job (all jobs when jobID is empty).
func (q *Queue) Pending(jobID string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.h {
		if jobID == "" || it.JobID == jobID {
			out = append(out, *it)
		}
	}
	return out
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].At.Equal(h[j].At) {
		return h[i].seq < h[j].seq
	}
	return h[i].At.Before(h[j].At)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
