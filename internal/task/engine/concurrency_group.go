package engine

import (
	"strings"
	"sync"
)

// group is a counting semaphore for one concurrency group. Tasks that find
// the group full are parked in FIFO order; a worker releasing a slot hands it
// straight to the oldest parked task instead of re-queueing it, so a full
// group never spins through the shared queue.
//
// Note: limit is fixed for the life of the group. If callers request a
// different limit for an existing key, the pool keeps the first value.
type group struct {
	limit  int
	inUse  int
	parked []queuedTask
}

// groupStore holds group semaphores.
type groupStore struct {
	mu     sync.Mutex
	groups map[string]*group
}

// tryAcquire takes a slot for qt or parks it. Tasks without a group or limit
// always succeed.
func (s *groupStore) tryAcquire(qt queuedTask) bool {
	key := strings.TrimSpace(qt.task.Group)
	if key == "" || qt.task.Limit <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*group)
	}
	g := s.groups[key]
	if g == nil {
		g = &group{limit: qt.task.Limit}
		s.groups[key] = g
	}
	if g.inUse < g.limit {
		g.inUse++
		return true
	}
	g.parked = append(g.parked, qt)
	return false
}

// release frees the slot held by qt. If a task is parked on the group, the
// slot is transferred to it and it is returned for the caller to run.
func (s *groupStore) release(qt queuedTask) (queuedTask, bool) {
	key := strings.TrimSpace(qt.task.Group)
	if key == "" || qt.task.Limit <= 0 {
		return queuedTask{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[key]
	if g == nil {
		return queuedTask{}, false
	}
	if len(g.parked) > 0 {
		next := g.parked[0]
		g.parked[0] = queuedTask{}
		g.parked = g.parked[1:]
		return next, true
	}
	if g.inUse > 0 {
		g.inUse--
	}
	return queuedTask{}, false
}

// drainParked removes every parked task.
func (s *groupStore) drainParked() []queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queuedTask
	for _, g := range s.groups {
		out = append(out, g.parked...)
		g.parked = nil
	}
	return out
}

func (s *groupStore) parkedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.groups {
		n += len(g.parked)
	}
	return n
}
