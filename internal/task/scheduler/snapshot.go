package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Started:        s.started && !s.stopping,
		Timezone:       s.loc.String(),
		Resolution:     s.cfg.Resolution,
		LastTick:       s.lastTick,
		Jobs:           len(s.order),
		OpenCycles:     len(s.cycles),
		PendingRetries: s.retries.Len(),
	}
	for _, js := range s.jobs {
		if js.paused {
			snap.Paused++
		}
		snap.Stats = snap.Stats.add(js.stats)
	}
	snap.Stats = snap.Stats.withRate()
	sup := s.sup
	s.mu.Unlock()

	snap.Circuits, snap.CircuitsOpen = s.breaker.Snapshot(s.clk.Now())
	snap.Pool = s.pool.Snapshot()
	if sup != nil {
		snap.Supervisor = sup.Snapshot()
	}
	return snap
}
