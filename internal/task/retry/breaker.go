package retry

import (
	"strings"
	"sync"
	"time"
)

// BreakerConfig controls the consecutive-failure circuit breaker.
//
// If TripFailures < 0, the breaker is disabled.
// If TripFailures == 0, a default of 5 is applied.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

// circuitState tracks consecutive failures for a single job.
//
// It implements a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// Breaker holds per-job circuit state.
type Breaker struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[string]*circuitState
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripFailures == 0 {
		cfg.TripFailures = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Minute
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5 * time.Minute
	}
	return &Breaker{cfg: cfg, m: make(map[string]*circuitState)}
}

// trip returns the effective threshold; 0 means disabled. override is the
// per-job value (0 = default, < 0 = disabled).
func (b *Breaker) trip(override int) int {
	if b == nil || b.cfg.TripFailures < 0 || override < 0 {
		return 0
	}
	if override > 0 {
		return override
	}
	return b.cfg.TripFailures
}

func (b *Breaker) stateLocked(key string) *circuitState {
	st := b.m[key]
	if st == nil {
		st = &circuitState{}
		b.m[key] = st
	}
	return st
}

func (b *Breaker) maybeResetLocked(st *circuitState, now time.Time) {
	// Opportunistic reset if last failure was long ago.
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// Open reports whether the circuit for key is open at now, and until when.
func (b *Breaker) Open(now time.Time, key string, override int) (bool, time.Time) {
	if b.trip(override) == 0 {
		return false, time.Time{}
	}
	key = strings.TrimSpace(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.m[key]
	if !ok {
		return false, time.Time{}
	}
	b.maybeResetLocked(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// Record feeds one final outcome for key.
func (b *Breaker) Record(now time.Time, key string, override int, failed bool) {
	trip := b.trip(override)
	if trip == 0 {
		return
	}
	key = strings.TrimSpace(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(key)
	b.maybeResetLocked(st, now)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - trip
	d := b.cfg.BaseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			d = b.cfg.MaxDelay
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	st.openUntil = now.Add(d)
}

// Snapshot counts tracked and currently open circuits.
func (b *Breaker) Snapshot(now time.Time) (total, open int) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
