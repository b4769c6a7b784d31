package retry

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
)

var now = time.Date(2025, 5, 5, 5, 5, 5, 0, time.UTC)

func failed(attempt int, kind ledger.Kind) ledger.Run {
	return ledger.Run{ID: fmt.Sprintf("run-%d", attempt), JobID: "job", Cycle: 7, State: ledger.StateFailed, Attempt: attempt, Kind: kind}
}

func TestDecideSuccessorDelayLowerBound(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{MaxAttempts: 6}.WithDefaults(job.DefaultRetryPolicy())
	prev := time.Duration(0)
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		for i := 0; i < 20; i++ {
			dec := Decide(failed(attempt, ledger.KindHandler), p, fmt.Errorf("boom"), now)
			require.True(t, dec.Retry)
			floor := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
			assert.GreaterOrEqual(t, dec.Delay, floor)
			assert.LessOrEqual(t, dec.Delay, floor+p.Jitter)
			assert.GreaterOrEqual(t, floor, prev, "backoff is non-decreasing")

			s := dec.Successor
			assert.Equal(t, attempt+1, s.Attempt)
			assert.Equal(t, fmt.Sprintf("run-%d", attempt), s.RetryOf)
			assert.Equal(t, ledger.TriggerRetry, s.Trigger)
			assert.Equal(t, ledger.StatePending, s.State)
			assert.Equal(t, uint64(7), s.Cycle)
			assert.True(t, s.NotBefore.Equal(now.Add(dec.Delay)))
			assert.NotEmpty(t, s.ID)
		}
		prev = time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	}
}

func TestDecideExhausted(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{MaxAttempts: 1}.WithDefaults(job.DefaultRetryPolicy())
	dec := Decide(failed(1, ledger.KindHandler), p, fmt.Errorf("boom"), now)
	assert.False(t, dec.Retry)
	assert.True(t, dec.Alert)
	assert.Equal(t, "retries exhausted", dec.Reason)
}

func TestDecideNonRetryable(t *testing.T) {
	t.Parallel()
	p := job.DefaultRetryPolicy()

	dec := Decide(failed(1, ledger.KindHandler), p, NoRetry(fmt.Errorf("bad input")), now)
	assert.False(t, dec.Retry)
	assert.True(t, dec.Alert)

	for _, k := range []ledger.Kind{ledger.KindTimeout, ledger.KindPanic, ledger.KindOrphaned} {
		assert.True(t, Decide(failed(1, k), p, nil, now).Retry, k)
	}

	dec = Decide(ledger.Run{State: ledger.StateCancelled, Kind: ledger.KindReplaced, Attempt: 1}, p, nil, now)
	assert.Equal(t, Decision{}, dec)
}

func TestDelay(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second, Jitter: time.Second}
	zero := func() float64 { return 0 }
	half := func() float64 { return 0.5 }

	tests := []struct {
		name    string
		attempt int
		err     error
		rnd     func() float64
		want    time.Duration
	}{
		{name: "first", attempt: 1, rnd: zero, want: 2 * time.Second},
		{name: "second", attempt: 2, rnd: zero, want: 4 * time.Second},
		{name: "capped", attempt: 10, rnd: zero, want: 10 * time.Second},
		{name: "jitter on top of cap", attempt: 10, rnd: half, want: 10*time.Second + 500*time.Millisecond},
		{name: "hint", attempt: 1, err: After(fmt.Errorf("429"), 7*time.Second), rnd: zero, want: 7 * time.Second},
		{name: "hint bounded", attempt: 1, err: After(fmt.Errorf("429"), time.Hour), rnd: zero, want: 10 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Delay(p, tt.attempt, tt.err, tt.rnd))
		})
	}
}

func TestErrorWrappers(t *testing.T) {
	t.Parallel()
	base := fmt.Errorf("root")
	assert.Nil(t, NoRetry(nil))
	assert.Nil(t, After(nil, time.Second))
	assert.True(t, IsNoRetry(fmt.Errorf("wrapped: %w", NoRetry(base))))
	assert.False(t, IsNoRetry(base))
	assert.ErrorIs(t, After(base, time.Second), base)
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.Schedule("c", "job", now.Add(3*time.Second))
	q.Schedule("a", "job", now.Add(time.Second))
	q.Schedule("b1", "job", now.Add(2*time.Second))
	q.Schedule("b2", "other", now.Add(2*time.Second))

	next, ok := q.Next()
	require.True(t, ok)
	assert.True(t, next.Equal(now.Add(time.Second)))
	assert.Len(t, q.Pending("other"), 1)

	assert.True(t, q.Cancel("c"))
	assert.False(t, q.Cancel("c"))

	due := q.Due(now.Add(2 * time.Second))
	var ids []string
	for _, it := range due {
		ids = append(ids, it.RunID)
	}
	assert.Equal(t, []string{"a", "b1", "b2"}, ids)
	assert.Zero(t, q.Len())
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestQueueReschedule(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.Schedule("a", "job", now.Add(time.Minute))
	q.Schedule("b", "job", now.Add(2*time.Minute))
	q.Schedule("b", "job", now)
	due := q.Due(now)
	require.Len(t, due, 1)
	assert.Equal(t, "b", due[0].RunID)
}

func TestBreaker(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{TripFailures: 2, BaseDelay: 10 * time.Second, MaxDelay: 30 * time.Second, ResetAfter: time.Hour})

	b.Record(now, "job", 0, true)
	open, _ := b.Open(now, "job", 0)
	assert.False(t, open)

	b.Record(now, "job", 0, true)
	open, until := b.Open(now, "job", 0)
	assert.True(t, open)
	assert.True(t, until.Equal(now.Add(10*time.Second)))

	b.Record(now, "job", 0, true)
	b.Record(now, "job", 0, true)
	_, until = b.Open(now, "job", 0)
	assert.True(t, until.Equal(now.Add(30*time.Second)), "cooldown capped")

	open, _ = b.Open(now.Add(31*time.Second), "job", 0)
	assert.False(t, open)

	b.Record(now, "job", 0, false)
	total, openN := b.Snapshot(now)
	assert.Equal(t, 1, total)
	assert.Zero(t, openN)

	// Per-job override disables.
	for i := 0; i < 5; i++ {
		b.Record(now, "quiet", -1, true)
	}
	open, _ = b.Open(now, "quiet", -1)
	assert.False(t, open)
}

func TestBreakerResetsAfterQuiet(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{TripFailures: 1, ResetAfter: time.Minute})
	b.Record(now, "job", 0, true)
	open, _ := b.Open(now, "job", 0)
	require.True(t, open)
	open, _ = b.Open(now.Add(2*time.Minute), "job", 0)
	assert.False(t, open)
}
