package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	t.Parallel()
	f := NewFake(epoch)
	tm := f.NewTimer(epoch.Add(10 * time.Second))
	require.Equal(t, 1, f.Timers())

	f.Advance(9 * time.Second)
	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-tm.C():
		require.True(t, got.Equal(epoch.Add(10*time.Second)))
	default:
		t.Fatal("timer did not fire")
	}
	require.Equal(t, 0, f.Timers())
}

func TestFakeTimerPastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()
	f := NewFake(epoch)
	tm := f.NewTimer(epoch.Add(-time.Second))
	select {
	case <-tm.C():
	default:
		t.Fatal("expected immediate fire")
	}
	require.False(t, tm.Stop())
}

func TestFakeStop(t *testing.T) {
	t.Parallel()
	f := NewFake(epoch)
	tm := f.NewTimer(epoch.Add(time.Minute))
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	require.Equal(t, 0, f.Timers())
}

func TestFakeSleepUntil(t *testing.T) {
	t.Parallel()
	f := NewFake(epoch)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.SleepUntil(ctx, epoch.Add(time.Hour)) }()

	require.NoError(t, f.BlockUntil(ctx, 1))
	f.Advance(time.Hour)
	require.NoError(t, <-done)
}

func TestFakeSleepUntilCancelled(t *testing.T) {
	t.Parallel()
	f := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.SleepUntil(ctx, epoch.Add(time.Hour)) }()

	require.NoError(t, f.BlockUntil(context.Background(), 1))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRealSleepUntilPast(t *testing.T) {
	t.Parallel()
	c := Real()
	require.NoError(t, c.SleepUntil(context.Background(), c.Now().Add(-time.Second)))
}
