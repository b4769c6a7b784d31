package notifier

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"jobweave/internal/clock"
	"jobweave/internal/eventbus"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/scheduler"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordSink struct {
	got chan Message
}

func newRecordSink() *recordSink { return &recordSink{got: make(chan Message, 16)} }

func (*recordSink) Name() string { return "record" }

func (r *recordSink) Send(_ context.Context, m Message) error {
	r.got <- m
	return nil
}

func failedEvent(job string, alert bool) scheduler.Event {
	return scheduler.Event{
		JobID:   job,
		RunID:   "run-" + job,
		State:   ledger.StateFailed,
		Attempt: 2,
		Kind:    ledger.KindHandler,
		Error:   "exit status 1",
		Alert:   alert,
		Time:    t0,
	}
}

func startService(t *testing.T, cfg Config, deps Deps) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, deps)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func TestNotifyDeliversAlert(t *testing.T) {
	sink := newRecordSink()
	s := startService(t, Config{}, Deps{Sinks: []Sink{sink}})

	s.Notify(context.Background(), failedEvent("sync", true))

	m := receive(t, sink.got)
	assert.Equal(t, "sync", m.JobID)
	assert.Equal(t, PriorityAlert, m.Priority)
	assert.True(t, m.Alert)
	assert.Equal(t, "exit status 1", m.Detail)
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "record", s.History()[0].Sink)
}

func TestEnqueueFilters(t *testing.T) {
	tests := []struct {
		name       string
		alertsOnly bool
		ev         scheduler.Event
		wantErr    error
	}{
		{name: "success", ev: scheduler.Event{JobID: "a", State: ledger.StateSucceeded}, wantErr: ErrFiltered},
		{name: "dependency skip", ev: scheduler.Event{JobID: "a", State: ledger.StateSkipped, Kind: ledger.KindDependencyUnmet}, wantErr: ErrFiltered},
		{name: "circuit skip", ev: scheduler.Event{JobID: "a", State: ledger.StateSkipped, Kind: ledger.KindCircuitOpen}},
		{name: "retryable failure", ev: failedEvent("a", false)},
		{name: "retryable failure alerts only", alertsOnly: true, ev: failedEvent("a", false), wantErr: ErrFiltered},
		{name: "alert alerts only", alertsOnly: true, ev: failedEvent("a", true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startService(t, Config{AlertsOnly: tt.alertsOnly}, Deps{Sinks: []Sink{newRecordSink()}})
			err := s.Enqueue(context.Background(), tt.ev)
			if tt.wantErr != nil {
				require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEnqueueDisabled(t *testing.T) {
	s := New(Config{}, Deps{})
	s.Start(context.Background())
	err := s.Enqueue(context.Background(), failedEvent("a", true))
	require.True(t, errors.Is(err, ErrDisabled))
}

func TestDedupWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	sink := newRecordSink()
	s := startService(t, Config{DedupWindow: time.Minute}, Deps{Clock: clk, Bus: bus, Sinks: []Sink{sink}})

	require.NoError(t, s.Enqueue(context.Background(), failedEvent("a", true)))
	receive(t, sink.got)
	require.NoError(t, s.Enqueue(context.Background(), failedEvent("a", true)))

	deduped := false
	for !deduped {
		select {
		case ev := <-events:
			deduped = ev.Type == "notifier.deduped"
		case <-time.After(2 * time.Second):
			t.Fatal("no notifier.deduped event")
		}
	}

	// A different job is not suppressed.
	require.NoError(t, s.Enqueue(context.Background(), failedEvent("b", true)))
	assert.Equal(t, "b", receive(t, sink.got).JobID)

	clk.Advance(2 * time.Minute)
	require.NoError(t, s.Enqueue(context.Background(), failedEvent("a", true)))
	assert.Equal(t, "a", receive(t, sink.got).JobID)
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	sent := make(chan struct{}, 1)
	sink := SinkFunc{ID: "flaky", Fn: func(context.Context, Message) error {
		if calls.Add(1) < 3 {
			return errors.New("temporarily unavailable")
		}
		sent <- struct{}{}
		return nil
	}}
	s := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, Deps{Sinks: []Sink{sink}})

	require.NoError(t, s.Enqueue(context.Background(), failedEvent("a", true)))
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("send never succeeded")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	var calls atomic.Int32
	sink := SinkFunc{ID: "down", Fn: func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("down")
	}}
	s := startService(t, Config{RetryMax: 1, RetryBase: time.Millisecond}, Deps{Bus: bus, Sinks: []Sink{sink}})

	require.NoError(t, s.Enqueue(context.Background(), failedEvent("a", true)))
	for {
		select {
		case ev := <-events:
			if ev.Type != "notifier.failed" {
				continue
			}
			d, ok := ev.Data.(DeliveryEvent)
			require.True(t, ok)
			assert.Equal(t, "down", d.Sink)
			assert.Equal(t, "down", d.Error)
			assert.Equal(t, int32(2), calls.Load())
			return
		case <-time.After(2 * time.Second):
			t.Fatal("no notifier.failed event")
		}
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	sink := SinkFunc{ID: "slow", Fn: func(ctx context.Context, _ Message) error {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	s := startService(t, Config{Workers: 1, QueueSize: 1}, Deps{Sinks: []Sink{sink}})
	defer close(release)

	require.NoError(t, s.Enqueue(context.Background(), failedEvent("a", true)))
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(context.Background(), failedEvent("b", true)))

	err := s.Enqueue(context.Background(), failedEvent("c", true))
	require.True(t, errors.Is(err, ErrQueueFull), "got %v", err)
}

func TestEnqueueAfterStop(t *testing.T) {
	s := New(Config{Enabled: true}, Deps{Sinks: []Sink{newRecordSink()}})
	s.Start(context.Background())
	s.Stop(context.Background())
	err := s.Enqueue(context.Background(), failedEvent("a", true))
	require.True(t, errors.Is(err, ErrStopped))
}

type fakeBot struct {
	to   tele.Recipient
	text string
	opt  *tele.SendOptions
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.to = to
	f.text, _ = what.(string)
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.opt = so
		}
	}
	return &tele.Message{ID: 1}, nil
}

func TestTelegramSinkSendsHTML(t *testing.T) {
	bot := &fakeBot{}
	sink := &TelegramSink{cfg: TelegramConfig{ChatID: -100123, ThreadID: 7}, bot: bot}
	m, ok := buildMessage(scheduler.Event{
		JobID:   "sync<eu>",
		RunID:   "r1",
		State:   ledger.StateFailed,
		Attempt: 3,
		Kind:    ledger.KindTimeout,
		Error:   "deadline & more",
		Alert:   true,
		Time:    t0,
	}, false)
	require.True(t, ok)

	require.NoError(t, sink.Send(context.Background(), m))
	chat, ok := bot.to.(*tele.Chat)
	require.True(t, ok)
	assert.Equal(t, int64(-100123), chat.ID)
	require.NotNil(t, bot.opt)
	assert.Equal(t, 7, bot.opt.ThreadID)
	assert.Equal(t, tele.ModeHTML, bot.opt.ParseMode)
	assert.True(t, strings.HasPrefix(bot.text, "🚨 <b>job sync&lt;eu&gt; failed, giving up</b>"))
	assert.Contains(t, bot.text, "deadline &amp; more")
}

func TestNewTelegramSinkValidates(t *testing.T) {
	_, err := NewTelegramSink(TelegramConfig{ChatID: 1})
	require.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)
}
