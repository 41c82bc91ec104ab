package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"triggerd/internal/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// watch runs src.Watch in a goroutine and returns a func that waits for it.
func watch(ctx context.Context, src Source, out chan Event) func() error {
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, out) }()
	return func() error { return <-done }
}

func collect(out chan Event) []Event {
	var evs []Event
	for {
		select {
		case e := <-out:
			evs = append(evs, e)
		default:
			return evs
		}
	}
}

func TestTimerCadence(t *testing.T) {
	tm := NewTimer()
	require.NoError(t, tm.Configure(Options{"interval_seconds": 0.1}))

	out := make(chan Event, 10)
	wait := watch(context.Background(), tm, out)
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, tm.Stop())
	require.NoError(t, wait())

	evs := collect(out)
	require.Len(t, evs, 2)
	for i, e := range evs {
		require.Equal(t, KindTimer, e.Kind)
		require.Equal(t, "timer-trigger", e.Source)
		require.Equal(t, i+1, e.Data["fire_count"])
		require.InDelta(t, 0.1, e.Data["interval_seconds"], 1e-9)
	}
}

func TestTimerImmediate(t *testing.T) {
	tm := NewTimer()
	require.NoError(t, tm.Configure(Options{"interval_seconds": 10, "immediate": true}))

	out := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	wait := watch(ctx, tm, out)

	select {
	case e := <-out:
		require.Equal(t, 1, e.Data["fire_count"])
	case <-time.After(time.Second):
		t.Fatal("immediate timer did not fire")
	}
	cancel()
	require.ErrorIs(t, wait(), context.Canceled)
}

func TestTimerStopIsPrompt(t *testing.T) {
	tm := NewTimer()
	require.NoError(t, tm.Configure(Options{"interval_seconds": 30}))

	wait := watch(context.Background(), tm, make(chan Event))
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	require.NoError(t, tm.Stop())
	require.NoError(t, wait())
	require.Less(t, time.Since(start), time.Second)
}

func TestTimerConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "zero interval", opts: Options{"interval_seconds": 0}},
		{name: "negative interval", opts: Options{"interval_seconds": -1}},
		{name: "wrong type", opts: Options{"interval_seconds": "soon"}},
		{name: "unknown key", opts: Options{"intervall": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTimer().Configure(tt.opts)
			require.Error(t, err)
			require.True(t, IsConfigError(err), "got %T", err)
		})
	}
}

func TestManualFire(t *testing.T) {
	m := NewManual()
	require.NoError(t, m.Configure(nil))

	out := make(chan Event, 4)
	wait := watch(context.Background(), m, out)

	require.True(t, m.Fire(map[string]any{"reason": "user"}))
	require.True(t, m.Fire(nil))

	first := <-out
	require.Equal(t, KindManual, first.Kind)
	require.Equal(t, "user", first.Data["reason"])
	second := <-out
	require.NotNil(t, second.Data)

	require.NoError(t, m.Stop())
	require.NoError(t, wait())
	require.False(t, m.Fire(nil))
}

func TestManualQueueBounded(t *testing.T) {
	m := NewManual()
	for i := 0; i < manualQueueSize; i++ {
		require.True(t, m.Fire(nil))
	}
	require.False(t, m.Fire(nil))
}

func TestManualRejectsOptions(t *testing.T) {
	require.True(t, IsConfigError(NewManual().Configure(Options{"x": 1})))
}

func TestSessionEventBridge(t *testing.T) {
	bus := eventbus.New()
	se := NewSessionEvent(bus)
	require.NoError(t, se.Configure(Options{
		"event_names":   []any{"work:completed"},
		"origin_filter": "job-1",
	}))

	out := make(chan Event, 4)
	wait := watch(context.Background(), se, out)
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.PublishFrom("job-2", "work:completed", nil)
	bus.PublishFrom("job-1", "work:started", nil)
	bus.PublishFrom("job-1", "work:completed", map[string]any{"id": "123"})

	e := <-out
	require.Equal(t, KindSessionEvent, e.Kind)
	require.Equal(t, "job-1", e.OriginID)
	require.Equal(t, "work:completed", e.EventName)
	require.Equal(t, "123", e.Data["id"])
	require.Empty(t, collect(out))

	require.NoError(t, se.Stop())
	require.NoError(t, wait())
	require.Zero(t, bus.SubscriberCount())
}

func TestSessionEventDefaultsToWildcard(t *testing.T) {
	bus := eventbus.New()
	se := NewSessionEvent(bus)
	require.NoError(t, se.Configure(nil))

	out := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	wait := watch(ctx, se, out)
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish("anything", nil)
	e := <-out
	require.Equal(t, "anything", e.EventName)
	require.Equal(t, "Session event 'anything' from unknown", e.Summary())

	cancel()
	require.ErrorIs(t, wait(), context.Canceled)
}

func TestSessionEventOriginFilterList(t *testing.T) {
	se := NewSessionEvent(eventbus.New())
	require.NoError(t, se.Configure(Options{"origin_filter": []any{"a", "b"}}))
	require.Equal(t, []string{"a", "b"}, se.origins)
	require.True(t, IsConfigError(se.Configure(Options{"origin_filter": 7})))
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "file", ev: Event{Kind: KindFileChange, FilePath: "/src/a.go", ChangeType: "modified"}, want: "File modified: /src/a.go"},
		{name: "timer", ev: Event{Kind: KindTimer, Data: map[string]any{"fire_count": 3}}, want: "Timer tick #3"},
		{name: "timer without count", ev: Event{Kind: KindTimer}, want: "Timer tick #?"},
		{name: "session", ev: Event{Kind: KindSessionEvent, EventName: "work:done", OriginID: "bg-a-0001"}, want: "Session event 'work:done' from bg-a-0001"},
		{name: "manual", ev: Event{Kind: KindManual, Data: map[string]any{"reason": "x"}}, want: "Manual trigger: map[reason:x]"},
		{name: "webhook", ev: Event{Kind: KindWebhook, Data: map[string]any{"id": 1}}, want: "webhook: map[id:1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.ev.Summary())
		})
	}
}
