package background

import (
	"testing"

	"github.com/stretchr/testify/require"

	"triggerd/internal/trigger"
)

func TestBuildInstruction(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		ev   trigger.Event
		want string
	}{
		{
			name: "default template",
			tmpl: DefaultInstructionTemplate,
			ev:   trigger.Event{Kind: trigger.KindTimer, Data: map[string]any{"fire_count": 2}},
			want: "Handle this event: Timer tick #2",
		},
		{
			name: "all placeholders",
			tmpl: "{event_type}|{trigger_source}|{event_data}|{event_summary}",
			ev:   trigger.Event{Kind: trigger.KindSessionEvent, Source: "session-event-trigger", EventName: "x", OriginID: "bg-a-0001", Data: map[string]any{"a": 1}},
			want: "session_event|session-event-trigger|map[a:1]|Session event 'x' from bg-a-0001",
		},
		{
			name: "file change",
			tmpl: "Review {event_summary}",
			ev:   trigger.Event{Kind: trigger.KindFileChange, FilePath: "main.go", ChangeType: "created"},
			want: "Review File created: main.go",
		},
		{
			name: "unknown placeholder kept",
			tmpl: "{event_summary} {nope}",
			ev:   trigger.Event{Kind: trigger.KindManual},
			want: "Manual trigger: map[] {nope}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, buildInstruction(tt.tmpl, tt.ev))
		})
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateStopped, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateRunning, StateFailed, true},
		{StateStarting, StateFailed, true},
		{StateFailed, StateStarting, true},
		{StateFailed, StateStopping, true},
		{StateStopped, StateRunning, false},
		{StateStopping, StateFailed, false},
		{StateStopping, StateRunning, false},
		{StateRunning, StateStopped, false},
		{StateStopped, StateStopped, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPool(t *testing.T) {
	p := newSpawnPool(2)
	require.True(t, p.tryAcquire())
	require.True(t, p.tryAcquire())
	require.False(t, p.tryAcquire())
	require.Equal(t, 2, p.active())
	p.release()
	require.Equal(t, 1, p.active())
	p.release()
	p.release()
	require.Zero(t, p.active())
	require.Equal(t, 1, newSpawnPool(0).limit)
}

func TestConfigNormalized(t *testing.T) {
	c := Config{Name: " a ", Target: " t "}.normalized()
	require.Equal(t, "a", c.Name)
	require.Equal(t, "t", c.Target)
	require.Equal(t, DefaultInstructionTemplate, c.InstructionTemplate)
	require.Equal(t, DefaultPoolSize, c.PoolSize)
	require.Zero(t, c.MaxRestarts)
	require.Zero(t, Config{MaxRestarts: -2}.normalized().MaxRestarts)
	require.Equal(t, 1, Config{MaxRestarts: 1}.normalized().MaxRestarts)
}
