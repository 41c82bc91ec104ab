package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		kind    ScheduleKind
		every   time.Duration
		cron    string
		source  string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: ScheduleCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: ScheduleCron, cron: "@hourly", source: "cron"},
		{in: "cron: 0 0 * * *", kind: ScheduleCron, cron: "0 0 * * *", source: "cron"},
		{in: "55m", kind: ScheduleInterval, every: 55 * time.Minute, source: "duration"},
		{in: "02:30", kind: ScheduleInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "every: 10s", kind: ScheduleInterval, every: 10 * time.Second, source: "duration"},
		{in: "interval:00:50", kind: ScheduleInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps, err := ParseSchedule(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.kind, ps.Kind)
			require.Equal(t, tt.every, ps.Every)
			require.Equal(t, tt.cron, ps.Cron)
			require.Equal(t, tt.source, ps.Source)
		})
	}
}

func TestCronNext(t *testing.T) {
	c := NewCron()
	require.NoError(t, c.Configure(Options{"schedule": "0 * * * *", "timezone": "UTC"}))

	now := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), c.Next(now).UTC())

	iv := NewCron()
	require.NoError(t, iv.Configure(Options{"schedule": "90s"}))
	require.Equal(t, now.Add(90*time.Second), iv.Next(now).In(time.UTC))
}

func TestCronConfigErrors(t *testing.T) {
	for name, opts := range map[string]Options{
		"missing schedule": {},
		"bad cron":         {"schedule": "cron: 61 * * * *"},
		"bad timezone":     {"schedule": "1m", "timezone": "Mars/Olympus"},
		"unknown key":      {"schedule": "1m", "tz": "UTC"},
	} {
		t.Run(name, func(t *testing.T) {
			err := NewCron().Configure(opts)
			require.True(t, IsConfigError(err), "got %v", err)
		})
	}
}

func TestCronUnconfiguredWatchFails(t *testing.T) {
	require.Error(t, NewCron().Watch(t.Context(), make(chan Event)))
}
