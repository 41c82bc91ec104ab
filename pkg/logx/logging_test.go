package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	require.False(t, Nop().IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Debug("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "hello", m["message"])
	require.Equal(t, "test", m["comp"])
	require.Equal(t, float64(3), m["n"])
	require.Equal(t, "boom", m["err"])
	require.Contains(t, m["caller"], "logging_test.go:")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("skipped")
	require.Zero(t, buf.Len())
	require.True(t, l.Enabled(LevelError))
	require.False(t, l.Enabled(LevelDebug))
}

func TestConsoleLoggerLevel(t *testing.T) {
	l := NewConsole("warn")
	require.False(t, l.IsZero())
	require.True(t, l.Enabled(LevelWarn))
	require.False(t, l.Enabled(LevelInfo))
}

func TestParseLevelDefaults(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{in: "trace", want: LevelTrace},
		{in: " Warning ", want: LevelWarn},
		{in: "ERROR", want: LevelError},
		{in: "bogus", want: LevelInfo},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, parseLevel(tt.in, LevelInfo), tt.in)
	}
}
