package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triggerd/internal/background"
	"triggerd/internal/spawn"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./state/triggerd.db
  busy_timeout: 2s
supervisor:
  stop_grace: 3s
spawn:
  shell: /bin/bash
  env: ["FOO=bar"]
jobs:
  - name: nightly
    target: ./review.sh
    pool_size: 2
    on_complete_emit: nightly:done
    triggers:
      - type: cron
        config:
          schedule: "0 3 * * *"
    spawn:
      context_depth: recent
      context_turns: 3
  - name: follow-up
    target: ./summarize.sh
    restart_on_failure: false
    max_restarts: 0
    spawn_timeout: 90s
    spawn:
      session_name: follow-up
    triggers:
      - type: session_event
        config:
          event_names: [nightly:done]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func intPtr(v int) *int { return &v }

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, t.TempDir(), "triggerd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Jobs, 2)
	require.Equal(t, "cron", cfg.Jobs[0].Triggers[0].Type)
	require.Equal(t, "0 3 * * *", cfg.Jobs[0].Triggers[0].Config["schedule"])

	st, err := cfg.StorageConfig()
	require.NoError(t, err)
	require.Equal(t, "sqlite", st.Driver)
	require.Equal(t, 2*time.Second, st.BusyTimeout)

	grace, err := cfg.Supervisor.StopGraceDuration()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, grace)
	backoff, err := cfg.Supervisor.RestartBackoffDuration()
	require.NoError(t, err)
	require.Equal(t, background.DefaultRestartBackoff, backoff)
}

func TestLoadJSONWithComments(t *testing.T) {
	body := `{
  // drop warnings per second
  "bus": {"drop_log_rate": 2, "tap": true},
  /* one job */
  "jobs": [
    {"name": "a", "target": "t", "enabled": false},
  ],
}`
	cfg, err := NewManager(writeFile(t, t.TempDir(), "triggerd.json", body)).Load()
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Bus.DropLogRate)
	require.True(t, cfg.Bus.Tap)
	require.Len(t, cfg.Jobs, 1)
	require.False(t, cfg.Jobs[0].IsEnabled())
	require.Empty(t, EnabledJobs(cfg))
}

func TestJobConversion(t *testing.T) {
	m := NewManager(writeFile(t, t.TempDir(), "triggerd.yml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	nightly, err := cfg.Jobs[0].Background()
	require.NoError(t, err)
	require.True(t, nightly.RestartOnFailure, "omitted restart_on_failure means true")
	require.Equal(t, background.DefaultMaxRestarts, nightly.MaxRestarts, "omitted max_restarts means the default")
	require.Equal(t, 2, nightly.PoolSize)
	require.Equal(t, spawn.ContextRecent, nightly.SpawnOptions.ContextDepth)
	require.Equal(t, 3, nightly.SpawnOptions.ContextTurns)
	require.Empty(t, nightly.SpawnOptions.Name)

	follow, err := cfg.Jobs[1].Background()
	require.NoError(t, err)
	require.False(t, follow.RestartOnFailure)
	require.Zero(t, follow.MaxRestarts, "explicit max_restarts: 0 is kept")
	require.Equal(t, 90*time.Second, follow.SpawnTimeout)
	require.Equal(t, "follow-up", follow.SpawnOptions.Name)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown top-level key", file: "c.json", body: `{"jobz": []}`},
		{name: "unknown job key", file: "c.yaml", body: "jobs:\n  - name: a\n    target: t\n    pool: 3\n"},
		{name: "trailing json", file: "c.json", body: `{} {}`},
		{name: "bad yaml", file: "c.yaml", body: "jobs: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, t.TempDir(), tt.file, tt.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "duplicate names", cfg: Config{Jobs: []JobConfig{{Name: "a", Target: "t"}, {Name: "a", Target: "t"}}}, wantErr: "duplicate job name"},
		{name: "missing target", cfg: Config{Jobs: []JobConfig{{Name: "a"}}}, wantErr: "target required"},
		{name: "bad timeout", cfg: Config{Jobs: []JobConfig{{Name: "a", Target: "t", SpawnTimeout: "soon"}}}, wantErr: "spawn_timeout"},
		{name: "bad grace", cfg: Config{Supervisor: SupervisorConfig{StopGrace: "-1s"}}, wantErr: "stop_grace"},
		{name: "bad env", cfg: Config{Spawn: SpawnConfig{Env: []string{"NOVALUE"}}}, wantErr: "KEY=VALUE"},
		{name: "zero max_restarts", cfg: Config{Jobs: []JobConfig{{Name: "a", Target: "t", MaxRestarts: intPtr(0)}}}},
		{name: "negative max_restarts", cfg: Config{Jobs: []JobConfig{{Name: "a", Target: "t", MaxRestarts: intPtr(-1)}}}, wantErr: "max_restarts"},
		{name: "shared session with pool", cfg: Config{Jobs: []JobConfig{{Name: "a", Target: "t", PoolSize: 2, Spawn: &JobSpawnConfig{SessionName: "s"}}}}, wantErr: "named session needs pool size 1"},
		{name: "bad depth", cfg: Config{Jobs: []JobConfig{{Name: "a", Target: "t", Spawn: &JobSpawnConfig{ContextDepth: "deep"}}}}, wantErr: "context depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDiffJobs(t *testing.T) {
	off := false
	oldCfg := &Config{Jobs: []JobConfig{
		{Name: "keep", Target: "t"},
		{Name: "change", Target: "t", PoolSize: 1},
		{Name: "drop", Target: "t"},
	}}
	newCfg := &Config{Jobs: []JobConfig{
		{Name: "keep", Target: "t"},
		{Name: "change", Target: "t", PoolSize: 2},
		{Name: "drop", Target: "t", Enabled: &off},
		{Name: "new", Target: "t"},
	}}
	d := DiffJobs(oldCfg, newCfg)
	require.Equal(t, []string{"new"}, d.Added)
	require.Equal(t, []string{"drop"}, d.Removed)
	require.Equal(t, []string{"change"}, d.Changed)
	require.True(t, DiffJobs(newCfg, newCfg).Empty())

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"jobs"}, changed)
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "triggerd.json", `{"jobs":[{"name":"a","target":"t"}]}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		for _, j := range cfg.Jobs {
			if j.Name == "forbidden" {
				return os.ErrPermission
			}
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":[{"name":"a","target":"t"},{"name":"b","target":"t"}]}`), 0o600))

	select {
	case cfg := <-ch:
		require.Len(t, cfg.Jobs, 2)
		require.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("config reload not published")
	}

	// Invalid content and content the hook rejects are never committed.
	for _, body := range []string{
		`{"jobs":[{"name":"a"}]}`,
		`{"jobs":[{"name":"forbidden","target":"t"}]}`,
	} {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		select {
		case cfg := <-ch:
			t.Fatalf("rejected config published: %+v", cfg)
		case <-time.After(600 * time.Millisecond):
		}
		require.Len(t, m.Get().Jobs, 2)
	}
}
