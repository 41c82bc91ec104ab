package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/background"
	"triggerd/internal/spawn"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

// Validate checks the parts of cfg that can be checked without starting
// anything. Trigger options are checked when the job starts.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.Supervisor.StopGraceDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Supervisor.RestartBackoffDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Spawn.Command(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.StorageConfig(); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name != "" && seen[name] {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate job name %q", i, name))
		}
		seen[name] = true
		bc, err := j.Background()
		if err == nil {
			err = bc.Validate()
		}
		if err == nil {
			err = bc.SpawnOptions.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (s SupervisorConfig) StopGraceDuration() (time.Duration, error) {
	return ParseDurationOrDefault("supervisor.stop_grace", s.StopGrace, background.DefaultStopGrace)
}

func (s SupervisorConfig) RestartBackoffDuration() (time.Duration, error) {
	return ParseDurationOrDefault("supervisor.restart_backoff", s.RestartBackoff, background.DefaultRestartBackoff)
}

// Command converts the spawn section into a CommandConfig.
func (s SpawnConfig) Command() (spawn.CommandConfig, error) {
	wd, err := ParseDurationField("spawn.wait_delay", s.WaitDelay)
	if err != nil {
		return spawn.CommandConfig{}, err
	}
	if s.MaxOutput < 0 {
		return spawn.CommandConfig{}, errors.New("spawn.max_output must be >= 0")
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return spawn.CommandConfig{}, fmt.Errorf("spawn.env: %q is not KEY=VALUE", kv)
		}
	}
	return spawn.CommandConfig{
		Shell:     strings.TrimSpace(s.Shell),
		Dir:       strings.TrimSpace(s.Dir),
		Env:       append([]string(nil), s.Env...),
		MaxOutput: s.MaxOutput,
		WaitDelay: wd,
	}, nil
}

// StorageConfig converts the storage section. A missing section disables
// storage.
func (c *Config) StorageConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: bt}, nil
}

func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// Background converts a job entry. RestartOnFailure defaults to true and
// MaxRestarts to background.DefaultMaxRestarts.
func (j JobConfig) Background() (background.Config, error) {
	timeout, err := ParseDurationField("spawn_timeout", j.SpawnTimeout)
	if err != nil {
		return background.Config{}, err
	}
	if j.PoolSize < 0 {
		return background.Config{}, fmt.Errorf("pool_size must be >= 0")
	}
	maxRestarts := background.DefaultMaxRestarts
	if j.MaxRestarts != nil {
		if *j.MaxRestarts < 0 {
			return background.Config{}, fmt.Errorf("max_restarts must be >= 0")
		}
		maxRestarts = *j.MaxRestarts
	}
	bc := background.Config{
		Name:                strings.TrimSpace(j.Name),
		Target:              strings.TrimSpace(j.Target),
		Triggers:            j.Triggers,
		InstructionTemplate: j.InstructionTemplate,
		PoolSize:            j.PoolSize,
		OnCompleteEmit:      j.OnCompleteEmit,
		OnErrorEmit:         j.OnErrorEmit,
		RestartOnFailure:    j.RestartOnFailure == nil || *j.RestartOnFailure,
		MaxRestarts:         maxRestarts,
		SpawnTimeout:        timeout,
	}
	if s := j.Spawn; s != nil {
		bc.SpawnOptions = spawn.Options{
			InheritProviders: s.InheritProviders,
			InheritTools:     s.InheritTools,
			InheritHooks:     s.InheritHooks,
			ContextDepth:     spawn.ContextDepth(strings.TrimSpace(s.ContextDepth)),
			ContextScope:     spawn.ContextScope(strings.TrimSpace(s.ContextScope)),
			ContextTurns:     s.ContextTurns,
			Name:             strings.TrimSpace(s.SessionName),
			Background:       s.Background,
		}
	}
	return bc, nil
}
