package config

import (
	"triggerd/internal/trigger"
)

// Config is the daemon configuration file.
//
// Example (YAML):
//
//	logging: { level: info, console: true }
//	storage: { driver: sqlite, path: ./triggerd.db }
//	supervisor: { stop_grace: 5s, restart_backoff: 1s }
//	spawn: { shell: /bin/sh }
//	jobs:
//	  - name: nightly-review
//	    target: ./scripts/review.sh
//	    triggers:
//	      - type: cron
//	        config: { schedule: "0 3 * * *" }
//	    on_complete_emit: review:done
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Bus        BusConfig        `json:"bus"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Spawn      SpawnConfig      `json:"spawn"`
	Jobs       []JobConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional session store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./sessions" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BusConfig tunes the in-process event bus.
//
// Tap logs every bus event at debug level; handy for following job chains.
type BusConfig struct {
	DropLogRate int  `json:"drop_log_rate,omitempty"` // drop warnings per second (default 5)
	Tap         bool `json:"tap,omitempty"`
	TapCapacity int  `json:"tap_capacity,omitempty"`
}

// SupervisorConfig holds job supervisor settings. Durations are Go duration
// strings; empty means the default.
type SupervisorConfig struct {
	StopGrace      string `json:"stop_grace,omitempty"`      // default 5s
	RestartBackoff string `json:"restart_backoff,omitempty"` // default 1s
	QueueSize      int    `json:"queue_size,omitempty"`      // per-job merge queue, default 256
}

// SpawnConfig configures the shell command spawn service.
type SpawnConfig struct {
	Shell     string   `json:"shell,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	Env       []string `json:"env,omitempty"`
	MaxOutput int      `json:"max_output,omitempty"`
	WaitDelay string   `json:"wait_delay,omitempty"`
}

// JobConfig is one background job.
//
// Enabled and RestartOnFailure are pointers so an omitted key means true.
// MaxRestarts is a pointer so an omitted key means 3 and 0 means never.
type JobConfig struct {
	Name     string           `json:"name"`
	Target   string           `json:"target"`
	Enabled  *bool            `json:"enabled,omitempty"`
	Triggers []trigger.Config `json:"triggers,omitempty"`

	InstructionTemplate string `json:"instruction_template,omitempty"`
	PoolSize            int    `json:"pool_size,omitempty"`
	OnCompleteEmit      string `json:"on_complete_emit,omitempty"`
	OnErrorEmit         string `json:"on_error_emit,omitempty"`
	RestartOnFailure    *bool  `json:"restart_on_failure,omitempty"`
	MaxRestarts         *int   `json:"max_restarts,omitempty"`
	SpawnTimeout        string `json:"spawn_timeout,omitempty"`

	Spawn *JobSpawnConfig `json:"spawn,omitempty"`
}

// JobSpawnConfig maps to spawn.Options.
type JobSpawnConfig struct {
	InheritProviders bool   `json:"inherit_providers,omitempty"`
	InheritTools     bool   `json:"inherit_tools,omitempty"`
	InheritHooks     bool   `json:"inherit_hooks,omitempty"`
	ContextDepth     string `json:"context_depth,omitempty"`
	ContextScope     string `json:"context_scope,omitempty"`
	ContextTurns     int    `json:"context_turns,omitempty"`
	SessionName      string `json:"session_name,omitempty"`
	Background       bool   `json:"background,omitempty"`
}

// IsEnabled reports whether the job should run; omitted means true.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
