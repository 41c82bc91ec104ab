package background

import (
	"fmt"
	"strings"
	"time"

	"triggerd/internal/spawn"
	"triggerd/internal/trigger"
)

const (
	DefaultInstructionTemplate = "Handle this event: {event_summary}"
	DefaultPoolSize            = 1
	DefaultMaxRestarts         = 3
	DefaultStopGrace           = 5 * time.Second
	DefaultRestartBackoff      = time.Second
)

// Bus event names published by the supervisor.
const (
	EventError          = "background:error"
	EventSpawnCompleted = "background:spawn:completed"
	EventSpawnError     = "background:spawn:error"
)

// State is the lifecycle state of a job.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// transitions is the complete lifecycle table; anything else is rejected.
var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped},
	StateFailed:   {StateStarting, StateStopping},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config describes one background job.
type Config struct {
	Name   string
	Target string

	// Triggers are loaded through the supervisor's Loader. Empty means the job
	// only reacts to manual pulses.
	Triggers []trigger.Config

	// InstructionTemplate accepts {event_summary}, {event_type}, {event_data}
	// and {trigger_source}.
	InstructionTemplate string

	// PoolSize bounds in-flight spawns (default 1). Triggers arriving while the
	// pool is full are dropped.
	PoolSize int

	// Extra event names published next to the built-in completion/error events.
	OnCompleteEmit string
	OnErrorEmit    string

	RestartOnFailure bool
	MaxRestarts      int // restarts allowed after the first failure; 0 means none

	SpawnTimeout time.Duration
	// SpawnOptions.Name pins every spawn to one session. When empty each
	// spawn is named <job id>-<spawn count>.
	SpawnOptions spawn.Options
}

func (c Config) normalized() Config {
	c.Name = strings.TrimSpace(c.Name)
	c.Target = strings.TrimSpace(c.Target)
	c.OnCompleteEmit = strings.TrimSpace(c.OnCompleteEmit)
	c.OnErrorEmit = strings.TrimSpace(c.OnErrorEmit)
	if c.InstructionTemplate == "" {
		c.InstructionTemplate = DefaultInstructionTemplate
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	return c
}

// Validate reports config problems wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: name required", ErrInvalidConfig)
	case strings.ContainsAny(c.Name, " \t\r\n"):
		return fmt.Errorf("%w: name %q must not contain whitespace", ErrInvalidConfig, c.Name)
	case strings.TrimSpace(c.Target) == "":
		return fmt.Errorf("%w: job %s: target required", ErrInvalidConfig, c.Name)
	case c.PoolSize < 0:
		return fmt.Errorf("%w: job %s: pool size must be >= 0", ErrInvalidConfig, c.Name)
	case c.SpawnTimeout < 0:
		return fmt.Errorf("%w: job %s: spawn timeout must be >= 0", ErrInvalidConfig, c.Name)
	case strings.TrimSpace(c.SpawnOptions.Name) != "" && c.PoolSize > 1:
		// Concurrent spawns would resume and save the same transcript.
		return fmt.Errorf("%w: job %s: a named session needs pool size 1", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Status is a read-only snapshot of one job.
type Status struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Target       string `json:"target"`
	State        State  `json:"status"`
	TriggerCount int    `json:"trigger_count"`
	SpawnCount   int    `json:"spawn_count"`
	ActiveSpawns int    `json:"active_spawns"`
	RestartCount int    `json:"restart_count"`
	// SpawnFailures counts spawns that returned an error.
	SpawnFailures int `json:"spawn_failures"`
	// Dropped counts triggers rejected because the pool was full.
	Dropped         int       `json:"dropped"`
	LastTriggerTime time.Time `json:"last_trigger_time,omitzero"`
	LastError       string    `json:"error,omitempty"`
}

// Overview is the status of every known job.
type Overview struct {
	Jobs    []Status `json:"jobs"`
	Total   int      `json:"total"`
	Running int      `json:"running"`
}
