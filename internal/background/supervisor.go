// Package background runs long-lived, trigger-driven jobs.
//
// A job watches one or more trigger sources and launches one unit of work
// through a spawn.Service for every trigger it accepts. Results and failures
// are published on the event bus, where they can trigger other jobs.
package background

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/spawn"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// Supervisor owns every job it started. The zero value is not usable; use New.
type Supervisor struct {
	bus     *eventbus.Bus
	spawner spawn.Service
	loader  trigger.Loader
	store   storage.SessionStore
	log     logx.Logger

	stopGrace      time.Duration
	restartBackoff time.Duration
	queueSize      int

	mu    sync.Mutex
	seq   int
	jobs  map[string]*job
	order []string
}

type Option func(*Supervisor)

// WithLoader replaces the default trigger registry.
func WithLoader(l trigger.Loader) Option { return func(s *Supervisor) { s.loader = l } }

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithStopGrace bounds how long Stop waits for a job's tasks.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithRestartBackoff sets the fixed delay before a failed loop is relaunched.
func WithRestartBackoff(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.restartBackoff = d
		}
	}
}

// WithQueueSize sets the per-job merge queue capacity.
func WithQueueSize(n int) Option { return func(s *Supervisor) { s.queueSize = n } }

// WithStore sets the session store handed to spawns that have none.
func WithStore(st storage.SessionStore) Option { return func(s *Supervisor) { s.store = st } }

// New returns a Supervisor publishing on bus and spawning through spawner.
// A nil bus gets a private one.
func New(bus *eventbus.Bus, spawner spawn.Service, opts ...Option) *Supervisor {
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Supervisor{
		bus:            bus,
		spawner:        spawner,
		stopGrace:      DefaultStopGrace,
		restartBackoff: DefaultRestartBackoff,
		queueSize:      trigger.DefaultMergeQueueSize,
		jobs:           map[string]*job{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "background"))
	if s.loader == nil {
		s.loader = trigger.NewRegistry(bus)
	}
	if s.spawner == nil {
		s.spawner = spawn.Func(func(context.Context, spawn.Request) (spawn.Result, error) {
			return spawn.Result{}, errors.New("no spawn service configured")
		})
	}
	return s
}

// Bus returns the bus the supervisor publishes on.
func (s *Supervisor) Bus() *eventbus.Bus { return s.bus }

// Start validates cfg, loads its trigger sources and launches the job. It
// returns the new job id without waiting for the job to reach running.
// Trigger configuration errors are returned as *trigger.ConfigError.
func (s *Supervisor) Start(cfg Config) (string, error) {
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := cfg.SpawnOptions.Validate(); err != nil {
		return "", fmt.Errorf("%w: job %s: %v", ErrInvalidConfig, cfg.Name, err)
	}
	if cfg.SpawnOptions.Store == nil {
		cfg.SpawnOptions.Store = s.store
	}

	sources, manual, err := s.loadSources(cfg)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("bg-%s-%04d", cfg.Name, s.seq)
	j := newJob(s, id, cfg)
	s.jobs[id] = j
	s.order = append(s.order, id)
	s.mu.Unlock()

	j.launch(sources, manual)
	s.log.Info("job started", logx.String("job", id), logx.String("target", cfg.Target), logx.Int("triggers", len(sources)))
	return id, nil
}

// loadSources builds every trigger of cfg. Sources loaded before a failure
// are stopped. A job without triggers gets a synthetic manual source.
func (s *Supervisor) loadSources(cfg Config) ([]trigger.Source, *trigger.Manual, error) {
	var (
		sources []trigger.Source
		manual  *trigger.Manual
	)
	for _, tc := range cfg.Triggers {
		src, err := s.loader.Load(tc)
		if err != nil {
			for _, loaded := range sources {
				_ = loaded.Stop()
			}
			return nil, nil, err
		}
		if m, ok := src.(*trigger.Manual); ok && manual == nil {
			manual = m
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		s.log.Warn("job has no triggers, adding manual trigger", logx.String("name", cfg.Name))
		manual = trigger.NewManual()
		sources = append(sources, manual)
	}
	return sources, manual, nil
}

func (s *Supervisor) lookup(id string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Stop moves a job to stopping, cancels its task tree and waits up to the
// stop grace before forcing it to stopped. It reports false for an unknown id.
// Stopping an already stopped job is a no-op that reports true.
func (s *Supervisor) Stop(id string) bool {
	j := s.lookup(id)
	if j == nil {
		return false
	}
	j.stop(s.stopGrace)
	return true
}

// StopAll stops every job in start order.
func (s *Supervisor) StopAll() {
	for _, id := range s.IDs() {
		s.Stop(id)
	}
}

// Remove forgets a job that is stopped or failed. Running jobs are kept.
func (s *Supervisor) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return false
	}
	if st := j.state(); st != StateStopped && st != StateFailed {
		return false
	}
	// A failed job may still hold a pending restart.
	j.tree.Cancel()
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// IDs returns the known job ids in start order.
func (s *Supervisor) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Status returns a snapshot of one job.
func (s *Supervisor) Status(id string) (Status, bool) {
	j := s.lookup(id)
	if j == nil {
		return Status{}, false
	}
	return j.status(), true
}

// StatusAll returns a snapshot of every job, in start order.
func (s *Supervisor) StatusAll() Overview {
	var ov Overview
	for _, id := range s.IDs() {
		st, ok := s.Status(id)
		if !ok {
			continue
		}
		ov.Jobs = append(ov.Jobs, st)
		if st.State == StateRunning {
			ov.Running++
		}
	}
	ov.Total = len(ov.Jobs)
	return ov
}

// FireManual feeds a manual trigger straight into the job's handler,
// bypassing the merge queue. It reports false unless the job is running.
func (s *Supervisor) FireManual(id string, payload map[string]any) bool {
	j := s.lookup(id)
	if j == nil {
		return false
	}
	data := maps.Clone(payload)
	if data == nil {
		data = map[string]any{}
	}
	return j.handle(trigger.Event{
		Kind:   trigger.KindManual,
		Source: "manual-api",
		Time:   time.Now().UTC(),
		Data:   data,
	})
}

// Manual returns the manual source the job is currently watching, if it has
// one. Pulses sent through it travel the merge queue like any other trigger.
func (s *Supervisor) Manual(id string) (*trigger.Manual, bool) {
	j := s.lookup(id)
	if j == nil {
		return nil, false
	}
	m := j.manualSource()
	return m, m != nil
}
