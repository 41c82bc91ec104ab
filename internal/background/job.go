package background

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/runtime/supervisor"
	"triggerd/internal/spawn"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// job is the runtime state of one started Config. Every field below mu is
// guarded by it; Status copies them under the lock.
type job struct {
	sup  *Supervisor
	id   string
	cfg  Config
	log  logx.Logger
	pool *spawnPool
	tree *supervisor.Supervisor
	emit *eventbus.Emitter

	mu            sync.Mutex
	st            State
	triggerCount  int
	spawnCount    int
	restartCount  int
	spawnFailures int
	dropped       int
	lastTrigger   time.Time
	lastErr       string
	manual        *trigger.Manual
}

func newJob(s *Supervisor, id string, cfg Config) *job {
	log := s.log.With(logx.String("job", id))
	return &job{
		sup:  s,
		id:   id,
		cfg:  cfg,
		log:  log,
		pool: newSpawnPool(cfg.PoolSize),
		tree: supervisor.New(context.Background(), supervisor.WithLogger(log)),
		emit: s.bus.Emitter(id),
		st:   StateStopped,
	}
}

// setState applies one lifecycle transition. Caller holds j.mu.
func (j *job) setState(to State) bool {
	if !canTransition(j.st, to) {
		j.log.Debug("state transition rejected", logx.String("from", string(j.st)), logx.String("to", string(to)))
		return false
	}
	j.log.Debug("state", logx.String("from", string(j.st)), logx.String("to", string(to)))
	j.st = to
	return true
}

func (j *job) transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setState(to)
}

func (j *job) state() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st
}

func (j *job) manualSource() *trigger.Manual {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.manual
}

func (j *job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		ID:              j.id,
		Name:            j.cfg.Name,
		Target:          j.cfg.Target,
		State:           j.st,
		TriggerCount:    j.triggerCount,
		SpawnCount:      j.spawnCount,
		ActiveSpawns:    j.pool.active(),
		RestartCount:    j.restartCount,
		SpawnFailures:   j.spawnFailures,
		Dropped:         j.dropped,
		LastTriggerTime: j.lastTrigger,
		LastError:       j.lastErr,
	}
}

func (j *job) launch(sources []trigger.Source, manual *trigger.Manual) {
	j.mu.Lock()
	j.setState(StateStarting)
	j.manual = manual
	j.mu.Unlock()
	j.tree.Go0("loop", func(ctx context.Context) { j.supervise(ctx, sources) })
}

// supervise runs the merge loop and applies the restart policy. sources is
// the set loaded by Start; restarts load a fresh set.
func (j *job) supervise(ctx context.Context, sources []trigger.Source) {
	for {
		var err error
		if sources == nil {
			var manual *trigger.Manual
			sources, manual, err = j.sup.loadSources(j.cfg)
			if err == nil {
				j.mu.Lock()
				j.manual = manual
				j.mu.Unlock()
			}
		}
		if err == nil {
			if !j.transition(StateRunning) {
				for _, src := range sources {
					_ = src.Stop()
				}
				return
			}
			j.log.Debug("trigger loop running", logx.Int("sources", len(sources)))
			err = trigger.NewMerger(sources, j.sup.queueSize, j.log).Run(ctx, func(ev trigger.Event) { j.handle(ev) })
		}
		sources = nil

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			j.log.Info("all triggers ended, job stopped")
			j.mu.Lock()
			j.setState(StateStopping)
			j.setState(StateStopped)
			j.mu.Unlock()
			return
		}
		if !j.fail(err) {
			return
		}
		t := time.NewTimer(j.sup.restartBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !j.transition(StateStarting) {
			return
		}
	}
}

// fail records a loop failure and reports whether the loop should restart.
func (j *job) fail(err error) bool {
	j.mu.Lock()
	serr := &SupervisionError{JobID: j.id, Attempt: j.restartCount, Err: err}
	if !j.setState(StateFailed) {
		j.mu.Unlock()
		return false
	}
	j.lastErr = err.Error()
	restart := j.cfg.RestartOnFailure && j.restartCount < j.cfg.MaxRestarts
	if restart {
		j.restartCount++
	}
	restarts := j.restartCount
	j.mu.Unlock()

	j.log.Error("trigger loop failed", logx.Err(serr), logx.Bool("restart", restart), logx.Int("restart_count", restarts))
	j.emit.Publish(EventError, map[string]any{
		"job_id":        j.id,
		"job_name":      j.cfg.Name,
		"error":         err.Error(),
		"restart_count": restarts,
		"will_restart":  restart,
	})
	return restart
}

// handle applies one trigger: count it, then either drop it (pool full) or
// launch a spawn. It reports false when the job is not running.
func (j *job) handle(ev trigger.Event) bool {
	if j.tree.Context().Err() != nil {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st != StateRunning {
		return false
	}
	j.triggerCount++
	j.lastTrigger = time.Now().UTC()
	if !j.pool.tryAcquire() {
		j.dropped++
		j.log.Debug("pool full, trigger dropped", logx.String("kind", string(ev.Kind)), logx.String("source", ev.Source), logx.Int("pool", j.cfg.PoolSize))
		return true
	}
	j.spawnCount++
	seq := j.spawnCount
	instruction := buildInstruction(j.cfg.InstructionTemplate, ev)
	// Go runs under j.mu so Stop cannot start waiting before the spawn is counted.
	j.tree.Go0("spawn", func(ctx context.Context) { j.runSpawn(ctx, ev, instruction, seq) })
	return true
}

func (j *job) runSpawn(ctx context.Context, ev trigger.Event, instruction string, seq int) {
	opts := j.cfg.SpawnOptions
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s-%d", j.id, seq)
	}
	if j.cfg.SpawnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.SpawnTimeout)
		defer cancel()
		if opts.Timeout == 0 {
			opts.Timeout = j.cfg.SpawnTimeout
		}
	}

	start := time.Now()
	res, err := j.callSpawn(ctx, spawn.Request{Target: j.cfg.Target, Instruction: instruction, Options: opts})

	payload := map[string]any{
		"job_id":         j.id,
		"job_name":       j.cfg.Name,
		"trigger_type":   string(ev.Kind),
		"trigger_source": ev.Source,
		"trigger_data":   maps.Clone(ev.Data),
	}
	// A stopped job publishes nothing, even for a spawn that outlived the grace.
	if j.tree.Context().Err() != nil {
		j.log.Debug("spawn ended after stop, outcome dropped", logx.Bool("failed", err != nil), logx.Duration("took", time.Since(start)))
		return
	}
	if err != nil {
		serr := &SpawnError{JobID: j.id, Err: err}
		j.mu.Lock()
		j.spawnFailures++
		j.mu.Unlock()
		j.log.Warn("spawn failed", logx.Err(serr), logx.Duration("took", time.Since(start)))

		payload["success"] = false
		payload["error"] = err.Error()
		j.publish(EventSpawnError, j.cfg.OnErrorEmit, payload)
		return
	}

	j.log.Debug("spawn completed", logx.String("unit", res.UnitID), logx.Duration("took", time.Since(start)))
	payload["success"] = true
	payload["unit_id"] = res.UnitID
	payload["output"] = res.Output
	payload["work_count"] = res.WorkCount
	j.publish(EventSpawnCompleted, j.cfg.OnCompleteEmit, payload)
}

// callSpawn invokes the spawn service and always returns the pool token
// before the caller publishes the outcome.
func (j *job) callSpawn(ctx context.Context, req spawn.Request) (res spawn.Result, err error) {
	defer j.pool.release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("spawn panicked: %v", r)
		}
	}()
	return j.sup.spawner.Spawn(ctx, req)
}

func (j *job) publish(name, custom string, payload map[string]any) {
	j.emit.Publish(name, payload)
	if custom != "" && custom != name {
		j.emit.Publish(custom, payload)
	}
}

func (j *job) stop(grace time.Duration) {
	j.mu.Lock()
	if j.st == StateStopped {
		j.mu.Unlock()
		return
	}
	j.setState(StateStopping)
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	err := j.tree.Stop(ctx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		j.log.Warn("stop grace elapsed, forcing stopped", logx.Duration("grace", grace), logx.Int64("detached", j.tree.Counters().Active))
	}

	j.mu.Lock()
	if j.st == StateStopping {
		j.setState(StateStopped)
	}
	j.mu.Unlock()
	j.log.Info("job stopped")
}
