package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"triggerd/internal/background"
	"triggerd/internal/config"
	"triggerd/internal/eventbus"
	rtsup "triggerd/internal/runtime/supervisor"
	"triggerd/internal/spawn"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// App composes the daemon: config, logging, bus, storage, spawn service and
// the job supervisor.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	// base carries no comp field; packages that tag themselves get it.
	base  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Bus
	store storage.SessionStore

	spawner spawn.Service
	jobs    *background.Supervisor

	// mu guards byName: job name -> id of the instance started from config.
	mu     sync.Mutex
	byName map[string]string
}

type Option func(*App)

// WithSpawner replaces the shell command spawn service.
func WithSpawner(s spawn.Service) Option { return func(a *App) { a.spawner = s } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		base:    log,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		byName:  map[string]string{},
	}
	for _, o := range opts {
		o(a)
	}

	a.bus = eventbus.New(
		eventbus.WithLogger(log.With(logx.String("comp", "eventbus"))),
		eventbus.WithDropLogRate(cfg.Bus.DropLogRate),
	)

	// Storage (optional)
	sc, err := cfg.StorageConfig()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.store = st
	if st != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if a.spawner == nil {
		cc, err := cfg.Spawn.Command()
		if err != nil {
			a.closeStore()
			_ = logSvc.Close()
			return nil, err
		}
		a.spawner = spawn.NewCommandService(cc, log)
	}

	grace, _ := cfg.Supervisor.StopGraceDuration()
	backoff, _ := cfg.Supervisor.RestartBackoffDuration()
	bopts := []background.Option{
		background.WithLogger(log),
		background.WithStopGrace(grace),
		background.WithRestartBackoff(backoff),
		background.WithQueueSize(cfg.Supervisor.QueueSize),
	}
	if st != nil {
		bopts = append(bopts, background.WithStore(st))
	}
	a.jobs = background.New(a.bus, a.spawner, bopts...)
	return a, nil
}

func (a *App) Bus() *eventbus.Bus { return a.bus }

func (a *App) Jobs() *background.Supervisor { return a.jobs }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// JobID returns the id of the running instance of the named config job.
func (a *App) JobID(name string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byName[name]
	return id, ok
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.base)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkTriggers(cfg)
	})

	cfg := a.cfgm.Get()
	if err := checkTriggers(cfg); err != nil {
		return err
	}
	if errs := a.reconcile(nil, cfg); len(errs) > 0 {
		a.jobs.StopAll()
		return errors.Join(errs...)
	}

	// Optional: log every bus event; useful when following job chains.
	if cfg.Bus.Tap {
		sub := a.bus.Subscribe([]string{eventbus.Wildcard}, nil, cfg.Bus.TapCapacity)
		a.sup.Go0("eventbus.tap", func(c context.Context) {
			defer sub.Close()
			tapLoop(c, sub, a.base.With(logx.String("comp", "tap")))
		})
	}

	// hot reload config fan-out
	updates := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		a.reloadLoop(c, updates, cfg)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("jobs", len(a.jobs.IDs())), logx.String("config", a.cfgPath))
	return nil
}

func tapLoop(ctx context.Context, sub *eventbus.Subscription, log logx.Logger) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		keys := make([]string, 0, len(ev.Payload))
		for k := range ev.Payload {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		log.Debug("event", logx.String("name", ev.Name), logx.String("origin", ev.Origin),
			logx.Strings("keys", keys), logx.Time("time", ev.Time))
	}
}

func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-updates:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-updates:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply moves the running daemon from oldCfg to newCfg. Logging and jobs
// change live; the other sections need a restart.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "bus", "spawn", "supervisor":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(newCfg.Logging.Logx())

	for _, err := range a.reconcile(oldCfg, newCfg) {
		a.log.Warn("job reconcile failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// reconcile stops removed and changed jobs, then starts added and changed
// ones. A nil oldCfg starts every enabled job.
func (a *App) reconcile(oldCfg, newCfg *config.Config) []error {
	d := config.DiffJobs(oldCfg, newCfg)
	for _, name := range slices.Concat(d.Removed, d.Changed) {
		a.stopJob(name)
	}

	jobs := config.EnabledJobs(newCfg)
	var errs []error
	for _, name := range slices.Concat(d.Added, d.Changed) {
		if err := a.startJob(jobs[name]); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
		}
	}
	return errs
}

func (a *App) startJob(jc config.JobConfig) error {
	bc, err := jc.Background()
	if err != nil {
		return err
	}
	id, err := a.jobs.Start(bc)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.byName[bc.Name] = id
	a.mu.Unlock()
	return nil
}

func (a *App) stopJob(name string) {
	a.mu.Lock()
	id, ok := a.byName[name]
	delete(a.byName, name)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.jobs.Stop(id)
	a.jobs.Remove(id)
	a.log.Info("job retired", logx.String("name", name), logx.String("job", id))
}

// Check loads and validates the config file the way Start would, without
// starting anything.
func Check(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if err := checkTriggers(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkTriggers loads every trigger of every enabled job against a scratch
// registry so bad trigger options are rejected before anything starts.
func checkTriggers(cfg *config.Config) error {
	reg := trigger.NewRegistry(eventbus.New())
	var errs []error
	for name, jc := range config.EnabledJobs(cfg) {
		for i, tc := range jc.Triggers {
			src, err := reg.Load(tc)
			if err != nil {
				errs = append(errs, fmt.Errorf("job %s: triggers[%d]: %w", name, i, err))
				continue
			}
			_ = src.Stop()
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Jobs first: their spawns may still write sessions.
	grace, _ := a.cfgm.Get().Supervisor.StopGraceDuration()
	step("jobs", grace+time.Second, func(context.Context) error { a.jobs.StopAll(); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, bus tap).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
