// Package app wires the jobsched daemon around the job scheduler: config,
// logging, triggers, the spool directory, run history, failure alerts and
// the admin server.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/notify"
	"jobsched/internal/observability/admin"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/spool"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"
)

// Scheduler is the daemon's job scheduler.
type Scheduler = engine.Scheduler[job.Spec, job.Result]

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched    *Scheduler
	triggers *trigger.Service
	spool    *spool.Service
	rec      *storage.Recorder
	alerts   *notify.Service
	admin    *admin.Server

	// Bus consumers outlive the supervisor context so they see the events
	// of jobs that finish during Stop.
	tailCancel context.CancelFunc
	tailWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := engine.New(engCfg, job.Run,
		engine.WithLogger(log.With(logx.String("comp", "scheduler"))),
		engine.WithBus(bus),
	)
	if err != nil {
		return nil, err
	}

	triggers := trigger.New(sched, log.With(logx.String("comp", "triggers")))
	defs, err := trigger.FromConfig(cfg.Triggers)
	if err != nil {
		return nil, err
	}
	if err := triggers.Apply(defs); err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		sched:    sched,
		triggers: triggers,
	}

	if sc, enabled := mapSpoolConfig(cfg); enabled {
		sp, err := spool.New(sc, sched, log.With(logx.String("comp", "spool")))
		if err != nil {
			return nil, err
		}
		a.spool = sp
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = storage.NewRecorder(st, bus, log.With(logx.String("comp", "recorder")))
		log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	if nc, tc, enabled, err := mapNotifyConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		tg, err := notify.NewTelegram(tc)
		if err != nil {
			return nil, err
		}
		alerts, err := notify.New(nc, tg, bus, log.With(logx.String("comp", "notify")))
		if err != nil {
			return nil, err
		}
		a.alerts = alerts
	}

	return a, nil
}

func (a *App) Scheduler() *Scheduler { return a.sched }

func (a *App) Triggers() *trigger.Service { return a.triggers }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Store returns the run history, or nil when it is disabled.
func (a *App) Store() storage.Store { return a.store }

// AdminAddr returns the admin server's bound address, or "" when it is
// disabled or not listening yet.
func (a *App) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if ac, enabled, err := mapAdminConfig(a.cfgm.Get()); err != nil {
		return err
	} else if enabled {
		srv, err := admin.New(ac, admin.Deps{
			Scheduler: a.sched,
			Triggers:  a.triggers,
			Loops:     a.sup,
			Store:     a.store,
		}, a.log.With(logx.String("comp", "admin")))
		if err != nil {
			return err
		}
		a.admin = srv
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	tailCtx, tailCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.tailCancel = tailCancel
	if a.rec != nil {
		a.goTail(tailCtx, "recorder", a.rec.Run)
	}
	if a.alerts != nil {
		a.goTail(tailCtx, "notify", a.alerts.Run)
	}

	a.triggers.Start(a.sup.Context())

	if a.spool != nil {
		a.sup.GoRestart("spool", a.spool.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	// Debug-level event trace; frequent triggers would be noisy at info.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if a.admin != nil {
		// Unlimited restarts: a listener that cannot bind never stops the daemon.
		a.sup.GoRestart("admin.http", a.admin.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("triggers", len(a.triggers.Snapshot())),
		logx.Bool("spool", a.spool != nil),
		logx.Bool("history", a.store != nil),
		logx.Bool("alerts", a.alerts != nil),
		logx.Bool("admin", a.admin != nil),
	)
	return nil
}

// applyConfig applies what can change at runtime: logging and the trigger set.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("triggers") {
		defs, err := trigger.FromConfig(newCfg.Triggers)
		if err == nil {
			err = a.triggers.Apply(defs)
		}
		if err != nil {
			a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
		} else {
			a.log.Info("triggers updated", logx.Any("triggers", ch.Triggers))
		}
	}
	if rr := ch.RestartRequired(); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: triggers and spool stop submitting,
// the scheduler flushes its queue and waits for running jobs, then the bus
// consumers drain and storage is closed.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "scheduler", 10*time.Second, func(c context.Context) error {
		a.sched.Dispose()
		return a.sched.Wait(c)
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.spool != nil {
		a.step(ctx, "spool.results", 2*time.Second, a.spool.Wait)
	}
	a.step(ctx, "bus.consumers", 6*time.Second, func(c context.Context) error {
		a.tailCancel()
		done := make(chan struct{})
		go func() { a.tailWG.Wait(); close(done) }()
		select {
		case <-done:
		case <-c.Done():
			return c.Err()
		}
		if a.rec != nil {
			written, failed := a.rec.Stats()
			a.log.Debug("recorder drained", logx.Uint64("written", written), logx.Uint64("failed", failed))
		}
		if a.alerts != nil {
			st := a.alerts.Stats()
			a.log.Debug("alerts drained", logx.Uint64("sent", st.Sent), logx.Uint64("failed", st.Failed), logx.Uint64("deduped", st.Deduped))
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.sched.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("submitted", snap.Submitted),
		logx.Uint64("completed", snap.Completed),
		logx.Uint64("failed", snap.Failed),
		logx.Uint64("disposed", snap.Disposed),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// goTail runs a bus consumer on the tail context.
func (a *App) goTail(ctx context.Context, name string, fn func(context.Context) error) {
	a.tailWG.Add(1)
	go func() {
		defer a.tailWG.Done()
		if err := fn(ctx); err != nil {
			a.log.Warn("bus consumer stopped", logx.String("name", name), logx.Err(err))
		}
	}()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
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
		// fn must honour stepCtx; if it doesn't, log when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
