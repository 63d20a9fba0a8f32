package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/observability/ops"
	rtsup "modbot/internal/runtime/supervisor"
	"modbot/internal/services/ack"
	"modbot/internal/services/commands"
	"modbot/internal/services/maintenance"
	"modbot/internal/services/scheduler"
	"modbot/internal/settings"
	"modbot/internal/storage"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	recent *eventbus.Recent
	store  storage.Store
	gw     transport.Gateway

	settings *settings.Service
	sched    *scheduler.Service
	acks     *ack.Handler
	cmds     *commands.Service
	maint    *maintenance.Service
	ops      *ops.Server
	disp     *dispatcher

	updates chan transport.Update
	// lastBeat is the unix-nano end of the newest scheduler cycle, or of its start.
	lastBeat atomic.Int64

	schedMu     sync.Mutex
	schedCancel context.CancelFunc
	schedDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The chat sink needs the gateway, and the gateway wants a logger. Start
	// with chat logging off, then enable it once the sender exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	gw, err := newGateway(cfg, root)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(gw)
	logSvc.Apply(logCfg)

	sc := mapStorageConfig(cfg)
	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.Open(openCtx, sc, root.With(logx.String("comp", "storage")))
	cancel()
	if errors.Is(err, storage.ErrDisabled) {
		err = errors.New("storage.driver is required: tasks must outlive restarts (use \"memory\" for throwaway runs)")
	}
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	st := settings.New(store, 1024, 5*time.Minute)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		recent:   eventbus.NewRecent(cfg.Ops.EventBuffer),
		store:    store,
		gw:       gw,
		settings: st,
		updates:  make(chan transport.Update, 256),
	}
	a.sched = scheduler.New(mapSchedulerConfig(cfg), store, st, gw,
		root.With(logx.String("comp", "scheduler")), scheduler.WithBus(bus),
		scheduler.WithHeartbeat(func() { a.lastBeat.Store(time.Now().UnixNano()) }))

	a.acks = ack.New(store, st, gw, bus, root.With(logx.String("comp", "ack")))
	a.acks.SetEmojis(cfg.Gateway.AckEmojis)

	a.cmds = commands.New(store, st, gw, bus, root.With(logx.String("comp", "commands")))
	a.cmds.SetAccess(cfg.Gateway.CommandPrefix, cfg.Gateway.AdminUserIDs)

	a.maint = maintenance.New(mapMaintenanceConfig(cfg), store, root.With(logx.String("comp", "maintenance")))
	a.ops = ops.New(mapOpsConfig(cfg), ops.Sources{
		Tasks:      store,
		Supervisor: a.supervisors,
		Events:     a.recent.List,
		LastCycle:  func() any { return a.sched.LastCycle() },
		Health:     a.Healthy,
	}, root.With(logx.String("comp", "ops")))
	a.disp = newDispatcher(a.acks, a.cmds, root.With(logx.String("comp", "dispatch")))
	return a, nil
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

// Healthy fails when the reminder loop has stopped making progress.
func (a *App) Healthy() error {
	cfg := a.cfgm.Get()
	if !cfg.Scheduler.Enabled || !a.schedulerRunning() {
		return nil
	}
	limit := 3*cfg.SchedulerTick() + cfg.TaskTimeout()
	if age := time.Since(time.Unix(0, a.lastBeat.Load())); age > limit {
		return fmt.Errorf("scheduler stalled: last cycle ended %s ago", age.Round(time.Second))
	}
	return nil
}

// supervisors snapshots the app supervisor and, when available, the gateway's.
func (a *App) supervisors() any {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sp, ok := a.gw.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		if s := sp.Supervisor(); s != nil {
			out["gateway"] = s.Snapshot()
		}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Record events before anything can publish them.
	a.sup.Go0("events.recent", func(c context.Context) { a.recent.Follow(c, a.bus) })
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.gw.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Enabled {
		a.startScheduler()
	} else {
		a.log.Warn("scheduler disabled; reminders will not be posted")
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())

	a.sup.GoRestart("dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.updates)
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("gateway", cfg.Gateway.Driver),
		logx.String("storage", cfg.Storage.Driver),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
	)
	return nil
}

func (a *App) startScheduler() {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	if a.schedCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	done := make(chan struct{})
	a.schedCancel, a.schedDone = cancel, done
	// counts as a beat so a restarted loop gets a full window
	a.lastBeat.Store(time.Now().UnixNano())
	a.sup.Go("scheduler", func(context.Context) error {
		defer close(done)
		return a.sched.Run(ctx)
	})
}

// stopScheduler cancels the loop and waits for the current cycle to finish.
func (a *App) stopScheduler(ctx context.Context) {
	a.schedMu.Lock()
	cancel, done := a.schedCancel, a.schedDone
	a.schedCancel, a.schedDone = nil, nil
	a.schedMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *App) schedulerRunning() bool {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	return a.schedCancel != nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.stopScheduler(c); return nil })
	a.step(ctx, "gateway", 3*time.Second, func(c context.Context) error {
		a.logs.SetSender(nil)
		return a.gw.Stop(c)
	})
	// Dispatch workers may still be writing; close storage after they are gone.
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			logx.String("err", stepCtx.Err().Error()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

func joinSections(s []string) string { return strings.Join(s, ",") }
