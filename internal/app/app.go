package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"

	"tickd/internal/actions"
	"tickd/internal/config"
	"tickd/internal/debugsrv"
	"tickd/internal/eventbus"
	"tickd/internal/history"
	"tickd/internal/lifecycle"
	"tickd/internal/storage"
	"tickd/internal/supervisor"
	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	shutdown *lifecycle.Shutdown
	sched    *timedtask.Scheduler
	recorder *history.Recorder
	builder  *actions.Builder
	debug    *debugsrv.Server

	// start anchors cron rules to the scheduler's elapsed clock.
	start         time.Time
	tickStep      int
	historyDriver string
	loopDone      chan struct{}
	stopped       sync.Once

	// registered holds every task name handed to the scheduler. Tasks can't
	// be unregistered, so a name is never registered twice.
	regMu      sync.Mutex
	registered map[string]bool

	// sdNotify is swapped in tests.
	sdNotify func(state string)
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	var store storage.Store
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	keep := 0
	if cfg.History != nil {
		keep = cfg.History.Keep
	}
	rec := history.New(bus, store, keep, log.With(logx.String("comp", "history")))

	sd := lifecycle.NewShutdown()
	sched := timedtask.New(
		timedtask.WithLogger(log.With(logx.String("comp", "scheduler"))),
		timedtask.WithBus(bus),
		timedtask.WithShutdown(sd),
		timedtask.WithFailureLogRate(cfg.Scheduler.FailureLogRate, cfg.Scheduler.FailureLogBurst),
	)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		shutdown:   sd,
		sched:      sched,
		recorder:   rec,
		builder:    actions.New(log.With(logx.String("comp", "action"))),
		start:      time.Now(),
		tickStep:   cfg.Step(),
		loopDone:   make(chan struct{}),
		sdNotify:   notifySystemd,
		registered: make(map[string]bool),
	}
	if enabled {
		a.historyDriver = sc.Driver
	}
	a.debug = debugsrv.New(log.With(logx.String("comp", "debug")), a.status)
	if err := a.registerTasks(cfg.Tasks); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Scheduler exposes the scheduler so callers can register code-defined
// tasks before Start.
func (a *App) Scheduler() *timedtask.Scheduler { return a.sched }

// History exposes the in-memory run history.
func (a *App) History() *history.Recorder { return a.recorder }

// Shutdown is the signal fired by Stop. Components may subscribe to it.
func (a *App) Shutdown() *lifecycle.Shutdown { return a.shutdown }

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
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.sup.Go("history.recorder", a.recorder.Run)
	a.sup.Go("scheduler.loop", func(c context.Context) error {
		defer close(a.loopDone)
		err := a.sched.Run(c, a.tickStep)
		if err == nil && a.sched.Alive() && a.shutdown.Reason() == "" && c.Err() == nil {
			// loop ended without a stop request; treat as fatal so the host exits
			return errors.New("scheduler loop exited unexpectedly")
		}
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.debug.Apply(a.sup.Context(), mapDebugConfig(a.cfgm.Get()))

	a.logStartupSummary()
	a.sdNotify(daemon.SdNotifyReady)
	return nil
}

func (a *App) logStartupSummary() {
	driver := a.historyDriver
	if driver == "" {
		driver = "none"
	}
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("tasks", a.sched.Len()),
		logx.Int("step", a.tickStep),
		logx.String("history", driver),
	)
	for _, ti := range a.sched.Tasks() {
		a.log.Debug("task", logx.Int("index", ti.Index), logx.String("name", ti.Name), logx.String("rule", ti.Spec))
	}
}

// reloadLoop applies hot-reloaded configs. Bursts collapse to the newest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	coalesce:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					return
				}
				if newer != nil {
					newCfg = newer
				}
			default:
				break coalesce
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	sections, attrs, tc := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range sections {
		switch s {
		case "scheduler":
			a.log.Warn("scheduler config changed; restart required for changes to take effect")
		case "history":
			a.log.Warn("history config changed; restart required for changes to take effect")
		case "debug":
			a.debug.Apply(ctx, mapDebugConfig(newCfg))
		}
	}

	if len(tc.Added) > 0 {
		want := make(map[string]bool, len(tc.Added))
		for _, name := range tc.Added {
			want[name] = true
		}
		var added []config.TaskConfig
		var kept []string
		for _, t := range newCfg.Tasks {
			name := strings.TrimSpace(t.Name)
			if !want[name] {
				continue
			}
			if a.isRegistered(name) {
				kept = append(kept, name)
				continue
			}
			added = append(added, t)
		}
		if len(kept) > 0 {
			// removed earlier in this process; the old definition is still scheduled
			a.log.Warn("task re-added but still registered; restart required for changes to take effect",
				logx.String("tasks", strings.Join(kept, ",")),
			)
		}
		if len(added) > 0 {
			if err := a.registerTasks(added); err != nil {
				a.log.Warn("register reloaded tasks failed", logx.Err(err))
			}
		}
	}
	if len(tc.Changed) > 0 || len(tc.Removed) > 0 {
		a.log.Warn("task definitions changed; restart required for changes to take effect",
			logx.String("changed", strings.Join(tc.Changed, ",")),
			logx.String("removed", strings.Join(tc.Removed, ",")),
		)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop fires the shutdown signal, waits for background loops and releases
// resources. Later calls are no-ops.
func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	var err error
	a.stopped.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason lifecycle.StopReason) error {
	if reason == "" {
		reason = lifecycle.StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)), logx.String("uptime", uptime(a.start, time.Now())))
	a.sdNotify(daemon.SdNotifyStopping)

	// scheduler stops via its shutdown subscription
	a.shutdown.Fire(reason)

	var firstErr error
	if a.sup != nil {
		// one tick for the loop to observe Stop before its sleep is canceled
		a.step(ctx, "scheduler", time.Duration(a.tickStep+1)*time.Second, func(c context.Context) error {
			select {
			case <-a.loopDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
		a.sup.Cancel()
		a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
		a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		firstErr = a.sup.Err()
	}

	a.closeResources()
	a.log.Info("stopped", logx.String("reason", string(reason)))
	if err := a.logs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *App) closeResources() {
	_ = a.builder.Close()
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.store = nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
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
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// Status is served on the debug listener's /status page.
type Status struct {
	Alive         bool                 `json:"alive"`
	Elapsed       int                  `json:"elapsed"`
	Step          int                  `json:"step"`
	Started       time.Time            `json:"started"`
	Uptime        string               `json:"uptime"`
	StopReason    string               `json:"stop_reason,omitempty"`
	Tasks         []timedtask.TaskInfo `json:"tasks"`
	RunsOK        uint64               `json:"runs_ok"`
	RunsFailed    uint64               `json:"runs_failed"`
	EventsDropped uint64               `json:"events_dropped"`
	Recent        []RecentRun          `json:"recent"`
	Supervisor    *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// RecentRun is a stored run plus how long ago it started.
type RecentRun struct {
	storage.RunRecord
	Ago string `json:"ago"`
}

const statusRecent = 20

func (a *App) status() any {
	now := time.Now()
	ok, failed := a.recorder.Counts()
	runs := a.recorder.Recent(statusRecent)
	recent := make([]RecentRun, 0, len(runs))
	for _, r := range runs {
		recent = append(recent, RecentRun{RunRecord: r, Ago: humanize.RelTime(r.StartedAt, now, "ago", "from now")})
	}
	st := Status{
		Alive:         a.sched.Alive(),
		Elapsed:       a.sched.Elapsed(),
		Step:          a.tickStep,
		Started:       a.start,
		Uptime:        uptime(a.start, now),
		StopReason:    string(a.shutdown.Reason()),
		Tasks:         a.sched.Tasks(),
		RunsOK:        ok,
		RunsFailed:    failed,
		EventsDropped: eventbus.Dropped(a.bus),
		Recent:        recent,
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

func uptime(start, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(start, now, "", ""))
}

func notifySystemd(state string) {
	// no-op (false, nil) when NOTIFY_SOCKET is unset
	_, _ = daemon.SdNotify(false, state)
}
