// Package app wires config, services and plugins together and fans config
// reloads out to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/eventbus"
	"shoutbot/internal/httpapi"
	"shoutbot/internal/httpx"
	"shoutbot/internal/metrics"
	"shoutbot/internal/nexus"
	"shoutbot/internal/notifier"
	"shoutbot/internal/notifier/sink"
	"shoutbot/internal/plugin"
	rtsup "shoutbot/internal/runtime/supervisor"
	"shoutbot/internal/sites"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	"shoutbot/internal/transport/telegram"
	logx "shoutbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRunOnce    StopReason = "run_once"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sites    *sites.Registry
	doer     *swapDoer
	sched    *scheduler.Service
	resolver *scheduler.Resolver
	notif    *notifier.Service
	metrics  *metrics.Metrics
	api      *httpapi.Server
	router   *telegram.Router

	botMu sync.Mutex
	bot   *telegram.Bot

	pm *plugin.Manager
}

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := sites.NewRegistry(bus)
	reg.Sync(cfg.Sites)

	ho, _ := mapHTTP(cfg, log)
	hc, err := httpx.New(ho)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	doer := newSwapDoer(hc)

	sched := scheduler.New(mapScheduler(cfg), log)
	resolver := scheduler.NewResolver(log.With(logx.String("comp", "schedule")), nil)

	m := metrics.New()
	ncfg, sinkCfgs, _ := mapNotifier(cfg)
	sinks, err := sink.Build(context.Background(), sinkCfgs, log)
	if err != nil {
		// a broken sink must not keep the daemon down
		log.Warn("some notification sinks failed to build", logx.Err(err))
	}
	notif := notifier.New(ncfg, sinks, log, bus, store)
	notif.SetObserver(m)
	logSvc.SetForwarder(notif)

	stopTimeout, _ := mapStopTimeout(cfg)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sites:    reg,
		doer:     doer,
		sched:    sched,
		resolver: resolver,
		notif:    notif,
		metrics:  m,
	}

	a.api = httpapi.New(mapAPI(cfg), httpapi.Deps{
		Schedules: sched.Entries,
		Metrics:   m.Handler(),
		Ready:     a.ready,
		Go:        a.goRun,
		Log:       log,
	})

	a.pm = plugin.NewManager(log, plugin.Deps{
		Log:         log,
		Scheduler:   sched,
		Resolver:    resolver,
		Notifier:    notif,
		Store:       store,
		Bus:         bus,
		Sites:       reg,
		Nexus:       nexus.New(doer),
		Routes:      a.api,
		Observer:    m,
		StopTimeout: stopTimeout,
	})
	a.api.SetPlugins(a.pm)

	a.router = telegram.NewRouter(log, a.pm, cfg.Telegram.Owners)
	a.router.Schedules = sched.Entries
	if cfg.Telegram.Enabled {
		tc, _ := mapTelegram(cfg)
		if a.bot, err = telegram.New(tc, a.router, log); err != nil {
			log.Warn("telegram bot unavailable", logx.Err(err))
		}
	}
	return a, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }
func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) ready() error {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("not running")
	}
	return nil
}

// goRun runs fn under the app supervisor so API restarts leave it alone.
func (a *App) goRun(name string, fn func(context.Context)) {
	if a.sup == nil {
		go fn(context.Background())
		return
	}
	a.sup.Go0(name, fn)
}

// Start runs services, reconciles plugins against the loaded config and
// begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := validateMapped(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg.Plugins)
	})

	rctx := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(rctx)
	}
	if a.sched.Enabled() {
		a.sched.Start(rctx)
	} else {
		a.log.Warn("scheduler disabled; plugins only run by hand")
	}
	if a.api.Enabled() {
		a.api.Start(rctx)
	}
	if a.bot != nil {
		if err := a.bot.Start(rctx); err != nil {
			return err
		}
	}

	a.pm.BindContext(rctx)
	if err := a.pm.Reconcile(rctx, a.cfgm.Get().Plugins); err != nil {
		// quarantined plugins are reported, the rest keep running
		a.log.Warn("some plugins failed to start", logx.Err(err))
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("sites", len(a.sites.IDs())),
		logx.Int("schedules", len(a.sched.Entries())),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// RunOnce starts only what one plugin needs, runs it by hand, and returns
// its run error. The scheduler stays stopped so no trigger fires.
func (a *App) RunOnce(ctx context.Context, name string) error {
	raw, ok := a.cfgm.Get().Plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s (not in config)", plugin.ErrUnknownPlugin, name)
	}
	raw.Enabled = true

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	rctx := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(rctx)
	}
	a.pm.BindContext(rctx)
	if err := a.pm.Reconcile(rctx, map[string]config.PluginConfigRaw{name: raw}); err != nil {
		return err
	}
	return a.pm.Run(ctx, name)
}

// Stop tears everything down. Each step is bounded so one stuck component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	stopTimeout, _ := mapStopTimeout(a.cfgm.Get())
	a.step(ctx, "plugins", stopTimeout+5*time.Second, func(c context.Context) error { a.pm.StopAll(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "httpapi", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.botMu.Lock()
	if a.bot != nil {
		a.step(ctx, "telegram", 3*time.Second, a.bot.Stop)
	}
	a.botMu.Unlock()
	// notifier last among producers so final summaries still go out
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "sinks", time.Second, func(context.Context) error { sink.CloseAll(a.notif.Sinks()); return nil })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
