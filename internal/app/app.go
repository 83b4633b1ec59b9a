package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pairgate/internal/admission"
	"pairgate/internal/broadcast"
	"pairgate/internal/config"
	"pairgate/internal/eventbus"
	"pairgate/internal/httpapi"
	"pairgate/internal/hub"
	"pairgate/internal/identity"
	"pairgate/internal/identity/sim"
	"pairgate/internal/notifier"
	rtsup "pairgate/internal/runtime/supervisor"
	"pairgate/internal/scheduler"
	"pairgate/internal/session"
	"pairgate/internal/settings"
	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	settings   *settings.Service
	dispatcher *broadcast.Dispatcher
	sessions   *session.Manager
	limiter    *admission.Limiter
	hub        *hub.Hub
	notif      *notifier.Service
	sched      *scheduler.Service
	server     *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	settingsSvc := settings.NewService(store, log.With(logx.String("comp", "settings")))

	autoConnect, err := config.ParseDurationOrDefault("identity.auto_connect", cfg.Identity.AutoConnect, config.DefaultSimAutoConnect)
	if err != nil {
		return nil, err
	}
	var idStorage *identity.DirStorage
	if dir := strings.TrimSpace(cfg.Identity.StorageDir); dir != "" {
		idStorage = &identity.DirStorage{Root: dir}
	}
	factory := sim.New(sim.Options{
		Storage:     idStorage,
		AutoConnect: autoConnect,
		Log:         log.With(logx.String("comp", "identity")),
	})

	minDelay, maxDelay, err := mapBroadcastDelays(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := broadcast.New(broadcast.Options{
		MinDelay: minDelay,
		MaxDelay: maxDelay,
		Log:      log.With(logx.String("comp", "broadcast")),
	})

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := session.Deps{
		Factory:     factory,
		Store:       store,
		Settings:    settingsSvc,
		Broadcaster: dispatcher,
		Bus:         bus,
		Log:         log.With(logx.String("comp", "session")),
	}
	if idStorage != nil {
		deps.Storage = *idStorage
	}
	sessions := session.NewManager(deps, sessCfg)

	limits := func() admission.Limits {
		snap := settingsSvc.Snapshot()
		return admission.Limits{
			Window:        snap.RateLimitWindow(),
			MaxAttempts:   snap.RateLimitMaxAttempts,
			MaxPerAddress: snap.MaxSessionsPerIP,
		}
	}
	limiter := admission.NewLimiter(limits)
	gate := admission.NewGate(limiter, sessions, limits)

	proxies, err := config.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	liveHub := hub.New(hub.Deps{
		Sessions: sessions,
		Gate:     gate,
		Settings: settingsSvc,
		Bus:      bus,
		Log:      log,
	}, hub.Options{AllowedOrigins: cfg.Server.AllowedOrigins, TrustedProxies: proxies})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, settingsSvc, bus, log.With(logx.String("comp", "notifier")))

	sched := scheduler.New(mapSchedulerConfig(cfg), scheduler.Deps{
		Settings:    settingsSvc,
		Broadcaster: sessions,
		Sweeper:     limiter,
		Store:       store,
		Log:         log,
	})

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		settings:   settingsSvc,
		dispatcher: dispatcher,
		sessions:   sessions,
		limiter:    limiter,
		hub:        liveHub,
		notif:      notif,
		sched:      sched,
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:   sessions,
		Settings:   settingsSvc,
		Store:      store,
		Live:       liveHub,
		Counters:   a.counters,
		Backup:     sched.BackupNow,
		AdminToken: cfg.Server.AdminToken,
		Pprof:      cfg.Server.Pprof,
		Started:    time.Now(),
		Log:        log,
	})
	a.server = httpapi.NewServer(srvCfg, router, log)
	if strings.TrimSpace(cfg.Server.AdminToken) == "" {
		log.Warn("server.admin_token is empty; admin API is disabled")
	}
	return a, nil
}

func (a *App) counters() rtsup.Counters {
	if a.sup == nil {
		return rtsup.Counters{}
	}
	return a.sup.Counters()
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

// Addr is the bound HTTP address once Start returned.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	loadCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
	_, err := a.settings.Reload(loadCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	a.notif.Start(runCtx)
	a.logs.SetAlertSender(a.notif)
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	a.sup.Go0("hub", a.hub.Run)
	if err := a.server.Start(runCtx); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

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
				// Debug only: counts and log lines arrive on every session change.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

// applyConfig fans a committed config out to the components that can take it
// live. Sections that need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RestartRequired(sections) {
		a.log.Warn("config change requires restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))

	if sc, err := mapSessionConfig(newCfg); err != nil {
		a.log.Warn("invalid session config; keeping previous", logx.Err(err))
	} else {
		a.sessions.Apply(sc)
	}
	if lo, hi, err := mapBroadcastDelays(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.SetDelays(lo, hi)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("hub", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("sessions", 3*time.Second, a.sessions.Shutdown)
	step("notifier", 2*time.Second, a.notif.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.SetAlertSender(nil)
	_ = a.logs.Close()
	return nil
}
