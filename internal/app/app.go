// Package app wires the service graph and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupcast/internal/alert"
	"groupcast/internal/config"
	"groupcast/internal/content"
	"groupcast/internal/dispatch"
	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	rtsup "groupcast/internal/runtime/supervisor"
	"groupcast/internal/schedule"
	"groupcast/internal/session"
	"groupcast/internal/store"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   store.Store
	sink *notify.BusSink

	factory  transport.Factory
	registry *session.Registry
	disp     *dispatch.Dispatcher
	sched    *schedule.Manager
	source   content.Source
	alerts   *alert.Service

	cfgSub chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	sink := notify.NewBusSink(notify.Config{LogLinesPerSec: cfg.Notify.LogLinesPerSec}, bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		sink:    sink,
	}

	// Storage (optional).
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	switch {
	case errors.Is(err, store.ErrDisabled):
		log.Warn("storage disabled, tenant configs will not persist")
	case err != nil:
		return nil, err
	default:
		a.db = db
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	factory, err := transport.Open(transport.Config{
		Driver:  cfg.Transport.Driver,
		DataDir: cfg.Transport.DataDir,
	})
	if err != nil {
		return nil, err
	}
	a.factory = factory

	backoff, err := config.ParseDurationField("session.reconnect_backoff", cfg.Session.ReconnectBackoff)
	if err != nil {
		return nil, err
	}
	a.registry = session.NewRegistry(context.Background(), session.Config{
		MaxRetries:       cfg.Session.MaxRetries,
		ReconnectBackoff: backoff,
	}, session.RegistryDeps{
		Factory: factory,
		Store:   a.db,
		Logger:  log.With(logx.String("comp", "session")),
		Sink:    sink,
		Bus:     bus,
		// Reinstall the tenant's timers whenever its session comes up so
		// restored schedules arm without an explicit save.
		OnLive: func(tenantID string) { a.ReloadSchedules(tenantID) },
	})

	a.disp = dispatch.New(log.With(logx.String("comp", "dispatch")), sink, bus)
	a.source = content.NewYouTube(log.With(logx.String("comp", "content")))

	if cfg.Scheduler.Enabled {
		sched, err := schedule.NewManager(context.Background(), schedule.Config{
			Timezone: cfg.Scheduler.Timezone,
		}, log.With(logx.String("comp", "schedule")), a.registry, a.db, a.source, a.disp)
		if err != nil {
			return nil, err
		}
		a.sched = sched
	}

	if ac := cfg.Alerts; ac != nil && ac.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("alerts.poll_timeout", ac.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		alerts, err := alert.New(alert.Config{
			Token:       ac.Token,
			ChatID:      ac.ChatID,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "alert")), bus)
		if err != nil {
			return nil, err
		}
		a.alerts = alerts
	}

	return a, nil
}

// Bus exposes the event feed for embedding layers (web push).
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done closes when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.cfgSub = a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-a.cfgSub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	if a.sched != nil {
		a.sched.Start()
		a.restoreSchedules(ctx)
	}
	if a.alerts != nil {
		a.alerts.Start(a.sup.Context())
	}

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.alerts != nil {
		a.alerts.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	a.registry.Shutdown(ctx)
	if a.db != nil {
		_ = a.db.Close()
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return err
}

// applyConfig handles a committed hot reload. Only logging and the
// notify rate apply live; transport, storage, and scheduler changes
// need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

// restoreSchedules re-arms every known tenant's timers at process start.
func (a *App) restoreSchedules(ctx context.Context) {
	if a.db == nil || a.sched == nil {
		return
	}
	tenants, err := a.db.ListTenants(ctx)
	if err != nil {
		a.log.Warn("tenant list failed, schedules not restored", logx.Err(err))
		return
	}
	restored := 0
	for _, t := range tenants {
		restored += a.ReloadSchedules(t.ID)
	}
	a.log.Info("schedules restored",
		logx.Int("tenants", len(tenants)),
		logx.Int("armed", restored))
}

// ReloadSchedules re-arms the tenant's timers from its stored config and
// returns how many were armed.
func (a *App) ReloadSchedules(tenantID string) int {
	if a.sched == nil {
		return 0
	}
	cfg := store.DefaultTenantConfig()
	if a.db != nil {
		loaded, err := a.db.LoadTenantConfig(context.Background(), tenantID)
		if err != nil {
			a.log.Warn("tenant config load failed",
				logx.String("tenant", tenantID), logx.Err(err))
			return 0
		}
		cfg = loaded
	}
	armed := a.sched.Install(tenantID, cfg.Schedules)
	a.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeSchedulesReloaded,
		TenantID: tenantID,
		Data:     map[string]int{"armed": armed},
	})
	return armed
}

// Connect starts (or resumes) the tenant's session.
func (a *App) Connect(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is empty")
	}
	_, err := a.registry.GetOrCreate(ctx, tenantID)
	return err
}

// Disconnect logs the tenant out, keeping stored credentials.
func (a *App) Disconnect(ctx context.Context, tenantID string) error {
	s, err := a.registry.Get(tenantID)
	if err != nil {
		return err
	}
	s.Disconnect(ctx)
	return nil
}

// Reset disconnects and wipes credentials; next connect pairs fresh.
func (a *App) Reset(ctx context.Context, tenantID string) error {
	return a.registry.Reset(ctx, tenantID)
}

// Status reports the tenant session state name, "idle" when unknown.
func (a *App) Status(tenantID string) string {
	s, err := a.registry.Get(tenantID)
	if err != nil {
		return session.StateIdle.String()
	}
	return s.State().String()
}

// Recipients returns the tenant's cached recipient list.
func (a *App) Recipients(tenantID string) ([]transport.RecipientInfo, error) {
	s, err := a.registry.Get(tenantID)
	if err != nil {
		return nil, err
	}
	return s.Recipients(), nil
}

// Send runs a manual broadcast to the given recipients using the
// tenant's anti-ban settings. An empty text resolves the payload from
// the tenant's content source, same as a scheduled firing. Blocks until
// the run completes.
func (a *App) Send(ctx context.Context, tenantID string, recipients []transport.RecipientID, text string) (dispatch.Result, error) {
	s, err := a.registry.Get(tenantID)
	if err != nil {
		return dispatch.Result{}, err
	}
	cfg := a.tenantConfig(ctx, tenantID)
	payload := transport.Payload{Text: text}
	if text == "" {
		payload, err = a.source.Latest(ctx, cfg.Content)
		if err != nil {
			return dispatch.Result{}, err
		}
	}
	return a.disp.Run(ctx, s, recipients, payload, dispatch.Pacing{
		DelayBetweenGroups: cfg.AntiBan.DelayBetweenGroups,
		MaxGroupsPerBatch:  cfg.AntiBan.MaxGroupsPerBatch,
		BatchDelay:         cfg.AntiBan.BatchDelay,
	})
}

// TenantConfig returns the stored per-tenant settings, with defaults
// when storage is disabled or the tenant has none saved.
func (a *App) TenantConfig(ctx context.Context, tenantID string) *store.TenantConfig {
	return a.tenantConfig(ctx, tenantID)
}

// SaveTenantConfig persists the settings and re-arms the tenant's timers.
func (a *App) SaveTenantConfig(ctx context.Context, tenantID string, cfg *store.TenantConfig) error {
	if cfg == nil {
		return fmt.Errorf("tenant config is nil")
	}
	for i := range cfg.Schedules {
		if !cfg.Schedules[i].Valid() {
			return fmt.Errorf("schedule %q: time fields out of range", cfg.Schedules[i].ID)
		}
	}
	if a.db != nil {
		if err := a.db.EnsureTenant(ctx, tenantID); err != nil {
			return err
		}
		if err := a.db.SaveTenantConfig(ctx, tenantID, cfg); err != nil {
			return err
		}
	}
	armed := 0
	if a.sched != nil {
		armed = a.sched.Install(tenantID, cfg.Schedules)
	}
	a.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeSchedulesReloaded,
		TenantID: tenantID,
		Data:     map[string]int{"armed": armed},
	})
	a.log.Info("tenant config saved",
		logx.String("tenant", tenantID),
		logx.Int("schedules", len(cfg.Schedules)),
		logx.Int("armed", armed))
	return nil
}

func (a *App) tenantConfig(ctx context.Context, tenantID string) *store.TenantConfig {
	if a.db == nil {
		return store.DefaultTenantConfig()
	}
	cfg, err := a.db.LoadTenantConfig(ctx, tenantID)
	if err != nil {
		a.log.Warn("tenant config load failed, using defaults",
			logx.String("tenant", tenantID), logx.Err(err))
		return store.DefaultTenantConfig()
	}
	return cfg
}
