// Package app wires warden together: config manager, logging, storage,
// notification pipeline, and the scheduling engine, all hosted under one
// supervisor.
package app

import (
	"context"
	"time"

	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/eventbus"
	"warden/internal/notify"
	"warden/internal/storage"
	"warden/internal/supervisor"
	logx "warden/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store     storage.Store
	storePath string
	notif     *notify.Service
	bus       eventbus.Bus
	eng       *engine.Engine

	sup *supervisor.Supervisor
}

// New loads the config (a parse failure here is fatal) and builds every
// component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(cfg *config.Config) error {
		_, err := config.Settings(cfg)
		return err
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	store, err := storage.Open(storageConfig(cfg), logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	notif := notify.New(notifyConfig(cfg), buildSinks(cfg, log), logs.Logger().With(logx.String("comp", "notify")))

	settings, err := config.Settings(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	set, specErrs := config.BuildSpecs(cfg)
	for _, e := range specErrs {
		log.Warn("invalid job entry", logx.Err(e))
	}

	bus := eventbus.New()
	seed := func(name string) (time.Time, bool) {
		t, ok, err := store.LastRun(context.Background(), name)
		if err != nil {
			log.Warn("last-run lookup failed", logx.String("job", name), logx.Err(err))
			return time.Time{}, false
		}
		return t, ok
	}

	eng := engine.New(set, settings,
		engine.WithLogger(logs.Logger().With(logx.String("comp", "engine"))),
		engine.WithNotifier(notif),
		engine.WithBus(bus),
		engine.WithSeed(seed),
	)

	return &App{
		cfgm:      cfgm,
		logs:      logs,
		log:       log,
		store:     store,
		storePath: storageConfig(cfg).Path,
		notif:     notif,
		bus:       bus,
		eng:       eng,
	}, nil
}

// Pid returns the configured pid-file path, if any.
func (a *App) Pid() string { return a.cfgm.Get().Pid }

func (a *App) Start(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.sup = sup

	sup.Go("engine", a.eng.Run)
	sup.Go("notify", a.notif.Run)
	sup.GoRestart("config.watch", a.cfgm.Watch)
	sup.Go0("config.apply", a.applyLoop)
	sup.Go0("events.persist", a.persistLoop)

	a.log.Info("started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Reload triggers the SIGHUP path: re-read, validate, and (on success)
// publish the new config. Failure keeps the previous config and is not fatal.
func (a *App) Reload() {
	_ = a.cfgm.Reload()
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
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

func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	_ = a.store.Close()
	_ = a.logs.Close()
	return err
}

// applyLoop fans a committed reload out to the components that re-apply
// config at runtime. A storage path change is the one knob that needs a
// restart; it is logged and otherwise ignored.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.onReload(ctx, cfg)
		}
	}
}

func (a *App) onReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logConfig(cfg))

	settings, err := config.Settings(cfg)
	if err != nil {
		// The validator rejects this before commit; belt and braces.
		a.log.Warn("reload settings invalid; keeping previous", logx.Err(err))
		return
	}
	set, specErrs := config.BuildSpecs(cfg)
	for _, e := range specErrs {
		a.log.Warn("invalid job entry", logx.Err(e))
	}

	a.notif.Apply(notifyConfig(cfg), buildSinks(cfg, a.log))

	if cur := storageConfig(cfg).Path; cur != a.storePath {
		a.log.Warn("storage path change requires a restart",
			logx.String("active", a.storePath), logx.String("configured", cur))
	}

	actx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.eng.ApplySpecs(actx, set, settings); err != nil {
		a.log.Warn("spec apply timed out", logx.Err(err))
	}
}

// persistLoop records last-run timestamps (and prunes removed jobs) from the
// engine's event stream. Best-effort: a write failure only logs.
func (a *App) persistLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.JobSpawned, eventbus.WatchRestarted:
				if err := a.store.SetLastRun(ctx, ev.Job, ev.Watched, ev.Time); err != nil && ctx.Err() == nil {
					a.log.Warn("last-run persist failed", logx.String("job", ev.Job), logx.Err(err))
				}
			case eventbus.JobRemoved:
				if err := a.store.Delete(ctx, ev.Job); err != nil && ctx.Err() == nil {
					a.log.Warn("last-run prune failed", logx.String("job", ev.Job), logx.Err(err))
				}
			}
		}
	}
}
