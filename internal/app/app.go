// Package app wires the process together: config, logging, persistence,
// the transport adapter, the broadcaster and the session manager.
package app

import (
	"context"
	"sync"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/directory"
	"groupcast/internal/eventbus"
	"groupcast/internal/persist"
	"groupcast/internal/session"
	"groupcast/internal/transport"
	"groupcast/internal/transport/telegram"
	logx "groupcast/pkg/logx"
)

// primaryTenant is the tenant id the inbound stream feeds. One process
// drives one connected account; additional tenants are reachable via
// the session manager's API.
const primaryTenant = "primary"

type App struct {
	cfgm *config.Manager
	log  logx.Logger

	adapter *telegram.Adapter
	bus     eventbus.Bus
	store   persist.Store
	snap    persist.Store
	caster  *broadcast.Service
	mgr     *session.Manager

	events chan transport.Event

	runMu  sync.Mutex
	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Persist, log.With(logx.String("comp", "persist")))
	if err != nil {
		return nil, err
	}
	snap, err := openStore(cfg.Snapshot, log.With(logx.String("comp", "snapshot")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	caster := broadcast.New(bcCfg, adapter, bus, log.With(logx.String("comp", "broadcast")))

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := session.NewManager(sessCfg, adapter, caster,
		directory.NewCategorizer(mapCategoryRules(cfg)),
		store, snap, log.With(logx.String("comp", "session")))

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		adapter: adapter,
		bus:     bus,
		store:   store,
		snap:    snap,
		caster:  caster,
		mgr:     mgr,
		events:  make(chan transport.Event, 256),
	}, nil
}

// Sessions exposes the administrative surface (scan/clean/broadcast).
func (a *App) Sessions() *session.Manager { return a.mgr }

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.adapter.Start(runCtx, a.events); err != nil {
		cancel()
		a.cancel = nil
		return err
	}

	go a.pumpEvents(runCtx)
	go a.tapBus(runCtx)
	go a.watchConfig(runCtx)

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	err := a.adapter.Stop(ctx)
	a.mgr.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.snap != nil {
		_ = a.snap.Close()
	}
	a.log.Info("stopped")
	return err
}

// pumpEvents feeds the inbound stream into the primary tenant's dialog.
func (a *App) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.mgr.HandleInbound(ctx, primaryTenant, ev)
		}
	}
}

// tapBus logs run lifecycle events published by the broadcaster.
func (a *App) tapBus(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
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
			case eventbus.RunFinished:
				a.log.Info("run finished",
					logx.String("run", ev.RunID),
					logx.Int("sent", ev.Sent), logx.Int("failed", ev.Failed), logx.Int("skipped", ev.Skipped))
			case eventbus.Throttled:
				a.log.Warn("run throttled",
					logx.String("run", ev.RunID), logx.Int64("backoff_ms", ev.BackoffMs))
			case eventbus.RunAborted:
				a.log.Error("run aborted", logx.String("run", ev.RunID))
			}
		}
	}
}

// watchConfig hot-applies pacing and rate changes on file edits.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			bcCfg, err := mapBroadcastConfig(cfg)
			if err != nil {
				a.log.Warn("broadcast config rejected on reload", logx.Err(err))
				continue
			}
			a.caster.Apply(bcCfg)
			a.mgr.SetCategorizer(directory.NewCategorizer(mapCategoryRules(cfg)))
			a.log.Info("broadcast config applied")
		}
	}
}

func openStore(pc config.PersistConfig, log logx.Logger) (persist.Store, error) {
	busy, err := config.ParseDurationField("persist.busy_timeout", pc.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return persist.Open(persist.Config{
		Driver:      pc.Driver,
		Path:        pc.Path,
		BusyTimeout: busy,
	}, log)
}
