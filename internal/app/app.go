// Package app wires the services together and owns their lifecycle: it
// loads the config, opens the checkpoint store, builds the transport,
// dispatcher, poller and realtime channel, and runs the control loop
// that reacts to chat commands and config reloads.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	telegram "newswatch/internal/adapters/telegram"
	"newswatch/internal/config"
	"newswatch/internal/eventbus"
	"newswatch/internal/feed"
	"newswatch/internal/kit"
	"newswatch/internal/services/dispatch"
	"newswatch/internal/services/poller"
	"newswatch/internal/services/realtime"
	"newswatch/internal/storage"
	"newswatch/pkg/logx"
)

const updateQueueSize = 16

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store

	adapter    *telegram.Adapter
	dispatcher *dispatch.Service
	poll       *poller.Service
	rt         *realtime.Service

	updates chan kit.Update

	runMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st, err := storage.Open(storage.Config{
		Driver:            cfg.Storage.Driver,
		Path:              cfg.Storage.Path,
		BusyTimeout:       config.Duration(cfg.Storage.BusyTimeout, 5*time.Second),
		HistoryMaxEntries: cfg.Storage.HistoryMaxEntries,
		HistoryMaxAge:     config.Duration(cfg.Storage.HistoryMaxAge, 72*time.Hour),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st == nil {
		// Flags and dedupe still need somewhere to live.
		st, _ = storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	}

	bus := eventbus.New()

	router := &linkRouter{baseURL: cfg.Source.BaseURL}
	adapter := telegram.New(telegram.Config{
		Token:  cfg.Telegram.Token,
		ChatID: cfg.Telegram.ChatID,
	}, router, log.With(logx.String("comp", "telegram")))
	router.send = adapter.SendText

	disp := dispatch.New(dispatch.Config{
		RatePerSec:  cfg.Notify.RatePerSec,
		SendTimeout: config.Duration(cfg.Notify.SendTimeout, 10*time.Second),
	}, st, adapter, log.With(logx.String("comp", "dispatch")), bus)

	source := feed.NewClient(cfg.Source.BaseURL, &http.Client{
		Timeout: config.Duration(cfg.Source.Timeout, 30*time.Second),
	})
	poll := poller.New(poller.Config{
		Interval:   config.Duration(cfg.Polling.Interval, 5*time.Minute),
		FetchLimit: cfg.Polling.FetchLimit,
		BurstCap:   cfg.Polling.BurstCap,
	}, source, st, disp, log.With(logx.String("comp", "poller")), bus)

	rt := realtime.New(realtime.Config{
		URL:              cfg.Realtime.URL,
		BackoffFloor:     config.Duration(cfg.Realtime.BackoffFloor, time.Second),
		BackoffCeiling:   config.Duration(cfg.Realtime.BackoffCeiling, 30*time.Second),
		MaxAttempts:      cfg.Realtime.MaxAttempts,
		HandshakeTimeout: config.Duration(cfg.Realtime.HandshakeTimeout, 5*time.Second),
	}, func() string { return cfgm.Get().Realtime.DeviceToken },
		st, disp, log.With(logx.String("comp", "realtime")), bus)

	return &App{
		cfgm:       cfgm,
		logs:       logs,
		log:        log.With(logx.String("comp", "app")),
		bus:        bus,
		store:      st,
		adapter:    adapter,
		dispatcher: disp,
		poll:       poll,
		rt:         rt,
		updates:    make(chan kit.Update, updateQueueSize),
	}, nil
}

// Start registers the transport, restores the persisted enable flags and
// launches the background loops. Idempotent.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.runCancel != nil {
		a.runMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.runCtx = runCtx
	a.runCancel = cancel
	a.runMu.Unlock()

	cfg := a.cfgm.Get()
	if err := a.adapter.RegisterIdentity(ctx, cfg.Telegram.Token); err != nil {
		return err
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	// Config may pin the initial flags; otherwise the persisted values win.
	if cfg.Polling.Enabled != nil {
		if err := a.store.SetNotificationsEnabled(ctx, *cfg.Polling.Enabled); err != nil {
			return err
		}
	}
	if cfg.Realtime.Enabled != nil {
		if err := a.store.SetRealtimeEnabled(ctx, *cfg.Realtime.Enabled); err != nil {
			return err
		}
	}

	cp, err := a.store.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if cp.NotificationsEnabled {
		a.poll.Start(runCtx)
	}
	if cp.RealtimeEnabled {
		if err := a.rt.Connect(runCtx); err != nil {
			a.log.Warn("realtime connect deferred", logx.Err(err))
		}
	}

	a.runWG.Add(3)
	go func() {
		defer a.runWG.Done()
		a.controlLoop(runCtx)
	}()
	go func() {
		defer a.runWG.Done()
		a.watchConfig(runCtx)
	}()
	go func() {
		defer a.runWG.Done()
		a.logBusEvents(runCtx)
	}()

	a.log.Info("started",
		logx.Bool("notifications", cp.NotificationsEnabled),
		logx.Bool("realtime", cp.RealtimeEnabled))
	return nil
}

// Stop tears everything down in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runCtx = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	a.poll.Stop()
	a.rt.Disconnect()
	a.dispatcher.Close()
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("transport stop", logx.Err(err))
	}
	a.runWG.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// SetNotificationsEnabled persists the flag and starts or stops the
// polling detector. The realtime channel is left alone.
func (a *App) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	if err := a.store.SetNotificationsEnabled(ctx, enabled); err != nil {
		return err
	}
	a.runMu.Lock()
	runCtx := a.runCtxLocked()
	a.runMu.Unlock()
	if enabled {
		if runCtx != nil {
			a.poll.Start(runCtx)
		}
	} else {
		a.poll.Stop()
	}
	a.log.Info("notifications toggled", logx.Bool("enabled", enabled))
	return nil
}

// SetRealtimeEnabled persists the flag and connects or disconnects the
// realtime channel. Polling is left alone.
func (a *App) SetRealtimeEnabled(ctx context.Context, enabled bool) error {
	if err := a.store.SetRealtimeEnabled(ctx, enabled); err != nil {
		return err
	}
	a.runMu.Lock()
	runCtx := a.runCtxLocked()
	a.runMu.Unlock()
	if enabled {
		if runCtx != nil {
			if err := a.rt.Connect(runCtx); err != nil && err != realtime.ErrNoToken {
				return err
			}
		}
	} else {
		a.rt.Disconnect()
	}
	a.log.Info("realtime toggled", logx.Bool("enabled", enabled))
	return nil
}

// CheckNow runs one poll cycle immediately and reports how many
// notifications it produced.
func (a *App) CheckNow(ctx context.Context) (int, error) {
	return a.poll.CheckNow(ctx)
}

// ClearPresented removes the notifications the transport still tracks.
func (a *App) ClearPresented(ctx context.Context) error {
	return a.adapter.ClearAll(ctx)
}

// runCtxLocked returns the run context if Start is active. Callers hold
// runMu; the context itself is derived once in Start.
func (a *App) runCtxLocked() context.Context {
	return a.runCtx
}
