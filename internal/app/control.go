package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"newswatch/internal/config"
	"newswatch/internal/kit"
	"newswatch/pkg/logx"
)

// controlLoop consumes the transport's parsed chat commands.
func (a *App) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			a.handleControl(ctx, up)
		}
	}
}

func (a *App) handleControl(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.ControlNotifications:
		if err := a.SetNotificationsEnabled(ctx, up.Enabled); err != nil {
			a.reply(ctx, "Could not update notifications: "+err.Error())
			return
		}
		a.reply(ctx, "Notifications "+onOff(up.Enabled))

	case kit.ControlRealtime:
		if err := a.SetRealtimeEnabled(ctx, up.Enabled); err != nil {
			a.reply(ctx, "Could not update realtime: "+err.Error())
			return
		}
		a.reply(ctx, "Realtime channel "+onOff(up.Enabled))

	case kit.ControlCheckNow:
		n, err := a.CheckNow(ctx)
		if err != nil {
			a.reply(ctx, "Check failed: "+err.Error())
			return
		}
		a.reply(ctx, fmt.Sprintf("Checked: %d new notification(s)", n))

	case kit.ControlStatus:
		text, err := a.statusReport(ctx)
		if err != nil {
			a.reply(ctx, "Status unavailable: "+err.Error())
			return
		}
		a.reply(ctx, text)

	case kit.ControlClear:
		if err := a.ClearPresented(ctx); err != nil {
			a.reply(ctx, "Clear failed: "+err.Error())
			return
		}
		a.reply(ctx, "Cleared")

	default:
		a.log.Debug("unhandled control update", logx.String("kind", string(up.Kind)))
	}
}

func (a *App) reply(ctx context.Context, text string) {
	if err := a.adapter.SendText(ctx, text); err != nil {
		a.log.Warn("reply failed", logx.Err(err))
	}
}

func (a *App) statusReport(ctx context.Context) (string, error) {
	cp, err := a.store.Checkpoint(ctx)
	if err != nil {
		return "", err
	}
	recent, err := a.dispatcher.Recent(ctx, 5)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Notifications: %s\n", onOff(cp.NotificationsEnabled))
	fmt.Fprintf(&b, "Realtime: %s (%s)\n", onOff(cp.RealtimeEnabled), a.rt.Status())
	if cp.LastSeen != nil {
		fmt.Fprintf(&b, "Cursor: %s\n", cp.LastSeen.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("Cursor: not seeded\n")
	}
	fmt.Fprintf(&b, "Recent deliveries: %d", len(recent))
	return b.String(), nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// watchConfig runs the file watcher and applies accepted snapshots.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.cfgm.Watch(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

// applyConfig handles a validated reload. Logging and the enable flags
// take effect live; structural changes (URLs, storage driver, intervals)
// need a restart and are only logged.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if cfg.Polling.Enabled != nil {
		if err := a.SetNotificationsEnabled(ctx, *cfg.Polling.Enabled); err != nil {
			a.log.Warn("apply polling.enabled", logx.Err(err))
		}
	}
	if cfg.Realtime.Enabled != nil {
		if err := a.SetRealtimeEnabled(ctx, *cfg.Realtime.Enabled); err != nil {
			a.log.Warn("apply realtime.enabled", logx.Err(err))
		}
	}
	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

// logBusEvents mirrors service events into the debug log so a single
// subscriber exercises the bus even with no other observers attached.
func (a *App) logBusEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("at", e.Time))
		}
	}
}
