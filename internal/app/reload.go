package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/httpx"
	"shoutbot/internal/notifier/sink"
	"shoutbot/internal/transport/telegram"
	logx "shoutbot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply fans one committed config out to every service. The validator
// already ran the mappings, so errors here only mean a race with a newer
// file and keep the previous setting.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strings("plugins", pluginChanged))
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(next))

	if changed("sites") {
		a.sites.Sync(next.Sites)
	}

	if changed("http") {
		if ho, err := mapHTTP(next, a.log); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else if hc, err := httpx.New(ho); err != nil {
			a.log.Warn("http client rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.doer.Set(hc)
		}
	}

	if changed("scheduler") {
		a.applyScheduler(ctx, next)
	}
	if changed("notifier") {
		a.applyNotifier(ctx, next)
	}
	if changed("api") {
		a.api.Reconfigure(ctx, mapAPI(next))
	}
	if changed("telegram") {
		a.applyTelegram(ctx, prev, next)
	}

	if err := a.pm.Reconcile(ctx, next.Plugins); err != nil {
		a.log.Warn("plugin reconcile incomplete", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(ctx context.Context, next *config.Config) {
	wasEnabled := a.sched.Enabled()
	sc := mapScheduler(next)
	a.sched.Apply(sc)
	switch {
	case wasEnabled && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	wasEnabled := a.notif.Enabled()
	ncfg, sinkCfgs, err := mapNotifier(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	sinks, err := sink.Build(ctx, sinkCfgs, a.log)
	if err != nil {
		a.log.Warn("some notification sinks failed to build", logx.Err(err))
	}
	old := a.notif.Sinks()
	a.notif.Apply(ncfg, sinks)
	sink.CloseAll(old)

	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

// applyTelegram updates owners in place and rebuilds the bot only when the
// token, poll timeout or enabled flag change.
func (a *App) applyTelegram(ctx context.Context, prev, next *config.Config) {
	a.router.SetOwners(next.Telegram.Owners)
	p, n := prev.Telegram, next.Telegram
	if p.Enabled == n.Enabled && p.Token == n.Token && p.PollTimeout == n.PollTimeout {
		return
	}
	a.botMu.Lock()
	defer a.botMu.Unlock()
	if a.bot != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.bot.Stop(stopCtx); err != nil {
			a.log.Warn("telegram stop failed", logx.Err(err))
		}
		cancel()
		a.bot = nil
	}
	if !n.Enabled {
		a.log.Info("telegram bot disabled via config")
		return
	}
	tc, err := mapTelegram(next)
	if err != nil {
		a.log.Warn("invalid telegram config", logx.Err(err))
		return
	}
	bot, err := telegram.New(tc, a.router, a.log)
	if err != nil {
		a.log.Warn("telegram bot unavailable", logx.Err(err))
		return
	}
	if err := bot.Start(ctx); err != nil {
		a.log.Warn("telegram bot start failed", logx.Err(err))
		return
	}
	a.bot = bot
}
