package app

import (
	"context"
	"time"

	"modbot/internal/config"
	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

// reloadLoop applies committed configs to the running services.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			newCfg = latest(sub, newCfg)
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains queued configs and keeps the newest.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)...)
	for _, s := range config.RequiresRestart(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.logs.Apply(mapLogConfig(next))

	a.cmds.SetAccess(next.Gateway.CommandPrefix, next.Gateway.AdminUserIDs)
	a.acks.SetEmojis(next.Gateway.AckEmojis)

	a.sched.Apply(mapSchedulerConfig(next))
	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.stopScheduler(stopCtx)
		cancel()
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.startScheduler()
	}

	if err := a.maint.Apply(mapMaintenanceConfig(next)); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}

	a.ops.Reconfigure(c, mapOpsConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: map[string]any{"changed": sections}})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)...)
}
