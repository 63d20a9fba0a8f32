package config

import (
	"reflect"
	"sort"
	"strings"

	logx "modbot/pkg/logx"
)

// SummarizeChange returns the changed sections and log-safe attrs describing
// the new values. Secrets (tokens, DSNs) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	og, ng := oldCfg.Gateway, newCfg.Gateway
	if og.Driver != ng.Driver ||
		og.Discord.Token != ng.Discord.Token ||
		og.Telegram.Token != ng.Telegram.Token ||
		og.Telegram.PollTimeout != ng.Telegram.PollTimeout {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.driver", ng.Driver),
			logx.Bool("gateway.token_changed", og.Discord.Token != ng.Discord.Token || og.Telegram.Token != ng.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(og.AdminUserIDs, ng.AdminUserIDs) ||
		og.CommandPrefix != ng.CommandPrefix ||
		!reflect.DeepEqual(og.AckEmojis, ng.AckEmojis) {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.Int("commands.admin_count", len(ng.AdminUserIDs)),
			logx.String("commands.prefix", ng.CommandPrefix),
			logx.String("commands.ack_emojis", strings.Join(ng.AckEmojis, " ")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Duration("scheduler.tick", newCfg.SchedulerTick()),
			logx.Duration("scheduler.task_timeout", newCfg.TaskTimeout()),
		)
	}

	ost, ns := oldCfg.Storage, newCfg.Storage
	if ost != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.Duration("maintenance.audit_retention", newCfg.AuditRetention()),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.AllowInsecure != no.AllowInsecure ||
		oo.EventBuffer != no.EventBuffer || oo.Token != no.Token || oo.Pprof != no.Pprof {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be hot-applied.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "gateway", "storage":
			out = append(out, s)
		}
	}
	return out
}
