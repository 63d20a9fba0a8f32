package app

import (
	"fmt"
	"strings"

	"modbot/internal/config"
	"modbot/internal/observability/ops"
	"modbot/internal/services/maintenance"
	"modbot/internal/services/scheduler"
	"modbot/internal/storage"
	"modbot/internal/transport"
	"modbot/internal/transport/discord"
	"modbot/internal/transport/telegram"
	logx "modbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			ChannelID:  lc.Chat.ChannelID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: cfg.BusyTimeout(),
		MaxConns:    sc.MaxConns,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Tick: cfg.SchedulerTick(), TaskTimeout: cfg.TaskTimeout()}
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		Schedule:  cfg.Maintenance.Schedule,
		Timezone:  cfg.Maintenance.Timezone,
		Retention: cfg.AuditRetention(),
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
}

// newGateway builds the configured chat adapter.
func newGateway(cfg *config.Config, log logx.Logger) (transport.Gateway, error) {
	switch strings.ToLower(cfg.Gateway.Driver) {
	case "discord":
		ad, err := discord.New(discord.Config{Token: cfg.Gateway.Discord.Token}, log.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		return ad, nil
	case "telegram":
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Gateway.Telegram.Token,
			PollTimeout: cfg.PollTimeout(),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		return ad, nil
	default:
		return nil, fmt.Errorf("unknown gateway.driver: %s", cfg.Gateway.Driver)
	}
}

// validate rejects configs that parse but cannot be applied. Used as the reload validator.
func validate(cfg *config.Config) error {
	if err := maintenance.ValidateSchedule(cfg.Maintenance.Schedule); err != nil {
		return err
	}
	return nil
}
