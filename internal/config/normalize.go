package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTick          = time.Minute
	DefaultTaskTimeout   = 30 * time.Second
	DefaultPollTimeout   = 10 * time.Second
	DefaultStoragePath   = "./data/modbot.db"
	DefaultOpsAddr       = "127.0.0.1:8086"
	DefaultAuditSchedule = "@daily"
	DefaultCommandPrefix = "!"
)

// Normalize fills defaults and rejects values the runtime cannot use.
// It is applied by Parse, so every committed config is already normalized.
func (c *Config) Normalize() error {
	var errs []error

	g := &c.Gateway
	g.Driver = strings.ToLower(strings.TrimSpace(g.Driver))
	if g.Driver == "" {
		g.Driver = "discord"
	}
	switch g.Driver {
	case "discord":
		if strings.TrimSpace(g.Discord.Token) == "" {
			errs = append(errs, fmt.Errorf("gateway.discord.token: required (or set %s)", EnvDiscordToken))
		}
	case "telegram":
		if strings.TrimSpace(g.Telegram.Token) == "" {
			errs = append(errs, fmt.Errorf("gateway.telegram.token: required (or set %s)", EnvTelegramToken))
		}
		if _, err := duration("gateway.telegram.poll_timeout", g.Telegram.PollTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.driver: unknown driver %q", g.Driver))
	}
	if strings.TrimSpace(g.CommandPrefix) == "" {
		g.CommandPrefix = DefaultCommandPrefix
	}
	if len(g.AckEmojis) == 0 {
		g.AckEmojis = []string{"✅"}
	}
	ids := g.AdminUserIDs[:0]
	for _, id := range g.AdminUserIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	g.AdminUserIDs = ids

	if c.Logging.Chat.Enabled && strings.TrimSpace(c.Logging.Chat.ChannelID) == "" {
		errs = append(errs, errors.New("logging.chat.channel_id: required when chat logging is enabled"))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	if d, err := duration("scheduler.tick", c.Scheduler.Tick, 0); err != nil {
		errs = append(errs, err)
	} else if d != 0 && d < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick: must be at least 1s"))
	}
	if _, err := duration("scheduler.task_timeout", c.Scheduler.TaskTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	s := &c.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	switch s.Driver {
	case "":
		s.Driver = "sqlite"
		fallthrough
	case "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			s.Path = DefaultStoragePath
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(s.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
		}
	case "memory", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}
	if _, err := duration("storage.busy_timeout", s.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if s.MaxConns < 0 {
		errs = append(errs, errors.New("storage.max_conns: must be >= 0"))
	}

	if _, err := duration("maintenance.audit_retention", c.Maintenance.AuditRetention, 0); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Maintenance.Schedule) == "" {
		c.Maintenance.Schedule = DefaultAuditSchedule
	}
	if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	if strings.TrimSpace(c.Ops.Addr) == "" {
		c.Ops.Addr = DefaultOpsAddr
	}
	if c.Ops.EventBuffer <= 0 {
		c.Ops.EventBuffer = 100
	}

	return errors.Join(errs...)
}

func (c *Config) SchedulerTick() time.Duration {
	d, _ := duration("scheduler.tick", c.Scheduler.Tick, DefaultTick)
	return d
}

func (c *Config) TaskTimeout() time.Duration {
	d, _ := duration("scheduler.task_timeout", c.Scheduler.TaskTimeout, DefaultTaskTimeout)
	return d
}

func (c *Config) PollTimeout() time.Duration {
	d, _ := duration("gateway.telegram.poll_timeout", c.Gateway.Telegram.PollTimeout, DefaultPollTimeout)
	return d
}

func (c *Config) BusyTimeout() time.Duration {
	d, _ := duration("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	return d
}

// AuditRetention returns 0 when audit entries are kept forever.
func (c *Config) AuditRetention() time.Duration {
	d, _ := duration("maintenance.audit_retention", c.Maintenance.AuditRetention, 0)
	return d
}

// IsAdmin reports whether userID may run moderation commands.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Gateway.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
