package config

type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Ops         OpsConfig         `json:"ops,omitempty"`
}

// GatewayConfig selects the chat platform.
//
// Tokens may be left empty in the file and supplied through the environment
// (MODBOT_DISCORD_TOKEN / MODBOT_TELEGRAM_TOKEN, optionally from a .env file).
type GatewayConfig struct {
	// Driver is "discord" (default) or "telegram".
	Driver   string         `json:"driver"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`

	// AdminUserIDs may run moderation commands.
	AdminUserIDs []string `json:"admin_user_ids"`
	// CommandPrefix defaults to "!".
	CommandPrefix string `json:"command_prefix,omitempty"`
	// AckEmojis close a task when added as a reaction. Defaults to ["✅"].
	AckEmojis []string `json:"ack_emojis,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings into a chat channel through the gateway.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the reminder loop.
//
// Defaults: tick "1m", task_timeout "30s".
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Tick        string `json:"tick,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/modbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://modbot@localhost/modbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; may come from MODBOT_DATABASE_URL
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// MaintenanceConfig controls housekeeping jobs.
type MaintenanceConfig struct {
	// AuditRetention is a Go duration string; "0s" or empty keeps everything.
	AuditRetention string `json:"audit_retention,omitempty"`
	// Schedule is a cron spec or descriptor (default "@daily").
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig controls the optional HTTP ops server.
//
// Prefer binding to localhost. A non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8086"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	EventBuffer   int    `json:"event_buffer,omitempty"` // recent events kept for /api/events
	Pprof         bool   `json:"pprof,omitempty"`        // mount /debug/pprof/
}
