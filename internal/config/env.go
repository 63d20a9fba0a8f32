package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvDiscordToken  = "MODBOT_DISCORD_TOKEN"
	EnvTelegramToken = "MODBOT_TELEGRAM_TOKEN"
	EnvDatabaseURL   = "MODBOT_DATABASE_URL"
)

// LoadDotEnv loads a .env file next to the config file, if present.
// Variables already set in the process environment win.
func LoadDotEnv(cfgPath string) error {
	path := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv fills secrets from the environment. Environment values override the file.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvDiscordToken)); v != "" {
		cfg.Gateway.Discord.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Gateway.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseURL)); v != "" {
		cfg.Storage.DSN = v
	}
}
