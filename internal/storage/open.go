package storage

import (
	"context"
	"fmt"
	"strings"

	logx "modbot/pkg/logx"
)

type opener func(ctx context.Context, cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"memory":     func(context.Context, Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"pgx":        openPostgres,
}

// Open initializes the configured store. An empty driver or "none" yields ErrDisabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, ErrDisabled
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(ctx, cfg, log)
}

// nullStr maps blank strings to SQL NULL.
func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
