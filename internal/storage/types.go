package storage

import (
	"context"
	"errors"
	"time"

	"modbot/internal/modtask"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN (postgres://...)
//   - "memory": nothing persisted
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pool default
}

// TaskStore is the task side of the store.
//
// SaveTask writes only the fields the scheduler owns (last trigger, trigger count, message id).
// UpdateTask writes only the editor-owned fields (label, interval).
type TaskStore interface {
	ListTasks(ctx context.Context) ([]modtask.Task, error)
	ListTasksByCommunity(ctx context.Context, communityID string) ([]modtask.Task, error)
	GetTask(ctx context.Context, communityID string, id int64) (modtask.Task, error)
	CreateTask(ctx context.Context, t modtask.Task) (modtask.Task, error)
	UpdateTask(ctx context.Context, t modtask.Task) error
	SaveTask(ctx context.Context, t modtask.Task) error
	// UpdateLastTriggerByMessageID resets the clock of the task rendered as messageID and
	// clears its message reference in one statement. It returns the updated row;
	// found is false when no task matched.
	UpdateLastTriggerByMessageID(ctx context.Context, messageID string, at time.Time) (t modtask.Task, found bool, err error)
	DeleteTask(ctx context.Context, communityID string, id int64) error
}

// SettingsStore is a per-community key/value table.
type SettingsStore interface {
	GetSetting(ctx context.Context, communityID, key string) (value string, ok bool, err error)
	SetSetting(ctx context.Context, communityID, key, value string) error
	DeleteSetting(ctx context.Context, communityID, key string) error
	ListSettings(ctx context.Context, communityID string) (map[string]string, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything the services need.
type Store interface {
	TaskStore
	SettingsStore
	AuditStore
	Close() error
}

// AuditEntry records a moderator action or a task lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID          string
	At          time.Time
	CommunityID string
	ActorID     string
	ActorName   string
	Action      string
	TaskID      int64
	Detail      string
}
