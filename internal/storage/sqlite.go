package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"modbot/internal/modtask"
	logx "modbot/pkg/logx"
)

//go:embed migrations/sqlite.sql
var sqliteMigrations embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrations.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteTaskCols = `id, community_id, label, interval, last_trigger, trigger_count, message_id`

func scanSQLiteTask(sc interface{ Scan(...any) error }) (modtask.Task, error) {
	var (
		t    modtask.Task
		last int64
		msg  sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.CommunityID, &t.Label, &t.Interval, &last, &t.TriggerCount, &msg); err != nil {
		return modtask.Task{}, err
	}
	t.LastTrigger = time.UnixMilli(last)
	t.MessageID = msg.String
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]modtask.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []modtask.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]modtask.Task, error) {
	return s.queryTasks(ctx, `SELECT `+sqliteTaskCols+` FROM mod_task ORDER BY id`)
}

func (s *sqliteStore) ListTasksByCommunity(ctx context.Context, communityID string) ([]modtask.Task, error) {
	return s.queryTasks(ctx, `SELECT `+sqliteTaskCols+` FROM mod_task WHERE community_id = ? ORDER BY id`, communityID)
}

func (s *sqliteStore) GetTask(ctx context.Context, communityID string, id int64) (modtask.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskCols+` FROM mod_task WHERE id = ? AND community_id = ?`, id, communityID)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return modtask.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) CreateTask(ctx context.Context, t modtask.Task) (modtask.Task, error) {
	if t.LastTrigger.IsZero() {
		t.LastTrigger = time.Now()
	}
	t.TriggerCount = 1
	t.MessageID = ""
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mod_task(community_id, label, interval, last_trigger, trigger_count) VALUES(?,?,?,?,1)`,
		t.CommunityID, t.Label, t.Interval, t.LastTrigger.UnixMilli(),
	)
	if err != nil {
		return modtask.Task{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t modtask.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mod_task SET label = ?, interval = ? WHERE id = ? AND community_id = ?`,
		t.Label, t.Interval, t.ID, t.CommunityID,
	)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) SaveTask(ctx context.Context, t modtask.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mod_task SET last_trigger = ?, trigger_count = ?, message_id = ? WHERE id = ?`,
		t.LastTrigger.UnixMilli(), t.TriggerCount, nullStr(t.MessageID), t.ID,
	)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) UpdateLastTriggerByMessageID(ctx context.Context, messageID string, at time.Time) (modtask.Task, bool, error) {
	if messageID == "" {
		return modtask.Task{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE mod_task SET last_trigger = ?, message_id = NULL WHERE message_id = ? RETURNING `+sqliteTaskCols,
		at.UnixMilli(), messageID,
	)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return modtask.Task{}, false, nil
	}
	if err != nil {
		return modtask.Task{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, communityID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mod_task WHERE id = ? AND community_id = ?`, id, communityID)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) GetSetting(ctx context.Context, communityID, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE community_id = ? AND key = ?`, communityID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, communityID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(community_id, key, value) VALUES(?,?,?)
		 ON CONFLICT(community_id, key) DO UPDATE SET value = excluded.value`,
		communityID, key, value,
	)
	return err
}

func (s *sqliteStore) DeleteSetting(ctx context.Context, communityID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE community_id = ? AND key = ?`, communityID, key)
	return err
}

func (s *sqliteStore) ListSettings(ctx context.Context, communityID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE community_id = ?`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, community_id, actor_id, actor_name, action, task_id, detail)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), nullStr(e.CommunityID), nullStr(e.ActorID), nullStr(e.ActorName),
		e.Action, e.TaskID, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
