package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"modbot/internal/modtask"
	logx "modbot/pkg/logx"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// migrate applies embedded migrations in filename order, recording each in schema_migrations.
func (s *postgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := postgresMigrations.ReadDir("migrations/postgres")
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("migration status %s: %w", name, err)
		}
		if applied {
			continue
		}
		body, err := postgresMigrations.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		s.log.Info("applied migration", logx.String("version", name))
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgTaskCols = `id, community_id, label, interval, last_trigger, trigger_count, message_id`

func scanPGTask(row pgx.Row) (modtask.Task, error) {
	var (
		t   modtask.Task
		msg *string
	)
	if err := row.Scan(&t.ID, &t.CommunityID, &t.Label, &t.Interval, &t.LastTrigger, &t.TriggerCount, &msg); err != nil {
		return modtask.Task{}, err
	}
	if msg != nil {
		t.MessageID = *msg
	}
	return t, nil
}

func (s *postgresStore) queryTasks(ctx context.Context, q string, args ...any) ([]modtask.Task, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []modtask.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListTasks(ctx context.Context) ([]modtask.Task, error) {
	return s.queryTasks(ctx, `SELECT `+pgTaskCols+` FROM mod_task ORDER BY id`)
}

func (s *postgresStore) ListTasksByCommunity(ctx context.Context, communityID string) ([]modtask.Task, error) {
	return s.queryTasks(ctx, `SELECT `+pgTaskCols+` FROM mod_task WHERE community_id = $1 ORDER BY id`, communityID)
}

func (s *postgresStore) GetTask(ctx context.Context, communityID string, id int64) (modtask.Task, error) {
	t, err := scanPGTask(s.pool.QueryRow(ctx,
		`SELECT `+pgTaskCols+` FROM mod_task WHERE id = $1 AND community_id = $2`, id, communityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return modtask.Task{}, ErrNotFound
	}
	return t, err
}

func (s *postgresStore) CreateTask(ctx context.Context, t modtask.Task) (modtask.Task, error) {
	if t.LastTrigger.IsZero() {
		t.LastTrigger = time.Now()
	}
	t.TriggerCount = 1
	t.MessageID = ""
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mod_task(community_id, label, interval, last_trigger, trigger_count)
		 VALUES($1, $2, $3, $4, 1) RETURNING id`,
		t.CommunityID, t.Label, t.Interval, t.LastTrigger,
	).Scan(&t.ID)
	return t, err
}

func (s *postgresStore) UpdateTask(ctx context.Context, t modtask.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mod_task SET label = $1, interval = $2 WHERE id = $3 AND community_id = $4`,
		t.Label, t.Interval, t.ID, t.CommunityID)
	return tagOrNotFound(tag, err)
}

func (s *postgresStore) SaveTask(ctx context.Context, t modtask.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mod_task SET last_trigger = $1, trigger_count = $2, message_id = $3 WHERE id = $4`,
		t.LastTrigger, t.TriggerCount, nullStr(t.MessageID), t.ID)
	return tagOrNotFound(tag, err)
}

func (s *postgresStore) UpdateLastTriggerByMessageID(ctx context.Context, messageID string, at time.Time) (modtask.Task, bool, error) {
	if messageID == "" {
		return modtask.Task{}, false, nil
	}
	t, err := scanPGTask(s.pool.QueryRow(ctx,
		`UPDATE mod_task SET last_trigger = $1, message_id = NULL WHERE message_id = $2 RETURNING `+pgTaskCols, at, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return modtask.Task{}, false, nil
	}
	if err != nil {
		return modtask.Task{}, false, err
	}
	return t, true, nil
}

func (s *postgresStore) DeleteTask(ctx context.Context, communityID string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mod_task WHERE id = $1 AND community_id = $2`, id, communityID)
	return tagOrNotFound(tag, err)
}

func (s *postgresStore) GetSetting(ctx context.Context, communityID, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE community_id = $1 AND key = $2`, communityID, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *postgresStore) SetSetting(ctx context.Context, communityID, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings(community_id, key, value) VALUES($1, $2, $3)
		 ON CONFLICT (community_id, key) DO UPDATE SET value = EXCLUDED.value`,
		communityID, key, value)
	return err
}

func (s *postgresStore) DeleteSetting(ctx context.Context, communityID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE community_id = $1 AND key = $2`, communityID, key)
	return err
}

func (s *postgresStore) ListSettings(ctx context.Context, communityID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings WHERE community_id = $1`, communityID)
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

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(id, at, community_id, actor_id, actor_name, action, task_id, detail)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.At, nullStr(e.CommunityID), nullStr(e.ActorID), nullStr(e.ActorName), e.Action, e.TaskID, nullStr(e.Detail))
	return err
}

func (s *postgresStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit WHERE at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func tagOrNotFound(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
