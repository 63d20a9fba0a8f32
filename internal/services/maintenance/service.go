// Package maintenance runs housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modbot/pkg/logx"
)

// Pruner removes audit entries older than a cutoff.
type Pruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// Schedule is a cron spec (5 or 6 fields) or a descriptor such as "@daily".
	Schedule string
	Timezone string
	// Retention of zero disables pruning.
	Retention time.Duration
	Timeout   time.Duration
}

// parser accepts both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	return nil
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	ctx   context.Context
	store Pruner
	log   logx.Logger
	now   func() time.Time

	lastRun     time.Time
	lastRemoved int64
}

func New(cfg Config, p Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: withDefaults(cfg), store: p, log: log, now: time.Now}
}

func withDefaults(c Config) Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@daily"
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

// Start registers the prune job and starts the cron. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cur := s.cfg
	loc := time.Local
	if tz := strings.TrimSpace(cur.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(cur.Schedule, func() { s.runScheduled() }); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("schedule", cur.Schedule), logx.String("tz", loc.String()), logx.Duration("retention", cur.Retention))
	return nil
}

// Apply swaps the config, restarting the cron when the schedule or zone changed.
// A running job finishes before the old cron is dropped.
func (s *Service) Apply(cfg Config) error {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c := s.c
	if c == nil || (old.Schedule == cfg.Schedule && old.Timezone == cfg.Timezone) {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.mu.Unlock()

	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.startLocked(); err != nil {
		s.cfg = old
		if rerr := s.startLocked(); rerr != nil {
			s.log.Error("maintenance restart failed", logx.Err(rerr))
		}
		return err
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.PruneNow(ctx); err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
	}
}

// PruneNow deletes audit entries older than the retention window.
func (s *Service) PruneNow(ctx context.Context) (int64, error) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if cur.Retention <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cur.Timeout)
	defer cancel()

	now := s.now()
	n, err := s.store.PruneAudit(ctx, now.Add(-cur.Retention))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastRun, s.lastRemoved = now, n
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("audit pruned", logx.Int64("removed", n))
	}
	return n, nil
}

// LastRun reports when pruning last ran and how many entries it removed.
func (s *Service) LastRun() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastRemoved
}

// Next returns the next scheduled run, or zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
