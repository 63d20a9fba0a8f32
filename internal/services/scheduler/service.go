// Package scheduler runs the reminder loop: one pass over every task per tick,
// posting due tasks and escalating ones nobody acknowledged.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Store interface {
	ListTasks(ctx context.Context) ([]modtask.Task, error)
	SaveTask(ctx context.Context, t modtask.Task) error
}

type Channels interface {
	ReminderChannel(ctx context.Context, communityID string) (string, bool, error)
}

type Gateway interface {
	modtask.Poster
	ResolveChannel(ctx context.Context, communityID, channelID string) (*transport.Channel, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (*transport.Message, error)
}

type Config struct {
	// Tick is the pause between the end of one cycle and the start of the next.
	Tick        time.Duration
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	return c
}

type Service struct {
	cfg      atomic.Pointer[Config]
	store    Store
	channels Channels
	gw       Gateway
	bus      eventbus.Bus
	log      logx.Logger

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
	heartbeat func()

	last atomic.Pointer[CycleSummary]
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

// WithHeartbeat runs fn after every cycle.
func WithHeartbeat(fn func()) Option { return func(s *Service) { s.heartbeat = fn } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleep replaces the wait between cycles. fn returns false when ctx ended first.
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Service) { s.sleep = fn }
}

func New(cfg Config, store Store, channels Channels, gw Gateway, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:    store,
		channels: channels,
		gw:       gw,
		log:      log,
		now:      time.Now,
		sleep:    sleepTimer,
	}
	s.Apply(cfg)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config; the next wait and the next cycle pick it up.
func (s *Service) Apply(cfg Config) {
	c := cfg.withDefaults()
	s.cfg.Store(&c)
}

func (s *Service) config() Config { return *s.cfg.Load() }

// LastCycle returns the summary of the most recent cycle, or nil before the first.
func (s *Service) LastCycle() *CycleSummary { return s.last.Load() }

// Run evaluates all tasks, then arms a single timer for the next cycle, until
// ctx is done. A new timer per cycle means cycles never overlap; a slow cycle
// stretches the period instead.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler started", logx.Duration("tick", s.config().Tick))
	for {
		s.RunCycle(ctx)
		if s.heartbeat != nil {
			s.heartbeat()
		}
		if !s.sleep(ctx, s.config().Tick) {
			s.log.Info("scheduler stopped")
			return nil
		}
	}
}

func sleepTimer(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
