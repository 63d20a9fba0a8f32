package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "modbot/pkg/logx"
)

// stableRun is how long a run must last before its failure restarts the backoff.
const stableRun = 30 * time.Second

// Supervisor runs named goroutines under a shared context, recovers their
// panics, and keeps per-name stats for the ops endpoint.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Pointer[error]

	mu       sync.Mutex
	routines map[string]*Routine
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Routine aggregates every run started under one name.
type Routine struct {
	Name      string    `json:"name"`
	Running   int       `json:"running"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop"`
	LastError string    `json:"last_error,omitempty"`
	LastPanic string    `json:"last_panic,omitempty"`
	// Uptime is the summed duration of finished runs.
	Uptime time.Duration `json:"uptime"`
}

type Snapshot struct {
	Running    int       `json:"running"`
	FirstError string    `json:"first_error,omitempty"`
	Routines   []Routine `json:"routines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), routines: map[string]*Routine{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Snapshot copies the per-name stats, sorted by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Routines = make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		snap.Routines = append(snap.Routines, *r)
		snap.Running += r.Running
	}
	s.mu.Unlock()
	sort.Slice(snap.Routines, func(i, j int) bool { return snap.Routines[i].Name < snap.Routines[j].Name })
	return snap
}

func (s *Supervisor) routine(name string, fn func(r *Routine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[name]
	if !ok {
		r = &Routine{Name: name}
		s.routines[name] = r
	}
	fn(r)
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.routine(name, func(r *Routine) {
		r.Runs++
		r.Running++
		r.LastStart = now
		if restart {
			r.Restarts++
		}
	})
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.routine(name, func(r *Routine) {
		r.Running = max(0, r.Running-1)
		r.LastStop = now
		r.Uptime += now.Sub(startedAt)
		if err != nil {
			r.LastError = err.Error()
		}
	})
}

func (s *Supervisor) notePanic(name string, p any) {
	s.routine(name, func(r *Routine) {
		r.Panics++
		r.LastPanic = fmt.Sprint(p)
	})
}

// runProtected calls fn and converts a panic into an error.
func (s *Supervisor) runProtected(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// run executes one recorded run of fn. Cancellation counts as a clean exit.
func (s *Supervisor) run(ctx context.Context, name string, restart bool, fn func(ctx context.Context) error) (time.Duration, error) {
	startedAt := s.noteStart(name, restart)
	err := s.runProtected(ctx, name, fn)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
	}
	s.noteStop(name, startedAt, err)
	return time.Since(startedAt), err
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.run(s.ctx, name, false, fn); err != nil {
			s.fail(err)
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceiling time.Duration
	// limit <= 0 means unlimited.
	limit int
}

// delay doubles from floor per consecutive failure, capped at ceiling, plus up to 20% jitter.
func (p restartPolicy) delay(failures int) time.Duration {
	d := p.floor
	for i := 1; i < failures && d < p.ceiling; i++ {
		d *= 2
	}
	d = min(d, p.ceiling)
	return d + rand.N(d/5+1)
}

func WithRestartBackoff(floor, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts gives up after n failed runs; the first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff. A clean return or cancellation stops it. A run that
// lasted longer than stableRun resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceiling: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.floor)

	s.Go0(name+".restart", func(ctx context.Context) {
		failures := 0
		for restarts := 0; ctx.Err() == nil; restarts++ {
			lasted, err := s.run(ctx, name, restarts > 0, fn)
			if err == nil {
				return
			}
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if lasted >= stableRun {
				failures = 0
			}
			failures++
			wait := p.delay(failures)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	s.log.Error("goroutine failed", logx.Err(err))
	if s.cancelOnErr {
		s.cancel()
	}
}
