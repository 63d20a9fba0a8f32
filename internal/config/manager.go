package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logx "modbot/pkg/logx"
)

const validateTimeout = 5 * time.Second

type snapshot struct {
	cfg  *Config
	hash uint64
}

// Manager owns the current configuration and publishes reloads to subscribers.
type Manager struct {
	path   string
	getenv func(string) string
	log    logx.Logger

	cur       atomic.Pointer[snapshot]
	validator atomic.Pointer[func(ctx context.Context, cfg *Config) error]

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		getenv: os.Getenv,
		log:    logx.Nop(),
		subs:   make(map[chan *Config]struct{}),
	}
}

func (m *Manager) Path() string { return m.path }

// SetLogger must be called before Watch.
func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a hook run before a reload is committed. nil removes it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	if fn == nil {
		m.validator.Store(nil)
		return
	}
	m.validator.Store(&fn)
}

// Parse reads the file, applies environment overrides and fills defaults.
// Unknown fields and trailing data are rejected.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	format := configFormat(m.path)
	if format == "yaml" {
		if raw, err = yamlToJSON(raw); err != nil {
			return nil, err
		}
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	applyEnv(cfg, m.getenv)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(raw []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("trailing data after config object")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return &cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *Manager) Commit(cfg *Config) {
	m.cur.Store(&snapshot{cfg: cfg, hash: hashConfig(cfg)})
}

// Load parses and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	if s := m.cur.Load(); s != nil {
		return s.cfg
	}
	return nil
}

// Subscribe registers a channel that receives every published config.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown or already removed channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offerNewest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerNewest sends cfg without blocking. A full channel loses its oldest
// pending config so the newest one lands.
func offerNewest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload parses, dedups, validates, commits and publishes. It reports whether
// a new config was published.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	h := hashConfig(cfg)
	if prev := m.cur.Load(); prev != nil && h != 0 && prev.hash == h {
		return false
	}
	if fn := m.validator.Load(); fn != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := (*fn)(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
	return true
}
