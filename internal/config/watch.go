package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "modbot/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// Watch reloads the config file on change until ctx is done. The directory is
// watched so editors that replace the file are seen. A broken watcher is
// recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	attempt := 0
	for {
		err := m.watchDir(ctx, dir, name, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		wait := retryDelay(attempt)
		attempt++
		m.log.Warn("config watcher failed; retrying", logx.Err(err), logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func retryDelay(attempt int) time.Duration {
	d := watchRetryBase << min(attempt, 5)
	d = min(d, watchRetryMax)
	return d + rand.N(d/2+1)
}

// watchDir runs one fsnotify watcher until ctx is done or the watcher breaks.
// Bursts of events collapse into one reload after reloadDebounce.
func (m *Manager) watchDir(ctx context.Context, dir, name string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			if touches(ev, name) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("errors channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events may have been missed
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

func touches(ev fsnotify.Event, name string) bool {
	if !strings.EqualFold(filepath.Base(ev.Name), name) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}
