package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modbot/internal/modtask"
)

// Memory keeps everything in maps guarded by one mutex.
// Each method is atomic on its own, which matches the per-statement atomicity of the SQL drivers.
type Memory struct {
	mu       sync.Mutex
	seq      int64
	tasks    map[int64]modtask.Task
	settings map[string]map[string]string
	audit    []AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    map[int64]modtask.Task{},
		settings: map[string]map[string]string{},
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) ListTasks(ctx context.Context) ([]modtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(modtask.Task) bool { return true }), nil
}

func (s *Memory) ListTasksByCommunity(ctx context.Context, communityID string) ([]modtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(t modtask.Task) bool { return t.CommunityID == communityID }), nil
}

func (s *Memory) sortedLocked(keep func(modtask.Task) bool) []modtask.Task {
	out := make([]modtask.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Memory) GetTask(ctx context.Context, communityID string, id int64) (modtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.CommunityID != communityID {
		return modtask.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *Memory) CreateTask(ctx context.Context, t modtask.Task) (modtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.ID = s.seq
	if t.LastTrigger.IsZero() {
		t.LastTrigger = time.Now()
	}
	t.TriggerCount = 1
	t.MessageID = ""
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Memory) UpdateTask(ctx context.Context, t modtask.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || cur.CommunityID != t.CommunityID {
		return ErrNotFound
	}
	cur.Label = t.Label
	cur.Interval = t.Interval
	s.tasks[t.ID] = cur
	return nil
}

func (s *Memory) SaveTask(ctx context.Context, t modtask.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	cur.LastTrigger = t.LastTrigger
	cur.TriggerCount = t.TriggerCount
	cur.MessageID = t.MessageID
	s.tasks[t.ID] = cur
	return nil
}

func (s *Memory) UpdateLastTriggerByMessageID(ctx context.Context, messageID string, at time.Time) (modtask.Task, bool, error) {
	if messageID == "" {
		return modtask.Task{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		out   modtask.Task
		found bool
	)
	for id, t := range s.tasks {
		if t.MessageID != messageID {
			continue
		}
		t.LastTrigger = at
		t.MessageID = ""
		s.tasks[id] = t
		if !found || id < out.ID {
			out = t
		}
		found = true
	}
	return out, found, nil
}

func (s *Memory) DeleteTask(ctx context.Context, communityID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.CommunityID != communityID {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *Memory) GetSetting(ctx context.Context, communityID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[communityID][key]
	return v, ok, nil
}

func (s *Memory) SetSetting(ctx context.Context, communityID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.settings[communityID]
	if m == nil {
		m = map[string]string{}
		s.settings[communityID] = m
	}
	m[key] = value
	return nil
}

func (s *Memory) DeleteSetting(ctx context.Context, communityID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings[communityID], key)
	return nil
}

func (s *Memory) ListSettings(ctx context.Context, communityID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings[communityID]))
	for k, v := range s.settings[communityID] {
		out[k] = v
	}
	return out, nil
}

func (s *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *Memory) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var removed int64
	for _, e := range s.audit {
		if e.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}

// Audit returns a copy of the audit log.
func (s *Memory) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}
