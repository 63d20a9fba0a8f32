// Package settings resolves per-community settings with a short-lived cache.
package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"modbot/internal/storage"
)

const (
	ReminderChannel  = "mod_tasks_channel"
	LogChannel       = "logs_channel"
	VCModRole        = "vc_mod_role"
	EmergencyRole    = "emergency_role"
	EmergencyChannel = "emergency_channel"
	ModmailBot       = "modmail_bot"
	WhitelistEnabled = "whitelist_enabled"
)

// Fields lists the keys accepted by Set.
var Fields = []string{ReminderChannel, LogChannel, VCModRole, EmergencyRole, EmergencyChannel, ModmailBot, WhitelistEnabled}

func IsField(key string) bool {
	for _, f := range Fields {
		if f == key {
			return true
		}
	}
	return false
}

type entry struct {
	value string
	ok    bool
}

// Service reads settings through an expiring LRU. Writes go through the
// service so the cache entry is dropped immediately.
type Service struct {
	store storage.SettingsStore
	cache *expirable.LRU[string, entry]
}

func New(store storage.SettingsStore, size int, ttl time.Duration) *Service {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{store: store, cache: expirable.NewLRU[string, entry](size, nil, ttl)}
}

func cacheKey(communityID, key string) string { return communityID + "\x00" + key }

// Get returns the value of key in a community; ok is false when unset.
func (s *Service) Get(ctx context.Context, communityID, key string) (string, bool, error) {
	ck := cacheKey(communityID, key)
	if e, hit := s.cache.Get(ck); hit {
		return e.value, e.ok, nil
	}
	v, ok, err := s.store.GetSetting(ctx, communityID, key)
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	s.cache.Add(ck, entry{value: v, ok: ok})
	return v, ok, nil
}

func (s *Service) ReminderChannel(ctx context.Context, communityID string) (string, bool, error) {
	return s.Get(ctx, communityID, ReminderChannel)
}

func (s *Service) LogChannel(ctx context.Context, communityID string) (string, bool, error) {
	return s.Get(ctx, communityID, LogChannel)
}

func (s *Service) Set(ctx context.Context, communityID, key, value string) error {
	if !IsField(key) {
		return fmt.Errorf("unknown setting %q (fields: %s)", key, strings.Join(Fields, ", "))
	}
	defer s.cache.Remove(cacheKey(communityID, key))
	return s.store.SetSetting(ctx, communityID, key, value)
}

func (s *Service) Unset(ctx context.Context, communityID, key string) error {
	defer s.cache.Remove(cacheKey(communityID, key))
	return s.store.DeleteSetting(ctx, communityID, key)
}

// All returns every set key, sorted.
func (s *Service) All(ctx context.Context, communityID string) ([][2]string, error) {
	m, err := s.store.ListSettings(ctx, communityID)
	if err != nil {
		return nil, err
	}
	out := make([][2]string, 0, len(m))
	for k, v := range m {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// Purge drops every cached entry.
func (s *Service) Purge() { s.cache.Purge() }
