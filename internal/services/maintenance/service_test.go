package maintenance

import (
	"context"
	"testing"
	"time"

	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

func TestPruneNowDropsOldEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := storage.NewMemory()
	for _, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour} {
		if err := mem.AppendAudit(ctx, storage.AuditEntry{At: now.Add(-age), Action: "x"}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	s := New(Config{Retention: 30 * 24 * time.Hour}, mem, logx.Nop())
	s.now = func() time.Time { return now }
	n, err := s.PruneNow(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PruneNow = %d, %v, want 1", n, err)
	}
	if got := len(mem.Audit()); got != 2 {
		t.Fatalf("entries left = %d, want 2", got)
	}
	if at, removed := s.LastRun(); !at.Equal(now) || removed != 1 {
		t.Fatalf("LastRun = %v, %d", at, removed)
	}
}

func TestZeroRetentionKeepsEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	_ = mem.AppendAudit(ctx, storage.AuditEntry{At: time.Unix(0, 0), Action: "x"})
	s := New(Config{}, mem, logx.Nop())
	if n, err := s.PruneNow(ctx); err != nil || n != 0 {
		t.Fatalf("PruneNow = %d, %v", n, err)
	}
	if len(mem.Audit()) != 1 {
		t.Fatal("entry pruned with retention disabled")
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		spec string
		ok   bool
	}{
		{"@daily", true},
		{"@every 6h", true},
		{"0 3 * * *", true},
		{"30 0 3 * * *", true},
		{"tomorrow-ish", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidateSchedule(tc.spec)
		if (err == nil) != tc.ok {
			t.Fatalf("ValidateSchedule(%q) = %v, want ok=%v", tc.spec, err, tc.ok)
		}
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(Config{Schedule: "@daily"}, storage.NewMemory(), logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Next().IsZero() {
		t.Fatal("no next run after Start")
	}
	if err := s.Apply(Config{Schedule: "not a schedule"}); err == nil {
		t.Fatal("Apply accepted a bad schedule")
	}
	if s.Next().IsZero() {
		t.Fatal("cron not restored after a rejected Apply")
	}
	if err := s.Apply(Config{Schedule: "@hourly", Timezone: "UTC"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if !s.Next().IsZero() {
		t.Fatal("next run reported after Stop")
	}
}
