package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"modbot/internal/modtask"
	logx "modbot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "modbot.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.UnixMilli(time.Now().Add(-time.Hour).UnixMilli())
			tk, err := st.CreateTask(ctx, modtask.Task{CommunityID: "g1", Label: "review reports", Interval: "1h", LastTrigger: created})
			if err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			if tk.ID == 0 || tk.TriggerCount != 1 || tk.MessageID != "" {
				t.Fatalf("unexpected created task: %+v", tk)
			}

			// Scheduler-owned fields only.
			tk.TriggerCount = 2
			tk.MessageID = "msg-1"
			tk.Label = "should not be written"
			if err := st.SaveTask(ctx, tk); err != nil {
				t.Fatalf("SaveTask: %v", err)
			}
			got, err := st.GetTask(ctx, "g1", tk.ID)
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if got.Label != "review reports" || got.TriggerCount != 2 || got.MessageID != "msg-1" {
				t.Fatalf("SaveTask wrote wrong fields: %+v", got)
			}

			// Editor-owned fields only.
			got.Label = "review all reports"
			got.Interval = "2h"
			got.TriggerCount = 99
			if err := st.UpdateTask(ctx, got); err != nil {
				t.Fatalf("UpdateTask: %v", err)
			}
			got, _ = st.GetTask(ctx, "g1", tk.ID)
			if got.Label != "review all reports" || got.Interval != "2h" || got.TriggerCount != 2 {
				t.Fatalf("UpdateTask wrote wrong fields: %+v", got)
			}

			if _, err := st.GetTask(ctx, "other", tk.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTask in other community: err = %v, want ErrNotFound", err)
			}

			if err := st.DeleteTask(ctx, "g1", tk.ID); err != nil {
				t.Fatalf("DeleteTask: %v", err)
			}
			if err := st.DeleteTask(ctx, "g1", tk.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteTask: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdateLastTriggerByMessageID(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk, err := st.CreateTask(ctx, modtask.Task{CommunityID: "g1", Label: "a", Interval: "1h"})
			if err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			tk.MessageID = "m-42"
			tk.TriggerCount = 3
			if err := st.SaveTask(ctx, tk); err != nil {
				t.Fatalf("SaveTask: %v", err)
			}

			at := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
			acked, found, err := st.UpdateLastTriggerByMessageID(ctx, "m-42", at)
			if err != nil || !found {
				t.Fatalf("UpdateLastTriggerByMessageID = %v, %v", found, err)
			}
			if acked.ID != tk.ID || acked.Label != "a" || acked.CommunityID != "g1" {
				t.Fatalf("returned task = %+v, want id %d label a", acked, tk.ID)
			}
			got, _ := st.GetTask(ctx, "g1", tk.ID)
			if !got.LastTrigger.Equal(at) {
				t.Fatalf("LastTrigger = %v, want %v", got.LastTrigger, at)
			}
			if got.MessageID != "" {
				t.Fatalf("MessageID = %q, want cleared", got.MessageID)
			}
			if got.TriggerCount != 3 {
				t.Fatalf("TriggerCount = %d, want untouched 3", got.TriggerCount)
			}

			_, found, err = st.UpdateLastTriggerByMessageID(ctx, "m-42", at)
			if err != nil || found {
				t.Fatalf("second update = %v, %v, want no match", found, err)
			}
		})
	}
}

func TestSettingsAndAudit(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.GetSetting(ctx, "g1", "logs_channel"); err != nil || ok {
				t.Fatalf("GetSetting on empty store = %v, %v", ok, err)
			}
			if err := st.SetSetting(ctx, "g1", "logs_channel", "c1"); err != nil {
				t.Fatalf("SetSetting: %v", err)
			}
			if err := st.SetSetting(ctx, "g1", "logs_channel", "c2"); err != nil {
				t.Fatalf("SetSetting overwrite: %v", err)
			}
			v, ok, err := st.GetSetting(ctx, "g1", "logs_channel")
			if err != nil || !ok || v != "c2" {
				t.Fatalf("GetSetting = %q, %v, %v", v, ok, err)
			}
			all, err := st.ListSettings(ctx, "g1")
			if err != nil || len(all) != 1 {
				t.Fatalf("ListSettings = %v, %v", all, err)
			}
			if err := st.DeleteSetting(ctx, "g1", "logs_channel"); err != nil {
				t.Fatalf("DeleteSetting: %v", err)
			}
			if _, ok, _ := st.GetSetting(ctx, "g1", "logs_channel"); ok {
				t.Fatal("setting still present after delete")
			}

			old := time.Now().Add(-48 * time.Hour)
			if err := st.AppendAudit(ctx, AuditEntry{At: old, Action: "task.acknowledged", TaskID: 1}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Action: "task.created", TaskID: 2}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
			n, err := st.PruneAudit(ctx, time.Now().Add(-24*time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("PruneAudit = %d, %v, want 1", n, err)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
