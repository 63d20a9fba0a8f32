package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWithAddsFixedFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("cycle done", Int("posted", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "scheduler" || m["message"] != "cycle done" || m["posted"] != float64(2) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want logging_test.go:<line>", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not report IsZero")
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"task failed","task_id":7,"comp":"scheduler"}`
	got := formatChatLine([]byte(line))
	want := "**WARN** task failed\n```\ncomp=scheduler\ntask_id=7\n```"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte(`{"level":"error","message":"bare"}`)); got != "**ERROR** bare" {
		t.Fatalf("no fields = %q", got)
	}
	if got := formatChatLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-JSON line = %q", got)
	}
	long := `{"level":"warn","message":"m","blob":"` + strings.Repeat("x", 5000) + `"}`
	if got := formatChatLine([]byte(long)); len(got) > chatLimit || !strings.HasSuffix(got, "```") {
		t.Fatalf("long line not capped: len=%d", len(got))
	}
}

func TestChatSinkDropsRepeats(t *testing.T) {
	t.Parallel()
	c := newChatSink(nil)
	c.configure(ChatConfig{ChannelID: "ops", RatePerSec: 100})
	write := func(level Level, line string) {
		if _, err := c.WriteLevel(level, []byte(line)); err != nil {
			t.Fatalf("WriteLevel: %v", err)
		}
	}
	write(LevelWarn, `{"level":"warn","message":"post failed","caller":"a.go:1"}`)
	write(LevelWarn, `{"level":"warn","message":"post failed","caller":"a.go:2"}`)
	write(LevelWarn, `{"level":"warn","message":"edit failed"}`)
	write(LevelInfo, `{"level":"info","message":"below min level"}`)
	if got := len(c.queue); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{
		"":        LevelInfo,
		"DEBUG":   LevelDebug,
		" warn ":  LevelWarn,
		"Warning": LevelWarn,
		"error":   LevelError,
		"loud":    LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplyKeepsFileOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()
	first := svc.file
	if first == nil {
		t.Fatal("log file not opened")
	}
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if svc.file != first {
		t.Fatal("file reopened although the path did not change")
	}
	log.Debug("after reload")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "after reload") {
		t.Fatalf("log file = %q", b)
	}
	svc.Apply(Config{Level: "debug"})
	if svc.file != nil {
		t.Fatal("file still open after disabling")
	}
}

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	ch    chan struct{}
}

func (r *recordingSender) SendText(ctx context.Context, channelID, text string) (string, error) {
	r.mu.Lock()
	r.lines = append(r.lines, channelID+"|"+text)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return "1", nil
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, ChannelID: "ops", MinLevel: "warn", RatePerSec: 10}}, rs)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud")

	select {
	case <-rs.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink did not deliver")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.lines) != 1 || !strings.HasPrefix(rs.lines[0], "ops|**WARN** loud") {
		t.Fatalf("unexpected chat lines: %q", rs.lines)
	}
}
