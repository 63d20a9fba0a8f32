package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	"modbot/internal/storage"
	"modbot/internal/transport"
	"modbot/internal/transport/fake"
	logx "modbot/pkg/logx"
)

type staticChannels map[string]string

func (c staticChannels) ReminderChannel(ctx context.Context, communityID string) (string, bool, error) {
	id, ok := c[communityID]
	return id, ok, nil
}

type fixture struct {
	store *storage.Memory
	gw    *fake.Gateway
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		gw:    fake.New(),
		now:   time.UnixMilli(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()),
	}
	f.gw.AddChannel("g1", "tasks", true)
	f.gw.AddChannel("g2", "voice", false)
	chans := staticChannels{"g1": "tasks", "g2": "voice", "g3": "missing"}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = New(Config{}, f.store, chans, f.gw, logx.Nop(), opts...)
	return f
}

// seed creates a task and then forces scheduler-owned fields.
func (f *fixture) seed(t *testing.T, tk modtask.Task) modtask.Task {
	t.Helper()
	ctx := context.Background()
	created, err := f.store.CreateTask(ctx, tk)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	created.LastTrigger = tk.LastTrigger
	if tk.TriggerCount > 0 {
		created.TriggerCount = tk.TriggerCount
	}
	created.MessageID = tk.MessageID
	if err := f.store.SaveTask(ctx, created); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	return created
}

func (f *fixture) get(t *testing.T, communityID string, id int64) modtask.Task {
	t.Helper()
	tk, err := f.store.GetTask(context.Background(), communityID, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return tk
}

func TestFreshTaskIsPosted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "review reports", Interval: "1h", LastTrigger: f.now.Add(-time.Hour)})

	sum := f.svc.RunCycle(context.Background())
	if sum.Posted != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got := f.get(t, "g1", tk.ID)
	if got.MessageID == "" || got.TriggerCount != 1 || !got.LastTrigger.Equal(f.now) {
		t.Fatalf("task after post = %+v", got)
	}
	if r, _ := f.gw.RenderOf(got.MessageID); r.Color != modtask.ColorCalm {
		t.Fatalf("posted color = %#x", r.Color)
	}
	if reacts := f.gw.CallsOf("react"); len(reacts) != 1 || reacts[0].Text != modtask.AckEmoji {
		t.Fatalf("react calls = %+v", reacts)
	}
}

func TestOverdueTaskEscalatesInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msgID, _ := f.gw.SendRender(context.Background(), "tasks", transport.Render{})
	f.gw.ResetCalls()
	lastTrigger := f.now.Add(-2 * time.Hour)
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "1h", LastTrigger: lastTrigger, MessageID: msgID})

	sum := f.svc.RunCycle(context.Background())
	if sum.Escalated != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got := f.get(t, "g1", tk.ID)
	if got.TriggerCount != 2 || got.MessageID != msgID || !got.LastTrigger.Equal(lastTrigger) {
		t.Fatalf("task after escalate = %+v", got)
	}
	if r, _ := f.gw.RenderOf(msgID); r.Color != modtask.ColorWarning {
		t.Fatalf("edited color = %#x, want amber", r.Color)
	}
	if len(f.gw.CallsOf("send")) != 0 {
		t.Fatal("escalation must edit, not repost")
	}
}

func TestEscalationPastCapCountsSilently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msgID, _ := f.gw.SendRender(context.Background(), "tasks", transport.Render{})
	f.gw.ResetCalls()
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "1h", LastTrigger: f.now.Add(-5 * time.Hour), TriggerCount: 3, MessageID: msgID})

	for i := 0; i < 3; i++ {
		f.svc.RunCycle(context.Background())
	}
	if got := f.get(t, "g1", tk.ID); got.TriggerCount != 6 {
		t.Fatalf("TriggerCount = %d, want 6", got.TriggerCount)
	}
	if n := len(f.gw.CallsOf("edit")); n != 0 {
		t.Fatalf("edits past cap = %d, want 0", n)
	}
}

func TestDeletedMessageFallsBackToPost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "1h", LastTrigger: f.now.Add(-2 * time.Hour), TriggerCount: 2, MessageID: "gone"})

	sum := f.svc.RunCycle(context.Background())
	if sum.Posted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got := f.get(t, "g1", tk.ID)
	if got.MessageID == "gone" || got.TriggerCount != 1 {
		t.Fatalf("task after repost = %+v", got)
	}
}

func TestNotDueTaskIsUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "30m", LastTrigger: f.now.Add(-10 * time.Minute)})

	f.svc.RunCycle(context.Background())
	if calls := f.gw.Calls(); len(calls) != 0 {
		t.Fatalf("gateway calls = %+v", calls)
	}
	if got := f.get(t, "g1", tk.ID); got != tk {
		t.Fatalf("task changed: %+v -> %+v", tk, got)
	}
}

func TestSkipsWithoutSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := f.now.Add(-48 * time.Hour)
	f.seed(t, modtask.Task{CommunityID: "g1", Label: "bad interval", Interval: "soon", LastTrigger: old})
	f.seed(t, modtask.Task{CommunityID: "g2", Label: "voice channel", Interval: "1h", LastTrigger: old})
	f.seed(t, modtask.Task{CommunityID: "g3", Label: "unknown channel", Interval: "1h", LastTrigger: old})
	f.seed(t, modtask.Task{CommunityID: "g4", Label: "no setting", Interval: "1h", LastTrigger: old})

	for i := 0; i < 2; i++ {
		sum := f.svc.RunCycle(context.Background())
		if sum.Skipped != 4 || sum.Failed != 0 || sum.Posted != 0 {
			t.Fatalf("cycle %d summary = %+v", i, sum)
		}
	}
	if n := len(f.gw.CallsOf("send")); n != 0 {
		t.Fatalf("sends = %d", n)
	}
}

func TestFailureIsIsolatedPerTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := f.now.Add(-2 * time.Hour)
	a := f.seed(t, modtask.Task{CommunityID: "g1", Label: "a", Interval: "1h", LastTrigger: old})
	f.gw.Panic["send"] = true

	sum := f.svc.RunCycle(context.Background())
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := f.get(t, "g1", a.ID); got.MessageID != "" || got.TriggerCount != 1 {
		t.Fatalf("failed task was modified: %+v", got)
	}

	// The next cycle retries naturally.
	f.gw.Panic["send"] = false
	f.gw.Fail["react"] = fake.ErrBoom
	b := f.seed(t, modtask.Task{CommunityID: "g1", Label: "b", Interval: "1h", LastTrigger: old})
	sum = f.svc.RunCycle(context.Background())
	if sum.Posted != 2 || sum.Failed != 0 {
		t.Fatalf("retry summary = %+v", sum)
	}
	// A post whose reaction failed still keeps its message.
	if got := f.get(t, "g1", b.ID); got.MessageID == "" {
		t.Fatal("message id lost after reaction failure")
	}
}

func TestEditFailureDoesNotPersist(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msgID, _ := f.gw.SendRender(context.Background(), "tasks", transport.Render{})
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "1h", LastTrigger: f.now.Add(-2 * time.Hour), MessageID: msgID})
	f.gw.Fail["edit"] = fake.ErrBoom

	if sum := f.svc.RunCycle(context.Background()); sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := f.get(t, "g1", tk.ID); got.TriggerCount != 1 {
		t.Fatalf("TriggerCount = %d, want unchanged 1", got.TriggerCount)
	}
}

type failingList struct{ *storage.Memory }

func (failingList) ListTasks(ctx context.Context) ([]modtask.Task, error) {
	return nil, errors.New("db down")
}

func TestRunReschedulesAfterEveryCycle(t *testing.T) {
	t.Parallel()
	var (
		cycles atomic.Int32
		waits  []time.Duration
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := New(Config{Tick: 42 * time.Second}, failingList{storage.NewMemory()}, staticChannels{}, fake.New(), logx.Nop(),
		WithHeartbeat(func() { cycles.Add(1) }),
		WithSleep(func(ctx context.Context, d time.Duration) bool {
			waits = append(waits, d)
			return len(waits) < 3
		}),
	)
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cycles.Load() != 3 || len(waits) != 3 {
		t.Fatalf("cycles = %d, waits = %d, want 3 each", cycles.Load(), len(waits))
	}
	for _, w := range waits {
		if w != 42*time.Second {
			t.Fatalf("wait = %v, want one tick", w)
		}
	}
	if last := svc.LastCycle(); last == nil || last.ListError == "" {
		t.Fatalf("LastCycle = %+v", last)
	}
}

func TestCyclePublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	f := newFixture(t, WithBus(bus))
	f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "1m", LastTrigger: f.now.Add(-time.Minute)})

	f.svc.RunCycle(context.Background())
	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	if len(types) != 2 || types[0] != eventbus.TaskPosted || types[1] != eventbus.CycleCompleted {
		t.Fatalf("events = %v", types)
	}
}

// ackDuringList lets an acknowledgment land right after the cycle read the tasks.
type ackDuringList struct {
	*storage.Memory
	gw    *fake.Gateway
	ackAt time.Time
	done  bool
}

func (s *ackDuringList) ListTasks(ctx context.Context) ([]modtask.Task, error) {
	tasks, err := s.Memory.ListTasks(ctx)
	if err != nil || s.done {
		return tasks, err
	}
	s.done = true
	for _, tk := range tasks {
		if tk.MessageID == "" {
			continue
		}
		_ = s.gw.DeleteMessage(ctx, "tasks", tk.MessageID)
		if _, _, err := s.Memory.UpdateLastTriggerByMessageID(ctx, tk.MessageID, s.ackAt); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func TestAcknowledgmentRaceIsLastWriteWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msgID, _ := f.gw.SendRender(context.Background(), "tasks", transport.Render{})
	f.gw.ResetCalls()
	tk := f.seed(t, modtask.Task{CommunityID: "g1", Label: "x", Interval: "1h", LastTrigger: f.now.Add(-2 * time.Hour), MessageID: msgID})

	racy := &ackDuringList{Memory: f.store, gw: f.gw, ackAt: f.now.Add(-time.Second)}
	svc := New(Config{}, racy, staticChannels{"g1": "tasks"}, f.gw, logx.Nop(), WithClock(func() time.Time { return f.now }))

	// The cycle works from the snapshot taken before the acknowledgment:
	// it still sees the task as due and, with the message gone, reposts it.
	sum := svc.RunCycle(context.Background())
	if sum.Posted != 1 {
		t.Fatalf("summary = %+v, want the stale task reposted", sum)
	}
	got := f.get(t, "g1", tk.ID)
	if got.MessageID == "" || got.MessageID == msgID {
		t.Fatalf("MessageID = %q, want the cycle's new message", got.MessageID)
	}
	if got.LastTrigger.Equal(racy.ackAt) {
		t.Fatal("acknowledgment write survived; the cycle wrote last and should win")
	}
	if n := len(f.gw.CallsOf("send")); n != 1 {
		t.Fatalf("sends = %d, want 1 repost right after the acknowledgment", n)
	}
}
