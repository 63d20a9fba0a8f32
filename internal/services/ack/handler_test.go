package ack

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	"modbot/internal/storage"
	"modbot/internal/transport"
	"modbot/internal/transport/fake"
	logx "modbot/pkg/logx"
)

type staticChannels struct {
	reminder map[string]string
	logs     map[string]string
}

func (c staticChannels) ReminderChannel(ctx context.Context, communityID string) (string, bool, error) {
	id, ok := c.reminder[communityID]
	return id, ok, nil
}

func (c staticChannels) LogChannel(ctx context.Context, communityID string) (string, bool, error) {
	id, ok := c.logs[communityID]
	return id, ok, nil
}

type fixture struct {
	store *storage.Memory
	gw    *fake.Gateway
	bus   eventbus.Bus
	h     *Handler
	now   time.Time
	task  modtask.Task
}

// newFixture posts one task into g1's reminder channel the way the scheduler would.
func newFixture(t *testing.T, withLogs bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: storage.NewMemory(),
		gw:    fake.New(),
		bus:   eventbus.New(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	chans := staticChannels{reminder: map[string]string{"g1": "tasks"}, logs: map[string]string{}}
	if withLogs {
		chans.logs["g1"] = "logs"
	}
	f.h = New(f.store, chans, f.gw, f.bus, logx.Nop())
	f.h.now = func() time.Time { return f.now }

	tk, err := f.store.CreateTask(ctx, modtask.Task{CommunityID: "g1", Label: "Check the queue", Interval: "1h"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := tk.Post(ctx, f.gw, "tasks", f.now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("Post: %v", err)
	}
	tk.TriggerCount = 3
	if err := f.store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	f.task = tk
	f.gw.ResetCalls()
	return f
}

func (f *fixture) reaction() transport.Reaction {
	return transport.Reaction{
		CommunityID: "g1",
		ChannelID:   "tasks",
		MessageID:   f.task.MessageID,
		Emoji:       modtask.AckEmoji,
		UserID:      "u1",
		UserName:    "mod",
	}
}

func TestAcknowledgeClosesTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	res, err := f.h.HandleReaction(ctx, f.reaction())
	if err != nil || res != Acknowledged {
		t.Fatalf("HandleReaction = %v, %v", res, err)
	}
	if f.gw.Has(f.task.MessageID) {
		t.Fatal("rendered message not deleted")
	}

	got, err := f.store.GetTask(ctx, "g1", f.task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.LastTrigger.Equal(f.now) {
		t.Fatalf("LastTrigger = %v, want %v", got.LastTrigger, f.now)
	}
	if got.MessageID != "" {
		t.Fatalf("MessageID = %q, want cleared", got.MessageID)
	}
	if got.TriggerCount != 3 {
		t.Fatalf("TriggerCount = %d, want untouched 3", got.TriggerCount)
	}

	audit := f.store.Audit()
	if len(audit) != 1 || audit[0].Action != eventbus.TaskAcknowledged || audit[0].ActorID != "u1" {
		t.Fatalf("audit = %+v", audit)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TaskAcknowledged {
			t.Fatalf("event type = %q", ev.Type)
		}
	default:
		t.Fatal("no acknowledgment event published")
	}

	sends := f.gw.CallsOf("send")
	if len(sends) != 1 || sends[0].ChannelID != "logs" {
		t.Fatalf("announcement sends = %+v", sends)
	}
	r := sends[0].Render
	if r.Title != f.task.Title()+" completed!" {
		t.Fatalf("announcement title = %q", r.Title)
	}
	if !strings.Contains(r.Body, "Check the queue") || !strings.Contains(r.Body, "mod") {
		t.Fatalf("announcement body = %q", r.Body)
	}
}

// Telegram fetches return only ids and the author; the announcement must still
// name the task and its label.
func TestAnnouncementUsesStoredTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	f.gw.PutMessage(transport.Message{ID: f.task.MessageID, CommunityID: "g1", ChannelID: "tasks", AuthorID: fake.SelfID})

	res, err := f.h.HandleReaction(ctx, f.reaction())
	if err != nil || res != Acknowledged {
		t.Fatalf("HandleReaction = %v, %v", res, err)
	}
	sends := f.gw.CallsOf("send")
	if len(sends) != 1 {
		t.Fatalf("announcement sends = %+v", sends)
	}
	r := sends[0].Render
	if want := "Moderation task #" + strconv.FormatInt(f.task.ID, 10) + " completed!"; r.Title != want {
		t.Fatalf("announcement title = %q, want %q", r.Title, want)
	}
	if !strings.Contains(r.Body, "Task: Check the queue") {
		t.Fatalf("announcement body = %q, want the label", r.Body)
	}
	if audit := f.store.Audit(); len(audit) != 1 || audit[0].TaskID != f.task.ID {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestNoAnnouncementWithoutLogChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	res, err := f.h.HandleReaction(context.Background(), f.reaction())
	if err != nil || res != Acknowledged {
		t.Fatalf("HandleReaction = %v, %v", res, err)
	}
	if sends := f.gw.CallsOf("send"); len(sends) != 0 {
		t.Fatalf("unexpected sends: %+v", sends)
	}
}

func TestIgnoredReactions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(r *transport.Reaction)
	}{
		{"self flag", func(r *transport.Reaction) { r.Self = true }},
		{"self id", func(r *transport.Reaction) { r.UserID = fake.SelfID }},
		{"other bot", func(r *transport.Reaction) { r.Bot = true }},
		{"wrong emoji", func(r *transport.Reaction) { r.Emoji = "👍" }},
		{"wrong channel", func(r *transport.Reaction) { r.ChannelID = "general" }},
		{"no reminder channel", func(r *transport.Reaction) { r.CommunityID = "g2" }},
		{"unknown message", func(r *transport.Reaction) { r.MessageID = "nope" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, true)
			r := f.reaction()
			tc.mutate(&r)
			res, err := f.h.HandleReaction(context.Background(), r)
			if err != nil || res != Ignored {
				t.Fatalf("HandleReaction = %v, %v, want ignored", res, err)
			}
			if !f.gw.Has(f.task.MessageID) {
				t.Fatal("message deleted for an ignored reaction")
			}
			if len(f.store.Audit()) != 0 {
				t.Fatal("audit written for an ignored reaction")
			}
		})
	}
}

func TestIgnoresMessagesFromOthers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.gw.PutMessage(transport.Message{ID: "human", ChannelID: "tasks", AuthorID: "u9"})
	r := f.reaction()
	r.MessageID = "human"
	res, err := f.h.HandleReaction(context.Background(), r)
	if err != nil || res != Ignored {
		t.Fatalf("HandleReaction = %v, %v", res, err)
	}
	if !f.gw.Has("human") {
		t.Fatal("someone else's message was deleted")
	}
}

func TestOrphanMessageIsDeleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	// A stale bot message that no task points at anymore.
	f.gw.PutMessage(transport.Message{ID: "stale", ChannelID: "tasks", AuthorID: fake.SelfID, AuthorBot: true})
	r := f.reaction()
	r.MessageID = "stale"
	res, err := f.h.HandleReaction(context.Background(), r)
	if err != nil || res != Orphan {
		t.Fatalf("HandleReaction = %v, %v, want orphan", res, err)
	}
	if f.gw.Has("stale") {
		t.Fatal("orphan message not deleted")
	}
	if len(f.store.Audit()) != 0 {
		t.Fatal("audit written for an orphan")
	}
}

func TestCustomEmojiSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.h.SetEmojis([]string{"👌", ""})
	r := f.reaction()
	if res, _ := f.h.HandleReaction(context.Background(), r); res != Ignored {
		t.Fatalf("default emoji accepted after SetEmojis: %v", res)
	}
	r.Emoji = "👌"
	if res, err := f.h.HandleReaction(context.Background(), r); err != nil || res != Acknowledged {
		t.Fatalf("HandleReaction = %v, %v", res, err)
	}
}

func TestDeleteFailureLeavesTaskOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.gw.Fail["delete"] = fake.ErrBoom
	_, err := f.h.HandleReaction(context.Background(), f.reaction())
	if !errors.Is(err, fake.ErrBoom) {
		t.Fatalf("err = %v, want ErrBoom", err)
	}
	got, _ := f.store.GetTask(context.Background(), "g1", f.task.ID)
	if got.MessageID != f.task.MessageID {
		t.Fatal("task closed even though the message survived")
	}
}
