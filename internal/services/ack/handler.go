// Package ack closes reminder tasks when a moderator reacts to them.
package ack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	"modbot/internal/storage"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Store interface {
	UpdateLastTriggerByMessageID(ctx context.Context, messageID string, at time.Time) (modtask.Task, bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Channels interface {
	ReminderChannel(ctx context.Context, communityID string) (string, bool, error)
	LogChannel(ctx context.Context, communityID string) (string, bool, error)
}

type Gateway interface {
	Self() string
	FetchMessage(ctx context.Context, channelID, messageID string) (*transport.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendRender(ctx context.Context, channelID string, r transport.Render) (string, error)
}

type Result string

const (
	Ignored      Result = "ignored"
	Acknowledged Result = "acknowledged"
	// Orphan: the message was ours and got deleted, but no task pointed at it.
	Orphan Result = "orphan"
)

type Handler struct {
	store    Store
	channels Channels
	gw       Gateway
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	emojis atomic.Pointer[map[string]bool]
}

func New(store Store, channels Channels, gw Gateway, bus eventbus.Bus, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{store: store, channels: channels, gw: gw, bus: bus, log: log, now: time.Now}
	h.SetEmojis(nil)
	return h
}

// SetEmojis replaces the acknowledgment set. Empty means just "✅".
func (h *Handler) SetEmojis(emojis []string) {
	m := map[string]bool{}
	for _, e := range emojis {
		if e != "" {
			m[e] = true
		}
	}
	if len(m) == 0 {
		m["✅"] = true
	}
	h.emojis.Store(&m)
}

func (h *Handler) isAck(emoji string) bool { return (*h.emojis.Load())[emoji] }

// HandleReaction closes the task rendered as r.MessageID. The task record is
// updated by message id in one statement; it is never loaded first.
func (h *Handler) HandleReaction(ctx context.Context, r transport.Reaction) (Result, error) {
	if r.Self || r.Bot || (r.UserID != "" && r.UserID == h.gw.Self()) {
		return Ignored, nil
	}
	if !h.isAck(r.Emoji) {
		return Ignored, nil
	}
	channelID, ok, err := h.channels.ReminderChannel(ctx, r.CommunityID)
	if err != nil {
		return Ignored, fmt.Errorf("resolve reminder channel: %w", err)
	}
	if !ok || channelID != r.ChannelID {
		return Ignored, nil
	}

	msg, err := h.gw.FetchMessage(ctx, r.ChannelID, r.MessageID)
	if errors.Is(err, transport.ErrNotFound) {
		return Ignored, nil
	}
	if err != nil {
		return Ignored, fmt.Errorf("fetch message: %w", err)
	}
	if msg.AuthorID == "" || msg.AuthorID != h.gw.Self() {
		return Ignored, nil
	}

	log := h.log.With(logx.String("community_id", r.CommunityID), logx.String("message_id", r.MessageID), logx.String("user_id", r.UserID))

	if err := h.gw.DeleteMessage(ctx, r.ChannelID, r.MessageID); err != nil && !errors.Is(err, transport.ErrNotFound) {
		return Ignored, fmt.Errorf("delete message: %w", err)
	}
	at := h.now()
	task, found, err := h.store.UpdateLastTriggerByMessageID(ctx, r.MessageID, at)
	if err != nil {
		return Ignored, fmt.Errorf("reset task clock: %w", err)
	}
	if !found {
		log.Debug("acknowledged message is not tracked by any task")
		return Orphan, nil
	}

	// Render from the row; telegram fetches carry no title or body.
	title := task.Title()
	log.Info("task acknowledged", logx.String("title", title))
	if err := h.store.AppendAudit(ctx, storage.AuditEntry{
		At:          at,
		CommunityID: r.CommunityID,
		ActorID:     r.UserID,
		ActorName:   r.UserName,
		Action:      eventbus.TaskAcknowledged,
		TaskID:      task.ID,
		Detail:      title,
	}); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TaskAcknowledged, Time: at, Data: map[string]string{
			"community_id": r.CommunityID,
			"message_id":   r.MessageID,
			"task_id":      strconv.FormatInt(task.ID, 10),
			"user_id":      r.UserID,
		}})
	}
	h.announce(ctx, log, r, title, task.Label)
	return Acknowledged, nil
}

// CompletedColor is the accent of completion announcements.
const CompletedColor = 0x2aff2a

func (h *Handler) announce(ctx context.Context, log logx.Logger, r transport.Reaction, title, label string) {
	logChannel, ok, err := h.channels.LogChannel(ctx, r.CommunityID)
	if err != nil || !ok {
		return
	}
	who := r.UserName
	if who == "" {
		who = r.UserID
	}
	var b strings.Builder
	if label != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", label)
	}
	fmt.Fprintf(&b, "Completed by: %s", who)
	render := transport.Render{Title: title + " completed!", Body: b.String(), Color: CompletedColor}
	if _, err := h.gw.SendRender(ctx, logChannel, render); err != nil {
		log.Warn("completion announcement failed", logx.Err(err))
	}
}
