// Package modtask holds the reminder task model and its two render transitions.
package modtask

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"modbot/internal/transport"
)

// AckEmoji is attached to every posted task so moderators can close it with one tap.
const AckEmoji = "✅"

// MaxEscalation is the trigger count at which the accent color stops changing.
const MaxEscalation = 3

const (
	ColorCalm    = 0x2aff2a
	ColorWarning = 0xff942a
	ColorUrgent  = 0xff2a2a
)

// Task is one recurring reminder.
//
// MessageID is empty while no rendered message exists.
type Task struct {
	ID           int64     `json:"id"`
	CommunityID  string    `json:"community_id"`
	Label        string    `json:"label"`
	Interval     string    `json:"interval"`
	LastTrigger  time.Time `json:"last_trigger"`
	TriggerCount int       `json:"trigger_count"`
	MessageID    string    `json:"message_id,omitempty"`
}

// Poster is the slice of the chat gateway the transitions need.
type Poster interface {
	SendRender(ctx context.Context, channelID string, r transport.Render) (string, error)
	EditRender(ctx context.Context, channelID, messageID string, r transport.Render) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// Due reports whether now >= LastTrigger + interval.
// ok is false when the interval does not parse; such tasks are never due.
func (t *Task) Due(now time.Time) (due bool, ok bool) {
	d, ok := ParseInterval(t.Interval)
	if !ok {
		return false, false
	}
	return !now.Before(t.LastTrigger.Add(d)), true
}

func (t *Task) Title() string { return "Moderation task #" + strconv.FormatInt(t.ID, 10) }

// Color maps the trigger count to the accent color, capped at MaxEscalation.
func (t *Task) Color() int {
	switch {
	case t.TriggerCount <= 1:
		return ColorCalm
	case t.TriggerCount == 2:
		return ColorWarning
	default:
		return ColorUrgent
	}
}

func (t *Task) Render() transport.Render {
	return transport.Render{Title: t.Title(), Body: t.Label, Color: t.Color()}
}

// Post sends a fresh message for the task and resets its escalation.
//
// The task is mutated only after the send succeeds, so a failed post leaves it as it was.
// A failed reaction add is returned but the new message id is kept.
func (t *Task) Post(ctx context.Context, p Poster, channelID string, now time.Time) error {
	prevCount := t.TriggerCount
	t.TriggerCount = 1
	msgID, err := p.SendRender(ctx, channelID, t.Render())
	if err != nil {
		t.TriggerCount = prevCount
		return fmt.Errorf("post task %d: %w", t.ID, err)
	}
	t.MessageID = msgID
	t.LastTrigger = now
	if err := p.AddReaction(ctx, channelID, msgID, AckEmoji); err != nil {
		return fmt.Errorf("react to task %d: %w", t.ID, err)
	}
	return nil
}

// Escalate bumps the trigger count and recolors the live message while the
// count is within MaxEscalation. LastTrigger is left alone.
func (t *Task) Escalate(ctx context.Context, p Poster, channelID string) error {
	t.TriggerCount++
	if t.TriggerCount > MaxEscalation {
		return nil
	}
	if err := p.EditRender(ctx, channelID, t.MessageID, t.Render()); err != nil {
		return fmt.Errorf("escalate task %d: %w", t.ID, err)
	}
	return nil
}

// Refresh re-renders the live message without touching the counters.
// Used after an editor changes the label.
func (t *Task) Refresh(ctx context.Context, p Poster, channelID string) error {
	if t.MessageID == "" {
		return nil
	}
	return p.EditRender(ctx, channelID, t.MessageID, t.Render())
}
