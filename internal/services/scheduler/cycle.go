package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Outcome string

const (
	OutcomeIdle      Outcome = "idle" // not due
	OutcomePosted    Outcome = "posted"
	OutcomeEscalated Outcome = "escalated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

type CycleSummary struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Tasks     int           `json:"tasks"`
	Posted    int           `json:"posted"`
	Escalated int           `json:"escalated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	ListError string        `json:"list_error,omitempty"`
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	TaskID       int64  `json:"task_id"`
	CommunityID  string `json:"community_id"`
	MessageID    string `json:"message_id,omitempty"`
	TriggerCount int    `json:"trigger_count"`
	Error        string `json:"error,omitempty"`
}

// RunCycle makes one pass over every task. Failures stay inside the task
// that caused them.
func (s *Service) RunCycle(ctx context.Context) (sum CycleSummary) {
	sum = CycleSummary{ID: uuid.NewString(), Started: s.now()}
	log := s.log.With(logx.String("cycle_id", sum.ID))
	defer func() {
		sum.Duration = s.now().Sub(sum.Started)
		s.last.Store(&sum)
		s.publish(eventbus.CycleCompleted, sum)
	}()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		sum.ListError = err.Error()
		log.Warn("list tasks failed", logx.Err(err))
		return sum
	}
	sum.Tasks = len(tasks)

	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		switch s.processTask(ctx, log, t) {
		case OutcomePosted:
			sum.Posted++
		case OutcomeEscalated:
			sum.Escalated++
		case OutcomeSkipped:
			sum.Skipped++
		case OutcomeFailed:
			sum.Failed++
		}
	}

	fields := []logx.Field{
		logx.Int("tasks", sum.Tasks),
		logx.Int("posted", sum.Posted),
		logx.Int("escalated", sum.Escalated),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
	}
	if sum.Posted+sum.Escalated+sum.Failed > 0 {
		log.Info("cycle done", fields...)
	} else {
		log.Debug("cycle done", fields...)
	}
	return sum
}

func (s *Service) processTask(ctx context.Context, log logx.Logger, t modtask.Task) (out Outcome) {
	log = log.With(logx.Int64("task_id", t.ID), logx.String("community_id", t.CommunityID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.publishTask(eventbus.TaskFailed, t, fmt.Errorf("panic: %v", r))
			out = OutcomeFailed
		}
	}()

	now := s.now()
	due, ok := t.Due(now)
	if !ok {
		log.Debug("skip: interval does not parse", logx.String("interval", t.Interval))
		return OutcomeSkipped
	}
	if !due {
		return OutcomeIdle
	}

	tctx, cancel := context.WithTimeout(ctx, s.config().TaskTimeout)
	defer cancel()

	channelID, ok, err := s.channels.ReminderChannel(tctx, t.CommunityID)
	if err != nil {
		return s.fail(log, t, "resolve reminder channel", err)
	}
	if !ok {
		log.Debug("skip: no reminder channel configured")
		return OutcomeSkipped
	}
	ch, err := s.gw.ResolveChannel(tctx, t.CommunityID, channelID)
	if errors.Is(err, transport.ErrNotFound) {
		log.Debug("skip: reminder channel not found", logx.String("channel_id", channelID))
		return OutcomeSkipped
	}
	if err != nil {
		return s.fail(log, t, "resolve channel", err)
	}
	if !ch.TextCapable {
		log.Debug("skip: reminder channel is not a text channel", logx.String("channel_id", channelID))
		return OutcomeSkipped
	}

	live := false
	if t.MessageID != "" {
		_, err := s.gw.FetchMessage(tctx, channelID, t.MessageID)
		switch {
		case err == nil:
			live = true
		case errors.Is(err, transport.ErrNotFound):
			log.Debug("rendered message gone; reposting", logx.String("message_id", t.MessageID))
		default:
			return s.fail(log, t, "fetch message", err)
		}
	}

	evType := eventbus.TaskEscalated
	out = OutcomeEscalated
	if live {
		if err := t.Escalate(tctx, s.gw, channelID); err != nil {
			return s.fail(log, t, "escalate", err)
		}
	} else {
		prev := t.MessageID
		evType, out = eventbus.TaskPosted, OutcomePosted
		if err := t.Post(tctx, s.gw, channelID, now); err != nil {
			if t.MessageID == prev {
				return s.fail(log, t, "post", err)
			}
			// The message is out; keep its id even though the reaction failed.
			log.Warn("posted without acknowledgment reaction", logx.Err(err))
		}
	}

	if err := s.store.SaveTask(tctx, t); err != nil {
		return s.fail(log, t, "save task", err)
	}
	log.Debug("task "+string(out), logx.Int("trigger_count", t.TriggerCount), logx.String("message_id", t.MessageID))
	s.publishTask(evType, t, nil)
	return out
}

func (s *Service) fail(log logx.Logger, t modtask.Task, op string, err error) Outcome {
	log.Warn(op+" failed", logx.Err(err))
	s.publishTask(eventbus.TaskFailed, t, fmt.Errorf("%s: %w", op, err))
	return OutcomeFailed
}

func (s *Service) publishTask(typ string, t modtask.Task, err error) {
	ev := TaskEvent{TaskID: t.ID, CommunityID: t.CommunityID, MessageID: t.MessageID, TriggerCount: t.TriggerCount}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(typ, ev)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
