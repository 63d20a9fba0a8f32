package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"modbot/internal/eventbus"
	"modbot/internal/modtask"
	"modbot/internal/settings"
	"modbot/internal/storage"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Store interface {
	ListTasksByCommunity(ctx context.Context, communityID string) ([]modtask.Task, error)
	GetTask(ctx context.Context, communityID string, id int64) (modtask.Task, error)
	CreateTask(ctx context.Context, t modtask.Task) (modtask.Task, error)
	UpdateTask(ctx context.Context, t modtask.Task) error
	SaveTask(ctx context.Context, t modtask.Task) error
	DeleteTask(ctx context.Context, communityID string, id int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Settings interface {
	Get(ctx context.Context, communityID, key string) (string, bool, error)
	ReminderChannel(ctx context.Context, communityID string) (string, bool, error)
	Set(ctx context.Context, communityID, key, value string) error
	Unset(ctx context.Context, communityID, key string) error
	All(ctx context.Context, communityID string) ([][2]string, error)
}

type Gateway interface {
	modtask.Poster
	Replier
	ResolveChannel(ctx context.Context, communityID, channelID string) (*transport.Channel, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (*transport.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Audit actions written by the commands.
const (
	ActionTaskCreated    = "task.created"
	ActionTaskEdited     = "task.edited"
	ActionTaskDeleted    = "task.deleted"
	ActionSettingChanged = "setting.changed"
)

var errNotConfigured = errors.New("this server is not configured for moderation tasks yet; set " + settings.ReminderChannel + " first")

// Service implements the command handlers on top of the store and the gateway.
type Service struct {
	store    Store
	settings Settings
	gw       Gateway
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	router *Router
}

func New(store Store, st Settings, gw Gateway, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, settings: st, gw: gw, bus: bus, log: log, now: time.Now}
	s.router = NewRouter(gw, log)
	s.router.Register(s.commands()...)
	return s
}

func (s *Service) Router() *Router { return s.router }

// Dispatch routes one incoming message. It reports whether the message was a command.
func (s *Service) Dispatch(ctx context.Context, m transport.Message) bool {
	return s.router.Dispatch(ctx, m)
}

func (s *Service) SetAccess(prefix string, admins []string) { s.router.SetAccess(prefix, admins) }

func (s *Service) commands() []Command {
	return []Command{
		{Route: "help", Usage: "help", Description: "show this list", Handle: s.help},
		{Route: "modtask list", Usage: "modtask list", Description: "list moderation tasks", Handle: s.taskList},
		{Route: "modtask add", Usage: "modtask add <interval> <label...>", Description: "add a moderation task (interval like 4h, 1d, 30m)", Handle: s.taskAdd},
		{Route: "modtask edit", Usage: "modtask edit <id> <interval|-> [label...]", Description: "change a task's interval and/or label", Handle: s.taskEdit},
		{Route: "modtask delete", Usage: "modtask delete <id>", Description: "delete a moderation task", Handle: s.taskDelete},
		{Route: "settings list", Usage: "settings list", Description: "show this server's settings", Handle: s.settingsList},
		{Route: "settings get", Usage: "settings get <field>", Handle: s.settingsGet},
		{Route: "settings set", Usage: "settings set <field> <value>", Description: "fields: " + strings.Join(settings.Fields, ", "), Handle: s.settingsSet},
		{Route: "settings unset", Usage: "settings unset <field>", Handle: s.settingsUnset},
	}
}

func (s *Service) reply(ctx context.Context, req *Request, text string) error {
	_, err := s.gw.SendText(ctx, req.Message.ChannelID, text)
	return err
}

func (s *Service) help(ctx context.Context, req *Request) error {
	return s.reply(ctx, req, s.router.HelpText())
}

// reminderChannel resolves the community's reminder channel and insists it can hold messages.
func (s *Service) reminderChannel(ctx context.Context, communityID string) (string, error) {
	id, ok, err := s.settings.ReminderChannel(ctx, communityID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errNotConfigured
	}
	ch, err := s.gw.ResolveChannel(ctx, communityID, id)
	if errors.Is(err, transport.ErrNotFound) {
		return "", errNotConfigured
	}
	if err != nil {
		return "", err
	}
	if !ch.TextCapable {
		return "", errNotConfigured
	}
	return id, nil
}

func (s *Service) taskList(ctx context.Context, req *Request) error {
	tasks, err := s.store.ListTasksByCommunity(ctx, req.Message.CommunityID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return s.reply(ctx, req, "There are no mod tasks yet!")
	}
	var b strings.Builder
	b.WriteString("Mod task list")
	for _, t := range tasks {
		interval := t.Interval
		if d, ok := modtask.ParseInterval(t.Interval); ok {
			interval = fmt.Sprintf("%s (%s)", t.Interval, modtask.HumanizeInterval(d))
		}
		fmt.Fprintf(&b, "\n\nTask #%d\nLabel: %s\nInterval: %s\nLast execution: %s",
			t.ID, t.Label, interval, humanize.RelTime(t.LastTrigger, s.now(), "ago", "from now"))
		if t.TriggerCount > 1 {
			fmt.Fprintf(&b, "\nReminders: %s", humanize.Comma(int64(t.TriggerCount)))
		}
	}
	return s.reply(ctx, req, b.String())
}

func (s *Service) taskAdd(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return usagef("Missing interval or label.")
	}
	interval := req.Args[0]
	if _, err := modtask.ValidateInterval(interval); err != nil {
		return usagef("The interval %q is incorrect. Please enter an interval that is at least one minute long.", interval)
	}
	label := restAfter(req.Rest, 1)
	channelID, err := s.reminderChannel(ctx, req.Message.CommunityID)
	if err != nil {
		return err
	}

	t, err := s.store.CreateTask(ctx, modtask.Task{
		CommunityID: req.Message.CommunityID,
		Label:       label,
		Interval:    interval,
		LastTrigger: s.now(),
	})
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	if err := s.post(ctx, &t, channelID); err != nil {
		return err
	}
	s.audit(ctx, req, ActionTaskCreated, t.ID, label)
	return s.reply(ctx, req, fmt.Sprintf("Moderation task #%d saved successfully!", t.ID))
}

// post renders t in channelID and persists the new message reference.
func (s *Service) post(ctx context.Context, t *modtask.Task, channelID string) error {
	prev := t.MessageID
	if err := t.Post(ctx, s.gw, channelID, s.now()); err != nil {
		if t.MessageID == prev {
			return fmt.Errorf("task #%d saved but could not be posted: %w", t.ID, err)
		}
		s.log.Warn("posted without acknowledgment reaction", logx.Int64("task_id", t.ID), logx.Err(err))
	}
	if err := s.store.SaveTask(ctx, *t); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	s.publish(eventbus.TaskPosted, t)
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("%q is not a task id.", s)
	}
	return id, nil
}

func (s *Service) loadTask(ctx context.Context, communityID string, id int64) (modtask.Task, error) {
	t, err := s.store.GetTask(ctx, communityID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return t, fmt.Errorf("moderation task #%d could not be found in this server", id)
	}
	return t, err
}

func (s *Service) taskEdit(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return usagef("Missing id or interval.")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	interval := req.Args[1]
	label := restAfter(req.Rest, 2)
	if interval == "-" && label == "" {
		return usagef("Nothing to change.")
	}
	if interval != "-" {
		if _, err := modtask.ValidateInterval(interval); err != nil {
			return usagef("The interval %q is incorrect. Please enter an interval that is at least one minute long.", interval)
		}
	}
	channelID, err := s.reminderChannel(ctx, req.Message.CommunityID)
	if err != nil {
		return err
	}
	t, err := s.loadTask(ctx, req.Message.CommunityID, id)
	if err != nil {
		return err
	}
	if interval != "-" {
		t.Interval = interval
	}
	if label != "" {
		t.Label = label
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	live := false
	if t.MessageID != "" {
		_, err := s.gw.FetchMessage(ctx, channelID, t.MessageID)
		switch {
		case err == nil:
			live = true
		case !errors.Is(err, transport.ErrNotFound):
			return fmt.Errorf("fetch message: %w", err)
		}
	}
	if live {
		if err := t.Refresh(ctx, s.gw, channelID); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
	} else if err := s.post(ctx, &t, channelID); err != nil {
		return err
	}
	s.audit(ctx, req, ActionTaskEdited, t.ID, t.Interval+" "+t.Label)
	return s.reply(ctx, req, fmt.Sprintf("Moderation task #%d modified successfully!", t.ID))
}

func (s *Service) taskDelete(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usagef("Missing id.")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	t, err := s.loadTask(ctx, req.Message.CommunityID, id)
	if err != nil {
		return err
	}
	if t.MessageID != "" {
		if channelID, ok, _ := s.settings.ReminderChannel(ctx, t.CommunityID); ok {
			err := s.gw.DeleteMessage(ctx, channelID, t.MessageID)
			if err != nil && !errors.Is(err, transport.ErrNotFound) {
				return fmt.Errorf("delete message: %w", err)
			}
		}
	}
	if err := s.store.DeleteTask(ctx, t.CommunityID, t.ID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.audit(ctx, req, ActionTaskDeleted, t.ID, t.Label)
	return s.reply(ctx, req, fmt.Sprintf("Moderation task #%d was successfully deleted.", t.ID))
}

func (s *Service) settingsList(ctx context.Context, req *Request) error {
	all, err := s.settings.All(ctx, req.Message.CommunityID)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return s.reply(ctx, req, "No settings yet. Fields: "+strings.Join(settings.Fields, ", "))
	}
	var b strings.Builder
	b.WriteString("Settings")
	for _, kv := range all {
		fmt.Fprintf(&b, "\n%s = %s", kv[0], kv[1])
	}
	return s.reply(ctx, req, b.String())
}

func fieldArg(req *Request) (string, error) {
	if len(req.Args) < 1 {
		return "", usagef("Missing field.")
	}
	f := strings.ToLower(req.Args[0])
	if !settings.IsField(f) {
		return "", usagef("Unknown field %q. Fields: %s", f, strings.Join(settings.Fields, ", "))
	}
	return f, nil
}

func (s *Service) settingsGet(ctx context.Context, req *Request) error {
	f, err := fieldArg(req)
	if err != nil {
		return err
	}
	v, ok, err := s.settings.Get(ctx, req.Message.CommunityID, f)
	if err != nil {
		return err
	}
	if !ok {
		return s.reply(ctx, req, f+" is not set.")
	}
	return s.reply(ctx, req, f+" = "+v)
}

func (s *Service) settingsSet(ctx context.Context, req *Request) error {
	f, err := fieldArg(req)
	if err != nil {
		return err
	}
	if len(req.Args) != 2 {
		return usagef("Missing value.")
	}
	v := mentionID(req.Args[1])
	if err := s.settings.Set(ctx, req.Message.CommunityID, f, v); err != nil {
		return err
	}
	s.audit(ctx, req, ActionSettingChanged, 0, f+"="+v)
	return s.reply(ctx, req, f+" set to "+v)
}

func (s *Service) settingsUnset(ctx context.Context, req *Request) error {
	f, err := fieldArg(req)
	if err != nil {
		return err
	}
	if err := s.settings.Unset(ctx, req.Message.CommunityID, f); err != nil {
		return err
	}
	s.audit(ctx, req, ActionSettingChanged, 0, f+" unset")
	return s.reply(ctx, req, f+" unset.")
}

// mentionID reduces a channel, role or user mention ("<#123>", "<@&123>", "<@!123>") to its id.
func mentionID(v string) string {
	if !strings.HasPrefix(v, "<") || !strings.HasSuffix(v, ">") {
		return v
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
	inner = strings.TrimLeft(inner, "#@&!")
	if inner == "" {
		return v
	}
	for _, r := range inner {
		if r < '0' || r > '9' {
			return v
		}
	}
	return inner
}

func (s *Service) audit(ctx context.Context, req *Request, action string, taskID int64, detail string) {
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		At:          s.now(),
		CommunityID: req.Message.CommunityID,
		ActorID:     req.Message.AuthorID,
		ActorName:   req.Message.AuthorName,
		Action:      action,
		TaskID:      taskID,
		Detail:      detail,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(typ string, t *modtask.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"task_id":       t.ID,
		"community_id":  t.CommunityID,
		"message_id":    t.MessageID,
		"trigger_count": t.TriggerCount,
	}})
}
