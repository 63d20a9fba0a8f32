// Package telegram implements transport.Gateway on top of telebot.
//
// Telegram has no channels inside a group, so a group chat is both the
// community and the channel. Message ids are only unique per chat; the
// adapter exposes them as "<chat>:<message>" so they can key a task.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "modbot/internal/runtime/supervisor"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Telegram only accepts a fixed reaction set; "✅" is not in it.
var reactionAlias = map[string]string{"✅": "👌"}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)

	// Reaction updates are not routed to handlers; intercept them in the poller.
	poller := tele.NewMiddlewarePoller(&tele.LongPoller{
		Timeout:        timeout,
		AllowedUpdates: []string{"message", "message_reaction"},
	}, a.filter)

	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Poller: poller})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Self() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return strconv.FormatInt(a.bot.Me.ID, 10)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Sender == nil {
		return nil
	}
	chat := strconv.FormatInt(m.Chat.ID, 10)
	a.sendUpdate(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:          joinID(m.Chat.ID, m.ID),
			CommunityID: chat,
			ChannelID:   chat,
			AuthorID:    strconv.FormatInt(m.Sender.ID, 10),
			AuthorName:  m.Sender.Username,
			AuthorBot:   m.Sender.IsBot,
			Text:        m.Text,
		},
	})
	return nil
}

// filter consumes reaction updates and lets everything else through to handlers.
func (a *Adapter) filter(u *tele.Update) bool {
	if u.MessageReaction == nil {
		return true
	}
	for _, re := range reactionsAdded(u.MessageReaction, a.Self()) {
		a.sendUpdate(kit.Update{Kind: kit.UpdateReaction, Reaction: re})
	}
	return false
}

// reactionsAdded returns one Reaction per emoji present in NewReaction but not in OldReaction.
func reactionsAdded(mr *tele.MessageReaction, self string) []*kit.Reaction {
	if mr == nil || mr.Chat == nil {
		return nil
	}
	old := make(map[string]bool, len(mr.OldReaction))
	for _, r := range mr.OldReaction {
		old[r.Emoji] = true
	}
	chat := strconv.FormatInt(mr.Chat.ID, 10)
	var out []*kit.Reaction
	for _, r := range mr.NewReaction {
		if r.Emoji == "" || old[r.Emoji] {
			continue
		}
		re := &kit.Reaction{
			CommunityID: chat,
			ChannelID:   chat,
			MessageID:   joinID(mr.Chat.ID, mr.MessageID),
			Emoji:       canonicalEmoji(r.Emoji),
		}
		if mr.User != nil {
			re.UserID = strconv.FormatInt(mr.User.ID, 10)
			re.UserName = mr.User.Username
			re.Bot = mr.User.IsBot
			re.Self = re.UserID == self
		}
		out = append(out, re)
	}
	return out
}

func canonicalEmoji(e string) string {
	for canon, alias := range reactionAlias {
		if e == alias {
			return canon
		}
	}
	return e
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; an early return while still running is a failure.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if a long poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(dl))
	}
	wctx, cancel := context.WithTimeout(ctx, max(grace, 0))
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func joinID(chatID int64, msgID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msgID)
}

// splitID parses "<chat>:<message>".
func splitID(id string) (tele.StoredMessage, error) {
	chat, msg, ok := strings.Cut(id, ":")
	if !ok {
		return tele.StoredMessage{}, fmt.Errorf("telegram: malformed message id %q", id)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return tele.StoredMessage{}, fmt.Errorf("telegram: malformed message id %q", id)
	}
	if _, err := strconv.Atoi(msg); err != nil {
		return tele.StoredMessage{}, fmt.Errorf("telegram: malformed message id %q", id)
	}
	return tele.StoredMessage{MessageID: msg, ChatID: chatID}, nil
}

func parseChat(channelID string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: malformed chat id %q", channelID)
	}
	return &tele.Chat{ID: id}, nil
}

// colorMark stands in for an embed accent color.
func colorMark(color int) string {
	switch color {
	case 0x2aff2a:
		return "🟢"
	case 0xff942a:
		return "🟠"
	case 0xff2a2a:
		return "🔴"
	default:
		return "⚪"
	}
}

func renderHTML(r kit.Render) string {
	return colorMark(r.Color) + " <b>" + html.EscapeString(r.Title) + "</b>\n\n" + html.EscapeString(r.Body)
}

// mapErr folds "not found" API errors into kit.ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrNotFoundToDelete) || strings.Contains(strings.ToLower(err.Error()), "not found") {
		return errors.Join(kit.ErrNotFound, err)
	}
	return err
}

func (a *Adapter) ResolveChannel(ctx context.Context, communityID, channelID string) (*kit.Channel, error) {
	if communityID != channelID {
		return nil, kit.ErrNotFound
	}
	chat, err := parseChat(channelID)
	if err != nil {
		return nil, err
	}
	got, err := a.bot.ChatByID(chat.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &kit.Channel{
		ID:          channelID,
		CommunityID: communityID,
		Name:        got.Title,
		TextCapable: got.Type == tele.ChatGroup || got.Type == tele.ChatSuperGroup || got.Type == tele.ChatChannel,
	}, nil
}

func (a *Adapter) SendRender(ctx context.Context, channelID string, r kit.Render) (string, error) {
	chat, err := parseChat(channelID)
	if err != nil {
		return "", err
	}
	m, err := a.bot.Send(chat, renderHTML(r), &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		return "", mapErr(err)
	}
	return joinID(chat.ID, m.ID), nil
}

func (a *Adapter) EditRender(ctx context.Context, channelID, messageID string, r kit.Render) error {
	sm, err := splitID(messageID)
	if err != nil {
		return err
	}
	_, err = a.bot.Edit(sm, renderHTML(r), &tele.SendOptions{ParseMode: tele.ModeHTML})
	if errors.Is(err, tele.ErrMessageNotModified) {
		return nil
	}
	return mapErr(err)
}

func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	sm, err := splitID(messageID)
	if err != nil {
		return err
	}
	return mapErr(a.bot.Delete(sm))
}

// FetchMessage checks the message with a no-op markup edit; the Bot API has no
// way to read a message back. Only the bot's own messages can be edited, so
// "not modified" means the message exists and is ours.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (*kit.Message, error) {
	sm, err := splitID(messageID)
	if err != nil {
		return nil, err
	}
	chat := strconv.FormatInt(sm.ChatID, 10)
	msg := &kit.Message{ID: messageID, CommunityID: chat, ChannelID: chat}
	_, err = a.bot.EditReplyMarkup(sm, nil)
	switch {
	case err == nil, errors.Is(err, tele.ErrMessageNotModified):
		msg.AuthorID = a.Self()
		msg.AuthorBot = true
		return msg, nil
	case errors.Is(err, tele.ErrCantEditMessage):
		return msg, nil
	default:
		return nil, mapErr(err)
	}
}

func (a *Adapter) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	sm, err := splitID(messageID)
	if err != nil {
		return err
	}
	if alias, ok := reactionAlias[emoji]; ok {
		emoji = alias
	}
	msgID, err := strconv.Atoi(sm.MessageID)
	if err != nil {
		return fmt.Errorf("telegram: malformed message id %q", messageID)
	}
	_, err = a.bot.Raw("setMessageReaction", map[string]any{
		"chat_id":    sm.ChatID,
		"message_id": msgID,
		"reaction":   []tele.Reaction{{Type: "emoji", Emoji: emoji}},
	})
	return mapErr(err)
}

const telegramTextLimit = 4000

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (string, error) {
	chat, err := parseChat(channelID)
	if err != nil {
		return "", err
	}
	var first string
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := a.bot.Send(chat, chunk)
		if err != nil {
			return first, mapErr(err)
		}
		if first == "" {
			first = joinID(chat.ID, m.ID)
		}
	}
	return first, nil
}

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries that don't leave a tiny chunk behind.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

var _ kit.Gateway = (*Adapter)(nil)
