// Package discord implements transport.Gateway on top of discordgo.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "modbot/internal/runtime/supervisor"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Config struct {
	Token string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	s    *discordgo.Session
	out  atomic.Value // chan<- kit.Update
	self atomic.Value // string

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	unhook  []func()

	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, s: s}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.self.Store("")
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Self() string {
	v, _ := a.self.Load().(string)
	return v
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

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.self.Store(r.User.ID)
		a.log.Info("connected", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
	}
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	a.sendUpdate(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:          m.ID,
			CommunityID: m.GuildID,
			ChannelID:   m.ChannelID,
			AuthorID:    m.Author.ID,
			AuthorName:  m.Author.Username,
			AuthorBot:   m.Author.Bot,
			Text:        m.Content,
		},
	})
}

func (a *Adapter) onReaction(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	re := &kit.Reaction{
		CommunityID: r.GuildID,
		ChannelID:   r.ChannelID,
		MessageID:   r.MessageID,
		Emoji:       r.Emoji.Name,
		UserID:      r.UserID,
		Self:        r.UserID != "" && r.UserID == a.Self(),
	}
	if r.Member != nil && r.Member.User != nil {
		re.UserName = r.Member.User.Username
		re.Bot = r.Member.User.Bot
	}
	a.sendUpdate(kit.Update{Kind: kit.UpdateReaction, Reaction: re})
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	a.unhook = []func(){
		a.s.AddHandler(a.onReady),
		a.s.AddHandler(a.onMessage),
		a.s.AddHandler(a.onReaction),
	}
	if err := a.s.Open(); err != nil {
		for _, fn := range a.unhook {
			fn()
		}
		a.unhook = nil
		a.runMu.Unlock()
		return err
	}
	a.running = true
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
	for _, fn := range a.unhook {
		fn()
	}
	a.unhook = nil
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	err := a.s.Close()
	if sup != nil {
		if werr := sup.Stop(ctx); werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
			a.log.Debug("discord supervisor stopped with error", logx.Err(werr))
		}
	}
	return err
}

// mapErr turns "unknown message/channel" REST errors into kit.ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Message != nil {
		switch rerr.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return errors.Join(kit.ErrNotFound, err)
		}
	}
	return err
}

func embed(r kit.Render) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{Title: r.Title, Description: r.Body, Color: r.Color}
}

func (a *Adapter) ResolveChannel(ctx context.Context, communityID, channelID string) (*kit.Channel, error) {
	ch, err := a.s.State.Channel(channelID)
	if err != nil || ch == nil {
		ch, err = a.s.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err)
		}
	}
	if ch.GuildID != communityID {
		return nil, kit.ErrNotFound
	}
	return &kit.Channel{
		ID:          ch.ID,
		CommunityID: ch.GuildID,
		Name:        ch.Name,
		TextCapable: ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews || ch.IsThread(),
	}, nil
}

func (a *Adapter) SendRender(ctx context.Context, channelID string, r kit.Render) (string, error) {
	m, err := a.s.ChannelMessageSendEmbed(channelID, embed(r), discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	return m.ID, nil
}

func (a *Adapter) EditRender(ctx context.Context, channelID, messageID string, r kit.Render) error {
	_, err := a.s.ChannelMessageEditEmbed(channelID, messageID, embed(r), discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return mapErr(a.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (*kit.Message, error) {
	m, err := a.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	out := &kit.Message{ID: m.ID, CommunityID: m.GuildID, ChannelID: m.ChannelID, Text: m.Content}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.AuthorBot = m.Author.Bot
	}
	if len(m.Embeds) > 0 && m.Embeds[0] != nil {
		out.Title, out.Body = m.Embeds[0].Title, m.Embeds[0].Description
	}
	return out, nil
}

func (a *Adapter) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return mapErr(a.s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

const discordTextLimit = 2000

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (string, error) {
	if r := []rune(text); len(r) > discordTextLimit {
		text = string(r[:discordTextLimit-1]) + "…"
	}
	m, err := a.s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	return m.ID, nil
}

var _ kit.Gateway = (*Adapter)(nil)
