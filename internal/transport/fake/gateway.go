// Package fake provides an in-memory transport.Gateway used by tests.
package fake

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"modbot/internal/transport"
)

const SelfID = "bot"

// Call records one outbound gateway call.
type Call struct {
	Op        string
	ChannelID string
	MessageID string
	Render    transport.Render
	Text      string
}

// Gateway keeps messages in memory and records every outbound call.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	messages map[string]*transport.Message
	channels map[string]*transport.Channel
	renders  map[string]transport.Render
	calls    []Call

	// Fail makes the named op ("send", "edit", "delete", "fetch", "react", "text", "resolve") fail.
	Fail map[string]error
	// Panic makes the named op panic.
	Panic map[string]bool
}

func New() *Gateway {
	return &Gateway{
		messages: map[string]*transport.Message{},
		channels: map[string]*transport.Channel{},
		renders:  map[string]transport.Render{},
		Fail:     map[string]error{},
		Panic:    map[string]bool{},
	}
}

// AddChannel registers a channel; only registered channels resolve.
func (g *Gateway) AddChannel(communityID, channelID string, textCapable bool) {
	g.mu.Lock()
	g.channels[channelID] = &transport.Channel{ID: channelID, CommunityID: communityID, Name: channelID, TextCapable: textCapable}
	g.mu.Unlock()
}

// PutMessage stores a message as if someone had posted it.
func (g *Gateway) PutMessage(m transport.Message) {
	g.mu.Lock()
	cp := m
	g.messages[m.ID] = &cp
	g.mu.Unlock()
}

// Forget removes a message as if it was deleted outside the bot.
func (g *Gateway) Forget(messageID string) {
	g.mu.Lock()
	delete(g.messages, messageID)
	g.mu.Unlock()
}

func (g *Gateway) Has(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.messages[messageID]
	return ok
}

// RenderOf returns the last render sent or edited into messageID.
func (g *Gateway) RenderOf(messageID string) (transport.Render, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.renders[messageID]
	return r, ok
}

func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// CallsOf returns the recorded calls for one op.
func (g *Gateway) CallsOf(op string) []Call {
	var out []Call
	for _, c := range g.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gateway) ResetCalls() {
	g.mu.Lock()
	g.calls = nil
	g.mu.Unlock()
}

func (g *Gateway) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (g *Gateway) Stop(ctx context.Context) error                             { return nil }
func (g *Gateway) Self() string                                               { return SelfID }

func (g *Gateway) ResolveChannel(ctx context.Context, communityID, channelID string) (*transport.Channel, error) {
	if err := g.check("resolve"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[channelID]
	if !ok || ch.CommunityID != communityID {
		return nil, transport.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (g *Gateway) SendRender(ctx context.Context, channelID string, r transport.Render) (string, error) {
	if err := g.check("send"); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextIDLocked()
	g.messages[id] = &transport.Message{ID: id, ChannelID: channelID, AuthorID: SelfID, AuthorBot: true, Title: r.Title, Body: r.Body}
	g.renders[id] = r
	g.calls = append(g.calls, Call{Op: "send", ChannelID: channelID, MessageID: id, Render: r})
	return id, nil
}

func (g *Gateway) EditRender(ctx context.Context, channelID, messageID string, r transport.Render) error {
	if err := g.check("edit"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.messages[messageID]
	if !ok {
		return transport.ErrNotFound
	}
	m.Title, m.Body = r.Title, r.Body
	g.renders[messageID] = r
	g.calls = append(g.calls, Call{Op: "edit", ChannelID: channelID, MessageID: messageID, Render: r})
	return nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := g.check("delete"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.messages[messageID]; !ok {
		return transport.ErrNotFound
	}
	delete(g.messages, messageID)
	g.calls = append(g.calls, Call{Op: "delete", ChannelID: channelID, MessageID: messageID})
	return nil
}

func (g *Gateway) FetchMessage(ctx context.Context, channelID, messageID string) (*transport.Message, error) {
	if err := g.check("fetch"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Call{Op: "fetch", ChannelID: channelID, MessageID: messageID})
	m, ok := g.messages[messageID]
	if !ok {
		return nil, transport.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (g *Gateway) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := g.check("react"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Call{Op: "react", ChannelID: channelID, MessageID: messageID, Text: emoji})
	return nil
}

func (g *Gateway) SendText(ctx context.Context, channelID, text string) (string, error) {
	if err := g.check("text"); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextIDLocked()
	g.messages[id] = &transport.Message{ID: id, ChannelID: channelID, AuthorID: SelfID, AuthorBot: true, Text: text}
	g.calls = append(g.calls, Call{Op: "text", ChannelID: channelID, MessageID: id, Text: text})
	return id, nil
}

func (g *Gateway) nextIDLocked() string {
	g.seq++
	return "m" + strconv.Itoa(g.seq)
}

func (g *Gateway) check(op string) error {
	g.mu.Lock()
	err := g.Fail[op]
	pan := g.Panic[op]
	g.mu.Unlock()
	if pan {
		panic("fake gateway: " + op)
	}
	return err
}

// ErrBoom is a generic failure for tests.
var ErrBoom = errors.New("boom")
