// Package commands implements the admin text commands (!modtask, !settings, !help).
package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

// HandlerFunc runs one command. A returned error is shown to the caller.
type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is a space-separated command path, e.g. "modtask add".
	Route       string
	Usage       string
	Description string
	Handle      HandlerFunc
}

type Request struct {
	Message transport.Message
	// Path is the matched route; Args are the tokens after it.
	Path []string
	Args []string
	// Rest is the raw text after the route, quotes intact.
	Rest string
}

// Replier sends plain replies back to the channel a command came from.
type Replier interface {
	SendText(ctx context.Context, channelID, text string) (string, error)
}

// usageError is rendered as the command's usage line.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error { return usageError{msg: fmt.Sprintf(format, args...)} }

type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

func (r *cmdNode) add(route []string, c Command) {
	cur := r
	for _, tok := range route {
		n, ok := cur.children[tok]
		if !ok {
			n = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = n
		}
		cur = n
	}
	cur.cmd = &c
}

// match walks as deep as tokens allow and returns the deepest node plus how
// many tokens it consumed.
func (r *cmdNode) match(tokens []string) (*cmdNode, int) {
	cur, depth := r, 0
	for _, tok := range tokens {
		n, ok := cur.children[strings.ToLower(tok)]
		if !ok {
			break
		}
		cur, depth = n, depth+1
	}
	return cur, depth
}

// leaves returns every command under r in route order.
func (r *cmdNode) leaves() []Command {
	var out []Command
	if r.cmd != nil {
		out = append(out, *r.cmd)
	}
	names := make([]string, 0, len(r.children))
	for k := range r.children {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, r.children[k].leaves()...)
	}
	return out
}

// Router owns the command tree and the access rules.
type Router struct {
	mu      sync.RWMutex
	root    *cmdNode
	prefix  string
	admins  map[string]bool
	timeout time.Duration

	reply Replier
	log   logx.Logger
}

func NewRouter(reply Replier, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		root:    newRoot(),
		prefix:  "!",
		admins:  map[string]bool{},
		timeout: 30 * time.Second,
		reply:   reply,
		log:     log,
	}
}

// SetAccess replaces the prefix and admin list. Safe during hot reload.
func (r *Router) SetAccess(prefix string, admins []string) {
	m := make(map[string]bool, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			m[a] = true
		}
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "!"
	}
	r.mu.Lock()
	r.prefix = prefix
	r.admins = m
	r.mu.Unlock()
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		route := strings.Fields(strings.ToLower(c.Route))
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		r.root.add(route, c)
	}
}

func (r *Router) access() (string, map[string]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix, r.admins
}

// Dispatch runs the command in m, if any. handled is false when m is not a command.
func (r *Router) Dispatch(ctx context.Context, m transport.Message) (handled bool) {
	prefix, admins := r.access()
	if m.AuthorBot || !strings.HasPrefix(m.Text, prefix) {
		return false
	}
	body := strings.TrimSpace(strings.TrimPrefix(m.Text, prefix))
	tokens := tokenize(body)
	if len(tokens) == 0 {
		return false
	}

	r.mu.RLock()
	node, depth := r.root.match(tokens)
	r.mu.RUnlock()
	if depth == 0 {
		return false
	}

	log := r.log.With(logx.String("community_id", m.CommunityID), logx.String("user_id", m.AuthorID), logx.String("cmd", strings.Join(tokens[:depth], " ")))
	if m.CommunityID == "" {
		r.send(ctx, log, m.ChannelID, "Commands only work inside a server.")
		return true
	}
	if !admins[m.AuthorID] {
		log.Info("command denied")
		r.send(ctx, log, m.ChannelID, "You are not allowed to use this command.")
		return true
	}
	if node.cmd == nil {
		r.send(ctx, log, m.ChannelID, r.usageOf(node, prefix))
		return true
	}

	req := &Request{
		Message: m,
		Path:    tokens[:depth],
		Args:    tokens[depth:],
		Rest:    restAfter(body, depth),
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.run(cctx, log, node.cmd, req)
	var ue usageError
	switch {
	case err == nil:
	case errors.As(err, &ue):
		r.send(ctx, log, m.ChannelID, ue.msg+"\nUsage: "+prefix+node.cmd.Usage)
	default:
		log.Warn("command failed", logx.Err(err))
		r.send(ctx, log, m.ChannelID, "Error: "+err.Error())
	}
	return true
}

func (r *Router) run(ctx context.Context, log logx.Logger, c *Command, req *Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in command", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			err = errors.New("internal error")
		}
	}()
	return c.Handle(ctx, req)
}

func (r *Router) send(ctx context.Context, log logx.Logger, channelID, text string) {
	if _, err := r.reply.SendText(ctx, channelID, text); err != nil {
		log.Warn("reply failed", logx.Err(err))
	}
}

func (r *Router) usageOf(n *cmdNode, prefix string) string {
	var b strings.Builder
	b.WriteString("Usage:")
	for _, c := range n.leaves() {
		fmt.Fprintf(&b, "\n  %s%s", prefix, c.Usage)
	}
	return b.String()
}

// HelpText lists every command with its description.
func (r *Router) HelpText() string {
	prefix, _ := r.access()
	r.mu.RLock()
	cmds := r.root.leaves()
	r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range cmds {
		fmt.Fprintf(&b, "\n  %s%s", prefix, c.Usage)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
	}
	return b.String()
}

// tokenize splits s on whitespace, honoring single and double quotes and
// backslash escapes.
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
		has   bool
	)
	flush := func() {
		if has {
			out = append(out, buf.String())
			buf.Reset()
			has = false
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc, has = true, true
		case inQ && ch == qChar:
			inQ = false
		case inQ:
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar, has = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
			has = true
		}
	}
	flush()
	return out
}

// restAfter drops the first n whitespace-separated words of s.
func restAfter(s string, n int) string {
	s = strings.TrimSpace(s)
	for i := 0; i < n; i++ {
		idx := strings.IndexAny(s, " \t\n\r")
		if idx < 0 {
			return ""
		}
		s = strings.TrimSpace(s[idx:])
	}
	return s
}
