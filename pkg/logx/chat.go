package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// Discord caps messages at 2000 characters.
	chatLimit = 1900
	// A line repeated within this window is sent once.
	repeatWindow = 5 * time.Minute
)

type chatLine struct {
	channelID string
	text      string
}

// chatSink is a zerolog writer that queues lines for a chat channel. Writes
// never block on the network: a full queue, the rate limit or a recent
// identical line all drop the entry.
type chatSink struct {
	mu       sync.Mutex
	sender   Sender
	channel  string
	minLevel Level
	limiter  *rate.Limiter
	recent   *expirable.LRU[string, struct{}]

	queue   chan chatLine
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{
		sender:   sender,
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
		recent:   expirable.NewLRU[string, struct{}](256, nil, repeatWindow),
		queue:    make(chan chatLine, 256),
	}
}

func (c *chatSink) setSender(s Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.channel = strings.TrimSpace(cfg.ChannelID)
	c.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *chatSink) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.started, c.cancel = true, cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel, c.started = nil, false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, ln.channelID, ln.text)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	channel, minLevel, lim := c.channel, c.minLevel, c.limiter
	c.mu.Unlock()
	if channel == "" || level < minLevel {
		return len(p), nil
	}
	text := formatChatLine(p)
	if text == "" {
		return len(p), nil
	}
	// The caller field makes every line unique, so repeats are keyed on level and message.
	if key := repeatKey(p); key != "" {
		if c.recent.Contains(key) {
			return len(p), nil
		}
		c.recent.Add(key, struct{}{})
	}
	if !lim.Allow() {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{channelID: channel, text: text}:
	default:
	}
	return len(p), nil
}

func repeatKey(p []byte) string {
	var m struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Comp    string `json:"comp"`
		Err     string `json:"err"`
	}
	if json.Unmarshal(p, &m) != nil {
		return ""
	}
	return m.Level + "\x00" + m.Comp + "\x00" + m.Message + "\x00" + m.Err
}

// formatChatLine renders a zerolog JSON line as "**LEVEL** message" with the
// remaining fields sorted inside a code block.
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatLimit)
	}

	var head strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		head.WriteString("**" + strings.ToUpper(lvl) + "** ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	head.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	const fence = "\n```\n"
	room := chatLimit - head.Len() - 2*len(fence)
	if len(keys) == 0 || room < 40 {
		return truncate(head.String(), chatLimit)
	}
	sort.Strings(keys)
	var body strings.Builder
	for i, k := range keys {
		if i > 0 {
			body.WriteByte('\n')
		}
		body.WriteString(k + "=" + truncate(fmt.Sprint(m[k]), 300))
	}
	return head.String() + fence + truncate(body.String(), room) + strings.TrimSuffix(fence, "\n")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
