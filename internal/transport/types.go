package transport

import (
	"context"
	"errors"
)

// ErrNotFound is returned by gateways when a message or channel no longer exists.
var ErrNotFound = errors.New("transport: not found")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateReaction UpdateKind = "reaction"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
}

// Message is a platform-neutral view of a chat message.
// Ids are strings so Discord snowflakes and Telegram integers share one shape.
type Message struct {
	ID          string
	CommunityID string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	AuthorBot   bool
	Text        string
	// Title and Body carry the rendered embed, when the platform returns it.
	Title string
	Body  string
}

// Reaction is a reaction-added event.
type Reaction struct {
	CommunityID string
	ChannelID   string
	MessageID   string
	Emoji       string
	UserID      string
	UserName    string
	// Self is set when the reaction was added by this bot.
	Self bool
	Bot  bool
}

type Channel struct {
	ID          string
	CommunityID string
	Name        string
	TextCapable bool
}

// Render is everything a task message needs: a title, a body and an accent color (0xRRGGBB).
type Render struct {
	Title string
	Body  string
	Color int
}

// Gateway is the chat platform connection.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Self returns the bot's own user id once connected.
	Self() string

	ResolveChannel(ctx context.Context, communityID, channelID string) (*Channel, error)

	SendRender(ctx context.Context, channelID string, r Render) (string, error)
	EditRender(ctx context.Context, channelID, messageID string, r Render) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error

	SendText(ctx context.Context, channelID, text string) (string, error)
}
