package neomason

import (
	"context"
	"log/slog"
)

// Transport is the outbound side of the chat platform
type Transport interface {
	// SendText posts text to a channel, splitting it if it's over the
	// platform's message length limit
	SendText(ctx context.Context, channelID, text string) error

	// ResolveUser looks up a user, with their guild nickname if they have one
	ResolveUser(ctx context.Context, guildID, userID string) (User, error)

	// ListChannels returns the guild's text channels
	ListChannels(ctx context.Context, guildID string) ([]Channel, error)

	// ListCommunities returns every guild the bot is a member of
	ListCommunities(ctx context.Context) ([]Community, error)

	// RecentMessages returns up to limit of the channel's latest messages,
	// newest first
	RecentMessages(ctx context.Context, channelID string, limit int) (
		[]Message,
		error,
	)
}

// Community is a guild/server
type Community struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot"`
}

// Name returns the best available name to show for the user
func (u User) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	default:
		return u.ID
	}
}

type Message struct {
	ID             string
	ChannelID      string
	AuthorID       string
	AttachmentURLs []string
}

// MessageEvent is an incoming chat message
type MessageEvent struct {
	ID          string
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	Content     string

	// Mentions are the IDs of users mentioned in the message
	Mentions []string

	// Set when the message is a reply
	ReferencedMessageID string
	ReferencedAuthorID  string
}

func (m MessageEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String("guild_id", m.GuildID),
		slog.String("channel_id", m.ChannelID),
		slog.String("author_id", m.AuthorID),
		slog.Int("content_length", len(m.Content)),
	)
}

// CommandEvent is an incoming slash command
type CommandEvent struct {
	ID        string
	GuildID   string
	ChannelID string
	UserID    string
	Name      string
	Options   map[string]string
}

func (c CommandEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("guild_id", c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("user_id", c.UserID),
		slog.String("name", c.Name),
	)
}
