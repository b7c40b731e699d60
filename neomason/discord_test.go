package neomason

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockDiscordSession implements DiscordSessionHandler. REST calls go
// through mock.Mock, gateway handlers are recorded so tests can fire
// events at them.
type mockDiscordSession struct {
	mock.Mock

	handlersMu sync.Mutex
	handlers   []any
	identify   discordgo.Identify
	logLevel   slog.Level
}

var _ DiscordSessionHandler = (*mockDiscordSession)(nil)

func (m *mockDiscordSession) Open() error {
	return m.Called().Error(0)
}

func (m *mockDiscordSession) Close() error {
	return m.Called().Error(0)
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

// messageHandler returns the registered MessageCreate handler
func (m *mockDiscordSession) messageHandler() func(*discordgo.Session, *discordgo.MessageCreate) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	for _, h := range m.handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return f
		}
	}
	return nil
}

func (m *mockDiscordSession) readyHandler() func(*discordgo.Session, *discordgo.Ready) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	for _, h := range m.handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			return f
		}
	}
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	args := m.Called(channelID, message)
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID, afterID, aroundID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	args := m.Called(channelID, limit, beforeID, afterID, aroundID)
	messages, _ := args.Get(0).([]*discordgo.Message)
	return messages, args.Error(1)
}

func (m *mockDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	args := m.Called(guildID)
	channels, _ := args.Get(0).([]*discordgo.Channel)
	return channels, args.Error(1)
}

func (m *mockDiscordSession) UserGuilds(
	limit int,
	beforeID, afterID string,
	withCounts bool,
	_ ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	args := m.Called(limit, beforeID, afterID, withCounts)
	guilds, _ := args.Get(0).([]*discordgo.UserGuild)
	return guilds, args.Error(1)
}

func (m *mockDiscordSession) GuildMember(
	guildID, userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	args := m.Called(guildID, userID)
	member, _ := args.Get(0).(*discordgo.Member)
	return member, args.Error(1)
}

func (m *mockDiscordSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	args := m.Called(userID)
	user, _ := args.Get(0).(*discordgo.User)
	return user, args.Error(1)
}

func (m *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(interaction, resp).Error(0)
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	args := m.Called(appID, guildID, commands)
	created, _ := args.Get(0).([]*discordgo.ApplicationCommand)
	return created, args.Error(1)
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.logLevel = lvl
	return nil
}

func newTestDiscord(t testing.TB) (*Discord, *mockDiscordSession) {
	t.Helper()
	cfg := newTestConfig(t)
	d := newDiscord(cfg.Discord)
	d.limiter = rate.NewLimiter(rate.Inf, 1)
	session := &mockDiscordSession{}
	d.session = session
	t.Cleanup(
		func() {
			session.AssertExpectations(t)
		},
	)
	return d, session
}

func TestMessageEvent(t *testing.T) {
	t.Parallel()
	m := &discordgo.Message{
		ID:        "m1",
		GuildID:   "42",
		ChannelID: "c1",
		Content:   "<@1002> based",
		Member: &discordgo.Member{
			User: &discordgo.User{ID: "1001", Bot: true},
		},
		Mentions: []*discordgo.User{
			{ID: "1002"},
			nil,
			{ID: "1003"},
		},
		MessageReference: &discordgo.MessageReference{MessageID: "m0"},
		ReferencedMessage: &discordgo.Message{
			ID:     "m0",
			Author: &discordgo.User{ID: "1004"},
		},
	}

	assert.Equal(
		t,
		MessageEvent{
			ID:                  "m1",
			GuildID:             "42",
			ChannelID:           "c1",
			AuthorID:            "1001",
			AuthorIsBot:         true,
			Content:             "<@1002> based",
			Mentions:            []string{"1002", "1003"},
			ReferencedMessageID: "m0",
			ReferencedAuthorID:  "1004",
		},
		messageEvent(m),
	)

	// direct messages have no guild and no member
	dm := messageEvent(
		&discordgo.Message{
			ID:        "m2",
			ChannelID: "dm",
			Author:    &discordgo.User{ID: "1001"},
			Content:   "hi",
		},
	)
	assert.Empty(t, dm.GuildID)
	assert.Equal(t, "1001", dm.AuthorID)
	assert.Empty(t, dm.ReferencedMessageID)
}

func TestCommandEvent(t *testing.T) {
	t.Parallel()

	_, ok := commandEvent(nil)
	assert.False(t, ok)

	_, ok = commandEvent(&discordgo.Interaction{Type: discordgo.InteractionMessageComponent})
	assert.False(t, ok)

	ev, ok := commandEvent(
		&discordgo.Interaction{
			ID:        "i1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "42",
			ChannelID: "c1",
			Member:    &discordgo.Member{User: &discordgo.User{ID: "1001"}},
			Data: discordgo.ApplicationCommandInteractionData{
				Name: CommandNameAddResponse,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  commandOptionKeyword,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "cat",
					},
					{
						Name:  commandOptionResponse,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "meow",
					},
					nil,
					{Name: "empty"},
				},
			},
		},
	)
	require.True(t, ok)
	assert.Equal(
		t,
		CommandEvent{
			ID:        "i1",
			GuildID:   "42",
			ChannelID: "c1",
			UserID:    "1001",
			Name:      CommandNameAddResponse,
			Options: map[string]string{
				commandOptionKeyword:  "cat",
				commandOptionResponse: "meow",
			},
		},
		ev,
	)

	// user options arrive as the user's ID
	ev, ok = commandEvent(
		&discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			User: &discordgo.User{ID: "1001"},
			Data: discordgo.ApplicationCommandInteractionData{
				Name: CommandNameAward,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  commandOptionUser,
						Type:  discordgo.ApplicationCommandOptionUser,
						Value: "1002",
					},
				},
			},
		},
	)
	require.True(t, ok)
	assert.Equal(t, "1001", ev.UserID)
	assert.Equal(t, "1002", ev.Options[commandOptionUser])
}

func TestDiscord_ListCommunitiesPaging(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)

	first := make([]*discordgo.UserGuild, discordUserGuildsPageSize)
	for i := range first {
		first[i] = &discordgo.UserGuild{ID: fmt.Sprintf("g%d", i), Name: fmt.Sprintf("guild %d", i)}
	}
	second := []*discordgo.UserGuild{
		{ID: "g100", Name: "guild 100"},
		{ID: "g101", Name: "guild 101"},
		{ID: "g102", Name: "guild 102"},
	}
	session.On("UserGuilds", discordUserGuildsPageSize, "", "", false).Return(first, nil).Once()
	session.On("UserGuilds", discordUserGuildsPageSize, "", "g99", false).Return(second, nil).Once()

	communities, err := d.ListCommunities(context.Background())
	require.NoError(t, err)
	require.Len(t, communities, discordUserGuildsPageSize+3)
	assert.Equal(t, Community{ID: "g0", Name: "guild 0"}, communities[0])
	assert.Equal(t, Community{ID: "g102", Name: "guild 102"}, communities[len(communities)-1])
}

func TestDiscord_ListCommunitiesError(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	session.On("UserGuilds", discordUserGuildsPageSize, "", "", false).
		Return(nil, errors.New("401 unauthorized"))

	_, err := d.ListCommunities(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "list guilds", te.Op)
}

func TestDiscord_SendTextSplits(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)

	text := strings.Repeat("x", discordMaxMessageLength+500)
	session.On("ChannelMessageSend", "c1", strings.Repeat("x", discordMaxMessageLength)).
		Return(&discordgo.Message{}, nil).Once()
	session.On("ChannelMessageSend", "c1", strings.Repeat("x", 500)).
		Return(&discordgo.Message{}, nil).Once()

	require.NoError(t, d.SendText(context.Background(), "c1", text))
}

func TestDiscord_SendTextError(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	session.On("ChannelMessageSend", "c1", "hello").Return(nil, errors.New("missing permissions"))

	err := d.SendText(context.Background(), "c1", "hello")
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestDiscord_SendTextCanceled(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t)
	d.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	d.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.SendText(ctx, "c1", "hello")
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestDiscord_ResolveUser(t *testing.T) {
	t.Parallel()

	t.Run(
		"nickname", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			session.On("GuildMember", "42", "1001").Return(
				&discordgo.Member{
					Nick: "Al",
					User: &discordgo.User{ID: "1001", Username: "alice", GlobalName: "Alice"},
				}, nil,
			)
			u, err := d.ResolveUser(context.Background(), "42", "1001")
			require.NoError(t, err)
			assert.Equal(t, User{ID: "1001", Username: "alice", DisplayName: "Al"}, u)
		},
	)

	t.Run(
		"no nickname", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			session.On("GuildMember", "42", "1001").Return(
				&discordgo.Member{
					User: &discordgo.User{ID: "1001", Username: "alice", GlobalName: "Alice"},
				}, nil,
			)
			u, err := d.ResolveUser(context.Background(), "42", "1001")
			require.NoError(t, err)
			assert.Equal(t, "Alice", u.Name())
		},
	)

	t.Run(
		"not a member", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			session.On("GuildMember", "42", "1001").Return(nil, errors.New("unknown member"))
			session.On("User", "1001").Return(&discordgo.User{ID: "1001", Username: "alice"}, nil)

			u, err := d.ResolveUser(context.Background(), "42", "1001")
			require.NoError(t, err)
			assert.Equal(t, "alice", u.Name())
		},
	)

	t.Run(
		"no guild", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			session.On("User", "1001").Return(&discordgo.User{ID: "1001", Bot: true}, nil)

			u, err := d.ResolveUser(context.Background(), "", "1001")
			require.NoError(t, err)
			assert.True(t, u.Bot)
			assert.Equal(t, "1001", u.Name())
		},
	)

	t.Run(
		"unknown", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			session.On("User", "1001").Return(nil, errors.New("unknown user"))

			_, err := d.ResolveUser(context.Background(), "", "1001")
			var te *TransportError
			assert.ErrorAs(t, err, &te)
		},
	)
}

func TestDiscord_ListChannels(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	session.On("GuildChannels", "42").Return(
		[]*discordgo.Channel{
			{ID: "c1", Name: "general", Type: discordgo.ChannelTypeGuildText},
			{ID: "c2", Name: "voice", Type: discordgo.ChannelTypeGuildVoice},
			nil,
			{ID: "c3", Name: "category", Type: discordgo.ChannelTypeGuildCategory},
			{ID: "c4", Name: DefaultAnnouncementChannel, Type: discordgo.ChannelTypeGuildText},
		}, nil,
	)

	channels, err := d.ListChannels(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(
		t,
		[]Channel{
			{ID: "c1", Name: "general"},
			{ID: "c4", Name: DefaultAnnouncementChannel},
		},
		channels,
	)
}

func TestDiscord_RecentMessages(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	session.On("ChannelMessages", "c1", 50, "", "", "").Return(
		[]*discordgo.Message{
			{
				ID:        "m2",
				ChannelID: "c1",
				Author:    &discordgo.User{ID: "1001"},
				Attachments: []*discordgo.MessageAttachment{
					{URL: "https://cdn.example/a.png"},
					{URL: ""},
					nil,
					{URL: "https://cdn.example/b.png"},
				},
			},
			nil,
			{ID: "m1", ChannelID: "c1"},
		}, nil,
	)

	messages, err := d.RecentMessages(context.Background(), "c1", 50)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]Message{
			{
				ID:             "m2",
				ChannelID:      "c1",
				AuthorID:       "1001",
				AttachmentURLs: []string{"https://cdn.example/a.png", "https://cdn.example/b.png"},
			},
			{ID: "m1", ChannelID: "c1"},
		},
		messages,
	)
}

func TestDiscord_Respond(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	i := &discordgo.Interaction{ID: "i1", ChannelID: "c1"}

	text := strings.Repeat("y", discordMaxMessageLength) + "tail"
	session.On(
		"InteractionRespond",
		i,
		mock.MatchedBy(
			func(r *discordgo.InteractionResponse) bool {
				return r.Type == discordgo.InteractionResponseChannelMessageWithSource &&
					r.Data.Content == strings.Repeat("y", discordMaxMessageLength)
			},
		),
	).Return(nil).Once()
	session.On("ChannelMessageSend", "c1", "tail").Return(&discordgo.Message{}, nil).Once()

	require.NoError(t, d.respond(i, text))
}

func TestDiscord_RespondError(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	i := &discordgo.Interaction{ID: "i1", ChannelID: "c1"}
	session.On("InteractionRespond", i, mock.Anything).Return(errors.New("unknown interaction"))

	err := d.respond(i, "hello")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "respond to interaction", te.Op)
}

func TestDiscord_RegisterCommands(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	d.config.ApplicationID = "app"
	d.config.GuildID = "42"

	session.On(
		"ApplicationCommandBulkOverwrite",
		"app",
		"42",
		mock.MatchedBy(
			func(cmds []*discordgo.ApplicationCommand) bool {
				var names []string
				for _, c := range cmds {
					if c.Type != discordgo.ChatApplicationCommand {
						return false
					}
					names = append(names, c.Name)
				}
				return assert.ObjectsAreEqual(
					[]string{
						CommandNameAward,
						CommandNameListScores,
						CommandNameListResponses,
						CommandNameAddResponse,
						CommandNameRemoveResponse,
						CommandNameGank,
					},
					names,
				)
			},
		),
	).Return([]*discordgo.ApplicationCommand{{Name: CommandNameAward}}, nil).Once()

	created, err := d.registerCommands()
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestDiscord_ConnectionHandlers(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t)

	assert.False(t, d.Connected())
	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())

	assert.Equal(t, int64(2), d.metricConnects.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscord_ReadyHandler(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t)

	var got string
	ready := d.handlerReady(
		func(userID string) {
			got = userID
		},
	)

	ready(nil, nil)
	ready(nil, &discordgo.Ready{})
	assert.Empty(t, got)

	ready(nil, &discordgo.Ready{User: &discordgo.User{ID: "neomason"}})
	assert.Equal(t, "neomason", got)
}
