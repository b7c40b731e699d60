package neomason

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// discordUserGuildsPageSize is the maximum number of guilds returned
// per page by the 'current user guilds' endpoint
const discordUserGuildsPageSize = 100

// Discord is the discord implementation of Transport. It also turns
// gateway events into MessageEvent and CommandEvent values.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	limiter                     *rate.Limiter
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		logger:                      newNamedLogger(config.LogLevel, "discord"),
		limiter:                     rate.NewLimiter(rate.Limit(config.MaxSendsPerSecond), 1),
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// Connected reports whether the gateway connection is currently up
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady(onReady func(userID string)) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			d.logger.Warn("ready event missing user")
			return
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
		if onReady != nil {
			onReady(r.User.ID)
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// messageEvent converts a gateway message into a MessageEvent
func messageEvent(m *discordgo.Message) MessageEvent {
	ev := MessageEvent{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author != nil {
		ev.AuthorID = author.ID
		ev.AuthorIsBot = author.Bot
	}
	for _, u := range m.Mentions {
		if u != nil {
			ev.Mentions = append(ev.Mentions, u.ID)
		}
	}

	if m.MessageReference != nil {
		ev.ReferencedMessageID = m.MessageReference.MessageID
	}
	if ref := m.ReferencedMessage; ref != nil {
		if ev.ReferencedMessageID == "" {
			ev.ReferencedMessageID = ref.ID
		}
		if ref.Author != nil {
			ev.ReferencedAuthorID = ref.Author.ID
		}
	}
	return ev
}

// commandEvent converts an application command interaction into a
// CommandEvent. Returns false for any other interaction type.
func commandEvent(i *discordgo.Interaction) (CommandEvent, bool) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return CommandEvent{}, false
	}
	data := i.ApplicationCommandData()
	ev := CommandEvent{
		ID:        i.ID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Name:      data.Name,
		Options:   make(map[string]string, len(data.Options)),
	}
	if u := getDiscordUser(i); u != nil {
		ev.UserID = u.ID
	}
	for _, opt := range data.Options {
		if opt == nil || opt.Value == nil {
			continue
		}
		ev.Options[opt.Name] = fmt.Sprint(opt.Value)
	}
	return ev, true
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.Interaction) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// respond sends text as the interaction's response
func (d *Discord) respond(i *discordgo.Interaction, text string) error {
	chunks := splitMessage(text, discordMaxMessageLength)
	err := d.session.InteractionRespond(
		i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:         chunks[0],
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		},
	)
	if err != nil {
		return transportErr("respond to interaction", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err = d.session.ChannelMessageSend(i.ChannelID, chunk); err != nil {
			return transportErr("send message", err)
		}
	}
	return nil
}

func (*Discord) appCommands() []*discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	minLength := 1

	commands := []*discordgo.ApplicationCommand{
		{
			Name:        CommandNameAward,
			Description: "Increase someone's based score",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        commandOptionUser,
					Description: "Who's based",
					Required:    true,
				},
			},
		},
		{
			Name:        CommandNameListScores,
			Description: "Show everyone's based score",
		},
		{
			Name:        CommandNameListResponses,
			Description: "List keyword responses",
		},
		{
			Name:        CommandNameAddResponse,
			Description: "Add a keyword response",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionKeyword,
					Description: "Word or phrase to respond to",
					Required:    true,
					MinLength:   &minLength,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionResponse,
					Description: "What to respond with",
					Required:    true,
					MinLength:   &minLength,
					MaxLength:   discordMaxMessageLength,
				},
			},
		},
		{
			Name:        CommandNameRemoveResponse,
			Description: "Remove a keyword response",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionKeyword,
					Description: "Keyword to remove",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        CommandNameGank,
			Description: "Post something random from the gank channel",
		},
	}
	for _, c := range commands {
		c.Type = discordgo.ChatApplicationCommand
		c.Contexts = &contexts
		c.IntegrationTypes = &integrationTypes
	}
	return commands
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, transportErr("register commands", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

func (d *Discord) SendText(ctx context.Context, channelID, text string) error {
	for _, chunk := range splitMessage(text, discordMaxMessageLength) {
		if err := d.limiter.Wait(ctx); err != nil {
			return transportErr("send message", err)
		}
		_, err := d.session.ChannelMessageSend(
			channelID,
			chunk,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return transportErr("send message", err)
		}
	}
	return nil
}

func (d *Discord) ResolveUser(
	ctx context.Context,
	guildID, userID string,
) (User, error) {
	if guildID != "" {
		member, err := d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err == nil && member != nil && member.User != nil {
			u := newUser(member.User)
			if member.Nick != "" {
				u.DisplayName = member.Nick
			}
			return u, nil
		}
		d.logger.DebugContext(
			ctx,
			"guild member lookup failed, falling back to user",
			"guild_id", guildID,
			"user_id", userID,
			tint.Err(err),
		)
	}

	user, err := d.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return User{}, transportErr("get user", err)
	}
	return newUser(user), nil
}

func newUser(u *discordgo.User) User {
	return User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.GlobalName,
		Bot:         u.Bot,
	}
}

func (d *Discord) ListChannels(ctx context.Context, guildID string) (
	[]Channel,
	error,
) {
	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, transportErr("list channels", err)
	}
	var rv []Channel
	for _, c := range channels {
		if c == nil || c.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		rv = append(rv, Channel{ID: c.ID, Name: c.Name})
	}
	return rv, nil
}

func (d *Discord) ListCommunities(ctx context.Context) ([]Community, error) {
	var (
		communities []Community
		after       string
	)
	for {
		guilds, err := d.session.UserGuilds(
			discordUserGuildsPageSize,
			"",
			after,
			false,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, transportErr("list guilds", err)
		}
		for _, g := range guilds {
			communities = append(communities, Community{ID: g.ID, Name: g.Name})
		}
		if len(guilds) < discordUserGuildsPageSize {
			return communities, nil
		}
		after = guilds[len(guilds)-1].ID
	}
}

func (d *Discord) RecentMessages(
	ctx context.Context,
	channelID string,
	limit int,
) ([]Message, error) {
	messages, err := d.session.ChannelMessages(
		channelID,
		limit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, transportErr("get messages", err)
	}
	rv := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		msg := Message{ID: m.ID, ChannelID: m.ChannelID}
		if m.Author != nil {
			msg.AuthorID = m.Author.ID
		}
		for _, a := range m.Attachments {
			if a != nil && a.URL != "" {
				msg.AttachmentURLs = append(msg.AttachmentURLs, a.URL)
			}
		}
		rv = append(rv, msg)
	}
	return rv, nil
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID, afterID, aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)

	// UserGuilds returns a page of the guilds the bot is a member of
	UserGuilds(
		limit int,
		beforeID, afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	GuildMember(
		guildID, userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID, afterID, aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID, afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}
