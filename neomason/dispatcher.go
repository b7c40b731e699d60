package neomason

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	setSyntaxHint     = "Syntax: `!set \"some keywords\" a response`"
	delrespSyntaxHint = "Syntax: `!delresp keyword`"
	awardSyntaxHint   = "Syntax: reply to a message with `based`, or mention someone"

	replyNoResponses     = "No responses yet! Add some using `!set` command"
	replyNoScores        = "Nobody is based yet."
	replyNothingToGank   = "Nothing to gank."
	replyStorageFailure  = "Error: storage failure, try again later"
	replyAwardFailure    = "Error: can't increase based score"
	replyTransportFailed = "Error: couldn't reach discord, try again later"
	replyGuildOnly       = "This command only works in a server."

	// resolveUserConcurrency caps simultaneous user lookups when
	// building the leaderboard
	resolveUserConcurrency = 5
)

// lastMessage points at the most recent non-command message, which is
// the implicit target of a bare award
type lastMessage struct {
	MessageID string
	ChannelID string
	AuthorID  string
}

type lastMessages struct {
	mu       sync.Mutex
	messages map[string]lastMessage
}

func (l *lastMessages) set(key string, m lastMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[key] = m
}

func (l *lastMessages) get(key string) (lastMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.messages[key]
	return m, ok
}

// Dispatcher turns incoming messages and slash commands into keyword
// replies, reputation changes and response list edits
type Dispatcher struct {
	config       *Config
	state        *GuildState
	ledger       *Ledger
	transport    Transport
	parser       commandParser
	logger       *slog.Logger
	metrics      *metrics
	lastMessages *lastMessages
	selfID       atomic.Value
}

func NewDispatcher(
	config *Config,
	state *GuildState,
	ledger *Ledger,
	transport Transport,
	m *metrics,
) *Dispatcher {
	if m == nil {
		m = newMetrics(state)
	}
	d := &Dispatcher{
		config:       config,
		state:        state,
		ledger:       ledger,
		transport:    transport,
		parser:       newCommandParser(config),
		logger:       newNamedLogger(config.LogLevel, "dispatcher"),
		metrics:      m,
		lastMessages: &lastMessages{messages: map[string]lastMessage{}},
	}
	d.selfID.Store("")
	return d
}

// SetSelfID sets the bot's own user ID. Messages from it are ignored.
func (d *Dispatcher) SetSelfID(userID string) {
	d.selfID.Store(userID)
}

func (d *Dispatcher) SelfID() string {
	id, _ := d.selfID.Load().(string)
	return id
}

func (d *Dispatcher) pointerKey(ev MessageEvent) string {
	if d.config.LastMessageScope == LastMessageScopeChannel {
		return ev.ChannelID
	}
	return ev.GuildID
}

// HandleMessage processes a single incoming message. It's safe to call
// concurrently.
func (d *Dispatcher) HandleMessage(ctx context.Context, ev MessageEvent) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if ev.GuildID == "" || ev.AuthorID == "" || ev.AuthorID == d.SelfID() {
		return
	}

	logger := d.logger.With(
		"guild_id", ev.GuildID,
		"channel_id", ev.ChannelID,
		"message_id", ev.ID,
	)
	ctx = WithLogger(ctx, logger)
	d.metrics.messages.Inc()

	for _, reply := range d.state.Match(ev.GuildID, ev.Content) {
		d.metrics.keywordReplies.Inc()
		d.send(ctx, ev.ChannelID, reply)
	}

	cmd := d.parser.parse(ev.Content)
	if !cmd.isCommand() {
		d.lastMessages.set(
			d.pointerKey(ev), lastMessage{
				MessageID: ev.ID,
				ChannelID: ev.ChannelID,
				AuthorID:  ev.AuthorID,
			},
		)
		return
	}
	if cmd.kind == commandNone {
		logger.DebugContext(ctx, "ignoring unknown command")
		return
	}

	logger.InfoContext(ctx, "handling command", "command", cmd.kind, "author_id", ev.AuthorID)
	d.metrics.commands.WithLabelValues(cmd.kind.String()).Inc()

	var reply string
	switch cmd.kind {
	case commandNone:
	case commandAward:
		reply = d.award(ctx, ev.GuildID, ev.AuthorID, d.awardTarget(ev))
	case commandListScores:
		reply = d.listScores(ctx, ev.GuildID)
	case commandListResponses:
		reply = d.listResponses(ev.GuildID)
	case commandAddResponse:
		if cmd.err != nil {
			reply = errorReply(cmd.err)
			break
		}
		reply = d.addResponse(ctx, ev.GuildID, cmd.keyword, cmd.response)
	case commandRemoveResponse:
		if cmd.err != nil {
			reply = removeErrorReply(cmd.err)
			break
		}
		reply = d.removeResponse(ctx, ev.GuildID, cmd.keyword)
	case commandGank:
		reply = d.gank(ctx, ev.GuildID)
	}

	if reply != "" {
		d.send(ctx, ev.ChannelID, reply)
	}
}

// HandleCommand runs a slash command, returning the text to respond with
func (d *Dispatcher) HandleCommand(ctx context.Context, ev CommandEvent) (reply string) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			reply = replyStorageFailure
		}
	}()

	logger := d.logger.With(
		"guild_id", ev.GuildID,
		"channel_id", ev.ChannelID,
		"interaction_id", ev.ID,
	)
	ctx = WithLogger(ctx, logger)

	if ev.GuildID == "" {
		return replyGuildOnly
	}

	kind := commandKindFromName(ev.Name)
	logger.InfoContext(ctx, "handling slash command", "command", kind, "user_id", ev.UserID)
	if kind != commandNone {
		d.metrics.commands.WithLabelValues(kind.String()).Inc()
	}

	switch kind {
	case commandNone:
		return fmt.Sprintf("Unknown command: %s", ev.Name)
	case commandAward:
		return d.award(ctx, ev.GuildID, ev.UserID, ev.Options[commandOptionUser])
	case commandListScores:
		return d.listScores(ctx, ev.GuildID)
	case commandListResponses:
		return d.listResponses(ev.GuildID)
	case commandAddResponse:
		return d.addResponse(
			ctx,
			ev.GuildID,
			ev.Options[commandOptionKeyword],
			ev.Options[commandOptionResponse],
		)
	case commandRemoveResponse:
		keyword := strings.TrimSpace(ev.Options[commandOptionKeyword])
		if keyword == "" {
			return removeErrorReply(ErrNoKeyword)
		}
		return d.removeResponse(ctx, ev.GuildID, keyword)
	case commandGank:
		return d.gank(ctx, ev.GuildID)
	}
	return ""
}

// awardTarget picks who a bare award is for: the only mentioned user,
// then the author of the message being replied to, then the author
// of the last message seen.
func (d *Dispatcher) awardTarget(ev MessageEvent) string {
	mentions := slices.Clone(ev.Mentions)
	slices.Sort(mentions)
	mentions = slices.Compact(mentions)
	if len(mentions) == 1 {
		return mentions[0]
	}
	if ev.ReferencedAuthorID != "" {
		return ev.ReferencedAuthorID
	}
	if last, ok := d.lastMessages.get(d.pointerKey(ev)); ok {
		return last.AuthorID
	}
	return ""
}

func (d *Dispatcher) award(
	ctx context.Context,
	guildID, granterID, targetID string,
) string {
	logger := loggerFrom(ctx, d.logger)
	score, err := d.ledger.Award(ctx, guildID, granterID, targetID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSelfAward):
			d.metrics.awards.WithLabelValues(outcomeSelf).Inc()
		case errors.Is(err, ErrNoTarget):
			d.metrics.awards.WithLabelValues(outcomeNoTarget).Inc()
		default:
			d.metrics.awards.WithLabelValues(outcomeError).Inc()
			logger.ErrorContext(ctx, "error awarding point", tint.Err(err), "target_id", targetID)
			return replyAwardFailure
		}
		return errorReply(err)
	}
	d.metrics.awards.WithLabelValues(outcomeOK).Inc()
	logger.InfoContext(
		ctx,
		"awarded point",
		"granter_id", granterID,
		"target_id", targetID,
		"score", score,
	)
	return fmt.Sprintf(
		"%s is now more based. Their based score is now: %d",
		d.displayName(ctx, guildID, targetID),
		score,
	)
}

func (d *Dispatcher) listScores(ctx context.Context, guildID string) string {
	entries, err := d.ledger.Leaderboard(ctx, guildID)
	if err != nil {
		loggerFrom(ctx, d.logger).ErrorContext(ctx, "error listing scores", tint.Err(err))
		return errorReply(err)
	}
	if len(entries) == 0 {
		return replyNoScores
	}

	names := make([]string, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveUserConcurrency)
	for i, e := range entries {
		i, e := i, e
		g.Go(
			func() error {
				names[i] = d.displayName(gctx, guildID, e.UserID)
				return nil
			},
		)
	}
	_ = g.Wait()

	var sb strings.Builder
	sb.WriteString("Based stats:")
	for i, e := range entries {
		fmt.Fprintf(&sb, "\n%s: %d", names[i], e.Score)
	}
	return sb.String()
}

func (d *Dispatcher) listResponses(guildID string) string {
	entries := d.state.List(guildID)
	if len(entries) == 0 {
		return replyNoResponses
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s => %s", e.Keyword, e.Response))
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) addResponse(
	ctx context.Context,
	guildID, keyword, response string,
) string {
	entry, err := d.state.Add(ctx, guildID, keyword, response)
	if err != nil {
		if !errors.Is(err, ErrDuplicateKey) {
			loggerFrom(ctx, d.logger).ErrorContext(
				ctx,
				"error adding response",
				tint.Err(err),
				"keyword", keyword,
			)
		}
		return errorReply(err)
	}
	loggerFrom(ctx, d.logger).InfoContext(ctx, "added response", "response", entry)
	return fmt.Sprintf("%s => %s - successfully set", entry.Keyword, entry.Response)
}

func (d *Dispatcher) removeResponse(
	ctx context.Context,
	guildID, keyword string,
) string {
	removed, err := d.state.Remove(ctx, guildID, keyword)
	if err != nil {
		loggerFrom(ctx, d.logger).ErrorContext(
			ctx,
			"error removing response",
			tint.Err(err),
			"keyword", keyword,
		)
		return errorReply(err)
	}
	if !removed {
		return fmt.Sprintf("%s - %s", keyword, ErrNotFound)
	}
	loggerFrom(ctx, d.logger).InfoContext(ctx, "removed response", "keyword", keyword)
	return fmt.Sprintf("%s - successfully removed", keyword)
}

// gank replies with the attachments of a random recent message from
// the configured gank channel
func (d *Dispatcher) gank(ctx context.Context, guildID string) string {
	logger := loggerFrom(ctx, d.logger)

	channels, err := d.transport.ListChannels(ctx, guildID)
	if err != nil {
		d.metrics.transportErrors.Inc()
		logger.ErrorContext(ctx, "error listing channels", tint.Err(err))
		return errorReply(err)
	}
	idx := slices.IndexFunc(
		channels, func(c Channel) bool {
			return c.Name == d.config.GankChannel
		},
	)
	if idx < 0 {
		logger.InfoContext(ctx, "gank channel not found", "channel", d.config.GankChannel)
		return replyNothingToGank
	}

	messages, err := d.transport.RecentMessages(ctx, channels[idx].ID, d.config.GankHistoryLimit)
	if err != nil {
		d.metrics.transportErrors.Inc()
		logger.ErrorContext(ctx, "error fetching messages", tint.Err(err))
		return errorReply(err)
	}
	var candidates []Message
	for _, m := range messages {
		if len(m.AttachmentURLs) > 0 {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return replyNothingToGank
	}
	picked := candidates[rand.Intn(len(candidates))]
	return strings.Join(picked.AttachmentURLs, "\n")
}

// displayName returns the user's guild display name, falling back to
// their ID if they can't be looked up
func (d *Dispatcher) displayName(ctx context.Context, guildID, userID string) string {
	user, err := d.transport.ResolveUser(ctx, guildID, userID)
	if err != nil {
		d.metrics.transportErrors.Inc()
		loggerFrom(ctx, d.logger).WarnContext(
			ctx,
			"unable to resolve user",
			tint.Err(err),
			"user_id", userID,
		)
		return userID
	}
	return user.Name()
}

func (d *Dispatcher) send(ctx context.Context, channelID, text string) {
	if err := d.transport.SendText(ctx, channelID, text); err != nil {
		d.metrics.transportErrors.Inc()
		loggerFrom(ctx, d.logger).ErrorContext(
			ctx,
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}

// errorReply converts an error into the text shown to the user
func errorReply(err error) string {
	var (
		se *StorageError
		te *TransportError
	)
	switch {
	case errors.Is(err, ErrDuplicateKey):
		return "Error: " + ErrDuplicateKey.Error()
	case errors.Is(err, ErrNoKeyword):
		return "Error: " + ErrNoKeyword.Error() + "\n" + setSyntaxHint
	case errors.Is(err, ErrEmptyResponse):
		return "Error: " + ErrEmptyResponse.Error() + "\n" + setSyntaxHint
	case errors.Is(err, ErrSelfAward):
		return "You can't increase your own based score!"
	case errors.Is(err, ErrNoTarget):
		return "Error: " + ErrNoTarget.Error() + "\n" + awardSyntaxHint
	case errors.As(err, &se):
		return replyStorageFailure
	case errors.As(err, &te):
		return replyTransportFailed
	default:
		return "Error: " + err.Error()
	}
}

func removeErrorReply(err error) string {
	if errors.Is(err, ErrNoKeyword) {
		return "Error: " + ErrNoKeyword.Error() + "\n" + delrespSyntaxHint
	}
	return errorReply(err)
}
