package neomason

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// newTestNeoMason returns a bot using a mock discord session, with the
// API and announcements disabled
func newTestNeoMason(t testing.TB) (*NeoMason, *mockDiscordSession) {
	t.Helper()
	cfg := newTestConfig(t)
	cfg.API.Enabled = false
	cfg.Announcement.Enabled = false
	cfg.ShutdownTimeout = 5 * time.Second

	n, err := New(cfg)
	require.NoError(t, err)
	session := &mockDiscordSession{}
	n.discord.session = session
	return n, session
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid config")
}

func TestNeoMason_Run(t *testing.T) {
	n, session := newTestNeoMason(t)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sent := make(chan struct{})
	session.On("Open").Return(nil).Once()
	session.On("Close").Return(nil).Once()
	session.On("ChannelMessageSend", "c1", replyNoResponses).
		Return(&discordgo.Message{}, nil).
		Run(
			func(mock.Arguments) {
				close(sent)
			},
		).Once()

	done := make(chan error, 1)
	go func() {
		done <- n.Run(context.Background())
	}()

	require.Eventually(t, n.Ready, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, DefaultDiscordGatewayIntent, session.identify.Intents)

	ready := session.readyHandler()
	require.NotNil(t, ready)
	ready(nil, &discordgo.Ready{User: &discordgo.User{ID: "neomason"}})
	assert.Equal(t, "neomason", n.dispatcher.SelfID())

	onMessage := session.messageHandler()
	require.NotNil(t, onMessage)

	// the bot's own messages are ignored
	onMessage(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "m0",
				GuildID:   "42",
				ChannelID: "c1",
				Author:    &discordgo.User{ID: "neomason"},
				Content:   "!list",
			},
		},
	)
	onMessage(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "m1",
				GuildID:   "42",
				ChannelID: "c1",
				Author:    &discordgo.User{ID: "1001"},
				Content:   "!list",
			},
		},
	)

	select {
	case <-sent:
	case <-time.After(10 * time.Second):
		t.Fatal("reply wasn't sent")
	}

	n.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("bot didn't stop")
	}
	assert.False(t, n.Ready())
	session.AssertExpectations(t)
}

func TestNeoMason_RunFinishesInFlightEvents(t *testing.T) {
	n, session := newTestNeoMason(t)

	release := make(chan struct{})
	blocked := make(chan struct{})
	sent := make(chan string, 10)
	session.On("Open").Return(nil).Once()
	session.On("Close").Return(nil).Once()
	session.On("ChannelMessageSend", "c1", mock.Anything).
		Return(&discordgo.Message{}, nil).
		Run(
			func(args mock.Arguments) {
				content := args.String(1)
				if content == "apple!" {
					close(blocked)
					<-release
				}
				sent <- content
			},
		)

	done := make(chan error, 1)
	go func() {
		done <- n.Run(context.Background())
	}()
	require.Eventually(t, n.Ready, 10*time.Second, 10*time.Millisecond)

	onMessage := session.messageHandler()
	require.NotNil(t, onMessage)
	message := func(id, content string) {
		onMessage(
			nil, &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:        id,
					GuildID:   "42",
					ChannelID: "c1",
					Author:    &discordgo.User{ID: "1001"},
					Content:   content,
				},
			},
		)
	}
	receive := func() string {
		select {
		case content := <-sent:
			return content
		case <-time.After(10 * time.Second):
			t.Fatal("reply wasn't sent")
			return ""
		}
	}

	message("m1", "!set apple apple!")
	assert.Equal(t, "apple => apple! - successfully set", receive())

	// the keyword reply blocks, with the command still to run
	message("m2", "!set pear apple")
	select {
	case <-blocked:
	case <-time.After(10 * time.Second):
		t.Fatal("keyword reply wasn't sent")
	}

	n.Stop()
	require.Eventually(
		t, func() bool {
			return !n.Ready()
		}, 10*time.Second, 10*time.Millisecond,
	)

	// dropped while shutting down
	message("m3", "!set plum jam")
	close(release)

	assert.Equal(t, "apple!", receive())
	assert.Equal(t, "pear => apple - successfully set", receive())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("bot didn't stop")
	}
	assert.Empty(t, sent)

	store := openTestStore(t, n.config)
	responses, err := store.LoadAllResponses(context.Background())
	require.NoError(t, err)
	keywords := make([]string, 0, len(responses))
	for _, r := range responses {
		keywords = append(keywords, r.Keyword)
	}
	assert.Equal(t, []string{"apple", "pear"}, keywords)
}

func TestNeoMason_RunOpenFails(t *testing.T) {
	n, session := newTestNeoMason(t)
	session.On("Open").Return(errors.New("bad token")).Once()

	err := n.Run(context.Background())
	assert.ErrorContains(t, err, "error connecting to discord")
	assert.False(t, n.Ready())
	session.AssertExpectations(t)
}

func TestNeoMason_RunStoreFails(t *testing.T) {
	n, session := newTestNeoMason(t)
	// the database's parent directory can't be created over a file
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	n.config.Database = filepath.Join(blocker, "neomason.db")

	err := n.Run(context.Background())
	var se *StorageError
	assert.ErrorAs(t, err, &se)

	// discord is never contacted
	session.AssertNotCalled(t, "Open")
}

func TestNeoMason_RunCanceled(t *testing.T) {
	n, session := newTestNeoMason(t)
	session.On("Open").Return(nil).Once()
	session.On("Close").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()
	require.Eventually(t, n.Ready, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("bot didn't stop")
	}
	session.AssertExpectations(t)
}

func TestInflight(t *testing.T) {
	t.Parallel()
	var f inflight

	release := make(chan struct{})
	require.True(t, f.start(func() { <-release }))

	done := f.close()
	assert.False(t, f.start(func() { t.Error("started after close") }))

	select {
	case <-done:
		t.Fatal("closed with a handler still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("running handler never finished")
	}
}
