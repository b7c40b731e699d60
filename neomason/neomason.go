package neomason

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// NeoMason is the bot runtime. It owns the store and the guild cache,
// and wires discord events through the Dispatcher.
type NeoMason struct {
	config     *Config
	logger     *slog.Logger
	store      Store
	state      *GuildState
	ledger     *Ledger
	dispatcher *Dispatcher
	scheduler  *Scheduler
	discord    *Discord
	transport  Transport
	api        *API
	metrics    *metrics

	ready      atomic.Bool
	runMu      sync.Mutex
	signalStop chan struct{}
	startedAt  time.Time
}

// New creates a NeoMason from the given config. Nothing is opened or
// connected until Run is called.
func New(config *Config) (*NeoMason, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	n := &NeoMason{
		config:     config,
		logger:     slog.New(newLogHandler(config.LogLevel)),
		signalStop: make(chan struct{}, 1),
	}
	slog.SetDefault(n.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	n.discord = newDiscord(config.Discord)
	n.transport = n.discord
	return n, nil
}

// Stop triggers a graceful shutdown of a running bot
func (n *NeoMason) Stop() {
	select {
	case n.signalStop <- struct{}{}:
	default:
	}
}

// Ready reports whether startup has finished
func (n *NeoMason) Ready() bool {
	return n.ready.Load()
}

// Run opens the store, loads responses, connects to discord and
// handles events until ctx is canceled or Stop is called.
func (n *NeoMason) Run(ctx context.Context) error {
	// prevents concurrent runs
	n.runMu.Lock()
	defer n.runMu.Unlock()

	n.startedAt = time.Now()
	logger := n.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", n.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-n.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, n.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- n.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		n.closeStore(ctx)
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			n.closeStore(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	// handlers outlive the runtime context. Once started, an event is
	// handled to completion unless the shutdown deadline passes.
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()
	handlers := &inflight{}

	if err := n.initDiscordSession(handlerCtx, handlers); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		n.closeStore(ctx)
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := n.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		n.closeStore(ctx)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if n.config.Discord.RegisterCommands {
		if _, err := n.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if n.scheduler != nil {
		g.Go(
			func() error {
				return n.scheduler.Run(gctx)
			},
		)
	}
	if n.config.API.Enabled {
		n.api = newAPI(n, n.config.API)
		g.Go(
			func() error {
				err := n.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
		)
	}

	n.ready.Store(true)
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(n.startedAt))

	// block until something cancels the runtime context, or a
	// background service fails
	<-gctx.Done()
	cancel()

	shutdownErr := n.shutdown(ctx, handlers, handlerCancel)
	if err := g.Wait(); err != nil {
		logger.ErrorContext(ctx, "background service failed", tint.Err(err))
		return errors.Join(err, shutdownErr)
	}
	return shutdownErr
}

// initRun opens the store and builds everything that depends on it
func (n *NeoMason) initRun(ctx context.Context) error {
	store, err := OpenStore(ctx, n.config)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	n.store = store

	n.state = NewGuildState(store)
	if err = n.state.Load(ctx); err != nil {
		return fmt.Errorf("error loading responses: %w", err)
	}
	n.ledger = NewLedger(store)
	n.metrics = newMetrics(n.state)

	n.dispatcher = NewDispatcher(n.config, n.state, n.ledger, n.transport, n.metrics)

	if n.config.Announcement.Enabled {
		n.scheduler, err = NewScheduler(
			n.config.Announcement,
			store,
			n.transport,
			n.logger,
			n.metrics,
		)
		if err != nil {
			return fmt.Errorf("error creating scheduler: %w", err)
		}
	}
	return nil
}

// inflight tracks event handlers running in their own goroutines.
// After close, new events are dropped.
type inflight struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// start runs fn in a new goroutine, unless closed
func (f *inflight) start(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
	return true
}

// close stops accepting new handlers, and returns a channel that's
// closed once the running ones finish
func (f *inflight) close() <-chan struct{} {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	return done
}

// initDiscordSession creates the discord session (if needed) and
// registers gateway event handlers. Each message and interaction is
// handled in its own goroutine, with ctx.
func (n *NeoMason) initDiscordSession(ctx context.Context, handlers *inflight) error {
	d := n.discord
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	for _, h := range d.discordgoRemoveHandlerFuncs {
		h()
	}

	d.session.SetIdentify(
		discordgo.Identify{
			Intents: n.config.Discord.GatewayIntents,
		},
	)

	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady(n.dispatcher.SetSelfID)),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if m == nil || m.Message == nil {
					return
				}
				ev := messageEvent(m.Message)
				if !handlers.start(func() { n.dispatcher.HandleMessage(ctx, ev) }) {
					d.logger.Warn("shutting down, dropped message", "message_id", ev.ID)
				}
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				if i == nil {
					return
				}
				ev, ok := commandEvent(i.Interaction)
				if !ok {
					return
				}
				started := handlers.start(func() {
					reply := n.dispatcher.HandleCommand(ctx, ev)
					if err := d.respond(i.Interaction, reply); err != nil {
						n.metrics.transportErrors.Inc()
						d.logger.ErrorContext(
							ctx,
							"error responding to interaction",
							tint.Err(err),
							"interaction", ev,
						)
					}
				})
				if !started {
					d.logger.Warn("shutting down, dropped interaction", "interaction_id", i.ID)
				}
			},
		),
	}
	return nil
}

// shutdown stops accepting events and waits up to ShutdownTimeout for
// in-flight handlers, canceling them if they don't finish. It then
// closes the discord session and the store.
func (n *NeoMason) shutdown(
	ctx context.Context,
	handlers *inflight,
	cancelHandlers context.CancelFunc,
) error {
	handlersDone := handlers.close()
	n.ready.Store(false)
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(n.config.ShutdownTimeout)
	n.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", n.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var errs []error

	if n.api != nil {
		apiCtx, apiCancel := context.WithTimeout(closeCtx, apiShutdownGracePeriod)
		if err := n.api.Shutdown(apiCtx); err != nil {
			errs = append(errs, fmt.Errorf("error closing api: %w", err))
		}
		apiCancel()
	}

	select {
	case <-handlersDone:
		n.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		n.logger.ErrorContext(ctx, "timed out waiting on in-flight events")
		errs = append(errs, errors.New("in-flight events did not finish in time"))
	}
	cancelHandlers()

	if n.discord.session != nil {
		for _, h := range n.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		n.discord.discordgoRemoveHandlerFuncs = nil
		if err := n.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	n.closeStore(ctx)
	n.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

func (n *NeoMason) closeStore(ctx context.Context) {
	if n.store == nil {
		return
	}
	if err := n.store.Close(); err != nil {
		n.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}
