//nolint:lll // struct tags can't be split
package neomason

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix           = "NEOMASON_ENV_PREFIX"
	DefaultEnvPrefix             = "NM"
	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "neomason.db"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDatabaseMaxConns      = 10
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second

	DefaultCommandPrefix    = "!"
	DefaultAwardTrigger     = "based"
	DefaultGankTrigger      = "gank"
	DefaultGankChannel      = "national-gank-bureau"
	DefaultGankHistoryLimit = 100
	DefaultLastMessageScope = LastMessageScopeGuild

	DefaultAnnouncementName         = "daily"
	DefaultAnnouncementHour         = 21
	DefaultAnnouncementMinute       = 37
	DefaultAnnouncementLocation     = "Local"
	DefaultAnnouncementChannel      = "inner-lodge-text-wall"
	DefaultAnnouncementMessage      = "NIE MA PODZIAŁÓW W WATYKANIE"
	DefaultAnnouncementPollInterval = 10 * time.Second

	DefaultDiscordLogLevel          = slog.LevelWarn
	DefaultDiscordgoLogLevel        = slog.LevelWarn
	DefaultDiscordGatewayIntent     = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	DefaultDiscordMaxSendsPerSecond = 5.0
	discordMaxMessageLength         = 2000

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"
)

const (
	// LastMessageScopeGuild tracks one 'last message' per guild
	LastMessageScopeGuild = "guild"

	// LastMessageScopeChannel tracks one 'last message' per channel
	LastMessageScopeChannel = "channel"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// Database connection string (postgres URL) or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DatabaseMaxConns caps the postgres connection pool. Ignored for sqlite,
	// which always uses a single connection.
	DatabaseMaxConns int `yaml:"database_max_conns" mapstructure:"database_max_conns" json:"database_max_conns" binding:"min=0"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// open the database, load responses and connect. If this is passed,
	// the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight messages to finish.
	// After this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// CommandPrefix marks a message as a command (ex: "!list")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// AwardTrigger is the bare word that awards a point
	AwardTrigger string `yaml:"award_trigger" mapstructure:"award_trigger" json:"award_trigger" binding:"required"`

	// GankTrigger is the bare word that posts a random attachment from GankChannel
	GankTrigger string `yaml:"gank_trigger" mapstructure:"gank_trigger" json:"gank_trigger" binding:"required"`

	// GankChannel is the name of the channel attachments are pulled from
	GankChannel string `yaml:"gank_channel" mapstructure:"gank_channel" json:"gank_channel" binding:"required"`

	// GankHistoryLimit is how many recent messages are searched for attachments
	GankHistoryLimit int `yaml:"gank_history_limit" mapstructure:"gank_history_limit" json:"gank_history_limit" binding:"min=1,max=100"`

	// LastMessageScope determines whether the implicit award target is
	// tracked per guild or per channel
	LastMessageScope string `yaml:"last_message_scope" mapstructure:"last_message_scope" json:"last_message_scope" binding:"oneof=guild channel"`

	// Discord configures the discord connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Announcement configures the scheduled daily message
	Announcement *AnnouncementConfig `yaml:"announcement" mapstructure:"announcement" json:"announcement"`

	// API configures the admin/metrics HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks struct tags, then the settings that tags can't express
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}
	var errs []error
	if strings.TrimSpace(c.CommandPrefix) != c.CommandPrefix {
		errs = append(errs, errors.New("command_prefix can't contain leading or trailing whitespace"))
	}
	if strings.ContainsAny(c.AwardTrigger, " \t\n") || strings.ContainsAny(c.GankTrigger, " \t\n") {
		errs = append(errs, errors.New("triggers must be a single word"))
	}
	if c.Announcement != nil && c.Announcement.Enabled {
		if _, err := c.Announcement.location(); err != nil {
			errs = append(errs, fmt.Errorf("announcement.location: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// RegisterCommands overwrites the application's slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands" binding:"excluded_without=ApplicationID"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Reading message content requires the
	// privileged MESSAGE_CONTENT intent.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// MaxSendsPerSecond limits outgoing messages across all channels
	MaxSendsPerSecond float64 `yaml:"max_sends_per_second" mapstructure:"max_sends_per_second" json:"max_sends_per_second" binding:"gt=0"`

	httpClient *http.Client
}

// AnnouncementConfig configures the message posted once a day to every
// guild with a matching channel.
type AnnouncementConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Name identifies this announcement's persisted 'last fired' date
	Name string `yaml:"name" mapstructure:"name" json:"name" binding:"required_if=Enabled true"`

	Hour   int `yaml:"hour" mapstructure:"hour" json:"hour" binding:"min=0,max=23"`
	Minute int `yaml:"minute" mapstructure:"minute" json:"minute" binding:"min=0,max=59"`

	// Location is the IANA time zone Hour and Minute are evaluated in
	// (ex: "Europe/Warsaw"). Defaults to the host's local time.
	Location string `yaml:"location" mapstructure:"location" json:"location"`

	// Channel is the channel name the announcement is sent to
	Channel string `yaml:"channel" mapstructure:"channel" json:"channel" binding:"required_if=Enabled true"`

	Message string `yaml:"message" mapstructure:"message" json:"message" binding:"required_if=Enabled true"`

	// PollInterval is how often the clock is checked
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`
}

func (a AnnouncementConfig) location() (*time.Location, error) {
	if a.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(a.Location)
}

// APIConfig configures the admin/metrics API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,omitempty,hostname_port"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6"`

	// TokenHash is the argon2id hash of the bearer token accepted by /api
	// endpoints. See the `hash-token` command. When empty, /api is disabled.
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" json:"token_hash" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DatabaseMaxConns:      DefaultDatabaseMaxConns,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		CommandPrefix:         DefaultCommandPrefix,
		AwardTrigger:          DefaultAwardTrigger,
		GankTrigger:           DefaultGankTrigger,
		GankChannel:           DefaultGankChannel,
		GankHistoryLimit:      DefaultGankHistoryLimit,
		LastMessageScope:      DefaultLastMessageScope,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			MaxSendsPerSecond: DefaultDiscordMaxSendsPerSecond,
		},
		Announcement: &AnnouncementConfig{
			Enabled:      true,
			Name:         DefaultAnnouncementName,
			Hour:         DefaultAnnouncementHour,
			Minute:       DefaultAnnouncementMinute,
			Location:     DefaultAnnouncementLocation,
			Channel:      DefaultAnnouncementChannel,
			Message:      DefaultAnnouncementMessage,
			PollInterval: DefaultAnnouncementPollInterval,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // validator tag name
func init() {
	structValidator.SetTagName("binding")
}
