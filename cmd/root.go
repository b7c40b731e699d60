package cmd

import (
	"context"
	"fmt"
	"github.com/Bravo555/neomason-discord-bot/neomason"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = neomason.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "neomason [flags]",
	Short: "Discord bot with keyword responses, based points and a daily announcement",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", neomason.DefaultDatabase)
	viper.SetDefault("database_type", neomason.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		neomason.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		neomason.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("database_max_conns", neomason.DefaultDatabaseMaxConns)

	viper.SetDefault("log_level", neomason.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", neomason.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", neomason.DefaultShutdownTimeout)

	// Bot behavior
	viper.SetDefault("command_prefix", neomason.DefaultCommandPrefix)
	viper.SetDefault("award_trigger", neomason.DefaultAwardTrigger)
	viper.SetDefault("gank_trigger", neomason.DefaultGankTrigger)
	viper.SetDefault("gank_channel", neomason.DefaultGankChannel)
	viper.SetDefault("gank_history_limit", neomason.DefaultGankHistoryLimit)
	viper.SetDefault("last_message_scope", neomason.DefaultLastMessageScope)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.register_commands", false)
	viper.SetDefault(
		"discord.log_level",
		neomason.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		neomason.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		neomason.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.max_sends_per_second",
		neomason.DefaultDiscordMaxSendsPerSecond,
	)

	// Announcement config
	viper.SetDefault("announcement.enabled", true)
	viper.SetDefault("announcement.name", neomason.DefaultAnnouncementName)
	viper.SetDefault("announcement.hour", neomason.DefaultAnnouncementHour)
	viper.SetDefault("announcement.minute", neomason.DefaultAnnouncementMinute)
	viper.SetDefault("announcement.location", neomason.DefaultAnnouncementLocation)
	viper.SetDefault("announcement.channel", neomason.DefaultAnnouncementChannel)
	viper.SetDefault("announcement.message", neomason.DefaultAnnouncementMessage)
	viper.SetDefault(
		"announcement.poll_interval",
		neomason.DefaultAnnouncementPollInterval,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", neomason.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token_hash", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", neomason.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", neomason.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		neomason.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", neomason.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", neomason.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		neomason.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		neomason.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		neomason.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", neomason.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		neomason.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(neomason.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = neomason.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// the prefixed names take precedence, but the unprefixed names
	// are accepted for existing deployments
	fatalErr(viper.BindEnv("discord.token", envPrefix+"_DISCORD_TOKEN", "DISCORD_TOKEN"))
	fatalErr(viper.BindEnv("database", envPrefix+"_DATABASE", "DB_NAME"))

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
