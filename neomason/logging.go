package neomason

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogHandler returns the tint handler every component logs through,
// each with its own level
func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.DateTime,
		},
	)
}

func newNamedLogger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(newLogHandler(level)).With(loggerNameKey, name)
}

// discordgoLevel maps a discordgo log level to slog
func discordgoLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogError:
		return slog.LevelError
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// discordgoLoggerFunc returns a replacement for discordgo.Logger that
// writes to handler. Messages are flattened to a single line.
func discordgoLoggerFunc(
	ctx context.Context,
	handler slog.Handler,
) func(msgL, caller int, format string, args ...any) {
	logger := slog.New(handler)
	return func(msgL, _ int, format string, args ...any) {
		level := discordgoLevel(msgL)
		if !logger.Enabled(ctx, level) {
			return
		}
		msg := strings.Join(strings.Fields(fmt.Sprintf(format, args...)), " ")
		logger.LogAttrs(ctx, level, msg)
	}
}

// gormSlogLogger routes gorm's logging through slog. Levels are
// controlled by the handler, so LogMode is ignored.
type gormSlogLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

var _ gormlogger.Interface = gormSlogLogger{}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) gormSlogLogger {
	return gormSlogLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

func (g gormSlogLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g gormSlogLogger) Info(ctx context.Context, msg string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormSlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormSlogLogger) Error(ctx context.Context, msg string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

// Trace logs each statement. Failed and slow statements are logged
// above debug level, except for 'record not found'.
func (g gormSlogLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	level := slog.LevelDebug
	msg := "sql"
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		level, msg = slog.LevelWarn, "sql failed"
	case g.slowThreshold > 0 && elapsed > g.slowThreshold:
		level, msg = slog.LevelWarn, "slow sql"
	}
	if !g.logger.Enabled(ctx, level) {
		return
	}

	statement, rows := fc()
	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.String("statement", statement),
	}
	if rows >= 0 {
		attrs = append(attrs, slog.Int64("rows", rows))
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}
	g.logger.LogAttrs(ctx, level, msg, attrs...)
}
