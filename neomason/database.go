package neomason

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	pgUniqueViolation = "23505"
)

var (
	sqliteMaxOpenConns = 1
	sqliteMaxIdleConns = 1

	// pragmas are per-connection, so the single sqlite connection
	// is never recycled
	sqliteMaxConnLifetime time.Duration = 0
	sqliteExecPragma                    = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// KeywordResponse is a guild-scoped automatic reply. Pattern is the
// normalized regular expression source the keyword compiles to, and
// is unique per guild.
type KeywordResponse struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	GuildID   string `gorm:"not null;uniqueIndex:idx_responses_guild_pattern" json:"guild_id"`
	Keyword   string `gorm:"not null" json:"keyword"`
	Pattern   string `gorm:"not null;uniqueIndex:idx_responses_guild_pattern" json:"-"`
	Response  string `gorm:"not null" json:"response"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (KeywordResponse) TableName() string {
	return "responses"
}

func (k KeywordResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(k.ID)),
		slog.String("guild_id", k.GuildID),
		slog.String("keyword", k.Keyword),
		slog.String("pattern", k.Pattern),
	)
}

// ReputationEntry is a user's 'based' score within a guild
type ReputationEntry struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	UserID  string `gorm:"primaryKey" json:"user_id"`
	Score   int64  `gorm:"not null;default:0" json:"score"`
}

func (ReputationEntry) TableName() string {
	return "reputation"
}

// SchedulerState records the last local date (YYYY-MM-DD) a named
// scheduled job fired on
type SchedulerState struct {
	Name      string `gorm:"primaryKey" json:"name"`
	LastFired string `gorm:"not null" json:"last_fired"`
}

func (SchedulerState) TableName() string {
	return "scheduler_state"
}

// Store is the persistent backing for keyword responses, reputation
// and scheduler state. Every method is safe for concurrent use.
type Store interface {
	// LoadAllResponses returns every stored response, in insertion order
	LoadAllResponses(ctx context.Context) ([]KeywordResponse, error)

	// InsertResponse creates a new response, setting its ID and CreatedAt.
	// Returns ErrDuplicateKey if the guild already has a response with
	// the same pattern.
	InsertResponse(ctx context.Context, r *KeywordResponse) error

	// DeleteResponse removes the guild's response with the given pattern,
	// returning the number of rows removed
	DeleteResponse(ctx context.Context, guildID, pattern string) (int64, error)

	// AwardPoint atomically increments (or creates, at 1) the user's
	// score and returns the new value
	AwardPoint(ctx context.Context, guildID, userID string) (int64, error)

	// ListScores returns the guild's scores, highest first
	ListScores(ctx context.Context, guildID string) ([]ReputationEntry, error)

	// Score returns a user's current score, or 0 if they have none
	Score(ctx context.Context, guildID, userID string) (int64, error)

	// ClaimAnnouncement records that the named job fired on day. It
	// returns false if it was already recorded for that day.
	ClaimAnnouncement(ctx context.Context, name, day string) (bool, error)

	Close() error
}

// database is the gorm-backed Store.
//
// When enableConcurrentWrites is false (sqlite), writes are serialized
// through mu, since sqlite only allows a single writer.
type database struct {
	db                     *gorm.DB
	pool                   *pgxpool.Pool
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
	closeOnce              sync.Once
}

// OpenStore applies pending migrations, then opens the configured
// database.
func OpenStore(ctx context.Context, config *Config) (Store, error) {
	logger := loggerFrom(ctx, nil)
	handler := newLogHandler(config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, config.DatabaseSlowThreshold)

	logger.InfoContext(
		ctx,
		"opening database",
		"database_type", config.DatabaseType,
	)

	version, err := MigrateUp(ctx, config.DatabaseType, config.Database)
	if err != nil {
		return nil, storageErr("migrate", err)
	}
	logger.InfoContext(ctx, "database schema ready", "version", version)

	db, pool, err := getDB(ctx, config, gormLogger)
	if err != nil {
		return nil, storageErr("open", err)
	}

	store := &database{
		db:                     db,
		pool:                   pool,
		logger:                 slog.New(handler).With(loggerNameKey, "database"),
		enableConcurrentWrites: config.DatabaseType == dbTypePostgres,
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, storageErr("open", err)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			_ = store.Close()
			return nil, storageErr("pragma", pragmaErr)
		}
	}

	return store, nil
}

// getDB opens a gorm connection for the configured database type.
// Postgres connections are served from a pgxpool, which is returned
// so it can be closed along with the gorm connection.
func getDB(
	ctx context.Context,
	config *Config,
	gormLogger gormlogger.Interface,
) (*gorm.DB, *pgxpool.Pool, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch config.DatabaseType {
	case dbTypeSQLite:
		if err := ensureParentDir(config.Database); err != nil {
			return nil, nil, err
		}
		db, err := gorm.Open(sqlite.Open(config.Database), gormConfig)
		return db, nil, err
	case dbTypePostgres:
		poolConfig, err := pgxpool.ParseConfig(config.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing postgres config: %w", err)
		}
		if config.DatabaseMaxConns > 0 {
			poolConfig.MaxConns = int32(config.DatabaseMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating pool: %w", err)
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("error connecting to postgres: %w", err)
		}
		db, err := gorm.Open(
			postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}),
			gormConfig,
		)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return db, pool, nil
	default:
		return nil, nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			config.DatabaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

func ensureParentDir(path string) error {
	parentDir := filepath.Dir(path)
	if parentDir == "" {
		return nil
	}
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err came from a unique constraint.
// gorm's TranslateError covers most cases, the rest are checked against
// the driver errors directly.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout if ctx doesn't already
// have a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) LoadAllResponses(ctx context.Context) (
	[]KeywordResponse,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var responses []KeywordResponse
	err := d.db.WithContext(ctx).Order("created_at, id").Find(&responses).Error
	if err != nil {
		return nil, storageErr("load responses", err)
	}
	return responses, nil
}

func (d *database) InsertResponse(
	ctx context.Context,
	r *KeywordResponse,
) error {
	d.lock()
	defer d.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := d.db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return storageErr("insert response", err)
	}
	d.logger.DebugContext(ctx, "inserted response", "response", r)
	return nil
}

func (d *database) DeleteResponse(
	ctx context.Context,
	guildID, pattern string,
) (int64, error) {
	d.lock()
	defer d.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Where(
		"guild_id = ? AND pattern = ?",
		guildID,
		pattern,
	).Delete(&KeywordResponse{})
	if rv.Error != nil {
		return 0, storageErr("delete response", rv.Error)
	}
	return rv.RowsAffected, nil
}

func (d *database) AwardPoint(
	ctx context.Context,
	guildID, userID string,
) (int64, error) {
	d.lock()
	defer d.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var score int64
	err := d.db.WithContext(ctx).Raw(
		`INSERT INTO reputation (guild_id, user_id, score) VALUES (?, ?, 1)
		ON CONFLICT (guild_id, user_id)
		DO UPDATE SET score = reputation.score + 1
		RETURNING score`,
		guildID,
		userID,
	).Row().Scan(&score)
	if err != nil {
		return 0, storageErr("award point", err)
	}
	return score, nil
}

func (d *database) ListScores(
	ctx context.Context,
	guildID string,
) ([]ReputationEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []ReputationEntry
	err := d.db.WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Order("score DESC, user_id").Find(&entries).Error
	if err != nil {
		return nil, storageErr("list scores", err)
	}
	return entries, nil
}

func (d *database) Score(
	ctx context.Context,
	guildID, userID string,
) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []ReputationEntry
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	).Limit(1).Find(&entries).Error
	if err != nil {
		return 0, storageErr("get score", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].Score, nil
}

func (d *database) ClaimAnnouncement(
	ctx context.Context,
	name, day string,
) (bool, error) {
	d.lock()
	defer d.unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Exec(
		`INSERT INTO scheduler_state (name, last_fired) VALUES (?, ?)
		ON CONFLICT (name)
		DO UPDATE SET last_fired = excluded.last_fired
		WHERE scheduler_state.last_fired < excluded.last_fired`,
		name,
		day,
	)
	if rv.Error != nil {
		return false, storageErr("claim announcement", rv.Error)
	}
	return rv.RowsAffected == 1, nil
}

func (d *database) Close() error {
	var err error
	d.closeOnce.Do(
		func() {
			sqlDB, dbErr := d.db.DB()
			if dbErr != nil {
				err = dbErr
				return
			}
			err = sqlDB.Close()
			if d.pool != nil {
				d.pool.Close()
			}
		},
	)
	return err
}
