package osubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ErrNotFound is returned by the RecordStore when a record doesn't
// exist, and by the osu! API client on HTTP 404
var ErrNotFound = errors.New("not found")

// StoreStats summarizes the number of cached and tracked records
type StoreStats struct {
	Beatmaps      int64 `json:"beatmaps"`
	Beatmapsets   int64 `json:"beatmapsets"`
	Links         int64 `json:"links"`
	Channels      int64 `json:"channels"`
	Notifications int64 `json:"notifications"`
}

// RecordStore is the persistence layer for cached osu! data, linked
// accounts and notification state. [database] implements it on GORM.
// Writes rely on upsert semantics rather than in-process locking.
type RecordStore interface {
	DB() *gorm.DB

	// GetBeatmap returns the cached beatmap, or ErrNotFound
	GetBeatmap(ctx context.Context, id int64) (*Beatmap, error)

	// GetBeatmapset returns the cached beatmapset with its beatmaps
	// loaded, or ErrNotFound
	GetBeatmapset(ctx context.Context, id int64) (*Beatmapset, error)
	GetBeatmapsByBeatmapset(ctx context.Context, beatmapsetID int64) ([]Beatmap, error)

	// UpsertBeatmapset inserts or updates the beatmapset and all of the
	// given beatmaps in a single transaction
	UpsertBeatmapset(ctx context.Context, set *Beatmapset, beatmaps []Beatmap) error

	GetLink(ctx context.Context, discordUserID string) (*LinkedAccount, error)
	ListLinks(ctx context.Context) ([]LinkedAccount, error)
	ListLinksByOsuUser(ctx context.Context, osuUserID int64) ([]LinkedAccount, error)
	UpsertLink(ctx context.Context, link *LinkedAccount) error
	SetLinkMinPP(ctx context.Context, discordUserID string, minPP float64) (bool, error)

	// DeleteLink deletes the link and returns what was deleted, or
	// ErrNotFound
	DeleteLink(ctx context.Context, discordUserID string) (*LinkedAccount, error)

	GetUserSnapshot(ctx context.Context, osuUserID int64, mode Mode) (*OsuUserSnapshot, error)
	UpsertUserSnapshot(ctx context.Context, snapshot *OsuUserSnapshot) error

	// GetOrCreateCursor returns the player's notification cursor,
	// creating it with both watermarks set to now if it doesn't exist
	GetOrCreateCursor(ctx context.Context, osuUserID int64, now time.Time) (*NotificationCursor, error)

	// AdvanceCursor moves the score watermark forward to t. It returns
	// false if the watermark was already at or beyond t.
	AdvanceCursor(ctx context.Context, osuUserID int64, t time.Time) (bool, error)

	// AdvanceEventCursor moves the profile event watermark forward to t
	AdvanceEventCursor(ctx context.Context, osuUserID int64, t time.Time) (bool, error)

	ListGuildChannels(ctx context.Context, guildIDs ...string) ([]GuildNotificationChannel, error)
	AddGuildChannel(ctx context.Context, guildID string, channelID string) (bool, error)
	RemoveGuildChannel(ctx context.Context, guildID string, channelID string) (bool, error)

	CreateScoreNotifications(ctx context.Context, notifications []ScoreNotification) error
	ListScoreNotifications(ctx context.Context, osuUserID int64, limit int) ([]ScoreNotification, error)

	Stats(ctx context.Context) (StoreStats, error)
}

// database implements RecordStore
type database struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDatabase returns a RecordStore backed by the given connection
func NewDatabase(db *gorm.DB, log *slog.Logger) RecordStore {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:     db,
		logger: log.With(loggerNameKey, "database"),
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// withTimeout applies dbOperationTimeout if the context doesn't
// already have a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// notFound translates gorm.ErrRecordNotFound to ErrNotFound
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (d *database) GetBeatmap(ctx context.Context, id int64) (*Beatmap, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var b Beatmap
	if err := d.db.WithContext(ctx).Where("id = ?", id).Take(&b).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (d *database) GetBeatmapset(ctx context.Context, id int64) (*Beatmapset, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var s Beatmapset
	err := d.db.WithContext(ctx).
		Preload("Beatmaps", func(db *gorm.DB) *gorm.DB {
			return db.Order("id asc")
		}).
		Where("id = ?", id).
		Take(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (d *database) GetBeatmapsByBeatmapset(
	ctx context.Context,
	beatmapsetID int64,
) ([]Beatmap, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var beatmaps []Beatmap
	err := d.db.WithContext(ctx).
		Where(columnBeatmapsetID+" = ?", beatmapsetID).
		Order("id asc").
		Find(&beatmaps).Error
	return beatmaps, err
}

func (d *database) UpsertBeatmapset(
	ctx context.Context,
	set *Beatmapset,
	beatmaps []Beatmap,
) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	for i := range beatmaps {
		if beatmaps[i].BeatmapsetID != set.ID {
			return fmt.Errorf(
				"beatmap %d belongs to beatmapset %d, not %d",
				beatmaps[i].ID,
				beatmaps[i].BeatmapsetID,
				set.ID,
			)
		}
	}

	err := d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			rv := tx.Omit(clause.Associations).
				Clauses(clause.OnConflict{UpdateAll: true}).
				Create(set)
			if rv.Error != nil {
				return fmt.Errorf("upserting beatmapset %d: %w", set.ID, rv.Error)
			}
			if len(beatmaps) == 0 {
				return nil
			}
			rv = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&beatmaps)
			if rv.Error != nil {
				return fmt.Errorf(
					"upserting beatmaps for beatmapset %d: %w",
					set.ID,
					rv.Error,
				)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	set.Beatmaps = beatmaps
	return nil
}

func (d *database) GetLink(
	ctx context.Context,
	discordUserID string,
) (*LinkedAccount, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var link LinkedAccount
	err := d.db.WithContext(ctx).
		Where("discord_user_id = ?", discordUserID).
		Take(&link).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &link, nil
}

func (d *database) ListLinks(ctx context.Context) ([]LinkedAccount, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var links []LinkedAccount
	err := d.db.WithContext(ctx).Order("discord_user_id asc").Find(&links).Error
	return links, err
}

func (d *database) ListLinksByOsuUser(
	ctx context.Context,
	osuUserID int64,
) ([]LinkedAccount, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var links []LinkedAccount
	err := d.db.WithContext(ctx).
		Where(columnOsuUserID+" = ?", osuUserID).
		Order("discord_user_id asc").
		Find(&links).Error
	return links, err
}

func (d *database) UpsertLink(ctx context.Context, link *LinkedAccount) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "discord_user_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					columnOsuUserID,
					columnGuildID,
					"mode",
					columnLinkedAccountMinPP,
					"updated_at",
				},
			),
		},
	).Create(link).Error
}

func (d *database) SetLinkMinPP(
	ctx context.Context,
	discordUserID string,
	minPP float64,
) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).
		Model(&LinkedAccount{}).
		Where("discord_user_id = ?", discordUserID).
		Update(columnLinkedAccountMinPP, minPP)
	return rv.RowsAffected > 0, rv.Error
}

func (d *database) DeleteLink(
	ctx context.Context,
	discordUserID string,
) (*LinkedAccount, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var link LinkedAccount
	err := d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Where("discord_user_id = ?", discordUserID).Take(&link).Error; err != nil {
				return notFound(err)
			}
			return tx.Where("discord_user_id = ?", discordUserID).Delete(&LinkedAccount{}).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (d *database) GetUserSnapshot(
	ctx context.Context,
	osuUserID int64,
	mode Mode,
) (*OsuUserSnapshot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var snapshot OsuUserSnapshot
	err := d.db.WithContext(ctx).
		Where(columnOsuUserID+" = ? AND mode = ?", osuUserID, mode).
		Take(&snapshot).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snapshot, nil
}

func (d *database) UpsertUserSnapshot(
	ctx context.Context,
	snapshot *OsuUserSnapshot,
) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnOsuUserID}, {Name: "mode"}},
			UpdateAll: true,
		},
	).Create(snapshot).Error
}

func (d *database) GetOrCreateCursor(
	ctx context.Context,
	osuUserID int64,
	now time.Time,
) (*NotificationCursor, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	cursor := NotificationCursor{
		OsuUserID: osuUserID,
		LastPP:    now.UnixMilli(),
		LastEvent: now.UnixMilli(),
	}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&cursor).Error
	if err != nil {
		return nil, fmt.Errorf("creating cursor for %d: %w", osuUserID, err)
	}

	var existing NotificationCursor
	if err = db.Where(columnOsuUserID+" = ?", osuUserID).Take(&existing).Error; err != nil {
		return nil, notFound(err)
	}
	return &existing, nil
}

func (d *database) advanceCursorColumn(
	ctx context.Context,
	column string,
	osuUserID int64,
	t time.Time,
) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ts := t.UnixMilli()
	rv := d.db.WithContext(ctx).
		Model(&NotificationCursor{}).
		Where(columnOsuUserID+" = ? AND "+column+" < ?", osuUserID, ts).
		Update(column, ts)
	return rv.RowsAffected > 0, rv.Error
}

func (d *database) AdvanceCursor(
	ctx context.Context,
	osuUserID int64,
	t time.Time,
) (bool, error) {
	return d.advanceCursorColumn(ctx, columnCursorLastPP, osuUserID, t)
}

func (d *database) AdvanceEventCursor(
	ctx context.Context,
	osuUserID int64,
	t time.Time,
) (bool, error) {
	return d.advanceCursorColumn(ctx, columnCursorLastEvent, osuUserID, t)
}

func (d *database) ListGuildChannels(
	ctx context.Context,
	guildIDs ...string,
) ([]GuildNotificationChannel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var channels []GuildNotificationChannel
	db := d.db.WithContext(ctx)
	if len(guildIDs) > 0 {
		db = db.Where(columnGuildID+" IN ?", guildIDs)
	}
	err := db.Order("guild_id asc, channel_id asc").Find(&channels).Error
	return channels, err
}

func (d *database) AddGuildChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GuildNotificationChannel{GuildID: guildID, ChannelID: channelID})
	return rv.RowsAffected > 0, rv.Error
}

func (d *database) RemoveGuildChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).
		Where(columnGuildID+" = ? AND channel_id = ?", guildID, channelID).
		Delete(&GuildNotificationChannel{})
	return rv.RowsAffected > 0, rv.Error
}

func (d *database) CreateScoreNotifications(
	ctx context.Context,
	notifications []ScoreNotification,
) error {
	if len(notifications) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Create(&notifications).Error
}

func (d *database) ListScoreNotifications(
	ctx context.Context,
	osuUserID int64,
	limit int,
) ([]ScoreNotification, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var notifications []ScoreNotification
	db := d.db.WithContext(ctx)
	if osuUserID != 0 {
		db = db.Where(columnOsuUserID+" = ?", osuUserID)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Order("id desc").Find(&notifications).Error
	return notifications, err
}

func (d *database) Stats(ctx context.Context) (StoreStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var stats StoreStats
	db := d.db.WithContext(ctx)
	err := errors.Join(
		db.Model(&Beatmap{}).Count(&stats.Beatmaps).Error,
		db.Model(&Beatmapset{}).Count(&stats.Beatmapsets).Error,
		db.Model(&LinkedAccount{}).Count(&stats.Links).Error,
		db.Model(&GuildNotificationChannel{}).Count(&stats.Channels).Error,
		db.Model(&ScoreNotification{}).Count(&stats.Notifications).Error,
	)
	return stats, err
}

// CreateDB initializes and returns a GORM database connection based on the specified database type.
// It also performs auto-migration for all models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newComponentHandler(os.Stdout, slog.LevelWarn)
	return createDB(ctx, databaseType, database, newGORMLogger(handler, 500*time.Millisecond))
}

func createDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormLogger.logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return db, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return db, pragmaErr
		}
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&Beatmapset{},
				&Beatmap{},
				&LinkedAccount{},
				&OsuUserSnapshot{},
				&NotificationCursor{},
				&GuildNotificationChannel{},
				&ScoreNotification{},
				&RuntimeConfig{},
			)
		},
	)
	if err != nil {
		gormLogger.logger.ErrorContext(ctx, "migration failed", tint.Err(err))
		return db, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
