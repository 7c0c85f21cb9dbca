package osubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/osubot/osubot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// OsuBot ties together the score feed, the tracker and the Discord bot.
//
// Scores arrive from the ScoreFeed and are evaluated by the ScoreTracker,
// which reads beatmaps through the BeatmapCache and announces new top
// plays through the Dispatcher. The Refresher periodically refreshes
// tracked profiles and announces their events. Links are managed by the
// AccountLinker, via slash commands or the admin API.
type OsuBot struct {
	config *Config
	logger *slog.Logger

	db            *gorm.DB
	store         RecordStore
	runtimeConfig *runtimeConfigState
	notifier      DBNotifier

	osuAPI     *osuAPIClient
	cache      *BeatmapCache
	registry   *TrackedUsers
	dispatcher *Dispatcher
	tracker    *ScoreTracker
	feed       *ScoreFeed
	refresher  *Refresher
	linker     *AccountLinker
	commands   *CommandHandler

	discord *Discord
	api     *API

	runMu     sync.Mutex
	startedAt time.Time
}

// New creates an OsuBot from the given config. Nothing connects until
// Run is called.
func New(config *Config) (*OsuBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &OsuBot{
		config:   config,
		registry: NewTrackedUsers(),
	}
	b.logger = slog.New(newComponentHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(b.logger)

	b.osuAPI = newOsuAPIClient(
		config.Osu,
		config.HTTPClient,
		newComponentLogger(defaultLogWriter, config.Osu.LogLevel, "osu"),
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newComponentHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel),
	)
	b.discord = newDiscord(
		config.Discord,
		slog.New(newComponentHandler(defaultLogWriter, config.Discord.LogLevel)),
	)

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// RuntimeConfig returns a copy of the current RuntimeConfig
func (b *OsuBot) RuntimeConfig() RuntimeConfig {
	if b.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return b.runtimeConfig.Get()
}

// wire builds the components that depend on the database, the osu!
// client and the notification sink
func (b *OsuBot) wire(
	ctx context.Context,
	db *gorm.DB,
	client OsuClient,
	sink NotificationSink,
) error {
	b.db = db
	b.store = NewDatabase(db, b.logger)

	runtimeConfig, err := newRuntimeConfigState(ctx, db)
	if err != nil {
		return err
	}
	b.runtimeConfig = runtimeConfig

	trackerLogger := slog.New(newComponentHandler(defaultLogWriter, b.config.Tracker.LogLevel))

	b.cache = NewBeatmapCache(b.store, client, trackerLogger)
	b.dispatcher = NewDispatcher(b.store, sink, runtimeConfig.Paused, trackerLogger)
	b.tracker = NewScoreTracker(
		b.config.Tracker,
		b.registry,
		b.store,
		client,
		b.cache,
		b.dispatcher,
		trackerLogger,
	)
	b.feed = NewScoreFeed(
		b.config.Osu.FeedURL,
		b.config.Tracker,
		b.tracker,
		slog.New(newComponentHandler(defaultLogWriter, b.config.Osu.LogLevel)),
	)
	b.refresher = NewRefresher(
		b.config.Tracker,
		b.registry,
		b.store,
		client,
		b.dispatcher,
		trackerLogger,
	)

	notifier, err := newDBNotifier(
		b.config.DatabaseType,
		b.config.Database,
		db,
		notifierHandlers{
			LinkChanged: func(ctx context.Context, change LinkChange) {
				b.linker.ApplyChange(ctx, change)
			},
			ConfigUpdated: b.reloadRuntimeConfig,
		},
		b.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.notifier = notifier

	b.linker = NewAccountLinker(b.store, client, b.registry, notifier, b.logger)
	b.commands = NewCommandHandler(b.linker, b.store, b.RuntimeConfig, b.logger)
	return nil
}

// reloadRuntimeConfig is called when another instance updates the
// RuntimeConfig
func (b *OsuBot) reloadRuntimeConfig(ctx context.Context) {
	if err := b.runtimeConfig.Reload(ctx); err != nil {
		b.logger.ErrorContext(ctx, "error reloading runtime config", tint.Err(err))
		return
	}
	cfg := b.runtimeConfig.Get()
	b.logger.InfoContext(ctx, "reloaded runtime config", "paused", cfg.Paused)
	b.updatePresence(cfg)
}

// updatePresence sets the bot's Discord status to reflect cfg, if the
// gateway is connected
func (b *OsuBot) updatePresence(cfg RuntimeConfig) {
	if b.discord == nil || b.discord.session == nil || !b.discord.connected.Load() {
		return
	}
	if err := b.discord.session.UpdateStatusComplex(getDiscordPresenceStatusUpdate(cfg)); err != nil {
		b.logger.Error("error updating discord status", tint.Err(err))
	}
}

// initDB connects to the database and runs migrations
func (b *OsuBot) initDB(ctx context.Context) (*gorm.DB, error) {
	gormLogger := newGORMLogger(
		newComponentHandler(defaultLogWriter, b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := createDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	return db, nil
}

// initRun connects to the database, wires the components and loads
// tracked players
func (b *OsuBot) initRun(ctx context.Context) error {
	db, err := b.initDB(ctx)
	if err != nil {
		return err
	}
	if err = b.wire(ctx, db, b.osuAPI, b.discord); err != nil {
		return err
	}
	if err = b.registry.Load(ctx, b.store); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "loaded tracked players", "count", b.registry.Len())
	return nil
}

// initDiscordSession creates the gateway session, registers handlers
// and slash commands, and opens the connection
func (b *OsuBot) initDiscordSession(ctx context.Context) error {
	session, err := b.discord.newSession(b.config.HTTPClient)
	if err != nil {
		return err
	}
	b.discord.session = session

	status := func() discordgo.UpdateStatusData {
		return getDiscordPresenceStatusUpdate(b.RuntimeConfig())
	}
	b.discord.removeHandlers = append(
		b.discord.removeHandlers,
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect(status)),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.commands.handlerInteractionCreate(session)),
	)

	if _, err = b.discord.registerCommands(
		b.commands.Commands(),
		discordgo.WithContext(ctx),
	); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err = session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// Run starts the bot, blocking until ctx is canceled or the score feed
// disconnects
func (b *OsuBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	ctx = WithLogger(ctx, logger)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}
	if err := b.initDiscordSession(startCtx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return b.feed.Run(gctx)
		},
	)
	g.Go(
		func() error {
			return b.refresher.Run(gctx)
		},
	)
	g.Go(
		func() error {
			return b.notifier.Listen(gctx)
		},
	)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
		g.Go(
			func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(
					context.Background(),
					b.config.ShutdownTimeout,
				)
				defer cancel()
				return b.api.Shutdown(shutdownCtx)
			},
		)
	}
	logger.InfoContext(ctx, "ready")

	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "stopped with error", tint.Err(runErr))
	}
	return errors.Join(runErr, b.shutdown(ctx))
}

// shutdown closes the discord session and the database connection
func (b *OsuBot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down")
	var errs []error

	for _, remove := range b.discord.removeHandlers {
		remove()
	}
	b.discord.removeHandlers = nil
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if b.db != nil {
		sqlDB, err := b.db.DB()
		if err != nil {
			errs = append(errs, err)
		} else if err = sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing database: %w", err))
		}
	}
	b.logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(b.startedAt))
	return errors.Join(errs...)
}
