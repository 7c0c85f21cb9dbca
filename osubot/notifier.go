package osubot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelLinkChanged          = "osubot_link_changed"
	postgresNotifyChannelRuntimeConfigUpdated = "osubot_reload_runtime_config"

	notifierRetryDelay = 5 * time.Second
)

// LinkChange announces that an account was linked or unlinked, so
// other instances can update their TrackedUsers
type LinkChange struct {
	NotifierID    string `json:"notifier_id"`
	DiscordUserID string `json:"discord_user_id"`
	OsuUserID     int64  `json:"osu_user_id"`
	Linked        bool   `json:"linked"`
}

// notifierHandlers are called when another instance announces a change
type notifierHandlers struct {
	LinkChanged   func(ctx context.Context, change LinkChange)
	ConfigUpdated func(ctx context.Context)
}

// DBNotifier announces changes to other bot instances sharing the same
// database. Notifications from the sending instance are ignored by
// comparing notifier IDs.
type DBNotifier interface {
	// ID returns the identifier for this notifier
	ID() string

	// LinkChanged announces a link or unlink
	LinkChanged(ctx context.Context, change LinkChange) bool

	// ReloadRuntimeConfig tells other instances to reload their
	// RuntimeConfig from the database
	ReloadRuntimeConfig(ctx context.Context) bool

	// Listen blocks, applying notifications from other instances,
	// until ctx is canceled
	Listen(ctx context.Context) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db *gorm.DB,
	handlers notifierHandlers,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := logger.With(loggerNameKey, "db_notifier", "notifier_id", notifyID)
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:       db,
			dsn:      dsn,
			handlers: handlers,
			logger:   log,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is used when the database isn't shared, so there's
// nobody to notify
type sqliteNotifier struct {
	logger   *slog.Logger
	notifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) LinkChanged(ctx context.Context, change LinkChange) bool {
	s.logger.DebugContext(ctx, "link changed", "change", change)
	return true
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.DebugContext(ctx, "runtime config updated")
	return true
}

func (s *sqliteNotifier) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type postgresNotifier struct {
	db       *gorm.DB
	dsn      string
	handlers notifierHandlers
	logger   *slog.Logger
	notifyID string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	ctx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()

	err := p.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, payload).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel)
	return true
}

func (p *postgresNotifier) LinkChanged(ctx context.Context, change LinkChange) bool {
	change.NotifierID = p.ID()
	payload, err := json.Marshal(change)
	if err != nil {
		p.logger.ErrorContext(ctx, "error encoding link change", tint.Err(err))
		return false
	}
	return p.notify(ctx, postgresNotifyChannelLinkChanged, string(payload))
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, postgresNotifyChannelRuntimeConfigUpdated, p.ID())
}

// Listen LISTENs on the link and config channels over a dedicated pgx
// connection
func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{
		postgresNotifyChannelLinkChanged,
		postgresNotifyChannelRuntimeConfigUpdated,
	} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
	}
	p.logger.InfoContext(ctx, "started db listener")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryDelay):
			}
			continue
		}
		p.handle(ctx, notification.Channel, notification.Payload)
	}
	return nil
}

func (p *postgresNotifier) handle(ctx context.Context, channel string, payload string) {
	logger := p.logger.With("channel", channel)
	switch channel {
	case postgresNotifyChannelLinkChanged:
		var change LinkChange
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			logger.ErrorContext(ctx, "error decoding link change", tint.Err(err))
			return
		}
		if change.NotifierID == p.ID() {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			return
		}
		logger.InfoContext(ctx, "received link change", "change", change)
		if p.handlers.LinkChanged != nil {
			p.handlers.LinkChanged(ctx, change)
		}
	case postgresNotifyChannelRuntimeConfigUpdated:
		if payload == p.ID() {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			return
		}
		logger.InfoContext(ctx, "received runtime config update")
		if p.handlers.ConfigUpdated != nil {
			p.handlers.ConfigUpdated(ctx)
		}
	default:
		logger.WarnContext(ctx, "received unknown notification")
	}
}
