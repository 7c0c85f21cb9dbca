package osubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/puzpuzpuz/xsync/v3"
	"log/slog"
	"slices"
)

// ErrDispatchPaused is returned by Dispatch while notifications are paused
var ErrDispatchPaused = errors.New("notifications are paused")

// NotificationSink delivers an embed to a single channel
type NotificationSink interface {
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
}

// RecentScores remembers the most recently notified score IDs per
// player, to drop duplicate deliveries of the same score within this
// process. The persisted NotificationCursor is what prevents repeats
// across restarts.
type RecentScores struct {
	size   int
	scores *xsync.MapOf[int64, []int64]
}

func NewRecentScores(size int) *RecentScores {
	if size < 1 {
		size = DefaultTrackerRecentScoreSize
	}
	return &RecentScores{size: size, scores: xsync.NewMapOf[int64, []int64]()}
}

// ShouldNotify records scoreID for playerID, returning false if it was
// already recorded. Only the last `size` scores are kept per player.
func (r *RecentScores) ShouldNotify(playerID int64, scoreID int64) bool {
	added := false
	r.scores.Compute(
		playerID, func(current []int64, _ bool) ([]int64, bool) {
			if slices.Contains(current, scoreID) {
				return current, false
			}
			added = true
			updated := make([]int64, 0, min(len(current)+1, r.size))
			if len(current) >= r.size {
				current = current[len(current)-r.size+1:]
			}
			updated = append(updated, current...)
			return append(updated, scoreID), false
		},
	)
	return added
}

// Forget removes scoreID from playerID's recent scores, so a score
// whose processing failed can be notified on redelivery
func (r *RecentScores) Forget(playerID int64, scoreID int64) {
	r.scores.Compute(
		playerID, func(current []int64, loaded bool) ([]int64, bool) {
			if !loaded {
				return nil, true
			}
			updated := slices.DeleteFunc(
				slices.Clone(current), func(id int64) bool {
					return id == scoreID
				},
			)
			return updated, len(updated) == 0
		},
	)
}

// Notification is a qualifying score or profile event, ready to announce
// to the guilds of the accounts tracking the player. ScoreID is zero for
// profile events, which aren't recorded as score notifications.
type Notification struct {
	PlayerID   int64
	ScoreID    int64
	Position   int
	PP         float64
	Embed      *discordgo.MessageEmbed
	Recipients []LinkedAccount
}

func (n Notification) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("player_id", n.PlayerID),
		slog.Int64("score_id", n.ScoreID),
		slog.Int("position", n.Position),
		slog.Float64("pp", n.PP),
		slog.Int("recipients", len(n.Recipients)),
	)
}

// DispatchResult is the outcome of delivering a notification
type DispatchResult struct {
	Delivered []string
	Failed    map[string]error
}

// Dispatcher sends notifications to every channel configured for the
// recipients' guilds. Each channel is attempted independently, once.
type Dispatcher struct {
	store  RecordStore
	sink   NotificationSink
	paused func() bool
	logger *slog.Logger
}

func NewDispatcher(
	store RecordStore,
	sink NotificationSink,
	paused func() bool,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if paused == nil {
		paused = func() bool { return false }
	}
	return &Dispatcher{
		store:  store,
		sink:   sink,
		paused: paused,
		logger: logger.With(loggerNameKey, "dispatcher"),
	}
}

// channels returns the distinct channels configured for the
// recipients' guilds
func (d *Dispatcher) channels(ctx context.Context, recipients []LinkedAccount) ([]string, error) {
	var guildIDs []string
	for _, r := range recipients {
		if r.GuildID != "" && !slices.Contains(guildIDs, r.GuildID) {
			guildIDs = append(guildIDs, r.GuildID)
		}
	}
	if len(guildIDs) == 0 {
		return nil, nil
	}
	configured, err := d.store.ListGuildChannels(ctx, guildIDs...)
	if err != nil {
		return nil, fmt.Errorf("error listing notification channels: %w", err)
	}
	channelIDs := make([]string, 0, len(configured))
	for _, c := range configured {
		if !slices.Contains(channelIDs, c.ChannelID) {
			channelIDs = append(channelIDs, c.ChannelID)
		}
	}
	return channelIDs, nil
}

// Dispatch delivers the notification to each channel. A failed channel
// is logged and recorded, and doesn't stop delivery to the others.
// The returned error joins every per-channel failure.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (DispatchResult, error) {
	logger := contextLoggerOr(ctx, d.logger).With("notification", n)
	result := DispatchResult{Failed: map[string]error{}}

	if d.paused() {
		logger.InfoContext(ctx, "notifications paused, not dispatching")
		return result, ErrDispatchPaused
	}

	channelIDs, err := d.channels(ctx, n.Recipients)
	if err != nil {
		return result, err
	}
	if len(channelIDs) == 0 {
		logger.InfoContext(ctx, "no channels configured for recipients")
		return result, nil
	}

	audit := make([]ScoreNotification, 0, len(channelIDs))
	var errs []error
	for _, channelID := range channelIDs {
		record := ScoreNotification{
			OsuUserID: n.PlayerID,
			ScoreID:   n.ScoreID,
			ChannelID: channelID,
			Position:  n.Position,
			PP:        n.PP,
		}
		if sendErr := d.sink.SendEmbed(ctx, channelID, n.Embed); sendErr != nil {
			logger.ErrorContext(
				ctx,
				"error sending notification",
				"channel_id", channelID,
				tint.Err(sendErr),
			)
			result.Failed[channelID] = sendErr
			record.Error = sendErr.Error()
			errs = append(
				errs,
				fmt.Errorf("channel %s: %w", channelID, sendErr),
			)
		} else {
			logger.InfoContext(ctx, "sent notification", "channel_id", channelID)
			result.Delivered = append(result.Delivered, channelID)
		}
		audit = append(audit, record)
	}

	if n.ScoreID != 0 {
		if auditErr := d.store.CreateScoreNotifications(ctx, audit); auditErr != nil {
			logger.ErrorContext(ctx, "error recording notifications", tint.Err(auditErr))
		}
	}
	return result, errors.Join(errs...)
}
