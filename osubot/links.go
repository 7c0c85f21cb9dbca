package osubot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotLinked        = errors.New("account is not linked")
	ErrOsuUserNotFound  = errors.New("osu! user not found")
	ErrInvalidThreshold = errors.New("minimum pp must be between 0 and 100000")
)

// LinkRequest links a Discord user to an osu! player
//
//nolint:lll // struct tags can't be split
type LinkRequest struct {
	DiscordUserID string `json:"discord_user_id" binding:"required,numeric"`
	GuildID       string `json:"guild_id" binding:"omitempty,numeric"`

	// User is an osu! username or user ID
	User string `json:"user" binding:"required,max=32"`

	Mode Mode `json:"mode"`

	// MinPP is the minimum pp for a score to be announced. If nil, the
	// previous threshold is kept when relinking the same player.
	MinPP *float64 `json:"min_pp,omitempty" binding:"omitnil,gte=0,lte=100000"`
}

// AccountLinker manages linked accounts, keeping TrackedUsers and any
// other instances in sync with the database
type AccountLinker struct {
	store    RecordStore
	client   OsuClient
	registry *TrackedUsers
	notifier DBNotifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewAccountLinker(
	store RecordStore,
	client OsuClient,
	registry *TrackedUsers,
	notifier DBNotifier,
	logger *slog.Logger,
) *AccountLinker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountLinker{
		store:    store,
		client:   client,
		registry: registry,
		notifier: notifier,
		logger:   logger.With(loggerNameKey, "account_linker"),
		now:      time.Now,
	}
}

// Link looks up the osu! player, then creates or replaces the Discord
// user's link. The player's notification cursor is created if needed,
// so scores set before linking aren't announced.
func (l *AccountLinker) Link(
	ctx context.Context,
	req LinkRequest,
) (*LinkedAccount, *OsuUserSnapshot, error) {
	if err := structValidator.Struct(req); err != nil {
		return nil, nil, err
	}
	if !req.Mode.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidMode, req.Mode)
	}
	logger := contextLoggerOr(ctx, l.logger).With("request", req)

	user, err := l.client.GetUser(ctx, req.User, req.Mode)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrOsuUserNotFound, req.User)
		}
		return nil, nil, fmt.Errorf("error looking up osu! user: %w", err)
	}

	previous, err := l.store.GetLink(ctx, req.DiscordUserID)
	if err != nil && !isNotFound(err) {
		return nil, nil, err
	}

	link := &LinkedAccount{
		DiscordUserID: req.DiscordUserID,
		OsuUserID:     user.ID,
		GuildID:       req.GuildID,
		Mode:          req.Mode,
	}
	switch {
	case req.MinPP != nil:
		link.MinPP = *req.MinPP
	case previous != nil && previous.OsuUserID == user.ID:
		link.MinPP = previous.MinPP
	}

	now := l.now()
	if err = l.store.UpsertLink(ctx, link); err != nil {
		return nil, nil, fmt.Errorf("error saving link: %w", err)
	}
	snapshot := user.snapshot(req.Mode, now)
	if err = l.store.UpsertUserSnapshot(ctx, &snapshot); err != nil {
		return nil, nil, fmt.Errorf("error saving user snapshot: %w", err)
	}
	if _, err = l.store.GetOrCreateCursor(ctx, user.ID, now); err != nil {
		return nil, nil, fmt.Errorf("error creating cursor: %w", err)
	}

	if previous != nil && previous.OsuUserID != user.ID {
		l.registry.Remove(previous.DiscordUserID, previous.OsuUserID)
		l.notifier.LinkChanged(
			ctx, LinkChange{
				DiscordUserID: previous.DiscordUserID,
				OsuUserID:     previous.OsuUserID,
			},
		)
	}
	l.registry.Add(link.DiscordUserID, link.OsuUserID)
	l.notifier.LinkChanged(
		ctx, LinkChange{
			DiscordUserID: link.DiscordUserID,
			OsuUserID:     link.OsuUserID,
			Linked:        true,
		},
	)
	logger.InfoContext(ctx, "linked account", "link", link, "previous", previous)
	return link, &snapshot, nil
}

// Unlink removes the Discord user's link, returning ErrNotLinked if
// there isn't one
func (l *AccountLinker) Unlink(ctx context.Context, discordUserID string) (*LinkedAccount, error) {
	link, err := l.store.DeleteLink(ctx, discordUserID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotLinked
		}
		return nil, fmt.Errorf("error deleting link: %w", err)
	}
	l.registry.Remove(link.DiscordUserID, link.OsuUserID)
	l.notifier.LinkChanged(
		ctx, LinkChange{
			DiscordUserID: link.DiscordUserID,
			OsuUserID:     link.OsuUserID,
		},
	)
	contextLoggerOr(ctx, l.logger).InfoContext(ctx, "unlinked account", "link", link)
	return link, nil
}

// SetMinPP updates the Discord user's notification threshold
func (l *AccountLinker) SetMinPP(ctx context.Context, discordUserID string, minPP float64) error {
	if minPP < 0 || minPP > 100000 {
		return ErrInvalidThreshold
	}
	updated, err := l.store.SetLinkMinPP(ctx, discordUserID, minPP)
	if err != nil {
		return fmt.Errorf("error updating minimum pp: %w", err)
	}
	if !updated {
		return ErrNotLinked
	}
	return nil
}

// ApplyChange applies a link change announced by another instance
func (l *AccountLinker) ApplyChange(ctx context.Context, change LinkChange) {
	if change.Linked {
		l.registry.Add(change.DiscordUserID, change.OsuUserID)
	} else {
		l.registry.Remove(change.DiscordUserID, change.OsuUserID)
	}
	l.logger.DebugContext(
		ctx,
		"applied link change",
		"change", change,
		"tracked_players", l.registry.Len(),
	)
}
