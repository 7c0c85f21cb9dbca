package osubot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"slices"
	"strconv"
	"time"
)

// refreshUserSnapshot fetches a player's profile in a mode and caches it
func refreshUserSnapshot(
	ctx context.Context,
	client OsuClient,
	store RecordStore,
	retry RetryPolicy,
	osuUserID int64,
	mode Mode,
	now time.Time,
) (*OsuUserSnapshot, error) {
	user, err := retryValue(
		ctx, retry, func(ctx context.Context) (*APIUser, error) {
			return client.GetUser(ctx, strconv.FormatInt(osuUserID, 10), mode)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching user %d: %w", osuUserID, err)
	}
	snapshot := user.snapshot(mode, now)
	if err = store.UpsertUserSnapshot(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("error caching user snapshot: %w", err)
	}
	return &snapshot, nil
}

// RefreshSummary counts the results of one refresh pass
type RefreshSummary struct {
	Players   int `json:"players"`
	Snapshots int `json:"snapshots"`
	Events    int `json:"events"`
	Errors    int `json:"errors"`
}

// Refresher periodically refreshes the profiles of tracked players,
// and announces their new profile events (rank achievements, medals,
// beatmapset approvals) newer than their event cursor.
type Refresher struct {
	registry   *TrackedUsers
	store      RecordStore
	client     OsuClient
	dispatcher *Dispatcher
	config     *TrackerConfig
	retry      RetryPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewRefresher(
	config *TrackerConfig,
	registry *TrackedUsers,
	store RecordStore,
	client OsuClient,
	dispatcher *Dispatcher,
	logger *slog.Logger,
) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		registry:   registry,
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		config:     config,
		retry:      NoRetry{},
		logger:     logger.With(loggerNameKey, "refresher"),
		now:        time.Now,
	}
}

// Run refreshes on every RefreshInterval until ctx is canceled. A zero
// interval disables the refresher.
func (r *Refresher) Run(ctx context.Context) error {
	if r.config.RefreshInterval <= 0 {
		r.logger.InfoContext(ctx, "refresher disabled")
		return nil
	}
	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary := r.RefreshAll(ctx)
			r.logger.InfoContext(ctx, "refresh finished", "summary", summary)
		}
	}
}

// RefreshAll refreshes every tracked player. Failures are logged and
// counted, and don't stop the other players from being refreshed.
func (r *Refresher) RefreshAll(ctx context.Context) RefreshSummary {
	players := r.registry.Players()
	summaries := make([]RefreshSummary, len(players))

	g := errgroup.Group{}
	g.SetLimit(max(r.config.Workers, 1))
	for i, playerID := range players {
		g.Go(
			func() error {
				summaries[i] = r.refreshPlayer(ctx, playerID)
				return nil
			},
		)
	}
	_ = g.Wait()

	total := RefreshSummary{Players: len(players)}
	for _, s := range summaries {
		total.Snapshots += s.Snapshots
		total.Events += s.Events
		total.Errors += s.Errors
	}
	return total
}

func (r *Refresher) refreshPlayer(ctx context.Context, playerID int64) RefreshSummary {
	logger := r.logger.With("player_id", playerID)
	var summary RefreshSummary

	links, err := r.store.ListLinksByOsuUser(ctx, playerID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing links", tint.Err(err))
		summary.Errors++
		return summary
	}
	if len(links) == 0 {
		return summary
	}

	var modes []Mode
	for _, link := range links {
		if !slices.Contains(modes, link.Mode) {
			modes = append(modes, link.Mode)
		}
	}
	var snapshot *OsuUserSnapshot
	for _, mode := range modes {
		s, refreshErr := refreshUserSnapshot(
			ctx,
			r.client,
			r.store,
			r.retry,
			playerID,
			mode,
			r.now(),
		)
		if refreshErr != nil {
			logger.ErrorContext(
				ctx,
				"error refreshing snapshot",
				"mode", mode,
				tint.Err(refreshErr),
			)
			summary.Errors++
			continue
		}
		summary.Snapshots++
		if snapshot == nil {
			snapshot = s
		}
	}
	if snapshot == nil {
		return summary
	}

	announced, err := r.announceEvents(ctx, *snapshot, links)
	summary.Events = announced
	if err != nil {
		logger.ErrorContext(ctx, "error announcing events", tint.Err(err))
		summary.Errors++
	}
	return summary
}

// announceEvents dispatches the player's events newer than their event
// cursor, oldest first, then advances the cursor past all of them
func (r *Refresher) announceEvents(
	ctx context.Context,
	player OsuUserSnapshot,
	links []LinkedAccount,
) (int, error) {
	cursor, err := r.store.GetOrCreateCursor(ctx, player.OsuUserID, r.now())
	if err != nil {
		return 0, err
	}

	events, err := retryValue(
		ctx, r.retry, func(ctx context.Context) ([]Event, error) {
			return r.client.GetUserRecentActivity(ctx, player.OsuUserID, r.config.EventLimit)
		},
	)
	if err != nil {
		return 0, err
	}

	newEvents := slices.DeleteFunc(
		events, func(e Event) bool {
			return e.CreatedAt.UnixMilli() <= cursor.LastEvent
		},
	)
	if len(newEvents) == 0 {
		return 0, nil
	}
	contextLoggerOr(ctx, r.logger).DebugContext(
		ctx,
		"new profile events",
		"player_id", player.OsuUserID,
		"cursor", cursor.LastEventTime(),
		"events", len(newEvents),
	)
	slices.SortFunc(
		newEvents, func(a, b Event) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		},
	)

	announced := 0
	for _, e := range newEvents {
		description, ok := eventDescription(e)
		if !ok {
			continue
		}
		_, dispatchErr := r.dispatcher.Dispatch(
			ctx, Notification{
				PlayerID:   player.OsuUserID,
				Embed:      eventEmbed(player, description, e.CreatedAt),
				Recipients: links,
			},
		)
		if dispatchErr != nil {
			r.logger.WarnContext(
				ctx,
				"event not fully delivered",
				"event_id", e.ID,
				tint.Err(dispatchErr),
			)
			continue
		}
		announced++
	}

	latest := newEvents[len(newEvents)-1].CreatedAt
	if _, err = r.store.AdvanceEventCursor(ctx, player.OsuUserID, latest); err != nil {
		return announced, fmt.Errorf("error advancing event cursor: %w", err)
	}
	return announced, nil
}
