package osubot

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/singleflight"
	"log/slog"
	"strconv"
	"time"
)

// BeatmapCache is a read-through cache of beatmaps and beatmapsets.
// Records are fetched from the osu! API on a miss, and refetched when
// IsValid reports them stale. A beatmapset and its beatmaps are always
// refreshed together, so every record in a set shares one cache time.
//
// Upstream errors are returned to the caller as-is, without retrying.
// A stale record is re-checked on the next read.
type BeatmapCache struct {
	store  RecordStore
	client OsuClient
	logger *slog.Logger
	now    func() time.Time

	// group collapses concurrent refreshes of the same beatmapset
	group singleflight.Group
}

func NewBeatmapCache(store RecordStore, client OsuClient, logger *slog.Logger) *BeatmapCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &BeatmapCache{
		store:  store,
		client: client,
		logger: logger.With(loggerNameKey, "beatmap_cache"),
		now:    time.Now,
	}
}

// GetBeatmap returns the beatmap with the given ID, fetching its
// beatmapset from the osu! API if the beatmap isn't cached or is stale.
func (c *BeatmapCache) GetBeatmap(ctx context.Context, id int64) (*Beatmap, error) {
	logger := contextLoggerOr(ctx, c.logger).With("beatmap_id", id)

	cached, err := c.store.GetBeatmap(ctx, id)
	switch {
	case err == nil:
		if IsValid(cached.Status, cached.CachedAt(), c.now()) {
			logger.DebugContext(ctx, "beatmap cache hit")
			return cached, nil
		}
		logger.InfoContext(
			ctx,
			"cached beatmap is stale",
			"status", cached.Status,
			"cached_at", cached.CachedAt(),
		)
		set, refreshErr := c.refreshBeatmapset(ctx, cached.BeatmapsetID)
		if refreshErr != nil {
			return nil, refreshErr
		}
		return beatmapFromSet(set, id)
	case errors.Is(err, ErrNotFound):
		logger.DebugContext(ctx, "beatmap cache miss")
	default:
		return nil, fmt.Errorf("error reading cached beatmap %d: %w", id, err)
	}

	// The beatmapset ID is only known from upstream on a miss
	apiBeatmap, err := c.client.GetBeatmap(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error fetching beatmap %d: %w", id, err)
	}
	set, err := c.refreshBeatmapset(ctx, apiBeatmap.BeatmapsetID)
	if err != nil {
		return nil, err
	}
	return beatmapFromSet(set, id)
}

// GetBeatmapset returns the beatmapset with the given ID, with its
// beatmaps, fetching it from the osu! API if it isn't cached or is stale.
func (c *BeatmapCache) GetBeatmapset(ctx context.Context, id int64) (*Beatmapset, error) {
	logger := contextLoggerOr(ctx, c.logger).With("beatmapset_id", id)

	cached, err := c.store.GetBeatmapset(ctx, id)
	switch {
	case err == nil:
		if IsValid(cached.Status, cached.CachedAt(), c.now()) {
			logger.DebugContext(ctx, "beatmapset cache hit")
			return cached, nil
		}
		logger.InfoContext(
			ctx,
			"cached beatmapset is stale",
			"status", cached.Status,
			"cached_at", cached.CachedAt(),
		)
	case errors.Is(err, ErrNotFound):
		logger.DebugContext(ctx, "beatmapset cache miss")
	default:
		return nil, fmt.Errorf("error reading cached beatmapset %d: %w", id, err)
	}
	return c.refreshBeatmapset(ctx, id)
}

// refreshBeatmapset fetches the beatmapset and all of its beatmaps,
// and stores them with the same cache time. Concurrent refreshes of
// the same set share one upstream request, which outlives a cancelled
// caller and is bounded by dbOperationTimeout.
func (c *BeatmapCache) refreshBeatmapset(ctx context.Context, id int64) (*Beatmapset, error) {
	key := strconv.FormatInt(id, 10)
	ch := c.group.DoChan(
		key, func() (any, error) {
			fetchCtx, cancel := context.WithTimeout(
				context.WithoutCancel(ctx),
				dbOperationTimeout,
			)
			defer cancel()

			apiSet, err := c.client.GetBeatmapset(fetchCtx, id)
			if err != nil {
				return nil, fmt.Errorf("error fetching beatmapset %d: %w", id, err)
			}
			set, beatmaps := apiSet.model(c.now())
			if err = c.store.UpsertBeatmapset(fetchCtx, &set, beatmaps); err != nil {
				return nil, fmt.Errorf("error caching beatmapset %d: %w", id, err)
			}
			contextLoggerOr(ctx, c.logger).InfoContext(
				fetchCtx,
				"cached beatmapset",
				"beatmapset", set,
				"beatmaps", len(beatmaps),
			)
			return &set, nil
		},
	)

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	set := res.Val.(*Beatmapset)
	if res.Shared {
		copied := *set
		copied.Beatmaps = append([]Beatmap(nil), set.Beatmaps...)
		set = &copied
	}
	return set, nil
}

// beatmapFromSet returns the beatmap from a freshly fetched set. A
// beatmap missing from its own set (deleted upstream) is ErrNotFound.
func beatmapFromSet(set *Beatmapset, id int64) (*Beatmap, error) {
	b, ok := set.Beatmap(id)
	if !ok {
		return nil, fmt.Errorf(
			"beatmap %d not in beatmapset %d: %w",
			id,
			set.ID,
			ErrNotFound,
		)
	}
	return &b, nil
}
