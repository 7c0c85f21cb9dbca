package osubot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"time"
)

// ErrModeMismatch is returned when a player's best scores include a
// score from a different mode than the one requested
var ErrModeMismatch = errors.New("best scores contain a different mode")

// SkipReason describes why a score didn't result in a notification
type SkipReason string

const (
	SkipNoPP          SkipReason = "pp_not_calculated"
	SkipUntracked     SkipReason = "untracked"
	SkipNotNewer      SkipReason = "not_newer_than_cursor"
	SkipNoRecipients  SkipReason = "no_matching_accounts"
	SkipNotTopScore   SkipReason = "not_top_score"
	SkipDuplicate     SkipReason = "duplicate"
	SkipCursorAdvance SkipReason = "cursor_already_advanced"
	SkipPaused        SkipReason = "paused"
)

// ScoreOutcome is the result of evaluating a single score
type ScoreOutcome struct {
	ScoreID     int64
	PlayerID    int64
	Notified    bool
	Skip        SkipReason
	Position    int
	Recipients  []LinkedAccount
	Performance Performance
	Dispatch    DispatchResult
}

func (o ScoreOutcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("score_id", o.ScoreID),
		slog.Int64("player_id", o.PlayerID),
		slog.Bool("notified", o.Notified),
	}
	if o.Skip != "" {
		attrs = append(attrs, slog.String("skip", string(o.Skip)))
	}
	if o.Position > 0 {
		attrs = append(attrs, slog.Int("position", o.Position))
	}
	if len(o.Recipients) > 0 {
		attrs = append(attrs, slog.Int("recipients", len(o.Recipients)))
	}
	return slog.GroupValue(attrs...)
}

// ScoreTracker decides whether a submitted score should be announced,
// and hands qualifying scores to the Dispatcher. A score is announced
// when its player is tracked, it's newer than the player's cursor, it
// meets a tracking account's mode and minimum pp, and it enters the
// player's top scores.
type ScoreTracker struct {
	registry   *TrackedUsers
	store      RecordStore
	client     OsuClient
	cache      *BeatmapCache
	dispatcher *Dispatcher
	recent     *RecentScores
	config     *TrackerConfig
	retry      RetryPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewScoreTracker(
	config *TrackerConfig,
	registry *TrackedUsers,
	store RecordStore,
	client OsuClient,
	cache *BeatmapCache,
	dispatcher *Dispatcher,
	logger *slog.Logger,
) *ScoreTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoreTracker{
		registry:   registry,
		store:      store,
		client:     client,
		cache:      cache,
		dispatcher: dispatcher,
		recent:     NewRecentScores(config.RecentScoreSize),
		config:     config,
		retry:      NoRetry{},
		logger:     logger.With(loggerNameKey, "score_tracker"),
		now:        time.Now,
	}
}

// HandleScore evaluates a score from the feed, announcing it if it
// qualifies. Scores that don't qualify return a ScoreOutcome with Skip
// set and a nil error. An error means processing was abandoned; the
// player's cursor isn't advanced in that case.
func (t *ScoreTracker) HandleScore(ctx context.Context, score Score) (ScoreOutcome, error) {
	outcome := ScoreOutcome{ScoreID: score.ID, PlayerID: score.UserID}
	logger := contextLoggerOr(ctx, t.logger).With("score", score)
	ctx = WithLogger(ctx, logger)

	if score.PP == nil {
		outcome.Skip = SkipNoPP
		return outcome, nil
	}

	trackers, ok := t.registry.Lookup(score.UserID)
	if !ok || len(trackers) == 0 {
		outcome.Skip = SkipUntracked
		return outcome, nil
	}
	logger.DebugContext(ctx, "evaluating score", "trackers", trackers)

	cursor, err := t.store.GetOrCreateCursor(ctx, score.UserID, t.now())
	if err != nil {
		return outcome, fmt.Errorf("error getting cursor: %w", err)
	}
	if score.EndedAt.UnixMilli() <= cursor.LastPP {
		logger.DebugContext(
			ctx,
			"score is not newer than cursor",
			"cursor", cursor.LastPPTime(),
		)
		outcome.Skip = SkipNotNewer
		return outcome, nil
	}

	recipients, snapshot, err := t.recipients(ctx, score, trackers)
	if err != nil {
		return outcome, err
	}
	if len(recipients) == 0 {
		outcome.Skip = SkipNoRecipients
		return outcome, nil
	}
	outcome.Recipients = recipients

	best, err := retryValue(
		ctx, t.retry, func(ctx context.Context) ([]Score, error) {
			return t.client.GetUserBestScores(
				ctx,
				score.UserID,
				score.Mode,
				t.config.TopScoreLimit,
			)
		},
	)
	if err != nil {
		return outcome, fmt.Errorf("error fetching best scores: %w", err)
	}
	position, qualifies, err := rankScore(score, best, t.config.TopScoreLimit)
	if err != nil {
		return outcome, err
	}
	if !qualifies {
		logger.DebugContext(ctx, "score is not a top score")
		outcome.Skip = SkipNotTopScore
		return outcome, nil
	}
	outcome.Position = position

	if !t.recent.ShouldNotify(score.UserID, score.ID) {
		outcome.Skip = SkipDuplicate
		return outcome, nil
	}

	notification, perf, err := t.prepare(ctx, score, snapshot, position, recipients)
	if err != nil {
		t.recent.Forget(score.UserID, score.ID)
		return outcome, err
	}
	outcome.Performance = perf

	advanced, err := t.store.AdvanceCursor(ctx, score.UserID, score.EndedAt)
	if err != nil {
		t.recent.Forget(score.UserID, score.ID)
		return outcome, fmt.Errorf("error advancing cursor: %w", err)
	}
	if !advanced {
		outcome.Skip = SkipCursorAdvance
		return outcome, nil
	}

	result, err := t.dispatcher.Dispatch(ctx, notification)
	outcome.Dispatch = result
	switch {
	case errors.Is(err, ErrDispatchPaused):
		outcome.Skip = SkipPaused
		return outcome, nil
	case err != nil && len(result.Delivered) == 0 && len(result.Failed) == 0:
		return outcome, fmt.Errorf("error dispatching notification: %w", err)
	case err != nil:
		logger.WarnContext(
			ctx,
			"notification partially delivered",
			"delivered", len(result.Delivered),
			"failed", len(result.Failed),
			tint.Err(err),
		)
	}
	outcome.Notified = true
	logger.InfoContext(ctx, "score notified", "outcome", outcome)
	return outcome, nil
}

// recipients returns the accounts tracking the score's player which
// should be notified, along with the player's cached profile. Accounts
// following a different mode, or with a minimum pp above the score's,
// are skipped.
func (t *ScoreTracker) recipients(
	ctx context.Context,
	score Score,
	trackers []string,
) ([]LinkedAccount, *OsuUserSnapshot, error) {
	logger := contextLoggerOr(ctx, t.logger)

	var recipients []LinkedAccount
	var snapshot *OsuUserSnapshot
	pp := score.PPValue()

	for _, discordUserID := range trackers {
		link, err := t.store.GetLink(ctx, discordUserID)
		if err != nil {
			if isNotFound(err) {
				logger.WarnContext(
					ctx,
					"tracked account has no link",
					"discord_user_id", discordUserID,
				)
				continue
			}
			logger.ErrorContext(
				ctx,
				"error loading link",
				"discord_user_id", discordUserID,
				tint.Err(err),
			)
			continue
		}
		if link.OsuUserID != score.UserID || link.Mode != score.Mode {
			continue
		}

		if snapshot == nil {
			snapshot, err = t.snapshot(ctx, score.UserID, score.Mode)
			if err != nil {
				return nil, nil, err
			}
		}
		if pp < link.MinPP {
			logger.DebugContext(
				ctx,
				"score below account minimum pp",
				"link", link,
			)
			continue
		}
		recipients = append(recipients, *link)
	}
	return recipients, snapshot, nil
}

// snapshot returns the cached profile, fetching it if it's missing
func (t *ScoreTracker) snapshot(
	ctx context.Context,
	osuUserID int64,
	mode Mode,
) (*OsuUserSnapshot, error) {
	snapshot, err := t.store.GetUserSnapshot(ctx, osuUserID, mode)
	if err == nil {
		return snapshot, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("error loading user snapshot: %w", err)
	}
	return t.refreshSnapshot(ctx, osuUserID, mode)
}

// refreshSnapshot fetches the player's profile and caches it
func (t *ScoreTracker) refreshSnapshot(
	ctx context.Context,
	osuUserID int64,
	mode Mode,
) (*OsuUserSnapshot, error) {
	return refreshUserSnapshot(ctx, t.client, t.store, t.retry, osuUserID, mode, t.now())
}

// prepare gathers the beatmap, recalculates the score's pp, refreshes
// the player's profile and builds the notification
func (t *ScoreTracker) prepare(
	ctx context.Context,
	score Score,
	previous *OsuUserSnapshot,
	position int,
	recipients []LinkedAccount,
) (Notification, Performance, error) {
	beatmap, err := t.cache.GetBeatmap(ctx, score.BeatmapID)
	if err != nil {
		return Notification{}, Performance{}, fmt.Errorf("error getting beatmap: %w", err)
	}
	set, err := t.cache.GetBeatmapset(ctx, beatmap.BeatmapsetID)
	if err != nil {
		return Notification{}, Performance{}, fmt.Errorf("error getting beatmapset: %w", err)
	}

	attrs, err := retryValue(
		ctx, t.retry, func(ctx context.Context) (*DifficultyAttributes, error) {
			return t.client.GetBeatmapAttributes(ctx, score.BeatmapID, score.Mode, score.Mods)
		},
	)
	if err != nil {
		return Notification{}, Performance{}, fmt.Errorf("error getting attributes: %w", err)
	}
	perf, err := CalculatePerformance(score, *beatmap, *attrs)
	if err != nil {
		return Notification{}, Performance{}, err
	}

	current, err := t.refreshSnapshot(ctx, score.UserID, score.Mode)
	if err != nil {
		return Notification{}, Performance{}, err
	}

	embed := scoreEmbed(
		scoreEmbedData{
			Score:       score,
			Beatmap:     *beatmap,
			Beatmapset:  *set,
			Player:      *current,
			Previous:    previous,
			Position:    position,
			Performance: perf,
			Attributes:  *attrs,
		},
	)
	return Notification{
		PlayerID:   score.UserID,
		ScoreID:    score.ID,
		Position:   position,
		PP:         score.PPValue(),
		Embed:      embed,
		Recipients: recipients,
	}, perf, nil
}

// rankScore returns the position (1-based) the score takes among the
// player's best scores, and whether it qualifies as a top score at all.
//
// If the score is already present, its position is its index. Otherwise
// it must reach the last entry of a full list, and can't be beaten by
// another score on the same beatmap. Every entry of best must be in the
// score's mode, or ErrModeMismatch is returned.
func rankScore(score Score, best []Score, limit int) (int, bool, error) {
	pp := score.PPValue()
	for _, b := range best {
		if b.Mode != score.Mode {
			return 0, false, fmt.Errorf(
				"%w: score %d is %s, best score %d is %s",
				ErrModeMismatch,
				score.ID,
				score.Mode,
				b.ID,
				b.Mode,
			)
		}
	}

	sorted := slices.Clone(best)
	slices.SortStableFunc(
		sorted, func(a, b Score) int {
			return cmp.Compare(b.PPValue(), a.PPValue())
		},
	)

	for i, b := range sorted {
		if b.ID == score.ID {
			return i + 1, true, nil
		}
	}

	if limit > 0 && len(sorted) >= limit && pp < sorted[len(sorted)-1].PPValue() {
		return 0, false, nil
	}

	higher := 0
	for _, b := range sorted {
		if b.BeatmapID == score.BeatmapID {
			if b.PPValue() >= pp {
				return 0, false, nil
			}
			continue
		}
		if b.PPValue() > pp {
			higher++
		}
	}
	return higher + 1, true, nil
}
