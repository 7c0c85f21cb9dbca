package osubot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestUpsertBeatmapset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cachedAt := time.Now().UnixMilli()
	set := &Beatmapset{
		ID:         1,
		Artist:     "xi",
		Title:      "FREEDOM DiVE",
		Creator:    "Nakagawa-Kanon",
		Status:     RankStatusPending,
		TimeCached: cachedAt,
	}
	beatmaps := []Beatmap{
		{ID: 11, BeatmapsetID: 1, Version: "FOUR DIMENSIONS", Status: RankStatusPending, TimeCached: cachedAt},
		{ID: 10, BeatmapsetID: 1, Version: "Another", Status: RankStatusPending, TimeCached: cachedAt},
	}
	require.NoError(t, store.UpsertBeatmapset(ctx, set, beatmaps))
	assert.Len(t, set.Beatmaps, 2)

	got, err := store.GetBeatmapset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "FREEDOM DiVE", got.Title)
	require.Len(t, got.Beatmaps, 2)
	assert.Equal(t, int64(10), got.Beatmaps[0].ID)
	assert.Equal(t, int64(11), got.Beatmaps[1].ID)

	b, err := store.GetBeatmap(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, "FOUR DIMENSIONS", b.Version)

	// refreshing updates every row
	set.Status = RankStatusRanked
	set.TimeCached = cachedAt + 1000
	for i := range beatmaps {
		beatmaps[i].Status = RankStatusRanked
		beatmaps[i].TimeCached = cachedAt + 1000
	}
	require.NoError(t, store.UpsertBeatmapset(ctx, set, beatmaps))

	got, err = store.GetBeatmapset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, RankStatusRanked, got.Status)
	for _, bm := range got.Beatmaps {
		assert.Equal(t, RankStatusRanked, bm.Status)
		assert.Equal(t, cachedAt+1000, bm.TimeCached)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Beatmapsets)
	assert.Equal(t, int64(2), stats.Beatmaps)
}

func TestUpsertBeatmapsetMismatchedParent(t *testing.T) {
	store := newTestStore(t)
	err := store.UpsertBeatmapset(
		context.Background(),
		&Beatmapset{ID: 1},
		[]Beatmap{{ID: 2, BeatmapsetID: 3}},
	)
	assert.Error(t, err)

	_, err = store.GetBeatmapset(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetBeatmap(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, isNotFound(err))

	_, err = store.GetLink(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetUserSnapshot(ctx, 1, ModeTaiko)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.DeleteLink(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	link := &LinkedAccount{DiscordUserID: "alice", OsuUserID: 42, GuildID: "g1", Mode: ModeTaiko}
	require.NoError(t, store.UpsertLink(ctx, link))

	// relinking replaces the previous player
	require.NoError(
		t,
		store.UpsertLink(
			ctx,
			&LinkedAccount{DiscordUserID: "alice", OsuUserID: 43, GuildID: "g2", Mode: ModeMania},
		),
	)
	got, err := store.GetLink(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(43), got.OsuUserID)
	assert.Equal(t, "g2", got.GuildID)
	assert.Equal(t, ModeMania, got.Mode)

	require.NoError(t, store.UpsertLink(ctx, &LinkedAccount{DiscordUserID: "bob", OsuUserID: 43}))
	byUser, err := store.ListLinksByOsuUser(ctx, 43)
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	updated, err := store.SetLinkMinPP(ctx, "bob", 250.5)
	require.NoError(t, err)
	assert.True(t, updated)
	got, err = store.GetLink(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 250.5, got.MinPP)

	updated, err = store.SetLinkMinPP(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.False(t, updated)

	deleted, err := store.DeleteLink(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(43), deleted.OsuUserID)

	links, err := store.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "bob", links[0].DiscordUserID)
}

func TestUserSnapshots(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(
		t,
		store.UpsertUserSnapshot(
			ctx,
			&OsuUserSnapshot{OsuUserID: 42, Mode: ModeStandard, Username: "peppy", PP: 100},
		),
	)
	require.NoError(
		t,
		store.UpsertUserSnapshot(
			ctx,
			&OsuUserSnapshot{OsuUserID: 42, Mode: ModeTaiko, Username: "peppy", PP: 5},
		),
	)
	require.NoError(
		t,
		store.UpsertUserSnapshot(
			ctx,
			&OsuUserSnapshot{OsuUserID: 42, Mode: ModeStandard, Username: "peppy", PP: 150},
		),
	)

	std, err := store.GetUserSnapshot(ctx, 42, ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, 150.0, std.PP)

	taiko, err := store.GetUserSnapshot(ctx, 42, ModeTaiko)
	require.NoError(t, err)
	assert.Equal(t, 5.0, taiko.PP)
}

func TestNotificationCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	start := time.UnixMilli(1_700_000_000_000)
	cursor, err := store.GetOrCreateCursor(ctx, 42, start)
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), cursor.LastPP)
	assert.Equal(t, start.UnixMilli(), cursor.LastEvent)

	// an existing cursor isn't reset
	cursor, err = store.GetOrCreateCursor(ctx, 42, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), cursor.LastPP)

	advanced, err := store.AdvanceCursor(ctx, 42, start)
	require.NoError(t, err)
	assert.False(t, advanced, "cursor should not advance to the same time")

	advanced, err = store.AdvanceCursor(ctx, 42, start.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, advanced, "cursor should never move backwards")

	advanced, err = store.AdvanceCursor(ctx, 42, start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = store.AdvanceEventCursor(ctx, 42, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, advanced)

	cursor, err = store.GetOrCreateCursor(ctx, 42, start)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), cursor.LastPP)
	assert.Equal(t, start.Add(2*time.Minute).UnixMilli(), cursor.LastEvent)
}

func TestGuildChannels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	added, err := store.AddGuildChannel(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AddGuildChannel(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = store.AddGuildChannel(ctx, "g1", "c2")
	require.NoError(t, err)
	_, err = store.AddGuildChannel(ctx, "g2", "c3")
	require.NoError(t, err)

	channels, err := store.ListGuildChannels(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "c1", channels[0].ChannelID)

	all, err := store.ListGuildChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	removed, err := store.RemoveGuildChannel(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveGuildChannel(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestScoreNotifications(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateScoreNotifications(ctx, nil))
	require.NoError(
		t,
		store.CreateScoreNotifications(
			ctx, []ScoreNotification{
				{OsuUserID: 42, ScoreID: 1, ChannelID: "c1", Position: 1, PP: 500},
				{OsuUserID: 42, ScoreID: 1, ChannelID: "c2", Position: 1, PP: 500, Error: "boom"},
				{OsuUserID: 7, ScoreID: 2, ChannelID: "c1", Position: 3, PP: 200},
			},
		),
	)

	notifications, err := store.ListScoreNotifications(ctx, 42, 0)
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	assert.Equal(t, "c2", notifications[0].ChannelID, "expected newest first")
	assert.Equal(t, "boom", notifications[0].Error)

	notifications, err = store.ListScoreNotifications(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, int64(7), notifications[0].OsuUserID)
}
