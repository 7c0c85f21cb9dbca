package osubot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

var refresherTestStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type refresherHarness struct {
	refresher *Refresher
	store     RecordStore
	client    *mockOsuClient
	sink      *fakeSink
	registry  *TrackedUsers
}

func newRefresherHarness(t *testing.T) *refresherHarness {
	t.Helper()
	ctx := context.Background()
	logger := testLogger(t)
	h := &refresherHarness{
		store:    newTestStore(t),
		client:   &mockOsuClient{},
		sink:     newFakeSink(),
		registry: NewTrackedUsers(),
	}
	cfg := *DefaultConfig().Tracker
	dispatcher := NewDispatcher(h.store, h.sink, nil, logger)
	h.refresher = NewRefresher(&cfg, h.registry, h.store, h.client, dispatcher, logger)
	h.refresher.now = func() time.Time { return refresherTestStart }

	require.NoError(
		t,
		h.store.UpsertLink(
			ctx,
			&LinkedAccount{DiscordUserID: "1001", OsuUserID: 42, GuildID: "500"},
		),
	)
	h.registry.Add("1001", 42)
	_, err := h.store.AddGuildChannel(ctx, "500", "c1")
	require.NoError(t, err)
	_, err = h.store.GetOrCreateCursor(ctx, 42, refresherTestStart)
	require.NoError(t, err)
	return h
}

func rankEvent(id int64, rank int, at time.Time) Event {
	return Event{
		ID:        id,
		Type:      "rank",
		CreatedAt: at,
		Rank:      rank,
		ScoreRank: "S",
		Beatmap:   &EventObject{Title: "Camellia - Exit This Earth's Atomosphere [Evolution]", URL: "/b/11"},
		User:      &EventObject{Username: "cookiezi", URL: "/u/42"},
	}
}

func TestRefreshAll(t *testing.T) {
	ctx := context.Background()
	h := newRefresherHarness(t)

	h.client.On("GetUser", mock.Anything, "42", ModeStandard).
		Return(&APIUser{ID: 42, Username: "cookiezi", Statistics: APIUserStatistics{PP: 12000}}, nil)
	h.client.On("GetUserRecentActivity", mock.Anything, int64(42), DefaultTrackerEventLimit).
		Return(
			[]Event{
				rankEvent(5, 3, refresherTestStart.Add(3*time.Hour)),
				rankEvent(4, 120, refresherTestStart.Add(2*time.Hour)),
				{
					ID:          3,
					Type:        "achievement",
					CreatedAt:   refresherTestStart.Add(time.Hour),
					Achievement: &EventAchievement{Name: "Jackpot"},
					User:        &EventObject{Username: "cookiezi", URL: "/u/42"},
				},
				rankEvent(2, 1, refresherTestStart.Add(-time.Hour)),
				{ID: 1, Type: "usernameChange", CreatedAt: refresherTestStart.Add(30 * time.Minute)},
			}, nil,
		)

	summary := h.refresher.RefreshAll(ctx)
	assert.Equal(t, RefreshSummary{Players: 1, Snapshots: 1, Events: 2}, summary)

	sent := h.sink.Sent("c1")
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Description, "unlocked **Jackpot**")
	assert.True(t, strings.HasPrefix(sent[1].Description, "[cookiezi](https://osu.ppy.sh/u/42) achieved rank #3"))

	snapshot, err := h.store.GetUserSnapshot(ctx, 42, ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, 12000.0, snapshot.PP)

	cursor, err := h.store.GetOrCreateCursor(ctx, 42, refresherTestStart)
	require.NoError(t, err)
	assert.Equal(t, refresherTestStart.Add(3*time.Hour).UnixMilli(), cursor.LastEvent)

	// profile events aren't score notifications
	audit, err := h.store.ListScoreNotifications(ctx, 42, 0)
	require.NoError(t, err)
	assert.Empty(t, audit)

	// nothing new on the next pass
	summary = h.refresher.RefreshAll(ctx)
	assert.Equal(t, 0, summary.Events)
	assert.Len(t, h.sink.Sent("c1"), 2)
}

func TestRefreshAllErrors(t *testing.T) {
	ctx := context.Background()
	h := newRefresherHarness(t)
	h.client.On("GetUser", mock.Anything, "42", ModeStandard).
		Return(nil, errors.New("connection reset"))

	summary := h.refresher.RefreshAll(ctx)
	assert.Equal(t, RefreshSummary{Players: 1, Errors: 1}, summary)
	h.client.AssertNotCalled(t, "GetUserRecentActivity", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, h.sink.Total())
}

func TestRefreshAllActivityError(t *testing.T) {
	ctx := context.Background()
	h := newRefresherHarness(t)
	h.client.On("GetUser", mock.Anything, "42", ModeStandard).
		Return(&APIUser{ID: 42, Username: "cookiezi"}, nil)
	h.client.On("GetUserRecentActivity", mock.Anything, int64(42), DefaultTrackerEventLimit).
		Return(nil, &APIError{StatusCode: 502})

	summary := h.refresher.RefreshAll(ctx)
	assert.Equal(t, RefreshSummary{Players: 1, Snapshots: 1, Errors: 1}, summary)
}

func TestRefresherDisabled(t *testing.T) {
	h := newRefresherHarness(t)
	h.refresher.config.RefreshInterval = 0

	done := make(chan error, 1)
	go func() {
		done <- h.refresher.Run(context.Background())
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to return when the refresher is disabled")
	}
}
