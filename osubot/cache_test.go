package osubot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func testAPIBeatmapset(id int64, status RankStatus, beatmapIDs ...int64) *APIBeatmapset {
	set := &APIBeatmapset{
		ID:      id,
		Artist:  "xi",
		Title:   "FREEDOM DiVE",
		Creator: "Nakagawa-Kanon",
		UserID:  2,
		Status:  status,
		Covers: APIBeatmapsetCovers{
			Cover: "https://assets.ppy.sh/cover.jpg",
			List:  "https://assets.ppy.sh/list.jpg",
		},
	}
	for _, bid := range beatmapIDs {
		set.Beatmaps = append(
			set.Beatmaps, APIBeatmap{
				ID:               bid,
				Version:          "FOUR DIMENSIONS",
				Status:           status,
				DifficultyRating: 7.07,
				AR:               10,
				OD:               8,
				CS:               4,
				HP:               5,
				CountCircles:     1000,
				CountSliders:     300,
				CountSpinners:    1,
				MaxCombo:         2385,
			},
		)
	}
	return set
}

func newTestCache(t *testing.T) (*BeatmapCache, RecordStore, *mockOsuClient) {
	t.Helper()
	store := newTestStore(t)
	client := &mockOsuClient{}
	return NewBeatmapCache(store, client, testLogger(t)), store, client
}

func TestBeatmapCacheMiss(t *testing.T) {
	ctx := context.Background()
	cache, store, client := newTestCache(t)

	client.On("GetBeatmap", mock.Anything, int64(11)).
		Return(&APIBeatmap{ID: 11, BeatmapsetID: 1}, nil).
		Once()
	client.On("GetBeatmapset", mock.Anything, int64(1)).
		Return(testAPIBeatmapset(1, RankStatusRanked, 10, 11), nil).
		Once()

	b, err := cache.GetBeatmap(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(11), b.ID)
	assert.Equal(t, int64(1), b.BeatmapsetID)
	assert.Equal(t, 2385, b.MaxCombo)

	// the whole set was cached, so neither of these reach upstream
	b, err = cache.GetBeatmap(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.ID)

	set, err := cache.GetBeatmapset(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, set.Beatmaps, 2)
	assert.Equal(t, set.TimeCached, set.Beatmaps[0].TimeCached)
	assert.Equal(t, set.TimeCached, set.Beatmaps[1].TimeCached)

	cached, err := store.GetBeatmap(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, RankStatusRanked, cached.Status)

	client.AssertExpectations(t)
}

func TestBeatmapCacheStale(t *testing.T) {
	ctx := context.Background()
	cache, _, client := newTestCache(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	cache.now = func() time.Time { return now }

	client.On("GetBeatmapset", mock.Anything, int64(1)).
		Return(testAPIBeatmapset(1, RankStatusPending, 10), nil).
		Once()
	set, err := cache.GetBeatmapset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, RankStatusPending, set.Status)

	// still valid after a day
	now = start.Add(24 * time.Hour)
	_, err = cache.GetBeatmap(ctx, 10)
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "GetBeatmapset", 1)

	// stale after a week; the set got ranked in the meantime
	now = start.Add(8 * 24 * time.Hour)
	client.On("GetBeatmapset", mock.Anything, int64(1)).
		Return(testAPIBeatmapset(1, RankStatusRanked, 10), nil).
		Once()
	b, err := cache.GetBeatmap(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RankStatusRanked, b.Status)
	assert.Equal(t, now.UnixMilli(), b.TimeCached)
	client.AssertNumberOfCalls(t, "GetBeatmapset", 2)

	// ranked sets are never refetched
	now = start.Add(365 * 24 * time.Hour)
	set, err = cache.GetBeatmapset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, RankStatusRanked, set.Status)
	client.AssertNumberOfCalls(t, "GetBeatmapset", 2)
}

func TestBeatmapCacheUpstreamError(t *testing.T) {
	ctx := context.Background()
	cache, store, client := newTestCache(t)

	boom := errors.New("upstream unavailable")
	client.On("GetBeatmapset", mock.Anything, int64(1)).Return(nil, boom)
	_, err := cache.GetBeatmapset(ctx, 1)
	assert.ErrorIs(t, err, boom)

	_, err = store.GetBeatmapset(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound, "failed fetches should not be cached")

	client.On("GetBeatmap", mock.Anything, int64(5)).
		Return(nil, ErrNotFound)
	_, err = cache.GetBeatmap(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBeatmapCacheDeletedBeatmap(t *testing.T) {
	ctx := context.Background()
	cache, _, client := newTestCache(t)

	client.On("GetBeatmap", mock.Anything, int64(12)).
		Return(&APIBeatmap{ID: 12, BeatmapsetID: 1}, nil)
	client.On("GetBeatmapset", mock.Anything, int64(1)).
		Return(testAPIBeatmapset(1, RankStatusRanked, 10, 11), nil)

	_, err := cache.GetBeatmap(ctx, 12)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBeatmapCacheConcurrentRefresh(t *testing.T) {
	ctx := context.Background()
	cache, _, client := newTestCache(t)

	client.On("GetBeatmapset", mock.Anything, int64(1)).
		Return(testAPIBeatmapset(1, RankStatusRanked, 10), nil).
		After(200 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]*Beatmapset, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetBeatmapset(ctx, 1)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1), results[i].ID)
	}
	client.AssertNumberOfCalls(t, "GetBeatmapset", 1)
}

func TestBeatmapCacheRefreshOutlivesCancelledCaller(t *testing.T) {
	cache, store, client := newTestCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr error
	client.On("GetBeatmapset", mock.Anything, int64(1)).
		Run(
			func(args mock.Arguments) {
				close(started)
				<-release
				fetchErr = args.Get(0).(context.Context).Err()
			},
		).
		Return(testAPIBeatmapset(1, RankStatusRanked, 10), nil).
		Once()

	firstCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.GetBeatmapset(firstCtx, 1)
		firstDone <- err
	}()
	<-started

	type result struct {
		set *Beatmapset
		err error
	}
	secondDone := make(chan result, 1)
	go func() {
		set, err := cache.GetBeatmapset(context.Background(), 1)
		secondDone <- result{set: set, err: err}
	}()
	// let the second caller join the in-flight refresh
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller didn't return")
	}

	close(release)
	second := <-secondDone
	require.NoError(t, second.err)
	assert.Equal(t, int64(1), second.set.ID)
	assert.NoError(t, fetchErr)

	cached, err := store.GetBeatmapset(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, RankStatusRanked, cached.Status)
	client.AssertNumberOfCalls(t, "GetBeatmapset", 1)
}
