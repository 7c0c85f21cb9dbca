package osubot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestScoreEmbed(t *testing.T) {
	endedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	score := testScore(7, 727.5, endedAt)
	player := OsuUserSnapshot{
		OsuUserID:   42,
		Mode:        ModeStandard,
		Username:    "cookiezi",
		CountryCode: "KR",
		PP:          12010,
		GlobalRank:  10,
		CountryRank: 2,
	}
	previous := player
	previous.PP = 12000
	previous.GlobalRank = 11

	embed := scoreEmbed(
		scoreEmbedData{
			Score:       score,
			Beatmap:     Beatmap{ID: 11, Version: "Evolution", ApproachRate: 9.7, BPM: 220},
			Beatmapset:  Beatmapset{ID: 1, Artist: "Camellia", Title: "Exit This Earth's Atomosphere"},
			Player:      player,
			Previous:    &previous,
			Position:    1,
			Performance: Performance{Total: 727.5, IfFC: 800},
			Attributes:  DifficultyAttributes{StarRating: 8.51, MaxCombo: 2500},
		},
	)

	assert.Equal(t, "Camellia - Exit This Earth's Atomosphere [Evolution] +HDHR [8.51★]", embed.Title)
	assert.Equal(t, "https://osu.ppy.sh/b/11", embed.URL)
	assert.Equal(t, "2024-03-01T12:00:00Z", embed.Timestamp)
	assert.Contains(t, embed.Description, "**Personal best #1**")
	assert.Contains(t, embed.Description, "**727.50pp** ▸ 97.12% ▸ A")
	assert.Contains(t, embed.Description, "800.00pp if FC")
	assert.Contains(t, embed.Description, "x2000/2500 ▸ [1250/40/5/6]")
	assert.Equal(t, "cookiezi: 12010.00pp (#10 KR2)", embed.Author.Name)
	assert.Equal(t, "https://osu.ppy.sh/users/42/osu", embed.Author.URL)

	require.Len(t, embed.Fields, 2)
	assert.Contains(t, embed.Fields[0].Value, "AR 9.7")
	assert.Equal(t, "12000.00pp → 12010.00pp (+10.00) ▸ #11 → #10", embed.Fields[1].Value)

	// no profile field or FC line when nothing changed
	embed = scoreEmbed(
		scoreEmbedData{
			Score:       score,
			Player:      player,
			Previous:    &player,
			Position:    3,
			Performance: Performance{Total: 727.5, IfFC: 727.5},
		},
	)
	assert.Len(t, embed.Fields, 1)
	assert.NotContains(t, embed.Description, "if FC")
}

func TestJudgementCounts(t *testing.T) {
	stats := ScoreStatistics{
		Great:        1,
		Ok:           2,
		Meh:          3,
		Miss:         4,
		Perfect:      5,
		Good:         6,
		LargeTickHit: 7,
		SmallTickHit: 8,
	}
	testCases := []struct {
		mode     Mode
		expected string
	}{
		{ModeStandard, "[1/2/3/4]"},
		{ModeTaiko, "[1/2/4]"},
		{ModeCatch, "[1/7/8/4]"},
		{ModeMania, "[5/1/6/2/3/4]"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.mode.String(), func(t *testing.T) {
				assert.Equal(t, tc.expected, judgementCounts(Score{Mode: tc.mode, Statistics: stats}))
			},
		)
	}
}

func TestEventDescription(t *testing.T) {
	user := &EventObject{Username: "cookiezi", URL: "/u/42"}
	set := &EventObject{Title: "Camellia - Exit This Earth's Atomosphere", URL: "/s/1"}
	testCases := []struct {
		name     string
		event    Event
		expected string
		ok       bool
	}{
		{
			name:     "rank",
			event:    rankEvent(1, 50, time.Time{}),
			expected: "[cookiezi](https://osu.ppy.sh/u/42) achieved rank #50 (S) on [Camellia - Exit This Earth's Atomosphere [Evolution]](https://osu.ppy.sh/b/11)",
			ok:       true,
		},
		{
			name:  "rank below top 50",
			event: rankEvent(1, 51, time.Time{}),
		},
		{
			name:  "rank without beatmap",
			event: Event{Type: "rank", Rank: 1, User: user},
		},
		{
			name:     "achievement",
			event:    Event{Type: "achievement", User: user, Achievement: &EventAchievement{Name: "Jackpot"}},
			expected: "[cookiezi](https://osu.ppy.sh/u/42) unlocked **Jackpot**",
			ok:       true,
		},
		{
			name:     "beatmapset approved",
			event:    Event{Type: "beatmapsetApprove", User: user, Beatmapset: set, Approval: "ranked"},
			expected: "[Camellia - Exit This Earth's Atomosphere](https://osu.ppy.sh/s/1) by [cookiezi](https://osu.ppy.sh/u/42) has been ranked",
			ok:       true,
		},
		{
			name:     "beatmapset upload",
			event:    Event{Type: "beatmapsetUpload", User: user, Beatmapset: set},
			expected: "[cookiezi](https://osu.ppy.sh/u/42) submitted [Camellia - Exit This Earth's Atomosphere](https://osu.ppy.sh/s/1)",
			ok:       true,
		},
		{
			name:  "unknown",
			event: Event{Type: "usernameChange", User: user},
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				description, ok := eventDescription(tc.event)
				assert.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.expected, description)
			},
		)
	}
}

func TestEventEmbed(t *testing.T) {
	at := time.Date(2024, 3, 1, 15, 30, 0, 0, time.FixedZone("EST", -5*3600))
	embed := eventEmbed(
		OsuUserSnapshot{OsuUserID: 42, Mode: ModeTaiko, Username: "cookiezi"},
		"did a thing",
		at,
	)
	assert.Equal(t, "did a thing", embed.Description)
	assert.Equal(t, "2024-03-01T20:30:00Z", embed.Timestamp)
	assert.Equal(t, "https://osu.ppy.sh/users/42/taiko", embed.Author.URL)
}
