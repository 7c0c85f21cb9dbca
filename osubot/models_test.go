package osubot

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	testCases := map[string]Mode{
		"osu":      ModeStandard,
		"std":      ModeStandard,
		" Taiko ":  ModeTaiko,
		"ctb":      ModeCatch,
		"fruits":   ModeCatch,
		"3":        ModeMania,
		"MANIA":    ModeMania,
		"standard": ModeStandard,
	}
	for input, expected := range testCases {
		m, err := ParseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, m, input)
	}

	_, err := ParseMode("quaver")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestModeJSON(t *testing.T) {
	var s struct {
		Mode Mode `json:"mode"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"fruits"}`), &s))
	assert.Equal(t, ModeCatch, s.Mode)

	require.NoError(t, json.Unmarshal([]byte(`{"mode":3}`), &s))
	assert.Equal(t, ModeMania, s.Mode)

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"mode":7}`), &s), ErrInvalidMode)

	b, err := json.Marshal(ModeTaiko)
	require.NoError(t, err)
	assert.Equal(t, `"taiko"`, string(b))
	assert.Equal(t, "osu!mania", ModeMania.DisplayName())
}

func TestRankStatusJSON(t *testing.T) {
	var s RankStatus
	require.NoError(t, json.Unmarshal([]byte(`"loved"`), &s))
	assert.Equal(t, RankStatusLoved, s)

	require.NoError(t, json.Unmarshal([]byte(`-2`), &s))
	assert.Equal(t, RankStatusGraveyard, s)

	assert.ErrorIs(t, json.Unmarshal([]byte(`9`), &s), ErrInvalidRankStatus)
	assert.ErrorIs(t, json.Unmarshal([]byte(`"deleted"`), &s), ErrInvalidRankStatus)

	parsed, err := ParseRankStatus("2")
	require.NoError(t, err)
	assert.Equal(t, RankStatusApproved, parsed)
}

func TestMods(t *testing.T) {
	assert.Equal(t, "NM", Mods(0).String())
	assert.Equal(t, "HDDT", (ModHidden | ModDoubleTime).String())
	assert.Equal(t, "HDNC", ParseMods("NC", "HD").String())
	assert.True(t, ParseMods("NC").Has(ModDoubleTime))
	assert.True(t, ParseMods("PF").Has(ModSuddenDeath))
	assert.Equal(t, ModHidden, ParseMods("hd", "CL"))
	assert.Equal(t, []string{"HD", "HR"}, (ModHardRock | ModHidden).Acronyms())
	assert.Empty(t, Mods(0).Acronyms())

	testCases := []struct {
		input    string
		expected Mods
	}{
		{input: `72`, expected: ModHidden | ModDoubleTime},
		{input: `["HD","DT"]`, expected: ModHidden | ModDoubleTime},
		{input: `[{"acronym":"HR"},{"acronym":"FL","settings":{}}]`, expected: ModHardRock | ModFlashlight},
		{input: `[]`, expected: 0},
		{input: `null`, expected: 0},
	}
	for _, tc := range testCases {
		var m Mods
		require.NoError(t, json.Unmarshal([]byte(tc.input), &m), tc.input)
		assert.Equal(t, tc.expected, m, tc.input)
	}

	var m Mods
	assert.ErrorIs(t, json.Unmarshal([]byte(`"HD"`), &m), ErrInvalidMods)
}

func TestScoreDecode(t *testing.T) {
	data := `{"id":5,"user_id":42,"beatmap_id":11,"ruleset_id":2,"pp":null,` +
		`"accuracy":0.99,"ended_at":"2024-03-01T12:00:00Z","mods":8,` +
		`"statistics":{"great":500,"large_tick_hit":40,"small_tick_hit":100,"miss":1}}`
	var s Score
	require.NoError(t, json.Unmarshal([]byte(data), &s))
	assert.Equal(t, ModeCatch, s.Mode)
	assert.Nil(t, s.PP)
	assert.Equal(t, 0.0, s.PPValue())
	assert.Equal(t, ModHidden, s.Mods)
	assert.Equal(t, 40, s.Statistics.LargeTickHit)
	assert.Equal(t, "https://osu.ppy.sh/scores/5", s.URL())
}

func TestNotificationCursorTimes(t *testing.T) {
	scoreAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	eventAt := scoreAt.Add(90 * time.Minute)
	cursor := NotificationCursor{
		OsuUserID: 42,
		LastPP:    scoreAt.UnixMilli(),
		LastEvent: eventAt.UnixMilli(),
	}
	assert.True(t, scoreAt.Equal(cursor.LastPPTime()))
	assert.True(t, eventAt.Equal(cursor.LastEventTime()))
	assert.True(t, NotificationCursor{}.LastEventTime().Equal(time.UnixMilli(0)))
}
