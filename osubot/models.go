//nolint:lll // struct tags can't be split
package osubot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidRankStatus = errors.New("invalid rank status")
	ErrInvalidMode       = errors.New("invalid game mode")
	ErrInvalidMods       = errors.New("invalid mods")
)

var (
	columnBeatmapsetID       = "beatmapset_id"
	columnTimeCached         = "time_cached"
	columnOsuUserID          = "osu_user_id"
	columnGuildID            = "guild_id"
	columnCursorLastPP       = "last_pp"
	columnCursorLastEvent    = "last_event"
	columnLinkedAccountMinPP = "min_pp"
)

// ModelUnixTime is an embeddable model with creation/update timestamps,
// stored as unix milliseconds. Nothing in this schema is soft-deleted.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// RankStatus is the ranking lifecycle stage of a beatmapset, using the
// integer values of the osu! API.
type RankStatus int

const (
	RankStatusGraveyard RankStatus = -2
	RankStatusWIP       RankStatus = -1
	RankStatusPending   RankStatus = 0
	RankStatusRanked    RankStatus = 1
	RankStatusApproved  RankStatus = 2
	RankStatusQualified RankStatus = 3
	RankStatusLoved     RankStatus = 4
)

var rankStatusNames = map[RankStatus]string{
	RankStatusGraveyard: "graveyard",
	RankStatusWIP:       "wip",
	RankStatusPending:   "pending",
	RankStatusRanked:    "ranked",
	RankStatusApproved:  "approved",
	RankStatusQualified: "qualified",
	RankStatusLoved:     "loved",
}

func (s RankStatus) String() string {
	if name, ok := rankStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RankStatus(%d)", int(s))
}

func (s RankStatus) Valid() bool {
	_, ok := rankStatusNames[s]
	return ok
}

// ParseRankStatus parses a rank status from its API name
// (ex: "ranked") or its integer form (ex: "1").
func ParseRankStatus(v string) (RankStatus, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for status, name := range rankStatusNames {
		if name == v {
			return status, nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil {
		if s := RankStatus(n); s.Valid() {
			return s, nil
		}
	}
	return RankStatusPending, fmt.Errorf("%w: %q", ErrInvalidRankStatus, v)
}

func (s RankStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts both the string ("loved") and integer (4)
// representations used by different osu! API versions.
func (s *RankStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, parseErr := ParseRankStatus(name)
		if parseErr != nil {
			return parseErr
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRankStatus, string(data))
	}
	if !RankStatus(n).Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRankStatus, n)
	}
	*s = RankStatus(n)
	return nil
}

// Mode is an osu! game mode (ruleset). The integer values match the
// API's ruleset_id.
type Mode int

const (
	ModeStandard Mode = iota
	ModeTaiko
	ModeCatch
	ModeMania
)

var modeNames = [...]string{
	ModeStandard: "osu",
	ModeTaiko:    "taiko",
	ModeCatch:    "fruits",
	ModeMania:    "mania",
}

var modeAliases = map[string]Mode{
	"osu":      ModeStandard,
	"standard": ModeStandard,
	"std":      ModeStandard,
	"0":        ModeStandard,
	"taiko":    ModeTaiko,
	"1":        ModeTaiko,
	"fruits":   ModeCatch,
	"catch":    ModeCatch,
	"ctb":      ModeCatch,
	"2":        ModeCatch,
	"mania":    ModeMania,
	"3":        ModeMania,
}

// Modes lists every game mode, in ruleset order
var Modes = []Mode{ModeStandard, ModeTaiko, ModeCatch, ModeMania}

// String returns the API name of the mode
func (m Mode) String() string {
	if m.Valid() {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// DisplayName returns a human-readable name, used in notifications
func (m Mode) DisplayName() string {
	switch m {
	case ModeStandard:
		return "osu!"
	case ModeTaiko:
		return "osu!taiko"
	case ModeCatch:
		return "osu!catch"
	case ModeMania:
		return "osu!mania"
	default:
		return m.String()
	}
}

func (m Mode) Valid() bool {
	return m >= ModeStandard && m <= ModeMania
}

func ParseMode(v string) (Mode, error) {
	if m, ok := modeAliases[strings.ToLower(strings.TrimSpace(v))]; ok {
		return m, nil
	}
	return ModeStandard, fmt.Errorf("%w: %q", ErrInvalidMode, v)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, parseErr := ParseMode(name)
		if parseErr != nil {
			return parseErr
		}
		*m = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil || !Mode(n).Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidMode, string(data))
	}
	*m = Mode(n)
	return nil
}

// Mods is a legacy osu! mod bitmask.
type Mods uint32

const (
	ModNoFail      Mods = 1 << 0
	ModEasy        Mods = 1 << 1
	ModTouchDevice Mods = 1 << 2
	ModHidden      Mods = 1 << 3
	ModHardRock    Mods = 1 << 4
	ModSuddenDeath Mods = 1 << 5
	ModDoubleTime  Mods = 1 << 6
	ModRelax       Mods = 1 << 7
	ModHalfTime    Mods = 1 << 8
	ModNightcore   Mods = 1 << 9
	ModFlashlight  Mods = 1 << 10
	ModAutoplay    Mods = 1 << 11
	ModSpunOut     Mods = 1 << 12
	ModAutopilot   Mods = 1 << 13
	ModPerfect     Mods = 1 << 14
	ModKey4        Mods = 1 << 15
	ModKey5        Mods = 1 << 16
	ModKey6        Mods = 1 << 17
	ModKey7        Mods = 1 << 18
	ModKey8        Mods = 1 << 19
	ModFadeIn      Mods = 1 << 20
	ModRandom      Mods = 1 << 21
	ModCinema      Mods = 1 << 22
	ModTarget      Mods = 1 << 23
	ModKey9        Mods = 1 << 24
	ModKeyCoop     Mods = 1 << 25
	ModKey1        Mods = 1 << 26
	ModKey3        Mods = 1 << 27
	ModKey2        Mods = 1 << 28
	ModScoreV2     Mods = 1 << 29
	ModMirror      Mods = 1 << 30
)

// modAcronyms is ordered the way the osu! client displays mods
var modAcronyms = []struct {
	mod     Mods
	acronym string
}{
	{ModNoFail, "NF"},
	{ModEasy, "EZ"},
	{ModTouchDevice, "TD"},
	{ModHidden, "HD"},
	{ModFadeIn, "FI"},
	{ModHardRock, "HR"},
	{ModSuddenDeath, "SD"},
	{ModPerfect, "PF"},
	{ModDoubleTime, "DT"},
	{ModNightcore, "NC"},
	{ModHalfTime, "HT"},
	{ModFlashlight, "FL"},
	{ModRelax, "RX"},
	{ModAutopilot, "AP"},
	{ModSpunOut, "SO"},
	{ModAutoplay, "AT"},
	{ModCinema, "CN"},
	{ModTarget, "TP"},
	{ModRandom, "RD"},
	{ModMirror, "MR"},
	{ModKeyCoop, "DS"},
	{ModKey1, "1K"},
	{ModKey2, "2K"},
	{ModKey3, "3K"},
	{ModKey4, "4K"},
	{ModKey5, "5K"},
	{ModKey6, "6K"},
	{ModKey7, "7K"},
	{ModKey8, "8K"},
	{ModKey9, "9K"},
	{ModScoreV2, "SV2"},
}

// Has reports whether every mod in other is set
func (m Mods) Has(other Mods) bool {
	return m&other == other
}

// String returns the mods as concatenated acronyms (ex: "HDDT"), or
// "NM" if no mods are set. NC and PF hide the DT and SD they imply.
func (m Mods) String() string {
	if m == 0 {
		return "NM"
	}
	var b strings.Builder
	for _, ma := range modAcronyms {
		if !m.Has(ma.mod) {
			continue
		}
		if ma.mod == ModDoubleTime && m.Has(ModNightcore) {
			continue
		}
		if ma.mod == ModSuddenDeath && m.Has(ModPerfect) {
			continue
		}
		b.WriteString(ma.acronym)
	}
	return b.String()
}

// Acronyms returns each set mod as its own acronym
func (m Mods) Acronyms() []string {
	acronyms := []string{}
	for _, ma := range modAcronyms {
		if m.Has(ma.mod) {
			acronyms = append(acronyms, ma.acronym)
		}
	}
	return acronyms
}

// ParseMods converts mod acronyms to a bitmask. Acronyms without a
// legacy bit (ex: "CL") are ignored.
func ParseMods(acronyms ...string) Mods {
	var m Mods
	for _, a := range acronyms {
		a = strings.ToUpper(strings.TrimSpace(a))
		for _, ma := range modAcronyms {
			if ma.acronym == a {
				m |= ma.mod
				break
			}
		}
	}
	if m.Has(ModNightcore) {
		m |= ModDoubleTime
	}
	if m.Has(ModPerfect) {
		m |= ModSuddenDeath
	}
	return m
}

// UnmarshalJSON accepts a bitmask (72), a list of acronyms (["HD","DT"])
// or a list of mod objects ([{"acronym":"HD"}]).
func (m *Mods) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	if len(data) > 0 && data[0] != '[' {
		var n uint32
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidMods, string(data))
		}
		*m = Mods(n)
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMods, err)
	}
	acronyms := make([]string, 0, len(raw))
	for _, r := range raw {
		var acronym string
		if err := json.Unmarshal(r, &acronym); err == nil {
			acronyms = append(acronyms, acronym)
			continue
		}
		var obj struct {
			Acronym string `json:"acronym"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidMods, string(r))
		}
		acronyms = append(acronyms, obj.Acronym)
	}
	*m = ParseMods(acronyms...)
	return nil
}

// Beatmap is a cached beatmap (single difficulty). TimeCached is
// refreshed together with every other beatmap of the same Beatmapset.
type Beatmap struct {
	ID                int64      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	BeatmapsetID      int64      `json:"beatmapset_id" gorm:"index;not null"`
	Version           string     `json:"version"`
	Mode              Mode       `json:"mode" gorm:"not null"`
	Status            RankStatus `json:"status" gorm:"not null"`
	StarRating        float64    `json:"star_rating"`
	ApproachRate      float64    `json:"ar"`
	OverallDifficulty float64    `json:"od"`
	CircleSize        float64    `json:"cs"`
	HPDrain           float64    `json:"hp"`
	BPM               float64    `json:"bpm"`
	TotalLength       int        `json:"total_length"`
	HitLength         int        `json:"hit_length"`
	CountCircles      int        `json:"count_circles"`
	CountSliders      int        `json:"count_sliders"`
	CountSpinners     int        `json:"count_spinners"`
	MaxCombo          int        `json:"max_combo"`
	Checksum          string     `json:"checksum"`
	TimeCached        int64      `json:"time_cached" gorm:"not null"`
}

// CachedAt returns TimeCached as a time.Time
func (b Beatmap) CachedAt() time.Time {
	return time.UnixMilli(b.TimeCached)
}

// ObjectCount is the total number of hit objects
func (b Beatmap) ObjectCount() int {
	return b.CountCircles + b.CountSliders + b.CountSpinners
}

func (b Beatmap) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", b.ID),
		slog.Int64(columnBeatmapsetID, b.BeatmapsetID),
		slog.String("version", b.Version),
		slog.String("status", b.Status.String()),
		slog.Time("cached_at", b.CachedAt()),
	)
}

// Beatmapset is a cached beatmapset. Beatmaps is populated when loaded
// through the RecordStore.
type Beatmapset struct {
	ID         int64      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Artist     string     `json:"artist"`
	Title      string     `json:"title"`
	Creator    string     `json:"creator"`
	CreatorID  int64      `json:"creator_id"`
	Status     RankStatus `json:"status" gorm:"not null"`
	CoverURL   string     `json:"cover_url"`
	ListURL    string     `json:"list_url"`
	TimeCached int64      `json:"time_cached" gorm:"not null"`
	Beatmaps   []Beatmap  `json:"beatmaps,omitempty" gorm:"foreignKey:BeatmapsetID;references:ID"`
}

func (s Beatmapset) CachedAt() time.Time {
	return time.UnixMilli(s.TimeCached)
}

// Beatmap returns the child beatmap with the given ID, if loaded
func (s Beatmapset) Beatmap(id int64) (Beatmap, bool) {
	for _, b := range s.Beatmaps {
		if b.ID == id {
			return b, true
		}
	}
	return Beatmap{}, false
}

func (s Beatmapset) URL() string {
	return fmt.Sprintf("https://osu.ppy.sh/beatmapsets/%d", s.ID)
}

func (s Beatmapset) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", s.ID),
		slog.String("artist", s.Artist),
		slog.String("title", s.Title),
		slog.String("status", s.Status.String()),
		slog.Int("beatmaps", len(s.Beatmaps)),
		slog.Time("cached_at", s.CachedAt()),
	)
}

// LinkedAccount links a Discord user to the osu! player they follow.
// There's exactly one row per Discord user.
type LinkedAccount struct {
	DiscordUserID string  `json:"discord_user_id" gorm:"primaryKey;type:string"`
	OsuUserID     int64   `json:"osu_user_id" gorm:"index;not null"`
	GuildID       string  `json:"guild_id" gorm:"index"`
	Mode          Mode    `json:"mode" gorm:"not null;default:0"`
	MinPP         float64 `json:"min_pp" gorm:"column:min_pp;not null;default:0"`
	ModelUnixTime
}

func (l LinkedAccount) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("discord_user_id", l.DiscordUserID),
		slog.Int64(columnOsuUserID, l.OsuUserID),
		slog.String(columnGuildID, l.GuildID),
		slog.String("mode", l.Mode.String()),
		slog.Float64(columnLinkedAccountMinPP, l.MinPP),
	)
}

// OsuUserSnapshot is the last fetched profile of a player in one mode
type OsuUserSnapshot struct {
	OsuUserID   int64   `json:"osu_user_id" gorm:"primaryKey;autoIncrement:false"`
	Mode        Mode    `json:"mode" gorm:"primaryKey;autoIncrement:false"`
	Username    string  `json:"username"`
	CountryCode string  `json:"country_code"`
	AvatarURL   string  `json:"avatar_url"`
	PP          float64 `json:"pp"`
	GlobalRank  int     `json:"global_rank"`
	CountryRank int     `json:"country_rank"`
	Accuracy    float64 `json:"accuracy"`
	PlayCount   int     `json:"play_count"`
	TimeCached  int64   `json:"time_cached" gorm:"not null"`
}

func (u OsuUserSnapshot) URL() string {
	return fmt.Sprintf("https://osu.ppy.sh/users/%d/%s", u.OsuUserID, u.Mode)
}

// NotificationCursor holds per-player watermarks (unix ms) of the most
// recently announced score and profile event. Both only move forward.
type NotificationCursor struct {
	OsuUserID int64 `json:"osu_user_id" gorm:"primaryKey;autoIncrement:false"`
	LastPP    int64 `json:"last_pp" gorm:"column:last_pp;not null;default:0"`
	LastEvent int64 `json:"last_event" gorm:"column:last_event;not null;default:0"`
}

func (c NotificationCursor) LastPPTime() time.Time {
	return time.UnixMilli(c.LastPP)
}

func (c NotificationCursor) LastEventTime() time.Time {
	return time.UnixMilli(c.LastEvent)
}

// GuildNotificationChannel is a channel configured to receive score
// notifications for accounts whose home guild is GuildID.
type GuildNotificationChannel struct {
	GuildID   string `json:"guild_id" gorm:"primaryKey;type:string"`
	ChannelID string `json:"channel_id" gorm:"primaryKey;type:string"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli"`
}

// ScoreNotification logs each delivery attempt of a notification to a
// single channel.
type ScoreNotification struct {
	ModelUintID
	ModelUnixTime
	OsuUserID int64   `json:"osu_user_id" gorm:"index"`
	ScoreID   int64   `json:"score_id" gorm:"index"`
	ChannelID string  `json:"channel_id"`
	Position  int     `json:"position"`
	PP        float64 `json:"pp"`
	Error     string  `json:"error"`
}
