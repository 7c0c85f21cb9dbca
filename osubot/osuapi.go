package osubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// osuAPIVersion selects the lazer score format (ended_at, ruleset_id,
	// statistics keyed by judgement name)
	osuAPIVersion       = "20220705"
	osuAPIVersionHeader = "x-api-version"
	osuTokenScope       = "public"

	// tokenExpiryMargin is subtracted from the token's lifetime, so it's
	// refreshed before the API starts rejecting it
	tokenExpiryMargin = time.Minute
)

// OsuClient is the subset of the osu! API v2 used by the bot. All
// methods return ErrNotFound (wrapped) when the API responds with 404.
type OsuClient interface {
	// GetBeatmap returns a beatmap (difficulty) by ID
	GetBeatmap(ctx context.Context, id int64) (*APIBeatmap, error)

	// GetBeatmapset returns a beatmapset including all of its beatmaps
	GetBeatmapset(ctx context.Context, id int64) (*APIBeatmapset, error)

	// GetBeatmapAttributes returns difficulty attributes for a beatmap
	// played in the given mode with the given mods
	GetBeatmapAttributes(ctx context.Context, id int64, mode Mode, mods Mods) (*DifficultyAttributes, error)

	// GetUser returns a user's profile in a mode. user may be a user ID
	// or a username.
	GetUser(ctx context.Context, user string, mode Mode) (*APIUser, error)

	// GetUserBestScores returns a user's best scores in a mode, ordered
	// by pp, descending
	GetUserBestScores(ctx context.Context, userID int64, mode Mode, limit int) ([]Score, error)

	GetScore(ctx context.Context, id int64) (*Score, error)

	// GetUserRecentActivity returns a user's most recent profile events
	GetUserRecentActivity(ctx context.Context, userID int64, limit int) ([]Event, error)
}

// APIError is returned for unexpected (non-2xx, non-404) API responses
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf(
		"osu! api: %s %s returned %d: %s",
		e.Method,
		e.Path,
		e.StatusCode,
		truncate(e.Body, 200),
	)
}

// ScoreStatistics holds judgement counts. Which judgements are set
// depends on the mode.
type ScoreStatistics struct {
	Great         int `json:"great"`
	Ok            int `json:"ok"`
	Meh           int `json:"meh"`
	Miss          int `json:"miss"`
	Perfect       int `json:"perfect"`
	Good          int `json:"good"`
	LargeTickHit  int `json:"large_tick_hit"`
	LargeTickMiss int `json:"large_tick_miss"`
	SmallTickHit  int `json:"small_tick_hit"`
	SmallTickMiss int `json:"small_tick_miss"`
}

// Score is a submitted score, as delivered by the score feed and the
// API. PP is nil until the server has calculated it.
type Score struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	BeatmapID  int64           `json:"beatmap_id"`
	Mode       Mode            `json:"ruleset_id"`
	PP         *float64        `json:"pp"`
	Accuracy   float64         `json:"accuracy"`
	Statistics ScoreStatistics `json:"statistics"`
	EndedAt    time.Time       `json:"ended_at"`
	Mods       Mods            `json:"mods"`
	MaxCombo   int             `json:"max_combo"`
	Rank       string          `json:"rank"`
	TotalScore int64           `json:"total_score"`
	Passed     bool            `json:"passed"`

	Beatmap    *APIBeatmap    `json:"beatmap,omitempty"`
	Beatmapset *APIBeatmapset `json:"beatmapset,omitempty"`
}

// PPValue returns the score's pp, or 0 if it hasn't been calculated
func (s Score) PPValue() float64 {
	if s.PP == nil {
		return 0
	}
	return *s.PP
}

func (s Score) URL() string {
	return fmt.Sprintf("https://osu.ppy.sh/scores/%d", s.ID)
}

func (s Score) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("id", s.ID),
		slog.Int64("user_id", s.UserID),
		slog.Int64("beatmap_id", s.BeatmapID),
		slog.String("mode", s.Mode.String()),
		slog.String("mods", s.Mods.String()),
		slog.Time("ended_at", s.EndedAt),
	}
	if s.PP != nil {
		attrs = append(attrs, slog.Float64("pp", *s.PP))
	}
	return slog.GroupValue(attrs...)
}

// APIBeatmap is a beatmap as returned by the API
type APIBeatmap struct {
	ID                int64          `json:"id"`
	BeatmapsetID      int64          `json:"beatmapset_id"`
	Version           string         `json:"version"`
	Mode              Mode           `json:"mode"`
	Status            RankStatus     `json:"status"`
	DifficultyRating  float64        `json:"difficulty_rating"`
	AR                float64        `json:"ar"`
	OD                float64        `json:"accuracy"`
	CS                float64        `json:"cs"`
	HP                float64        `json:"drain"`
	BPM               float64        `json:"bpm"`
	TotalLength       int            `json:"total_length"`
	HitLength         int            `json:"hit_length"`
	CountCircles      int            `json:"count_circles"`
	CountSliders      int            `json:"count_sliders"`
	CountSpinners     int            `json:"count_spinners"`
	MaxCombo          int            `json:"max_combo"`
	Checksum          string         `json:"checksum"`
	Beatmapset        *APIBeatmapset `json:"beatmapset,omitempty"`
	ConvertedFromMode *Mode          `json:"-"`
}

// model converts the API beatmap to its cached form
func (b APIBeatmap) model(cachedAt time.Time) Beatmap {
	return Beatmap{
		ID:                b.ID,
		BeatmapsetID:      b.BeatmapsetID,
		Version:           b.Version,
		Mode:              b.Mode,
		Status:            b.Status,
		StarRating:        b.DifficultyRating,
		ApproachRate:      b.AR,
		OverallDifficulty: b.OD,
		CircleSize:        b.CS,
		HPDrain:           b.HP,
		BPM:               b.BPM,
		TotalLength:       b.TotalLength,
		HitLength:         b.HitLength,
		CountCircles:      b.CountCircles,
		CountSliders:      b.CountSliders,
		CountSpinners:     b.CountSpinners,
		MaxCombo:          b.MaxCombo,
		Checksum:          b.Checksum,
		TimeCached:        cachedAt.UnixMilli(),
	}
}

type APIBeatmapsetCovers struct {
	Cover string `json:"cover"`
	Card  string `json:"card"`
	List  string `json:"list"`
}

// APIBeatmapset is a beatmapset as returned by the API
type APIBeatmapset struct {
	ID       int64               `json:"id"`
	Artist   string              `json:"artist"`
	Title    string              `json:"title"`
	Creator  string              `json:"creator"`
	UserID   int64               `json:"user_id"`
	Status   RankStatus          `json:"status"`
	Covers   APIBeatmapsetCovers `json:"covers"`
	Beatmaps []APIBeatmap        `json:"beatmaps,omitempty"`
}

// model converts the API beatmapset and its beatmaps to their cached
// forms, all stamped with the same cache time
func (s APIBeatmapset) model(cachedAt time.Time) (Beatmapset, []Beatmap) {
	set := Beatmapset{
		ID:         s.ID,
		Artist:     s.Artist,
		Title:      s.Title,
		Creator:    s.Creator,
		CreatorID:  s.UserID,
		Status:     s.Status,
		CoverURL:   s.Covers.Cover,
		ListURL:    s.Covers.List,
		TimeCached: cachedAt.UnixMilli(),
	}
	beatmaps := make([]Beatmap, 0, len(s.Beatmaps))
	for _, b := range s.Beatmaps {
		if b.BeatmapsetID == 0 {
			b.BeatmapsetID = s.ID
		}
		beatmaps = append(beatmaps, b.model(cachedAt))
	}
	return set, beatmaps
}

type APIUserStatistics struct {
	PP          float64 `json:"pp"`
	GlobalRank  *int    `json:"global_rank"`
	CountryRank *int    `json:"country_rank"`
	HitAccuracy float64 `json:"hit_accuracy"`
	PlayCount   int     `json:"play_count"`
}

// APIUser is a user profile as returned by the API
type APIUser struct {
	ID          int64             `json:"id"`
	Username    string            `json:"username"`
	CountryCode string            `json:"country_code"`
	AvatarURL   string            `json:"avatar_url"`
	Statistics  APIUserStatistics `json:"statistics"`
}

// snapshot converts the profile to a cached snapshot for the given mode
func (u APIUser) snapshot(mode Mode, cachedAt time.Time) OsuUserSnapshot {
	s := OsuUserSnapshot{
		OsuUserID:   u.ID,
		Mode:        mode,
		Username:    u.Username,
		CountryCode: u.CountryCode,
		AvatarURL:   u.AvatarURL,
		PP:          u.Statistics.PP,
		Accuracy:    u.Statistics.HitAccuracy,
		PlayCount:   u.Statistics.PlayCount,
		TimeCached:  cachedAt.UnixMilli(),
	}
	if u.Statistics.GlobalRank != nil {
		s.GlobalRank = *u.Statistics.GlobalRank
	}
	if u.Statistics.CountryRank != nil {
		s.CountryRank = *u.Statistics.CountryRank
	}
	return s
}

// DifficultyAttributes are the mode-specific difficulty attributes used
// for performance calculation. Only the fields relevant to the
// requested mode are set.
type DifficultyAttributes struct {
	StarRating           float64 `json:"star_rating"`
	MaxCombo             int     `json:"max_combo"`
	AimDifficulty        float64 `json:"aim_difficulty"`
	SpeedDifficulty      float64 `json:"speed_difficulty"`
	FlashlightDifficulty float64 `json:"flashlight_difficulty"`
	SliderFactor         float64 `json:"slider_factor"`
	SpeedNoteCount       float64 `json:"speed_note_count"`
	ApproachRate         float64 `json:"approach_rate"`
	OverallDifficulty    float64 `json:"overall_difficulty"`
	StaminaDifficulty    float64 `json:"stamina_difficulty"`
	RhythmDifficulty     float64 `json:"rhythm_difficulty"`
	ColourDifficulty     float64 `json:"colour_difficulty"`
	PeakDifficulty       float64 `json:"peak_difficulty"`
	GreatHitWindow       float64 `json:"great_hit_window"`
}

type EventAchievement struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

type EventObject struct {
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
	URL      string `json:"url"`
}

// Event is a profile activity event (ex: a rank achievement or a
// beatmapset being ranked)
type Event struct {
	ID          int64             `json:"id"`
	Type        string            `json:"type"`
	CreatedAt   time.Time         `json:"created_at"`
	Rank        int               `json:"rank,omitempty"`
	ScoreRank   string            `json:"scoreRank,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Approval    string            `json:"approval,omitempty"`
	Achievement *EventAchievement `json:"achievement,omitempty"`
	Beatmap     *EventObject      `json:"beatmap,omitempty"`
	Beatmapset  *EventObject      `json:"beatmapset,omitempty"`
	User        *EventObject      `json:"user,omitempty"`
}

type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// osuAPIClient implements OsuClient using the osu! API v2 with a
// client credentials grant
type osuAPIClient struct {
	client  *resty.Client
	config  *OsuConfig
	logger  *slog.Logger
	retry   RetryPolicy
	limiter *rate.Limiter

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time

	requests atomic.Int64
	errors   atomic.Int64
}

func newOsuAPIClient(
	config *OsuConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *osuAPIClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(config.APIURL).
		SetTimeout(config.RequestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader(osuAPIVersionHeader, osuAPIVersion)

	burst := config.RequestBurst
	if burst < 1 {
		burst = 1
	}
	return &osuAPIClient{
		client: client,
		config: config,
		logger: logger.With(loggerNameKey, "osu_api"),
		retry:  NoRetry{},
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)),
			burst,
		),
	}
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (c *osuAPIClient) waitOnRequestLimiter(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// accessToken returns a cached client credentials token, requesting a
// new one if it's missing or about to expire
func (c *osuAPIClient) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpires) {
		return c.token, nil
	}

	var token oauthTokenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(
			map[string]string{
				"client_id":     c.config.ClientID,
				"client_secret": c.config.ClientSecret,
				"grant_type":    "client_credentials",
				"scope":         osuTokenScope,
			},
		).
		SetResult(&token).
		Post(c.config.TokenURL)
	if err != nil {
		return "", fmt.Errorf("osu! api: requesting token: %w", err)
	}
	if resp.IsError() || token.AccessToken == "" {
		return "", &APIError{
			StatusCode: resp.StatusCode(),
			Method:     http.MethodPost,
			Path:       c.config.TokenURL,
			Body:       resp.String(),
		}
	}

	c.token = token.AccessToken
	c.tokenExpires = time.Now().Add(
		time.Duration(token.ExpiresIn)*time.Second - tokenExpiryMargin,
	)
	c.logger.InfoContext(ctx, "acquired osu! api token", "expires", c.tokenExpires)
	return c.token, nil
}

func (c *osuAPIClient) invalidateToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}

// do executes a single API request through the retry policy,
// decoding a successful response into result
func (c *osuAPIClient) do(
	ctx context.Context,
	method string,
	path string,
	build func(r *resty.Request),
	result any,
) error {
	return c.retry.Do(
		ctx, func(ctx context.Context) error {
			if err := c.waitOnRequestLimiter(ctx); err != nil {
				return err
			}
			token, err := c.accessToken(ctx)
			if err != nil {
				c.errors.Add(1)
				return err
			}

			req := c.client.R().SetContext(ctx).SetAuthToken(token).SetResult(result)
			if build != nil {
				build(req)
			}

			start := time.Now()
			resp, err := req.Execute(method, path)
			c.requests.Add(1)
			if err != nil {
				c.errors.Add(1)
				c.logger.ErrorContext(
					ctx,
					"osu! api request failed",
					"method", method,
					"path", path,
					tint.Err(err),
				)
				return fmt.Errorf("osu! api: %s %s: %w", method, path, err)
			}
			c.logger.DebugContext(
				ctx,
				"osu! api request",
				"method", method,
				"url", resp.Request.URL,
				"status", resp.StatusCode(),
				"duration", time.Since(start),
			)

			switch status := resp.StatusCode(); {
			case status == http.StatusNotFound:
				return fmt.Errorf("osu! api: %s %s: %w", method, path, ErrNotFound)
			case status == http.StatusUnauthorized:
				c.invalidateToken()
				fallthrough
			case resp.IsError():
				c.errors.Add(1)
				return &APIError{
					StatusCode: status,
					Method:     method,
					Path:       path,
					Body:       resp.String(),
				}
			}
			return nil
		},
	)
}

func (c *osuAPIClient) GetBeatmap(ctx context.Context, id int64) (*APIBeatmap, error) {
	var b APIBeatmap
	err := c.do(
		ctx, http.MethodGet, "/beatmaps/{id}", func(r *resty.Request) {
			r.SetPathParam("id", strconv.FormatInt(id, 10))
		}, &b,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *osuAPIClient) GetBeatmapset(ctx context.Context, id int64) (*APIBeatmapset, error) {
	var s APIBeatmapset
	err := c.do(
		ctx, http.MethodGet, "/beatmapsets/{id}", func(r *resty.Request) {
			r.SetPathParam("id", strconv.FormatInt(id, 10))
		}, &s,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *osuAPIClient) GetBeatmapAttributes(
	ctx context.Context,
	id int64,
	mode Mode,
	mods Mods,
) (*DifficultyAttributes, error) {
	var rv struct {
		Attributes DifficultyAttributes `json:"attributes"`
	}
	err := c.do(
		ctx, http.MethodPost, "/beatmaps/{id}/attributes", func(r *resty.Request) {
			r.SetPathParam("id", strconv.FormatInt(id, 10))
			r.SetBody(
				map[string]any{
					"mods":    uint32(mods),
					"ruleset": mode.String(),
				},
			)
		}, &rv,
	)
	if err != nil {
		return nil, err
	}
	return &rv.Attributes, nil
}

func (c *osuAPIClient) GetUser(ctx context.Context, user string, mode Mode) (*APIUser, error) {
	key := "username"
	if _, err := strconv.ParseInt(user, 10, 64); err == nil {
		key = "id"
	}
	var u APIUser
	err := c.do(
		ctx, http.MethodGet, "/users/{user}/{mode}", func(r *resty.Request) {
			r.SetPathParams(map[string]string{"user": user, "mode": mode.String()})
			r.SetQueryParam("key", key)
		}, &u,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *osuAPIClient) GetUserBestScores(
	ctx context.Context,
	userID int64,
	mode Mode,
	limit int,
) ([]Score, error) {
	var scores []Score
	err := c.do(
		ctx, http.MethodGet, "/users/{id}/scores/best", func(r *resty.Request) {
			r.SetPathParam("id", strconv.FormatInt(userID, 10))
			r.SetQueryParams(
				map[string]string{
					"mode":  mode.String(),
					"limit": strconv.Itoa(limit),
				},
			)
		}, &scores,
	)
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func (c *osuAPIClient) GetScore(ctx context.Context, id int64) (*Score, error) {
	var s Score
	err := c.do(
		ctx, http.MethodGet, "/scores/{id}", func(r *resty.Request) {
			r.SetPathParam("id", strconv.FormatInt(id, 10))
		}, &s,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *osuAPIClient) GetUserRecentActivity(
	ctx context.Context,
	userID int64,
	limit int,
) ([]Event, error) {
	var events []Event
	err := c.do(
		ctx, http.MethodGet, "/users/{id}/recent_activity", func(r *resty.Request) {
			r.SetPathParam("id", strconv.FormatInt(userID, 10))
			r.SetQueryParam("limit", strconv.Itoa(limit))
		}, &events,
	)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// isNotFound reports whether err is (or wraps) ErrNotFound
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
