package osubot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	pprofPrefix          = "/debug"
	apiPrefix            = "/api"
	apiPathLogin         = "/login"
	apiPathLogout        = "/logout"
	apiPathLoggedIn      = "/logged_in"
	apiHealthCheck       = "/healthz"
	apiPathStatus        = "/status"
	apiPathBeatmap       = "/beatmaps/:id"
	apiPathBeatmapset    = "/beatmapsets/:id"
	apiPathTracked       = "/tracked"
	apiPathLinks         = "/links"
	apiPathLink          = "/links/:discord_user_id"
	apiPathChannels      = "/channels"
	apiPathConfig        = "/config"
	apiPathNotifications = "/notifications"

	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP API. Everything under /api, except the health
// check, requires a session created by POST /login.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(bot *OsuBot, config *APIConfig) (*API, error) {
	logger := newComponentLogger(os.Stdout, config.LogLevel, "api")

	r := gin.New()
	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	handlers := NewAPIHandlers(bot, api, logger)
	api.handlers = handlers
	api.store = handlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.GET(apiPrefix+apiHealthCheck, handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(handlers))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathStatus, handlers.status)
	protected.GET(apiPathBeatmap, handlers.getBeatmap)
	protected.GET(apiPathBeatmapset, handlers.getBeatmapset)
	protected.GET(apiPathTracked, handlers.getTracked)
	protected.GET(apiPathLinks, handlers.getLinks)
	protected.POST(apiPathLinks, handlers.createLink)
	protected.DELETE(apiPathLink, handlers.deleteLink)
	protected.GET(apiPathChannels, handlers.getChannels)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.GET(apiPathNotifications, handlers.getNotifications)

	return api, nil
}

// Serve listens on the configured address, with TLS if a cert and key
// are configured. It blocks until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// RequestMetrics returns a copy of the request counts by method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	bot    *OsuBot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. If no API secret is
// configured, a random one is generated, so sessions don't survive a
// restart.
func NewAPIHandlers(bot *OsuBot, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(api.config))
	return &APIHandlers{bot: bot, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// loginHandler checks the credentials against the admin credentials in
// the RuntimeConfig, and starts a session. Attempts are limited to one
// per second.
//
// Responses:
//   - 200 OK: If the user was successfully logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.bot.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Paused:    h.bot.RuntimeConfig().Paused,
		FeedState: h.bot.feed.State(),
	}
	if h.bot.discord != nil {
		resp.DiscordGatewayConnected = h.bot.discord.connected.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) status(c *gin.Context) {
	ctx := c.Request.Context()
	storeStats, err := h.bot.store.Stats(ctx)
	if err != nil {
		ginContextLogger(c).Error("error getting store stats", tint.Err(err))
		ginReplyError(c, "error getting store stats")
		return
	}
	resp := statusResponse{
		Paused:         h.bot.RuntimeConfig().Paused,
		Uptime:         time.Since(h.bot.startedAt).Round(time.Second).String(),
		TrackedPlayers: h.bot.registry.Len(),
		Feed:           h.bot.feed.Stats(),
		Store:          storeStats,
		Requests:       h.api.RequestMetrics(),
	}
	if h.bot.discord != nil {
		stats := h.bot.discord.Stats()
		resp.Discord = &stats
	}
	if h.bot.osuAPI != nil {
		resp.OsuAPIRequests = h.bot.osuAPI.requests.Load()
		resp.OsuAPIErrors = h.bot.osuAPI.errors.Load()
	}
	c.JSON(http.StatusOK, resp)
}

// idParam parses the `id` path parameter, replying with 400 if it's
// not a positive integer
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

// replyLookupError replies with 404 for ErrNotFound, and 502 for
// anything else (the record couldn't be fetched from upstream)
func replyLookupError(c *gin.Context, err error) {
	if isNotFound(err) {
		c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		return
	}
	ginContextLogger(c).Error("lookup failed", tint.Err(err))
	c.JSON(http.StatusBadGateway, httpError{Error: err.Error()})
}

// getBeatmap reads a beatmap through the cache, fetching it from the
// osu! API if needed
func (h *APIHandlers) getBeatmap(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	b, err := h.bot.cache.GetBeatmap(ctx, id)
	if err != nil {
		replyLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *APIHandlers) getBeatmapset(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	s, err := h.bot.cache.GetBeatmapset(ctx, id)
	if err != nil {
		replyLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *APIHandlers) getTracked(c *gin.Context) {
	players := h.bot.registry.Players()
	tracked := make([]trackedPlayer, 0, len(players))
	for _, p := range players {
		trackers, _ := h.bot.registry.Lookup(p)
		tracked = append(tracked, trackedPlayer{OsuUserID: p, DiscordUserIDs: trackers})
	}
	c.JSON(http.StatusOK, tracked)
}

func (h *APIHandlers) getLinks(c *gin.Context) {
	links, err := h.bot.store.ListLinks(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing links", tint.Err(err))
		ginReplyError(c, "error listing links")
		return
	}
	c.JSON(http.StatusOK, links)
}

// createLink links a Discord user to an osu! player, as the `/osu link`
// command does
func (h *APIHandlers) createLink(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	link, snapshot, err := h.bot.linker.Link(ctx, req)
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs), errors.Is(err, ErrInvalidMode):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case errors.Is(err, ErrOsuUserNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	case err != nil:
		ginContextLogger(c).Error("error linking account", tint.Err(err))
		ginReplyError(c, "error linking account")
		return
	}
	c.JSON(http.StatusCreated, linkResponse{Link: link, Player: snapshot})
}

func (h *APIHandlers) deleteLink(c *gin.Context) {
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	link, err := h.bot.linker.Unlink(ctx, c.Param("discord_user_id"))
	switch {
	case errors.Is(err, ErrNotLinked):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	case err != nil:
		ginContextLogger(c).Error("error unlinking account", tint.Err(err))
		ginReplyError(c, "error unlinking account")
		return
	}
	c.JSON(http.StatusOK, link)
}

func (h *APIHandlers) getChannels(c *gin.Context) {
	var guildIDs []string
	if g := c.Query("guild_id"); g != "" {
		guildIDs = append(guildIDs, g)
	}
	channels, err := h.bot.store.ListGuildChannels(c.Request.Context(), guildIDs...)
	if err != nil {
		ginContextLogger(c).Error("error listing channels", tint.Err(err))
		ginReplyError(c, "error listing channels")
		return
	}
	c.JSON(http.StatusOK, channels)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the RuntimeConfig,
// tells other instances to reload it, and updates the bot's presence
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	var validationErrs validator.ValidationErrors
	cfg, err := h.bot.runtimeConfig.Update(c.Request.Context(), update)
	switch {
	case errors.As(err, &validationErrs):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	logger.Info("updated runtime config", "update", structToSlogValue(update))

	h.bot.notifier.ReloadRuntimeConfig(c.Request.Context())
	h.bot.updatePresence(cfg)
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) getNotifications(c *gin.Context) {
	var query notificationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultNotificationLimit
	}
	notifications, err := h.bot.store.ListScoreNotifications(
		c.Request.Context(),
		query.OsuUserID,
		query.Limit,
	)
	if err != nil {
		ginContextLogger(c).Error("error listing notifications", tint.Err(err))
		ginReplyError(c, "error listing notifications")
		return
	}
	c.JSON(http.StatusOK, notifications)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool      `json:"paused"`
	FeedState               FeedState `json:"feed_state"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
}

type statusResponse struct {
	Paused         bool           `json:"paused"`
	Uptime         string         `json:"uptime"`
	TrackedPlayers int            `json:"tracked_players"`
	Feed           FeedStats      `json:"feed"`
	Store          StoreStats     `json:"store"`
	Discord        *DiscordStats  `json:"discord,omitempty"`
	OsuAPIRequests int64          `json:"osu_api_requests"`
	OsuAPIErrors   int64          `json:"osu_api_errors"`
	Requests       map[string]int `json:"requests"`
}

type trackedPlayer struct {
	OsuUserID      int64    `json:"osu_user_id"`
	DiscordUserIDs []string `json:"discord_user_ids"`
}

type linkResponse struct {
	Link   *LinkedAccount   `json:"link"`
	Player *OsuUserSnapshot `json:"player"`
}

type notificationsQuery struct {
	OsuUserID int64 `form:"osu_user_id" binding:"omitempty,min=1"`
	Limit     int   `form:"limit" binding:"omitempty,min=1,max=500"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware aborts with 401 unless the session has a username
func authMiddleware(h *APIHandlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if h.bot.RuntimeConfig().AdminUsername == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status, using logger as the base request logger
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // validator tag name must be set before use
func init() {
	structValidator.SetTagName("binding")
}
