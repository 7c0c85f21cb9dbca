//nolint:lll // struct tags can't be split
package osubot

import (
	"crypto/tls"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "OSUBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "OB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "osubot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultOsuAPIURL            = "https://osu.ppy.sh/api/v2"
	DefaultOsuTokenURL          = "https://osu.ppy.sh/oauth/token"
	DefaultOsuRequestsPerMinute = 60
	DefaultOsuRequestBurst      = 1
	DefaultOsuRequestTimeout    = 15 * time.Second
	DefaultOsuFeedURL           = "wss://scores.ppy.sh/"
	DefaultOsuLogLevel          = slog.LevelInfo

	DefaultTrackerTopScoreLimit   = 100
	DefaultTrackerRecentScoreSize = 32
	DefaultTrackerWorkers         = 4
	DefaultTrackerWorkerQueueSize = 64
	DefaultTrackerRefreshInterval = 15 * time.Minute
	DefaultTrackerEventLimit      = 20
	DefaultTrackerLogLevel        = slog.LevelInfo

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordCustomStatus  = "watching scores"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Osu configures the osu! API client and score feed
	Osu *OsuConfig `yaml:"osu" mapstructure:"osu" json:"osu"`

	// Tracker configures score qualification and the profile refresher
	Tracker *TrackerConfig `yaml:"tracker" mapstructure:"tracker" json:"tracker"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to the database, load tracked users and open the Discord
	// gateway. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// OsuConfig configures the osu! API v2 client and the live score feed
type OsuConfig struct {
	// OAuth client ID (from the 'OAuth' section of your osu! account settings)
	ClientID string `yaml:"client_id" mapstructure:"client_id" json:"client_id" binding:"required"`

	// OAuth client secret
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret" json:"client_secret" log:"[redacted]" binding:"required"`

	// Base URL of the API, including the version prefix
	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"required,url"`

	// URL used for the client credentials grant
	TokenURL string `yaml:"token_url" mapstructure:"token_url" json:"token_url" binding:"required,url"`

	// Maximum number of API requests per minute. The osu! API asks clients
	// to stay at or below 60.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" json:"requests_per_minute" binding:"min=1,max=1200"`

	// Burst size for the request limiter
	RequestBurst int `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"min=1"`

	// Timeout for individual API requests
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// Websocket URL of the live score feed
	FeedURL string `yaml:"feed_url" mapstructure:"feed_url" json:"feed_url" binding:"required,url"`

	// Log level for the API client and feed
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// TrackerConfig configures how scores are qualified and announced
type TrackerConfig struct {
	// Number of best scores fetched to decide whether a new score is a
	// personal top play
	TopScoreLimit int `yaml:"top_score_limit" mapstructure:"top_score_limit" json:"top_score_limit" binding:"min=1,max=100"`

	// Number of recently announced score IDs kept per player
	RecentScoreSize int `yaml:"recent_score_size" mapstructure:"recent_score_size" json:"recent_score_size" binding:"min=1"`

	// Number of workers handling feed scores. Scores for the same player
	// are always handled by the same worker.
	Workers int `yaml:"workers" mapstructure:"workers" json:"workers" binding:"min=1,max=64"`

	// Buffered scores per worker
	WorkerQueueSize int `yaml:"worker_queue_size" mapstructure:"worker_queue_size" json:"worker_queue_size" binding:"min=1"`

	// How often tracked profiles are refreshed. 0 disables the refresher.
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval" json:"refresh_interval"`

	// Number of recent activity events requested per player on refresh
	EventLimit int `yaml:"event_limit" mapstructure:"event_limit" json:"event_limit" binding:"min=1,max=100"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func (t TrackerConfig) validate() error {
	if t.RefreshInterval < 0 {
		return errors.New("tracker.refresh_interval must be >= 0")
	}
	if t.RefreshInterval > 0 && t.RefreshInterval < time.Minute {
		return errors.New("tracker.refresh_interval must be at least 1m")
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Custom status shown on the bot's profile
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// Enables the admin API
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert/key is set, the server
	// listens without TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof handlers are registered under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	osuLogLevel := &slog.LevelVar{}
	trackerLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	osuLogLevel.Set(DefaultOsuLogLevel)
	trackerLogLevel.Set(DefaultTrackerLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Osu: &OsuConfig{
			APIURL:            DefaultOsuAPIURL,
			TokenURL:          DefaultOsuTokenURL,
			RequestsPerMinute: DefaultOsuRequestsPerMinute,
			RequestBurst:      DefaultOsuRequestBurst,
			RequestTimeout:    DefaultOsuRequestTimeout,
			FeedURL:           DefaultOsuFeedURL,
			LogLevel:          osuLogLevel,
		},
		Tracker: &TrackerConfig{
			TopScoreLimit:   DefaultTrackerTopScoreLimit,
			RecentScoreSize: DefaultTrackerRecentScoreSize,
			Workers:         DefaultTrackerWorkers,
			WorkerQueueSize: DefaultTrackerWorkerQueueSize,
			RefreshInterval: DefaultTrackerRefreshInterval,
			EventLimit:      DefaultTrackerEventLimit,
			LogLevel:        trackerLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// ValidateConfig validates the `binding` tags of the given config
func ValidateConfig(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}
	if cfg.Tracker != nil {
		return cfg.Tracker.validate()
	}
	return nil
}
