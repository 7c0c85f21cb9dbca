package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/osubot/osubot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = osubot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"osu.log_level",
	"tracker.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "osubot [flags]",
	Short: "Announces new osu! top plays on Discord",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", osubot.DefaultDatabase)
	viper.SetDefault("database_type", osubot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", osubot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", osubot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", osubot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", osubot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", osubot.DefaultShutdownTimeout)

	// osu! API and score feed
	viper.SetDefault("osu.client_id", "")
	viper.SetDefault("osu.client_secret", "")
	viper.SetDefault("osu.api_url", osubot.DefaultOsuAPIURL)
	viper.SetDefault("osu.token_url", osubot.DefaultOsuTokenURL)
	viper.SetDefault("osu.requests_per_minute", osubot.DefaultOsuRequestsPerMinute)
	viper.SetDefault("osu.request_burst", osubot.DefaultOsuRequestBurst)
	viper.SetDefault("osu.request_timeout", osubot.DefaultOsuRequestTimeout)
	viper.SetDefault("osu.feed_url", osubot.DefaultOsuFeedURL)
	viper.SetDefault("osu.log_level", osubot.DefaultOsuLogLevel.String())

	// Tracker
	viper.SetDefault("tracker.top_score_limit", osubot.DefaultTrackerTopScoreLimit)
	viper.SetDefault("tracker.recent_score_size", osubot.DefaultTrackerRecentScoreSize)
	viper.SetDefault("tracker.workers", osubot.DefaultTrackerWorkers)
	viper.SetDefault("tracker.worker_queue_size", osubot.DefaultTrackerWorkerQueueSize)
	viper.SetDefault("tracker.refresh_interval", osubot.DefaultTrackerRefreshInterval)
	viper.SetDefault("tracker.event_limit", osubot.DefaultTrackerEventLimit)
	viper.SetDefault("tracker.log_level", osubot.DefaultTrackerLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", osubot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", osubot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", osubot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", osubot.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", osubot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", osubot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", osubot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", osubot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", osubot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", osubot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", osubot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", osubot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", osubot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", osubot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", osubot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", osubot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", osubot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(osubot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = osubot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, k := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(k, viper.GetStringSlice(k))
	}

	for _, k := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(k))
		if err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
		viper.Set(k, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
