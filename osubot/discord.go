package osubot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Discord manages the gateway session, slash command registration and
// delivery of notification embeds.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	metricSent        atomic.Int64
	metricSendErrors  atomic.Int64
	connected         atomic.Bool
	removeHandlers    []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config: config,
		logger: logger.With(loggerNameKey, "discord"),
	}
}

// newSession creates a discordgo session with the configured token,
// intents and log level
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if httpClient != nil {
		disc.Client = httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect(
	status func() discordgo.UpdateStatusData,
) func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")
		if err := d.session.UpdateStatusComplex(status()); err != nil {
			d.logger.Error("error updating status", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error registering commands: %w", err)
	}
	if len(created) != len(commands) {
		d.logger.Warn(
			"unexpected number of commands registered",
			"expected", len(commands),
			"created", len(created),
		)
	}
	return created, nil
}

// SendEmbed sends a notification embed to a channel
func (d *Discord) SendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) error {
	_, err := d.session.ChannelMessageSendEmbed(
		channelID,
		embed,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(true),
	)
	if err != nil {
		d.metricSendErrors.Add(1)
		return err
	}
	d.metricSent.Add(1)
	return nil
}

// DiscordStats are gateway and delivery counters
type DiscordStats struct {
	Connected   bool  `json:"connected"`
	Connects    int64 `json:"connects"`
	Disconnects int64 `json:"disconnects"`
	Sent        int64 `json:"sent"`
	SendErrors  int64 `json:"send_errors"`
}

func (d *Discord) Stats() DiscordStats {
	return DiscordStats{
		Connected:   d.connected.Load(),
		Connects:    d.metricConnects.Load(),
		Disconnects: d.metricDisconnects.Load(),
		Sent:        d.metricSent.Load(),
		SendErrors:  d.metricSendErrors.Load(),
	}
}

// DiscordSessionHandler is the subset of `discordgo.Session` used by the
// bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection
	Close() error

	AddHandler(handler any) func()

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateStatusComplex sets the bot's presence
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, options...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
