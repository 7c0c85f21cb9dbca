package osubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"log/slog"
	"strconv"
	"time"
)

const (
	DiscordSlashCommandOsu     = "osu"
	DiscordSlashCommandChannel = "osu-channel"

	osuSubcommandLink   = "link"
	osuSubcommandUnlink = "unlink"
	osuSubcommandMinPP  = "minpp"

	osuOptionUser  = "user"
	osuOptionMode  = "mode"
	osuOptionMinPP = "min_pp"
	osuOptionValue = "value"

	commandTimeout = 10 * time.Second
)

// CommandHandler implements the bot's slash commands
type CommandHandler struct {
	linker        *AccountLinker
	store         RecordStore
	runtimeConfig func() RuntimeConfig
	logger        *slog.Logger
}

func NewCommandHandler(
	linker *AccountLinker,
	store RecordStore,
	runtimeConfig func() RuntimeConfig,
	logger *slog.Logger,
) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		linker:        linker,
		store:         store,
		runtimeConfig: runtimeConfig,
		logger:        logger.With(loggerNameKey, "commands"),
	}
}

// Commands returns the application commands to register
func (h *CommandHandler) Commands() []*discordgo.ApplicationCommand {
	minPP := 0.0
	userMaxLength := 32
	modeChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(Modes))
	for _, m := range Modes {
		modeChoices = append(
			modeChoices, &discordgo.ApplicationCommandOptionChoice{
				Name:  m.DisplayName(),
				Value: m.String(),
			},
		)
	}
	manageChannels := int64(discordgo.PermissionManageChannels)
	guildOnly := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandOsu,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Track an osu! player's top plays",
			Contexts:    &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        osuSubcommandLink,
					Description: "Link your account to an osu! player",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        osuOptionUser,
							Description: "osu! username or user ID",
							Required:    true,
							MaxLength:   userMaxLength,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        osuOptionMode,
							Description: "Game mode (default: osu!)",
							Choices:     modeChoices,
						},
						{
							Type:        discordgo.ApplicationCommandOptionNumber,
							Name:        osuOptionMinPP,
							Description: "Only announce scores worth at least this much pp",
							MinValue:    &minPP,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        osuSubcommandUnlink,
					Description: "Stop tracking your linked osu! player",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        osuSubcommandMinPP,
					Description: "Set the minimum pp for announced scores",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionNumber,
							Name:        osuOptionValue,
							Description: "Minimum pp",
							Required:    true,
							MinValue:    &minPP,
						},
					},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandChannel,
			Type:                     discordgo.ChatApplicationCommand,
			Description:              "Toggle score announcements in this channel",
			DefaultMemberPermissions: &manageChannels,
			Contexts:                 &guildOnly,
		},
	}
}

// handlerInteractionCreate responds to slash commands with an ephemeral
// message
func (h *CommandHandler) handlerInteractionCreate(
	session DiscordSessionHandler,
) func(s *discordgo.Session, i *discordgo.InteractionCreate) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		logger := h.logger.With(interactionLogAttrs(*i)...)
		ctx = WithLogger(ctx, logger)

		content := h.execute(ctx, i)
		err := session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: content,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		}
	}
}

// execute runs the command and returns the reply
func (h *CommandHandler) execute(ctx context.Context, i *discordgo.InteractionCreate) string {
	logger := contextLoggerOr(ctx, h.logger)
	user := interactionUser(i)
	if user == nil || i.GuildID == "" {
		return "This command can only be used in a server."
	}

	data := i.ApplicationCommandData()
	var reply string
	var err error
	switch data.Name {
	case DiscordSlashCommandOsu:
		if len(data.Options) == 0 {
			return "Unknown command."
		}
		sub := data.Options[0]
		options := discordInteractionOptions(sub.Options)
		switch sub.Name {
		case osuSubcommandLink:
			reply, err = h.link(ctx, user.ID, i.GuildID, options)
		case osuSubcommandUnlink:
			reply, err = h.unlink(ctx, user.ID)
		case osuSubcommandMinPP:
			reply, err = h.setMinPP(ctx, user.ID, options)
		default:
			return "Unknown command."
		}
	case DiscordSlashCommandChannel:
		reply, err = h.toggleChannel(ctx, i.GuildID, i.ChannelID)
	default:
		return "Unknown command."
	}

	if err != nil {
		logger.ErrorContext(ctx, "command failed", "command", data.Name, tint.Err(err))
		return h.runtimeConfig().DiscordErrorMessage
	}
	return reply
}

func (h *CommandHandler) link(
	ctx context.Context,
	discordUserID string,
	guildID string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	req := LinkRequest{DiscordUserID: discordUserID, GuildID: guildID}
	if opt, ok := options[osuOptionUser]; ok {
		req.User = opt.StringValue()
	}
	if opt, ok := options[osuOptionMode]; ok {
		mode, err := ParseMode(opt.StringValue())
		if err != nil {
			return "Unknown game mode.", nil
		}
		req.Mode = mode
	}
	if opt, ok := options[osuOptionMinPP]; ok {
		v := opt.FloatValue()
		req.MinPP = &v
	}

	link, snapshot, err := h.linker.Link(ctx, req)
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrOsuUserNotFound):
		return fmt.Sprintf("Couldn't find an osu! player named `%s`.", req.User), nil
	case errors.As(err, &validationErrs):
		return "That doesn't look like a valid osu! username or ID.", nil
	case err != nil:
		return "", err
	}

	reply := fmt.Sprintf(
		"Linked to [%s](%s) (%s). Their new top plays will be announced.",
		snapshot.Username,
		snapshot.URL(),
		link.Mode.DisplayName(),
	)
	if link.MinPP > 0 {
		reply += fmt.Sprintf(" Only scores worth at least %.0fpp are announced.", link.MinPP)
	}
	channels, err := h.store.ListGuildChannels(ctx, guildID)
	if err != nil {
		return "", err
	}
	if len(channels) == 0 {
		reply += fmt.Sprintf(
			"\nNo channel in this server announces scores yet. Use `/%s` in one to enable it.",
			DiscordSlashCommandChannel,
		)
	}
	return reply, nil
}

func (h *CommandHandler) unlink(ctx context.Context, discordUserID string) (string, error) {
	link, err := h.linker.Unlink(ctx, discordUserID)
	if errors.Is(err, ErrNotLinked) {
		return "You don't have a linked osu! player.", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Unlinked osu! player %d.", link.OsuUserID), nil
}

func (h *CommandHandler) setMinPP(
	ctx context.Context,
	discordUserID string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	opt, ok := options[osuOptionValue]
	if !ok {
		return "Missing value.", nil
	}
	value := opt.FloatValue()
	err := h.linker.SetMinPP(ctx, discordUserID, value)
	switch {
	case errors.Is(err, ErrNotLinked):
		return fmt.Sprintf(
			"Link an osu! player first with `/%s %s`.",
			DiscordSlashCommandOsu,
			osuSubcommandLink,
		), nil
	case errors.Is(err, ErrInvalidThreshold):
		return "Minimum pp must be between 0 and 100000.", nil
	case err != nil:
		return "", err
	}
	return "Minimum pp set to " + strconv.FormatFloat(value, 'f', -1, 64) + ".", nil
}

// toggleChannel enables score announcements in the channel, or
// disables them if they're already enabled
func (h *CommandHandler) toggleChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) (string, error) {
	removed, err := h.store.RemoveGuildChannel(ctx, guildID, channelID)
	if err != nil {
		return "", err
	}
	if removed {
		return "Scores will no longer be announced in this channel.", nil
	}
	if _, err = h.store.AddGuildChannel(ctx, guildID, channelID); err != nil {
		return "", err
	}
	return "Scores will be announced in this channel.", nil
}
