package osubot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"testing"
)

type commandHarness struct {
	handler  *CommandHandler
	store    RecordStore
	client   *mockOsuClient
	registry *TrackedUsers
}

func newCommandHarness(t *testing.T) *commandHarness {
	t.Helper()
	logger := testLogger(t)
	h := &commandHarness{
		store:    newTestStore(t),
		client:   &mockOsuClient{},
		registry: NewTrackedUsers(),
	}
	linker := NewAccountLinker(h.store, h.client, h.registry, &fakeNotifier{}, logger)
	h.handler = NewCommandHandler(linker, h.store, DefaultRuntimeConfig, logger)
	return h
}

func slashCommand(
	name string,
	guildID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   guildID,
			ChannelID: "c1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "1001", Username: "alice"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func subcommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func numberOption(name string, value float64) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionNumber,
		Value: value,
	}
}

func TestCommandLink(t *testing.T) {
	ctx := context.Background()
	h := newCommandHarness(t)
	h.client.On("GetUser", mock.Anything, "peppy", ModeMania).
		Return(&APIUser{ID: 2, Username: "peppy"}, nil)
	h.client.On("GetUser", mock.Anything, "ghost", ModeStandard).
		Return(nil, ErrNotFound)

	reply := h.handler.execute(
		ctx, slashCommand(
			DiscordSlashCommandOsu,
			"500",
			subcommand(
				osuSubcommandLink,
				stringOption(osuOptionUser, "peppy"),
				stringOption(osuOptionMode, "mania"),
				numberOption(osuOptionMinPP, 200),
			),
		),
	)
	assert.Contains(t, reply, "Linked to [peppy](https://osu.ppy.sh/users/2/mania)")
	assert.Contains(t, reply, "osu!mania")
	assert.Contains(t, reply, "at least 200pp")
	assert.Contains(t, reply, "/"+DiscordSlashCommandChannel)

	link, err := h.store.GetLink(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "500", link.GuildID)
	assert.Equal(t, 200.0, link.MinPP)
	_, ok := h.registry.Lookup(2)
	assert.True(t, ok)

	reply = h.handler.execute(
		ctx, slashCommand(
			DiscordSlashCommandOsu,
			"500",
			subcommand(osuSubcommandLink, stringOption(osuOptionUser, "ghost")),
		),
	)
	assert.Equal(t, "Couldn't find an osu! player named `ghost`.", reply)

	reply = h.handler.execute(
		ctx, slashCommand(
			DiscordSlashCommandOsu,
			"500",
			subcommand(
				osuSubcommandLink,
				stringOption(osuOptionUser, "peppy"),
				stringOption(osuOptionMode, "quaver"),
			),
		),
	)
	assert.Equal(t, "Unknown game mode.", reply)
}

func TestCommandUnlinkAndMinPP(t *testing.T) {
	ctx := context.Background()
	h := newCommandHarness(t)

	reply := h.handler.execute(
		ctx,
		slashCommand(DiscordSlashCommandOsu, "500", subcommand(osuSubcommandUnlink)),
	)
	assert.Equal(t, "You don't have a linked osu! player.", reply)

	reply = h.handler.execute(
		ctx, slashCommand(
			DiscordSlashCommandOsu,
			"500",
			subcommand(osuSubcommandMinPP, numberOption(osuOptionValue, 100)),
		),
	)
	assert.Contains(t, reply, "Link an osu! player first")

	require.NoError(t, h.store.UpsertLink(ctx, &LinkedAccount{DiscordUserID: "1001", OsuUserID: 2}))
	h.registry.Add("1001", 2)

	reply = h.handler.execute(
		ctx, slashCommand(
			DiscordSlashCommandOsu,
			"500",
			subcommand(osuSubcommandMinPP, numberOption(osuOptionValue, 150.5)),
		),
	)
	assert.Equal(t, "Minimum pp set to 150.5.", reply)

	reply = h.handler.execute(
		ctx,
		slashCommand(DiscordSlashCommandOsu, "500", subcommand(osuSubcommandUnlink)),
	)
	assert.Equal(t, "Unlinked osu! player 2.", reply)
	assert.Equal(t, 0, h.registry.Len())
}

func TestCommandToggleChannel(t *testing.T) {
	ctx := context.Background()
	h := newCommandHarness(t)

	reply := h.handler.execute(ctx, slashCommand(DiscordSlashCommandChannel, "500"))
	assert.Equal(t, "Scores will be announced in this channel.", reply)
	channels, err := h.store.ListGuildChannels(ctx, "500")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "c1", channels[0].ChannelID)

	reply = h.handler.execute(ctx, slashCommand(DiscordSlashCommandChannel, "500"))
	assert.Equal(t, "Scores will no longer be announced in this channel.", reply)
	channels, err = h.store.ListGuildChannels(ctx, "500")
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestCommandOutsideGuild(t *testing.T) {
	h := newCommandHarness(t)
	reply := h.handler.execute(context.Background(), slashCommand(DiscordSlashCommandChannel, ""))
	assert.Equal(t, "This command can only be used in a server.", reply)

	reply = h.handler.execute(context.Background(), slashCommand("unknown", "500"))
	assert.Equal(t, "Unknown command.", reply)
}

func TestCommandErrorMessage(t *testing.T) {
	h := newCommandHarness(t)
	h.client.On("GetUser", mock.Anything, "peppy", ModeStandard).
		Return(nil, &APIError{StatusCode: 500})

	reply := h.handler.execute(
		context.Background(), slashCommand(
			DiscordSlashCommandOsu,
			"500",
			subcommand(osuSubcommandLink, stringOption(osuOptionUser, "peppy")),
		),
	)
	assert.Equal(t, DefaultDiscordErrorMessage, reply)
}

func TestHandlerInteractionCreate(t *testing.T) {
	h := newCommandHarness(t)
	session := &mockDiscordSession{}
	session.On(
		"InteractionRespond",
		mock.Anything,
		mock.MatchedBy(
			func(resp *discordgo.InteractionResponse) bool {
				return resp.Data.Flags == discordgo.MessageFlagsEphemeral &&
					resp.Data.Content == "Scores will be announced in this channel."
			},
		),
	).Return(nil).Once()

	h.handler.handlerInteractionCreate(session)(nil, slashCommand(DiscordSlashCommandChannel, "500"))
	session.AssertExpectations(t)

	// other interaction types are ignored
	ping := slashCommand(DiscordSlashCommandChannel, "500")
	ping.Type = discordgo.InteractionPing
	h.handler.handlerInteractionCreate(session)(nil, ping)
	session.AssertNumberOfCalls(t, "InteractionRespond", 1)
}

func TestCommands(t *testing.T) {
	commands := (&CommandHandler{}).Commands()
	require.Len(t, commands, 2)
	assert.Equal(t, DiscordSlashCommandOsu, commands[0].Name)
	require.Len(t, commands[0].Options, 3)
	assert.Len(t, commands[0].Options[0].Options[1].Choices, len(Modes))
	assert.NotNil(t, commands[1].DefaultMemberPermissions)
}
