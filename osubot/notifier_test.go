package osubot

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestSQLiteNotifier(t *testing.T) {
	n, err := newDBNotifier(dbTypeSQLite, "", nil, notifierHandlers{}, testLogger(t))
	require.NoError(t, err)
	assert.Len(t, n.ID(), 16)

	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, n.LinkChanged(ctx, LinkChange{DiscordUserID: "1", OsuUserID: 2, Linked: true}))
	assert.True(t, n.ReloadRuntimeConfig(ctx))

	done := make(chan error, 1)
	go func() {
		done <- n.Listen(ctx)
	}()
	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen didn't return after cancel")
	}

	_, err = newDBNotifier("mysql", "", nil, notifierHandlers{}, testLogger(t))
	assert.Error(t, err)
}

func TestPostgresNotifierHandle(t *testing.T) {
	var changes []LinkChange
	reloads := 0
	p := &postgresNotifier{
		notifyID: "self",
		logger:   testLogger(t),
		handlers: notifierHandlers{
			LinkChanged: func(_ context.Context, change LinkChange) {
				changes = append(changes, change)
			},
			ConfigUpdated: func(_ context.Context) {
				reloads++
			},
		},
	}
	ctx := context.Background()

	fromOther, err := json.Marshal(
		LinkChange{NotifierID: "other", DiscordUserID: "1", OsuUserID: 2, Linked: true},
	)
	require.NoError(t, err)
	fromSelf, err := json.Marshal(LinkChange{NotifierID: "self", DiscordUserID: "3", OsuUserID: 4})
	require.NoError(t, err)

	p.handle(ctx, postgresNotifyChannelLinkChanged, string(fromOther))
	p.handle(ctx, postgresNotifyChannelLinkChanged, string(fromSelf))
	p.handle(ctx, postgresNotifyChannelLinkChanged, "{not json")
	p.handle(ctx, postgresNotifyChannelRuntimeConfigUpdated, "other")
	p.handle(ctx, postgresNotifyChannelRuntimeConfigUpdated, "self")
	p.handle(ctx, "osubot_unknown", "")

	require.Len(t, changes, 1)
	assert.Equal(t, LinkChange{NotifierID: "other", DiscordUserID: "1", OsuUserID: 2, Linked: true}, changes[0])
	assert.Equal(t, 1, reloads)
}
