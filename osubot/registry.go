package osubot

import (
	"context"
	"fmt"
	"github.com/puzpuzpuz/xsync/v3"
	"slices"
)

// TrackedUsers maps osu! player IDs to the Discord users tracking them.
// It's rebuilt from the linked accounts at startup (see Load), then kept
// current as accounts are linked and unlinked. Updates lock only the
// player's own entry.
type TrackedUsers struct {
	players *xsync.MapOf[int64, []string]
}

func NewTrackedUsers() *TrackedUsers {
	return &TrackedUsers{players: xsync.NewMapOf[int64, []string]()}
}

// Add records that discordUserID tracks osuUserID
func (t *TrackedUsers) Add(discordUserID string, osuUserID int64) {
	t.players.Compute(
		osuUserID, func(current []string, _ bool) ([]string, bool) {
			if slices.Contains(current, discordUserID) {
				return current, false
			}
			updated := make([]string, len(current), len(current)+1)
			copy(updated, current)
			return append(updated, discordUserID), false
		},
	)
}

// Remove drops discordUserID from osuUserID's trackers. The player is
// removed once nobody tracks them.
func (t *TrackedUsers) Remove(discordUserID string, osuUserID int64) {
	t.players.Compute(
		osuUserID, func(current []string, loaded bool) ([]string, bool) {
			if !loaded {
				return nil, true
			}
			updated := make([]string, 0, len(current))
			for _, id := range current {
				if id != discordUserID {
					updated = append(updated, id)
				}
			}
			return updated, len(updated) == 0
		},
	)
}

// Lookup returns a copy of the Discord user IDs tracking osuUserID,
// and false if the player isn't tracked
func (t *TrackedUsers) Lookup(osuUserID int64) ([]string, bool) {
	trackers, ok := t.players.Load(osuUserID)
	if !ok {
		return nil, false
	}
	return slices.Clone(trackers), true
}

// Len returns the number of tracked players
func (t *TrackedUsers) Len() int {
	return t.players.Size()
}

// Players returns the IDs of all tracked players
func (t *TrackedUsers) Players() []int64 {
	ids := make([]int64, 0, t.players.Size())
	t.players.Range(
		func(key int64, _ []string) bool {
			ids = append(ids, key)
			return true
		},
	)
	slices.Sort(ids)
	return ids
}

// Load replaces the registry contents with all persisted links
func (t *TrackedUsers) Load(ctx context.Context, store RecordStore) error {
	links, err := store.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("error loading linked accounts: %w", err)
	}
	t.players.Clear()
	for _, link := range links {
		t.Add(link.DiscordUserID, link.OsuUserID)
	}
	return nil
}
