// Package osubot implements a Discord bot that follows osu! players and
// announces their new top plays.
//
// The bot consumes the live osu! score feed, filters scores by the
// players that Discord users have linked, and posts a notification to
// each guild's configured channels when a score enters the player's
// personal top 100.
//
// Key components of the package include:
//
//   - OsuBot: The main struct, which wires everything together and runs it.
//   - BeatmapCache: A read-through cache of beatmaps and beatmapsets,
//     refreshed based on each set's rank status.
//   - TrackedUsers: The in-memory index of which Discord users follow
//     which osu! players.
//   - ScoreFeed: The websocket consumer of the live score feed.
//   - ScoreTracker: Decides whether a score should be announced.
//   - Dispatcher: Deduplicates and delivers notifications to channels.
//   - Refresher: Periodically refreshes tracked profiles and announces
//     profile events (rank achievements, beatmap approvals).
//   - API: A backend API for monitoring and managing links.
//
// The bot supports the following commands:
//
//   - /osu link: Follow an osu! player (in a given mode).
//   - /osu unlink: Stop following.
//   - /osu minpp: Only be notified of scores worth at least this much pp.
//   - /osu-channel: Toggle the current channel as a notification channel.
package osubot
