package osubot

import "time"

const (
	// lovedCacheTTL is how long a cached loved beatmapset stays valid
	lovedCacheTTL = 30 * 24 * time.Hour

	// unrankedCacheTTL applies to pending, graveyard, WIP and qualified
	// beatmapsets, which may still change
	unrankedCacheTTL = 7 * 24 * time.Hour
)

// IsValid reports whether a record with the given rank status, cached
// at cachedAt, can still be served at now. Ranked and approved maps
// never change, so they're always valid.
func IsValid(status RankStatus, cachedAt time.Time, now time.Time) bool {
	switch status {
	case RankStatusLoved:
		return now.Sub(cachedAt) <= lovedCacheTTL
	case RankStatusPending, RankStatusGraveyard, RankStatusWIP, RankStatusQualified:
		return now.Sub(cachedAt) <= unrankedCacheTTL
	default:
		return true
	}
}
