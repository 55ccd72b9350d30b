// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package recommend

import "github.com/nestbox-fm/nestbox/internal/registry"

// RateLimitedKey is the process-wide (not nest-scoped) sentinel set
// while the catalog client is rate-limited; every strategy but
// throwback is skipped while it is live.
const RateLimitedKey = "MISC|spotify-rate-limited"

var strategyCacheSuffix = map[string]string{
	"genre":         "BENDER|cache:genre",
	"throwback":     "BENDER|cache:throwback",
	"artist_search": "BENDER|cache:artist-search",
	"top_tracks":    "BENDER|cache:top-tracks",
	"album":         "BENDER|cache:album",
}

func cacheKey(nestID, strategy string) string {
	suffix, ok := strategyCacheSuffix[strategy]
	if !ok {
		return ""
	}
	return registry.NestPrefix(nestID) + suffix
}

func seedInfoKey(nestID string) string { return registry.NestPrefix(nestID) + "BENDER|seed-info" }

func throwbackUsersKey(nestID string) string {
	return registry.NestPrefix(nestID) + "BENDER|throwback-users"
}

func nextPreviewKey(nestID string) string { return registry.NestPrefix(nestID) + "BENDER|next-preview" }

func filterKey(nestID, uri string) string { return registry.NestPrefix(nestID) + "FILTER|" + uri }

func lastQueuedKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|last-queued" }

func lastBenderTrackKey(nestID string) string {
	return registry.NestPrefix(nestID) + "MISC|last-bender-track"
}

func nowPlayingKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|now-playing" }

func queueEntryKey(nestID, entryID string) string {
	return registry.NestPrefix(nestID) + "QUEUE|" + entryID
}

func benderStreakStartKey(nestID string) string {
	return registry.NestPrefix(nestID) + "MISC|bender_streak_start"
}
