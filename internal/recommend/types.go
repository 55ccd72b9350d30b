// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package recommend implements the auto-fill recommendation engine:
// five weighted strategies draw candidate tracks from the catalog (or
// play history, for throwback) into per-strategy FIFO caches, and a
// preview/consume split lets the UI show an "up next" card before a
// fill is committed to the queue.
package recommend

import (
	"context"
	"time"

	"github.com/nestbox-fm/nestbox/internal/registry"
)

// BotIdentity attributes an auto-filled track to a non-human
// contributor when no throwback attribution applies.
const BotIdentity = "bot@nestbox.fm"

// SeedInfo is the resolved seed track's artist/album/genre metadata,
// cached under BENDER|seed-info with a configurable TTL.
type SeedInfo struct {
	SeedURI    string   `json:"seed_uri"`
	ArtistID   string   `json:"artist_id"`
	ArtistName string   `json:"artist_name"`
	AlbumID    string   `json:"album_id"`
	Genres     []string `json:"genres"`
}

// ThrowbackPlay is one historical play eligible for the throwback
// strategy: a track URI and the identity that originally contributed
// it, used for attribution once it resurfaces.
type ThrowbackPlay struct {
	TrackURI string
	User     string
}

// HistoryProvider is the play-history collaborator the throwback
// strategy queries; satisfied by internal/history.Log.
type HistoryProvider interface {
	ThrowbackPlays(ctx context.Context, nestID string, limit int) ([]ThrowbackPlay, error)
}

// Config tunes the engine's cache sizing, TTLs, and strategy weights.
type Config struct {
	Weights           map[string]int
	CacheTTL          time.Duration
	SeedInfoTTL       time.Duration
	FilterTTL         time.Duration
	RefillSizeDefault int
	RefillSizeMain    int
	DefaultSeedURI    string
	Market            string
	ThrowbackFetchCap int
}

// DefaultConfig mirrors config.RecommendConfig's defaults, for tests
// and any caller that doesn't wire its own.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]int{
			"genre":         35,
			"throwback":     30,
			"artist_search": 25,
			"top_tracks":    5,
			"album":         5,
		},
		CacheTTL:          20 * time.Minute,
		SeedInfoTTL:       20 * time.Minute,
		FilterTTL:         2 * time.Hour,
		RefillSizeDefault: 5,
		RefillSizeMain:    20,
		DefaultSeedURI:    "spotify:track:3utq2FgD1pkmIoaWfjXWAU",
		Market:            "US",
		ThrowbackFetchCap: 20,
	}
}

func (c Config) refillSize(nestID string) int {
	if nestID == registry.MainNestID {
		return c.RefillSizeMain
	}
	return c.RefillSizeDefault
}
