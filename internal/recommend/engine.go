// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package recommend

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/store"
)

// Engine drives the per-song weighted strategy rotation that keeps a
// nest's queue topped up once human contributions stop.
type Engine struct {
	store   *store.Store
	catalog catalog.Client
	history HistoryProvider
	cfg     Config
	cache   *fifoCache

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds an Engine. history may be nil, in which case the
// throwback strategy always reports zero candidates.
func New(s *store.Store, cat catalog.Client, history HistoryProvider, cfg Config) *Engine {
	if cfg.Weights == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:   s,
		catalog: cat,
		history: history,
		cfg:     cfg,
		cache:   &fifoCache{store: s},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// IsRateLimited reports whether the process-wide catalog rate-limit
// sentinel is currently live.
func (e *Engine) IsRateLimited(ctx context.Context) (bool, error) {
	_, ok, err := e.store.Get(ctx, RateLimitedKey)
	return ok, err
}

// MarkRateLimited sets the process-wide sentinel for retryAfter,
// called when the catalog client surfaces a RateLimitedError.
func (e *Engine) MarkRateLimited(ctx context.Context, retryAfter time.Duration) error {
	return e.store.SetTTL(ctx, RateLimitedKey, "1", retryAfter)
}

// ResolveSeedURI picks the best seed track per priority order:
// last-queued, last-bender-track, now-playing, then the hardcoded
// default. Episode URIs are never valid seeds.
func (e *Engine) ResolveSeedURI(ctx context.Context, nestID string) (string, error) {
	if uri, err := e.validTrackSeed(ctx, lastQueuedKey(nestID)); err != nil {
		return "", err
	} else if uri != "" {
		return uri, nil
	}

	if uri, err := e.validTrackSeed(ctx, lastBenderTrackKey(nestID)); err != nil {
		return "", err
	} else if uri != "" {
		return uri, nil
	}

	if nowPlayingID, ok, err := e.store.Get(ctx, nowPlayingKey(nestID)); err != nil {
		return "", err
	} else if ok && nowPlayingID != "" {
		if trackID, ok, err := e.store.HGet(ctx, queueEntryKey(nestID, nowPlayingID), "trackid"); err != nil {
			return "", err
		} else if ok && isValidTrackSeed(trackID) {
			return trackID, nil
		}
	}

	return e.cfg.DefaultSeedURI, nil
}

func (e *Engine) validTrackSeed(ctx context.Context, key string) (string, error) {
	uri, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok || !isValidTrackSeed(uri) {
		return "", err
	}
	return uri, nil
}

func isValidTrackSeed(uri string) bool {
	return uri != "" && !strings.Contains(uri, ":episode:")
}

// SeedInfo resolves (and caches, per cfg.SeedInfoTTL) the seed
// track's artist/album/genre metadata. Returns nil without error when
// the catalog is rate-limited or the seed can't be resolved.
func (e *Engine) SeedInfo(ctx context.Context, nestID string) (*SeedInfo, error) {
	seedURI, err := e.ResolveSeedURI(ctx, nestID)
	if err != nil {
		return nil, err
	}
	trackID := seedURI
	if idx := strings.LastIndex(seedURI, ":"); idx >= 0 {
		trackID = seedURI[idx+1:]
	}

	key := seedInfoKey(nestID)
	if raw, ok, err := e.store.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		var cached SeedInfo
		if err := json.Unmarshal([]byte(raw), &cached); err == nil && cached.SeedURI == seedURI {
			return &cached, nil
		}
		if err := e.store.Del(ctx, key); err != nil {
			logging.Warn().Str("nest_id", nestID).Err(err).Msg("recommend: failed to clear stale seed-info")
		}
	}

	if limited, err := e.IsRateLimited(ctx); err != nil {
		return nil, err
	} else if limited {
		return nil, nil
	}

	track, err := e.catalog.Track(ctx, trackID)
	if err != nil {
		logging.Warn().Str("nest_id", nestID).Str("track_id", trackID).Err(err).Msg("recommend: seed track lookup failed")
		return nil, nil
	}
	if track.ArtistID == "" {
		return nil, nil
	}

	artist, err := e.catalog.Artist(ctx, track.ArtistID)
	if err != nil {
		logging.Warn().Str("nest_id", nestID).Str("artist_id", track.ArtistID).Err(err).Msg("recommend: seed artist lookup failed")
		return nil, nil
	}

	info := &SeedInfo{
		SeedURI:    seedURI,
		ArtistID:   track.ArtistID,
		ArtistName: track.Artist,
		AlbumID:    track.AlbumID,
		Genres:     artist.Genres,
	}
	blob, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("recommend: marshal seed info: %w", err)
	}
	if err := e.store.SetTTL(ctx, key, string(blob), e.cfg.SeedInfoTTL); err != nil {
		return nil, err
	}
	return info, nil
}

// selectStrategyExcluding draws a strategy name by weighted random
// choice from cfg.Weights, skipping names in exclude.
func (e *Engine) selectStrategyExcluding(exclude map[string]bool) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.cfg.Weights))
	total := 0
	for name, weight := range e.cfg.Weights {
		if exclude[name] || weight <= 0 {
			continue
		}
		names = append(names, name)
		total += weight
	}
	if total <= 0 {
		return ""
	}

	pick := e.rng.Intn(total)
	for _, name := range names {
		pick -= e.cfg.Weights[name]
		if pick < 0 {
			return name
		}
	}
	return names[len(names)-1]
}
