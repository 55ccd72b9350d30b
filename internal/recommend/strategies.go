// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package recommend

import (
	"context"

	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/logging"
)

// fillStrategyCache dispatches to the strategy's fetch method,
// filters out the seed, already-filtered, and duplicate URIs,
// shuffles the survivors, and appends them to the strategy's cache.
// The throwback strategy goes to fillThrowbackCache instead, which
// only drops filtered URIs. Returns the count newly cached.
func (e *Engine) fillStrategyCache(ctx context.Context, nestID, strategyName string, seed *SeedInfo) (int, error) {
	if strategyName == "throwback" {
		return e.fillThrowbackCache(ctx, nestID)
	}

	if limited, err := e.IsRateLimited(ctx); err != nil {
		return 0, err
	} else if limited {
		return 0, nil
	}
	if seed == nil {
		return 0, nil
	}

	limit := e.cfg.refillSize(nestID)
	var uris []string
	var err error

	switch strategyName {
	case "genre":
		uris, err = e.fetchGenreTracks(ctx, seed, limit)
	case "artist_search":
		uris, err = e.fetchArtistSearchTracks(ctx, seed, limit)
	case "top_tracks":
		uris, err = e.fetchTopTracks(ctx, seed)
	case "album":
		uris, err = e.fetchAlbumTracks(ctx, seed)
	default:
		return 0, nil
	}
	if err != nil {
		if rle, ok := err.(*catalog.RateLimitedError); ok {
			if merr := e.MarkRateLimited(ctx, rle.RetryAfter); merr != nil {
				logging.Warn().Str("nest_id", nestID).Err(merr).Msg("recommend: failed to set rate-limit sentinel")
			}
		}
		logging.Warn().Str("nest_id", nestID).Str("strategy", strategyName).Err(err).Msg("recommend: strategy fetch failed")
		return 0, nil
	}

	filtered, err := e.filterCandidates(ctx, nestID, seed.SeedURI, uris)
	if err != nil {
		return 0, err
	}
	if len(filtered) == 0 {
		return 0, nil
	}

	e.shuffle(filtered)

	if err := e.cache.pushBack(ctx, cacheKey(nestID, strategyName), filtered, e.cfg.CacheTTL); err != nil {
		return 0, err
	}
	return len(filtered), nil
}

func (e *Engine) filterCandidates(ctx context.Context, nestID, seedURI string, uris []string) ([]string, error) {
	seen := make(map[string]bool, len(uris))
	out := make([]string, 0, len(uris))
	for _, uri := range uris {
		if uri == "" || uri == seedURI || seen[uri] {
			continue
		}
		if _, filtered, err := e.store.Get(ctx, filterKey(nestID, uri)); err != nil {
			return nil, err
		} else if filtered {
			continue
		}
		seen[uri] = true
		out = append(out, uri)
	}
	return out, nil
}

func (e *Engine) shuffle(items []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
}

func (e *Engine) fetchGenreTracks(ctx context.Context, seed *SeedInfo, limit int) ([]string, error) {
	if len(seed.Genres) == 0 {
		return nil, nil
	}
	genre := seed.Genres[e.randIndex(len(seed.Genres))]
	results, err := e.catalog.Search(ctx, `genre:"`+genre+`"`, catalog.SearchTrack, limit, e.cfg.Market)
	if err != nil {
		return nil, err
	}
	return trackURIs(results), nil
}

func (e *Engine) fetchArtistSearchTracks(ctx context.Context, seed *SeedInfo, limit int) ([]string, error) {
	if seed.ArtistName == "" {
		return nil, nil
	}
	results, err := e.catalog.Search(ctx, seed.ArtistName, catalog.SearchTrack, limit, e.cfg.Market)
	if err != nil {
		return nil, err
	}
	return trackURIs(results), nil
}

func (e *Engine) fetchTopTracks(ctx context.Context, seed *SeedInfo) ([]string, error) {
	if seed.ArtistID == "" {
		return nil, nil
	}
	results, err := e.catalog.ArtistTopTracks(ctx, seed.ArtistID, e.cfg.Market)
	if err != nil {
		return nil, err
	}
	return trackURIs(results), nil
}

func (e *Engine) fetchAlbumTracks(ctx context.Context, seed *SeedInfo) ([]string, error) {
	if seed.AlbumID == "" {
		return nil, nil
	}
	results, err := e.catalog.AlbumTracks(ctx, seed.AlbumID)
	if err != nil {
		return nil, err
	}
	return trackURIs(results), nil
}

func (e *Engine) fillThrowbackCache(ctx context.Context, nestID string) (int, error) {
	if e.history == nil {
		return 0, nil
	}
	plays, err := e.history.ThrowbackPlays(ctx, nestID, e.cfg.ThrowbackFetchCap)
	if err != nil {
		logging.Warn().Str("nest_id", nestID).Err(err).Msg("recommend: throwback query failed")
		return 0, nil
	}
	if len(plays) == 0 {
		return 0, nil
	}

	uris := make([]string, 0, len(plays))
	users := make(map[string]string, len(plays))
	for _, p := range plays {
		if p.TrackURI == "" {
			continue
		}
		if _, filtered, err := e.store.Get(ctx, filterKey(nestID, p.TrackURI)); err != nil {
			return 0, err
		} else if filtered {
			continue
		}
		user := p.User
		if user == "" {
			user = BotIdentity
		}
		uris = append(uris, p.TrackURI)
		users[p.TrackURI] = user
	}
	if len(uris) == 0 {
		return 0, nil
	}

	if err := e.cache.pushBack(ctx, cacheKey(nestID, "throwback"), uris, e.cfg.CacheTTL); err != nil {
		return 0, err
	}
	for uri, user := range users {
		if err := e.store.HSet(ctx, throwbackUsersKey(nestID), uri, user); err != nil {
			return 0, err
		}
	}
	if err := e.store.HExpire(ctx, throwbackUsersKey(nestID), e.cfg.CacheTTL); err != nil {
		return 0, err
	}
	return len(uris), nil
}

func (e *Engine) randIndex(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Intn(n)
}

func trackURIs(tracks []catalog.Track) []string {
	out := make([]string, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.URI)
	}
	return out
}
