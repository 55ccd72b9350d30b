// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package recommend

import (
	"context"
	"time"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/registry"
)

// playlistUpdateEvent mirrors queue.EventPlaylistUpdate; duplicated as
// a literal rather than imported since internal/queue already imports
// internal/recommend (for BotIdentity), and the reverse would cycle.
const playlistUpdateEvent = "playlist_update"

// Fill is one fill candidate ready to be queued: a track URI, the
// identity it's attributed to (the bot, or whoever originally
// contributed a resurfacing throwback), and the strategy that
// produced it.
type Fill struct {
	TrackURI string
	User     string
	Strategy string
}

// PreviewCandidate peeks at the next fill without consuming it, so
// the UI can show an "up next" card. A cached preview is reused as
// long as it hasn't since been filtered; otherwise a fresh one is
// drawn by walking the weighted strategy rotation, refilling any
// empty strategy cache along the way.
func (e *Engine) PreviewCandidate(ctx context.Context, nestID string) (*Fill, error) {
	if cached, ok, err := e.readPreview(ctx, nestID); err != nil {
		return nil, err
	} else if ok {
		if filtered, err := e.isFiltered(ctx, nestID, cached.TrackURI); err != nil {
			return nil, err
		} else if !filtered {
			return cached, nil
		}
		if err := e.clearPreview(ctx, nestID); err != nil {
			return nil, err
		}
	}

	var seed *SeedInfo
	var seedLoaded bool
	tried := map[string]bool{}

	for {
		strategy := e.selectStrategyExcluding(tried)
		if strategy == "" {
			return nil, nil
		}

		key := cacheKey(nestID, strategy)
		if key == "" {
			tried[strategy] = true
			continue
		}

		uri, err := e.cache.peek(ctx, key)
		if err != nil {
			return nil, err
		}
		if uri == "" {
			if !seedLoaded {
				seed, err = e.SeedInfo(ctx, nestID)
				if err != nil {
					return nil, err
				}
				seedLoaded = true
			}
			if filled, err := e.fillStrategyCache(ctx, nestID, strategy, seed); err != nil {
				return nil, err
			} else if filled > 0 {
				uri, err = e.cache.peek(ctx, key)
				if err != nil {
					return nil, err
				}
			}
		}
		if uri == "" {
			tried[strategy] = true
			continue
		}

		uri, err = e.drainFiltered(ctx, nestID, key, uri)
		if err != nil {
			return nil, err
		}
		if uri == "" {
			tried[strategy] = true
			continue
		}

		user := BotIdentity
		if strategy == "throwback" {
			if attributed, ok, err := e.store.HGet(ctx, throwbackUsersKey(nestID), uri); err != nil {
				return nil, err
			} else if ok && attributed != "" {
				user = attributed
			}
		}

		fill := &Fill{TrackURI: uri, User: user, Strategy: strategy}
		if err := e.writePreview(ctx, nestID, fill); err != nil {
			return nil, err
		}
		return fill, nil
	}
}

// drainFiltered pops uri, and any filtered tracks ahead of it, from
// the front of the strategy cache until a clean track surfaces (or
// the cache runs dry).
func (e *Engine) drainFiltered(ctx context.Context, nestID, cacheKey, uri string) (string, error) {
	for uri != "" {
		filtered, err := e.isFiltered(ctx, nestID, uri)
		if err != nil {
			return "", err
		}
		if !filtered {
			return uri, nil
		}
		if _, err := e.cache.popFront(ctx, cacheKey); err != nil {
			return "", err
		}
		uri, err = e.cache.peek(ctx, cacheKey)
		if err != nil {
			return "", err
		}
	}
	return "", nil
}

func (e *Engine) isFiltered(ctx context.Context, nestID, uri string) (bool, error) {
	_, ok, err := e.store.Get(ctx, filterKey(nestID, uri))
	return ok, err
}

// FilterPreview is Filter using the engine's configured FilterTTL
// (BENDER_FILTER_TIME), the entry point for the "skip this" client
// intent (benderfilter).
func (e *Engine) FilterPreview(ctx context.Context, nestID, uri string) error {
	return e.Filter(ctx, nestID, uri, e.cfg.FilterTTL)
}

// Filter marks uri unplayable for ttl and clears the cached preview
// (dropping uri from its strategy cache when the preview was showing
// it), so the next PreviewCandidate call draws fresh.
func (e *Engine) Filter(ctx context.Context, nestID, uri string, ttl time.Duration) error {
	if preview, ok, err := e.readPreview(ctx, nestID); err != nil {
		return err
	} else if ok && preview.TrackURI == uri {
		if key := cacheKey(nestID, preview.Strategy); key != "" {
			if _, err := e.cache.popFront(ctx, key); err != nil {
				return err
			}
		}
		if preview.Strategy == "throwback" {
			if err := e.store.HDelField(ctx, throwbackUsersKey(nestID), uri); err != nil {
				return err
			}
		}
	}
	if err := e.clearPreview(ctx, nestID); err != nil {
		return err
	}
	if err := e.store.SetTTL(ctx, filterKey(nestID, uri), "1", ttl); err != nil {
		return err
	}
	if err := e.store.Publish(ctx, registry.BusChannel(nestID), playlistUpdateEvent); err != nil {
		logging.Warn().Str("nest_id", nestID).Err(err).Msg("recommend: publish failed")
	}
	return nil
}

// ConsumePreview commits the currently-previewed track (matched by
// trackURI, to guard against a stale UI) and attributes the jam it
// carries with it to the identity the preview was originally drawn
// for — queuing a throwback track credits whoever queued it
// originally, not the bot.
func (e *Engine) ConsumePreview(ctx context.Context, nestID, trackURI string) (*Fill, error) {
	preview, ok, err := e.readPreview(ctx, nestID)
	if err != nil {
		return nil, err
	}
	if !ok || preview.TrackURI != trackURI {
		return nil, nil
	}
	if key := cacheKey(nestID, preview.Strategy); key != "" {
		if _, err := e.cache.popFront(ctx, key); err != nil {
			return nil, err
		}
	}
	if preview.Strategy == "throwback" {
		if err := e.store.HDelField(ctx, throwbackUsersKey(nestID), trackURI); err != nil {
			return nil, err
		}
	}
	if err := e.clearPreview(ctx, nestID); err != nil {
		return nil, err
	}
	return preview, nil
}

// GetFillSong consumes the previewed track when one exists, so the
// UI's "up next" card and the actual queue stay in sync; otherwise it
// falls back to the weighted strategy rotation directly. Returns nil
// when every strategy is exhausted (or, while the catalog is
// rate-limited, when throwback alone comes up empty).
func (e *Engine) GetFillSong(ctx context.Context, nestID string) (*Fill, error) {
	if preview, ok, err := e.readPreview(ctx, nestID); err != nil {
		return nil, err
	} else if ok {
		if filtered, err := e.isFiltered(ctx, nestID, preview.TrackURI); err != nil {
			return nil, err
		} else if !filtered {
			if key := cacheKey(nestID, preview.Strategy); key != "" {
				if _, err := e.cache.popFront(ctx, key); err != nil {
					return nil, err
				}
			}
			if preview.Strategy == "throwback" {
				if err := e.store.HDelField(ctx, throwbackUsersKey(nestID), preview.TrackURI); err != nil {
					return nil, err
				}
			}
			if err := e.clearPreview(ctx, nestID); err != nil {
				return nil, err
			}
			if err := e.store.Set(ctx, lastBenderTrackKey(nestID), preview.TrackURI); err != nil {
				return nil, err
			}
			return preview, nil
		}
		if err := e.clearPreview(ctx, nestID); err != nil {
			return nil, err
		}
	}

	if limited, err := e.IsRateLimited(ctx); err != nil {
		return nil, err
	} else if limited {
		return e.drawFromThrowbackOnly(ctx, nestID)
	}

	seed, err := e.SeedInfo(ctx, nestID)
	if err != nil {
		return nil, err
	}
	tried := map[string]bool{}
	for {
		strategy := e.selectStrategyExcluding(tried)
		if strategy == "" {
			return nil, nil
		}
		key := cacheKey(nestID, strategy)
		if key == "" {
			tried[strategy] = true
			continue
		}

		uri, err := e.cache.popFront(ctx, key)
		if err != nil {
			return nil, err
		}
		if uri == "" {
			if seed != nil {
				if _, err := e.fillStrategyCache(ctx, nestID, strategy, seed); err != nil {
					return nil, err
				}
			}
			uri, err = e.cache.popFront(ctx, key)
			if err != nil {
				return nil, err
			}
		}
		if uri == "" {
			tried[strategy] = true
			continue
		}

		uri, err = e.dropFilteredPopping(ctx, nestID, key, strategy, uri)
		if err != nil {
			return nil, err
		}
		if uri == "" {
			tried[strategy] = true
			continue
		}

		user := BotIdentity
		if strategy == "throwback" {
			if attributed, ok, err := e.store.HGet(ctx, throwbackUsersKey(nestID), uri); err != nil {
				return nil, err
			} else if ok && attributed != "" {
				user = attributed
			}
			if err := e.store.HDelField(ctx, throwbackUsersKey(nestID), uri); err != nil {
				return nil, err
			}
		}
		if err := e.store.Set(ctx, lastBenderTrackKey(nestID), uri); err != nil {
			return nil, err
		}
		return &Fill{TrackURI: uri, User: user, Strategy: strategy}, nil
	}
}

func (e *Engine) dropFilteredPopping(ctx context.Context, nestID, key, strategy, uri string) (string, error) {
	for uri != "" {
		filtered, err := e.isFiltered(ctx, nestID, uri)
		if err != nil {
			return "", err
		}
		if !filtered {
			return uri, nil
		}
		if strategy == "throwback" {
			if err := e.store.HDelField(ctx, throwbackUsersKey(nestID), uri); err != nil {
				return "", err
			}
		}
		uri, err = e.cache.popFront(ctx, key)
		if err != nil {
			return "", err
		}
	}
	return "", nil
}

func (e *Engine) drawFromThrowbackOnly(ctx context.Context, nestID string) (*Fill, error) {
	key := cacheKey(nestID, "throwback")
	uri, err := e.cache.popFront(ctx, key)
	if err != nil {
		return nil, err
	}
	if uri == "" {
		if filled, err := e.fillThrowbackCache(ctx, nestID); err != nil {
			return nil, err
		} else if filled > 0 {
			uri, err = e.cache.popFront(ctx, key)
			if err != nil {
				return nil, err
			}
		}
	}
	if uri == "" {
		return nil, nil
	}
	user := BotIdentity
	if attributed, ok, err := e.store.HGet(ctx, throwbackUsersKey(nestID), uri); err != nil {
		return nil, err
	} else if ok && attributed != "" {
		user = attributed
	}
	if err := e.store.HDelField(ctx, throwbackUsersKey(nestID), uri); err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, lastBenderTrackKey(nestID), uri); err != nil {
		return nil, err
	}
	return &Fill{TrackURI: uri, User: user, Strategy: "throwback"}, nil
}

// EnsureFillSongs lazily pre-warms the rotation: if every strategy
// cache is already empty, it resolves seed info once and fills
// whichever strategy (tried in descending weight order) succeeds
// first.
func (e *Engine) EnsureFillSongs(ctx context.Context, nestID string) error {
	for strategy := range e.cfg.Weights {
		key := cacheKey(nestID, strategy)
		if key == "" {
			continue
		}
		uri, err := e.cache.peek(ctx, key)
		if err != nil {
			return err
		}
		if uri != "" {
			return nil
		}
	}

	seed, err := e.SeedInfo(ctx, nestID)
	if err != nil {
		return err
	}
	if seed == nil {
		return nil
	}

	order := orderedByWeightDesc(e.cfg.Weights)
	for _, strategy := range order {
		if e.cfg.Weights[strategy] <= 0 {
			continue
		}
		if filled, err := e.fillStrategyCache(ctx, nestID, strategy, seed); err != nil {
			return err
		} else if filled > 0 {
			return nil
		}
	}
	return nil
}

func orderedByWeightDesc(weights map[string]int) []string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && weights[names[j]] > weights[names[j-1]]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// ClearCaches drops every per-strategy cache, the seed-info cache,
// and the pending preview. Called once a human-contributed track
// starts playing, so the rotation re-seeds itself from the fresh
// context instead of stale recommendations.
func (e *Engine) ClearCaches(ctx context.Context, nestID string) error {
	keys := []string{seedInfoKey(nestID)}
	for strategy := range strategyCacheSuffix {
		if key := cacheKey(nestID, strategy); key != "" {
			keys = append(keys, key)
		}
	}
	if err := e.store.Del(ctx, keys...); err != nil {
		return err
	}
	if err := e.store.HDel(ctx, throwbackUsersKey(nestID)); err != nil {
		return err
	}
	return e.clearPreview(ctx, nestID)
}

// MarkStreakStart records playerNow as the start of an unbroken
// bender streak, if one isn't already running; ClearStreak resets it
// once a human track interrupts the streak.
func (e *Engine) MarkStreakStart(ctx context.Context, nestID string, playerNow time.Time) error {
	_, err := e.store.SetNX(ctx, benderStreakStartKey(nestID), playerNow.Format(time.RFC3339Nano), 0)
	return err
}

// ClearStreak ends the current bender streak.
func (e *Engine) ClearStreak(ctx context.Context, nestID string) error {
	return e.store.Del(ctx, benderStreakStartKey(nestID))
}

// StreakElapsed reports how long the current bender streak has run,
// relative to playerNow (the playhead's virtual clock, not wall
// time). Zero if no streak is recorded.
func (e *Engine) StreakElapsed(ctx context.Context, nestID string, playerNow time.Time) (time.Duration, error) {
	raw, ok, err := e.store.Get(ctx, benderStreakStartKey(nestID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	start, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, nil
	}
	if elapsed := playerNow.Sub(start); elapsed > 0 {
		return elapsed, nil
	}
	return 0, nil
}

func (e *Engine) readPreview(ctx context.Context, nestID string) (*Fill, bool, error) {
	fields, err := e.store.HGetAll(ctx, nextPreviewKey(nestID))
	if err != nil {
		return nil, false, err
	}
	uri := fields["trackid"]
	if uri == "" {
		return nil, false, nil
	}
	return &Fill{TrackURI: uri, User: fields["user"], Strategy: fields["strategy"]}, true, nil
}

func (e *Engine) writePreview(ctx context.Context, nestID string, fill *Fill) error {
	return e.store.HSetMany(ctx, nextPreviewKey(nestID), map[string]string{
		"trackid":  fill.TrackURI,
		"user":     fill.User,
		"strategy": fill.Strategy,
	}, 0)
}

func (e *Engine) clearPreview(ctx context.Context, nestID string) error {
	return e.store.HDel(ctx, nextPreviewKey(nestID))
}
