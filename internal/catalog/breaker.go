// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/metrics"
)

// BreakerConfig configures the resilience wrapper around a Client.
type BreakerConfig struct {
	// RequestsPerSecond and Burst bound outbound catalog calls ahead
	// of the breaker, independent of the breaker's own failure
	// accounting.
	RequestsPerSecond rate.Limit
	Burst             int
}

// Breaker wraps a Client with rate limiting and circuit-breaker
// protection, so a flaky or saturated catalog backend degrades a
// nest's recommendation engine gracefully instead of hanging queue
// refills.
type Breaker struct {
	client  Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[interface{}]
}

// NewBreaker wraps client. Defaults: 10 req/s with a burst of 20,
// matching the teacher's one-breaker-per-dependency convention.
func NewBreaker(client Client, cfg BreakerConfig) *Breaker {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	metrics.CatalogBreakerState.Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "catalog-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("catalog: opening circuit")
			}
			return shouldTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", stateString(from)).Str("to", stateString(to)).
				Msg("catalog: circuit breaker state transition")
			metrics.CatalogBreakerState.Set(stateFloat(to))
		},
	})

	return &Breaker{
		client:  client,
		limiter: rate.NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
		cb:      cb,
	}
}

func stateFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (b *Breaker) execute(ctx context.Context, operation string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("catalog: rate limiter: %w", err)
	}

	result, err := b.cb.Execute(fn)
	metrics.ObserveCatalogRequest(operation, start, err)
	return result, err
}

func castResult[T any](result interface{}, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("catalog: unexpected result type %T", result)
	}
	return typed, nil
}

func castSlice[T any](result interface{}, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.([]T)
	if !ok {
		return nil, fmt.Errorf("catalog: unexpected result type %T", result)
	}
	return typed, nil
}

// Track implements Client with breaker/rate-limit protection.
func (b *Breaker) Track(ctx context.Context, id string) (*Track, error) {
	return castResult[Track](b.execute(ctx, "track", func() (interface{}, error) {
		return b.client.Track(ctx, id)
	}))
}

// Artist implements Client with breaker/rate-limit protection.
func (b *Breaker) Artist(ctx context.Context, id string) (*Artist, error) {
	return castResult[Artist](b.execute(ctx, "artist", func() (interface{}, error) {
		return b.client.Artist(ctx, id)
	}))
}

// AlbumTracks implements Client with breaker/rate-limit protection.
func (b *Breaker) AlbumTracks(ctx context.Context, albumID string) ([]Track, error) {
	return castSlice[Track](b.execute(ctx, "album_tracks", func() (interface{}, error) {
		return b.client.AlbumTracks(ctx, albumID)
	}))
}

// ArtistTopTracks implements Client with breaker/rate-limit protection.
func (b *Breaker) ArtistTopTracks(ctx context.Context, artistID, market string) ([]Track, error) {
	return castSlice[Track](b.execute(ctx, "artist_top_tracks", func() (interface{}, error) {
		return b.client.ArtistTopTracks(ctx, artistID, market)
	}))
}

// Search implements Client with breaker/rate-limit protection.
func (b *Breaker) Search(ctx context.Context, query string, typ SearchType, limit int, market string) ([]Track, error) {
	return castSlice[Track](b.execute(ctx, "search", func() (interface{}, error) {
		return b.client.Search(ctx, query, typ, limit, market)
	}))
}

// Episode implements Client with breaker/rate-limit protection.
func (b *Breaker) Episode(ctx context.Context, id string) (*Episode, error) {
	return castResult[Episode](b.execute(ctx, "episode", func() (interface{}, error) {
		return b.client.Episode(ctx, id)
	}))
}

// State reports the current breaker state, used by health checks.
func (b *Breaker) State() string {
	return stateString(b.cb.State())
}
