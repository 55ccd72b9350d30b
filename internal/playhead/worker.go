// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package playhead implements the per-nest master-player loop (C5):
// a singleton lease elects one worker per nest, a virtual clock
// advances in one-second ticks, and the recommendation engine is
// called on to backfill the queue once human contributions run dry.
// The loop selects over a ticker rather than sleep-polling, so
// shutdown is immediate on context cancellation.
package playhead

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/history"
	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
)

// leaseRetryInterval is how long a worker waits between failed lease
// acquisition attempts before trying again.
const leaseRetryInterval = 5 * time.Second

// noSongRetryInterval is the idle backoff when the recommendation
// engine has nothing left to offer and the bender streak has expired.
const noSongRetryInterval = 500 * time.Millisecond

// Manager builds per-nest playhead workers and owns the collaborators
// every worker shares: the store, queue engine, recommendation
// engine, play-history log, and catalog client.
type Manager struct {
	store     *store.Store
	queue     *queue.Engine
	recommend *recommend.Engine
	history   *history.Log
	catalog   catalog.Client
	cfg       config.PlayheadConfig
}

// NewManager builds a Manager. catalog may be nil only if the
// recommendation engine never needs to resolve fill-track metadata,
// which in practice means UseBender must also be false.
func NewManager(s *store.Store, q *queue.Engine, rec *recommend.Engine, hist *history.Log, cat catalog.Client, cfg config.PlayheadConfig) *Manager {
	return &Manager{store: s, queue: q, recommend: rec, history: hist, catalog: cat, cfg: cfg}
}

// Factory returns a supervisor.WorkerFactory closure, keeping the
// supervisor package decoupled from playhead's internals.
func (m *Manager) Factory() func(nestID string) (suture.Service, error) {
	return func(nestID string) (suture.Service, error) {
		return &Worker{mgr: m, nestID: nestID, id: uuid.NewString()}, nil
	}
}

// Worker runs one nest's master-player loop once it wins the nest's
// lease. It implements suture.Service.
type Worker struct {
	mgr    *Manager
	nestID string
	id     string
}

// String identifies the worker in supervisor logs.
func (w *Worker) String() string {
	return fmt.Sprintf("playhead(%s)", w.nestID)
}

// Serve acquires the nest's master-player lease (blocking, retried
// every 5s, cancellable) and then runs the playhead loop until ctx is
// canceled or an unrecoverable store error occurs.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.acquireLease(ctx); err != nil {
		return err
	}
	logging.CtxInfo(ctx).Str("nest_id", w.nestID).Str("worker_id", w.id).Msg("playhead: lease acquired")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.playOneCycle(ctx); err != nil {
			return err
		}
	}
}

func (w *Worker) acquireLease(ctx context.Context) error {
	for {
		won, err := w.mgr.store.SetNX(ctx, leaseKey(w.nestID), w.id, w.mgr.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("playhead: acquire lease: %w", err)
		}
		if won {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaseRetryInterval):
		}
	}
}

func (w *Worker) refreshLease(ctx context.Context) error {
	return w.mgr.store.SetTTL(ctx, leaseKey(w.nestID), w.id, w.mgr.cfg.LeaseTTL)
}

// playOneCycle advances the playhead through exactly one song: it
// either resumes a still-live current-done window (after a worker
// restart) or finishes the previous song, pops (or fills) the next
// one, and runs the per-second tick loop until the song's done.
func (w *Worker) playOneCycle(ctx context.Context) error {
	now, err := w.playerNow(ctx)
	if err != nil {
		return err
	}

	done, resuming, err := w.liveCurrentDone(ctx, now)
	if err != nil {
		return err
	}

	var entry models.QueueEntry
	if resuming {
		playing, ok, err := w.mgr.queue.NowPlayingEntry(ctx, w.nestID)
		if err != nil {
			return err
		}
		if !ok {
			// The detail hash expired out from under a still-live
			// current-done window; drop the stale pointer and let the
			// next cycle start fresh.
			return w.mgr.store.Del(ctx, currentDoneKey(w.nestID))
		}
		entry = playing.QueueEntry
	} else {
		if err := w.logFinishedSong(ctx, now); err != nil {
			logging.CtxWarn(ctx).Err(err).Str("nest_id", w.nestID).Msg("playhead: failed to log finished song")
		}

		popped, humanTrack, found, err := w.mgr.queue.PopNext(ctx, w.nestID)
		if err != nil {
			return err
		}
		if !found {
			return w.handleEmptyQueue(ctx, now)
		}
		if humanTrack {
			if err := w.mgr.recommend.ClearCaches(ctx, w.nestID); err != nil {
				logging.CtxWarn(ctx).Err(err).Msg("playhead: failed to clear recommendation caches")
			}
			if err := w.mgr.recommend.ClearStreak(ctx, w.nestID); err != nil {
				logging.CtxWarn(ctx).Err(err).Msg("playhead: failed to clear bender streak")
			}
		}
		if popped.Duration < w.mgr.cfg.MinTrackSeconds {
			// Too short to bother timing; it's already been popped, so
			// just move straight on to the next cycle.
			return nil
		}
		entry = popped
		done = now.Add(time.Duration(popped.Duration)*time.Second + time.Second)
	}

	if err := w.mgr.ensureQueueDepth(ctx, w.nestID); err != nil {
		logging.CtxWarn(ctx).Err(err).Str("nest_id", w.nestID).Msg("playhead: failed to backfill queue depth")
	}

	if err := w.mgr.store.SetTTL(ctx, currentDoneKey(w.nestID), done.Format(time.RFC3339Nano), done.Sub(now)); err != nil {
		return err
	}
	if err := w.mgr.store.Set(ctx, startedOnKey(w.nestID), now.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	return w.runTickLoop(ctx, entry, done)
}

// liveCurrentDone reads MISC|current-done and reports whether it's
// still in the future relative to now — a sign the worker restarted
// mid-song and should resume rather than advance to a new track.
func (w *Worker) liveCurrentDone(ctx context.Context, now time.Time) (time.Time, bool, error) {
	raw, ok, err := w.mgr.store.Get(ctx, currentDoneKey(w.nestID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	done, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !done.After(now) {
		return time.Time{}, false, nil
	}
	return done, true, nil
}

func (w *Worker) logFinishedSong(ctx context.Context, now time.Time) error {
	playing, ok, err := w.mgr.queue.NowPlayingEntry(ctx, w.nestID)
	if err != nil || !ok || playing.ID == 0 {
		return err
	}
	jammers := make([]string, 0, len(playing.Jams))
	for _, j := range playing.Jams {
		jammers = append(jammers, j.User)
	}
	_, err = w.mgr.history.Append(ctx, w.nestID, playing.QueueEntry, now, jammers, nil)
	return err
}

// handleEmptyQueue implements the bender-streak branch: mark (or
// extend) the streak clock, and either draw and queue a fill track or
// back off briefly if the streak has run past MaxBenderMinutes.
func (w *Worker) handleEmptyQueue(ctx context.Context, now time.Time) error {
	if err := w.mgr.recommend.MarkStreakStart(ctx, w.nestID, now); err != nil {
		return err
	}

	if w.mgr.cfg.UseBender {
		elapsed, err := w.mgr.recommend.StreakElapsed(ctx, w.nestID, now)
		if err != nil {
			return err
		}
		if w.mgr.cfg.MaxBenderMinutes <= 0 || elapsed <= w.mgr.cfg.MaxBenderMinutes {
			if err := w.mgr.fillOneSong(ctx, w.nestID); err != nil {
				logging.CtxWarn(ctx).Err(err).Str("nest_id", w.nestID).Msg("playhead: couldn't add a fill song")
			}
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(noSongRetryInterval):
	}
	return nil
}

// runTickLoop advances the virtual clock one second at a time until
// done, honoring pause (freezes the clock, extends current-done by
// wall time) and force-jump (breaks out immediately), refreshing the
// lease and publishing a position tick every second.
func (w *Worker) runTickLoop(ctx context.Context, entry models.QueueEntry, done time.Time) error {
	ticker := time.NewTicker(w.mgr.cfg.TickInterval)
	defer ticker.Stop()

	for {
		now, err := w.playerNow(ctx)
		if err != nil {
			return err
		}
		if !now.Before(done) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		paused, err := w.isPaused(ctx)
		if err != nil {
			return err
		}
		if err := w.refreshLease(ctx); err != nil {
			return err
		}
		if paused {
			now, err = w.playerNow(ctx)
			if err != nil {
				return err
			}
			remaining := done.Sub(now)
			done = now.Add(remaining + 500*time.Millisecond)
			if err := w.mgr.store.SetTTL(ctx, currentDoneKey(w.nestID), done.Format(time.RFC3339Nano), remaining+time.Second); err != nil {
				return err
			}
			continue
		}

		jumped, err := w.consumeForceJump(ctx)
		if err != nil {
			return err
		}
		if jumped {
			break
		}

		now, err = w.addPlayerNow(ctx, time.Second)
		if err != nil {
			return err
		}
		elapsed := entry.Duration - int(done.Sub(now).Seconds())
		if elapsed < 0 {
			elapsed = 0
		}
		w.publishTick(ctx, entry, elapsed)
	}

	return w.finishSong(ctx, entry)
}

func (w *Worker) finishSong(ctx context.Context, entry models.QueueEntry) error {
	if err := w.mgr.store.Del(ctx, currentDoneKey(w.nestID)); err != nil {
		return err
	}
	id := strconv.FormatInt(entry.ID, 10)
	return w.mgr.queue.FinishPlaying(ctx, w.nestID, id)
}

func (w *Worker) publishTick(ctx context.Context, entry models.QueueEntry, elapsedSeconds int) {
	msg := fmt.Sprintf("pp|%s|%s|%d", entry.Src, entry.TrackID, elapsedSeconds)
	if err := w.mgr.store.Publish(ctx, registry.BusChannel(w.nestID), msg); err != nil {
		logging.CtxWarn(ctx).Err(err).Str("nest_id", w.nestID).Msg("playhead: failed to publish position tick")
	}
}

func (w *Worker) isPaused(ctx context.Context) (bool, error) {
	_, ok, err := w.mgr.store.Get(ctx, pausedKey(w.nestID))
	return ok, err
}

func (w *Worker) consumeForceJump(ctx context.Context) (bool, error) {
	_, ok, err := w.mgr.store.Get(ctx, forceJumpKey(w.nestID))
	if err != nil || !ok {
		return false, err
	}
	if err := w.mgr.store.Del(ctx, forceJumpKey(w.nestID)); err != nil {
		return false, err
	}
	return true, nil
}

// playerNow returns the virtual clock's current position, falling
// back to wall time when no tick has ever been recorded.
func (w *Worker) playerNow(ctx context.Context) (time.Time, error) {
	raw, ok, err := w.mgr.store.Get(ctx, playerNowKey(w.nestID))
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Now().UTC(), nil
	}
	return t, nil
}

// addPlayerNow advances the virtual clock by delta and persists it
// with a 12h TTL.
func (w *Worker) addPlayerNow(ctx context.Context, delta time.Duration) (time.Time, error) {
	now, err := w.playerNow(ctx)
	if err != nil {
		return time.Time{}, err
	}
	next := now.Add(delta)
	if err := w.mgr.store.SetTTL(ctx, playerNowKey(w.nestID), next.Format(time.RFC3339Nano), 12*time.Hour); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// Pause halts playhead advancement without releasing the lease.
func (m *Manager) Pause(ctx context.Context, nestID string) error {
	if err := m.store.Set(ctx, pausedKey(nestID), "1"); err != nil {
		return err
	}
	return m.publishNowPlaying(ctx, nestID)
}

// Resume clears the pause flag. If the now-playing pointer refers to
// an expired detail hash, it's cleared so the next cycle starts over.
func (m *Manager) Resume(ctx context.Context, nestID string) error {
	if err := m.store.Del(ctx, pausedKey(nestID)); err != nil {
		return err
	}
	if _, ok, err := m.queue.NowPlayingEntry(ctx, nestID); err != nil {
		return err
	} else if !ok {
		if id, has, err := m.queue.NowPlayingID(ctx, nestID); err != nil {
			return err
		} else if has && id != "" {
			if err := m.store.Del(ctx, currentDoneKey(nestID)); err != nil {
				return err
			}
		}
	}
	return m.publishNowPlaying(ctx, nestID)
}

// Skip sets the force-jump flag the tick loop observes and breaks on.
func (m *Manager) Skip(ctx context.Context, nestID string) error {
	return m.store.Set(ctx, forceJumpKey(nestID), "1")
}

func (m *Manager) publishNowPlaying(ctx context.Context, nestID string) error {
	return m.store.Publish(ctx, registry.BusChannel(nestID), queue.EventNowPlayingUpdate)
}

// NowPlaying hydrates the current track plus playhead timing for a
// nest, returning found=false if nothing is playing.
func (m *Manager) NowPlaying(ctx context.Context, nestID string) (models.NowPlaying, bool, error) {
	playing, ok, err := m.queue.NowPlayingEntry(ctx, nestID)
	if err != nil || !ok {
		return models.NowPlaying{}, false, err
	}

	startedRaw, ok, err := m.store.Get(ctx, startedOnKey(nestID))
	if err != nil {
		return models.NowPlaying{}, false, err
	}
	started := time.Now().UTC()
	if ok {
		if t, err := time.Parse(time.RFC3339Nano, startedRaw); err == nil {
			started = t
		}
	}

	_, paused, err := m.store.Get(ctx, pausedKey(nestID))
	if err != nil {
		return models.NowPlaying{}, false, err
	}

	now, err := m.playerNowForManager(ctx, nestID)
	if err != nil {
		return models.NowPlaying{}, false, err
	}
	pos := int(now.Sub(started).Seconds())
	if pos < 0 {
		pos = 0
	}

	return models.NowPlaying{
		QueueEntry: playing.QueueEntry,
		StartTime:  started,
		EndTime:    started.Add(time.Duration(playing.Duration) * time.Second),
		Pos:        pos,
		Paused:     paused,
	}, true, nil
}

// GetVolume returns a nest's current volume (0-100), defaulting to 100
// when never set.
func (m *Manager) GetVolume(ctx context.Context, nestID string) (int, error) {
	raw, ok, err := m.store.Get(ctx, volumeKey(nestID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 100, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 100, nil
	}
	return v, nil
}

// SetVolume clamps vol to [0, 100], persists it, and broadcasts
// "v|{volume}" on the nest's bus channel.
func (m *Manager) SetVolume(ctx context.Context, nestID string, vol int) error {
	if vol < 0 {
		vol = 0
	}
	if vol > 100 {
		vol = 100
	}
	if err := m.store.Set(ctx, volumeKey(nestID), strconv.Itoa(vol)); err != nil {
		return err
	}
	return m.store.Publish(ctx, registry.BusChannel(nestID), fmt.Sprintf("v|%d", vol))
}

// ensureQueueDepth tops the upcoming queue up to the nest's configured
// minimum depth with bender fill tracks, stopping early if the bender
// streak limit is hit or a fill attempt comes up empty.
func (m *Manager) ensureQueueDepth(ctx context.Context, nestID string) error {
	if !m.cfg.UseBender {
		return nil
	}
	minDepth := m.cfg.MinQueueDepth
	if nestID == registry.MainNestID {
		minDepth = m.cfg.MinQueueDepthMain
	}

	size, err := m.queue.Size(ctx, nestID)
	if err != nil {
		return err
	}
	for ; size < minDepth; size++ {
		now, err := m.playerNowForManager(ctx, nestID)
		if err != nil {
			return err
		}
		if m.cfg.MaxBenderMinutes > 0 {
			elapsed, err := m.recommend.StreakElapsed(ctx, nestID, now)
			if err != nil {
				return err
			}
			if elapsed > m.cfg.MaxBenderMinutes {
				logging.CtxInfo(ctx).Str("nest_id", nestID).Msg("playhead: bender streak limit reached, stopping backfill")
				return nil
			}
		}
		added, err := m.tryFillOneSong(ctx, nestID)
		if err != nil {
			return err
		}
		if !added {
			return nil
		}
	}
	return nil
}

func (m *Manager) playerNowForManager(ctx context.Context, nestID string) (time.Time, error) {
	raw, ok, err := m.store.Get(ctx, playerNowKey(nestID))
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Now().UTC(), nil
	}
	return t, nil
}

// fillOneSong draws and queues exactly one bender fill track,
// returning nil whether or not one was found (an empty rotation is
// not an error, just nothing to do this cycle).
func (m *Manager) fillOneSong(ctx context.Context, nestID string) error {
	_, err := m.tryFillOneSong(ctx, nestID)
	return err
}

func (m *Manager) tryFillOneSong(ctx context.Context, nestID string) (bool, error) {
	if err := m.recommend.EnsureFillSongs(ctx, nestID); err != nil {
		logging.CtxWarn(ctx).Err(err).Str("nest_id", nestID).Msg("playhead: failed to pre-warm fill caches")
	}

	fill, err := m.recommend.GetFillSong(ctx, nestID)
	if err != nil {
		return false, err
	}
	if fill == nil {
		return false, nil
	}

	entry, err := m.buildEntryFromFill(ctx, fill)
	if err != nil {
		logging.CtxWarn(ctx).Err(err).Str("track_uri", fill.TrackURI).Msg("playhead: couldn't resolve fill track metadata")
		return false, nil
	}

	if _, err := m.queue.Add(ctx, nestID, fill.User, entry, queue.AddOptions{Auto: true}); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) buildEntryFromFill(ctx context.Context, fill *recommend.Fill) (models.QueueEntry, error) {
	if strings.Contains(fill.TrackURI, ":episode:") {
		ep, err := m.catalog.Episode(ctx, trackIDFromURI(fill.TrackURI))
		if err != nil {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{
			TrackID:  fill.TrackURI,
			Src:      "spotify",
			Title:    ep.Title,
			Artist:   ep.ShowName,
			Duration: ep.Duration,
			Image:    ep.Image,
		}, nil
	}

	track, err := m.catalog.Track(ctx, trackIDFromURI(fill.TrackURI))
	if err != nil {
		return models.QueueEntry{}, err
	}
	return models.QueueEntry{
		TrackID:  fill.TrackURI,
		Src:      "spotify",
		Title:    track.Title,
		Artist:   track.Artist,
		Duration: track.Duration,
		Image:    track.Image,
		BigImage: track.BigImage,
	}, nil
}

func trackIDFromURI(uri string) string {
	if idx := strings.LastIndex(uri, ":"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}
