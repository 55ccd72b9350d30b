// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history is the append-only play-history log: every
// finished track is mirrored into a global sorted set (for O(log n)
// lookups) and appended to a per-day ndjson file (for durability and
// the throwback strategy's day-of-week scan), matching the layout
// original_source/history.py and db.py's log_finished_song built on
// top of.
package history

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/store"
)

// Log is the play-history collaborator. It satisfies
// recommend.HistoryProvider.
type Log struct {
	store *store.Store
	cfg   config.HistoryConfig
	rng   *rand.Rand
}

// New builds a Log rooted at cfg.Dir. The directory is created lazily
// on the first Append.
func New(s *store.Store, cfg config.HistoryConfig) *Log {
	return &Log{
		store: s,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // shuffling throwback candidates, not security sensitive
	}
}

// Append records one finished play: it strips UI-presentation fields
// from the entry, mirrors the cleaned record into the global
// playhistory sorted set (scored by end time, deduped by exact JSON
// equality), and appends it to today's ndjson log file. A dedupe hit
// is not an error — it mirrors add_play's "already in redis" no-op.
func (l *Log) Append(ctx context.Context, nestID string, entry models.QueueEntry, endTime time.Time, jams, airhorns []string) (models.PlayRecord, error) {
	rec := models.PlayRecord{
		NestID:   nestID,
		Entry:    cleanEntry(entry),
		EndTime:  endTime,
		Jams:     jams,
		Airhorns: airhorns,
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("history: marshal play record: %w", err)
	}
	line := string(blob)

	if _, dup, err := l.store.ZScore(ctx, playsKey, line); err != nil {
		return rec, fmt.Errorf("history: check dedupe: %w", err)
	} else if dup {
		return rec, nil
	}

	if err := l.store.ZAdd(ctx, playsKey, line, float64(endTime.Unix())); err != nil {
		return rec, fmt.Errorf("history: mirror play: %w", err)
	}

	if err := l.appendDailyFile(endTime, line); err != nil {
		logging.CtxWarn(ctx).Err(err).Str("nest_id", nestID).Msg("history: failed to append daily play log")
	}

	return rec, nil
}

func cleanEntry(e models.QueueEntry) models.QueueEntry {
	e.Image = ""
	e.BigImage = ""
	e.BackgroundColor = ""
	e.ForegroundColor = ""
	return e
}

func (l *Log) appendDailyFile(day time.Time, line string) error {
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.cfg.Dir, err)
	}
	path := filepath.Join(l.cfg.Dir, dailyFileName(day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ThrowbackPlays implements recommend.HistoryProvider: it scans daily
// log files whose calendar date shares today's weekday, going back up
// to cfg.ThrowbackMaxDays days, collects that nest's plays deduped by
// track URI, shuffles them, and caps the result at limit (or
// cfg.ThrowbackCap, whichever is smaller).
func (l *Log) ThrowbackPlays(ctx context.Context, nestID string, limit int) ([]recommend.ThrowbackPlay, error) {
	n := limit
	if n <= 0 || n > l.cfg.ThrowbackCap {
		n = l.cfg.ThrowbackCap
	}

	today := time.Now()
	weekday := today.Weekday()

	seen := make(map[string]bool)
	var candidates []recommend.ThrowbackPlay

	for daysAgo := 0; daysAgo < l.cfg.ThrowbackMaxDays; daysAgo++ {
		day := today.AddDate(0, 0, -daysAgo)
		if day.Weekday() != weekday {
			continue
		}

		recs, err := l.readDailyFile(ctx, day)
		if err != nil {
			logging.CtxWarn(ctx).Err(err).Str("file", dailyFileName(day)).Msg("history: skipping unreadable play log")
			continue
		}
		for _, rec := range recs {
			if rec.NestID != nestID || rec.Entry.TrackID == "" {
				continue
			}
			if seen[rec.Entry.TrackID] {
				continue
			}
			seen[rec.Entry.TrackID] = true
			candidates = append(candidates, recommend.ThrowbackPlay{TrackURI: rec.Entry.TrackID, User: rec.Entry.User})
		}
	}

	l.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// PlaysByUser returns every recorded play a nest attributes to
// userID, most recent last. Supplemented from
// original_source/history.py's get_user_plays; unlike the original it
// reads the daily files directly rather than keeping a second
// in-memory mirror, since the sorted set already holds every play
// durably.
func (l *Log) PlaysByUser(ctx context.Context, nestID, userID string) ([]models.PlayRecord, error) {
	return l.scanAllFiles(ctx, func(rec models.PlayRecord) bool {
		return rec.NestID == nestID && rec.Entry.User == userID
	})
}

// JamsByUser returns every recorded play userID jammed, regardless of
// who originally queued it. Supplemented from
// original_source/history.py's get_user_jams.
func (l *Log) JamsByUser(ctx context.Context, nestID, userID string) ([]models.PlayRecord, error) {
	return l.scanAllFiles(ctx, func(rec models.PlayRecord) bool {
		if rec.NestID != nestID {
			return false
		}
		for _, jammer := range rec.Jams {
			if jammer == userID {
				return true
			}
		}
		return false
	})
}

func (l *Log) scanAllFiles(ctx context.Context, keep func(models.PlayRecord) bool) ([]models.PlayRecord, error) {
	paths, err := filepath.Glob(filepath.Join(l.cfg.Dir, "play_log_*.json"))
	if err != nil {
		return nil, fmt.Errorf("history: glob daily files: %w", err)
	}

	var out []models.PlayRecord
	for _, path := range paths {
		recs, err := l.readFile(path)
		if err != nil {
			logging.CtxWarn(ctx).Err(err).Str("file", path).Msg("history: skipping unreadable play log")
			continue
		}
		for _, rec := range recs {
			if keep(rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (l *Log) readDailyFile(_ context.Context, day time.Time) ([]models.PlayRecord, error) {
	return l.readFile(filepath.Join(l.cfg.Dir, dailyFileName(day)))
}

func (l *Log) readFile(path string) ([]models.PlayRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []models.PlayRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.PlayRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // skip broken lines, matching _store_play_log_file's tolerance
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
