// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the per-nest fair-share priority queue
// (C4): adding tracks interleaves each contributor's songs rather
// than first-come-first-served, voting re-ranks a track against its
// neighbors and tints it along a 5-step color ramp, and jams/comments
// are lightweight endorsements stored alongside each entry.
package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nestbox-fm/nestbox/internal/authz"
	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/nesterr"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
)

// Engine owns a nest's priority queue: the ordered track list and
// every entry's votes, jams, and comments.
type Engine struct {
	store     *store.Store
	reg       *registry.Registry
	authz     *authz.Enforcer
	cfg       config.QueueConfig
	recommend *recommend.Engine
}

// New builds an Engine over the shared store. authz may be nil, in
// which case no identity ever bypasses the one-vote-per-track rule.
func New(s *store.Store, reg *registry.Registry, az *authz.Enforcer, cfg config.QueueConfig) *Engine {
	return &Engine{store: s, reg: reg, authz: az, cfg: cfg}
}

// SetRecommend wires the recommendation engine in after construction,
// since the two collaborators are built independently in main() and
// neither package may import the other's constructor. Until this is
// called, GetQueued omits the preview card.
func (e *Engine) SetRecommend(rec *recommend.Engine) {
	e.recommend = rec
}

// AddOptions controls how Add scores and gates the new entry.
type AddOptions struct {
	// ForceFirst pins the entry to score 0 ahead of everything.
	ForceFirst bool
	// Auto marks the entry as a recommendation-engine fill, which
	// always lands at the tail rather than interleaving fairly.
	Auto bool
	// Penalty is added to the computed score, e.g. to push repeat
	// offenders back in the line.
	Penalty float64
}

// Add queues one track for identity and returns its entry id. Auto
// fills bypass the queue-depth cap; human adds beyond cfg.MaxDepth
// are rejected with nesterr.ErrQueueFull.
func (e *Engine) Add(ctx context.Context, nestID, identity string, entry models.QueueEntry, opts AddOptions) (string, error) {
	if err := e.checkActive(ctx, nestID); err != nil {
		return "", err
	}

	if !opts.Auto && e.cfg.MaxDepth > 0 {
		depth, err := e.store.ZCard(ctx, priorityQueueKey(nestID))
		if err != nil {
			return "", err
		}
		if int(depth) >= e.cfg.MaxDepth {
			return "", nesterr.NewQueueFull(e.cfg.MaxDepth)
		}
	}

	score, err := e.scoreTrack(ctx, nestID, identity, opts.ForceFirst, opts.Auto)
	if err != nil {
		return "", err
	}
	score += opts.Penalty

	rawID, err := e.store.Incr(ctx, playlistPlaysKey(nestID))
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(rawID, 10)

	entry.ID = rawID
	entry.User = identity
	entry.Vote = 0
	entry.Auto = opts.Auto
	entry.BackgroundColor, entry.ForegroundColor = colorForVotes(0)

	ttl := e.cfg.QueueDetailTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := e.store.HSetMany(ctx, entryKey(nestID, id), entryToHash(entry), ttl); err != nil {
		return "", err
	}

	voteKey := voteSetKey(nestID, id)
	if err := e.store.SAdd(ctx, voteKey, strings.ToLower(identity)); err != nil {
		return "", err
	}
	if err := e.store.Expire(ctx, voteKey, 24*time.Hour); err != nil {
		return "", err
	}

	if err := e.store.ZAdd(ctx, priorityQueueKey(nestID), id, score); err != nil {
		return "", err
	}

	e.publish(ctx, nestID, EventPlaylistUpdate)
	return id, nil
}

// scoreTrack implements the fair-share interleave: a new song is
// inserted right before the first existing song that would make its
// queuer's Nth song land ahead of the requesting identity's Nth song,
// so no single contributor can monopolize the front of the line by
// queuing in a burst.
func (e *Engine) scoreTrack(ctx context.Context, nestID, identity string, forceFirst, auto bool) (float64, error) {
	if forceFirst {
		return 0, nil
	}

	entries, err := e.listEntries(ctx, nestID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 1.0, nil
	}
	if auto {
		return entries[len(entries)-1].Score + 1.0, nil
	}

	identity = strings.ToLower(identity)
	thisUserSongs := 1
	for _, x := range entries {
		if strings.ToLower(x.User) == identity {
			thisUserSongs++
		}
	}

	seen := make(map[string]int, len(entries))
	for i, x := range entries {
		queuer := strings.ToLower(x.User)
		seen[queuer]++
		if seen[queuer] == thisUserSongs+1 {
			if i == 0 {
				return x.Score + 1.0, nil
			}
			return (entries[i-1].Score + x.Score) / 2.0, nil
		}
	}
	return entries[len(entries)-1].Score + 1.0, nil
}

// Vote applies identity's up/down vote to id: re-ranks it against its
// immediate neighbor(s), adjusts its vote count and color, and
// broadcasts the change. A second vote from the same identity is
// ignored unless it's a self-downvote or identity holds the
// vote-override privilege. Voting on an entry no longer in the
// upcoming queue (e.g. the one now playing) adjusts its vote count and
// color but not its rank.
func (e *Engine) Vote(ctx context.Context, nestID, identity, id string, up bool) error {
	if err := e.checkActive(ctx, nestID); err != nil {
		return err
	}
	identity = strings.ToLower(identity)

	fields, err := e.store.HGetAll(ctx, entryKey(nestID, id))
	if err != nil {
		return err
	}
	selfDown := fields["user"] == identity && !up

	voteKey := voteSetKey(nestID, id)
	if !selfDown {
		already, err := e.store.SIsMember(ctx, voteKey, identity)
		if err != nil {
			return err
		}
		if already && (e.authz == nil || !e.authz.CanVoteOverride(identity)) {
			return nil
		}
	}
	if err := e.store.SAdd(ctx, voteKey, identity); err != nil {
		return err
	}

	delta := 0
	if up {
		delta = 1
	} else if !selfDown {
		delta = -1
	}
	votes := 0
	if delta != 0 {
		votes, err = e.store.HIncrBy(ctx, entryKey(nestID, id), "vote", delta)
		if err != nil {
			return err
		}
	} else {
		votes, _ = strconv.Atoi(fields["vote"])
	}

	bg, fg := colorForVotes(votes)
	if err := e.store.HSet(ctx, entryKey(nestID, id), "background_color", bg); err != nil {
		return err
	}
	if err := e.store.HSet(ctx, entryKey(nestID, id), "foreground_color", fg); err != nil {
		return err
	}

	if err := e.rerank(ctx, nestID, id, up); err != nil {
		return err
	}

	e.publish(ctx, nestID, EventPlaylistUpdate)
	return nil
}

// rerank recomputes id's position relative to its up-to-two nearest
// neighbors (the pair just before it when upvoted, just after when
// downvoted) and shifts it to the midpoint, or 120 points past the
// edge when it has only one neighbor to compare against.
func (e *Engine) rerank(ctx context.Context, nestID, id string, up bool) error {
	key := priorityQueueKey(nestID)

	rank, ok, err := e.store.ZRank(ctx, key, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var lowRank int
	if up {
		lowRank = rank - 2
	} else {
		lowRank = rank + 1
	}
	highRank := lowRank + 1
	queryStart := max(lowRank, 0)

	members, err := e.store.ZRangeWithScores(ctx, key, queryStart, highRank)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	currentScore, ok, err := e.store.ZScore(ctx, key, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	lowScore := members[0].Score
	var newScore float64
	if len(members) == 1 {
		if lowRank == -1 {
			newScore = lowScore - 120.0
		} else {
			newScore = lowScore + 120.0
		}
	} else {
		newScore = (lowScore + members[1].Score) / 2.0
	}

	_, err = e.store.ZIncrBy(ctx, key, newScore-currentScore, id)
	return err
}

// KillSong removes id from the upcoming queue without touching its
// detail hash, which is left to expire on its own TTL.
func (e *Engine) KillSong(ctx context.Context, nestID, id string) error {
	if err := e.checkActive(ctx, nestID); err != nil {
		return err
	}
	if err := e.store.ZRem(ctx, priorityQueueKey(nestID), id); err != nil {
		return err
	}
	e.publish(ctx, nestID, EventPlaylistUpdate)
	return nil
}

// NukeQueue clears every upcoming track, leaving detail hashes to expire.
func (e *Engine) NukeQueue(ctx context.Context, nestID string) error {
	if err := e.checkActive(ctx, nestID); err != nil {
		return err
	}
	members, err := e.store.ZRangeWithScores(ctx, priorityQueueKey(nestID), 0, -1)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member
	}
	if err := e.store.ZRem(ctx, priorityQueueKey(nestID), ids...); err != nil {
		return err
	}
	e.publish(ctx, nestID, EventPlaylistUpdate)
	return nil
}

// Jam toggles identity's endorsement of id. Once a track collects
// cfg.FreeAirhornJams jams, the identity who contributed the track
// currently playing is granted a free airhorn.
func (e *Engine) Jam(ctx context.Context, nestID, id, identity string) error {
	if err := e.checkActive(ctx, nestID); err != nil {
		return err
	}
	identity = strings.ToLower(identity)
	jk := jamKey(nestID, id)

	_, already, err := e.store.ZScore(ctx, jk, identity)
	if err != nil {
		return err
	}
	if already {
		if err := e.store.ZRem(ctx, jk, identity); err != nil {
			return err
		}
	} else {
		if err := e.store.ZAdd(ctx, jk, identity, float64(time.Now().Unix())); err != nil {
			return err
		}
	}
	if err := e.store.Expire(ctx, jk, e.cfg.JamTTL); err != nil {
		return err
	}

	if _, ok, err := e.store.ZRank(ctx, priorityQueueKey(nestID), id); err != nil {
		return err
	} else if ok {
		e.publish(ctx, nestID, EventPlaylistUpdate)
	} else {
		e.publish(ctx, nestID, EventNowPlayingUpdate)
	}

	if !already && e.cfg.FreeAirhornJams > 0 {
		count, err := e.store.ZCard(ctx, jk)
		if err != nil {
			return err
		}
		if int(count) >= e.cfg.FreeAirhornJams {
			if err := e.grantFreehorn(ctx, nestID, id); err != nil {
				logging.Warn().Str("nest_id", nestID).Str("id", id).Err(err).Msg("queue: freehorn grant failed")
			}
		}
	}
	return nil
}

func (e *Engine) grantFreehorn(ctx context.Context, nestID, id string) error {
	user, err := e.nowPlayingUser(ctx, nestID)
	if err != nil || user == "" {
		return err
	}
	if err := e.store.SAdd(ctx, freehornKey(nestID, user), id); err != nil {
		return err
	}
	e.publish(ctx, nestID, EventFreehornUpdate)
	return nil
}

func (e *Engine) nowPlayingUser(ctx context.Context, nestID string) (string, error) {
	id, ok, err := e.store.Get(ctx, nowPlayingKey(nestID))
	if err != nil || !ok || id == "" {
		return "", err
	}
	user, _, err := e.store.HGet(ctx, entryKey(nestID, id), "user")
	return user, err
}

// Comment appends a free-text remark to id's scrolling comment list.
func (e *Engine) Comment(ctx context.Context, nestID, id, identity, text string) error {
	if err := e.checkActive(ctx, nestID); err != nil {
		return err
	}
	ck := commentsKey(nestID, id)
	member := strings.ToLower(identity) + "||" + text
	if err := e.store.ZAdd(ctx, ck, member, float64(time.Now().Unix())); err != nil {
		return err
	}
	if err := e.store.Expire(ctx, ck, e.cfg.CommentTTL); err != nil {
		return err
	}
	e.publish(ctx, nestID, EventPlaylistUpdate)
	return nil
}

// GetQueued returns every upcoming entry, ordered by ascending score
// (play order), hydrated with its jams and comments, with the
// recommendation engine's next-up fill appended as a synthetic tail
// entry (spec.md §4.4: "get_queued() ... with the recommendation-
// engine preview card appended as a synthetic tail entry"). The
// preview card carries no priority-queue membership of its own, so it
// is marked PlaylistSrc rather than given a score.
func (e *Engine) GetQueued(ctx context.Context, nestID string) ([]models.QueuedEntry, error) {
	entries, err := e.listEntries(ctx, nestID)
	if err != nil {
		return nil, err
	}
	if e.recommend == nil {
		return entries, nil
	}
	preview, err := e.recommend.PreviewCandidate(ctx, nestID)
	if err != nil {
		logging.Warn().Str("nest_id", nestID).Err(err).Msg("queue: preview candidate lookup failed")
		return entries, nil
	}
	if preview == nil {
		return entries, nil
	}
	entries = append(entries, models.QueuedEntry{
		QueueEntry: models.QueueEntry{
			TrackID: preview.TrackURI,
			Src:     "spotify",
			User:    preview.User,
			Auto:    true,
		},
		PlaylistSrc: true,
	})
	return entries, nil
}

// Size reports how many tracks are waiting in the upcoming queue.
func (e *Engine) Size(ctx context.Context, nestID string) (int, error) {
	n, err := e.store.ZCard(ctx, priorityQueueKey(nestID))
	return int(n), err
}

// PopNext removes and returns the lowest-scored upcoming entry. found
// is false when the queue is empty. humanTrack reports whether the
// entry was a human-contributed Spotify track, the signal the
// playhead uses to clear the recommendation engine's caches and
// reset the bender-streak clock.
func (e *Engine) PopNext(ctx context.Context, nestID string) (entry models.QueueEntry, humanTrack, found bool, err error) {
	for {
		members, err := e.store.ZRangeWithScores(ctx, priorityQueueKey(nestID), 0, 0)
		if err != nil {
			return models.QueueEntry{}, false, false, err
		}
		if len(members) == 0 {
			if err := e.store.Del(ctx, nowPlayingKey(nestID)); err != nil {
				return models.QueueEntry{}, false, false, err
			}
			return models.QueueEntry{}, false, false, nil
		}
		id := members[0].Member
		if err := e.store.ZRem(ctx, priorityQueueKey(nestID), id); err != nil {
			return models.QueueEntry{}, false, false, err
		}

		fields, err := e.store.HGetAll(ctx, entryKey(nestID, id))
		if err != nil {
			return models.QueueEntry{}, false, false, err
		}
		if len(fields) == 0 {
			continue
		}
		entry = hashToEntry(fields)

		humanTrack = entry.Src == "spotify" && entry.User != recommend.BotIdentity
		if humanTrack {
			if err := e.store.Set(ctx, lastQueuedKey(nestID), entry.TrackID); err != nil {
				return models.QueueEntry{}, false, false, err
			}
		}

		if err := e.store.Expire(ctx, entryKey(nestID, id), 3*time.Hour); err != nil {
			return models.QueueEntry{}, false, false, err
		}
		if err := e.store.SetTTL(ctx, nowPlayingKey(nestID), id, 2*time.Hour); err != nil {
			return models.QueueEntry{}, false, false, err
		}
		e.publish(ctx, nestID, EventNowPlayingUpdate)
		return entry, humanTrack, true, nil
	}
}

// NowPlayingID returns the entry id currently playing, if any.
func (e *Engine) NowPlayingID(ctx context.Context, nestID string) (string, bool, error) {
	return e.store.Get(ctx, nowPlayingKey(nestID))
}

// NowPlayingEntry returns the hydrated entry currently playing, if any.
func (e *Engine) NowPlayingEntry(ctx context.Context, nestID string) (models.QueuedEntry, bool, error) {
	id, ok, err := e.NowPlayingID(ctx, nestID)
	if err != nil || !ok {
		return models.QueuedEntry{}, false, err
	}
	return e.hydrate(ctx, nestID, id)
}

// FinishPlaying empties the vote set and deletes the entry detail hash
// for a track once its play window has fully elapsed, mirroring the
// cleanup the master-player loop does right after a song's done time
// passes.
func (e *Engine) FinishPlaying(ctx context.Context, nestID, id string) error {
	voters, err := e.store.SMembers(ctx, voteSetKey(nestID, id))
	if err != nil {
		return err
	}
	if len(voters) > 0 {
		if err := e.store.SRem(ctx, voteSetKey(nestID, id), voters...); err != nil {
			return err
		}
	}
	return e.store.HDel(ctx, entryKey(nestID, id))
}

func (e *Engine) listEntries(ctx context.Context, nestID string) ([]models.QueuedEntry, error) {
	members, err := e.store.ZRangeWithScores(ctx, priorityQueueKey(nestID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.QueuedEntry, 0, len(members))
	for _, m := range members {
		entry, ok, err := e.hydrate(ctx, nestID, m.Member)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entry.Score = m.Score
		out = append(out, entry)
	}
	return out, nil
}

func (e *Engine) hydrate(ctx context.Context, nestID, id string) (models.QueuedEntry, bool, error) {
	fields, err := e.store.HGetAll(ctx, entryKey(nestID, id))
	if err != nil {
		return models.QueuedEntry{}, false, err
	}
	if len(fields) == 0 {
		return models.QueuedEntry{}, false, nil
	}
	jams, err := e.jams(ctx, jamKey(nestID, id))
	if err != nil {
		return models.QueuedEntry{}, false, err
	}
	comments, err := e.comments(ctx, commentsKey(nestID, id))
	if err != nil {
		return models.QueuedEntry{}, false, err
	}
	return models.QueuedEntry{QueueEntry: hashToEntry(fields), Jams: jams, Comments: comments}, true, nil
}

func (e *Engine) jams(ctx context.Context, key string) ([]models.JamEntry, error) {
	members, err := e.store.ZRangeWithScores(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.JamEntry, 0, len(members))
	for _, m := range members {
		out = append(out, models.JamEntry{User: m.Member, Time: time.Unix(int64(m.Score), 0).UTC()})
	}
	return out, nil
}

func (e *Engine) comments(ctx context.Context, key string) ([]models.Comment, error) {
	members, err := e.store.ZRangeWithScores(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.Comment, 0, len(members))
	for _, m := range members {
		user, body := splitComment(m.Member)
		out = append(out, models.Comment{Time: time.Unix(int64(m.Score), 0).UTC(), User: user, Body: body})
	}
	return out, nil
}

func splitComment(raw string) (user, body string) {
	parts := strings.SplitN(raw, "||", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func (e *Engine) checkActive(ctx context.Context, nestID string) error {
	deleting, err := e.reg.IsDeleting(ctx, nestID)
	if err != nil {
		return err
	}
	if deleting {
		return nesterr.NewNestDeleting(nestID)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, nestID, event string) {
	if err := e.store.Publish(ctx, registry.BusChannel(nestID), event); err != nil {
		logging.Warn().Str("nest_id", nestID).Str("event", event).Err(err).Msg("queue: publish failed")
	}
}

func entryToHash(e models.QueueEntry) map[string]string {
	return map[string]string{
		"id":                strconv.FormatInt(e.ID, 10),
		"trackid":           e.TrackID,
		"src":               e.Src,
		"title":             e.Title,
		"artist":            e.Artist,
		"duration":          strconv.Itoa(e.Duration),
		"img":               e.Image,
		"big_img":           e.BigImage,
		"user":              e.User,
		"vote":              strconv.Itoa(e.Vote),
		"auto":              strconv.FormatBool(e.Auto),
		"background_color": e.BackgroundColor,
		"foreground_color": e.ForegroundColor,
	}
}

func hashToEntry(fields map[string]string) models.QueueEntry {
	id, _ := strconv.ParseInt(fields["id"], 10, 64)
	duration, _ := strconv.Atoi(fields["duration"])
	vote, _ := strconv.Atoi(fields["vote"])
	auto, _ := strconv.ParseBool(fields["auto"])
	return models.QueueEntry{
		ID:              id,
		TrackID:         fields["trackid"],
		Src:             fields["src"],
		Title:           fields["title"],
		Artist:          fields["artist"],
		Duration:        duration,
		Image:           fields["img"],
		BigImage:        fields["big_img"],
		User:            fields["user"],
		Vote:            vote,
		Auto:            auto,
		BackgroundColor: fields["background_color"],
		ForegroundColor: fields["foreground_color"],
	}
}
