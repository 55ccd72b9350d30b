// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/nestbox-fm/nestbox/internal/authz"
	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/nesterr"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
)

// fakeCatalog surfaces a single fixed track from genre search so the
// recommendation engine always has exactly one fill candidate to
// preview, regardless of which strategy draws it.
type fakeCatalog struct{}

func (fakeCatalog) Track(ctx context.Context, id string) (*catalog.Track, error) {
	return &catalog.Track{URI: "spotify:track:" + id, ArtistID: "artist1", AlbumID: "album1"}, nil
}
func (fakeCatalog) Artist(ctx context.Context, id string) (*catalog.Artist, error) {
	return &catalog.Artist{ID: id, Name: "someone", Genres: []string{"rock"}}, nil
}
func (fakeCatalog) AlbumTracks(ctx context.Context, albumID string) ([]catalog.Track, error) {
	return nil, nil
}
func (fakeCatalog) ArtistTopTracks(ctx context.Context, artistID, market string) ([]catalog.Track, error) {
	return nil, nil
}
func (fakeCatalog) Search(ctx context.Context, query string, typ catalog.SearchType, limit int, market string) ([]catalog.Track, error) {
	return []catalog.Track{{URI: "spotify:track:preview-me"}}, nil
}
func (fakeCatalog) Episode(ctx context.Context, id string) (*catalog.Episode, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, cfg config.QueueConfig) (*Engine, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "nestbox-queue-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.New(db, store.NewFakePubSub())
	reg, err := registry.New(context.Background(), s, nil, 5)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	az, err := authz.New(config.AuthzConfig{PrivilegedIdentities: []string{"admin@nestbox.fm"}})
	if err != nil {
		t.Fatalf("new authz: %v", err)
	}
	return New(s, reg, az, cfg), registry.MainNestID
}

func testEntry(title string) models.QueueEntry {
	return models.QueueEntry{TrackID: "spotify:track:" + title, Src: "spotify", Title: title, Artist: "someone", Duration: 180}
}

func TestEngine_AddInterleavesFairly(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100})
	ctx := context.Background()

	// alice queues three songs in a burst; bob then queues one. Bob's
	// song should land right after alice's first, not at the tail.
	var aliceIDs []string
	for i := 0; i < 3; i++ {
		id, err := e.Add(ctx, nestID, "alice", testEntry("alice-song"), AddOptions{})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		aliceIDs = append(aliceIDs, id)
	}
	bobID, err := e.Add(ctx, nestID, "bob", testEntry("bob-song"), AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	queued, err := e.GetQueued(ctx, nestID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if len(queued) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(queued))
	}
	if queued[1].User != "bob" {
		t.Fatalf("expected bob's song second, got queue: %+v", ids(queued))
	}
	_ = aliceIDs
	_ = bobID
}

func ids(queued []models.QueuedEntry) []string {
	out := make([]string, len(queued))
	for i, q := range queued {
		out[i] = q.User
	}
	return out
}

func TestEngine_AutoFillAlwaysTail(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100})
	ctx := context.Background()

	if _, err := e.Add(ctx, nestID, "alice", testEntry("first"), AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	autoID, err := e.Add(ctx, nestID, "bot@nestbox.fm", testEntry("fill"), AddOptions{Auto: true})
	if err != nil {
		t.Fatalf("add auto: %v", err)
	}

	// a fill lands at the tail the moment it's added, ahead of
	// whatever interleaving a later human add would compute.
	queued, err := e.GetQueued(ctx, nestID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	last := queued[len(queued)-1]
	if strconvID(last) != autoID {
		t.Fatalf("expected auto-filled track at tail, got %+v", last)
	}
}

func strconvID(q models.QueuedEntry) string {
	return strconv.FormatInt(q.ID, 10)
}

func TestEngine_QueueFullRejectsHumanAdds(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 1})
	ctx := context.Background()

	if _, err := e.Add(ctx, nestID, "alice", testEntry("first"), AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := e.Add(ctx, nestID, "bob", testEntry("second"), AddOptions{})
	if err == nil {
		t.Fatal("expected queue-full error")
	}
	var qf *nesterr.QueueFullError
	if !errors.As(err, &qf) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}

	// auto fills still get through.
	if _, err := e.Add(ctx, nestID, "bot@nestbox.fm", testEntry("fill"), AddOptions{Auto: true}); err != nil {
		t.Fatalf("auto add should bypass depth cap: %v", err)
	}
}

// A self-downvote bypasses the one-vote-per-track gate (so you can
// keep nudging your own track down) but, unlike a downvote from
// someone else, never decrements the displayed vote count.
func TestEngine_SelfDownvoteDoesNotChangeVoteCount(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100})
	ctx := context.Background()

	id, err := e.Add(ctx, nestID, "alice", testEntry("a"), AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.Add(ctx, nestID, "bob", testEntry("b"), AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := e.Vote(ctx, nestID, "bob", id, false); err != nil {
		t.Fatalf("downvote: %v", err)
	}
	if err := e.Vote(ctx, nestID, "alice", id, false); err != nil {
		t.Fatalf("self downvote: %v", err)
	}

	queued, err := e.GetQueued(ctx, nestID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	for _, q := range queued {
		if strconvID(q) == id && q.Vote != -1 {
			t.Fatalf("expected vote count -1 (unchanged by self-downvote), got %d", q.Vote)
		}
	}
}

func TestEngine_VoteOverridePrivileged(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100})
	ctx := context.Background()

	id, err := e.Add(ctx, nestID, "alice", testEntry("a"), AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := e.Vote(ctx, nestID, "admin@nestbox.fm", id, true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	// Ordinary repeat vote from the same identity is ignored...
	if err := e.Vote(ctx, nestID, "admin@nestbox.fm", id, true); err != nil {
		t.Fatalf("vote: %v", err)
	}

	queued, err := e.GetQueued(ctx, nestID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	for _, q := range queued {
		if strconvID(q) == id && q.Vote != 2 {
			t.Fatalf("expected privileged identity to vote twice, got %d", q.Vote)
		}
	}
}

func TestEngine_JamGrantsFreehornAtThreshold(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100, FreeAirhornJams: 2})
	ctx := context.Background()

	id, err := e.Add(ctx, nestID, "alice", testEntry("a"), AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	entry, _, found, err := e.PopNext(ctx, nestID)
	if err != nil || !found {
		t.Fatalf("pop next: %v found=%v", err, found)
	}
	if strconvID(models.QueuedEntry{QueueEntry: entry}) != id {
		t.Fatalf("expected popped entry to be %s", id)
	}

	if err := e.Jam(ctx, nestID, id, "bob"); err != nil {
		t.Fatalf("jam: %v", err)
	}
	if err := e.Jam(ctx, nestID, id, "carol"); err != nil {
		t.Fatalf("jam: %v", err)
	}

	members, err := e.store.SMembers(ctx, freehornKey(nestID, "alice"))
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 1 || members[0] != id {
		t.Fatalf("expected alice to be granted a freehorn for %s, got %v", id, members)
	}
}

func TestEngine_NukeClearsQueue(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Add(ctx, nestID, "alice", testEntry("a"), AddOptions{}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := e.NukeQueue(ctx, nestID); err != nil {
		t.Fatalf("nuke: %v", err)
	}
	size, err := e.Size(ctx, nestID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty queue after nuke, got %d", size)
	}
}

func TestEngine_GetQueuedAppendsRecommendationPreviewCard(t *testing.T) {
	e, nestID := newTestEngine(t, config.QueueConfig{MaxDepth: 100})
	ctx := context.Background()

	if _, err := e.Add(ctx, nestID, "alice", testEntry("a"), AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec := recommend.New(e.store, fakeCatalog{}, nil, recommend.DefaultConfig())
	e.SetRecommend(rec)

	queued, err := e.GetQueued(ctx, nestID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected the real entry plus a synthetic preview tail, got %d entries", len(queued))
	}
	tail := queued[len(queued)-1]
	if !tail.PlaylistSrc || tail.TrackID != "spotify:track:preview-me" {
		t.Fatalf("expected a playlist_src preview tail card, got %+v", tail)
	}
}
