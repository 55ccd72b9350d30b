// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package playhead

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nestbox-fm/nestbox/internal/authz"
	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/history"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
)

type fakeCatalog struct{}

func (f *fakeCatalog) Track(ctx context.Context, id string) (*catalog.Track, error) {
	return &catalog.Track{URI: "spotify:track:" + id, Title: "fill-" + id, Artist: "bender", ArtistID: "artist1", AlbumID: "album1", Duration: 180}, nil
}
func (f *fakeCatalog) Artist(ctx context.Context, id string) (*catalog.Artist, error) {
	return &catalog.Artist{ID: id, Genres: []string{"rock"}}, nil
}
func (f *fakeCatalog) AlbumTracks(ctx context.Context, albumID string) ([]catalog.Track, error) {
	return nil, nil
}
func (f *fakeCatalog) ArtistTopTracks(ctx context.Context, artistID, market string) ([]catalog.Track, error) {
	return nil, nil
}
func (f *fakeCatalog) Search(ctx context.Context, query string, typ catalog.SearchType, limit int, market string) ([]catalog.Track, error) {
	return []catalog.Track{{URI: "spotify:track:searched1"}, {URI: "spotify:track:searched2"}}, nil
}
func (f *fakeCatalog) Episode(ctx context.Context, id string) (*catalog.Episode, error) {
	return &catalog.Episode{URI: "spotify:episode:" + id, Title: "ep-" + id, ShowName: "a show", Duration: 600}, nil
}

type testRig struct {
	mgr    *Manager
	queue  *queue.Engine
	store  *store.Store
	nestID string
}

func newTestRig(t *testing.T, cfg config.PlayheadConfig) *testRig {
	t.Helper()
	dir, err := os.MkdirTemp("", "nestbox-playhead-test-*")
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
	q := queue.New(s, reg, az, config.QueueConfig{MaxDepth: 100})

	logDir, err := os.MkdirTemp("", "nestbox-playhead-history-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(logDir) })
	hist := history.New(s, config.HistoryConfig{Dir: logDir, ThrowbackMaxDays: 180, ThrowbackCap: 40})

	recCfg := recommend.DefaultConfig()
	recCfg.Weights = map[string]int{"genre": 100}
	rec := recommend.New(s, &fakeCatalog{}, hist, recCfg)

	mgr := NewManager(s, q, rec, hist, &fakeCatalog{}, cfg)
	return &testRig{mgr: mgr, queue: q, store: s, nestID: registry.MainNestID}
}

func defaultTestCfg() config.PlayheadConfig {
	return config.PlayheadConfig{
		LeaseTTL:          7 * time.Second,
		TickInterval:      10 * time.Millisecond,
		MinTrackSeconds:   5,
		MaxBenderMinutes:  45 * time.Minute,
		UseBender:         true,
		MinQueueDepth:     1,
		MinQueueDepthMain: 3,
	}
}

func TestWorker_AcquireLeaseThenCompetitorAbortsOnCancel(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	w := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-a"}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.acquireLease(ctx); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	holder, ok, err := rig.store.Get(context.Background(), leaseKey(rig.nestID))
	if err != nil || !ok || holder != "worker-a" {
		t.Fatalf("expected lease held by worker-a, got %q ok=%v err=%v", holder, ok, err)
	}

	other := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-b"}
	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()
	otherCancel()
	if err := other.acquireLease(otherCtx); err == nil {
		t.Fatal("expected a canceled context to abort lease acquisition for the losing worker")
	}

	cancel()
}

func TestWorker_PlayOneCyclePopsQueuedTrackAndSetsCurrentDone(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.UseBender = false
	// An hour-long tick stops the cycle mid-song at the deadline below,
	// before the tick loop finishes the track and finishSong clears
	// current-done and the entry's detail hash.
	cfg.TickInterval = time.Hour
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	if _, err := rig.queue.Add(ctx, rig.nestID, "alice", models.QueueEntry{
		TrackID: "spotify:track:song1", Src: "spotify", Title: "song1", Artist: "someone", Duration: 180,
	}, queue.AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	w := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-a"}
	if err := w.acquireLease(ctx); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	cycleCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := w.playOneCycle(cycleCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("play one cycle: expected to stop mid-song at the deadline, got %v", err)
	}

	raw, ok, err := rig.store.Get(ctx, currentDoneKey(rig.nestID))
	if err != nil || !ok {
		t.Fatalf("expected current-done to be set, ok=%v err=%v", ok, err)
	}
	if _, err := time.Parse(time.RFC3339Nano, raw); err != nil {
		t.Fatalf("current-done not a valid timestamp: %v", err)
	}

	playing, ok, err := rig.queue.NowPlayingEntry(ctx, rig.nestID)
	if err != nil || !ok {
		t.Fatalf("expected a now-playing entry, ok=%v err=%v", ok, err)
	}
	if playing.Title != "song1" {
		t.Fatalf("expected song1 playing, got %s", playing.Title)
	}
}

func TestWorker_PlayOneCycleDropsTrackShorterThanMinimum(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.UseBender = false
	cfg.MinTrackSeconds = 10
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	if _, err := rig.queue.Add(ctx, rig.nestID, "alice", models.QueueEntry{
		TrackID: "spotify:track:tooshort", Src: "spotify", Title: "tooshort", Artist: "someone", Duration: 3,
	}, queue.AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	w := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-a"}
	if err := w.acquireLease(ctx); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	if err := w.playOneCycle(ctx); err != nil {
		t.Fatalf("play one cycle: %v", err)
	}

	if _, ok, err := rig.store.Get(ctx, currentDoneKey(rig.nestID)); err != nil || ok {
		t.Fatalf("expected no current-done to be set for a dropped short track, ok=%v err=%v", ok, err)
	}
}

func TestWorker_HandleEmptyQueueFillsWhenBenderEnabled(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	ctx := context.Background()

	w := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-a"}
	if err := w.acquireLease(ctx); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	now := time.Now().UTC()
	if err := w.handleEmptyQueue(ctx, now); err != nil {
		t.Fatalf("handle empty queue: %v", err)
	}

	size, err := rig.queue.Size(ctx, rig.nestID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size == 0 {
		t.Fatal("expected a bender fill track to have been queued")
	}
}

func TestWorker_HandleEmptyQueueLeavesQueueEmptyWhenBenderDisabled(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.UseBender = false
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	w := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-a"}
	if err := w.acquireLease(ctx); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	if err := w.handleEmptyQueue(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("handle empty queue: %v", err)
	}

	size, err := rig.queue.Size(ctx, rig.nestID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected the queue to stay empty with bender disabled, got size %d", size)
	}
}

func TestManager_SetVolumeClampsAndPersists(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	ctx := context.Background()

	if err := rig.mgr.SetVolume(ctx, rig.nestID, 150); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	vol, err := rig.mgr.GetVolume(ctx, rig.nestID)
	if err != nil {
		t.Fatalf("get volume: %v", err)
	}
	if vol != 100 {
		t.Fatalf("expected volume clamped to 100, got %d", vol)
	}

	if err := rig.mgr.SetVolume(ctx, rig.nestID, -5); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	vol, err = rig.mgr.GetVolume(ctx, rig.nestID)
	if err != nil {
		t.Fatalf("get volume: %v", err)
	}
	if vol != 0 {
		t.Fatalf("expected volume clamped to 0, got %d", vol)
	}
}

func TestManager_GetVolumeDefaultsTo100(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	vol, err := rig.mgr.GetVolume(context.Background(), rig.nestID)
	if err != nil {
		t.Fatalf("get volume: %v", err)
	}
	if vol != 100 {
		t.Fatalf("expected default volume 100, got %d", vol)
	}
}

func TestManager_PauseThenSkipSetsFlags(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	ctx := context.Background()

	if err := rig.mgr.Pause(ctx, rig.nestID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	w := &Worker{mgr: rig.mgr, nestID: rig.nestID, id: "worker-a"}
	paused, err := w.isPaused(ctx)
	if err != nil || !paused {
		t.Fatalf("expected paused flag set, paused=%v err=%v", paused, err)
	}

	if err := rig.mgr.Resume(ctx, rig.nestID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	paused, err = w.isPaused(ctx)
	if err != nil || paused {
		t.Fatalf("expected paused flag cleared, paused=%v err=%v", paused, err)
	}

	if err := rig.mgr.Skip(ctx, rig.nestID); err != nil {
		t.Fatalf("skip: %v", err)
	}
	jumped, err := w.consumeForceJump(ctx)
	if err != nil || !jumped {
		t.Fatalf("expected force-jump flag set, jumped=%v err=%v", jumped, err)
	}
	jumped, err = w.consumeForceJump(ctx)
	if err != nil || jumped {
		t.Fatalf("expected force-jump flag consumed after first read, jumped=%v err=%v", jumped, err)
	}
}

func TestManager_EnsureQueueDepthBackfillsToMinimum(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.MinQueueDepthMain = 3
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	if err := rig.mgr.ensureQueueDepth(ctx, rig.nestID); err != nil {
		t.Fatalf("ensure queue depth: %v", err)
	}

	size, err := rig.queue.Size(ctx, rig.nestID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size < cfg.MinQueueDepthMain {
		t.Fatalf("expected queue depth >= %d, got %d", cfg.MinQueueDepthMain, size)
	}
}

func TestManager_EnsureQueueDepthNoopWhenBenderDisabled(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.UseBender = false
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	if err := rig.mgr.ensureQueueDepth(ctx, rig.nestID); err != nil {
		t.Fatalf("ensure queue depth: %v", err)
	}

	size, err := rig.queue.Size(ctx, rig.nestID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected no backfill with bender disabled, got size %d", size)
	}
}

func TestManager_BuildEntryFromFillResolvesTrackAndEpisode(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	ctx := context.Background()

	track, err := rig.mgr.buildEntryFromFill(ctx, &recommend.Fill{TrackURI: "spotify:track:abc", User: recommend.BotIdentity, Strategy: "genre"})
	if err != nil {
		t.Fatalf("build entry from track fill: %v", err)
	}
	if track.Title != "fill-abc" || track.Src != "spotify" {
		t.Fatalf("unexpected track entry: %+v", track)
	}

	ep, err := rig.mgr.buildEntryFromFill(ctx, &recommend.Fill{TrackURI: "spotify:episode:xyz", User: recommend.BotIdentity, Strategy: "genre"})
	if err != nil {
		t.Fatalf("build entry from episode fill: %v", err)
	}
	if ep.Title != "ep-xyz" || ep.Artist != "a show" {
		t.Fatalf("unexpected episode entry: %+v", ep)
	}
}

func TestWorker_String(t *testing.T) {
	w := &Worker{nestID: "nest1"}
	if got := w.String(); got != "playhead(nest1)" {
		t.Fatalf("unexpected String(): %s", got)
	}
}

func TestManager_FactoryProducesWorkerForNest(t *testing.T) {
	rig := newTestRig(t, defaultTestCfg())
	svc, err := rig.mgr.Factory()("nest2")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	w, ok := svc.(*Worker)
	if !ok {
		t.Fatalf("expected *Worker, got %T", svc)
	}
	if w.nestID != "nest2" {
		t.Fatalf("expected nestID nest2, got %s", w.nestID)
	}
	if w.id == "" {
		t.Fatal("expected a generated worker id")
	}
}
