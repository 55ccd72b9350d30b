// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main wires every collaborator package into a three-layer
// suture supervisor tree and serves the public HTTP/WebSocket surface
// until an OS signal asks it to stop.
//
// Startup order:
//
//  1. Configuration (koanf, env-overridable) and logging.
//  2. Badger store, started eagerly so every other collaborator can
//     assume a working key/value + pub/sub backend at construction
//     time.
//  3. Domain collaborators: registry, authz, queue, catalog client,
//     history, recommend engine, playhead manager, membership
//     tracker, websocket hub registry.
//  4. The supervisor tree: data-layer (value-log GC, discovery,
//     reaper), messaging-layer (event bus, websocket hub, per-nest
//     playhead workers), api-layer (HTTP server).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nestbox-fm/nestbox/internal/api"
	"github.com/nestbox-fm/nestbox/internal/authz"
	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/discovery"
	"github.com/nestbox-fm/nestbox/internal/eventbus"
	"github.com/nestbox-fm/nestbox/internal/history"
	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/membership"
	"github.com/nestbox-fm/nestbox/internal/playhead"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
	"github.com/nestbox-fm/nestbox/internal/supervisor"
	"github.com/nestbox-fm/nestbox/internal/supervisor/services"
	"github.com/nestbox-fm/nestbox/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Log.Level,
		Format:    pretty(cfg.Log.Pretty),
		Timestamp: true,
	})
	logging.Info().Msg("starting nestbox")

	if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
		logging.Fatal().Err(err).Msg("failed to create store directory")
	}
	db, err := badger.Open(badger.DefaultOptions(cfg.Store.Path).WithLogger(nil))
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing store")
		}
	}()

	bus := eventbus.New(eventbus.Config{
		URL:            cfg.EventBus.URL,
		Embedded:       cfg.EventBus.EmbeddedServer,
		ConnectTimeout: cfg.EventBus.ConnectTimeout,
	})
	if err := bus.Start(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("failed to start event bus")
	}

	s := store.New(db, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeds := registry.CatalogSeedResolver{Catalog: newCatalogClient(cfg.Catalog)}
	reg, err := registry.New(ctx, s, seeds, cfg.Supervisor.DefaultTTLMinutes)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize nest registry")
	}

	az, err := authz.New(cfg.Authz)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize authorization")
	}

	q := queue.New(s, reg, az, cfg.Queue)

	catalogClient := newCatalogClient(cfg.Catalog)
	hist := history.New(s, cfg.History)
	rec := recommend.New(s, catalogClient, hist, recommendConfigFrom(cfg.Recommend))
	q.SetRecommend(rec)
	playheadMgr := playhead.NewManager(s, q, rec, hist, catalogClient, cfg.Playhead)

	members := membership.New(s, reg, cfg.Membership.MemberTTL)
	hubs := websocket.NewRegistry()

	slogLogger := logging.NewSlogLoggerWithLevel(cfg.Log.Level)
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create supervisor tree")
	}

	nests, err := supervisor.NewNestSupervisor(tree, playheadMgr.Factory())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create nest supervisor")
	}

	// Data layer: value-log compaction and the two registry poll loops.
	tree.AddDataService(newGCLoop(s, cfg.Store.GCInterval, cfg.Store.GCDiscardRatio))
	tree.AddDataService(discovery.NewLoop(reg, nests, cfg.Supervisor.PollInterval))
	tree.AddDataService(discovery.NewReaper(reg, members, q, nests, cfg.Supervisor.ReaperInterval))

	// Messaging layer: event bus, websocket hub, per-nest playhead workers.
	tree.AddMessagingService(services.NewEventBusService(bus))
	tree.AddMessagingService(services.NewWebSocketHubService(hubs))

	apiServer := api.New(api.Deps{
		Store:     s,
		Hubs:      hubs,
		Queue:     q,
		Playhead:  playheadMgr,
		Recommend: rec,
		Registry:  reg,
		Members:   members,
		Catalog:   catalogClient,
		Authz:     az,
		HTTP:      cfg.HTTP,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.HTTP.ShutdownTimeout))
	logging.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
		}
	}

	logging.Info().Msg("nestbox stopped")
}

func pretty(p bool) string {
	if p {
		return "console"
	}
	return "json"
}

func newCatalogClient(cfg config.CatalogConfig) catalog.Client {
	httpClient := catalog.NewHTTPClient(catalog.Config{
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		BaseURL:           cfg.BaseURL,
		RequestTimeout:    cfg.RequestTimeout,
		TokenRefreshSlack: cfg.TokenRefresh,
	})
	return catalog.NewBreaker(httpClient, catalog.BreakerConfig{})
}

func recommendConfigFrom(cfg config.RecommendConfig) recommend.Config {
	return recommend.Config{
		Weights:           cfg.StrategyWeights,
		CacheTTL:          cfg.CacheTTL,
		SeedInfoTTL:       cfg.SeedInfoTTL,
		FilterTTL:         cfg.FilterTTL,
		RefillSizeDefault: cfg.RefillSizeDefault,
		RefillSizeMain:    cfg.RefillSizeMain,
		DefaultSeedURI:    cfg.DefaultSeedURI,
		Market:            cfg.Market,
		ThrowbackFetchCap: cfg.ThrowbackFetchCap,
	}
}

// gcLoop periodically reclaims Badger value-log space. Badger's own
// docs recommend calling RunGC on a timer rather than relying on a
// single pass; it returns ErrNoRewrite when there's nothing to
// reclaim, which isn't a failure worth logging loudly.
type gcLoop struct {
	store    *store.Store
	interval time.Duration
	ratio    float64
}

func newGCLoop(s *store.Store, interval time.Duration, ratio float64) *gcLoop {
	return &gcLoop{store: s, interval: interval, ratio: ratio}
}

func (g *gcLoop) String() string { return "value-log-gc" }

func (g *gcLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				if err := g.store.RunGC(g.ratio); err != nil {
					if err == badger.ErrNoRewrite {
						break
					}
					logging.CtxWarn(ctx).Err(err).Msg("value-log gc: rewrite failed")
					break
				}
			}
		}
	}
}
