// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the public HTTP/WebSocket surface (§6): the
// unauthenticated now-playing/queue read endpoints, the Bearer-gated
// control and SSE endpoints, nest CRUD, and the WebSocket upgrade that
// hands a connection off to the per-session bridge in internal/session.
//
// Authentication itself is out of scope for the core (the real OAuth
// and session-cookie surface is an external collaborator); this
// package only extracts an already-authenticated identity from a
// bearer token or a session cookie, treating the token/cookie value
// as the identity string.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nestbox-fm/nestbox/internal/authz"
	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/config"
	"github.com/nestbox-fm/nestbox/internal/membership"
	"github.com/nestbox-fm/nestbox/internal/middleware"
	"github.com/nestbox-fm/nestbox/internal/playhead"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
	"github.com/nestbox-fm/nestbox/internal/websocket"
)

// Deps are the collaborators every handler is built against.
type Deps struct {
	Store     *store.Store
	Hubs      *websocket.Registry
	Queue     *queue.Engine
	Playhead  *playhead.Manager
	Recommend *recommend.Engine
	Registry  *registry.Registry
	Members   *membership.Tracker
	Catalog   catalog.Client
	Authz     *authz.Enforcer
	HTTP      config.HTTPConfig
}

// Server builds and owns the chi router for the public surface.
type Server struct {
	deps   Deps
	router chi.Router
	perf   *middleware.PerformanceMonitor
}

// New builds a Server with its full route table wired.
func New(deps Deps) *Server {
	s := &Server{deps: deps, perf: middleware.NewPerformanceMonitor(1024)}
	s.router = s.newRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(asChiMiddleware(middleware.RequestID))
	r.Use(s.perf.Middleware)
	r.Use(asChiMiddleware(middleware.PrometheusMetrics))
	r.Use(asChiMiddleware(middleware.Compression))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.deps.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(int(s.deps.HTTP.RateLimitRPS), time.Second))

	r.Get("/playing/", s.handleGetPlaying)
	r.Get("/queue/", s.handleGetQueue)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.With(s.requireBearer).Get("/events", s.handleEvents)

		api.With(s.requireBearer).Post("/queue/remove", s.handleQueueRemove)
		api.With(s.requireBearer).Post("/queue/skip", s.handleQueueSkip)
		api.With(s.requireBearer).Post("/queue/vote", s.handleQueueVote)
		api.With(s.requireBearer).Post("/queue/pause", s.handleQueuePause)
		api.With(s.requireBearer).Post("/queue/resume", s.handleQueueResume)
		api.With(s.requireBearer).Post("/queue/clear", s.handleQueueClear)

		api.With(s.requireIdentity).Post("/add_song", s.handleAddSong)

		api.With(s.requireIdentity).Post("/nests", s.handleCreateNest)
		api.With(s.requireIdentity).Get("/nests", s.handleListNests)
		api.With(s.requireIdentity).Get("/nests/{code}", s.handleGetNest)
		api.With(s.requireIdentity).Patch("/nests/{code}", s.handleRenameNest)
		api.With(s.requireIdentity).Delete("/nests/{code}", s.handleDeleteNest)
	})

	r.HandleFunc("/socket", s.handleSocket)
	r.HandleFunc("/socket/{nest_id}", s.handleSocket)

	return r
}

// asChiMiddleware adapts the teacher-style http.HandlerFunc middleware
// used across the rest of nestbox to chi's http.Handler signature.
func asChiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(func(w http.ResponseWriter, r *http.Request) { next.ServeHTTP(w, r) })
	}
}
