// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"net/http"

	gorillaws "github.com/gorilla/websocket"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/session"
	"github.com/nestbox-fm/nestbox/internal/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSocket upgrades WS /socket[/nest_id] and hands the connection
// off to a session bound to that nest's hub. Identity is resolved the
// same way the Bearer-or-session HTTP endpoints are; there is no
// anonymous WebSocket session.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(r)
	if !ok {
		unauthorized(w)
		return
	}
	nestID := nestIDFromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.CtxWarn(r.Context()).Err(err).Msg("api: websocket upgrade failed")
		return
	}

	hub := s.deps.Hubs.Hub(nestID)
	client := websocket.NewClient(hub, conn, nestID, identity)
	hub.Register <- client
	client.Start()

	deps := session.Deps{
		Store:     s.deps.Store,
		Hubs:      s.deps.Hubs,
		Queue:     s.deps.Queue,
		Playhead:  s.deps.Playhead,
		Recommend: s.deps.Recommend,
		Registry:  s.deps.Registry,
		Members:   s.deps.Members,
		Catalog:   s.deps.Catalog,
	}
	// The handler returns as soon as the upgrade completes, so the
	// session runs against its own background context rather than the
	// request's, which net/http cancels the moment ServeHTTP returns.
	go func() {
		if err := session.New(deps, client).Run(context.Background()); err != nil {
			logging.Debug().Err(err).Str("nest_id", nestID).Msg("api: session ended")
		}
	}()
}
