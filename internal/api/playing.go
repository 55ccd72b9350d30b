// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"
	"time"
)

// handleGetPlaying serves GET /playing/: the current track plus
// start/end timestamps and the server's own clock, unauthenticated.
func (s *Server) handleGetPlaying(w http.ResponseWriter, r *http.Request) {
	nestID := nestIDFromRequest(r)
	playing, ok, err := s.deps.Playhead.NowPlaying(r.Context(), nestID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"playing": nil, "server_now": time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"playing": playing, "server_now": time.Now().UTC()})
}

// handleGetQueue serves GET /queue/: the hydrated queue array,
// unauthenticated.
func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	nestID := nestIDFromRequest(r)
	entries, err := s.deps.Queue.GetQueued(r.Context(), nestID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
