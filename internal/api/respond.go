// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/nesterr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("api: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCoreError maps a core error kind (§7) onto the matching HTTP
// status and body, logging anything that isn't a recognized kind.
func writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nesterr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, nesterr.ErrUnauthorized):
		unauthorized(w)
	case errors.Is(err, nesterr.ErrNestDeleting):
		writeError(w, http.StatusConflict, "this nest is being deleted")
	case errors.Is(err, nesterr.ErrQueueFull):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, nesterr.ErrCatalogUnavailable):
		writeError(w, http.StatusServiceUnavailable, "catalog is unavailable, try again shortly")
	default:
		logging.Error().Err(err).Msg("api: unhandled handler error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// nestIDFromRequest resolves the target nest for an HTTP call: a
// {nest_id} route param first (WebSocket upgrade), then a ?nest_id=
// query param (the read-only /playing/ and /queue/ endpoints, which
// carry no path segment of their own), defaulting to the main nest.
func nestIDFromRequest(r *http.Request) string {
	if id := chi.URLParam(r, "nest_id"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("nest_id"); id != "" {
		return id
	}
	return "main"
}
