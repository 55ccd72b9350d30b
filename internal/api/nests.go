// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/registry"
)

type createNestArgs struct {
	Name      string `json:"name"`
	SeedTrack string `json:"seed_track"`
}

func (s *Server) handleCreateNest(w http.ResponseWriter, r *http.Request) {
	var a createNestArgs
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	identity := identityFromContext(r.Context())
	n, err := s.deps.Registry.Create(r.Context(), registry.CreateOptions{
		Creator: identity, Name: a.Name, SeedTrack: a.SeedTrack,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNests(w http.ResponseWriter, r *http.Request) {
	nests, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nests)
}

func (s *Server) handleGetNest(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Registry.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type renameNestArgs struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameNest(w http.ResponseWriter, r *http.Request) {
	var a renameNestArgs
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.Name == "" {
		writeError(w, http.StatusBadRequest, "missing name")
		return
	}
	n, err := s.deps.Registry.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	updated, err := s.deps.Registry.Rename(r.Context(), n.NestID, a.Name)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteNest(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Registry.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	identity := identityFromContext(r.Context())
	if n.Creator != identity && !s.deps.Authz.CanDeleteAnyNest(identity) {
		unauthorized(w)
		return
	}
	if err := s.deps.Registry.Delete(r.Context(), n.NestID); err != nil {
		writeCoreError(w, err)
		return
	}
	s.deps.Hubs.RemoveNest(n.NestID)
	w.WriteHeader(http.StatusNoContent)
}
