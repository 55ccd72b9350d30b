// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/queue"
)

type queueIDArgs struct {
	ID string `json:"id"`
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	var a queueIDArgs
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.ID == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	nestID := nestIDFromRequest(r)
	if err := s.deps.Queue.KillSong(r.Context(), nestID, a.ID); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueSkip(w http.ResponseWriter, r *http.Request) {
	nestID := nestIDFromRequest(r)
	if err := s.deps.Playhead.Skip(r.Context(), nestID); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type voteArgs struct {
	ID string `json:"id"`
	Up bool   `json:"up"`
}

func (s *Server) handleQueueVote(w http.ResponseWriter, r *http.Request) {
	var a voteArgs
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.ID == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	nestID := nestIDFromRequest(r)
	identity := identityFromContext(r.Context())
	if err := s.deps.Queue.Vote(r.Context(), nestID, identity, a.ID, a.Up); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	nestID := nestIDFromRequest(r)
	if err := s.deps.Playhead.Pause(r.Context(), nestID); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	nestID := nestIDFromRequest(r)
	if err := s.deps.Playhead.Resume(r.Context(), nestID); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	nestID := nestIDFromRequest(r)
	if err := s.deps.Queue.NukeQueue(r.Context(), nestID); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type addSongArgs struct {
	TrackURI string `json:"track_uri"`
}

func (s *Server) handleAddSong(w http.ResponseWriter, r *http.Request) {
	var a addSongArgs
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.TrackURI == "" {
		writeError(w, http.StatusBadRequest, "missing track_uri")
		return
	}
	nestID := nestIDFromRequest(r)
	identity := identityFromContext(r.Context())

	entry, err := resolveTrack(r.Context(), s.deps.Catalog, a.TrackURI)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	id, err := s.deps.Queue.Add(r.Context(), nestID, identity, entry, queue.AddOptions{})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
