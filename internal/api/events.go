// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/registry"
)

// handleEvents serves GET /api/events: a server-sent-events stream of
// the bus grammar (§4.7). Since SSE clients have no back-channel to
// ask for fresh state, a playlist_update or now_playing_update also
// triggers an inline re-fetch so the stream stays self-contained.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	nestID := nestIDFromRequest(r)
	ctx := r.Context()
	msgs, cancel, err := s.deps.Store.Subscribe(ctx, registry.BusChannel(nestID))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := s.writeSSEEvent(w, nestID, msg); err != nil {
				logging.CtxWarn(ctx).Err(err).Msg("api: sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, nestID, msg string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
		return err
	}

	switch msg {
	case queue.EventPlaylistUpdate:
		entries, err := s.deps.Queue.GetQueued(context.Background(), nestID)
		if err == nil {
			return writeSSEJSON(w, "queue", entries)
		}
	case queue.EventNowPlayingUpdate:
		playing, ok, err := s.deps.Playhead.NowPlaying(context.Background(), nestID)
		if err == nil && ok {
			return writeSSEJSON(w, "now_playing", playing)
		}
	}
	return nil
}

func writeSSEJSON(w http.ResponseWriter, event string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, blob)
	return err
}
