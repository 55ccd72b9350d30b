// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements the per-connection WebSocket lifecycle
// (C10): joining membership, translating bus messages into typed
// client events, dispatching client intents onto the core queue and
// playhead operations, and the 30s presence heartbeat.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/membership"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/nesterr"
	"github.com/nestbox-fm/nestbox/internal/playhead"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/recommend"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
	"github.com/nestbox-fm/nestbox/internal/websocket"
)

const heartbeatPeriod = 30 * time.Second

// Deps are the collaborators every session dispatches onto.
type Deps struct {
	Store     *store.Store
	Hubs      *websocket.Registry
	Queue     *queue.Engine
	Playhead  *playhead.Manager
	Recommend *recommend.Engine
	Registry  *registry.Registry
	Members   *membership.Tracker
	Catalog   catalog.Client
}

// Session binds one WebSocket connection to a nest: it joins
// membership, relays bus traffic to the client, and dispatches the
// client's on_{event} frames onto core operations.
type Session struct {
	deps     Deps
	client   *websocket.Client
	nestID   string
	identity string
}

// New builds a Session for an already-registered hub client.
func New(deps Deps, client *websocket.Client) *Session {
	return &Session{deps: deps, client: client, nestID: client.NestID, identity: client.Identity}
}

// Run joins membership, relays bus messages, dispatches client
// frames, and refreshes the heartbeat every 30s, until ctx is
// canceled or the client disconnects. On return, membership is left;
// the client's hub registration is removed by its read pump when the
// connection closes, not by Run.
func (s *Session) Run(ctx context.Context) error {
	if err := s.deps.Members.Join(ctx, s.nestID, s.identity); err != nil {
		logging.CtxWarn(ctx).Err(err).Str("nest_id", s.nestID).Msg("session: join failed")
	}
	defer func() {
		if err := s.deps.Members.Leave(context.Background(), s.nestID, s.identity); err != nil {
			logging.Warn().Str("nest_id", s.nestID).Err(err).Msg("session: leave failed")
		}
	}()

	busCtx, cancelBus := context.WithCancel(ctx)
	defer cancelBus()
	msgs, cancelSub, err := s.deps.Store.Subscribe(busCtx, registry.BusChannel(s.nestID))
	if err != nil {
		return err
	}
	defer cancelSub()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-s.client.Incoming():
			if !ok {
				return nil
			}
			s.dispatch(ctx, frame)

		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			s.relay(msg)

		case <-heartbeat.C:
			if err := s.deps.Members.Refresh(ctx, s.nestID, s.identity); err != nil {
				logging.CtxWarn(ctx).Err(err).Str("nest_id", s.nestID).Msg("session: heartbeat refresh failed")
			}
		}
	}
}

// relay translates one raw bus message (§4.7 grammar) into a typed
// client event.
func (s *Session) relay(msg string) {
	parts := strings.Split(msg, "|")
	switch parts[0] {
	case queue.EventPlaylistUpdate, queue.EventNowPlayingUpdate, queue.EventFreehornUpdate:
		_ = s.client.Send(parts[0])
	case "pp":
		if len(parts) == 4 {
			_ = s.client.Send("pp", parts[1], parts[2], parts[3])
		}
	case "v":
		if len(parts) == 2 {
			_ = s.client.Send("v", parts[1])
		}
	case "do_airhorn":
		if len(parts) == 3 {
			_ = s.client.Send("do_airhorn", parts[1], parts[2])
		}
	case "member_update":
		if len(parts) == 2 {
			_ = s.client.Send("member_update", parts[1])
		}
	default:
		_ = s.client.Send(parts[0])
	}
}

// dispatch routes one client-to-server data frame onto a core
// operation. Every mutating handler catches NestDeleting/QueueFull and
// surfaces a user-visible error event rather than propagating.
func (s *Session) dispatch(ctx context.Context, frame websocket.Frame) {
	var err error
	switch frame.Event {
	case "on_vote":
		err = s.handleVote(ctx, frame)
	case "on_remove":
		err = s.handleRemove(ctx, frame)
	case "on_skip":
		err = s.deps.Playhead.Skip(ctx, s.nestID)
	case "on_pause":
		err = s.deps.Playhead.Pause(ctx, s.nestID)
	case "on_resume":
		err = s.deps.Playhead.Resume(ctx, s.nestID)
	case "on_clear":
		err = s.deps.Queue.NukeQueue(ctx, s.nestID)
	case "on_jam":
		err = s.handleJam(ctx, frame)
	case "on_comment":
		err = s.handleComment(ctx, frame)
	case "on_volume":
		err = s.handleVolume(ctx, frame)
	case "on_add_song":
		err = s.handleAddSong(ctx, frame)
	case "on_benderqueue":
		err = s.handleBenderQueue(ctx, frame)
	case "on_benderfilter":
		err = s.handleBenderFilter(ctx, frame)
	default:
		logging.CtxWarn(ctx).Str("event", frame.Event).Msg("session: unrecognized client event")
		return
	}
	if err != nil {
		s.surfaceError(ctx, frame.Event, err)
	}
}

func (s *Session) surfaceError(ctx context.Context, event string, err error) {
	switch {
	case errors.Is(err, nesterr.ErrNestDeleting):
		_ = s.client.Send("error", "this nest is being deleted")
	case errors.Is(err, nesterr.ErrQueueFull):
		_ = s.client.Send("error", err.Error())
	default:
		logging.CtxWarn(ctx).Err(err).Str("event", event).Str("nest_id", s.nestID).Msg("session: handler failed")
		_ = s.client.Send("error", "something went wrong")
	}
}

type voteArgs struct {
	ID string `json:"id"`
	Up bool   `json:"up"`
}

func (s *Session) handleVote(ctx context.Context, frame websocket.Frame) error {
	var a voteArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil {
		return nil
	}
	return s.deps.Queue.Vote(ctx, s.nestID, s.identity, a.ID, a.Up)
}

type idArgs struct {
	ID string `json:"id"`
}

func (s *Session) handleRemove(ctx context.Context, frame websocket.Frame) error {
	var a idArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil {
		return nil
	}
	return s.deps.Queue.KillSong(ctx, s.nestID, a.ID)
}

func (s *Session) handleJam(ctx context.Context, frame websocket.Frame) error {
	var a idArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil {
		return nil
	}
	return s.deps.Queue.Jam(ctx, s.nestID, a.ID, s.identity)
}

type commentArgs struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (s *Session) handleComment(ctx context.Context, frame websocket.Frame) error {
	var a commentArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil {
		return nil
	}
	return s.deps.Queue.Comment(ctx, s.nestID, a.ID, s.identity, a.Text)
}

type volumeArgs struct {
	Volume int `json:"volume"`
}

func (s *Session) handleVolume(ctx context.Context, frame websocket.Frame) error {
	var a volumeArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil {
		return nil
	}
	return s.deps.Playhead.SetVolume(ctx, s.nestID, a.Volume)
}

type addSongArgs struct {
	TrackURI string `json:"track_uri"`
}

func (s *Session) handleAddSong(ctx context.Context, frame websocket.Frame) error {
	if len(frame.Args) == 0 {
		return nil
	}
	var a addSongArgs
	if err := json.Unmarshal(frame.Args[0], &a); err != nil {
		return nil
	}
	if a.TrackURI == "" {
		return nil
	}

	entry, err := s.resolveTrack(ctx, a.TrackURI)
	if err != nil {
		return err
	}
	_, err = s.deps.Queue.Add(ctx, s.nestID, s.identity, entry, queue.AddOptions{})
	return err
}

func (s *Session) resolveTrack(ctx context.Context, trackURI string) (models.QueueEntry, error) {
	id := trackURI
	if idx := strings.LastIndex(trackURI, ":"); idx >= 0 {
		id = trackURI[idx+1:]
	}
	if strings.Contains(trackURI, ":episode:") {
		ep, err := s.deps.Catalog.Episode(ctx, id)
		if err != nil {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{TrackID: trackURI, Src: "spotify", Title: ep.Title, Artist: ep.ShowName, Duration: ep.Duration, Image: ep.Image}, nil
	}
	track, err := s.deps.Catalog.Track(ctx, id)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return models.QueueEntry{
		TrackID: trackURI, Src: "spotify",
		Title: track.Title, Artist: track.Artist, Duration: track.Duration,
		Image: track.Image, BigImage: track.BigImage,
	}, nil
}

// handleBenderQueue is the "queue this" half of the preview/consume
// split (§4.6): it commits the previewed fill and queues it fairly
// under the clicking identity, then credits the preview's original
// attribution (the bot, or a throwback track's original contributor)
// with a jam on the new entry.
func (s *Session) handleBenderQueue(ctx context.Context, frame websocket.Frame) error {
	var a idArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil || a.ID == "" {
		return nil
	}

	fill, err := s.deps.Recommend.ConsumePreview(ctx, s.nestID, a.ID)
	if err != nil {
		return err
	}
	if fill == nil {
		return nil
	}

	entry, err := s.resolveTrack(ctx, fill.TrackURI)
	if err != nil {
		return err
	}
	newID, err := s.deps.Queue.Add(ctx, s.nestID, s.identity, entry, queue.AddOptions{})
	if err != nil {
		return err
	}
	return s.deps.Queue.Jam(ctx, s.nestID, newID, fill.User)
}

// handleBenderFilter is the "skip this" half of the preview/consume
// split: it blocks the previewed URI from resurfacing and rotates the
// preview slot to a fresh candidate.
func (s *Session) handleBenderFilter(ctx context.Context, frame websocket.Frame) error {
	var a idArgs
	if len(frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Args[0], &a); err != nil || a.ID == "" {
		return nil
	}
	return s.deps.Recommend.FilterPreview(ctx, s.nestID, a.ID)
}
