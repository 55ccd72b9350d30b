// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/nestbox-fm/nestbox/internal/logging"
)

// ShutdownReason identifies why a hub is shutting down.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Hub fans out wire frames to every client subscribed to one nest's
// channel. One Hub exists per nest with at least one connected client;
// the Registry creates and tears these down on demand.
type Hub struct {
	nestID     string
	clients    map[*Client]bool
	broadcast  chan string
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub scoped to a single nest.
func NewHub(nestID string) *Hub {
	return &Hub{
		nestID:     nestID,
		broadcast:  make(chan string, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// NestID returns the nest this hub serves.
func (h *Hub) NestID() string {
	return h.nestID
}

// RunWithContext starts the hub's dispatch loop. Priority-select ensures
// register/unregister events are applied before any pending broadcast is
// dispatched, so client state is always consistent before a frame goes
// out.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case frame := <-h.broadcast:
			h.broadcastToClients(frame)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	logging.Info().Str("nest_id", h.nestID).Int("members", h.GetClientCount()).Msg("websocket client connected")
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	logging.Info().Str("nest_id", h.nestID).Int("members", h.GetClientCount()).Msg("websocket client disconnected")
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()
	logging.Info().
		Str("component", "websocket-hub").
		Str("nest_id", h.nestID).
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// broadcastToClients pushes one wire frame to every connected client in
// deterministic (id-sorted) order, dropping any client whose send buffer
// is saturated.
func (h *Hub) broadcastToClients(frame string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var stale []*Client
	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Broadcast queues a raw wire frame for delivery to every client on this
// nest's hub. Non-blocking: a saturated broadcast buffer drops the frame
// and logs a warning rather than stalling the publisher.
func (h *Hub) Broadcast(frame string) {
	select {
	case h.broadcast <- frame:
	default:
		logging.Warn().Str("nest_id", h.nestID).Msg("hub broadcast buffer full, dropping frame")
	}
}

// BroadcastEvent encodes event and args as a data frame and broadcasts it.
func (h *Hub) BroadcastEvent(event string, args ...interface{}) error {
	frame, err := EncodeFrame(event, args...)
	if err != nil {
		return err
	}
	h.Broadcast(frame)
	return nil
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Registry owns one Hub per nest, creating them lazily on first
// connection and tearing them down once a nest has no clients left.
type Registry struct {
	mu   sync.Mutex
	hubs map[string]*Hub
	ctx  context.Context
}

// NewRegistry creates an empty hub registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

// RunWithContext satisfies the ContextHub interface expected by
// services.WebSocketHubService: it records the context used to start
// per-nest hubs created afterward, then blocks until canceled.
func (r *Registry) RunWithContext(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	for _, h := range r.hubs {
		h.closeAllClients()
	}
	r.mu.Unlock()

	return ctx.Err()
}

// Hub returns the hub for nestID, creating and starting it if this is
// the first caller to reference that nest.
func (r *Registry) Hub(nestID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hubs[nestID]; ok {
		return h
	}

	h := NewHub(nestID)
	r.hubs[nestID] = h

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		_ = h.RunWithContext(ctx)
	}()

	return h
}

// BroadcastToNest queues a raw frame on nestID's hub.
func (r *Registry) BroadcastToNest(nestID, frame string) {
	r.Hub(nestID).Broadcast(frame)
}

// RemoveNest drops the registry's reference to a nest's hub once it has
// no clients left, letting it be garbage collected.
func (r *Registry) RemoveNest(nestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[nestID]; ok && h.GetClientCount() == 0 {
		delete(r.hubs, nestID)
	}
}
