// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package websocket provides the per-nest connection fan-out used by nest
sessions to push bus events to browser clients.

Key Components:

  - Registry: creates and owns one Hub per nest, on demand
  - Hub: broadcasts wire frames to every client connected to one nest
  - Client: a single upgraded connection, its read/write pumps, and its
    incoming frame channel

Architecture:

A Registry is the single object wired into the supervisor tree as a
WebSocketHubService. Each nest that has at least one connected client
gets its own Hub, so a slow or stuck client on one nest's broadcast can
never starve another nest's delivery:

	Registry
	├── Hub("abc12") ── Client, Client
	├── Hub("main")  ── Client, Client, Client
	└── Hub("xyz99") ── Client

Wire format:

Every frame is a string. A leading '1' introduces a JSON array
[event, ...args] (a data frame); a leading '0' is a heartbeat with no
payload; any other leading byte is a protocol violation and the
connection is closed. internal/session owns translating nest bus
messages (see internal/eventbus) into outbound data frames, and
translating inbound on_{event} data frames into C4/C5 operations; this
package only knows how to move bytes in and out over one connection and
fan them out to a nest's subscribers.

Usage Example:

	registry := websocket.NewRegistry()
	tree.AddMessagingService(services.NewWebSocketHubService(registry))

	// On a new connection, after the HTTP upgrade:
	hub := registry.Hub(nestID)
	client := websocket.NewClient(hub, conn, nestID, identity)
	hub.Register <- client
	client.Start()

	for frame := range client.Incoming() {
	    // dispatch frame.Event to a C4/C5 operation
	}

Connection Lifecycle:

 1. HTTP upgrade succeeds; caller resolves nest_id and identity
 2. Client registers with that nest's Hub
 3. Client.Start launches its read and write pumps
 4. Hub broadcasts translated bus events to every registered client
 5. On disconnect, readPump unregisters the client and closes its
    incoming channel; the session layer tears down membership and its
    subscription

Thread Safety:

Hub and Registry are safe for concurrent use. Each Client has its own
read and write goroutine; Client.Send is safe to call from any
goroutine.

See Also:

  - github.com/gorilla/websocket: underlying WebSocket library
  - internal/session: per-connection dispatch of client intents
  - internal/eventbus: the NATS-backed per-nest pub/sub bus
*/
package websocket
