// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestClient(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func newTestServer(t *testing.T, hub *Hub, nestID string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(hub, conn, nestID, "alice@x")
		hub.Register <- c
		c.Start()
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHub_RegisterAndBroadcast(t *testing.T) {
	hub := NewHub("abc12")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunWithContext(ctx) }()

	server := newTestServer(t, hub, "abc12")
	conn := dialTestClient(t, server)
	defer conn.Close()

	waitForClientCount(t, hub, 1)

	if err := hub.BroadcastEvent("playlist_update"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != `1["playlist_update"]` {
		t.Errorf("unexpected frame: %s", data)
	}
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub := NewHub("abc12")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunWithContext(ctx) }()

	server := newTestServer(t, hub, "abc12")
	conn := dialTestClient(t, server)

	waitForClientCount(t, hub, 1)

	conn.Close()

	waitForClientCount(t, hub, 0)
}

func TestHub_ContextCancelClosesClients(t *testing.T) {
	hub := NewHub("abc12")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- hub.RunWithContext(ctx) }()

	server := newTestServer(t, hub, "abc12")
	conn := dialTestClient(t, server)
	defer conn.Close()

	waitForClientCount(t, hub, 1)

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("hub did not shut down after cancel")
	}
}

func TestRegistry_CreatesHubPerNest(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.RunWithContext(ctx) }()

	h1 := reg.Hub("abc12")
	h2 := reg.Hub("xyz99")
	h1again := reg.Hub("abc12")

	if h1 == h2 {
		t.Fatal("expected distinct hubs per nest")
	}
	if h1 != h1again {
		t.Fatal("expected same hub instance for repeated nest id")
	}
}

func TestRegistry_RemoveNestDropsEmptyHub(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.RunWithContext(ctx) }()

	h1 := reg.Hub("abc12")
	reg.RemoveNest("abc12")
	h2 := reg.Hub("abc12")

	if h1 == h2 {
		t.Error("expected a fresh hub after removal of an empty one")
	}
}

func waitForClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.GetClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d, got %d", want, hub.GetClientCount())
}
