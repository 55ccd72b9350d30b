// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/nestbox-fm/nestbox/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// HeartbeatFrame is sent by either side to keep the connection alive
	// without carrying an event payload.
	HeartbeatFrame = "0"

	dataFramePrefix = '1'
)

// ErrUnknownFrame is returned by ParseFrame when a frame's leading byte
// is neither '0' (heartbeat) nor '1' (data); per the wire format the
// connection must be closed in this case.
var ErrUnknownFrame = errors.New("websocket: unrecognized frame prefix")

// Frame is a decoded client-to-server data frame: event name plus its
// positional JSON arguments, still raw so each handler can unmarshal
// only what it expects.
type Frame struct {
	Event string
	Args  []json.RawMessage
}

// ParseFrame decodes one incoming wire frame. A heartbeat frame decodes
// to (nil, nil); an unrecognized leading byte returns ErrUnknownFrame.
func ParseFrame(raw string) (*Frame, error) {
	if raw == "" {
		return nil, ErrUnknownFrame
	}
	switch raw[0] {
	case '0':
		return nil, nil
	case dataFramePrefix:
		var parts []json.RawMessage
		if err := json.Unmarshal([]byte(raw[1:]), &parts); err != nil {
			return nil, fmt.Errorf("decode data frame: %w", err)
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("decode data frame: empty event array")
		}
		var event string
		if err := json.Unmarshal(parts[0], &event); err != nil {
			return nil, fmt.Errorf("decode data frame event: %w", err)
		}
		return &Frame{Event: event, Args: parts[1:]}, nil
	default:
		return nil, ErrUnknownFrame
	}
}

// EncodeFrame builds a data frame: leading '1' followed by the JSON
// array [event, ...args].
func EncodeFrame(event string, args ...interface{}) (string, error) {
	parts := make([]interface{}, 0, len(args)+1)
	parts = append(parts, event)
	parts = append(parts, args...)
	payload, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(dataFramePrefix) + string(payload), nil
}

var clientIDCounter atomic.Uint64

// Client is one WebSocket connection joined to a single nest's hub.
type Client struct {
	id       uint64
	hub      *Hub
	conn     *websocket.Conn
	NestID   string
	Identity string

	send     chan string
	incoming chan Frame
}

// NewClient wraps an upgraded connection, scoped to one nest and
// authenticated identity.
func NewClient(hub *Hub, conn *websocket.Conn, nestID, identity string) *Client {
	return &Client{
		id:       clientIDCounter.Add(1),
		hub:      hub,
		conn:     conn,
		NestID:   nestID,
		Identity: identity,
		send:     make(chan string, 256),
		incoming: make(chan Frame, 64),
	}
}

// ID returns the client's unique identifier, used for deterministic
// broadcast ordering.
func (c *Client) ID() uint64 {
	return c.id
}

// Incoming yields parsed client-to-server data frames. Heartbeats are
// consumed internally and never appear here. The channel is closed when
// readPump exits.
func (c *Client) Incoming() <-chan Frame {
	return c.incoming
}

// Send queues an event frame for delivery to this client. Non-blocking:
// a saturated send buffer drops the frame and logs a warning.
func (c *Client) Send(event string, args ...interface{}) error {
	frame, err := EncodeFrame(event, args...)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
	default:
		logging.Warn().Uint64("client_id", c.id).Str("event", event).Msg("client send buffer full, dropping frame")
	}
	return nil
}

// readPump reads frames off the socket, dispatching data frames to
// Incoming and dropping the connection on protocol violations.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		close(c.incoming)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Uint64("client_id", c.id).Msg("unexpected websocket close error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := ParseFrame(string(data))
		if err != nil {
			logging.Warn().Err(err).Uint64("client_id", c.id).Msg("closing connection on malformed frame")
			return
		}
		if frame == nil {
			// heartbeat, nothing to dispatch
			continue
		}

		select {
		case c.incoming <- *frame:
		default:
			logging.Warn().Uint64("client_id", c.id).Str("event", frame.Event).Msg("incoming buffer full, dropping frame")
		}
	}
}

// writePump drains the send queue to the socket and emits a protocol
// ping plus an application heartbeat frame every pingPeriod.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				logging.Error().Err(err).Uint64("client_id", c.id).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for heartbeat")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(HeartbeatFrame)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins the client's read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
