// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus wraps core NATS pub/sub (no JetStream: nest bus
// traffic is ephemeral position ticks and UI notifications, not
// anything worth persisting or replaying) as the store.PubSub
// implementation and as a supervised suture service.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/nestbox-fm/nestbox/internal/logging"
)

// Config configures the bus connection.
type Config struct {
	// URL is the NATS connection string. Ignored when Embedded is true.
	URL string
	// Embedded starts an in-process NATS server instead of dialing URL.
	Embedded bool
	// ConnectTimeout bounds the initial connect/ready wait.
	ConnectTimeout time.Duration
}

// Bus is a core-NATS pub/sub connection satisfying both
// store.PubSub and supervisor/services.EventBusRunner.
type Bus struct {
	cfg    Config
	mu     sync.RWMutex
	nc     *nats.Conn
	embeds *natsserver.Server
	ready  chan struct{}
}

// New creates an unconnected Bus; call Start to connect.
func New(cfg Config) *Bus {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Bus{cfg: cfg, ready: make(chan struct{})}
}

// Start implements services.EventBusRunner: it either boots an
// embedded server or dials the configured URL, then signals ready.
func (b *Bus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil {
		return nil
	}

	url := b.cfg.URL
	if b.cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			ServerName: "nestbox-bus",
			DontListen: false,
			NoLog:      true,
			MaxPayload: 1 * 1024 * 1024,
		})
		if err != nil {
			return fmt.Errorf("eventbus: create embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(b.cfg.ConnectTimeout) {
			srv.Shutdown()
			return fmt.Errorf("eventbus: embedded server not ready within %s", b.cfg.ConnectTimeout)
		}
		b.embeds = srv
		url = srv.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("eventbus: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("eventbus: reconnected")
		}),
	)
	if err != nil {
		if b.embeds != nil {
			b.embeds.Shutdown()
		}
		return fmt.Errorf("eventbus: connect to %q: %w", url, err)
	}

	b.nc = nc
	close(b.ready)
	return nil
}

// Shutdown implements services.EventBusRunner.
func (b *Bus) Shutdown(_ context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		b.nc.Close()
	}
	if b.embeds != nil {
		b.embeds.Shutdown()
	}
}

// IsRunning implements services.EventBusRunner.
func (b *Bus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc != nil && b.nc.IsConnected()
}

func (b *Bus) conn() (*nats.Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.nc == nil {
		return nil, fmt.Errorf("eventbus: not started")
	}
	return b.nc, nil
}

// Publish implements store.PubSub.
func (b *Bus) Publish(_ context.Context, subject, payload string) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, []byte(payload)); err != nil {
		return fmt.Errorf("eventbus: publish %q: %w", subject, err)
	}
	return nil
}

// Subscribe implements store.PubSub: it returns a buffered channel of
// payloads and a cancel func that unsubscribes; the channel is not
// closed or drained. Messages are dropped, not blocked, if the
// consumer falls behind.
func (b *Bus) Subscribe(_ context.Context, subject string) (<-chan string, func(), error) {
	nc, err := b.conn()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan string, 64)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case out <- string(msg.Data):
		default:
			logging.Warn().Str("subject", subject).Msg("eventbus: subscriber channel full, dropping message")
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("eventbus: subscribe %q: %w", subject, err)
	}

	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return out, cancel, nil
}
