// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"time"
)

// EventBusRunner interface matches the event bus's lifecycle.
//
// This interface allows the EventBusService to work with the NATS
// event bus without importing the eventbus package, avoiding
// circular dependencies.
type EventBusRunner interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context)
	IsRunning() bool
}

// EventBusService wraps the NATS event bus as a supervised service.
//
// It adapts the Start/Shutdown lifecycle pattern to suture's Serve
// pattern:
//  1. Calls Start(ctx) to connect and begin dispatching
//  2. Waits for context cancellation
//  3. Calls Shutdown(ctx) for graceful cleanup
//
// Example usage:
//
//	bus, _ := eventbus.Connect(cfg)
//	svc := services.NewEventBusService(bus)
//	tree.AddMessagingService(svc)
type EventBusService struct {
	bus             EventBusRunner
	shutdownTimeout time.Duration
	name            string
}

// NewEventBusService creates a new event bus service wrapper with a
// default 10 second shutdown timeout.
func NewEventBusService(bus EventBusRunner) *EventBusService {
	return &EventBusService{
		bus:             bus,
		shutdownTimeout: 10 * time.Second,
		name:            "event-bus",
	}
}

// NewEventBusServiceWithTimeout creates an event bus service with a
// custom shutdown timeout.
func NewEventBusServiceWithTimeout(bus EventBusRunner, shutdownTimeout time.Duration) *EventBusService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &EventBusService{
		bus:             bus,
		shutdownTimeout: shutdownTimeout,
		name:            "event-bus",
	}
}

// Serve implements suture.Service.
func (s *EventBusService) Serve(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("event bus start failed: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.bus.Shutdown(shutdownCtx)

	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (s *EventBusService) String() string {
	return s.name
}
