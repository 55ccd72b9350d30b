// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package nesterr defines the typed error kinds raised by the core
// (queue, playhead, recommendation, and registry components) so that
// session and HTTP handlers can branch on error identity with
// errors.Is/errors.As instead of string matching.
package nesterr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", ErrX) at the
// call site to add context; callers match with errors.Is.
var (
	// ErrNestDeleting is returned by any mutating operation while a
	// nest's DELETING sentinel is set.
	ErrNestDeleting = errors.New("nest is being deleted")

	// ErrQueueFull is returned when a non-auto add would exceed the
	// configured queue depth cap.
	ErrQueueFull = errors.New("queue is full")

	// ErrCatalogUnavailable is returned when the external catalog
	// client is rate-limited or unreachable.
	ErrCatalogUnavailable = errors.New("catalog temporarily unavailable")

	// ErrNotFound is returned when a track, episode, or nest id does
	// not resolve to anything.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when a caller lacks the identity or
	// privilege required for an operation.
	ErrUnauthorized = errors.New("unauthorized")
)

// QueueFullError carries the configured cap so HTTP/WS handlers can
// surface it in the user-visible message.
type QueueFullError struct {
	Cap int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue is full (max %d tracks)", e.Cap)
}

func (e *QueueFullError) Unwrap() error { return ErrQueueFull }

// NewQueueFull builds a QueueFullError for the given depth cap.
func NewQueueFull(cap int) error {
	return &QueueFullError{Cap: cap}
}

// NestDeletingError names the nest that is mid-deletion.
type NestDeletingError struct {
	NestID string
}

func (e *NestDeletingError) Error() string {
	return fmt.Sprintf("nest %q is being deleted", e.NestID)
}

func (e *NestDeletingError) Unwrap() error { return ErrNestDeleting }

// NewNestDeleting builds a NestDeletingError for the given nest id.
func NewNestDeleting(nestID string) error {
	return &NestDeletingError{NestID: nestID}
}
