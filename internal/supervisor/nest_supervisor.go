// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the NestSupervisor, which manages one
// master-player worker per active nest.
//
// Architecture:
//   - NestSupervisor tracks a suture.Service per nest ID
//   - Workers can be dynamically added and removed as nests are
//     created, joined, and reaped
//   - Each nest gets its own Suture-supervised service for fault
//     isolation: a crash in one nest's playhead does not affect any
//     other nest
//
// Example Usage:
//
//	supervisor := NewNestSupervisor(tree, workerFactory)
//	if err := supervisor.AddNest(ctx, "abc12"); err != nil {
//	    logging.Error().Err(err).Msg("failed to start nest worker")
//	}
//
//	// later, once the nest has been idle long enough to reap
//	if err := supervisor.RemoveNest(ctx, "abc12"); err != nil {
//	    logging.Warn().Err(err).Msg("failed to stop nest worker")
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/nestbox-fm/nestbox/internal/logging"
)

// Errors for NestSupervisor.
var (
	ErrNestAlreadyRunning = errors.New("nest worker already running in supervisor")
	ErrNestWorkerNotFound = errors.New("nest worker is not running")
	ErrNilSupervisorTree  = errors.New("supervisor tree cannot be nil")
	ErrNilWorkerFactory   = errors.New("worker factory cannot be nil")
)

// WorkerFactory builds the suture.Service that runs one nest's
// master-player loop. Main wires this to the playhead Manager's
// Factory() so the supervisor package itself stays decoupled from
// playhead internals.
type WorkerFactory func(nestID string) (suture.Service, error)

// NestWorkerStatus reports the current status of a managed nest
// worker.
type NestWorkerStatus struct {
	NestID    string    `json:"nest_id"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
}

type managedNestWorker struct {
	token     suture.ServiceToken
	service   suture.Service
	startedAt time.Time
}

// NestSupervisor manages one master-player worker per active nest,
// supervised by the messaging layer of a SupervisorTree.
//
// Thread Safety: all operations are protected by a read-write mutex;
// the workers map is safe for concurrent access.
type NestSupervisor struct {
	tree    *SupervisorTree
	factory WorkerFactory
	workers map[string]*managedNestWorker
	mu      sync.RWMutex
}

// NewNestSupervisor creates a new nest supervisor. tree and factory
// are both required.
func NewNestSupervisor(tree *SupervisorTree, factory WorkerFactory) (*NestSupervisor, error) {
	if tree == nil {
		return nil, ErrNilSupervisorTree
	}
	if factory == nil {
		return nil, ErrNilWorkerFactory
	}
	return &NestSupervisor{
		tree:    tree,
		factory: factory,
		workers: make(map[string]*managedNestWorker),
	}, nil
}

// AddNest starts a master-player worker for nestID.
//
// Returns ErrNestAlreadyRunning if a worker for this nest is already
// supervised. The worker is automatically restarted by Suture if it
// crashes (e.g. on a lease-holder panic).
func (s *NestSupervisor) AddNest(_ context.Context, nestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[nestID]; exists {
		return ErrNestAlreadyRunning
	}

	svc, err := s.factory(nestID)
	if err != nil {
		return fmt.Errorf("failed to create nest worker: %w", err)
	}

	token := s.tree.AddMessagingService(svc)

	s.workers[nestID] = &managedNestWorker{
		token:     token,
		service:   svc,
		startedAt: time.Now(),
	}

	logging.Info().Str("nest_id", nestID).Msg("nest worker added to supervisor")
	return nil
}

// RemoveNest stops and removes nestID's master-player worker.
//
// Returns ErrNestWorkerNotFound if the nest has no supervised worker.
// The worker's context is canceled, but RemoveNest does not wait for
// it to stop. The worker does not delete its playhead lease; the lease
// lapses when its TTL runs out.
func (s *NestSupervisor) RemoveNest(_ context.Context, nestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	managed, exists := s.workers[nestID]
	if !exists {
		return ErrNestWorkerNotFound
	}

	if err := s.tree.RemoveMessagingService(managed.token); err != nil {
		return fmt.Errorf("failed to remove nest worker from supervisor: %w", err)
	}

	delete(s.workers, nestID)
	logging.Info().Str("nest_id", nestID).Msg("nest worker removed from supervisor")
	return nil
}

// IsNestRunning reports whether nestID currently has a supervised
// worker.
func (s *NestSupervisor) IsNestRunning(nestID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.workers[nestID]
	return exists
}

// NestStatus returns the status of one managed nest worker.
func (s *NestSupervisor) NestStatus(nestID string) (*NestWorkerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	managed, exists := s.workers[nestID]
	if !exists {
		return nil, ErrNestWorkerNotFound
	}
	return &NestWorkerStatus{
		NestID:    nestID,
		Running:   true,
		StartedAt: managed.startedAt,
	}, nil
}

// AllNestStatuses returns the status of every managed nest worker.
func (s *NestSupervisor) AllNestStatuses() []NestWorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]NestWorkerStatus, 0, len(s.workers))
	for nestID, managed := range s.workers {
		statuses = append(statuses, NestWorkerStatus{
			NestID:    nestID,
			Running:   true,
			StartedAt: managed.startedAt,
		})
	}
	return statuses
}

// StopAll stops every managed nest worker. Called during application
// shutdown.
func (s *NestSupervisor) StopAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stopErrors []error
	for nestID, managed := range s.workers {
		if err := s.tree.RemoveMessagingService(managed.token); err != nil {
			logging.Warn().Str("nest_id", nestID).Err(err).Msg("failed to stop nest worker")
			stopErrors = append(stopErrors, err)
		}
	}

	s.workers = make(map[string]*managedNestWorker)

	if len(stopErrors) > 0 {
		return fmt.Errorf("failed to stop %d nest workers", len(stopErrors))
	}
	return nil
}
