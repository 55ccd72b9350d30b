// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package discovery implements the two supervisor-layer poll loops
// (C8): one that keeps a playhead worker running for every registered
// nest, and one that reaps nests idle past their TTL. Both are plain
// suture.Service implementations selecting over a ticker, the same
// shape as the playhead worker's own tick loop.
package discovery

import (
	"context"
	"time"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/membership"
	"github.com/nestbox-fm/nestbox/internal/queue"
	"github.com/nestbox-fm/nestbox/internal/registry"
)

// NestSupervisor is the subset of supervisor.NestSupervisor the
// discovery loop drives; kept narrow so this package never imports
// internal/supervisor.
type NestSupervisor interface {
	AddNest(ctx context.Context, nestID string) error
	RemoveNest(ctx context.Context, nestID string) error
	IsNestRunning(nestID string) bool
}

// Loop polls the registry every interval, starting a playhead worker
// for any nest that doesn't have one yet. It never removes a worker
// itself — that's the reaper's job, paired with registry deletion.
type Loop struct {
	reg      *registry.Registry
	nests    NestSupervisor
	interval time.Duration
}

// NewLoop builds a discovery Loop.
func NewLoop(reg *registry.Registry, nests NestSupervisor, interval time.Duration) *Loop {
	return &Loop{reg: reg, nests: nests, interval: interval}
}

func (l *Loop) String() string { return "discovery-loop" }

// Serve implements suture.Service.
func (l *Loop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	nests, err := l.reg.List(ctx)
	if err != nil {
		logging.CtxWarn(ctx).Err(err).Msg("discovery: failed to list nests")
		return
	}
	for _, n := range nests {
		if l.nests.IsNestRunning(n.NestID) {
			continue
		}
		if err := l.nests.AddNest(ctx, n.NestID); err != nil {
			logging.CtxWarn(ctx).Err(err).Str("nest_id", n.NestID).Msg("discovery: failed to start playhead worker")
		}
	}
}

// Reaper polls every interval for nests that are empty, idle past
// their TTL, and not the main nest, deleting them and stopping their
// playhead worker.
type Reaper struct {
	reg      *registry.Registry
	members  *membership.Tracker
	queue    *queue.Engine
	nests    NestSupervisor
	interval time.Duration
}

// NewReaper builds a Reaper.
func NewReaper(reg *registry.Registry, members *membership.Tracker, q *queue.Engine, nests NestSupervisor, interval time.Duration) *Reaper {
	return &Reaper{reg: reg, members: members, queue: q, nests: nests, interval: interval}
}

func (r *Reaper) String() string { return "nest-reaper" }

// Serve implements suture.Service.
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	nests, err := r.reg.List(ctx)
	if err != nil {
		logging.CtxWarn(ctx).Err(err).Msg("reaper: failed to list nests")
		return
	}
	now := time.Now().UTC()
	for _, n := range nests {
		memberCount, err := r.members.ActiveCount(ctx, n.NestID)
		if err != nil {
			logging.CtxWarn(ctx).Err(err).Str("nest_id", n.NestID).Msg("reaper: failed to count members")
			continue
		}
		queueSize, err := r.queue.Size(ctx, n.NestID)
		if err != nil {
			logging.CtxWarn(ctx).Err(err).Str("nest_id", n.NestID).Msg("reaper: failed to read queue size")
			continue
		}
		if !registry.ShouldReap(n, memberCount, queueSize, now) {
			continue
		}

		logging.CtxInfo(ctx).Str("nest_id", n.NestID).Msg("reaper: reaping idle nest")
		if err := r.nests.RemoveNest(ctx, n.NestID); err != nil {
			logging.CtxWarn(ctx).Err(err).Str("nest_id", n.NestID).Msg("reaper: failed to stop playhead worker")
		}
		if err := r.reg.Delete(ctx, n.NestID); err != nil {
			logging.CtxWarn(ctx).Err(err).Str("nest_id", n.NestID).Msg("reaper: failed to delete nest")
		}
	}
}
