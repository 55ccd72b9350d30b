// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package membership tracks who is currently connected to a nest. A
// member is present in a nest's MEMBERS set and refreshes a
// short-lived per-identity TTL key; letting that TTL lapse without an
// explicit Leave is how a dropped connection is detected as stale.
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/registry"
	"github.com/nestbox-fm/nestbox/internal/store"
)

// Tracker manages per-nest membership state.
type Tracker struct {
	store           *store.Store
	reg             *registry.Registry
	heartbeatPeriod time.Duration
}

// New builds a membership Tracker. heartbeatPeriod sets the TTL
// applied to each member's presence key; callers must call Refresh at
// least that often to stay counted as active.
func New(s *store.Store, reg *registry.Registry, heartbeatPeriod time.Duration) *Tracker {
	return &Tracker{store: s, reg: reg, heartbeatPeriod: heartbeatPeriod}
}

// Join adds identity to nestID's member set, starts its presence TTL,
// touches the nest's activity clock, and broadcasts the new count.
func (t *Tracker) Join(ctx context.Context, nestID, identity string) error {
	if err := t.store.SAdd(ctx, registry.MembersKey(nestID), identity); err != nil {
		return fmt.Errorf("membership: join: %w", err)
	}
	if err := t.store.SetTTL(ctx, registry.MemberKey(nestID, identity), "1", t.heartbeatPeriod); err != nil {
		return fmt.Errorf("membership: join ttl: %w", err)
	}
	if err := t.reg.Touch(ctx, nestID); err != nil {
		logging.Warn().Str("nest_id", nestID).Err(err).Msg("membership: touch on join failed")
	}
	return t.broadcastCount(ctx, nestID)
}

// Leave removes identity from nestID's member set and its presence
// key, then broadcasts the new count.
func (t *Tracker) Leave(ctx context.Context, nestID, identity string) error {
	if err := t.store.SRem(ctx, registry.MembersKey(nestID), identity); err != nil {
		return fmt.Errorf("membership: leave: %w", err)
	}
	if err := t.store.Del(ctx, registry.MemberKey(nestID, identity)); err != nil {
		return fmt.Errorf("membership: leave ttl cleanup: %w", err)
	}
	return t.broadcastCount(ctx, nestID)
}

// Refresh extends identity's presence TTL without altering the member
// set or firing a count broadcast; it's the steady-state heartbeat a
// connected client sends every heartbeatPeriod.
func (t *Tracker) Refresh(ctx context.Context, nestID, identity string) error {
	if err := t.store.SetTTL(ctx, registry.MemberKey(nestID, identity), "1", t.heartbeatPeriod); err != nil {
		return fmt.Errorf("membership: refresh: %w", err)
	}
	return nil
}

// ActiveCount returns the number of members whose presence key hasn't
// lapsed, lazily pruning any member whose heartbeat has gone stale
// from the set as it's discovered.
func (t *Tracker) ActiveCount(ctx context.Context, nestID string) (int, error) {
	members, err := t.store.SMembers(ctx, registry.MembersKey(nestID))
	if err != nil {
		return 0, fmt.Errorf("membership: list members: %w", err)
	}

	active := 0
	var stale []string
	for _, identity := range members {
		ttl, err := t.store.TTL(ctx, registry.MemberKey(nestID, identity))
		if err != nil {
			return 0, fmt.Errorf("membership: check ttl: %w", err)
		}
		if ttl > 0 {
			active++
		} else {
			stale = append(stale, identity)
		}
	}
	if len(stale) > 0 {
		if err := t.store.SRem(ctx, registry.MembersKey(nestID), stale...); err != nil {
			logging.Warn().Str("nest_id", nestID).Err(err).Msg("membership: failed to prune stale members")
		}
	}
	return active, nil
}

func (t *Tracker) broadcastCount(ctx context.Context, nestID string) error {
	count, err := t.ActiveCount(ctx, nestID)
	if err != nil {
		logging.Warn().Str("nest_id", nestID).Err(err).Msg("membership: count for broadcast failed")
		return nil
	}
	if err := t.store.Publish(ctx, registry.BusChannel(nestID), fmt.Sprintf("member_update|%d", count)); err != nil {
		logging.Warn().Str("nest_id", nestID).Err(err).Msg("membership: broadcast failed")
	}
	return nil
}
