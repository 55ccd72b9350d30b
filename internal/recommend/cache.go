// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/store"
)

// fifoCache represents a per-strategy candidate list as a JSON array
// under a single string key. The store has no native list type, so
// push/pop/peek are read-modify-write against the whole array —
// acceptable here because a strategy cache is only ever touched by
// the single playhead worker that owns a nest's fills.
type fifoCache struct {
	store *store.Store
}

func (c *fifoCache) peek(ctx context.Context, key string) (string, error) {
	items, err := c.load(ctx, key)
	if err != nil || len(items) == 0 {
		return "", err
	}
	return items[0], nil
}

func (c *fifoCache) popFront(ctx context.Context, key string) (string, error) {
	items, err := c.load(ctx, key)
	if err != nil || len(items) == 0 {
		return "", err
	}
	head := items[0]
	return head, c.save(ctx, key, items[1:], 0)
}

func (c *fifoCache) pushBack(ctx context.Context, key string, values []string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	items, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	items = append(items, values...)
	return c.save(ctx, key, items, ttl)
}

func (c *fifoCache) load(ctx context.Context, key string) ([]string, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("recommend: read cache %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("recommend: decode cache %s: %w", key, err)
	}
	return items, nil
}

func (c *fifoCache) save(ctx context.Context, key string, items []string, ttl time.Duration) error {
	blob, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("recommend: encode cache %s: %w", key, err)
	}
	if ttl > 0 {
		return c.store.SetTTL(ctx, key, string(blob), ttl)
	}
	return c.store.Set(ctx, key, string(blob))
}
