// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry implements nest lifecycle: creation, code/slug
// resolution, activity tracking, and teardown. It is the only package
// that writes to the shared NESTS|registry hash and the per-nest
// NEST:{nest_id}|* namespace root.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/logging"
	"github.com/nestbox-fm/nestbox/internal/models"
	"github.com/nestbox-fm/nestbox/internal/nesterr"
	"github.com/nestbox-fm/nestbox/internal/store"
)

const (
	codeAlphabet    = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength      = 5
	maxCodeAttempts = 100
	deletingTTL     = 30 * time.Second
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// SeedResolver resolves a creator-supplied seed track URI into a
// genre hint, used to bias the new nest's recommendation strategy. A
// nil resolver (or one that errors) leaves GenreHint empty.
type SeedResolver interface {
	ResolveGenre(ctx context.Context, trackURI string) (genre string, err error)
}

// Registry owns nest lifecycle against the shared store.
type Registry struct {
	store             *store.Store
	seeds             SeedResolver
	defaultTTLMinutes int
}

// New builds a Registry and ensures the singleton main nest exists.
// seeds may be nil, in which case create requests with an explicit
// seed track never get a resolved genre hint.
func New(ctx context.Context, s *store.Store, seeds SeedResolver, defaultTTLMinutes int) (*Registry, error) {
	r := &Registry{store: s, seeds: seeds, defaultTTLMinutes: defaultTTLMinutes}
	if err := r.ensureMainNest(ctx); err != nil {
		return nil, fmt.Errorf("registry: ensure main nest: %w", err)
	}
	return r, nil
}

func (r *Registry) ensureMainNest(ctx context.Context) error {
	if _, ok, err := r.store.HGet(ctx, registryKey, MainNestID); err != nil {
		return err
	} else if ok {
		return nil
	}

	now := time.Now().UTC()
	n := &models.Nest{
		NestID:       MainNestID,
		Code:         MainNestID,
		Name:         "Home Nest",
		Creator:      "system",
		IsMain:       true,
		CreatedAt:    now,
		LastActivity: now,
		TTLMinutes:   0,
	}
	return r.writeNest(ctx, n)
}

func (r *Registry) writeNest(ctx context.Context, n *models.Nest) error {
	blob, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("registry: marshal nest %s: %w", n.NestID, err)
	}
	return r.store.HSet(ctx, registryKey, n.NestID, string(blob))
}

// CreateOptions configures a new nest. Name, if empty, is drawn from
// the curated name pool. SeedTrack, if non-empty, must be a
// "spotify:track:" URI.
type CreateOptions struct {
	Creator   string
	Name      string
	SeedTrack string
}

// Create allocates a fresh code, resolves or assigns a name, resolves
// an optional seed track into a genre hint, and registers the nest.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*models.Nest, error) {
	if opts.SeedTrack != "" && !strings.HasPrefix(opts.SeedTrack, "spotify:track:") {
		return nil, fmt.Errorf("registry: seed track %q is not a spotify track URI", opts.SeedTrack)
	}

	code, err := r.generateCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: generate code: %w", err)
	}

	name := opts.Name
	if name == "" {
		name, err = r.pickRandomName(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: pick name: %w", err)
		}
	}

	now := time.Now().UTC()
	n := &models.Nest{
		NestID:       code,
		Code:         code,
		Name:         name,
		Creator:      opts.Creator,
		IsMain:       false,
		CreatedAt:    now,
		LastActivity: now,
		TTLMinutes:   r.defaultTTLMinutes,
	}

	if opts.SeedTrack != "" {
		n.SeedURI = opts.SeedTrack
		if r.seeds != nil {
			if genre, err := r.seeds.ResolveGenre(ctx, opts.SeedTrack); err != nil {
				logging.Warn().Str("nest_id", code).Err(err).Msg("registry: seed genre resolution failed")
			} else if genre != "" {
				n.GenreHint = genre
			}
		}
	} else {
		seed := seedForName(name)
		n.SeedURI = seed.TrackURI
		n.GenreHint = seed.Genre
	}

	if slug := slugify(name); slug != "" {
		won, err := r.store.SetNX(ctx, slugKey(slug), code, 0)
		if err != nil {
			return nil, fmt.Errorf("registry: reserve slug: %w", err)
		}
		if won {
			n.Slug = slug
		}
	}

	if err := r.store.Set(ctx, codeKey(code), code); err != nil {
		return nil, fmt.Errorf("registry: reserve code: %w", err)
	}
	if err := r.writeNest(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Resolve looks a nest up by nest_id, then by code, then by slug.
func (r *Registry) Resolve(ctx context.Context, key string) (*models.Nest, error) {
	if n, ok, err := r.lookupByID(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return n, nil
	}

	if id, ok, err := r.store.Get(ctx, codeKey(key)); err != nil {
		return nil, err
	} else if ok {
		if n, ok, err := r.lookupByID(ctx, id); err != nil {
			return nil, err
		} else if ok {
			return n, nil
		}
	}

	if id, ok, err := r.store.Get(ctx, slugKey(key)); err != nil {
		return nil, err
	} else if ok {
		if n, ok, err := r.lookupByID(ctx, id); err != nil {
			return nil, err
		} else if ok {
			return n, nil
		}
	}

	return nil, nesterr.ErrNotFound
}

func (r *Registry) lookupByID(ctx context.Context, nestID string) (*models.Nest, bool, error) {
	blob, ok, err := r.store.HGet(ctx, registryKey, nestID)
	if err != nil || !ok {
		return nil, false, err
	}
	var n models.Nest
	if err := json.Unmarshal([]byte(blob), &n); err != nil {
		return nil, false, fmt.Errorf("registry: corrupt nest record %s: %w", nestID, err)
	}
	return &n, true, nil
}

// List returns every registered nest, sorted by nest_id.
func (r *Registry) List(ctx context.Context) ([]*models.Nest, error) {
	all, err := r.store.HGetAll(ctx, registryKey)
	if err != nil {
		return nil, err
	}
	nests := make([]*models.Nest, 0, len(all))
	for nestID, blob := range all {
		var n models.Nest
		if err := json.Unmarshal([]byte(blob), &n); err != nil {
			logging.Warn().Str("nest_id", nestID).Err(err).Msg("registry: skipping corrupt nest record")
			continue
		}
		nests = append(nests, &n)
	}
	sort.Slice(nests, func(i, j int) bool { return nests[i].NestID < nests[j].NestID })
	return nests, nil
}

// Touch refreshes a nest's last-activity timestamp, postponing reaper
// eligibility. It is a silent no-op for a nest that no longer exists.
func (r *Registry) Touch(ctx context.Context, nestID string) error {
	n, ok, err := r.lookupByID(ctx, nestID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	n.LastActivity = time.Now().UTC()
	return r.writeNest(ctx, n)
}

// Rename changes a nest's display name and, where possible, claims a
// fresh slug for it. The old slug lookup is released; main cannot be
// renamed. Renaming an absent nest returns ErrNotFound.
func (r *Registry) Rename(ctx context.Context, nestID, name string) (*models.Nest, error) {
	if nestID == MainNestID {
		return nil, fmt.Errorf("registry: cannot rename the main nest")
	}
	n, ok, err := r.lookupByID(ctx, nestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nesterr.ErrNotFound
	}

	oldSlug := n.Slug
	n.Name = name
	n.Slug = ""
	if slug := slugify(name); slug != "" && slug != oldSlug {
		won, err := r.store.SetNX(ctx, slugKey(slug), nestID, 0)
		if err != nil {
			return nil, fmt.Errorf("registry: reserve slug: %w", err)
		}
		n.Slug = oldSlug
		if won {
			n.Slug = slug
		}
		if won && oldSlug != "" {
			if err := r.store.Del(ctx, slugKey(oldSlug)); err != nil {
				logging.Warn().Str("nest_id", nestID).Err(err).Msg("registry: failed to release old slug")
			}
		}
	} else {
		n.Slug = oldSlug
	}

	if err := r.writeNest(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// IsDeleting reports whether a teardown of nestID is currently in
// flight. Callers must refuse mutating operations while true.
func (r *Registry) IsDeleting(ctx context.Context, nestID string) (bool, error) {
	_, ok, err := r.store.Get(ctx, DeletingKey(nestID))
	return ok, err
}

// Delete tears a nest down: the main nest silently refuses (it can
// never be removed), otherwise a DELETING sentinel gates concurrent
// mutation while every NEST:{nest_id}|* key is swept away. Deleting an
// already-absent nest is a no-op, so callers may retry freely.
func (r *Registry) Delete(ctx context.Context, nestID string) error {
	if nestID == MainNestID {
		logging.Warn().Msg("registry: refusing to delete the main nest")
		return nil
	}

	if err := r.store.SetTTL(ctx, DeletingKey(nestID), "1", deletingTTL); err != nil {
		return fmt.Errorf("registry: set deleting sentinel: %w", err)
	}
	defer func() {
		if err := r.store.Del(context.Background(), DeletingKey(nestID)); err != nil {
			logging.Warn().Str("nest_id", nestID).Err(err).Msg("registry: failed to clear deleting sentinel")
		}
	}()

	n, ok, err := r.lookupByID(ctx, nestID)
	if err != nil {
		return err
	}
	if ok {
		if n.Code != "" {
			if err := r.store.Del(ctx, codeKey(n.Code)); err != nil {
				logging.Warn().Str("nest_id", nestID).Err(err).Msg("registry: failed to drop code lookup")
			}
		}
		if n.Slug != "" {
			if err := r.store.Del(ctx, slugKey(n.Slug)); err != nil {
				logging.Warn().Str("nest_id", nestID).Err(err).Msg("registry: failed to drop slug lookup")
			}
		}
	}

	if err := r.store.HDelField(ctx, registryKey, nestID); err != nil {
		return fmt.Errorf("registry: remove registry entry: %w", err)
	}

	const sweepBatch = 200
	if _, err := r.store.UnlinkPrefix(ctx, NestPrefix(nestID), sweepBatch); err != nil {
		return fmt.Errorf("registry: sweep nest namespace: %w", err)
	}
	return nil
}

// ShouldReap decides whether an idle nest is eligible for reaping: the
// main nest never is, an occupied or non-empty-queue nest never is,
// and otherwise only once it has been idle at least ttlMinutes.
func ShouldReap(n *models.Nest, memberCount, queueSize int, now time.Time) bool {
	if n.IsMain || memberCount > 0 || queueSize > 0 {
		return false
	}
	idleMinutes := now.Sub(n.LastActivity).Minutes()
	return idleMinutes >= float64(n.TTLMinutes)
}

func (r *Registry) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		_, exists, err := r.store.Get(ctx, codeKey(code))
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("registry: exhausted %d attempts generating a unique code", maxCodeAttempts)
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: read random bytes: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// pickRandomName draws an unused name from the curated pool; once
// every curated name is taken it reuses one with the smallest unused
// numeric suffix (e.g. "BassNest2").
func (r *Registry) pickRandomName(ctx context.Context) (string, error) {
	all, err := r.store.HGetAll(ctx, registryKey)
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(all))
	for _, blob := range all {
		var n models.Nest
		if err := json.Unmarshal([]byte(blob), &n); err != nil {
			continue
		}
		used[n.Name] = true
	}

	available := make([]string, 0, len(nestNames))
	for _, name := range nestNames {
		if !used[name] {
			available = append(available, name)
		}
	}
	if len(available) > 0 {
		idx, err := randomIndex(len(available))
		if err != nil {
			return "", err
		}
		return available[idx], nil
	}

	idx, err := randomIndex(len(nestNames))
	if err != nil {
		return "", err
	}
	base := nestNames[idx]
	for suffix := 2; ; suffix++ {
		candidate := base + strconv.Itoa(suffix)
		if !used[candidate] {
			return candidate, nil
		}
	}
}

func randomIndex(n int) (int, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return 0, fmt.Errorf("registry: read random bytes: %w", err)
	}
	v := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	if v < 0 {
		v = -v
	}
	return v % n, nil
}

// slugify lowercases name and replaces runs of non [a-z0-9] with a
// single hyphen, trimming leading/trailing hyphens.
func slugify(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	hyphenated := slugInvalid.ReplaceAllString(lowered, "-")
	return strings.Trim(hyphenated, "-")
}
