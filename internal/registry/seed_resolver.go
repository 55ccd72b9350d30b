// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"strings"

	"github.com/nestbox-fm/nestbox/internal/catalog"
)

// CatalogSeedResolver resolves a seed track's genre hint by looking
// up the track, then its primary artist, reusing the catalog client
// already wired for recommendation fills.
type CatalogSeedResolver struct {
	Catalog catalog.Client
}

// ResolveGenre implements SeedResolver.
func (r CatalogSeedResolver) ResolveGenre(ctx context.Context, trackURI string) (string, error) {
	id := trackURI
	if idx := strings.LastIndex(trackURI, ":"); idx >= 0 {
		id = trackURI[idx+1:]
	}
	track, err := r.Catalog.Track(ctx, id)
	if err != nil {
		return "", err
	}
	if track.ArtistID == "" {
		return "", nil
	}
	artist, err := r.Catalog.Artist(ctx, track.ArtistID)
	if err != nil {
		return "", err
	}
	if len(artist.Genres) == 0 {
		return "", nil
	}
	return artist.Genres[0], nil
}
