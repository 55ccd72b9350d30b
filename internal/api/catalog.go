// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"strings"

	"github.com/nestbox-fm/nestbox/internal/catalog"
	"github.com/nestbox-fm/nestbox/internal/models"
)

// resolveTrack turns a catalog URI into a queueable entry, branching
// on track vs. podcast-episode the same way a WebSocket session does.
func resolveTrack(ctx context.Context, cat catalog.Client, uri string) (models.QueueEntry, error) {
	id := uri
	if idx := strings.LastIndex(uri, ":"); idx >= 0 {
		id = uri[idx+1:]
	}
	if strings.Contains(uri, ":episode:") {
		ep, err := cat.Episode(ctx, id)
		if err != nil {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{TrackID: uri, Src: "spotify", Title: ep.Title, Artist: ep.ShowName, Duration: ep.Duration, Image: ep.Image}, nil
	}
	track, err := cat.Track(ctx, id)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return models.QueueEntry{
		TrackID: uri, Src: "spotify",
		Title: track.Title, Artist: track.Artist, Duration: track.Duration,
		Image: track.Image, BigImage: track.BigImage,
	}, nil
}
