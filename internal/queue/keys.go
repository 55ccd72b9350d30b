// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"fmt"

	"github.com/nestbox-fm/nestbox/internal/registry"
)

func priorityQueueKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|priority-queue" }

func entryKey(nestID, id string) string {
	return registry.NestPrefix(nestID) + fmt.Sprintf("QUEUE|%s", id)
}

func voteSetKey(nestID, id string) string {
	return registry.NestPrefix(nestID) + fmt.Sprintf("QUEUE|VOTE|%s", id)
}

func jamKey(nestID, id string) string {
	return registry.NestPrefix(nestID) + fmt.Sprintf("QUEUEJAM|%s", id)
}

func commentsKey(nestID, id string) string {
	return registry.NestPrefix(nestID) + fmt.Sprintf("COMMENTS|%s", id)
}

func freehornKey(nestID, identity string) string {
	return registry.NestPrefix(nestID) + fmt.Sprintf("FREEHORN|%s", identity)
}

func playlistPlaysKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|playlist-plays" }

func lastQueuedKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|last-queued" }

func nowPlayingKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|now-playing" }

// Event names published on a nest's bus channel; session handlers
// translate these into typed client frames.
const (
	EventPlaylistUpdate  = "playlist_update"
	EventNowPlayingUpdate = "now_playing_update"
	EventFreehornUpdate  = "update_freehorn"
)
