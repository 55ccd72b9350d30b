// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package playhead

import "github.com/nestbox-fm/nestbox/internal/registry"

func leaseKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|master-player" }

func playerNowKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|player-now" }

func currentDoneKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|current-done" }

func startedOnKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|started-on" }

func pausedKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|paused" }

func forceJumpKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|force-jump" }

func volumeKey(nestID string) string { return registry.NestPrefix(nestID) + "MISC|volume" }
