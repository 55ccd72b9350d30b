// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import "fmt"

// MainNestID is the singleton default nest every deployment starts
// with; it can never be deleted or reaped.
const MainNestID = "main"

const (
	registryKey = "NESTS|registry"
)

func codeKey(code string) string { return fmt.Sprintf("NESTS|code:%s", code) }
func slugKey(slug string) string { return fmt.Sprintf("NESTS|slug:%s", slug) }

// NestPrefix is every per-nest key's shared namespace prefix.
func NestPrefix(nestID string) string { return fmt.Sprintf("NEST:%s|", nestID) }

// DeletingKey is the 30s sentinel set while a nest's teardown is in
// flight; its presence fails every mutating operation with ErrDeleting.
func DeletingKey(nestID string) string { return NestPrefix(nestID) + "DELETING" }

// BusChannel is the pub/sub subject every per-nest event (playlist,
// now-playing, voice, membership) is published on.
func BusChannel(nestID string) string { return NestPrefix(nestID) + "MISC|update-pubsub" }

// MembersKey is the set of currently-joined member identities.
func MembersKey(nestID string) string { return NestPrefix(nestID) + "MEMBERS" }

// MemberKey is the per-member TTL heartbeat key; its expiry is what
// makes an active member "stale" without an explicit leave.
func MemberKey(nestID, identity string) string {
	return NestPrefix(nestID) + "MEMBER:" + identity
}
