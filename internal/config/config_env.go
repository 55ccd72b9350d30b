// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"strings"
)

// envTransform converts NESTBOX_STORE__GC_INTERVAL=5m into the koanf
// key "store.gc_interval" with value "5m". Double underscore is the
// nesting delimiter so struct field names that already contain a
// single underscore (gc_interval, max_queue_depth, ...) survive
// untouched.
func envTransform(key, value string) (string, string) {
	trimmed := strings.TrimPrefix(key, envPrefix)
	lowered := strings.ToLower(trimmed)
	dotted := strings.ReplaceAll(lowered, "__", ".")
	return dotted, value
}
