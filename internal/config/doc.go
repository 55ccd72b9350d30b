// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package config loads nestbox's runtime configuration through a layered
koanf pipeline: built-in defaults, an optional YAML file, then
NESTBOX_-prefixed environment variables, each layer overriding the one
before it.

# Usage

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}
	db, err := badger.Open(badger.DefaultOptions(cfg.Store.Path))

# File Search

Load looks for config.yaml / config.yml in the working directory, then
/etc/nestbox/, unless NESTBOX_CONFIG_PATH names an explicit file.

# Environment Overrides

Environment variables use double underscore to express nesting, since
several field names already contain a single underscore:

	NESTBOX_STORE__PATH=/var/lib/nestbox
	NESTBOX_PLAYHEAD__LEASE_TTL=5s
	NESTBOX_HTTP__LISTEN_ADDR=:9000

# Validation

Load calls Config.Validate before returning, catching empty paths and
non-positive durations/limits that would otherwise surface as a
confusing failure deep inside the store or playhead.

See Also:

  - github.com/knadh/koanf/v2: layered configuration library
  - internal/store: consumer of StoreConfig
  - internal/playhead: consumer of PlayheadConfig
  - internal/recommend: consumer of RecommendConfig
*/
package config
