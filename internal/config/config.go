// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched, in order, for a config
// file. The first one found is loaded.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/nestbox/config.yaml",
	"/etc/nestbox/config.yml",
}

// ConfigPathEnvVar overrides the search list with a single explicit path.
const ConfigPathEnvVar = "NESTBOX_CONFIG_PATH"

// envPrefix is stripped from environment variables before they're
// flattened into koanf's dotted key space, e.g. NESTBOX_STORE__PATH
// becomes "store.path".
const envPrefix = "NESTBOX_"

// StoreConfig configures the embedded key/value store (C1).
type StoreConfig struct {
	Path           string        `koanf:"path"`
	GCInterval     time.Duration `koanf:"gc_interval"`
	GCDiscardRatio float64       `koanf:"gc_discard_ratio"`
}

// EventBusConfig configures the NATS core pub/sub connection (C7).
type EventBusConfig struct {
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// CatalogConfig configures the external music catalog client.
type CatalogConfig struct {
	ClientID       string        `koanf:"client_id"`
	ClientSecret   string        `koanf:"client_secret"`
	BaseURL        string        `koanf:"base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	TokenRefresh   time.Duration `koanf:"token_refresh_margin"`

	// BreakerMaxFailures and BreakerOpenTimeout are loaded and exposed
	// but not read by catalog.NewBreaker, which trips on its own fixed
	// failure-ratio rule and stays open for a fixed two minutes.
	BreakerMaxFailures uint32 `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// QueueConfig tunes the fair-share queue engine (C4).
type QueueConfig struct {
	MaxDepth          int `koanf:"max_queue_depth"`
	RescoreEveryNOps  int `koanf:"rescore_every_n_ops"`
	FreeAirhornJams   int `koanf:"free_airhorn_jams"`
	JamTTL            time.Duration `koanf:"jam_ttl"`
	CommentTTL        time.Duration `koanf:"comment_ttl"`
	QueueDetailTTL    time.Duration `koanf:"queue_detail_ttl"`
}

// PlayheadConfig tunes the master-player loop (C5).
type PlayheadConfig struct {
	LeaseTTL        time.Duration `koanf:"lease_ttl"`
	TickInterval    time.Duration `koanf:"tick_interval"`
	MinTrackSeconds int           `koanf:"min_track_seconds"`
	MaxBenderMinutes time.Duration `koanf:"max_bender_minutes"`

	// UseBender gates whether an exhausted queue is backfilled by the
	// recommendation engine at all, or simply left to run dry.
	UseBender bool `koanf:"use_bender"`
	// MinQueueDepth is the backfill trigger depth for ordinary nests.
	MinQueueDepth int `koanf:"min_queue_depth"`
	// MinQueueDepthMain is the backfill trigger depth for the main nest,
	// which keeps a deeper cushion since it never stops playing.
	MinQueueDepthMain int `koanf:"min_queue_depth_main"`
}

// RecommendConfig tunes the auto-fill recommendation engine (C6).
type RecommendConfig struct {
	CacheTTL          time.Duration  `koanf:"cache_ttl"`
	SeedInfoTTL       time.Duration  `koanf:"seed_info_ttl"`
	FilterTTL         time.Duration  `koanf:"filter_ttl"`
	RefillSizeDefault int            `koanf:"refill_size_default"`
	RefillSizeMain    int            `koanf:"refill_size_main"`
	StrategyWeights   map[string]int `koanf:"strategy_weights"`
	DefaultSeedURI    string         `koanf:"default_seed_uri"`
	Market            string         `koanf:"market"`
	ThrowbackFetchCap int            `koanf:"throwback_fetch_cap"`
}

// MembershipConfig tunes the membership tracker (C3).
type MembershipConfig struct {
	MemberTTL        time.Duration `koanf:"member_ttl"`
	HeartbeatPeriod  time.Duration `koanf:"heartbeat_period"`
}

// SupervisorConfig tunes the nest supervisor's poll and reaper loops (C8).
type SupervisorConfig struct {
	PollInterval   time.Duration `koanf:"poll_interval"`
	ReaperInterval time.Duration `koanf:"reaper_interval"`
	DeleteSentinelTTL time.Duration `koanf:"delete_sentinel_ttl"`
	DefaultTTLMinutes int        `koanf:"default_ttl_minutes"`
}

// HistoryConfig tunes the play-history log (C9).
type HistoryConfig struct {
	Dir              string `koanf:"dir"`
	ThrowbackMaxDays int    `koanf:"throwback_max_days"`
	ThrowbackCap     int    `koanf:"throwback_cap"`
}

// HTTPConfig configures the public HTTP/WebSocket surface.
type HTTPConfig struct {
	ListenAddr      string        `koanf:"listen_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitRPS    float64       `koanf:"rate_limit_rps"`
	RateLimitBurst  int           `koanf:"rate_limit_burst"`
}

// AuthzConfig points at the casbin model/policy used for privileged
// identity checks (vote-override, admin nest actions).
type AuthzConfig struct {
	ModelPath  string `koanf:"model_path"`
	PolicyPath string `koanf:"policy_path"`

	// PrivilegedIdentities is granted the admin role at startup
	// (SPECIAL_PEOPLE in the original), in addition to whatever the
	// policy source grants.
	PrivilegedIdentities []string `koanf:"privileged_identities"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// Config is the top-level runtime configuration for nestbox.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	EventBus   EventBusConfig   `koanf:"event_bus"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Queue      QueueConfig      `koanf:"queue"`
	Playhead   PlayheadConfig   `koanf:"playhead"`
	Recommend  RecommendConfig  `koanf:"recommend"`
	Membership MembershipConfig `koanf:"membership"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	History    HistoryConfig    `koanf:"history"`
	HTTP       HTTPConfig       `koanf:"http"`
	Authz      AuthzConfig      `koanf:"authz"`
	Log        LogConfig        `koanf:"log"`
}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:           "/data/nestbox/store",
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		EventBus: EventBusConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			ConnectTimeout: 5 * time.Second,
		},
		Catalog: CatalogConfig{
			BaseURL:             "https://api.spotify.com",
			RequestTimeout:      10 * time.Second,
			TokenRefresh:        60 * time.Second,
			BreakerMaxFailures:  5,
			BreakerOpenTimeout:  30 * time.Second,
		},
		Queue: QueueConfig{
			MaxDepth:         200,
			RescoreEveryNOps: 500,
			FreeAirhornJams:  5,
			JamTTL:           24 * time.Hour,
			CommentTTL:       24 * time.Hour,
			QueueDetailTTL:   3 * time.Hour,
		},
		Playhead: PlayheadConfig{
			LeaseTTL:          7 * time.Second,
			TickInterval:      time.Second,
			MinTrackSeconds:   5,
			MaxBenderMinutes:  45 * time.Minute,
			UseBender:         true,
			MinQueueDepth:     1,
			MinQueueDepthMain: 3,
		},
		Recommend: RecommendConfig{
			CacheTTL:          20 * time.Minute,
			SeedInfoTTL:       20 * time.Minute,
			FilterTTL:         2 * time.Hour,
			RefillSizeDefault: 5,
			RefillSizeMain:    20,
			StrategyWeights: map[string]int{
				"genre":         35,
				"throwback":     30,
				"artist_search": 25,
				"top_tracks":    5,
				"album":         5,
			},
			DefaultSeedURI:    "spotify:track:3utq2FgD1pkmIoaWfjXWAU",
			Market:            "US",
			ThrowbackFetchCap: 20,
		},
		Membership: MembershipConfig{
			MemberTTL:       90 * time.Second,
			HeartbeatPeriod: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			PollInterval:      5 * time.Second,
			ReaperInterval:    60 * time.Second,
			DeleteSentinelTTL: 30 * time.Second,
			DefaultTTLMinutes: 120,
		},
		History: HistoryConfig{
			Dir:              "/data/nestbox/history",
			ThrowbackMaxDays: 180,
			ThrowbackCap:     40,
		},
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		Authz: AuthzConfig{
			ModelPath:            "/etc/nestbox/authz_model.conf",
			PolicyPath:           "/etc/nestbox/authz_policy.csv",
			PrivilegedIdentities: []string{},
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load builds a Config by layering, lowest to highest priority:
// built-in defaults, an optional YAML file, and NESTBOX_-prefixed
// environment variables. The file search order is DefaultConfigPaths
// unless ConfigPathEnvVar names an explicit path.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path := resolveConfigPath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load config env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveConfigPath returns the first existing config file path, or
// "" if none is found.
func resolveConfigPath() string {
	if explicit := os.Getenv(ConfigPathEnvVar); explicit != "" {
		return explicit
	}
	for _, candidate := range DefaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Validate checks invariants Load can't express through defaults
// alone: paths that must be non-empty, ranges that must be positive.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue.max_queue_depth must be positive")
	}
	if c.Playhead.LeaseTTL <= 0 {
		return fmt.Errorf("playhead.lease_ttl must be positive")
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr must not be empty")
	}
	total := 0
	for _, w := range c.Recommend.StrategyWeights {
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("recommend.strategy_weights must sum to a positive total")
	}
	return nil
}
