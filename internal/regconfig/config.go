// Package regconfig decodes the registry's TOML configuration file,
// grounded on original_source/src/registry/config.rs.
package regconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/glennswest/labar/internal/engine"
)

// Config is the top-level registry configuration.
type Config struct {
	DataPath                string         `toml:"data_path"`
	StorageMode              string         `toml:"storage_mode"`
	Address                  string         `toml:"address"`
	PendingUploadExpiration  float64        `toml:"pending_upload_expiration"`
	SSLCertPath              string         `toml:"ssl_cert_path"`
	SSLKeyPath               string         `toml:"ssl_key_path"`
	Upstream                 *UpstreamConfig `toml:"upstream"`
	InitialUsers             []InitialUser  `toml:"initial_users"`
}

// UpstreamConfig describes a remote registry this one pulls through or
// syncs from.
type UpstreamConfig struct {
	Hostname     string `toml:"hostname"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	Sync         *bool  `toml:"sync"`
	SyncAtStartup *bool `toml:"sync_at_startup"`
	SyncInterval string `toml:"sync_interval"`
	PullThrough  bool   `toml:"pull_through"`
}

// InitialUser seeds the credential table the first time the registry
// runs against an empty state store.
type InitialUser struct {
	Username     string   `toml:"username"`
	PasswordHash string   `toml:"password_hash"`
	AccessRights []string `toml:"access_rights"`
}

const defaultPendingUploadExpirationSeconds = 30.0 * 60.0
const defaultStorageMode = "AlwaysUncompressed"
const defaultSyncInterval = "* * * * *"

// Load reads and parses path, applying the same defaults as the
// original's serde #[serde(default = ...)] attributes.
func Load(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading registry config: %w", err)
	}

	var cfg Config
	if _, err := toml.Decode(string(content), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing registry config: %w", err)
	}

	if cfg.StorageMode == "" {
		cfg.StorageMode = defaultStorageMode
	}
	if cfg.PendingUploadExpiration == 0 {
		cfg.PendingUploadExpiration = defaultPendingUploadExpirationSeconds
	}
	if cfg.Upstream != nil {
		if cfg.Upstream.Sync == nil {
			t := true
			cfg.Upstream.Sync = &t
		}
		if cfg.Upstream.SyncAtStartup == nil {
			t := true
			cfg.Upstream.SyncAtStartup = &t
		}
		if cfg.Upstream.SyncInterval == "" {
			cfg.Upstream.SyncInterval = defaultSyncInterval
		}
	}

	return cfg, nil
}

// CanPullThroughUpstream reports whether an upstream is configured with
// pull-through enabled.
func (c Config) CanPullThroughUpstream() bool {
	return c.Upstream != nil && c.Upstream.PullThrough
}

// PendingUploadExpirationDuration converts the configured seconds value
// into a time.Duration.
func (c Config) PendingUploadExpirationDuration() time.Duration {
	return time.Duration(c.PendingUploadExpiration * float64(time.Second))
}

// EngineConfig derives the engine's on-disk layout config from this
// registry configuration.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{BaseDir: c.DataPath}
}

// ParseStorageMode maps the configured storage_mode string onto
// engine.StorageMode, matching the four-variant naming SPEC_FULL.md
// settled on (see DESIGN.md Open Question #1).
func (c Config) ParseStorageMode() (engine.StorageMode, error) {
	switch c.StorageMode {
	case "AlwaysUncompressed", "Uncompressed":
		return engine.StorageAlwaysUncompressed, nil
	case "AlwaysCompressed", "Compressed":
		return engine.StorageAlwaysCompressed, nil
	case "PreferUncompressed":
		return engine.StoragePreferUncompressed, nil
	case "PreferCompressed":
		return engine.StoragePreferCompressed, nil
	default:
		return 0, fmt.Errorf("unknown storage mode: %q", c.StorageMode)
	}
}

// ParseSyncSchedule parses the upstream's sync_interval as a standard
// five-field cron expression.
func (u UpstreamConfig) ParseSyncSchedule() (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(u.SyncInterval)
}
