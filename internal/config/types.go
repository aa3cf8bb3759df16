package config

import (
	"errors"
	"strings"
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Storage  StorageConfig  `json:"storage"`
	Groups   GroupsConfig   `json:"groups"`
	Refresh  RefreshConfig  `json:"refresh"`
	Logging  LoggingConfig  `json:"logging"`
}

// ProviderConfig holds the group-messaging gateway credentials and client knobs.
//
// Credentials are injected here rather than read from ambient process state so
// tests can point the client at a fake endpoint.
type ProviderConfig struct {
	BaseURL     string `json:"base_url"`
	Token       string `json:"token"`
	OwnerNumber string `json:"owner_number"`
	// Timeout is a Go duration string (e.g. "10s", "1m"). Default: "30s".
	Timeout string `json:"timeout,omitempty"`
	// RatePerSec caps outbound gateway requests. Default: 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the SQLite store.
//
// Example:
//
//	"storage": { "path": "./groupman.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// GroupsConfig controls group capacity and batch pacing.
//
// All delays are Go duration strings. The min/max pairs define jittered-uniform
// ranges; the draw is randomized on purpose so writes against the gateway don't
// look machine-timed.
//
// Defaults (when fields are omitted/zero):
//   - ceiling: 1024
//   - batch_size: 5
//   - name_prefix: "Signals"
//   - member_delay: "2s".."5s"
//   - batch_delay: "10s".."20s"
type GroupsConfig struct {
	Ceiling    int    `json:"ceiling,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	NamePrefix string `json:"name_prefix,omitempty"`

	MemberDelayMin string `json:"member_delay_min,omitempty"`
	MemberDelayMax string `json:"member_delay_max,omitempty"`
	BatchDelayMin  string `json:"batch_delay_min,omitempty"`
	BatchDelayMax  string `json:"batch_delay_max,omitempty"`
}

// RefreshConfig controls the scheduled monthly refresh.
//
// Schedule accepts a robfig/cron spec (5-field, or 6-field with seconds).
// Default: "0 10 1 * *" (10:00 on the 1st of every month).
type RefreshConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// LeaseTTL bounds how long a crashed refresh can block the next one.
	// Go duration string. Default: "2h".
	LeaseTTL string `json:"lease_ttl,omitempty"`
	// Timeout bounds a single scheduled run. Go duration string.
	// Empty/zero means no deadline beyond daemon shutdown.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate checks the parts of the config that must be present before any
// work can start. Missing gateway credentials are a configuration error and
// abort the process (nothing can be attempted without them).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return errors.New("provider.base_url is required")
	}
	if strings.TrimSpace(c.Provider.Token) == "" {
		return errors.New("provider.token is required")
	}
	if strings.TrimSpace(c.Provider.OwnerNumber) == "" {
		return errors.New("provider.owner_number is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	return nil
}
