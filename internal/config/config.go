// Package config loads the clawd runtime configuration from
// <stateDir>/openclaw.json. A missing file yields defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openclaw/clawd/internal/paths"
)

// DefaultGatewayPort is the gateway listen port.
const DefaultGatewayPort = 18789

// Config represents the merged clawd configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Cron      CronConfig      `json:"cron"`
	Session   SessionConfig   `json:"session"`
}

type GatewayConfig struct {
	Port int `json:"port"`

	// Bind is "loopback" (127.0.0.1 + ::1) or "all".
	Bind string `json:"bind"`

	// Token is a shared bearer token; empty disables token auth.
	Token string `json:"token"`

	// PasswordHash is an argon2id encoded hash; empty disables password auth.
	PasswordHash string `json:"passwordHash"`

	// AllowedOrigins is matched against the Origin header for web clients.
	// Empty admits loopback origins only.
	AllowedOrigins []string `json:"allowedOrigins"`

	// TrustedProxies may present forwarded-for headers without voiding the
	// localhost auth bypass.
	TrustedProxies []string `json:"trustedProxies"`

	// NodeMethods is the method allowlist for role "node" connections.
	NodeMethods []string `json:"nodeMethods"`

	// AllowTailscale accepts Tailscale identity headers as authentication.
	AllowTailscale bool `json:"allowTailscale"`
}

type HeartbeatConfig struct {
	Enabled          *bool        `json:"enabled"`
	Every            string       `json:"every"` // duration, e.g. "30m"
	Prompt           string       `json:"prompt"`
	Target           string       `json:"target"`
	Model            string       `json:"model"`
	AckMaxChars      int          `json:"ackMaxChars"`
	IncludeReasoning bool         `json:"includeReasoning"`
	ActiveHours      *ActiveHours `json:"activeHours"`
	ShowAlerts       bool         `json:"showAlerts"`
	ShowOk           bool         `json:"showOk"`
	UseIndicator     bool         `json:"useIndicator"`
}

// ActiveHours bounds heartbeat delivery to a local-time window.
// Start/End are "HH:MM"; the window wraps midnight when end <= start.
type ActiveHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

type CronConfig struct {
	Enabled            *bool     `json:"enabled"`
	MaxConcurrentRuns  int       `json:"maxConcurrentRuns"`
	EphemeralRetention Retention `json:"ephemeralRetention"`
}

type SessionConfig struct {
	// MainKey overrides the main session key; default "agent:main:main".
	MainKey string `json:"mainKey"`
}

// Retention is a duration string ("24h", "90m"), or false to disable
// reaping entirely. The zero value means "use the default".
type Retention struct {
	set      bool
	never    bool
	duration time.Duration
}

func (r *Retention) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if string(trimmed) == "false" {
		r.set = true
		r.never = true
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("ephemeralRetention must be a duration string or false")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid ephemeralRetention %q: %w", s, err)
	}
	r.set = true
	r.duration = d
	return nil
}

func (r Retention) MarshalJSON() ([]byte, error) {
	if !r.set {
		return []byte("null"), nil
	}
	if r.never {
		return []byte("false"), nil
	}
	return json.Marshal(r.duration.String())
}

// Ms returns the retention in milliseconds, or 0 with never=true when
// reaping is disabled. The fallback applies when unset.
func (r Retention) Ms(fallback time.Duration) (ms int64, never bool) {
	if !r.set {
		return fallback.Milliseconds(), false
	}
	if r.never {
		return 0, true
	}
	return r.duration.Milliseconds(), false
}

// HeartbeatEnabled reports the global heartbeat switch (default on).
func (c *Config) HeartbeatEnabled() bool {
	return c.Heartbeat.Enabled == nil || *c.Heartbeat.Enabled
}

// CronEnabled reports the cron switch (default on).
func (c *Config) CronEnabled() bool {
	return c.Cron.Enabled == nil || *c.Cron.Enabled
}

// MainSessionKey returns the configured main session key.
func (c *Config) MainSessionKey() string {
	if c.Session.MainKey != "" {
		return c.Session.MainKey
	}
	return "agent:main:main"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: DefaultGatewayPort,
			Bind: "loopback",
		},
		Heartbeat: HeartbeatConfig{
			Every:        "30m",
			Target:       "last",
			AckMaxChars:  300,
			ShowAlerts:   true,
			UseIndicator: true,
		},
		Cron: CronConfig{
			MaxConcurrentRuns: 1,
		},
	}
}

// Load reads <stateDir>/openclaw.json over the defaults.
// A missing file is not an error.
func Load() (*Config, error) {
	return LoadPath(paths.ConfigPath())
}

// LoadPath reads the given config file over the defaults.
func LoadPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultGatewayPort
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	return cfg, nil
}

// Save writes the configuration atomically.
func Save(path string, cfg *Config) error {
	return paths.AtomicWriteJSON(path, cfg, 0600)
}
