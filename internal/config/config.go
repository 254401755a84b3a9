// Package config handles hcom configuration loading.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, config.toml in the hcom directory, and HCOM_*
// environment variables. A separate passthrough env file supplies
// variables for spawned agent processes (see [LoadEnvExtras]).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all hcom configuration.
type Config struct {
	// WaitTimeout bounds a listen wait, in seconds.
	WaitTimeout int `toml:"wait_timeout"`
	// SubagentTimeout bounds a subagent listen wait, in seconds.
	SubagentTimeout int `toml:"subagent_timeout"`
	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string `toml:"log_level"`

	Relay RelayConfig `toml:"relay"`
}

// RelayConfig defines cross-device relay settings.
type RelayConfig struct {
	// ID is the UUID shared by all devices in one relay group. Empty
	// means the relay has never been configured.
	ID string `toml:"id"`
	// Enabled toggles relay sync without forgetting the group.
	Enabled bool `toml:"enabled"`
	// Broker is the pinned broker URL (mqtt:// or mqtts://). Empty
	// with a non-empty ID means no broker was pinned yet.
	Broker string `toml:"broker"`
	// Password is the shared broker password, if the broker needs one.
	Password string `toml:"password"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WaitTimeout:     86400,
		SubagentTimeout: 300,
		LogLevel:        "info",
	}
}

// Load reads configuration from a TOML file and applies HCOM_*
// environment overrides. A missing file is not an error; defaults are
// returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		// Expand environment references before decoding so values
		// like "${HOME}/brokers" work.
		if err := toml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration back to a TOML file.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// applyEnv overlays HCOM_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("HCOM_WAIT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WaitTimeout = n
		}
	}
	if v := os.Getenv("HCOM_SUBAGENT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SubagentTimeout = n
		}
	}
	if v := os.Getenv("HCOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HCOM_RELAY_BROKER"); v != "" {
		c.Relay.Broker = v
	}
	if v := os.Getenv("HCOM_RELAY_PASSWORD"); v != "" {
		c.Relay.Password = v
	}
}

// RelayReady reports whether the relay is configured and enabled.
func (c *Config) RelayReady() bool {
	return c.Relay.ID != "" && c.Relay.Enabled
}

// WaitTimeoutDuration returns WaitTimeout as a [time.Duration].
func (c *Config) WaitTimeoutDuration() time.Duration {
	return time.Duration(c.WaitTimeout) * time.Second
}

// LoadEnvExtras reads the passthrough env file used when spawning
// child tools (ANTHROPIC_MODEL and friends). A missing file yields an
// empty map; the caller layers the shell environment on top.
func LoadEnvExtras(path string) map[string]string {
	extras, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}
	}
	for k, v := range extras {
		if v == "" {
			delete(extras, k)
		}
	}
	return extras
}
