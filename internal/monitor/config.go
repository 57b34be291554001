package monitor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tunnelops/ratewatch/internal/export"
	"github.com/tunnelops/ratewatch/internal/gate"
	"github.com/tunnelops/ratewatch/internal/stream"
	"github.com/tunnelops/ratewatch/internal/telemetry"
)

// Target kinds selecting the metric profile for a configured target.
const (
	TargetKindSystem = "system"
	TargetKindTunnel = "tunnel"
)

// TargetConfig declares one target to monitor at startup, together
// with its capability descriptor.
type TargetConfig struct {
	// ID is the target identifier used on the push channel.
	ID string `yaml:"id"`

	// Kind selects the metric profile: "system" or "tunnel".
	Kind string `yaml:"kind"`

	// Platform is the target's platform string (e.g. "linux").
	Platform string `yaml:"platform"`

	// Version is the target's dotted-numeric version.
	Version string `yaml:"version"`

	// FeatureEnabled is the caller-supplied feature toggle required
	// by the capability gate.
	FeatureEnabled bool `yaml:"feature_enabled"`
}

// Capabilities returns the target's capability descriptor.
func (t TargetConfig) Capabilities() gate.Capabilities {
	return gate.Capabilities{
		Platform:       t.Platform,
		Version:        t.Version,
		FeatureEnabled: t.FeatureEnabled,
	}
}

// Profile returns the metric profile for the target's kind.
func (t TargetConfig) Profile() telemetry.Profile {
	if t.Kind == TargetKindTunnel {
		return telemetry.TunnelProfile()
	}

	return telemetry.SystemProfile()
}

// Config is the top-level configuration for the ratewatch monitor.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Gate configures the capability requirements every target must
	// satisfy before a stream is opened.
	Gate gate.Requirements `yaml:"gate"`

	// Transport configures the WebSocket push channel.
	Transport stream.WebSocketConfig `yaml:"transport"`

	// Stream configures reconnect behaviour.
	Stream stream.Config `yaml:"stream"`

	// WindowCapacity is the fixed size of every history window.
	// Defaults to 15.
	WindowCapacity int `yaml:"window_capacity"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// Targets are monitored from startup. Further targets can be
	// subscribed at runtime.
	Targets []TargetConfig `yaml:"targets"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Gate: gate.Requirements{
			Platform:   "linux",
			MinVersion: "1.6.0",
		},
		WindowCapacity: telemetry.DefaultWindowCapacity,
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and
// consistency.
func (c *Config) Validate() error {
	if c.Transport.BaseURL == "" {
		return fmt.Errorf("transport.base_url is required")
	}

	if c.Gate.Platform == "" {
		return fmt.Errorf("gate.platform is required")
	}

	if c.Gate.MinVersion == "" {
		return fmt.Errorf("gate.min_version is required")
	}

	if c.WindowCapacity <= 0 {
		return fmt.Errorf("window_capacity must be positive")
	}

	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("targets[%d].id is required", i)
		}

		if t.Kind != TargetKindSystem && t.Kind != TargetKindTunnel {
			return fmt.Errorf(
				"targets[%d].kind must be %q or %q, got %q",
				i, TargetKindSystem, TargetKindTunnel, t.Kind,
			)
		}
	}

	return nil
}
