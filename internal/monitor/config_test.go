package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelops/ratewatch/internal/telemetry"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "linux", cfg.Gate.Platform)
	assert.Equal(t, "1.6.0", cfg.Gate.MinVersion)
	assert.Equal(t, telemetry.DefaultWindowCapacity, cfg.WindowCapacity)
	assert.Equal(t, ":9090", cfg.Health.Addr)
}

func TestLoadConfig(t *testing.T) {
	yaml := `
log_level: debug
gate:
  platform: linux
  min_version: "1.6.0"
transport:
  base_url: "ws://localhost:8080"
  pong_wait: 30s
stream:
  reconnect_delay: 1s
  max_reconnect_delay: 10s
window_capacity: 20
health:
  addr: ":9091"
targets:
  - id: sys-local
    kind: system
    platform: linux
    version: "1.7.1"
    feature_enabled: true
  - id: tun-42
    kind: tunnel
    platform: Linux
    version: "v1.6.0"
    feature_enabled: true
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "ws://localhost:8080", cfg.Transport.BaseURL)
	assert.Equal(t, 20, cfg.WindowCapacity)
	assert.Equal(t, ":9091", cfg.Health.Addr)

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "sys-local", cfg.Targets[0].ID)
	assert.Equal(t, TargetKindSystem, cfg.Targets[0].Kind)
	assert.True(t, cfg.Targets[0].FeatureEnabled)
	assert.Equal(t, "tun-42", cfg.Targets[1].ID)
	assert.Equal(t, TargetKindTunnel, cfg.Targets[1].Kind)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	// A tab at the start is invalid YAML indentation.
	require.NoError(t, os.WriteFile(path, []byte("\t- bad"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate_MissingBaseURL(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.base_url is required")
}

func TestValidate_TargetErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.BaseURL = "ws://localhost:8080"
	cfg.Targets = []TargetConfig{{Kind: TargetKindSystem}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets[0].id is required")

	cfg.Targets = []TargetConfig{{ID: "x", Kind: "weird"}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets[0].kind")
}

func TestValidate_WindowCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.BaseURL = "ws://localhost:8080"
	cfg.WindowCapacity = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_capacity must be positive")
}

func TestTargetConfig_Profile(t *testing.T) {
	sys := TargetConfig{Kind: TargetKindSystem}.Profile()
	assert.Equal(t, telemetry.KindCounter, sys[telemetry.MetricNetRX])

	tun := TargetConfig{Kind: TargetKindTunnel}.Profile()
	assert.Equal(t, telemetry.KindCounter, tun[telemetry.MetricTCPRX])
}
