package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
simulation:
  ticks: 200
  tick_seconds: 1
  workers: 2
signal:
  strategy: qlearning
  min_phase_ticks: 10
  max_phase_ticks: 60
  yellow_ticks: 2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Simulation.Ticks)
	assert.Equal(t, "qlearning", cfg.Signal.Strategy)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1000, cfg.Routing.CacheSize)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Signal.Strategy = "fixed" }},
		{"yellow longer than min phase", func(c *Config) { c.Signal.YellowTicks = c.Signal.MinPhaseTicks }},
		{"epsilon floor above epsilon", func(c *Config) { c.Signal.Learning.EpsilonFloor = 0.5 }},
		{"round budget below window", func(c *Config) { c.Negotiation.RoundBudget = 1; c.Negotiation.ResponseWindow = 2 }},
		{"no workers", func(c *Config) { c.Simulation.Workers = 0 }},
		{"negative rate limit", func(c *Config) { c.Ops.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestManagerProfiles(t *testing.T) {
	profiles := writeFile(t, "profiles.yaml", `
profiles:
  rush_hour:
    vehicles:
      count: 500
      stop_distance: 10
      congestion_ttl: 30
`)
	m, err := NewManager("", profiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"rush_hour"}, m.Profiles())

	cfg, err := m.Get("rush_hour")
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Vehicles.Count)
	assert.Equal(t, 3600, cfg.Simulation.Ticks)

	_, err = m.Get("snowstorm")
	assert.Error(t, err)
}
