package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfilesConfig holds named overrides, e.g. "rush_hour" or "incident".
type ProfilesConfig struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Manager resolves a named profile on top of the master configuration.
type Manager struct {
	master   *Config
	profiles map[string]Config
	mu       sync.RWMutex
}

// NewManager loads the master config and, when present, the profiles file.
// An empty masterPath means Default().
func NewManager(masterPath, profilesPath string) (*Manager, error) {
	master := Default()
	if masterPath != "" {
		var err error
		if master, err = LoadConfig(masterPath); err != nil {
			return nil, err
		}
	}

	m := &Manager{master: master, profiles: make(map[string]Config)}
	if profilesPath == "" {
		return m, nil
	}

	f, err := os.Open(profilesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var pc ProfilesConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", profilesPath, err)
	}
	if pc.Profiles != nil {
		m.profiles = pc.Profiles
	}
	return m, nil
}

// Profiles lists the known profile names.
func (m *Manager) Profiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the effective config for a profile. Sections the profile leaves
// zero keep the master values. An unknown profile is an error; "" is master.
func (m *Manager) Get(profile string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.master
	if profile == "" {
		return &effective, nil
	}
	override, ok := m.profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profile)
	}

	if override.Simulation.Ticks != 0 {
		effective.Simulation = override.Simulation
	}
	if override.Network.GridWidth != 0 {
		effective.Network = override.Network
	}
	if override.Messaging.BroadcastRadius != 0 {
		effective.Messaging = override.Messaging
	}
	if override.Routing.CacheSize != 0 {
		effective.Routing = override.Routing
	}
	if override.Signal.Strategy != "" {
		effective.Signal = override.Signal
	}
	if override.Negotiation.RoundBudget != 0 {
		effective.Negotiation = override.Negotiation
	}
	if override.Crisis.GreenWaveTicks != 0 {
		effective.Crisis = override.Crisis
	}
	if override.Vehicles.Count != 0 {
		effective.Vehicles = override.Vehicles
	}

	if err := effective.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile, err)
	}
	return &effective, nil
}
