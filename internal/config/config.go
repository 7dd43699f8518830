package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the complete engine configuration. Every field has a default in
// Default(); a YAML file only needs to carry overrides.
type Config struct {
	Simulation  SimulationConfig  `yaml:"simulation"`
	Network     NetworkConfig     `yaml:"network"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Routing     RoutingConfig     `yaml:"routing"`
	Signal      SignalConfig      `yaml:"signal"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Crisis      CrisisConfig      `yaml:"crisis"`
	Vehicles    VehicleConfig     `yaml:"vehicles"`
	Sink        SinkConfig        `yaml:"sink"`
	Ops         OpsConfig         `yaml:"ops"`
}

type SimulationConfig struct {
	Ticks       int     `yaml:"ticks"`
	TickSeconds float64 `yaml:"tick_seconds"`
	Workers     int     `yaml:"workers"`
	Seed        int64   `yaml:"seed"`
}

type NetworkConfig struct {
	GridWidth     int     `yaml:"grid_width"`
	GridHeight    int     `yaml:"grid_height"`
	CellSize      float64 `yaml:"cell_size"`
	FreeFlowSpeed float64 `yaml:"free_flow_speed"`
}

type MessagingConfig struct {
	BroadcastRadius float64 `yaml:"broadcast_radius"`
	IncidentRadius  float64 `yaml:"incident_radius"`
	SignalRadius    float64 `yaml:"signal_radius"`
}

type RoutingConfig struct {
	CacheSize         int     `yaml:"cache_size"`
	HeuristicFactor   float64 `yaml:"heuristic_factor"`
	CongestionPenalty float64 `yaml:"congestion_penalty"`
	MinSpeedFactor    float64 `yaml:"min_speed_factor"`
	RecalcInterval    int     `yaml:"recalc_interval"`
}

type SignalConfig struct {
	Strategy             string         `yaml:"strategy"` // "pressure" or "qlearning"
	MinPhaseTicks        int            `yaml:"min_phase_ticks"`
	MaxPhaseTicks        int            `yaml:"max_phase_ticks"`
	YellowTicks          int            `yaml:"yellow_ticks"`
	SwitchThreshold      float64        `yaml:"switch_threshold"`
	CongestionThreshold  int            `yaml:"congestion_threshold"`
	BroadcastCooldown    int            `yaml:"broadcast_cooldown"`
	NeighborSyncInterval int            `yaml:"neighbor_sync_interval"`
	NeighborStaleTicks   int            `yaml:"neighbor_stale_ticks"`
	AverageSpeed         float64        `yaml:"average_speed"`
	Learning             LearningConfig `yaml:"learning"`
}

type LearningConfig struct {
	Alpha        float64 `yaml:"alpha"`
	Gamma        float64 `yaml:"gamma"`
	Epsilon      float64 `yaml:"epsilon"`
	EpsilonDecay float64 `yaml:"epsilon_decay"`
	EpsilonFloor float64 `yaml:"epsilon_floor"`
	BucketSize   int     `yaml:"bucket_size"`
	MaxBucket    int     `yaml:"max_bucket"`
}

type NegotiationConfig struct {
	ResponseWindow  int     `yaml:"response_window"`
	RoundBudget     int     `yaml:"round_budget"`
	MinAvailability float64 `yaml:"min_availability"`
}

type CrisisConfig struct {
	GreenWaveTicks    int     `yaml:"green_wave_ticks"`
	GreenWaveCorridor float64 `yaml:"green_wave_corridor"`
	DelegationTicks   int     `yaml:"delegation_ticks"`
	CriticalQueue     float64 `yaml:"critical_queue"`
	HighQueue         float64 `yaml:"high_queue"`
	MediumQueue       float64 `yaml:"medium_queue"`
}

type VehicleConfig struct {
	Count          int     `yaml:"count"`
	StopDistance   float64 `yaml:"stop_distance"`
	CongestionTTL  int     `yaml:"congestion_ttl"`
	EmergencyShare float64 `yaml:"emergency_share"`
}

type SinkConfig struct {
	FileDir     string `yaml:"file_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	Channel     string `yaml:"channel"`
	PubSub      struct {
		Project string `yaml:"project"`
		Topic   string `yaml:"topic"`
	} `yaml:"pubsub"`
	Stream bool `yaml:"stream"`
}

type OpsConfig struct {
	Listen    string `yaml:"listen"`
	RateLimit int    `yaml:"rate_limit"` // requests per minute per client, 0 disables
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{Ticks: 3600, TickSeconds: 1, Workers: 8, Seed: 42},
		Network:    NetworkConfig{GridWidth: 10, GridHeight: 10, CellSize: 100, FreeFlowSpeed: 13.89},
		Messaging:  MessagingConfig{BroadcastRadius: 500, IncidentRadius: 1000, SignalRadius: 150},
		Routing: RoutingConfig{
			CacheSize:         1000,
			HeuristicFactor:   1.3,
			CongestionPenalty: 0.8,
			MinSpeedFactor:    0.1,
			RecalcInterval:    30,
		},
		Signal: SignalConfig{
			Strategy:             "pressure",
			MinPhaseTicks:        15,
			MaxPhaseTicks:        90,
			YellowTicks:          3,
			SwitchThreshold:      5.0,
			CongestionThreshold:  10,
			BroadcastCooldown:    10,
			NeighborSyncInterval: 10,
			NeighborStaleTicks:   30,
			AverageSpeed:         8.33,
			Learning: LearningConfig{
				Alpha:        0.1,
				Gamma:        0.9,
				Epsilon:      0.1,
				EpsilonDecay: 0.995,
				EpsilonFloor: 0.01,
				BucketSize:   3,
				MaxBucket:    5,
			},
		},
		Negotiation: NegotiationConfig{ResponseWindow: 2, RoundBudget: 5, MinAvailability: 0.3},
		Crisis: CrisisConfig{
			GreenWaveTicks:    60,
			GreenWaveCorridor: 300,
			DelegationTicks:   30,
			CriticalQueue:     15,
			HighQueue:         8,
			MediumQueue:       4,
		},
		Vehicles: VehicleConfig{Count: 100, StopDistance: 15, CongestionTTL: 60, EmergencyShare: 0.02},
		Sink:     SinkConfig{Channel: "trafficmesh.records"},
	}
}

// LoadConfig reads a YAML file on top of Default().
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Simulation.Ticks <= 0 {
		errs = append(errs, errors.New("simulation.ticks must be positive"))
	}
	if c.Simulation.TickSeconds <= 0 {
		errs = append(errs, errors.New("simulation.tick_seconds must be positive"))
	}
	if c.Simulation.Workers < 1 {
		errs = append(errs, errors.New("simulation.workers must be at least 1"))
	}
	if c.Network.GridWidth < 2 || c.Network.GridHeight < 2 {
		errs = append(errs, errors.New("network grid must be at least 2x2"))
	}
	if c.Network.CellSize <= 0 || c.Network.FreeFlowSpeed <= 0 {
		errs = append(errs, errors.New("network cell_size and free_flow_speed must be positive"))
	}
	if c.Routing.CacheSize < 1 {
		errs = append(errs, errors.New("routing.cache_size must be at least 1"))
	}
	if c.Routing.HeuristicFactor < 1 {
		errs = append(errs, errors.New("routing.heuristic_factor must be >= 1"))
	}
	if c.Routing.MinSpeedFactor <= 0 || c.Routing.MinSpeedFactor > 1 {
		errs = append(errs, errors.New("routing.min_speed_factor must be in (0,1]"))
	}
	switch c.Signal.Strategy {
	case "pressure", "qlearning":
	default:
		errs = append(errs, fmt.Errorf("signal.strategy %q unknown", c.Signal.Strategy))
	}
	if c.Signal.MinPhaseTicks < 1 {
		errs = append(errs, errors.New("signal.min_phase_ticks must be at least 1"))
	}
	if c.Signal.YellowTicks >= c.Signal.MinPhaseTicks {
		errs = append(errs, errors.New("signal.yellow_ticks must be shorter than min_phase_ticks"))
	}
	if c.Signal.MaxPhaseTicks < c.Signal.MinPhaseTicks {
		errs = append(errs, errors.New("signal.max_phase_ticks must be >= min_phase_ticks"))
	}
	l := c.Signal.Learning
	if l.EpsilonFloor < 0 || l.EpsilonFloor > l.Epsilon {
		errs = append(errs, errors.New("signal.learning.epsilon_floor must be in [0, epsilon]"))
	}
	if l.BucketSize < 1 || l.MaxBucket < 0 {
		errs = append(errs, errors.New("signal.learning buckets must be positive"))
	}
	if c.Negotiation.ResponseWindow < 1 || c.Negotiation.RoundBudget < c.Negotiation.ResponseWindow {
		errs = append(errs, errors.New("negotiation.round_budget must cover response_window"))
	}
	if c.Ops.RateLimit < 0 {
		errs = append(errs, errors.New("ops.rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}
