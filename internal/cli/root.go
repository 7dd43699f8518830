// Package cli holds the trafficsim commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ocx/trafficmesh/internal/config"
)

var (
	cfgFile      string
	profilesFile string
)

var rootCmd = &cobra.Command{
	Use:   "trafficsim",
	Short: "trafficsim - decentralized multi-agent urban traffic engine",
	Long: `trafficsim runs vehicles, signalized intersections and a crisis manager as
independent agents on a grid road network, coordinating only by messages.

Example:
  trafficsim run --config traffic.yaml --scenario incident.yaml --ticks 600`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "engine config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&profilesFile, "profiles", "", "profiles file with named overrides")
	rootCmd.PersistentFlags().String("profile", "", "profile to apply from --profiles")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	viper.SetEnvPrefix("TRAFFICMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func setupLogging() {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetString("log_format") == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadConfig resolves the file, the profile and then flag/env overrides.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
	m, err := config.NewManager(cfgFile, profilesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := m.Get(viper.GetString("profile"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies every flag or TRAFFICMESH_* variable that was set
// onto cfg.
func applyOverrides(cfg *config.Config) {
	ints := map[string]*int{
		"simulation.ticks":    &cfg.Simulation.Ticks,
		"simulation.workers":  &cfg.Simulation.Workers,
		"network.grid_width":  &cfg.Network.GridWidth,
		"network.grid_height": &cfg.Network.GridHeight,
		"vehicles.count":      &cfg.Vehicles.Count,
		"sink.redis_db":       &cfg.Sink.RedisDB,
		"ops.rate_limit":      &cfg.Ops.RateLimit,
	}
	for key, dst := range ints {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	strs := map[string]*string{
		"signal.strategy":     &cfg.Signal.Strategy,
		"sink.file_dir":       &cfg.Sink.FileDir,
		"sink.postgres_dsn":   &cfg.Sink.PostgresDSN,
		"sink.redis_addr":     &cfg.Sink.RedisAddr,
		"sink.channel":        &cfg.Sink.Channel,
		"sink.pubsub.project": &cfg.Sink.PubSub.Project,
		"sink.pubsub.topic":   &cfg.Sink.PubSub.Topic,
		"ops.listen":          &cfg.Ops.Listen,
	}
	for key, dst := range strs {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	if viper.IsSet("simulation.seed") {
		cfg.Simulation.Seed = viper.GetInt64("simulation.seed")
	}
	if viper.IsSet("vehicles.emergency_share") {
		cfg.Vehicles.EmergencyShare = viper.GetFloat64("vehicles.emergency_share")
	}
	if viper.IsSet("sink.stream") {
		cfg.Sink.Stream = viper.GetBool("sink.stream")
	}
}
