package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ocx/trafficmesh/internal/circuitbreaker"
	"github.com/ocx/trafficmesh/internal/config"
	"github.com/ocx/trafficmesh/internal/infra"
	"github.com/ocx/trafficmesh/internal/opsapi"
	"github.com/ocx/trafficmesh/internal/scenario"
	"github.com/ocx/trafficmesh/internal/sim"
	"github.com/ocx/trafficmesh/internal/sink"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Long: `Run a simulation for the configured number of ticks, writing per-tick KPIs,
events and the run summary to every configured sink.

Example:
  trafficsim run --scenario incident.yaml --ticks 600 --file-dir ./out --listen :9090`,
	RunE: runSimulation,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("scenario", "", "scenario file (YAML)")
	runCmd.Flags().Int("ticks", 0, "number of ticks to simulate")
	runCmd.Flags().Int("workers", 0, "agent worker pool size (1 = sequential)")
	runCmd.Flags().Int64("seed", 0, "random seed")
	runCmd.Flags().Int("vehicles", 0, "initial vehicle count")
	runCmd.Flags().String("strategy", "", "signal strategy (pressure, qlearning)")
	runCmd.Flags().String("file-dir", "", "directory for the JSONL record file")
	runCmd.Flags().String("postgres", "", "PostgreSQL DSN for the record tables")
	runCmd.Flags().String("redis", "", "Redis address for record publishing")
	runCmd.Flags().String("pubsub-project", "", "Cloud Pub/Sub project")
	runCmd.Flags().String("pubsub-topic", "", "Cloud Pub/Sub topic")
	runCmd.Flags().String("pubsub-encoding", "json", "Pub/Sub payload encoding (json, proto)")
	runCmd.Flags().String("listen", "", "ops endpoint address, e.g. :9090")
	runCmd.Flags().Bool("stream", false, "serve live records on /stream")
	runCmd.Flags().Bool("messages", false, "record every envelope")

	_ = viper.BindPFlag("scenario", runCmd.Flags().Lookup("scenario"))
	_ = viper.BindPFlag("simulation.ticks", runCmd.Flags().Lookup("ticks"))
	_ = viper.BindPFlag("simulation.workers", runCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("simulation.seed", runCmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("vehicles.count", runCmd.Flags().Lookup("vehicles"))
	_ = viper.BindPFlag("signal.strategy", runCmd.Flags().Lookup("strategy"))
	_ = viper.BindPFlag("sink.file_dir", runCmd.Flags().Lookup("file-dir"))
	_ = viper.BindPFlag("sink.postgres_dsn", runCmd.Flags().Lookup("postgres"))
	_ = viper.BindPFlag("sink.redis_addr", runCmd.Flags().Lookup("redis"))
	_ = viper.BindPFlag("sink.pubsub.project", runCmd.Flags().Lookup("pubsub-project"))
	_ = viper.BindPFlag("sink.pubsub.topic", runCmd.Flags().Lookup("pubsub-topic"))
	_ = viper.BindPFlag("sink.pubsub.encoding", runCmd.Flags().Lookup("pubsub-encoding"))
	_ = viper.BindPFlag("ops.listen", runCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("sink.stream", runCmd.Flags().Lookup("stream"))
	_ = viper.BindPFlag("messages", runCmd.Flags().Lookup("messages"))
}

func runSimulation(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := loadScenario(viper.GetString("scenario"))
	if err != nil {
		return err
	}

	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer sinks.cleanup()

	engine, err := sim.New(cfg, sim.Options{
		Sink:           sinks.multi,
		Scenario:       sc,
		RecordMessages: viper.GetBool("messages"),
	})
	if err != nil {
		sinks.multi.Close()
		return err
	}

	if cfg.Ops.Listen != "" {
		var stream http.Handler
		if sinks.stream != nil {
			stream = sinks.stream
		}
		srv := opsapi.NewServer(engine, sinks.multi, stream)
		if cfg.Ops.RateLimit > 0 {
			srv.WithRateLimit(cfg.Ops.RateLimit)
		}
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Ops.Listen); err != nil {
				slog.Error("ops endpoint stopped", "error", err)
			}
		}()
	}

	slog.Info("simulation starting", "run", engine.RunID(), "ticks", cfg.Simulation.Ticks, "workers", cfg.Simulation.Workers)
	report, runErr := engine.Run(ctx)
	if err := engine.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

func loadScenario(path string) (*scenario.Scenario, error) {
	if path == "" {
		return nil, nil
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario: %w", err)
	}
	return sc, nil
}

type sinkSet struct {
	multi   *sink.Multi
	stream  *sink.Stream
	closers []func() error
}

func (s *sinkSet) cleanup() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}
}

// buildSinks opens every configured sink behind one breaker-guarded fan-out.
func buildSinks(ctx context.Context, cfg *config.Config) (*sinkSet, error) {
	set := &sinkSet{multi: sink.NewMulti(circuitbreaker.NewManager(nil))}
	fail := func(err error) (*sinkSet, error) {
		set.multi.Close()
		set.cleanup()
		return nil, err
	}

	if dir := cfg.Sink.FileDir; dir != "" {
		f, err := sink.NewFile(dir)
		if err != nil {
			return fail(err)
		}
		set.multi.Add("file", f)
		slog.Info("recording to file", "path", f.Path())
	}
	if dsn := cfg.Sink.PostgresDSN; dsn != "" {
		pg, err := sink.OpenPostgres(ctx, dsn, "")
		if err != nil {
			return fail(err)
		}
		set.multi.Add("postgres", pg)
	}
	if addr := cfg.Sink.RedisAddr; addr != "" {
		rdb, err := infra.Connect(ctx, infra.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       cfg.Sink.RedisDB,
		})
		if err != nil {
			return fail(err)
		}
		set.closers = append(set.closers, rdb.Close)
		set.multi.Add("redis", sink.NewRedis(rdb, cfg.Sink.Channel, 0, 0))
	}
	if ps := cfg.Sink.PubSub; ps.Project != "" && ps.Topic != "" {
		p, err := sink.NewPubSub(ctx, ps.Project, ps.Topic, sink.Encoding(viper.GetString("sink.pubsub.encoding")))
		if err != nil {
			return fail(err)
		}
		set.multi.Add("pubsub", p)
	}
	if cfg.Sink.Stream {
		set.stream = sink.NewStream(0)
		go set.stream.Run(ctx)
		set.multi.Add("stream", set.stream)
	}
	return set, nil
}
