package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ocx/trafficmesh/internal/infra"
	"github.com/ocx/trafficmesh/internal/sink"
)

var (
	watchAddr    string
	watchChannel string
	watchKind    string
	watchReplay  int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the records a running simulation publishes to Redis",
	Long: `Print the latest summary and tick records kept in Redis (or the last
--replay records of the history list), then follow the record channel until
interrupted.

Example:
  trafficsim watch --redis localhost:6379 --kind event --replay 50`,
	RunE: watchRecords,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchAddr, "redis", "localhost:6379", "Redis address")
	watchCmd.Flags().StringVar(&watchChannel, "channel", "trafficmesh.records", "record channel")
	watchCmd.Flags().StringVar(&watchKind, "kind", "", "only print records of this kind (tick, event, summary)")
	watchCmd.Flags().IntVar(&watchReplay, "replay", 0, "print this many recent records before following")
}

func watchRecords(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := infra.Connect(ctx, infra.Options{Addr: watchAddr, Password: os.Getenv("REDIS_PASSWORD")})
	if err != nil {
		return err
	}
	defer rdb.Close()

	out := cmd.OutOrStdout()
	if err := catchUp(ctx, rdb, out); err != nil {
		return err
	}

	slog.Info("watching", "channel", watchChannel)
	return rdb.Follow(ctx, watchChannel, func(payload []byte) {
		printRecord(out, payload)
	})
}

func catchUp(ctx context.Context, rdb *infra.GoRedisAdapter, out io.Writer) error {
	if watchReplay > 0 {
		recent, err := rdb.Recent(ctx, sink.HistoryKey(watchChannel), watchReplay)
		if err != nil {
			return err
		}
		for _, data := range recent {
			printRecord(out, data)
		}
		return nil
	}
	for _, k := range []sink.Kind{sink.KindSummary, sink.KindTick} {
		data, err := rdb.Get(ctx, sink.LatestKey(watchChannel, k))
		if errors.Is(err, infra.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		printRecord(out, data)
	}
	return nil
}

func printRecord(w io.Writer, payload []byte) {
	var rec sink.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		slog.Debug("skipping malformed record", "error", err)
		return
	}
	if watchKind != "" && string(rec.Kind) != watchKind {
		return
	}
	switch rec.Kind {
	case sink.KindTick:
		fmt.Fprintf(w, "[%s] tick %d vehicles=%v avg_queue=%v messages=%v\n",
			rec.RunID, rec.Tick, rec.Fields["vehicles"], rec.Fields["avg_queue"], rec.Fields["messages_total"])
	case sink.KindEvent:
		fmt.Fprintf(w, "[%s] tick %d %s %s\n", rec.RunID, rec.Tick, rec.Agent, rec.Type)
	default:
		fmt.Fprintf(w, "[%s] %s %s\n", rec.RunID, rec.Kind, payload)
	}
}
