package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocx/trafficmesh/internal/roadgraph"
)

var validateCmd = &cobra.Command{
	Use:   "validate [scenario]",
	Short: "Check a config and an optional scenario without running",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		g, err := roadgraph.NewGrid(cfg.Network.GridWidth, cfg.Network.GridHeight, cfg.Network.CellSize, cfg.Network.FreeFlowSpeed)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %dx%d grid, %d nodes, %d edges, %d ticks\n",
			cfg.Network.GridWidth, cfg.Network.GridHeight, len(g.Nodes()), len(g.Edges()), cfg.Simulation.Ticks)
		if len(args) == 0 {
			return nil
		}
		sc, err := loadScenario(args[0])
		if err != nil {
			return err
		}
		if err := sc.Validate(g); err != nil {
			return fmt.Errorf("invalid scenario: %w", err)
		}
		fmt.Fprintf(out, "scenario ok: %d events\n", len(sc.Events))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
