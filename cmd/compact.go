package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one compaction pass now",
	Long: `compact sweeps tombstones past the retention window, merges vector
segments, truncates consumed journal segments, and clears terminal
staging state, then exits.`,
	RunE: runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	engine, _, err := openEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.Compactor().RunOnce(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Println("engine busy, compaction skipped")
		return nil
	}

	fmt.Printf("swept %d graph nodes, truncated journal below %d, removed %d staging dirs, cleared %d checkpoints (%s)\n",
		report.GraphNodesSwept, report.WALTruncatedBelow, report.StagingRemoved,
		report.CheckpointsCleared, report.Duration.Round(0))
	for store, reclaimed := range report.ReclaimedByStore {
		fmt.Printf("  %s reclaimed %d entries\n", store, reclaimed)
	}
	return nil
}
