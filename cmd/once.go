package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ellsmere/lattice/core/change"
)

var (
	onceFrom string
	onceTo   string
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single update cycle and exit",
	Long: `once replays any journal backlog, optionally folds in a git diff,
runs one update cycle over everything pending, and exits. With no
pending changes it is a no-op.`,
	RunE: runOnce,
}

func init() {
	onceCmd.Flags().StringVar(&onceFrom, "from", "", "Git revision to diff from")
	onceCmd.Flags().StringVar(&onceTo, "to", "HEAD", "Git revision to diff to")
	rootCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	engine, _, err := openEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if onceFrom != "" {
		git, err := change.NewGitSource(flagRoot, logger)
		if err != nil {
			return err
		}
		if _, err := git.Feed(ctx, engine.Detector(), onceFrom, onceTo); err != nil {
			return err
		}
	}

	result, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	if result.CycleID == "" {
		fmt.Println("nothing to do")
		return nil
	}

	fmt.Printf("cycle %s: processed %d, pruned %d, failed %d (%s)\n",
		result.CycleID, result.Processed, result.Pruned, result.Failed, result.Duration.Round(0))
	for _, failure := range result.FailedUnits {
		fmt.Printf("  failed %s: %s: %v\n", failure.Unit, failure.Kind, failure.Err)
	}
	for _, id := range result.Excluded {
		fmt.Printf("  excluded %s (stale provider)\n", id)
	}
	return nil
}
