package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ellsmere/lattice/core/change"
)

var runGitCatchup string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the workspace and keep the index current",
	Long: `run starts the daemon loop: a filesystem watcher feeds the change
detector, settled change sets become update cycles, and the consistency
checker and compactor run on their configured intervals. Stops on
SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&runGitCatchup, "since", "",
		"Git revision to diff against HEAD before watching (catch up after time offline)")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	engine, cfg, err := openEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if runGitCatchup != "" {
		git, err := change.NewGitSource(flagRoot, logger)
		if err != nil {
			return err
		}
		if _, err := git.Feed(ctx, engine.Detector(), runGitCatchup, "HEAD"); err != nil {
			return err
		}
	}

	watcher, err := change.NewFSSource(flagRoot, cfg.Detector.ExcludePatterns, engine.Detector(), logger)
	if err != nil {
		return err
	}
	defer watcher.Close()
	go watcher.Run(ctx)

	logger.Info("watching workspace", "root", flagRoot, "state", stateDir())
	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		stats := engine.Stats()
		logger.Info("daemon stopped",
			"cycles", stats.Cycles,
			"processed", stats.UnitsProcessed,
			"pruned", stats.UnitsPruned,
			"failed", stats.UnitsFailed,
			"conflict_retries", stats.ConflictRetries,
			"drifts_repaired", stats.DriftsRepaired,
			"compactions", stats.Compactions)
		return nil
	}
	return err
}
