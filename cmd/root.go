// Package cmd is the thin operational surface of the engine: run the
// daemon, run a single cycle, verify consistency, trigger compaction.
// All real behavior lives in core/pipeline; commands only wire flags to
// engine construction.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ellsmere/lattice/core/config"
	"github.com/ellsmere/lattice/core/pipeline"
	"github.com/ellsmere/lattice/core/unit"
)

const stateDirName = ".lattice"

var (
	flagRoot     string
	flagState    string
	flagRepo     string
	flagSnapshot string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Incremental multi-store code index engine",
	Long: `lattice keeps a dependency graph, a lexical index, and a vector index
of a code tree consistent with each other as the tree changes, committing
every update cycle atomically across all three stores.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagRoot, "root", "r", ".", "Workspace root to index")
	rootCmd.PersistentFlags().StringVar(&flagState, "state", "", "State directory (default <root>/"+stateDirName+")")
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "default", "Repository id of the snapshot key")
	rootCmd.PersistentFlags().StringVar(&flagSnapshot, "snapshot", "head", "Snapshot id of the snapshot key")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug-level logging")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func stateDir() string {
	if flagState != "" {
		return flagState
	}
	return filepath.Join(flagRoot, stateDirName)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEngine loads the configuration, constructs the engine, and runs
// startup recovery. Callers own Close.
func openEngine(ctx context.Context, logger *slog.Logger) (*pipeline.Engine, *config.Config, error) {
	manager := config.NewManager(stateDir())
	if err := manager.Load(); err != nil {
		return nil, nil, err
	}
	cfg := manager.Get()

	engine, err := pipeline.New(ctx, pipeline.Options{
		StateDir: stateDir(),
		WorkRoot: flagRoot,
		Key:      unit.SnapshotKey{RepoID: flagRepo, SnapshotID: flagSnapshot},
		Config:   cfg,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return nil, nil, err
	}
	return engine, cfg, nil
}
