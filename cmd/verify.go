package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ellsmere/lattice/core/consistency"
	"github.com/ellsmere/lattice/core/unit"
)

var verifyRepair bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every indexed unit for cross-store drift",
	Long: `verify runs a full (non-sampled) consistency check: every committed
fingerprint against every store, plus an orphan scan of the graph. With
--repair, detected drift is healed before exiting.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false, "Repair detected drift")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	engine, _, err := openEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.Checker().CheckAll(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("checked %d units in %s\n", report.Checked, report.Duration.Round(0))
	for store, gen := range report.Generations {
		fmt.Printf("  %s generation %d\n", store, gen)
	}
	if report.IsHealthy() {
		fmt.Println("no drift detected")
		return nil
	}

	for _, drift := range report.Drifts {
		fmt.Printf("  drift %s on %s in %s: %s\n", drift.Kind, drift.Unit, drift.Store, drift.Detail)
	}
	if !verifyRepair {
		return fmt.Errorf("%d drifted units (re-run with --repair to heal)", len(report.Drifts))
	}

	// A unit that is both orphaned somewhere and missing elsewhere
	// rebuilds; removal never wins over rebuild.
	rebuildSet := make(map[unit.ID]bool)
	for _, drift := range report.Drifts {
		if drift.Kind != consistency.DriftOrphaned {
			rebuildSet[drift.Unit] = true
		}
	}
	var rebuild, remove []unit.ID
	removed := make(map[unit.ID]bool)
	for id := range rebuildSet {
		rebuild = append(rebuild, id)
	}
	for _, drift := range report.Drifts {
		if drift.Kind == consistency.DriftOrphaned && !rebuildSet[drift.Unit] && !removed[drift.Unit] {
			removed[drift.Unit] = true
			remove = append(remove, drift.Unit)
		}
	}
	if err := engine.RepairUnits(ctx, rebuild, remove); err != nil {
		return err
	}
	fmt.Printf("repaired %d units\n", len(rebuild)+len(remove))
	return nil
}
