// Package compact reclaims tombstoned entries, spent WAL segments,
// stale staging areas, and checkpoint rows of terminal transactions.
// Compaction is housekeeping: it runs between cycles, yields to the
// pipeline, and a failed pass simply retries next interval.
package compact

import (
	"context"
	"log/slog"
	"time"

	"github.com/ellsmere/lattice/core/build"
	"github.com/ellsmere/lattice/core/change"
	"github.com/ellsmere/lattice/core/config"
	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/store"
)

// Gate is the engine's idle latch. TryAcquire returns false while an
// update cycle runs or wants to run; the scheduler then skips the pass.
type Gate interface {
	TryAcquire() bool
	Release()
}

// Report summarizes one compaction pass.
type Report struct {
	GraphNodesSwept    int
	ReclaimedByStore   map[string]int
	WALTruncatedBelow  uint64
	StagingRemoved     int
	CheckpointsCleared int
	Duration           time.Duration
	Skipped            bool
}

// Scheduler runs periodic mark-and-sweep compaction.
type Scheduler struct {
	db          *meta.DB
	graph       *depgraph.Graph
	backends    []store.Backend
	wal         *change.Log
	checkpoints *build.CheckpointStore
	stagingRoot string
	gate        Gate
	cfg         config.CompactionConfig
	logger      *slog.Logger
}

// NewScheduler wires a compaction scheduler. wal and gate may be nil.
func NewScheduler(db *meta.DB, graph *depgraph.Graph, backends []store.Backend, wal *change.Log, checkpoints *build.CheckpointStore, stagingRoot string, gate Gate, cfg config.CompactionConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:          db,
		graph:       graph,
		backends:    backends,
		wal:         wal,
		checkpoints: checkpoints,
		stagingRoot: stagingRoot,
		gate:        gate,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run ticks at the configured interval until the context is cancelled.
// Pass failures are logged and retried next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("compaction scheduler started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("compaction scheduler stopped")
			return
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("compaction pass failed", "error", err)
				continue
			}
			if report.Skipped {
				continue
			}
			s.logger.Info("compaction pass complete",
				"graph_swept", report.GraphNodesSwept,
				"reclaimed", report.ReclaimedByStore,
				"wal_truncated_below", report.WALTruncatedBelow,
				"staging_removed", report.StagingRemoved,
				"checkpoints_cleared", report.CheckpointsCleared,
				"duration", report.Duration)
		}
	}
}

// RunOnce executes a single pass. When the engine is busy the pass is
// skipped, not queued: the next tick tries again.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	if s.gate != nil {
		if !s.gate.TryAcquire() {
			return &Report{Skipped: true}, nil
		}
		defer s.gate.Release()
	}

	start := time.Now()
	report := &Report{ReclaimedByStore: make(map[string]int)}

	cycle, err := s.db.CycleCounter()
	if err != nil {
		return report, err
	}
	var beforeCycle uint64
	if cycle > s.cfg.RetentionCycles {
		beforeCycle = cycle - s.cfg.RetentionCycles
	}

	report.GraphNodesSwept = s.graph.Sweep(beforeCycle)

	for _, b := range s.backends {
		sweeper, ok := b.(store.Sweeper)
		if !ok {
			continue
		}
		gen, err := b.Generation()
		if err != nil {
			s.logger.Error("read store generation", "store", b.Name(), "error", err)
			continue
		}
		var beforeGen uint64
		if gen > s.cfg.RetentionCycles {
			beforeGen = gen - s.cfg.RetentionCycles
		}
		reclaimed, err := sweeper.Sweep(ctx, beforeGen)
		if err != nil {
			// Retried next interval; the tombstones stay until then.
			s.logger.Error("store sweep failed", "store", b.Name(), "error", err)
			continue
		}
		report.ReclaimedByStore[b.Name()] = reclaimed
	}

	if s.wal != nil {
		cursor, err := s.db.WALCursor()
		if err != nil {
			return report, err
		}
		if cursor > 0 {
			if err := s.wal.Truncate(cursor); err != nil {
				s.logger.Error("wal truncation failed", "cursor", cursor, "error", err)
			} else {
				report.WALTruncatedBelow = cursor
			}
		}
	}

	removed, cleared, err := s.clearTerminalStaging(ctx)
	if err != nil {
		return report, err
	}
	report.StagingRemoved = removed
	report.CheckpointsCleared = cleared

	report.Duration = time.Since(start)
	return report, nil
}

// clearTerminalStaging removes staging directories and checkpoint rows
// of transactions that reached a terminal state.
func (s *Scheduler) clearTerminalStaging(ctx context.Context) (removed, cleared int, err error) {
	if s.checkpoints == nil {
		return 0, 0, nil
	}
	txnIDs, err := s.checkpoints.TerminalTxnIDs(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, txnID := range txnIDs {
		if err := ctx.Err(); err != nil {
			return removed, cleared, coreerrors.Transient("compaction cancelled", err)
		}
		if s.stagingRoot != "" {
			if err := build.Remove(s.stagingRoot, txnID); err != nil {
				s.logger.Error("remove staging area", "txn_id", txnID, "error", err)
				continue
			}
			removed++
		}
		n, err := s.checkpoints.ClearTxn(ctx, txnID)
		if err != nil {
			s.logger.Error("clear checkpoints", "txn_id", txnID, "error", err)
			continue
		}
		cleared += n
	}
	return removed, cleared, nil
}
