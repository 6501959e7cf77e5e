// Package pipeline wires the engine together and orchestrates update
// cycles: drain the change detector, snapshot the graph, prune the
// affected set, build in dependency layers, and commit across all stores
// through the saga coordinator. Everything below this package is a
// collaborator; this is the only place they meet.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ellsmere/lattice/core/build"
	"github.com/ellsmere/lattice/core/change"
	"github.com/ellsmere/lattice/core/compact"
	"github.com/ellsmere/lattice/core/config"
	"github.com/ellsmere/lattice/core/consistency"
	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/lock"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/saga"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/store/graphstore"
	"github.com/ellsmere/lattice/core/store/lexstore"
	"github.com/ellsmere/lattice/core/store/vecstore"
	"github.com/ellsmere/lattice/core/txn"
	"github.com/ellsmere/lattice/core/unit"
)

// Options configures engine construction. StateDir is the engine state
// root; WorkRoot is the indexed tree. Analyzer, Vectorizer, and Reader
// are injectable; nil picks the deterministic defaults, which need no
// external services.
type Options struct {
	StateDir   string
	WorkRoot   string
	Key        unit.SnapshotKey
	Config     *config.Config
	Analyzer   unit.Analyzer
	Vectorizer unit.Vectorizer
	Reader     unit.SourceReader
	Logger     *slog.Logger
}

// EngineStats is a point-in-time snapshot of cumulative engine counters.
type EngineStats struct {
	Cycles          uint64
	UnitsProcessed  uint64
	UnitsPruned     uint64
	UnitsFailed     uint64
	ConflictRetries uint64
	DriftsRepaired  uint64
	Compactions     uint64
}

// Engine owns every component of one index: detector, stores, builder,
// saga coordinator, checker, healer, compactor. One engine serves one
// snapshot key.
type Engine struct {
	cfg    *config.Config
	key    unit.SnapshotKey
	logger *slog.Logger

	db        *meta.DB
	wal       *change.Log
	detector  *change.Detector
	graph     *depgraph.Graph
	fps       *fingerprint.Store
	locks     *lock.Manager
	txns      *txn.Manager
	reader    unit.SourceReader
	analyzer  unit.Analyzer
	builder   *build.Builder
	coord     *saga.Coordinator
	checker   *consistency.Checker
	healer    *consistency.Healer
	compactor *compact.Scheduler

	backends []store.Backend
	byName   map[string]store.Backend

	// idle is the latch compaction competes with cycles for. A cycle
	// holds it for its whole span; the compactor's gate try-locks it.
	idle sync.Mutex

	stats struct {
		cycles, processed, pruned, failed atomic.Uint64
		conflicts, repaired, compactions  atomic.Uint64
	}
}

// engineGate adapts the idle latch to the compaction scheduler's gate.
type engineGate struct {
	mu          *sync.Mutex
	compactions *atomic.Uint64
}

func (g *engineGate) TryAcquire() bool {
	if !g.mu.TryLock() {
		return false
	}
	g.compactions.Add(1)
	return true
}

func (g *engineGate) Release() { g.mu.Unlock() }

// New builds an engine over the state directory, opening or creating
// every store. The context bounds store opening and the initial graph
// load.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Key.IsZero() {
		opts.Key = unit.SnapshotKey{RepoID: "default", SnapshotID: "head"}
	}

	e := &Engine{cfg: cfg, key: opts.Key, logger: logger}

	db, err := meta.Open(filepath.Join(opts.StateDir, "meta.db"))
	if err != nil {
		return nil, err
	}
	e.db = db

	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	walCfg := change.DefaultLogConfig(filepath.Join(opts.StateDir, "wal"))
	if cfg.Detector.WALSegmentSize > 0 {
		walCfg.MaxSegmentSize = cfg.Detector.WALSegmentSize
	}
	e.wal, err = change.OpenLog(walCfg)
	if err != nil {
		return nil, err
	}
	e.detector = change.NewDetector(e.wal, change.DetectorConfig{
		Debounce: cfg.Detector.DebounceWindow,
	})

	graphBackend, err := graphstore.Open(filepath.Join(opts.StateDir, "graph.db"), logger)
	if err != nil {
		return nil, err
	}
	e.backends = append(e.backends, graphBackend)

	lexBackend, err := lexstore.Open(filepath.Join(opts.StateDir, "lexical.bleve"), logger)
	if err != nil {
		return nil, err
	}
	e.backends = append(e.backends, lexBackend)

	e.analyzer = opts.Analyzer
	if e.analyzer == nil {
		e.analyzer = TokenAnalyzer{}
	}
	vectorizer := opts.Vectorizer
	if vectorizer == nil {
		vectorizer = NewHashingVectorizer(0)
	}
	e.reader = opts.Reader
	if e.reader == nil {
		e.reader = NewFSReader(opts.WorkRoot)
	}

	vecBackend, err := vecstore.Open(filepath.Join(opts.StateDir, "vectors"), vectorizer.Dimensions(), logger)
	if err != nil {
		return nil, err
	}
	e.backends = append(e.backends, vecBackend)

	e.byName = make(map[string]store.Backend, len(e.backends))
	for _, b := range e.backends {
		e.byName[b.Name()] = b
	}
	for _, name := range cfg.Commit.StoreOrder {
		if _, found := e.byName[name]; !found {
			return nil, fmt.Errorf("pipeline: store order names unknown backend %q", name)
		}
	}

	units, err := graphBackend.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	version, err := db.GraphVersion()
	if err != nil {
		return nil, err
	}
	e.graph = depgraph.Load(units, version)

	e.fps, err = fingerprint.NewStore(db, fingerprint.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	e.locks = lock.NewManager(db, lock.Config{
		LeaseDuration:   cfg.Lock.LeaseDuration,
		RenewalInterval: cfg.Lock.RenewalInterval,
	}, logger)
	e.txns = txn.NewManager(db, e.graph, e.fps, e.locks.HolderID(), logger)

	stagingRoot := filepath.Join(opts.StateDir, "staging")
	retry := coreerrors.NewRetryExecutor(cfg.RetryPolicies())
	e.builder, err = build.New(build.Config{
		WorkerCeiling:     cfg.Build.WorkerCeiling,
		SoftMemoryLimitMB: cfg.Build.SoftMemoryLimitMB,
		ArtifactCacheMB:   cfg.Build.ArtifactCacheMB,
		Policy:            cfg.FailurePolicy(),
		IncludeReexports:  cfg.Propagation.Reexports,
		StagingRoot:       stagingRoot,
	}, db, e.reader, e.analyzer, vectorizer, retry, logger)
	if err != nil {
		return nil, err
	}

	e.coord, err = saga.NewCoordinator(db, e.fps, e.graph, e.backends, saga.Config{
		StoreOrder:   cfg.Commit.StoreOrder,
		StoreTimeout: cfg.Commit.StoreTimeout,
		AbandonAfter: cfg.Commit.AbandonAfter,
	}, logger)
	if err != nil {
		return nil, err
	}

	e.checker = consistency.NewChecker(e.fps, e.graph, e.backends, cfg.Consistency, logger)
	e.healer = consistency.NewHealer(db, e.checker, e, cfg.Consistency.RepairSizeThreshold, logger)

	gate := &engineGate{mu: &e.idle, compactions: &e.stats.compactions}
	e.compactor = compact.NewScheduler(db, e.graph, e.backends, e.wal,
		build.NewCheckpointStore(db), stagingRoot, gate, cfg.Compaction, logger)

	ok = true
	return e, nil
}

// Detector exposes the change detector so sources can be attached.
func (e *Engine) Detector() *change.Detector { return e.detector }

// Checker exposes the consistency checker for the verify surface.
func (e *Engine) Checker() *consistency.Checker { return e.checker }

// Compactor exposes the compaction scheduler for the manual trigger.
func (e *Engine) Compactor() *compact.Scheduler { return e.compactor }

// Start recovers interrupted sagas and replays journal records past the
// durable cursor back into the detector. Call once before Run or
// RunOnce.
func (e *Engine) Start(ctx context.Context) error {
	report, err := e.coord.Recover(ctx)
	if err != nil {
		return err
	}
	if !report.Empty() {
		e.logger.Info("saga recovery complete",
			"finished", report.Finished,
			"resumed", report.Resumed,
			"compensated", report.Compensated,
			"rolled_back", report.RolledBack)
	}

	cursor, err := e.db.WALCursor()
	if err != nil {
		return err
	}
	replayed, err := e.detector.Replay(cursor)
	if err != nil {
		return err
	}
	if replayed > 0 {
		e.logger.Info("journal replayed", "cursor", cursor, "events", replayed)
	}
	return nil
}

// Run is the daemon loop: cycles as change sets settle, consistency
// passes on their interval, compaction on its own ticker. Blocks until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.compactor.Run(ctx)

	check := time.NewTicker(e.cfg.Consistency.CheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.detector.Ready():
			cs := e.detector.Drain()
			if cs.Empty() {
				continue
			}
			if _, err := e.runCycle(ctx, cs); err != nil {
				e.logger.Error("update cycle failed", "error", err)
			}
		case <-check.C:
			e.runConsistencyPass(ctx)
		}
	}
}

// RunOnce flushes the detector and runs a single cycle over whatever is
// pending. Returns an empty result when there is nothing to do.
func (e *Engine) RunOnce(ctx context.Context) (*CycleResult, error) {
	e.detector.Flush()
	cs := e.detector.Drain()
	if cs.Empty() {
		return &CycleResult{}, nil
	}
	return e.runCycle(ctx, cs)
}

// RepairUnits is the self-healer's entry point: drifted units re-enter
// the pipeline as a synthetic change set that leaves the journal cursor
// where it is.
func (e *Engine) RepairUnits(ctx context.Context, rebuild, remove []unit.ID) error {
	// A drifted unit's source usually still matches its fingerprint, so
	// the pruner would skip it. Stale-marking forces the full rebuild.
	if len(rebuild) > 0 {
		err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
			return e.fps.MarkStaleTx(tx, rebuild)
		})
		if err != nil {
			return err
		}
		e.fps.InvalidateCache(rebuild)
	}

	cursor, err := e.db.WALCursor()
	if err != nil {
		return err
	}
	cs := &change.ChangeSet{ToSeq: cursor}
	for _, id := range rebuild {
		cs.Events = append(cs.Events, change.Event{
			Unit: id, Kind: change.KindModify, Source: change.SourceReplay, Time: time.Now(),
		})
	}
	for _, id := range remove {
		cs.Events = append(cs.Events, change.Event{
			Unit: id, Kind: change.KindDelete, Source: change.SourceReplay, Time: time.Now(),
		})
	}
	_, err = e.runCycle(ctx, cs)
	return err
}

func (e *Engine) runConsistencyPass(ctx context.Context) {
	report, err := e.checker.Check(ctx)
	if err != nil {
		e.logger.Warn("consistency check failed", "error", err)
		return
	}
	repaired, err := e.healer.Heal(ctx, report)
	if err != nil {
		e.logger.Warn("self-heal failed", "error", err)
		return
	}
	processed, err := e.healer.ProcessPending(ctx, 4)
	if err != nil {
		e.logger.Warn("heal queue processing failed", "error", err)
	}
	e.stats.repaired.Add(uint64(repaired + processed))
}

// Stats snapshots the cumulative counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Cycles:          e.stats.cycles.Load(),
		UnitsProcessed:  e.stats.processed.Load(),
		UnitsPruned:     e.stats.pruned.Load(),
		UnitsFailed:     e.stats.failed.Load(),
		ConflictRetries: e.stats.conflicts.Load(),
		DriftsRepaired:  e.stats.repaired.Load(),
		Compactions:     e.stats.compactions.Load(),
	}
}

// Close releases every component. Safe on a partially constructed
// engine.
func (e *Engine) Close() error {
	if e.detector != nil {
		e.detector.Close()
	}
	if e.builder != nil {
		e.builder.Close()
	}
	var firstErr error
	for _, b := range e.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
