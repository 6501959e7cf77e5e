package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ellsmere/lattice/core/build"
	"github.com/ellsmere/lattice/core/change"
	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/saga"
	"github.com/ellsmere/lattice/core/store/graphstore"
	"github.com/ellsmere/lattice/core/store/lexstore"
	"github.com/ellsmere/lattice/core/store/vecstore"
	"github.com/ellsmere/lattice/core/txn"
	"github.com/ellsmere/lattice/core/unit"
)

// CycleResult summarizes one committed update cycle.
type CycleResult struct {
	CycleID     string
	Processed   int
	Pruned      int
	Failed      int
	FailedUnits []build.UnitFailure
	Excluded    []unit.ID
	Conflicts   int
	Duration    time.Duration
	WALCursor   uint64
}

// runCycle drives one change set through the full pipeline under the
// snapshot lease. Conflicts restart the whole cycle on a fresh snapshot,
// bounded by config; any other failure aborts and rolls back.
func (e *Engine) runCycle(ctx context.Context, cs *change.ChangeSet) (*CycleResult, error) {
	e.idle.Lock()
	defer e.idle.Unlock()

	start := time.Now()

	lease, err := e.locks.Acquire(ctx, e.key)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	// The cycle must abort when either the caller gives up or the lease
	// is lost mid-flight.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lease.Ctx(), cancel)
	defer stop()

	if lease.TakenOverFrom != "" {
		discarded, err := e.txns.DiscardStale(cctx, lease.TakenOverFrom, e.backends)
		if err != nil {
			return nil, err
		}
		if discarded > 0 {
			e.logger.Info("discarded crashed holder's staged work",
				"previous_holder", lease.TakenOverFrom, "txns", discarded)
		}
	}

	var result *CycleResult
	conflicts := 0
	for {
		result, err = e.attempt(cctx, cs)
		if err == nil {
			break
		}
		if coreerrors.KindOf(err) != coreerrors.KindConflict || conflicts >= e.cfg.Commit.ConflictRetryAttempts {
			return nil, err
		}
		conflicts++
		e.stats.conflicts.Add(1)
		e.logger.Warn("snapshot conflict, retrying cycle", "attempt", conflicts, "error", err)
	}

	result.Conflicts = conflicts
	result.Duration = time.Since(start)

	e.stats.cycles.Add(1)
	e.stats.processed.Add(uint64(result.Processed))
	e.stats.pruned.Add(uint64(result.Pruned))
	e.stats.failed.Add(uint64(result.Failed))

	e.logger.Info("cycle committed",
		"cycle_id", result.CycleID,
		"processed", result.Processed,
		"pruned", result.Pruned,
		"failed", result.Failed,
		"conflicts", conflicts,
		"wal_cursor", result.WALCursor,
		"duration", result.Duration)
	return result, nil
}

// attempt runs one cycle attempt on a fresh snapshot.
func (e *Engine) attempt(ctx context.Context, cs *change.ChangeSet) (*CycleResult, error) {
	t, err := e.txns.Begin(ctx, e.key)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := t.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				e.logger.Error("cycle rollback failed", "txn_id", t.ID, "error", rbErr)
			}
		}
	}()

	var changed, deletes []unit.ID
	for _, ev := range cs.Events {
		switch ev.Kind {
		case change.KindAdd, change.KindModify:
			changed = append(changed, ev.Unit)
		case change.KindDelete:
			deletes = append(deletes, ev.Unit)
		}
	}

	// Fresh fingerprints for the directly changed units drive pruning.
	// A unit whose analysis fails here stays absent from fresh and is
	// rebuilt unconditionally; the builder reports the real failure.
	freshIR := make(map[unit.ID]*unit.IRArtifact, len(changed))
	freshFP := make(map[unit.ID]fingerprint.Fingerprint, len(changed))
	for _, id := range changed {
		source, err := e.reader.ReadSource(ctx, id)
		if err != nil {
			e.logger.Debug("source read failed during pruning", "unit", id, "error", err)
			continue
		}
		ir, err := e.analyzer.Build(ctx, id, source)
		if err != nil {
			e.logger.Debug("analysis failed during pruning", "unit", id, "error", err)
			continue
		}
		freshIR[id] = ir
		freshFP[id] = fingerprint.Compute(ir, e.cfg.Propagation.Reexports)
	}

	stored, err := e.fps.BatchGet(changed)
	if err != nil {
		return nil, err
	}
	stale, err := e.fps.StaleUnits()
	if err != nil {
		return nil, err
	}

	plan := fingerprint.Prune(changed, freshFP, stored)

	affectedCfg := depgraph.AffectedConfig{
		MaxDepth:           e.cfg.Propagation.MaxAffectedDepth,
		PropagateReexports: e.cfg.Propagation.Reexports,
	}
	seeds := append(append([]unit.ID{}, plan.PropagationSeeds...), deletes...)
	deleted := make(map[unit.ID]bool, len(deletes))
	for _, id := range deletes {
		deleted[id] = true
	}
	var dependents []unit.ID
	for _, id := range t.Snapshot.Affected(seeds, affectedCfg) {
		if !deleted[id] {
			dependents = append(dependents, id)
		}
	}
	plan.ExtendWithDependents(dependents)

	// Units a prior cycle left stale ride along for another try, unless
	// this cycle deletes them.
	var retries []unit.ID
	for _, id := range stale {
		if !deleted[id] {
			retries = append(retries, id)
		}
	}
	plan.ExtendWithDependents(retries)

	versions, err := e.fps.Versions(append(append([]unit.ID{}, plan.Rebuild...), deletes...))
	if err != nil {
		return nil, err
	}
	t.RecordRead(versions)

	scopes := make(map[unit.ID]unit.RebuildScope, len(plan.Rebuild))
	for _, id := range plan.Rebuild {
		scopes[id] = plan.Outcomes[id].Scope()
	}

	rplan := &unit.RebuildPlan{
		CycleID:    uuid.NewString(),
		Layers:     t.Snapshot.Layers(plan.Rebuild),
		Scopes:     scopes,
		Deletes:    deletes,
		Migrations: cs.Migrations,
		Pruned:     plan.Pruned,
	}

	result := &CycleResult{
		CycleID:   rplan.CycleID,
		Pruned:    len(plan.Pruned),
		WALCursor: cs.ToSeq,
	}

	if rplan.Empty() {
		// Everything pruned: nothing to commit, but the journal cursor
		// still advances past the consumed events.
		if err := e.advanceCursor(ctx, cs.ToSeq); err != nil {
			return nil, err
		}
		committed = true
		if rbErr := t.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.logger.Error("empty-cycle rollback failed", "txn_id", t.ID, "error", rbErr)
		}
		return result, nil
	}

	buildRes, err := e.builder.Execute(ctx, t.ID, rplan, t.Snapshot, freshIR)
	if err != nil {
		return nil, err
	}

	if err := e.stageWrites(t, buildRes, deletes, cs.Migrations); err != nil {
		return nil, err
	}

	if err := t.Validate(ctx); err != nil {
		return nil, err
	}

	for _, name := range e.cfg.Commit.StoreOrder {
		if err := e.byName[name].Prepare(ctx, t.ID, t.WriteSet(name)); err != nil {
			return nil, err
		}
	}
	if err := t.MarkStaged(ctx); err != nil {
		return nil, err
	}

	fin := &saga.Finalize{
		WALCursor:          cs.ToSeq,
		GraphDelta:         *t.GraphDelta(),
		FingerprintPuts:    t.FingerprintPuts(),
		FingerprintDeletes: t.FingerprintDeletes(),
		StaleMarks:         t.StaleMarks(),
	}
	if err := e.coord.Execute(ctx, t, fin); err != nil {
		return nil, err
	}
	committed = true

	if cs.ToSeq > 0 {
		if err := e.wal.AppendCycleMark(cs.ToSeq); err != nil {
			e.logger.Warn("cycle mark append failed", "error", err)
		}
	}

	result.Processed = len(buildRes.Built)
	result.Failed = len(buildRes.Failed)
	result.FailedUnits = buildRes.Failed
	result.Excluded = buildRes.Excluded
	return result, nil
}

// stageWrites turns build output into per-backend write sets, the graph
// delta, and the fingerprint mutations, all staged on the transaction.
func (e *Engine) stageWrites(t *txn.Txn, buildRes *build.Result, deletes []unit.ID, migrations []unit.Migration) error {
	graphWS := t.WriteSet(graphstore.BackendName)
	lexWS := t.WriteSet(lexstore.BackendName)
	vecWS := t.WriteSet(vecstore.BackendName)

	delta := depgraph.Delta{Migrations: migrations}

	for id, artifacts := range buildRes.Built {
		if artifacts.Graph != nil {
			payload, err := json.Marshal(artifacts.Graph)
			if err != nil {
				return coreerrors.Permanent("encode graph artifact", err).WithUnit(string(id))
			}
			graphWS.Put(string(id), id, payload)
			delta.Upserts = append(delta.Upserts, depgraph.UnitDeps{ID: id, Refs: artifacts.Graph.Refs})
		}
		for i := range artifacts.Chunks {
			chunk := &artifacts.Chunks[i]
			payload, err := json.Marshal(chunk)
			if err != nil {
				return coreerrors.Permanent("encode chunk artifact", err).WithUnit(string(id))
			}
			lexWS.Put(chunk.DocID(), id, payload)
		}
		for i := range artifacts.Vectors {
			vec := &artifacts.Vectors[i]
			payload, err := json.Marshal(vec)
			if err != nil {
				return coreerrors.Permanent("encode vector artifact", err).WithUnit(string(id))
			}
			vecWS.Put(vec.VecID(), id, payload)
		}
		t.StageFingerprint(fingerprint.Compute(artifacts.IR, e.cfg.Propagation.Reexports))
	}

	for _, id := range deletes {
		graphWS.Tombstone(string(id), id)
		lexWS.Tombstone(string(id), id)
		vecWS.Tombstone(string(id), id)
		delta.Deletes = append(delta.Deletes, id)
		t.StageFingerprintDelete(id)
	}

	var staleMarks []unit.ID
	for _, failure := range buildRes.Failed {
		staleMarks = append(staleMarks, failure.Unit)
	}
	staleMarks = append(staleMarks, buildRes.Excluded...)
	if len(staleMarks) > 0 {
		t.StageStaleMarks(staleMarks)
	}

	t.StageGraphDelta(delta)
	return nil
}

// advanceCursor moves the durable journal cursor forward, never back.
func (e *Engine) advanceCursor(ctx context.Context, toSeq uint64) error {
	if toSeq == 0 {
		return nil
	}
	current, err := e.db.WALCursor()
	if err != nil {
		return err
	}
	if toSeq <= current {
		return nil
	}
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		return meta.SetWALCursor(tx, toSeq)
	})
}
