package txn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

// Manager opens transactions against the live graph and tracks their
// durable records for crash recovery. The live graph itself is only
// mutated by the commit finalizer, under the snapshot key's lock.
type Manager struct {
	db       *meta.DB
	graph    *depgraph.Graph
	fps      *fingerprint.Store
	holderID string
	logger   *slog.Logger
}

// NewManager creates a transaction manager. holderID ties durable txn
// records to the process's lock identity, so a takeover can find and
// discard a crashed holder's staged transactions.
func NewManager(db *meta.DB, graph *depgraph.Graph, fps *fingerprint.Store, holderID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:       db,
		graph:    graph,
		fps:      fps,
		holderID: holderID,
		logger:   logger,
	}
}

// Graph returns the live graph the manager validates against.
func (m *Manager) Graph() *depgraph.Graph {
	return m.graph
}

// Begin opens a transaction: a cloned graph snapshot, the live version
// captured, and a durable record in the txns table.
func (m *Manager) Begin(ctx context.Context, key unit.SnapshotKey) (*Txn, error) {
	t := &Txn{
		ID:          uuid.NewString(),
		Key:         key,
		HolderID:    m.holderID,
		Snapshot:    m.graph.Clone(),
		BaseVersion: m.graph.Version(),
		state:       StateOpen,
		readSet:     make(map[unit.ID]uint64),
		writes:      make(map[string]*store.WriteSet),
		manager:     m,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.db.Conn().ExecContext(ctx,
		`INSERT INTO txns (txn_id, holder_id, repo_id, snapshot_id, state, base_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, m.holderID, key.RepoID, key.SnapshotID, StateOpen.String(), t.BaseVersion, now, now)
	if err != nil {
		return nil, coreerrors.Infrastructure("record transaction", err)
	}

	m.logger.Debug("transaction opened",
		"txn_id", t.ID, "key", key.String(), "base_version", t.BaseVersion)
	return t, nil
}

// MarkStaged transitions OPEN → STAGED once the builder has finished and
// every staged artifact is durable.
func (t *Txn) MarkStaged(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, t.state)
	}
	if t.state != StateOpen {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> staged", ErrBadTransition, t.state)
	}
	t.state = StateStaged
	t.mu.Unlock()

	return t.manager.updateState(ctx, t.ID, StateStaged)
}

// Validate checks whether this transaction's snapshot is still current.
// A fast path accepts when the live graph version has not moved since
// Begin. Otherwise every unit this transaction writes is validated
// against the current fingerprint version; any mismatch against the read
// set is a conflict naming the unit.
func (t *Txn) Validate(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, t.state)
	}
	t.mu.Unlock()

	liveVersion := t.manager.graph.Version()
	if liveVersion == t.BaseVersion {
		return nil
	}

	// The graph moved: a concurrent cycle on another key committed.
	// Cross-key commits are benign unless they touched our units.
	current, err := t.manager.fps.Versions(t.WrittenUnits())
	if err != nil {
		return err
	}
	for id, liveV := range current {
		readV, recorded := t.ReadVersion(id)
		if !recorded {
			readV = 0
		}
		if liveV != readV {
			return coreerrors.Conflict(
				fmt.Sprintf("unit committed concurrently (read version %d, now %d)", readV, liveV),
				nil,
			).WithUnit(string(id))
		}
	}
	return nil
}

// MarkCommitted finalizes the transaction inside the caller's meta
// transaction: fingerprint CAS updates, deletions, stale marks, and the
// durable state flip all land atomically with the saga's completion.
func (t *Txn) MarkCommitted(tx *sql.Tx) error {
	t.mu.Lock()
	if t.state != StateStaged {
		state := t.state
		t.mu.Unlock()
		if state.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, state)
		}
		return fmt.Errorf("%w: %s -> committed", ErrBadTransition, state)
	}
	puts := append([]FingerprintPut(nil), t.fpPuts...)
	dels := append([]unit.ID(nil), t.fpDels...)
	stale := append([]unit.ID(nil), t.staleSet...)
	t.mu.Unlock()

	for _, put := range puts {
		if err := t.manager.fps.PutTx(tx, put.FP, put.ExpectedVersion); err != nil {
			return err
		}
	}
	for _, id := range dels {
		if err := t.manager.fps.DeleteTx(tx, id); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		if err := t.manager.fps.MarkStaleTx(tx, stale); err != nil {
			return err
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		"UPDATE txns SET state = ?, updated_at = ? WHERE txn_id = ?",
		StateCommitted.String(), now, t.ID); err != nil {
		return coreerrors.Infrastructure("finalize transaction record", err)
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()
	return nil
}

// Rollback discards the transaction. Idempotent; rolling back a
// committed transaction is an error.
func (t *Txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateRolledBack:
		t.mu.Unlock()
		return nil
	case StateCommitted:
		t.mu.Unlock()
		return fmt.Errorf("%w: committed", ErrTerminal)
	}
	t.state = StateRolledBack
	t.writes = make(map[string]*store.WriteSet)
	t.delta = depgraph.Delta{}
	t.fpPuts = nil
	t.fpDels = nil
	t.staleSet = nil
	t.mu.Unlock()

	return t.manager.updateState(ctx, t.ID, StateRolledBack)
}

func (m *Manager) updateState(ctx context.Context, txnID string, state State) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.db.Conn().ExecContext(ctx,
		"UPDATE txns SET state = ?, updated_at = ? WHERE txn_id = ?",
		state.String(), now, txnID)
	if err != nil {
		return coreerrors.Infrastructure("update transaction record", err)
	}
	return nil
}

// StaleTxnIDs returns the non-terminal transaction ids recorded for a
// holder. Used after a lease takeover to find a crashed holder's staged
// work.
func (m *Manager) StaleTxnIDs(ctx context.Context, holderID string) ([]string, error) {
	rows, err := m.db.Conn().QueryContext(ctx,
		"SELECT txn_id FROM txns WHERE holder_id = ? AND state IN (?, ?)",
		holderID, StateOpen.String(), StateStaged.String())
	if err != nil {
		return nil, coreerrors.Infrastructure("list stale transactions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DiscardStale rolls back every non-terminal transaction of the given
// holder: staged writes are dropped from each backend and the durable
// records flip to rolled_back. Safe to call when nothing is stale.
func (m *Manager) DiscardStale(ctx context.Context, holderID string, backends []store.Backend) (int, error) {
	ids, err := m.StaleTxnIDs(ctx, holderID)
	if err != nil {
		return 0, err
	}

	for _, txnID := range ids {
		for _, backend := range backends {
			if err := backend.Rollback(ctx, txnID); err != nil {
				return 0, coreerrors.Infrastructure("discard staged writes", err).WithStore(backend.Name())
			}
		}
		if err := m.updateState(ctx, txnID, StateRolledBack); err != nil {
			return 0, err
		}
		m.logger.Info("discarded stale transaction", "txn_id", txnID, "holder_id", holderID)
	}
	return len(ids), nil
}
