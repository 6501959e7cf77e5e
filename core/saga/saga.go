// Package saga coordinates the cross-store commit. Heterogeneous
// backends cannot share a transaction, so the commit walks them in a
// fixed order with durable intent written to an outbox before every
// store call; a failure compensates the stores already committed, and a
// crash at any point resolves forward or backward from the outbox.
package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/txn"
	"github.com/ellsmere/lattice/core/unit"
)

// Saga states.
const (
	StateRunning     = "running"
	StateCommitted   = "committed"
	StateCompensated = "compensated"
	StateRolledBack  = "rolled_back"
)

// Outbox row statuses.
const (
	outboxPending     = "pending"
	outboxCommitting  = "committing"
	outboxCommitted   = "committed"
	outboxCompensated = "compensated"
	outboxRolledBack  = "rolled_back"
)

// Finalize is the durable final step of a saga: everything that must
// land atomically in the meta DB once every store has committed. It is
// serialized into the saga row so recovery can finish forward after a
// crash.
type Finalize struct {
	WALCursor          uint64                `json:"wal_cursor"`
	GraphDelta         depgraph.Delta        `json:"graph_delta"`
	FingerprintPuts    []txn.FingerprintPut  `json:"fingerprint_puts"`
	FingerprintDeletes []unit.ID             `json:"fingerprint_deletes"`
	StaleMarks         []unit.ID             `json:"stale_marks"`
}

// Config tunes the coordinator.
type Config struct {
	// StoreOrder is the fixed commit order.
	StoreOrder []string

	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration

	// AbandonAfter is the staleness beyond which recovery compensates a
	// partially committed saga instead of resuming it.
	AbandonAfter time.Duration
}

// Coordinator drives commit sagas and their crash recovery.
type Coordinator struct {
	db       *meta.DB
	fps      *fingerprint.Store
	graph    *depgraph.Graph
	backends map[string]store.Backend
	cfg      Config
	logger   *slog.Logger
}

// NewCoordinator wires the coordinator. Every name in cfg.StoreOrder
// must resolve to a backend.
func NewCoordinator(db *meta.DB, fps *fingerprint.Store, graph *depgraph.Graph, backends []store.Backend, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]store.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	for _, name := range cfg.StoreOrder {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("saga: store order names unknown backend %q", name)
		}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 5 * time.Minute
	}
	return &Coordinator{
		db:       db,
		fps:      fps,
		graph:    graph,
		backends: byName,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Execute commits a staged transaction across all stores. On success the
// finalize step (fingerprints, graph delta, engine counters, WAL cursor)
// lands in one meta transaction and the live graph advances. On a store
// failure the already-committed stores are compensated and the
// transaction rolls back; the returned error names the failed store and
// the compensated ones.
func (c *Coordinator) Execute(ctx context.Context, t *txn.Txn, fin *Finalize) error {
	if t.State() != txn.StateStaged {
		return coreerrors.Permanent(fmt.Sprintf("saga requires a staged transaction, got %s", t.State()), nil)
	}

	payload, err := json.Marshal(fin)
	if err != nil {
		return coreerrors.Permanent("encode finalize payload", err)
	}

	sagaID := uuid.NewString()
	now := nowString()
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO sagas (saga_id, txn_id, repo_id, snapshot_id, state, payload, started_at, heartbeat_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sagaID, t.ID, t.Key.RepoID, t.Key.SnapshotID, StateRunning, string(payload), now, now); err != nil {
			return err
		}
		for seq, name := range c.cfg.StoreOrder {
			if _, err := tx.Exec(
				"INSERT INTO outbox (saga_id, seq, store, status, attempts, updated_at) VALUES (?, ?, ?, ?, 0, ?)",
				sagaID, seq, name, outboxPending, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return coreerrors.Infrastructure("record saga intent", err)
	}

	if err := c.commitStores(ctx, sagaID, t.ID, 0); err != nil {
		if rbErr := t.Rollback(ctx); rbErr != nil {
			c.logger.Error("rollback after compensation failed", "txn_id", t.ID, "error", rbErr)
		}
		return err
	}

	return c.finalize(ctx, sagaID, t, fin)
}

// commitStores walks the order from startSeq, committing each store with
// durable intent before and after. A failure triggers compensation of
// everything committed so far.
func (c *Coordinator) commitStores(ctx context.Context, sagaID, txnID string, startSeq int) error {
	for seq := startSeq; seq < len(c.cfg.StoreOrder); seq++ {
		name := c.cfg.StoreOrder[seq]
		backend := c.backends[name]

		if err := c.setOutbox(ctx, sagaID, seq, outboxCommitting); err != nil {
			return err
		}

		storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		err := backend.Commit(storeCtx, txnID)
		cancel()
		if err != nil {
			c.logger.Error("store commit failed, compensating",
				"saga_id", sagaID, "txn_id", txnID, "store", name, "error", err)
			compensated, compErr := c.compensate(ctx, sagaID, txnID, seq)
			if compErr != nil {
				return compErr
			}
			return coreerrors.Infrastructure(
				fmt.Sprintf("commit failed at store %s (compensated: %s)",
					name, strings.Join(compensated, ", ")),
				err).WithStore(name)
		}

		if err := c.setOutbox(ctx, sagaID, seq, outboxCommitted); err != nil {
			return err
		}
	}
	return nil
}

// compensate undoes stores [0, failedSeq) in reverse and discards the
// staged writes of the rest. Returns the names compensated.
func (c *Coordinator) compensate(ctx context.Context, sagaID, txnID string, failedSeq int) ([]string, error) {
	var compensated []string
	for seq := failedSeq - 1; seq >= 0; seq-- {
		name := c.cfg.StoreOrder[seq]
		if err := c.backends[name].Compensate(ctx, txnID); err != nil {
			// An uncompensatable store leaves the saga running; recovery
			// retries on the next start.
			return compensated, coreerrors.Infrastructure("compensation failed", err).WithStore(name)
		}
		if err := c.setOutbox(ctx, sagaID, seq, outboxCompensated); err != nil {
			return compensated, err
		}
		compensated = append(compensated, name)
	}

	for seq := failedSeq; seq < len(c.cfg.StoreOrder); seq++ {
		name := c.cfg.StoreOrder[seq]
		if err := c.backends[name].Rollback(ctx, txnID); err != nil {
			return compensated, coreerrors.Infrastructure("discard staged writes", err).WithStore(name)
		}
		if err := c.setOutbox(ctx, sagaID, seq, outboxRolledBack); err != nil {
			return compensated, err
		}
	}

	return compensated, c.setSagaState(ctx, sagaID, StateCompensated)
}

// finalize lands the meta-side completion in one transaction and then
// advances the live graph. When t is nil (crash recovery) the durable
// records are updated directly.
func (c *Coordinator) finalize(ctx context.Context, sagaID string, t *txn.Txn, fin *Finalize) error {
	cycle, err := c.db.CycleCounter()
	if err != nil {
		return coreerrors.Infrastructure("read cycle counter", err)
	}
	nextCycle := cycle + 1
	nextVersion := c.graph.Version() + 1

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if t != nil {
			if err := t.MarkCommitted(tx); err != nil {
				return err
			}
		} else {
			if err := c.applyFinalize(tx, sagaID, fin); err != nil {
				return err
			}
		}
		if err := meta.AdvanceEngineState(tx, nextVersion); err != nil {
			return err
		}
		if fin.WALCursor > 0 {
			if err := meta.SetWALCursor(tx, fin.WALCursor); err != nil {
				return err
			}
		}
		_, err := tx.Exec(
			"UPDATE sagas SET state = ?, heartbeat_at = ? WHERE saga_id = ?",
			StateCommitted, nowString(), sagaID)
		return err
	})
	if err != nil {
		return coreerrors.Infrastructure("finalize saga", err)
	}

	if err := c.graph.Apply(&fin.GraphDelta, nextCycle); err != nil {
		return coreerrors.Infrastructure("apply graph delta", err)
	}

	touched := make([]unit.ID, 0, len(fin.FingerprintPuts)+len(fin.FingerprintDeletes)+len(fin.StaleMarks))
	for _, put := range fin.FingerprintPuts {
		touched = append(touched, put.FP.Unit)
	}
	touched = append(touched, fin.FingerprintDeletes...)
	touched = append(touched, fin.StaleMarks...)
	c.fps.InvalidateCache(touched)

	c.logger.Info("saga committed",
		"saga_id", sagaID, "cycle", nextCycle, "graph_version", nextVersion)
	return nil
}

// applyFinalize replays the durable finalize payload without an
// in-memory transaction (recovery path).
func (c *Coordinator) applyFinalize(tx *sql.Tx, sagaID string, fin *Finalize) error {
	for _, put := range fin.FingerprintPuts {
		if err := c.fps.PutTx(tx, put.FP, put.ExpectedVersion); err != nil {
			return err
		}
	}
	for _, id := range fin.FingerprintDeletes {
		if err := c.fps.DeleteTx(tx, id); err != nil {
			return err
		}
	}
	if len(fin.StaleMarks) > 0 {
		if err := c.fps.MarkStaleTx(tx, fin.StaleMarks); err != nil {
			return err
		}
	}
	_, err := tx.Exec(
		`UPDATE txns SET state = 'committed', updated_at = ?
		 WHERE txn_id = (SELECT txn_id FROM sagas WHERE saga_id = ?)`,
		nowString(), sagaID)
	return err
}

func (c *Coordinator) setOutbox(ctx context.Context, sagaID string, seq int, status string) error {
	now := nowString()
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE outbox SET status = ?, attempts = attempts + 1, updated_at = ? WHERE saga_id = ? AND seq = ?",
			status, now, sagaID, seq); err != nil {
			return err
		}
		_, err := tx.Exec(
			"UPDATE sagas SET heartbeat_at = ? WHERE saga_id = ?", now, sagaID)
		return err
	})
	if err != nil {
		return coreerrors.Infrastructure("update outbox", err)
	}
	return nil
}

func (c *Coordinator) setSagaState(ctx context.Context, sagaID, state string) error {
	_, err := c.db.Conn().ExecContext(ctx,
		"UPDATE sagas SET state = ?, heartbeat_at = ? WHERE saga_id = ?",
		state, nowString(), sagaID)
	if err != nil {
		return coreerrors.Infrastructure("update saga state", err)
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
