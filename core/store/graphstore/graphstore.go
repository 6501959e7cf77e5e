// Package graphstore is the sqlite-backed graph store: one node row per
// unit with its exported surface, and one edge row per dependency.
// Staged writes land in a staging table under Prepare; Commit applies
// them to the live tables, records undo rows for saga compensation, and
// registers the transaction id so repeated commits no-op.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

// BackendName is the name the saga and config refer to this store by.
const BackendName = "graph"

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    unit_id       TEXT PRIMARY KEY,
    payload       TEXT NOT NULL,
    hash          TEXT NOT NULL,
    deleted_gen   INTEGER,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_deleted ON nodes(deleted_gen);

CREATE TABLE IF NOT EXISTS edges (
    from_unit TEXT NOT NULL,
    to_unit   TEXT NOT NULL,
    kind      INTEGER NOT NULL,
    PRIMARY KEY (from_unit, to_unit, kind)
);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_unit);

CREATE TABLE IF NOT EXISTS staged_ops (
    txn_id  TEXT NOT NULL,
    seq     INTEGER NOT NULL,
    kind    INTEGER NOT NULL,
    key     TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    payload TEXT,
    PRIMARY KEY (txn_id, seq)
);

CREATE TABLE IF NOT EXISTS undo_log (
    txn_id        TEXT NOT NULL,
    seq           INTEGER NOT NULL,
    key           TEXT NOT NULL,
    existed       INTEGER NOT NULL,
    prior_payload TEXT,
    prior_hash    TEXT,
    prior_deleted INTEGER,
    PRIMARY KEY (txn_id, seq)
);

CREATE TABLE IF NOT EXISTS applied_txns (
    txn_id     TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS compensated_txns (
    txn_id         TEXT PRIMARY KEY,
    compensated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS store_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    generation INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO store_state (id) VALUES (1);
`

// Store is the graph backend.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens or creates the graph store database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open graph store at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate graph store at %s: %w", path, err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// Name implements store.Backend.
func (s *Store) Name() string { return BackendName }

// Close implements store.Backend.
func (s *Store) Close() error { return s.db.Close() }

// Generation implements store.Backend.
func (s *Store) Generation() (uint64, error) {
	var gen uint64
	err := s.db.QueryRow("SELECT generation FROM store_state WHERE id = 1").Scan(&gen)
	if err != nil {
		return 0, coreerrors.Infrastructure("read graph store generation", err).WithStore(BackendName)
	}
	return gen, nil
}

// Prepare stages the write set durably. Re-preparing the same txn
// replaces the prior staging.
func (s *Store) Prepare(ctx context.Context, txnID string, ws *store.WriteSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerrors.Infrastructure("begin prepare", err).WithStore(BackendName)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM staged_ops WHERE txn_id = ?", txnID); err != nil {
		return coreerrors.Infrastructure("clear prior staging", err).WithStore(BackendName)
	}

	for seq, op := range ws.Ops {
		_, err := tx.Exec(
			"INSERT INTO staged_ops (txn_id, seq, kind, key, unit_id, payload) VALUES (?, ?, ?, ?, ?, ?)",
			txnID, seq, int(op.Kind), op.Key, string(op.Unit), string(op.Payload))
		if err != nil {
			return coreerrors.Infrastructure("stage op", err).WithStore(BackendName)
		}
	}

	if err := tx.Commit(); err != nil {
		return coreerrors.Infrastructure("persist staging", err).WithStore(BackendName)
	}
	return nil
}

// Commit applies the staged operations atomically. Idempotent per txn id.
func (s *Store) Commit(ctx context.Context, txnID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerrors.Infrastructure("begin commit", err).WithStore(BackendName)
	}
	defer tx.Rollback()

	applied, err := txnRecorded(tx, "applied_txns", txnID)
	if err != nil {
		return err
	}
	if applied {
		return tx.Commit() // already applied, crash-replay no-op
	}

	var gen uint64
	if err := tx.QueryRow("SELECT generation FROM store_state WHERE id = 1").Scan(&gen); err != nil {
		return coreerrors.Infrastructure("read generation", err).WithStore(BackendName)
	}
	gen++

	rows, err := tx.Query(
		"SELECT seq, kind, key, unit_id, payload FROM staged_ops WHERE txn_id = ? ORDER BY seq", txnID)
	if err != nil {
		return coreerrors.Infrastructure("read staged ops", err).WithStore(BackendName)
	}
	ops, err := scanOps(rows)
	if err != nil {
		return err
	}

	for seq, op := range ops {
		if err := s.recordUndo(tx, txnID, seq, op.Key); err != nil {
			return err
		}
		switch op.Kind {
		case store.OpPut:
			if err := s.applyPut(tx, op, gen); err != nil {
				return err
			}
		case store.OpTombstone:
			if err := s.applyTombstone(tx, op, gen); err != nil {
				return err
			}
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec("INSERT INTO applied_txns (txn_id, applied_at) VALUES (?, ?)", txnID, now); err != nil {
		return coreerrors.Infrastructure("record applied txn", err).WithStore(BackendName)
	}
	if _, err := tx.Exec("UPDATE store_state SET generation = ? WHERE id = 1", gen); err != nil {
		return coreerrors.Infrastructure("advance generation", err).WithStore(BackendName)
	}
	if _, err := tx.Exec("DELETE FROM staged_ops WHERE txn_id = ?", txnID); err != nil {
		return coreerrors.Infrastructure("clear staging", err).WithStore(BackendName)
	}

	if err := tx.Commit(); err != nil {
		return coreerrors.Infrastructure("commit", err).WithStore(BackendName)
	}
	s.logger.Debug("graph store committed", "txn_id", txnID, "ops", len(ops), "generation", gen)
	return nil
}

func (s *Store) recordUndo(tx *sql.Tx, txnID string, seq int, key string) error {
	var (
		payload string
		hash    string
		deleted sql.NullInt64
	)
	err := tx.QueryRow("SELECT payload, hash, deleted_gen FROM nodes WHERE unit_id = ?", key).
		Scan(&payload, &hash, &deleted)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			"INSERT OR REPLACE INTO undo_log (txn_id, seq, key, existed) VALUES (?, ?, ?, 0)",
			txnID, seq, key)
	case err != nil:
		return coreerrors.Infrastructure("snapshot prior node", err).WithStore(BackendName)
	default:
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO undo_log (txn_id, seq, key, existed, prior_payload, prior_hash, prior_deleted)
			 VALUES (?, ?, ?, 1, ?, ?, ?)`,
			txnID, seq, key, payload, hash, deleted)
	}
	if err != nil {
		return coreerrors.Infrastructure("record undo", err).WithStore(BackendName)
	}
	return nil
}

func (s *Store) applyPut(tx *sql.Tx, op store.Op, gen uint64) error {
	var artifact unit.GraphArtifact
	if err := json.Unmarshal(op.Payload, &artifact); err != nil {
		return coreerrors.Permanent("decode graph artifact", err).WithUnit(string(op.Unit)).WithStore(BackendName)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.Exec(
		`INSERT INTO nodes (unit_id, payload, hash, deleted_gen, updated_at)
		 VALUES (?, ?, ?, NULL, ?)
		 ON CONFLICT(unit_id) DO UPDATE SET
		   payload = excluded.payload, hash = excluded.hash,
		   deleted_gen = NULL, updated_at = excluded.updated_at`,
		op.Key, string(op.Payload), artifact.Hash, now)
	if err != nil {
		return coreerrors.Infrastructure("upsert node", err).WithStore(BackendName)
	}

	if _, err := tx.Exec("DELETE FROM edges WHERE from_unit = ?", op.Key); err != nil {
		return coreerrors.Infrastructure("clear edges", err).WithStore(BackendName)
	}
	for _, ref := range artifact.Refs {
		_, err := tx.Exec(
			"INSERT OR IGNORE INTO edges (from_unit, to_unit, kind) VALUES (?, ?, ?)",
			op.Key, string(ref.To), int(ref.Kind))
		if err != nil {
			return coreerrors.Infrastructure("insert edge", err).WithStore(BackendName)
		}
	}
	return nil
}

func (s *Store) applyTombstone(tx *sql.Tx, op store.Op, gen uint64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.Exec(
		"UPDATE nodes SET deleted_gen = ?, updated_at = ? WHERE unit_id = ? AND deleted_gen IS NULL",
		gen, now, op.Key)
	if err != nil {
		return coreerrors.Infrastructure("tombstone node", err).WithStore(BackendName)
	}
	if _, err := tx.Exec("DELETE FROM edges WHERE from_unit = ?", op.Key); err != nil {
		return coreerrors.Infrastructure("clear tombstoned edges", err).WithStore(BackendName)
	}
	return nil
}

// Rollback discards staged writes. Idempotent.
func (s *Store) Rollback(ctx context.Context, txnID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM staged_ops WHERE txn_id = ?", txnID)
	if err != nil {
		return coreerrors.Infrastructure("rollback staging", err).WithStore(BackendName)
	}
	return nil
}

// Compensate undoes a committed transaction by restoring the prior state
// of every touched node. Idempotent; compensating a never-applied txn is
// a no-op.
func (s *Store) Compensate(ctx context.Context, txnID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerrors.Infrastructure("begin compensate", err).WithStore(BackendName)
	}
	defer tx.Rollback()

	applied, err := txnRecorded(tx, "applied_txns", txnID)
	if err != nil {
		return err
	}
	if !applied {
		return tx.Commit() // never applied or already compensated
	}

	rows, err := tx.Query(
		`SELECT key, existed, prior_payload, prior_hash, prior_deleted
		 FROM undo_log WHERE txn_id = ? ORDER BY seq DESC`, txnID)
	if err != nil {
		return coreerrors.Infrastructure("read undo log", err).WithStore(BackendName)
	}
	type undoRow struct {
		key     string
		existed bool
		payload sql.NullString
		hash    sql.NullString
		deleted sql.NullInt64
	}
	var undos []undoRow
	for rows.Next() {
		var u undoRow
		if err := rows.Scan(&u.key, &u.existed, &u.payload, &u.hash, &u.deleted); err != nil {
			rows.Close()
			return err
		}
		undos = append(undos, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, u := range undos {
		if !u.existed {
			if _, err := tx.Exec("DELETE FROM nodes WHERE unit_id = ?", u.key); err != nil {
				return coreerrors.Infrastructure("undo insert", err).WithStore(BackendName)
			}
			if _, err := tx.Exec("DELETE FROM edges WHERE from_unit = ?", u.key); err != nil {
				return coreerrors.Infrastructure("undo edges", err).WithStore(BackendName)
			}
			continue
		}

		_, err := tx.Exec(
			`INSERT INTO nodes (unit_id, payload, hash, deleted_gen, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(unit_id) DO UPDATE SET
			   payload = excluded.payload, hash = excluded.hash,
			   deleted_gen = excluded.deleted_gen, updated_at = excluded.updated_at`,
			u.key, u.payload.String, u.hash.String, u.deleted, now)
		if err != nil {
			return coreerrors.Infrastructure("restore node", err).WithStore(BackendName)
		}

		if _, err := tx.Exec("DELETE FROM edges WHERE from_unit = ?", u.key); err != nil {
			return coreerrors.Infrastructure("clear edges for restore", err).WithStore(BackendName)
		}
		var artifact unit.GraphArtifact
		if u.payload.Valid && json.Unmarshal([]byte(u.payload.String), &artifact) == nil {
			for _, ref := range artifact.Refs {
				if _, err := tx.Exec(
					"INSERT OR IGNORE INTO edges (from_unit, to_unit, kind) VALUES (?, ?, ?)",
					u.key, string(ref.To), int(ref.Kind)); err != nil {
					return coreerrors.Infrastructure("restore edge", err).WithStore(BackendName)
				}
			}
		}
	}

	if _, err := tx.Exec("DELETE FROM applied_txns WHERE txn_id = ?", txnID); err != nil {
		return coreerrors.Infrastructure("unrecord applied txn", err).WithStore(BackendName)
	}
	nowNano := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO compensated_txns (txn_id, compensated_at) VALUES (?, ?)",
		txnID, nowNano); err != nil {
		return coreerrors.Infrastructure("record compensation", err).WithStore(BackendName)
	}
	if _, err := tx.Exec("UPDATE store_state SET generation = generation + 1 WHERE id = 1"); err != nil {
		return coreerrors.Infrastructure("advance generation", err).WithStore(BackendName)
	}

	if err := tx.Commit(); err != nil {
		return coreerrors.Infrastructure("compensate", err).WithStore(BackendName)
	}
	s.logger.Info("graph store compensated", "txn_id", txnID, "nodes_restored", len(undos))
	return nil
}

func txnRecorded(tx *sql.Tx, table, txnID string) (bool, error) {
	var n int
	err := tx.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE txn_id = ?", txnID).Scan(&n)
	if err != nil {
		return false, coreerrors.Infrastructure("check txn record", err).WithStore(BackendName)
	}
	return n > 0, nil
}

func scanOps(rows *sql.Rows) ([]store.Op, error) {
	defer rows.Close()

	var ops []store.Op
	for rows.Next() {
		var (
			seq     int
			kind    int
			key     string
			unitID  string
			payload sql.NullString
		)
		if err := rows.Scan(&seq, &kind, &key, &unitID, &payload); err != nil {
			return nil, err
		}
		ops = append(ops, store.Op{
			Kind:    store.OpKind(kind),
			Key:     key,
			Unit:    unit.ID(unitID),
			Payload: []byte(payload.String),
		})
	}
	return ops, rows.Err()
}

// LoadGraph reads the committed live nodes and edges into dependency
// lists for booting the in-memory graph.
func (s *Store) LoadGraph(ctx context.Context) ([]depgraph.UnitDeps, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT unit_id, payload FROM nodes WHERE deleted_gen IS NULL ORDER BY unit_id")
	if err != nil {
		return nil, coreerrors.Infrastructure("load graph nodes", err).WithStore(BackendName)
	}
	defer rows.Close()

	var out []depgraph.UnitDeps
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var artifact unit.GraphArtifact
		if err := json.Unmarshal([]byte(payload), &artifact); err != nil {
			return nil, coreerrors.Infrastructure("decode stored graph artifact", err).WithUnit(id).WithStore(BackendName)
		}
		out = append(out, depgraph.UnitDeps{ID: unit.ID(id), Refs: artifact.Refs})
	}
	return out, rows.Err()
}

// NodeHash returns the stored artifact hash for a live unit.
func (s *Store) NodeHash(ctx context.Context, id unit.ID) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT hash FROM nodes WHERE unit_id = ? AND deleted_gen IS NULL", string(id)).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, coreerrors.Infrastructure("read node hash", err).WithStore(BackendName)
	}
	return hash, true, nil
}

// CheckUnit implements store.UnitChecker.
func (s *Store) CheckUnit(ctx context.Context, id unit.ID) (bool, string, error) {
	var deleted sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT deleted_gen FROM nodes WHERE unit_id = ?", string(id)).Scan(&deleted)
	if err == sql.ErrNoRows {
		return false, "node missing", nil
	}
	if err != nil {
		return false, "", coreerrors.Infrastructure("check node", err).WithStore(BackendName)
	}
	if deleted.Valid {
		return false, "node tombstoned", nil
	}
	return true, "", nil
}

// Sweep implements store.Sweeper: physically deletes nodes tombstoned at
// or before the given generation.
func (s *Store) Sweep(ctx context.Context, beforeGen uint64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM nodes WHERE deleted_gen IS NOT NULL AND deleted_gen <= ?", beforeGen)
	if err != nil {
		return 0, coreerrors.Infrastructure("sweep nodes", err).WithStore(BackendName)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Terminal txn bookkeeping shrinks with the sweep.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM undo_log WHERE txn_id IN (SELECT txn_id FROM applied_txns)
		 AND txn_id NOT IN (SELECT txn_id FROM staged_ops)`); err != nil {
		return int(n), coreerrors.Infrastructure("sweep undo log", err).WithStore(BackendName)
	}
	return int(n), nil
}
