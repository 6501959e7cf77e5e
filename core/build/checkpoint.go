package build

import (
	"context"
	"database/sql"
	"time"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/unit"
)

// CheckpointStore records completed stage work in the meta DB so a
// restarted cycle over the same inputs can skip finished units.
type CheckpointStore struct {
	db *meta.DB
}

// NewCheckpointStore wraps the meta DB.
func NewCheckpointStore(db *meta.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Lookup returns the checkpointed artifact ref for (stage, unit) when
// its input hash matches and the artifact file is still present.
func (s *CheckpointStore) Lookup(ctx context.Context, stage string, id unit.ID, inputHash string) (unit.ArtifactRef, bool, error) {
	var (
		storedInput string
		ref         unit.ArtifactRef
	)
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT input_hash, artifact_hash, artifact_path, artifact_bytes
		 FROM checkpoints WHERE stage = ? AND unit_id = ?`,
		stage, string(id)).Scan(&storedInput, &ref.Hash, &ref.Path, &ref.Bytes)
	if err == sql.ErrNoRows {
		return unit.ArtifactRef{}, false, nil
	}
	if err != nil {
		return unit.ArtifactRef{}, false, coreerrors.Infrastructure("read checkpoint", err).WithUnit(string(id))
	}
	if storedInput != inputHash {
		return unit.ArtifactRef{}, false, nil
	}
	ref.Stage = stage
	ref.Unit = id
	return ref, true, nil
}

// Record upserts the checkpoint row for (stage, unit).
func (s *CheckpointStore) Record(ctx context.Context, stage string, id unit.ID, txnID, inputHash string, ref unit.ArtifactRef) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints
		 (stage, unit_id, txn_id, input_hash, artifact_hash, artifact_path, artifact_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stage, string(id), txnID, inputHash, ref.Hash, ref.Path, ref.Bytes, now)
	if err != nil {
		return coreerrors.Infrastructure("record checkpoint", err).WithUnit(string(id))
	}
	return nil
}

// ClearTxn removes all checkpoint rows of a transaction; the compactor
// calls it once the txn is terminal.
func (s *CheckpointStore) ClearTxn(ctx context.Context, txnID string) (int, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		"DELETE FROM checkpoints WHERE txn_id = ?", txnID)
	if err != nil {
		return 0, coreerrors.Infrastructure("clear checkpoints", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TerminalTxnIDs lists txn ids that still have checkpoint rows but are
// already committed or rolled back.
func (s *CheckpointStore) TerminalTxnIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT DISTINCT c.txn_id FROM checkpoints c
		 JOIN txns t ON t.txn_id = c.txn_id
		 WHERE t.state IN ('committed', 'rolled_back')`)
	if err != nil {
		return nil, coreerrors.Infrastructure("list terminal checkpoints", err)
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
