package saga

import (
	"context"
	"encoding/json"
	"time"

	coreerrors "github.com/ellsmere/lattice/core/errors"
)

// RecoveryReport summarizes startup saga resolution.
type RecoveryReport struct {
	Finished    int // all stores had committed; bookkeeping completed
	Resumed     int // partially committed, young enough to drive forward
	Compensated int // partially committed and abandoned; undone backward
	RolledBack  int // nothing committed; staged writes discarded
}

// Empty reports whether recovery had nothing to do.
func (r *RecoveryReport) Empty() bool {
	return r.Finished == 0 && r.Resumed == 0 && r.Compensated == 0 && r.RolledBack == 0
}

type openSaga struct {
	sagaID    string
	txnID     string
	payload   string
	heartbeat time.Time
	statuses  []string // outbox status per seq, order = StoreOrder
}

// Recover resolves every non-terminal saga left by a crash. Safe to call
// when none exist. Store Commit/Rollback/Compensate idempotence makes
// each resolution safe to re-run if recovery itself is interrupted.
func (c *Coordinator) Recover(ctx context.Context) (*RecoveryReport, error) {
	open, err := c.openSagas(ctx)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	for _, s := range open {
		if err := c.recoverOne(ctx, s, report); err != nil {
			return report, err
		}
	}
	if !report.Empty() {
		c.logger.Info("saga recovery complete",
			"finished", report.Finished, "resumed", report.Resumed,
			"compensated", report.Compensated, "rolled_back", report.RolledBack)
	}
	return report, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, s openSaga, report *RecoveryReport) error {
	committed := 0
	firstOpen := len(s.statuses)
	for seq, status := range s.statuses {
		if status == outboxCommitted {
			committed++
			continue
		}
		if seq < firstOpen {
			firstOpen = seq
		}
	}

	var fin Finalize
	if s.payload != "" {
		if err := json.Unmarshal([]byte(s.payload), &fin); err != nil {
			return coreerrors.Permanent("decode finalize payload", err)
		}
	}

	switch {
	case committed == len(s.statuses):
		// Crash after the last store, before bookkeeping.
		if err := c.finalize(ctx, s.sagaID, nil, &fin); err != nil {
			return err
		}
		report.Finished++

	case committed == 0:
		// Nothing visible happened. A row stuck in "committing" is
		// ambiguous, so compensate it (no-op when never applied) before
		// discarding the staging.
		for seq, status := range s.statuses {
			backend := c.backends[c.cfg.StoreOrder[seq]]
			if status == outboxCommitting {
				if err := backend.Compensate(ctx, s.txnID); err != nil {
					return coreerrors.Infrastructure("compensate ambiguous store", err).WithStore(backend.Name())
				}
			}
			if err := backend.Rollback(ctx, s.txnID); err != nil {
				return coreerrors.Infrastructure("discard staged writes", err).WithStore(backend.Name())
			}
			if err := c.setOutbox(ctx, s.sagaID, seq, outboxRolledBack); err != nil {
				return err
			}
		}
		if err := c.setSagaState(ctx, s.sagaID, StateRolledBack); err != nil {
			return err
		}
		if err := c.markTxnRolledBack(ctx, s.txnID); err != nil {
			return err
		}
		report.RolledBack++

	case time.Since(s.heartbeat) <= c.cfg.AbandonAfter:
		// Young partial progress: drive it forward. Re-running a
		// "committing" store is safe by idempotence.
		if err := c.commitStores(ctx, s.sagaID, s.txnID, firstOpen); err != nil {
			return err
		}
		if err := c.finalize(ctx, s.sagaID, nil, &fin); err != nil {
			return err
		}
		report.Resumed++

	default:
		// Stale partial progress: undo it. The first open store may
		// have applied before the crash, so compensate it too.
		backend := c.backends[c.cfg.StoreOrder[firstOpen]]
		if err := backend.Compensate(ctx, s.txnID); err != nil {
			return coreerrors.Infrastructure("compensate ambiguous store", err).WithStore(backend.Name())
		}
		if _, err := c.compensate(ctx, s.sagaID, s.txnID, firstOpen); err != nil {
			return err
		}
		if err := c.markTxnRolledBack(ctx, s.txnID); err != nil {
			return err
		}
		report.Compensated++
	}
	return nil
}

func (c *Coordinator) openSagas(ctx context.Context) ([]openSaga, error) {
	rows, err := c.db.Conn().QueryContext(ctx,
		"SELECT saga_id, txn_id, payload, heartbeat_at FROM sagas WHERE state = ?", StateRunning)
	if err != nil {
		return nil, coreerrors.Infrastructure("scan open sagas", err)
	}
	defer rows.Close()

	var open []openSaga
	for rows.Next() {
		var (
			s  openSaga
			hb string
		)
		if err := rows.Scan(&s.sagaID, &s.txnID, &s.payload, &hb); err != nil {
			return nil, err
		}
		s.heartbeat, _ = time.Parse(time.RFC3339Nano, hb)
		open = append(open, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range open {
		statuses, err := c.outboxStatuses(ctx, open[i].sagaID)
		if err != nil {
			return nil, err
		}
		open[i].statuses = statuses
	}
	return open, nil
}

func (c *Coordinator) outboxStatuses(ctx context.Context, sagaID string) ([]string, error) {
	rows, err := c.db.Conn().QueryContext(ctx,
		"SELECT status FROM outbox WHERE saga_id = ? ORDER BY seq", sagaID)
	if err != nil {
		return nil, coreerrors.Infrastructure("read outbox", err)
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

func (c *Coordinator) markTxnRolledBack(ctx context.Context, txnID string) error {
	_, err := c.db.Conn().ExecContext(ctx,
		"UPDATE txns SET state = 'rolled_back', updated_at = ? WHERE txn_id = ? AND state != 'committed'",
		nowString(), txnID)
	if err != nil {
		return coreerrors.Infrastructure("mark transaction rolled back", err)
	}
	return nil
}
