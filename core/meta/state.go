package meta

import (
	"database/sql"
	"fmt"
)

// Engine-global counters live in the engine_state singleton row. The graph
// version moves only when a cycle commits, so both counters are written
// inside the commit's own transaction.

// CycleCounter returns the number of committed cycles.
func (m *DB) CycleCounter() (uint64, error) {
	var n uint64
	err := m.db.QueryRow("SELECT cycle_counter FROM engine_state WHERE id = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read cycle counter: %w", err)
	}
	return n, nil
}

// GraphVersion returns the durable graph version counter.
func (m *DB) GraphVersion() (uint64, error) {
	var v uint64
	err := m.db.QueryRow("SELECT graph_version FROM engine_state WHERE id = 1").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read graph version: %w", err)
	}
	return v, nil
}

// AdvanceEngineState bumps the cycle counter and records the new graph
// version within the caller's transaction.
func AdvanceEngineState(tx *sql.Tx, graphVersion uint64) error {
	_, err := tx.Exec(
		"UPDATE engine_state SET cycle_counter = cycle_counter + 1, graph_version = ? WHERE id = 1",
		graphVersion,
	)
	if err != nil {
		return fmt.Errorf("advance engine state: %w", err)
	}
	return nil
}

// WALCursor returns the WAL sequence covered by the last committed cycle.
func (m *DB) WALCursor() (uint64, error) {
	var seq uint64
	err := m.db.QueryRow("SELECT sequence FROM wal_cursor WHERE id = 1").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read wal cursor: %w", err)
	}
	return seq, nil
}

// SetWALCursor records the consumed WAL sequence within the caller's
// transaction. The cursor never moves backwards.
func SetWALCursor(tx *sql.Tx, seq uint64) error {
	_, err := tx.Exec("UPDATE wal_cursor SET sequence = ? WHERE id = 1 AND sequence < ?", seq, seq)
	if err != nil {
		return fmt.Errorf("set wal cursor: %w", err)
	}
	return nil
}
