// Package store defines the capability contract every index backend
// implements and the staged write sets that flow into it. The engine
// drives heterogeneous stores (graph, lexical, vector) through this one
// interface; no backend is special-cased above it.
package store

import (
	"context"
	"errors"

	"github.com/ellsmere/lattice/core/unit"
)

// ErrUnknownTxn is returned by Commit/Rollback/Compensate when the backend
// has no staged or applied state for the transaction id. Backends treat
// repeated terminal calls as no-ops, not errors; ErrUnknownTxn covers a
// txn the backend never saw at all.
var ErrUnknownTxn = errors.New("transaction unknown to store")

// OpKind distinguishes upserts from logical deletes.
type OpKind int

const (
	// OpPut creates or replaces an entry.
	OpPut OpKind = iota

	// OpTombstone marks an entry deleted. Physical removal waits for
	// compaction.
	OpTombstone
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// Op is one staged operation. Key is backend-specific (a unit id for the
// graph store, a doc id for the lexical store, a vector id for the vector
// store); Payload is the serialized artifact for puts and empty for
// tombstones.
type Op struct {
	Kind    OpKind  `json:"kind"`
	Key     string  `json:"key"`
	Unit    unit.ID `json:"unit"`
	Payload []byte  `json:"payload,omitempty"`
}

// WriteSet is the ordered staged operations for one backend within one
// transaction.
type WriteSet struct {
	Ops []Op `json:"ops"`
}

// Put appends an upsert.
func (ws *WriteSet) Put(key string, u unit.ID, payload []byte) {
	ws.Ops = append(ws.Ops, Op{Kind: OpPut, Key: key, Unit: u, Payload: payload})
}

// Tombstone appends a logical delete.
func (ws *WriteSet) Tombstone(key string, u unit.ID) {
	ws.Ops = append(ws.Ops, Op{Kind: OpTombstone, Key: key, Unit: u})
}

// Empty reports whether the write set carries no operations.
func (ws *WriteSet) Empty() bool {
	return ws == nil || len(ws.Ops) == 0
}

// Len returns the operation count.
func (ws *WriteSet) Len() int {
	if ws == nil {
		return 0
	}
	return len(ws.Ops)
}

// Backend is the capability interface each store implements.
//
// The lifecycle per transaction is Prepare → Commit, or Prepare →
// Rollback, with Compensate available after a successful Commit to undo
// it during saga compensation. Commit, Rollback, and Compensate are
// idempotent per transaction id: the saga re-runs steps after a crash,
// and a backend that already applied (or already undid) a txn must
// no-op.
type Backend interface {
	// Name identifies the backend in config, the outbox, and results.
	Name() string

	// Prepare stages the write set durably without any visible effect.
	Prepare(ctx context.Context, txnID string, ws *WriteSet) error

	// Commit applies the staged writes atomically.
	Commit(ctx context.Context, txnID string) error

	// Rollback discards staged writes that were never committed.
	Rollback(ctx context.Context, txnID string) error

	// Compensate undoes a committed transaction, restoring the
	// backend's prior state for every key the transaction touched.
	Compensate(ctx context.Context, txnID string) error

	// Generation returns a counter that advances on every commit and
	// compensation. The consistency checker records it to correlate
	// drift reports with store state.
	Generation() (uint64, error)

	// Close releases backend resources.
	Close() error
}

// Sweeper is implemented by backends that support tombstone reclamation.
type Sweeper interface {
	// Sweep physically removes entries tombstoned at or before the
	// given cycle and merges segments where the backend supports it.
	// Returns the number of entries reclaimed.
	Sweep(ctx context.Context, beforeCycle uint64) (int, error)
}

// UnitChecker is implemented by backends that can report per-unit
// presence for consistency checking.
type UnitChecker interface {
	// CheckUnit reports whether the backend holds a live, well-formed
	// entry for the unit. The detail string describes the failure mode
	// when ok is false.
	CheckUnit(ctx context.Context, id unit.ID) (ok bool, detail string, err error)
}
