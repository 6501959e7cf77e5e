// Package txn implements the engine's multi-version concurrency control.
// A transaction owns an isolated snapshot of the dependency graph, a read
// set of fingerprint versions, and staged write sets per store backend.
// Readers keep seeing the last committed state; nothing a transaction
// stages is visible until the commit saga applies it. Commit-time
// validation detects snapshots invalidated by a concurrent cycle.
package txn

import (
	"errors"
	"sync"

	"github.com/ellsmere/lattice/core/depgraph"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

// State is the transaction lifecycle position.
type State int

const (
	StateOpen State = iota
	StateStaged
	StateCommitted
	StateRolledBack
)

var stateNames = map[State]string{
	StateOpen:       "open",
	StateStaged:     "staged",
	StateCommitted:  "committed",
	StateRolledBack: "rolled_back",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

var (
	// ErrBadTransition is returned on an illegal state change.
	ErrBadTransition = errors.New("illegal transaction state transition")

	// ErrTerminal is returned when operating on a committed or
	// rolled-back transaction.
	ErrTerminal = errors.New("transaction already terminal")
)

// FingerprintPut is one staged fingerprint update with the version the
// commit CAS expects.
type FingerprintPut struct {
	FP              fingerprint.Fingerprint
	ExpectedVersion uint64
}

// Txn is one update cycle's isolated workspace.
type Txn struct {
	ID       string
	Key      unit.SnapshotKey
	HolderID string

	// Snapshot is the graph view this cycle reads; it shares nothing
	// with the live graph.
	Snapshot *depgraph.Graph

	// BaseVersion is the live graph version at Begin time.
	BaseVersion uint64

	mu       sync.Mutex
	state    State
	readSet  map[unit.ID]uint64
	writes   map[string]*store.WriteSet
	delta    depgraph.Delta
	fpPuts   []FingerprintPut
	fpDels   []unit.ID
	staleSet []unit.ID

	manager *Manager
}

// State returns the current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WriteSet returns the staged write set for a backend, creating it on
// first use.
func (t *Txn) WriteSet(backend string) *store.WriteSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.writes[backend]
	if !ok {
		ws = &store.WriteSet{}
		t.writes[backend] = ws
	}
	return ws
}

// WriteSets returns the staged write sets keyed by backend name.
func (t *Txn) WriteSets() map[string]*store.WriteSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]*store.WriteSet, len(t.writes))
	for name, ws := range t.writes {
		out[name] = ws
	}
	return out
}

// RecordRead adds fingerprint versions to the read set. First read wins;
// re-reading a unit keeps the version captured at snapshot time.
func (t *Txn) RecordRead(versions map[unit.ID]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, v := range versions {
		if _, ok := t.readSet[id]; !ok {
			t.readSet[id] = v
		}
	}
}

// ReadVersion returns the recorded version for a unit and whether one was
// recorded.
func (t *Txn) ReadVersion(id unit.ID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.readSet[id]
	return v, ok
}

// StageGraphDelta merges staged graph mutations.
func (t *Txn) StageGraphDelta(delta depgraph.Delta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.delta.Upserts = append(t.delta.Upserts, delta.Upserts...)
	t.delta.Deletes = append(t.delta.Deletes, delta.Deletes...)
	t.delta.Migrations = append(t.delta.Migrations, delta.Migrations...)
}

// GraphDelta returns the staged graph mutation batch.
func (t *Txn) GraphDelta() *depgraph.Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &depgraph.Delta{
		Upserts:    t.delta.Upserts,
		Deletes:    t.delta.Deletes,
		Migrations: t.delta.Migrations,
	}
}

// StageFingerprint stages a fingerprint upsert. The expected version is
// taken from the read set (zero when the unit was never read, meaning a
// fresh insert).
func (t *Txn) StageFingerprint(fp fingerprint.Fingerprint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	expected := t.readSet[fp.Unit]
	t.fpPuts = append(t.fpPuts, FingerprintPut{FP: fp, ExpectedVersion: expected})
}

// StageFingerprintDelete stages removal of a deleted unit's fingerprint.
func (t *Txn) StageFingerprintDelete(id unit.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fpDels = append(t.fpDels, id)
}

// StageStaleMarks records units excluded from this commit under the
// partial-failure policy.
func (t *Txn) StageStaleMarks(ids []unit.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staleSet = append(t.staleSet, ids...)
}

// FingerprintPuts returns the staged fingerprint updates.
func (t *Txn) FingerprintPuts() []FingerprintPut {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FingerprintPut(nil), t.fpPuts...)
}

// FingerprintDeletes returns the staged fingerprint removals.
func (t *Txn) FingerprintDeletes() []unit.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]unit.ID(nil), t.fpDels...)
}

// StaleMarks returns the units to mark stale at commit.
func (t *Txn) StaleMarks() []unit.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]unit.ID(nil), t.staleSet...)
}

// WrittenUnits returns the units this transaction stages changes for.
func (t *Txn) WrittenUnits() []unit.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[unit.ID]struct{})
	var out []unit.ID
	add := func(id unit.ID) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, put := range t.fpPuts {
		add(put.FP.Unit)
	}
	for _, id := range t.fpDels {
		add(id)
	}
	return out
}
