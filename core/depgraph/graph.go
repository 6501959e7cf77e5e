// Package depgraph maintains the in-memory dependency graph of indexed
// units: forward edges ("depends on") and reverse edges ("is depended on
// by"), both kept so reverse lookup never scans. Nodes live in a flat
// arena addressed by dense integer handles; unit ids map to handles
// through an index. The graph is an explicit value passed by reference,
// mutated only when a cycle commits, and carries a version counter that
// transactions use for conflict detection.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ellsmere/lattice/core/unit"
)

var (
	ErrUnknownUnit      = errors.New("unit not present in graph")
	ErrUnitTombstoned   = errors.New("unit is tombstoned")
	ErrMigrationTarget  = errors.New("migration target already exists")
	ErrMigrationMissing = errors.New("migration source not present")
)

// Handle is a dense index into the node arena. Handles are stable for the
// life of a node and are reused only after a compaction sweep frees them.
type Handle int32

// InvalidHandle marks the absence of a node.
const InvalidHandle Handle = -1

type edgeRef struct {
	to   Handle
	kind unit.EdgeKind
}

type node struct {
	id           unit.ID
	tombstoned   bool
	deletedCycle uint64
}

// Graph is the versioned dependency graph. All methods are safe for
// concurrent use; reads take the read lock, Apply and Sweep take the
// write lock.
type Graph struct {
	mu    sync.RWMutex
	nodes []node
	index map[unit.ID]Handle
	fwd   [][]edgeRef
	rev   [][]edgeRef
	free  []Handle

	version uint64
}

// New creates an empty graph at version 0.
func New() *Graph {
	return &Graph{
		index: make(map[unit.ID]Handle),
	}
}

// NewAtVersion creates an empty graph carrying a previously persisted
// version counter.
func NewAtVersion(version uint64) *Graph {
	g := New()
	g.version = version
	return g
}

// Version returns the current version counter. It increments once per
// applied mutation batch, never per individual edge.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Len returns the number of live (non-tombstoned) units.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for i := range g.nodes {
		if g.nodes[i].id != "" && !g.nodes[i].tombstoned {
			n++
		}
	}
	return n
}

// Resolve returns the handle for a unit id. Tombstoned units do not
// resolve.
func (g *Graph) Resolve(id unit.ID) (Handle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveLocked(id)
}

func (g *Graph) resolveLocked(id unit.ID) (Handle, bool) {
	h, ok := g.index[id]
	if !ok {
		return InvalidHandle, false
	}
	if g.nodes[h].tombstoned {
		return InvalidHandle, false
	}
	return h, true
}

// IDOf returns the unit id for a handle.
func (g *Graph) IDOf(h Handle) (unit.ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if int(h) < 0 || int(h) >= len(g.nodes) || g.nodes[h].id == "" {
		return "", false
	}
	return g.nodes[h].id, true
}

// Contains reports whether a live unit exists for the id.
func (g *Graph) Contains(id unit.ID) bool {
	_, ok := g.Resolve(id)
	return ok
}

// Dependencies returns the unit ids the given unit depends on, in sorted
// handle order. Tombstoned targets are skipped.
func (g *Graph) Dependencies(id unit.ID) ([]unit.ID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h, ok := g.resolveLocked(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	return g.collectLocked(g.fwd[h]), nil
}

// Dependents returns the unit ids that depend on the given unit, in
// sorted handle order. This is the O(edges-of-node) reverse lookup the
// affected-set traversal rides on.
func (g *Graph) Dependents(id unit.ID) ([]unit.ID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h, ok := g.resolveLocked(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	return g.collectLocked(g.rev[h]), nil
}

func (g *Graph) collectLocked(edges []edgeRef) []unit.ID {
	handles := make([]Handle, 0, len(edges))
	for _, e := range edges {
		if !g.nodes[e.to].tombstoned {
			handles = append(handles, e.to)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]unit.ID, len(handles))
	for i, h := range handles {
		out[i] = g.nodes[h].id
	}
	return out
}

// Clone produces an independent copy of the graph for a transaction
// snapshot. The copy shares nothing with the original.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &Graph{
		nodes:   make([]node, len(g.nodes)),
		index:   make(map[unit.ID]Handle, len(g.index)),
		fwd:     make([][]edgeRef, len(g.fwd)),
		rev:     make([][]edgeRef, len(g.rev)),
		free:    append([]Handle(nil), g.free...),
		version: g.version,
	}
	copy(c.nodes, g.nodes)
	for id, h := range g.index {
		c.index[id] = h
	}
	for i, edges := range g.fwd {
		c.fwd[i] = append([]edgeRef(nil), edges...)
	}
	for i, edges := range g.rev {
		c.rev[i] = append([]edgeRef(nil), edges...)
	}
	return c
}

// =============================================================================
// Mutation
// =============================================================================

// UnitDeps pairs a unit with its full outgoing dependency list.
type UnitDeps struct {
	ID   unit.ID
	Refs []unit.DepRef
}

// Delta is a staged mutation batch. Transactions accumulate a Delta and
// the commit path applies it in one step; nothing mutates the live graph
// before commit.
type Delta struct {
	Upserts    []UnitDeps
	Deletes    []unit.ID
	Migrations []unit.Migration
}

// Empty reports whether the delta carries no mutations.
func (d *Delta) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Deletes) == 0 && len(d.Migrations) == 0
}

// Apply applies a staged delta in one version step: migrations first (so
// upserts may target migrated ids), then upserts, then tombstones.
// cycle tags tombstones for the compaction sweep. The version counter
// increments exactly once per call, including for an empty delta applied
// deliberately.
func (g *Graph) Apply(delta *Delta, cycle uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range delta.Migrations {
		if err := g.migrateLocked(m); err != nil {
			return err
		}
	}
	for _, up := range delta.Upserts {
		g.upsertLocked(up)
	}
	for _, id := range delta.Deletes {
		g.tombstoneLocked(id, cycle)
	}

	g.version++
	return nil
}

func (g *Graph) migrateLocked(m unit.Migration) error {
	h, ok := g.index[m.From]
	if !ok || g.nodes[h].tombstoned {
		// The source may legitimately be gone when a replayed cycle
		// re-applies an already-applied migration.
		if _, exists := g.index[m.To]; exists {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMigrationMissing, m.From)
	}
	if existing, exists := g.index[m.To]; exists && !g.nodes[existing].tombstoned && existing != h {
		return fmt.Errorf("%w: %s", ErrMigrationTarget, m.To)
	}

	delete(g.index, m.From)
	g.index[m.To] = h
	g.nodes[h].id = m.To
	return nil
}

func (g *Graph) upsertLocked(up UnitDeps) {
	h := g.ensureLocked(up.ID)

	// Replace the node's forward edges, mirroring removals and additions
	// in the targets' reverse lists.
	for _, e := range g.fwd[h] {
		g.rev[e.to] = removeEdge(g.rev[e.to], h)
	}
	g.fwd[h] = g.fwd[h][:0]

	for _, ref := range up.Refs {
		to := g.ensureLocked(ref.To)
		if to == h {
			continue // self edges carry no information
		}
		g.fwd[h] = append(g.fwd[h], edgeRef{to: to, kind: ref.Kind})
		g.rev[to] = append(g.rev[to], edgeRef{to: h, kind: ref.Kind})
	}
}

// ensureLocked returns the handle for id, resurrecting a tombstoned node
// or allocating a fresh one. Dependencies may reference units that have
// no IR yet; those exist as bare nodes until their own upsert arrives.
func (g *Graph) ensureLocked(id unit.ID) Handle {
	if h, ok := g.index[id]; ok {
		if g.nodes[h].tombstoned {
			g.nodes[h].tombstoned = false
			g.nodes[h].deletedCycle = 0
		}
		return h
	}

	var h Handle
	if n := len(g.free); n > 0 {
		h = g.free[n-1]
		g.free = g.free[:n-1]
		g.nodes[h] = node{id: id}
		g.fwd[h] = nil
		g.rev[h] = nil
	} else {
		h = Handle(len(g.nodes))
		g.nodes = append(g.nodes, node{id: id})
		g.fwd = append(g.fwd, nil)
		g.rev = append(g.rev, nil)
	}
	g.index[id] = h
	return h
}

func (g *Graph) tombstoneLocked(id unit.ID, cycle uint64) {
	h, ok := g.index[id]
	if !ok || g.nodes[h].tombstoned {
		return // deleting an absent unit is a no-op, replay-safe
	}

	g.nodes[h].tombstoned = true
	g.nodes[h].deletedCycle = cycle

	// The unit's own dependencies are dead immediately; reverse edges
	// from dependents stay until those dependents rebuild or the sweep
	// clears them.
	for _, e := range g.fwd[h] {
		g.rev[e.to] = removeEdge(g.rev[e.to], h)
	}
	g.fwd[h] = nil
}

func removeEdge(edges []edgeRef, target Handle) []edgeRef {
	out := edges[:0]
	for _, e := range edges {
		if e.to != target {
			out = append(out, e)
		}
	}
	return out
}

// Sweep frees tombstoned nodes whose deletion cycle is at or before
// beforeCycle: remaining edge mirrors are cleared, the id unmapped, and
// the handle returned to the free list. Returns the number of nodes
// swept.
func (g *Graph) Sweep(beforeCycle uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	swept := 0
	for i := range g.nodes {
		h := Handle(i)
		n := &g.nodes[h]
		if n.id == "" || !n.tombstoned || n.deletedCycle > beforeCycle {
			continue
		}

		for _, e := range g.rev[h] {
			g.fwd[e.to] = removeEdge(g.fwd[e.to], h)
		}
		g.rev[h] = nil
		g.fwd[h] = nil

		delete(g.index, n.id)
		g.nodes[h] = node{}
		g.free = append(g.free, h)
		swept++
	}
	return swept
}

// Export returns every live unit with its dependency list, for
// persistence and for rebuilding the arena at boot.
func (g *Graph) Export() []UnitDeps {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]UnitDeps, 0, len(g.index))
	for id, h := range g.index {
		if g.nodes[h].tombstoned {
			continue
		}
		refs := make([]unit.DepRef, 0, len(g.fwd[h]))
		for _, e := range g.fwd[h] {
			if g.nodes[e.to].tombstoned {
				continue
			}
			refs = append(refs, unit.DepRef{To: g.nodes[e.to].id, Kind: e.kind})
		}
		out = append(out, UnitDeps{ID: id, Refs: refs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load builds a graph from persisted unit dependency lists at the given
// version.
func Load(units []UnitDeps, version uint64) *Graph {
	g := NewAtVersion(version)
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, up := range units {
		g.upsertLocked(up)
	}
	return g
}
