// Package change turns raw file activity into the normalized change sets
// the engine consumes. Sources (filesystem watcher, git history, full
// scans) observe events into a Detector, which journals them to a
// write-ahead log before buffering, debounces per unit, and collapses
// bursts into a single net event per unit. Renames fail closed: they
// always normalize to a delete of the old unit and an add of the new
// one, with a migration record when the pairing is known.
package change

import (
	"time"

	"github.com/ellsmere/lattice/core/unit"
)

// =============================================================================
// Kind
// =============================================================================

// Kind is the type of change observed for a unit.
type Kind int

const (
	KindAdd Kind = iota
	KindModify
	KindDelete

	// KindRename is only ever emitted by sources that can pair old and
	// new paths. The Detector splits it before anything downstream sees
	// it.
	KindRename
)

var kindNames = map[Kind]string{
	KindAdd:    "add",
	KindModify: "modify",
	KindDelete: "delete",
	KindRename: "rename",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// Source
// =============================================================================

// Source indicates where a change was observed.
type Source int

const (
	SourceWatcher Source = iota
	SourceGit
	SourceScan
	SourceReplay
)

var sourceNames = map[Source]string{
	SourceWatcher: "watcher",
	SourceGit:     "git",
	SourceScan:    "scan",
	SourceReplay:  "replay",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// Event
// =============================================================================

// Event is a single observed change to one unit.
type Event struct {
	Unit unit.ID `json:"unit"`
	Kind Kind    `json:"kind"`

	// RenamedTo carries the new unit id for KindRename events.
	RenamedTo unit.ID `json:"renamed_to,omitempty"`

	Source Source    `json:"source"`
	Time   time.Time `json:"time"`
}

// Sink receives observed events. The Detector is the canonical sink;
// sources depend only on this interface.
type Sink interface {
	Observe(ev Event) error
}

// =============================================================================
// ChangeSet
// =============================================================================

// ChangeSet is one drained batch of normalized changes: at most one
// event per unit, renames already split, sorted by unit id. ToSeq is
// the journal sequence of the newest event included; committing a cycle
// advances the durable cursor to it.
type ChangeSet struct {
	Events     []Event
	Migrations []unit.Migration
	ToSeq      uint64
}

// Empty reports whether the set carries no work.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Events) == 0 && len(cs.Migrations) == 0)
}

// Units returns the unit ids touched by the set, in event order.
func (cs *ChangeSet) Units() []unit.ID {
	out := make([]unit.ID, len(cs.Events))
	for i, ev := range cs.Events {
		out[i] = ev.Unit
	}
	return out
}

// coalesce folds a new kind into the pending kind for a unit, yielding
// the net effect of both. A delete followed by a recreate is a modify;
// an add followed by a delete is a delete, which downstream treats as a
// no-op when the unit was never indexed.
func coalesce(prev, next Kind) Kind {
	switch {
	case prev == KindAdd && next == KindModify:
		return KindAdd
	case prev == KindAdd && next == KindDelete:
		return KindDelete
	case prev == KindDelete && next == KindAdd:
		return KindModify
	case prev == KindDelete && next == KindModify:
		return KindModify
	case prev == KindModify && next == KindAdd:
		return KindModify
	default:
		return next
	}
}
