package fingerprint

import (
	"sort"

	"github.com/ellsmere/lattice/core/unit"
)

// Decision is the pruner's verdict for one affected unit.
type Decision int

const (
	// DecideRebuildFull rebuilds every derived artifact and keeps the
	// unit's dependents in the affected set.
	DecideRebuildFull Decision = iota

	// DecideRebuildBody rebuilds content-derived artifacts only; the
	// unit's dependents are pruned because its contract is unchanged.
	DecideRebuildBody

	// DecidePrune skips the unit entirely: neither signature nor body
	// changed.
	DecidePrune
)

func (d Decision) String() string {
	switch d {
	case DecideRebuildFull:
		return "rebuild_full"
	case DecideRebuildBody:
		return "rebuild_body"
	case DecidePrune:
		return "prune"
	default:
		return "unknown"
	}
}

// Outcome pairs a unit with its decision and the fingerprints involved.
type Outcome struct {
	Unit     unit.ID
	Decision Decision
	Fresh    Fingerprint
	Stored   Fingerprint
	HasPrior bool
}

// Plan is the pruner's output for one cycle: per-unit outcomes plus the
// reduced seed set for the dependent traversal.
type Plan struct {
	Outcomes map[unit.ID]Outcome

	// PropagationSeeds are the units whose signature changed; only
	// their dependents remain affected.
	PropagationSeeds []unit.ID

	// Rebuild is every unit with a non-prune decision, sorted.
	Rebuild []unit.ID

	// Pruned is every unit dropped from the cycle, sorted.
	Pruned []unit.ID
}

// Scope translates a decision into the rebuild scope recorded in the
// cycle's plan. Only meaningful for non-prune decisions.
func (o Outcome) Scope() unit.RebuildScope {
	if o.Decision == DecideRebuildBody {
		return unit.RebuildBodyOnly
	}
	return unit.RebuildFull
}

// Prune compares fresh fingerprints of the directly changed units against
// their stored values. fresh carries a fingerprint per changed unit;
// units whose analysis failed must be absent from fresh and are treated
// as changed (never pruned on uncertainty). stored is the committed
// state, absent entries meaning new units.
//
// Soundness invariant: a unit's dependents are pruned only when its
// stored signature hash is bitwise equal to the freshly computed one.
func Prune(changed []unit.ID, fresh map[unit.ID]Fingerprint, stored map[unit.ID]Fingerprint) *Plan {
	plan := &Plan{Outcomes: make(map[unit.ID]Outcome, len(changed))}

	for _, id := range changed {
		freshFP, analyzed := fresh[id]
		storedFP, hasPrior := stored[id]

		outcome := Outcome{Unit: id, Fresh: freshFP, Stored: storedFP, HasPrior: hasPrior}

		switch {
		case !analyzed:
			// No fresh fingerprint: analysis failed or the unit is
			// deleted. Over-approximate.
			outcome.Decision = DecideRebuildFull
		case !hasPrior || storedFP.Stale:
			// New units and units a prior cycle left stale are never
			// pruned.
			outcome.Decision = DecideRebuildFull
		case !storedFP.SameSignature(freshFP):
			outcome.Decision = DecideRebuildFull
		case !storedFP.SameBody(freshFP):
			outcome.Decision = DecideRebuildBody
		default:
			outcome.Decision = DecidePrune
		}

		plan.Outcomes[id] = outcome

		switch outcome.Decision {
		case DecideRebuildFull:
			plan.PropagationSeeds = append(plan.PropagationSeeds, id)
			plan.Rebuild = append(plan.Rebuild, id)
		case DecideRebuildBody:
			plan.Rebuild = append(plan.Rebuild, id)
		case DecidePrune:
			plan.Pruned = append(plan.Pruned, id)
		}
	}

	sort.Slice(plan.PropagationSeeds, func(i, j int) bool { return plan.PropagationSeeds[i] < plan.PropagationSeeds[j] })
	sort.Slice(plan.Rebuild, func(i, j int) bool { return plan.Rebuild[i] < plan.Rebuild[j] })
	sort.Slice(plan.Pruned, func(i, j int) bool { return plan.Pruned[i] < plan.Pruned[j] })
	return plan
}

// ExtendWithDependents folds the dependent closure (computed by the
// caller from PropagationSeeds) into the rebuild set. Dependents rebuild
// at full scope: their provider's contract changed under them. Dependents
// already carrying a body-only decision upgrade to full.
func (p *Plan) ExtendWithDependents(dependents []unit.ID) {
	for _, id := range dependents {
		if existing, ok := p.Outcomes[id]; ok {
			if existing.Decision == DecideRebuildFull {
				continue
			}
			// A provider's contract changed under this unit: upgrade
			// to a full rebuild, un-pruning if needed.
			if existing.Decision == DecidePrune {
				p.Pruned = removeID(p.Pruned, id)
				p.Rebuild = append(p.Rebuild, id)
			}
			existing.Decision = DecideRebuildFull
			p.Outcomes[id] = existing
			continue
		}
		p.Outcomes[id] = Outcome{Unit: id, Decision: DecideRebuildFull}
		p.Rebuild = append(p.Rebuild, id)
	}
	sort.Slice(p.Rebuild, func(i, j int) bool { return p.Rebuild[i] < p.Rebuild[j] })
}

func removeID(ids []unit.ID, target unit.ID) []unit.ID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
