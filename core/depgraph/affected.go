package depgraph

import (
	"sort"

	"github.com/ellsmere/lattice/core/unit"
)

// AffectedConfig bounds the reverse traversal.
type AffectedConfig struct {
	// MaxDepth caps how many reverse hops the traversal takes from the
	// seed set. Zero means unbounded.
	MaxDepth int

	// PropagateReexports controls whether traversal continues past a
	// unit reached only through re-export edges. When false the
	// re-exporting unit itself is still included, but its own
	// dependents are not visited through it.
	PropagateReexports bool
}

// Affected computes the set of units that must be reconsidered when the
// seed units change: the seeds themselves plus every transitive
// dependent reachable over reverse edges, bounded by cfg. Seeds not
// present in the graph (newly added units) are included as-is. The
// result is deterministic: breadth-first over sorted handles, ties
// broken by handle order, output sorted by unit id.
func (g *Graph) Affected(seeds []unit.ID, cfg AffectedConfig) []unit.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type visit struct {
		h     Handle
		depth int
		// expand=false stops traversal at this node (re-export policy).
		expand bool
	}

	visited := make([]bool, len(g.nodes))
	result := make(map[unit.ID]struct{}, len(seeds)*2)

	var queue []visit
	seen := make(map[unit.ID]struct{}, len(seeds))
	for _, id := range seeds {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result[id] = struct{}{}

		h, ok := g.resolveLocked(id)
		if !ok {
			continue // new or deleted unit: no dependents to walk
		}
		visited[h] = true
		queue = append(queue, visit{h: h, depth: 0, expand: true})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if !cur.expand {
			continue
		}
		if cfg.MaxDepth > 0 && cur.depth >= cfg.MaxDepth {
			continue
		}

		next := make([]visit, 0, len(g.rev[cur.h]))
		for _, e := range g.rev[cur.h] {
			if visited[e.to] || g.nodes[e.to].tombstoned {
				continue
			}
			visited[e.to] = true

			expand := true
			if e.kind == unit.EdgeReexport && !cfg.PropagateReexports {
				expand = false
			}
			next = append(next, visit{h: e.to, depth: cur.depth + 1, expand: expand})
		}
		sort.Slice(next, func(i, j int) bool { return next[i].h < next[j].h })

		for _, v := range next {
			result[g.nodes[v.h].id] = struct{}{}
			queue = append(queue, v)
		}
	}

	out := make([]unit.ID, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
