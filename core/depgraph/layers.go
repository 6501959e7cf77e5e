package depgraph

import (
	"sort"

	"github.com/ellsmere/lattice/core/unit"
)

// Layers orders the given units into dependency layers: every unit's
// in-set dependencies appear in an earlier layer, so layer k may build
// as soon as layers 0..k-1 finished. Dependency cycles collapse into a
// single layer. Units the graph does not know yet (first seen this
// cycle) carry no recorded edges and order into the first layer.
// Layers and their members are sorted for deterministic output.
func (g *Graph) Layers(ids []unit.ID) [][]unit.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make(map[Handle]int, len(ids))
	handles := make([]Handle, 0, len(ids))
	var fresh []unit.ID
	seen := make(map[unit.ID]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if h, ok := g.resolveLocked(id); ok {
			members[h] = len(handles)
			handles = append(handles, h)
		} else {
			fresh = append(fresh, id)
		}
	}

	sccOf, sccCount := g.condenseLocked(handles, members)

	// Condensation edges: SCC of a unit depends on the SCCs of its
	// in-set dependency targets.
	indegree := make([]int, sccCount)
	dependents := make([][]int, sccCount)
	edgeSeen := make(map[[2]int]struct{})
	for _, h := range handles {
		from := sccOf[members[h]]
		for _, e := range g.fwd[h] {
			idx, ok := members[e.to]
			if !ok {
				continue
			}
			to := sccOf[idx]
			if to == from {
				continue
			}
			key := [2]int{from, to}
			if _, dup := edgeSeen[key]; dup {
				continue
			}
			edgeSeen[key] = struct{}{}
			indegree[from]++
			dependents[to] = append(dependents[to], from)
		}
	}

	sccUnits := make([][]unit.ID, sccCount)
	for _, h := range handles {
		s := sccOf[members[h]]
		sccUnits[s] = append(sccUnits[s], g.nodes[h].id)
	}

	// Kahn layering over the condensation, which is acyclic.
	var layers [][]unit.ID
	current := make([]int, 0, sccCount)
	for s := 0; s < sccCount; s++ {
		if indegree[s] == 0 {
			current = append(current, s)
		}
	}
	for len(current) > 0 {
		layer := make([]unit.ID, 0, len(current))
		var next []int
		for _, s := range current {
			layer = append(layer, sccUnits[s]...)
			for _, dep := range dependents[s] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(layer, func(i, j int) bool { return layer[i] < layer[j] })
		layers = append(layers, layer)
		current = next
	}

	if len(fresh) > 0 {
		sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })
		if len(layers) == 0 {
			layers = [][]unit.ID{fresh}
		} else {
			layers[0] = mergeSorted(layers[0], fresh)
		}
	}
	return layers
}

func mergeSorted(a, b []unit.ID) []unit.ID {
	out := append(a, b...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// condenseLocked runs an iterative Tarjan strongly-connected-components
// pass over the induced subgraph. Returns the SCC index per member
// position and the SCC count.
func (g *Graph) condenseLocked(handles []Handle, members map[Handle]int) ([]int, int) {
	n := len(handles)
	const unvisited = -1

	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	sccOf := make([]int, n)
	for i := range index {
		index[i] = unvisited
		sccOf[i] = unvisited
	}

	var (
		counter  int
		sccCount int
		stack    []int
	)

	type frame struct {
		v    int
		edge int
	}

	for start := 0; start < n; start++ {
		if index[start] != unvisited {
			continue
		}

		frames := []frame{{v: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			h := handles[f.v]

			advanced := false
			for f.edge < len(g.fwd[h]) {
				e := g.fwd[h][f.edge]
				f.edge++

				w, ok := members[e.to]
				if !ok {
					continue
				}
				if index[w] == unvisited {
					index[w] = counter
					lowlink[w] = counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w})
					advanced = true
					break
				}
				if onStack[w] && index[w] < lowlink[f.v] {
					lowlink[f.v] = index[w]
				}
			}
			if advanced {
				continue
			}

			// Node finished: pop an SCC if this is its root.
			if lowlink[f.v] == index[f.v] {
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					sccOf[top] = sccCount
					if top == f.v {
						break
					}
				}
				sccCount++
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.v] < lowlink[parent.v] {
					lowlink[parent.v] = lowlink[f.v]
				}
			}
		}
	}

	return sccOf, sccCount
}
