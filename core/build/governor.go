package build

import (
	"runtime"
	"sync/atomic"
)

// Governor bounds stage-task admission by heap pressure. The effective
// limit starts at the worker ceiling each cycle and only shrinks while
// the heap sits above the soft limit; it never grows back mid-cycle and
// never preempts running tasks.
type Governor struct {
	ceiling   int32
	softLimit uint64
	effective atomic.Int32
}

// NewGovernor creates a governor. softLimitMB == 0 disables pressure
// checks entirely.
func NewGovernor(ceiling, softLimitMB int) *Governor {
	if ceiling < 1 {
		ceiling = 1
	}
	g := &Governor{
		ceiling:   int32(ceiling),
		softLimit: uint64(softLimitMB) << 20,
	}
	g.effective.Store(g.ceiling)
	return g
}

// Reset restores the ceiling at the start of a cycle.
func (g *Governor) Reset() {
	g.effective.Store(g.ceiling)
}

// Effective samples the heap and returns the admission limit, shrinking
// it by half (floor 1) when the heap exceeds the soft limit.
func (g *Governor) Effective() int {
	if g.softLimit == 0 {
		return int(g.effective.Load())
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > g.softLimit {
		for {
			cur := g.effective.Load()
			if cur <= 1 {
				break
			}
			if g.effective.CompareAndSwap(cur, cur/2) {
				break
			}
		}
	}
	return int(g.effective.Load())
}

// Ceiling returns the configured hard bound.
func (g *Governor) Ceiling() int {
	return int(g.ceiling)
}
