// Package consistency detects and repairs divergence between the
// fingerprint store's expected state and what each backend actually
// holds. Checking samples committed units per pass; drift never aborts
// update cycles, it feeds the self-healer instead.
package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ellsmere/lattice/core/config"
	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

// DriftKind classifies a single divergence.
type DriftKind int

const (
	// DriftMissing: the fingerprint store expects the unit but a backend
	// has no live entry for it.
	DriftMissing DriftKind = iota

	// DriftOrphaned: a backend (or the graph snapshot) holds the unit but
	// no fingerprint exists. Repair is a tombstone delete.
	DriftOrphaned

	// DriftVersionMismatch: the backend's stored hash disagrees with the
	// committed fingerprint.
	DriftVersionMismatch
)

func (k DriftKind) String() string {
	switch k {
	case DriftMissing:
		return "missing"
	case DriftOrphaned:
		return "orphaned"
	case DriftVersionMismatch:
		return "version_mismatch"
	default:
		return "unknown"
	}
}

// Drift is one detected divergence.
type Drift struct {
	Unit   unit.ID
	Store  string
	Kind   DriftKind
	Detail string
}

// Report summarizes one checking pass.
type Report struct {
	Checked     int
	Drifts      []Drift
	ByStore     map[string]int
	Generations map[string]uint64
	Duration    time.Duration
	Timestamp   time.Time
}

// IsHealthy reports whether the pass found no drift.
func (r *Report) IsHealthy() bool {
	return len(r.Drifts) == 0
}

// hashReporter is implemented by backends that can report the stored
// content hash for a unit, enabling version-mismatch detection. The
// graph store implements it.
type hashReporter interface {
	NodeHash(ctx context.Context, id unit.ID) (string, bool, error)
}

// Checker compares expected index state against each backend.
type Checker struct {
	fps      *fingerprint.Store
	graph    *depgraph.Graph
	backends []store.Backend
	cfg      config.ConsistencyConfig
	logger   *slog.Logger
}

// NewChecker wires a checker over the live graph and the backends.
func NewChecker(fps *fingerprint.Store, graph *depgraph.Graph, backends []store.Backend, cfg config.ConsistencyConfig, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{fps: fps, graph: graph, backends: backends, cfg: cfg, logger: logger}
}

// Check runs one sampled pass: a SampleRate fraction of committed units
// (at least one when any exist) plus an orphan scan over the graph
// snapshot.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	total, err := c.fps.Count()
	if err != nil {
		return nil, err
	}
	n := int(float64(total) * c.cfg.SampleRate)
	if n < 1 && total > 0 {
		n = 1
	}
	sample, err := c.fps.Sample(n)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, sample)
}

// CheckAll runs a full verification scan over every committed unit.
func (c *Checker) CheckAll(ctx context.Context) (*Report, error) {
	all, err := c.fps.AllUnits()
	if err != nil {
		return nil, err
	}
	return c.run(ctx, all)
}

// CheckUnits verifies the given units only, used to confirm a repair.
func (c *Checker) CheckUnits(ctx context.Context, ids []unit.ID) (*Report, error) {
	return c.run(ctx, ids)
}

func (c *Checker) run(ctx context.Context, ids []unit.ID) (*Report, error) {
	start := time.Now()
	report := &Report{
		ByStore:     make(map[string]int),
		Generations: make(map[string]uint64),
		Timestamp:   start,
	}

	for _, b := range c.backends {
		gen, err := b.Generation()
		if err != nil {
			return nil, coreerrors.Infrastructure("read store generation", err).WithStore(b.Name())
		}
		report.Generations[b.Name()] = gen
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, coreerrors.Transient("consistency check cancelled", err)
		}
		drifts, err := c.checkUnit(ctx, id)
		if err != nil {
			return report, err
		}
		report.Checked++
		for _, d := range drifts {
			report.Drifts = append(report.Drifts, d)
			report.ByStore[d.Store]++
		}
	}

	orphans, err := c.orphanScan()
	if err != nil {
		return report, err
	}
	for _, d := range orphans {
		report.Drifts = append(report.Drifts, d)
		report.ByStore[d.Store]++
	}

	report.Duration = time.Since(start)
	c.logReport(report)
	return report, nil
}

// checkUnit compares one expected unit against every backend.
func (c *Checker) checkUnit(ctx context.Context, id unit.ID) ([]Drift, error) {
	fp, err := c.fps.Get(id)
	if err != nil {
		// Sampled from the fingerprint table moments ago; a miss means a
		// concurrent delete, not drift.
		return nil, nil
	}

	var drifts []Drift
	for _, b := range c.backends {
		checker, ok := b.(store.UnitChecker)
		if !ok {
			continue
		}
		present, detail, err := checker.CheckUnit(ctx, id)
		if err != nil {
			return nil, coreerrors.Infrastructure("check unit", err).WithStore(b.Name()).WithUnit(string(id))
		}
		if !present {
			drifts = append(drifts, Drift{Unit: id, Store: b.Name(), Kind: DriftMissing, Detail: detail})
			continue
		}
		if hr, ok := b.(hashReporter); ok {
			stored, found, err := hr.NodeHash(ctx, id)
			if err != nil {
				return nil, coreerrors.Infrastructure("read stored hash", err).WithStore(b.Name()).WithUnit(string(id))
			}
			if found && stored != fp.SignatureHash {
				drifts = append(drifts, Drift{
					Unit:   id,
					Store:  b.Name(),
					Kind:   DriftVersionMismatch,
					Detail: fmt.Sprintf("stored hash %s, fingerprint %s", stored, fp.SignatureHash),
				})
			}
		}
	}
	return drifts, nil
}

// orphanScan finds units present in the graph snapshot with no
// committed fingerprint.
func (c *Checker) orphanScan() ([]Drift, error) {
	var drifts []Drift
	for _, deps := range c.graph.Export() {
		_, err := c.fps.Get(deps.ID)
		if err == nil {
			continue
		}
		if coreerrors.KindOf(err) == coreerrors.KindInfrastructure {
			return nil, err
		}
		drifts = append(drifts, Drift{
			Unit:   deps.ID,
			Store:  "graph",
			Kind:   DriftOrphaned,
			Detail: "graph node has no fingerprint",
		})
	}
	return drifts, nil
}

func (c *Checker) logReport(r *Report) {
	if r.IsHealthy() {
		c.logger.Debug("consistency pass clean",
			"checked", r.Checked, "duration", r.Duration)
		return
	}
	for _, d := range r.Drifts {
		c.logger.Warn("drift detected",
			"unit", d.Unit, "store", d.Store, "kind", d.Kind.String(), "detail", d.Detail)
	}
	c.logger.Warn("consistency pass found drift",
		"checked", r.Checked, "drifts", len(r.Drifts), "by_store", r.ByStore)
}
