package consistency

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellsmere/lattice/core/config"
	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

type checkBackend struct {
	name    string
	missing map[unit.ID]string // unit -> failure detail
	hashes  map[unit.ID]string // non-nil enables hash reporting
	gen     uint64
}

func (b *checkBackend) Name() string { return b.name }
func (b *checkBackend) Prepare(ctx context.Context, txnID string, ws *store.WriteSet) error {
	return nil
}
func (b *checkBackend) Commit(ctx context.Context, txnID string) error     { return nil }
func (b *checkBackend) Rollback(ctx context.Context, txnID string) error   { return nil }
func (b *checkBackend) Compensate(ctx context.Context, txnID string) error { return nil }
func (b *checkBackend) Generation() (uint64, error)                        { return b.gen, nil }
func (b *checkBackend) Close() error                                       { return nil }

func (b *checkBackend) CheckUnit(ctx context.Context, id unit.ID) (bool, string, error) {
	if detail, ok := b.missing[id]; ok {
		return false, detail, nil
	}
	return true, "", nil
}

type hashBackend struct {
	checkBackend
}

func (b *hashBackend) NodeHash(ctx context.Context, id unit.ID) (string, bool, error) {
	h, ok := b.hashes[id]
	return h, ok, nil
}

type fakeRepairer struct {
	rebuilt []unit.ID
	removed []unit.ID
	calls   int
	err     error
}

func (r *fakeRepairer) RepairUnits(ctx context.Context, rebuild, remove []unit.ID) error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.rebuilt = append(r.rebuilt, rebuild...)
	r.removed = append(r.removed, remove...)
	return nil
}

func openState(t *testing.T) (*meta.DB, *fingerprint.Store, *depgraph.Graph) {
	t.Helper()
	db, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	fps, err := fingerprint.NewStore(db, 16)
	require.NoError(t, err)
	return db, fps, depgraph.New()
}

func commitFingerprint(t *testing.T, db *meta.DB, fps *fingerprint.Store, id unit.ID, sig string) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return fps.PutTx(tx, fingerprint.Fingerprint{Unit: id, SignatureHash: sig, BodyHash: sig}, 0)
	})
	require.NoError(t, err)
}

func TestCheckAllCleanIndexIsHealthy(t *testing.T) {
	db, fps, graph := openState(t)
	commitFingerprint(t, db, fps, "a.go", "h1")
	require.NoError(t, graph.Apply(&depgraph.Delta{Upserts: []depgraph.UnitDeps{{ID: "a.go"}}}, 1))

	backend := &hashBackend{checkBackend{name: "graph", hashes: map[unit.ID]string{"a.go": "h1"}, gen: 3}}
	checker := NewChecker(fps, graph, []store.Backend{backend},
		config.ConsistencyConfig{SampleRate: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy())
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, uint64(3), report.Generations["graph"])
}

func TestMissingUnitReportsDrift(t *testing.T) {
	db, fps, graph := openState(t)
	commitFingerprint(t, db, fps, "a.go", "h1")

	backend := &checkBackend{name: "lexical", missing: map[unit.ID]string{"a.go": "no live chunks"}}
	checker := NewChecker(fps, graph, []store.Backend{backend},
		config.ConsistencyConfig{SampleRate: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	d := report.Drifts[0]
	assert.Equal(t, unit.ID("a.go"), d.Unit)
	assert.Equal(t, "lexical", d.Store)
	assert.Equal(t, DriftMissing, d.Kind)
	assert.Equal(t, "no live chunks", d.Detail)
	assert.Equal(t, 1, report.ByStore["lexical"])
}

func TestStoredHashMismatchReportsDrift(t *testing.T) {
	db, fps, graph := openState(t)
	commitFingerprint(t, db, fps, "a.go", "h2")

	backend := &hashBackend{checkBackend{name: "graph", hashes: map[unit.ID]string{"a.go": "h1"}}}
	checker := NewChecker(fps, graph, []store.Backend{backend},
		config.ConsistencyConfig{SampleRate: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, DriftVersionMismatch, report.Drifts[0].Kind)
	assert.Contains(t, report.Drifts[0].Detail, "h1")
	assert.Contains(t, report.Drifts[0].Detail, "h2")
}

func TestGraphNodeWithoutFingerprintIsOrphaned(t *testing.T) {
	_, fps, graph := openState(t)
	require.NoError(t, graph.Apply(&depgraph.Delta{Upserts: []depgraph.UnitDeps{{ID: "ghost.go"}}}, 1))

	checker := NewChecker(fps, graph, nil,
		config.ConsistencyConfig{SampleRate: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, DriftOrphaned, report.Drifts[0].Kind)
	assert.Equal(t, unit.ID("ghost.go"), report.Drifts[0].Unit)
}

func TestSampledCheckVisitsAtLeastOneUnit(t *testing.T) {
	db, fps, graph := openState(t)
	commitFingerprint(t, db, fps, "a.go", "h1")

	backend := &checkBackend{name: "graph"}
	checker := NewChecker(fps, graph, []store.Backend{backend},
		config.ConsistencyConfig{SampleRate: 0.001}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
}

func healReport(drifts ...Drift) *Report {
	return &Report{Checked: len(drifts), Drifts: drifts, ByStore: map[string]int{}}
}

func TestHealRepairsSmallDriftInline(t *testing.T) {
	db, fps, graph := openState(t)
	checker := NewChecker(fps, graph, nil, config.ConsistencyConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	repairer := &fakeRepairer{}
	healer := NewHealer(db, checker, repairer, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))

	repaired, err := healer.Heal(context.Background(), healReport(
		Drift{Unit: "a.go", Store: "lexical", Kind: DriftMissing},
		Drift{Unit: "ghost.go", Store: "graph", Kind: DriftOrphaned},
	))
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	assert.Equal(t, []unit.ID{"a.go"}, repairer.rebuilt)
	assert.Equal(t, []unit.ID{"ghost.go"}, repairer.removed)

	pending, err := healer.PendingJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestHealQueuesLargeDriftAsJob(t *testing.T) {
	db, fps, graph := openState(t)
	checker := NewChecker(fps, graph, nil, config.ConsistencyConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	repairer := &fakeRepairer{}
	healer := NewHealer(db, checker, repairer, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	repaired, err := healer.Heal(context.Background(), healReport(
		Drift{Unit: "a.go", Kind: DriftMissing},
		Drift{Unit: "b.go", Kind: DriftMissing},
	))
	require.NoError(t, err)
	assert.Zero(t, repaired)
	assert.Zero(t, repairer.calls, "large drift must not repair inline")

	pending, err := healer.PendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	processed, err := healer.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.ElementsMatch(t, []unit.ID{"a.go", "b.go"}, repairer.rebuilt)

	pending, err = healer.PendingJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFailedHealJobRetriesThenParks(t *testing.T) {
	db, fps, graph := openState(t)
	checker := NewChecker(fps, graph, nil, config.ConsistencyConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	repairer := &fakeRepairer{err: coreerrors.Infrastructure("store down", nil)}
	healer := NewHealer(db, checker, repairer, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := healer.Heal(context.Background(), healReport(
		Drift{Unit: "a.go", Kind: DriftMissing},
		Drift{Unit: "b.go", Kind: DriftMissing},
	))
	require.NoError(t, err)

	for i := 0; i < maxJobAttempts; i++ {
		_, err := healer.ProcessPending(context.Background(), 1)
		require.NoError(t, err)
	}

	var state string
	var attempts int
	require.NoError(t, db.Conn().QueryRow(
		"SELECT state, attempts FROM heal_jobs").Scan(&state, &attempts))
	assert.Equal(t, jobFailed, state)
	assert.Equal(t, maxJobAttempts, attempts)
}

func TestRebuildWinsOverRemoveForSameUnit(t *testing.T) {
	rebuild, remove := splitDrifts([]Drift{
		{Unit: "a.go", Kind: DriftOrphaned},
		{Unit: "a.go", Kind: DriftMissing},
	})
	assert.Equal(t, []unit.ID{"a.go"}, rebuild)
	assert.Empty(t, remove)
}
