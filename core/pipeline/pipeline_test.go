package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellsmere/lattice/core/change"
	"github.com/ellsmere/lattice/core/config"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/unit"
)

// refAnalyzer extends the token analyzer with explicit dependency lines:
// a line "uses <unit>" becomes a use edge.
type refAnalyzer struct {
	inner TokenAnalyzer
}

func (a refAnalyzer) Build(ctx context.Context, id unit.ID, source []byte) (*unit.IRArtifact, error) {
	ir, err := a.inner.Build(ctx, id, source)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(source), "\n") {
		if target, ok := strings.CutPrefix(strings.TrimSpace(line), "uses "); ok {
			ir.Refs = append(ir.Refs, unit.DepRef{To: unit.ID(target), Kind: unit.EdgeUse})
		}
	}
	return ir, nil
}

type fixture struct {
	engine *Engine
	work   string
	state  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	work := t.TempDir()
	state := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Detector.DebounceWindow = 5 * time.Millisecond

	e, err := New(context.Background(), Options{
		StateDir: state,
		WorkRoot: work,
		Key:      unit.SnapshotKey{RepoID: "repo", SnapshotID: "main"},
		Config:   cfg,
		Analyzer: refAnalyzer{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Start(context.Background()))
	return &fixture{engine: e, work: work, state: state}
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(f.work, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) observe(t *testing.T, id unit.ID, kind change.Kind) {
	t.Helper()
	require.NoError(t, f.engine.Detector().Observe(change.Event{
		Unit: id, Kind: kind, Source: change.SourceWatcher, Time: time.Now(),
	}))
}

func TestRunOnceIndexesNewUnits(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "Alpha one two")
	f.write(t, "b.go", "Beta three four")
	f.observe(t, "a.go", change.KindAdd)
	f.observe(t, "b.go", change.KindAdd)

	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Zero(t, res.Failed)
	assert.Equal(t, uint64(2), res.WALCursor)

	assert.True(t, f.engine.graph.Contains("a.go"))
	assert.True(t, f.engine.graph.Contains("b.go"))

	fp, err := f.engine.fps.Get("a.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fp.Version)

	report, err := f.engine.Checker().CheckAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy())
}

func TestUnchangedModifyPrunesWholeCycle(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "Alpha one")
	f.observe(t, "a.go", change.KindAdd)
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	// The file did not actually change, so its fingerprint matches and
	// the whole cycle prunes down to a cursor advance.
	f.observe(t, "a.go", change.KindModify)
	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, res.Pruned)

	// Journal layout here: add(1), cycle mark(2), modify(3). The pruned
	// cycle still consumes the journal up to the modify record.
	cursor, err := f.engine.db.WALCursor()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor, "pruned cycles still consume the journal")

	fp, err := f.engine.fps.Get("a.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fp.Version, "pruned units keep their version")
}

func TestDeleteRemovesUnitEverywhere(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "Alpha one")
	f.observe(t, "a.go", change.KindAdd)
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.work, "a.go")))
	f.observe(t, "a.go", change.KindDelete)
	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed)

	assert.False(t, f.engine.graph.Contains("a.go"))
	_, err = f.engine.fps.Get("a.go")
	assert.ErrorIs(t, err, fingerprint.ErrNotFound)

	report, err := f.engine.Checker().CheckAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy())
}

func TestSignatureChangeRebuildsDependents(t *testing.T) {
	f := newFixture(t)
	f.write(t, "lib.go", "Alpha helper")
	f.write(t, "app.go", "uses lib.go\nCaller")
	f.observe(t, "lib.go", change.KindAdd)
	f.observe(t, "app.go", change.KindAdd)
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	deps, err := f.engine.graph.Dependencies("app.go")
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{"lib.go"}, deps)

	// Renaming the exported identifier changes lib's signature, so the
	// dependent rebuilds with it.
	f.write(t, "lib.go", "Beta helper")
	f.observe(t, "lib.go", change.KindModify)
	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	fp, err := f.engine.fps.Get("app.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fp.Version)
}

func TestBodyChangeDoesNotPropagate(t *testing.T) {
	f := newFixture(t)
	f.write(t, "lib.go", "Alpha helper")
	f.write(t, "app.go", "uses lib.go\nCaller")
	f.observe(t, "lib.go", change.KindAdd)
	f.observe(t, "app.go", change.KindAdd)
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	// Only the unexported token changes: same signature, new body.
	f.write(t, "lib.go", "Alpha internals")
	f.observe(t, "lib.go", change.KindModify)
	res, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed, "dependents are pruned when the contract is unchanged")

	fp, err := f.engine.fps.Get("app.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fp.Version)
}

func TestRepairUnitsLeavesCursorAlone(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "Alpha one")
	f.observe(t, "a.go", change.KindAdd)
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	before, err := f.engine.db.WALCursor()
	require.NoError(t, err)

	require.NoError(t, f.engine.RepairUnits(context.Background(), []unit.ID{"a.go"}, nil))

	after, err := f.engine.db.WALCursor()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	report, err := f.engine.Checker().CheckAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy())
}

func TestRestartReplaysNothingWhenCaughtUp(t *testing.T) {
	work := t.TempDir()
	state := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Detector.DebounceWindow = 5 * time.Millisecond
	opts := Options{
		StateDir: state,
		WorkRoot: work,
		Config:   cfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	first, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.go"), []byte("Alpha"), 0o644))
	require.NoError(t, first.Detector().Observe(change.Event{
		Unit: "a.go", Kind: change.KindAdd, Source: change.SourceWatcher, Time: time.Now(),
	}))
	res, err := first.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.NoError(t, first.Close())

	second, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	require.NoError(t, second.Start(context.Background()))

	// The cursor covers everything journaled; a restart converges to an
	// empty cycle.
	res, err = second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.True(t, second.graph.Contains("a.go"))
}

func TestStatsAccumulate(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "Alpha one")
	f.observe(t, "a.go", change.KindAdd)
	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)

	stats := f.engine.Stats()
	assert.Equal(t, uint64(1), stats.Cycles)
	assert.Equal(t, uint64(1), stats.UnitsProcessed)
	assert.Zero(t, stats.ConflictRetries)
}
