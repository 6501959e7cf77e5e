package vecstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

const testDim = 4

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testDim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func vecPayload(t *testing.T, id unit.ID, seq int, vec []float32) ([]byte, string) {
	t.Helper()
	artifact := unit.VectorArtifact{Unit: id, Seq: seq, Vector: vec, Hash: "h"}
	payload, err := json.Marshal(artifact)
	require.NoError(t, err)
	return payload, artifact.VecID()
}

func TestCommitStoresNormalizedVectors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{3, 0, 0, 4})
	ws.Put(id, "a.go", p)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws))

	_, ok := s.Get(id)
	assert.False(t, ok, "staged vectors must stay invisible")

	require.NoError(t, s.Commit(ctx, "txn-1"))

	vec, ok := s.Get(id)
	require.True(t, ok)
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	ok, _, err := s.CheckUnit(ctx, "a.go")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommitIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws.Put(id, "a.go", p)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws))
	require.NoError(t, s.Commit(ctx, "txn-1"))
	require.NoError(t, s.Commit(ctx, "txn-1"))

	gen, err := s.Generation()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, 1, s.Count())
}

func TestPrepareRejectsDimMismatch(t *testing.T) {
	s := testStore(t)

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{1, 2})
	ws.Put(id, "a.go", p)
	require.Error(t, s.Prepare(context.Background(), "txn-1", ws))
}

func TestSearchRanksByCosine(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := &store.WriteSet{}
	p1, id1 := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	p2, id2 := vecPayload(t, "b.go", 0, []float32{0, 1, 0, 0})
	p3, id3 := vecPayload(t, "c.go", 0, []float32{1, 1, 0, 0})
	ws.Put(id1, "a.go", p1)
	ws.Put(id2, "b.go", p2)
	ws.Put(id3, "c.go", p3)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws))
	require.NoError(t, s.Commit(ctx, "txn-1"))

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, id1, results[0].VecID)
	assert.Equal(t, id3, results[1].VecID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestTombstoneKillsAllUnitVectors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := &store.WriteSet{}
	p1, id1 := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	p2, id2 := vecPayload(t, "a.go", 1, []float32{0, 1, 0, 0})
	pb, _ := vecPayload(t, "b.go", 0, []float32{0, 0, 1, 0})
	ws.Put(id1, "a.go", p1)
	ws.Put(id2, "a.go", p2)
	ws.Put("b.go#0", "b.go", pb)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws))
	require.NoError(t, s.Commit(ctx, "txn-1"))

	del := &store.WriteSet{}
	del.Tombstone("a.go", "a.go")
	require.NoError(t, s.Prepare(ctx, "txn-2", del))
	require.NoError(t, s.Commit(ctx, "txn-2"))

	ok, detail, err := s.CheckUnit(ctx, "a.go")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "no vectors stored", detail)

	ok, _, err = s.CheckUnit(ctx, "b.go")
	require.NoError(t, err)
	assert.True(t, ok)

	gen, err := s.Generation()
	require.NoError(t, err)
	n, err := s.Sweep(ctx, gen)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Count())
}

func TestCompensateWithdrawsSegment(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws1 := &store.WriteSet{}
	p1, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws1.Put(id, "a.go", p1)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws1))
	require.NoError(t, s.Commit(ctx, "txn-1"))

	ws2 := &store.WriteSet{}
	p2, _ := vecPayload(t, "a.go", 0, []float32{0, 1, 0, 0})
	pNew, idNew := vecPayload(t, "new.go", 0, []float32{0, 0, 1, 0})
	ws2.Put(id, "a.go", p2)
	ws2.Put(idNew, "new.go", pNew)
	require.NoError(t, s.Prepare(ctx, "txn-2", ws2))
	require.NoError(t, s.Commit(ctx, "txn-2"))

	require.NoError(t, s.Compensate(ctx, "txn-2"))

	vec, ok := s.Get(id)
	require.True(t, ok)
	assert.InDelta(t, 1.0, float64(vec[0]), 1e-5, "earlier segment must shine through again")

	_, ok = s.Get(idNew)
	assert.False(t, ok, "compensation must drop vectors the txn introduced")

	// Repeat compensation is a no-op.
	genBefore, err := s.Generation()
	require.NoError(t, err)
	require.NoError(t, s.Compensate(ctx, "txn-2"))
	genAfter, err := s.Generation()
	require.NoError(t, err)
	assert.Equal(t, genBefore, genAfter)
}

func TestCompensateReinstatesRevivedTombstones(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws1 := &store.WriteSet{}
	p1, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws1.Put(id, "a.go", p1)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws1))
	require.NoError(t, s.Commit(ctx, "txn-1"))

	del := &store.WriteSet{}
	del.Tombstone("a.go", "a.go")
	require.NoError(t, s.Prepare(ctx, "txn-2", del))
	require.NoError(t, s.Commit(ctx, "txn-2"))

	// A later put revives the id; compensating that put must re-kill it.
	ws3 := &store.WriteSet{}
	p3, _ := vecPayload(t, "a.go", 0, []float32{0, 1, 0, 0})
	ws3.Put(id, "a.go", p3)
	require.NoError(t, s.Prepare(ctx, "txn-3", ws3))
	require.NoError(t, s.Commit(ctx, "txn-3"))
	_, ok := s.Get(id)
	require.True(t, ok)

	require.NoError(t, s.Compensate(ctx, "txn-3"))
	_, ok = s.Get(id)
	assert.False(t, ok, "the tombstone from txn-2 must stand again")
}

func TestCommitFinishesOrphanedSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testDim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws.Put(id, "a.go", p)
	require.NoError(t, s.Prepare(context.Background(), "txn-1", ws))

	// Crash window: the segment file made it under segments/ but the
	// manifest never recorded it and the staged copy is gone.
	require.NoError(t, os.Rename(
		filepath.Join(dir, "staging", "txn-1.seg"),
		filepath.Join(dir, "segments", "txn-1.seg")))
	require.NoError(t, s.Close())

	s2, err := Open(dir, testDim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })
	assert.Zero(t, s2.Count(), "an unrecorded segment must not leak into the live set")

	// The recovery retry of Commit must finish the promotion, not
	// report success over a lost segment.
	require.NoError(t, s2.Commit(context.Background(), "txn-1"))

	_, ok := s2.Get(id)
	assert.True(t, ok)
	gen, err := s2.Generation()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	require.NoError(t, s2.Commit(context.Background(), "txn-1"))
	assert.Equal(t, 1, s2.Count())
}

func TestCommitRemovesStagingOnlyAfterManifest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testDim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws.Put(id, "a.go", p)
	require.NoError(t, s.Prepare(context.Background(), "txn-1", ws))

	staged := filepath.Join(dir, "staging", "txn-1.seg")
	_, err = os.Stat(staged)
	require.NoError(t, err)

	// Crash window: segment promoted but the manifest not yet written,
	// staged copy still around. The retry converges and cleans up.
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segments", "txn-1.seg"), data, 0o644))

	require.NoError(t, s.Commit(context.Background(), "txn-1"))
	require.NoError(t, s.Commit(context.Background(), "txn-1"))

	_, ok := s.Get(id)
	assert.True(t, ok)
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err), "committed staging files must not linger")
}

func TestRollbackDiscardsStaging(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws.Put(id, "a.go", p)
	require.NoError(t, s.Prepare(ctx, "txn-1", ws))
	require.NoError(t, s.Rollback(ctx, "txn-1"))
	require.NoError(t, s.Rollback(ctx, "txn-1"))

	require.NoError(t, s.Commit(ctx, "txn-1"))
	assert.Zero(t, s.Count())
}

func TestReopenReplaysSegments(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testDim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ws := &store.WriteSet{}
	p, id := vecPayload(t, "a.go", 0, []float32{1, 0, 0, 0})
	ws.Put(id, "a.go", p)
	require.NoError(t, s.Prepare(context.Background(), "txn-1", ws))
	require.NoError(t, s.Commit(context.Background(), "txn-1"))
	require.NoError(t, s.Close())

	s2, err := Open(dir, testDim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	_, ok := s2.Get(id)
	assert.True(t, ok)

	// Opening with a different dimension is refused.
	_, err = Open(dir, testDim+1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}
