package saga

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/txn"
	"github.com/ellsmere/lattice/core/unit"
)

type fakeBackend struct {
	name        string
	failCommit  bool
	commits     []string
	rollbacks   []string
	compensates []string
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Prepare(ctx context.Context, txnID string, ws *store.WriteSet) error {
	return nil
}
func (f *fakeBackend) Commit(ctx context.Context, txnID string) error {
	if f.failCommit {
		return coreerrors.Infrastructure("disk full", nil).WithStore(f.name)
	}
	f.commits = append(f.commits, txnID)
	return nil
}
func (f *fakeBackend) Rollback(ctx context.Context, txnID string) error {
	f.rollbacks = append(f.rollbacks, txnID)
	return nil
}
func (f *fakeBackend) Compensate(ctx context.Context, txnID string) error {
	f.compensates = append(f.compensates, txnID)
	return nil
}
func (f *fakeBackend) Generation() (uint64, error) { return 0, nil }
func (f *fakeBackend) Close() error                { return nil }

type fixture struct {
	db       *meta.DB
	fps      *fingerprint.Store
	graph    *depgraph.Graph
	txns     *txn.Manager
	coord    *Coordinator
	backends []*fakeBackend
}

func newFixture(t *testing.T, abandonAfter time.Duration) *fixture {
	t.Helper()
	db, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fps, err := fingerprint.NewStore(db, 16)
	require.NoError(t, err)

	graph := depgraph.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	txns := txn.NewManager(db, graph, fps, "holder-1", logger)

	backends := []*fakeBackend{{name: "graph"}, {name: "lexical"}, {name: "vector"}}
	asIface := make([]store.Backend, len(backends))
	for i, b := range backends {
		asIface[i] = b
	}

	coord, err := NewCoordinator(db, fps, graph, asIface, Config{
		StoreOrder:   []string{"graph", "lexical", "vector"},
		StoreTimeout: time.Second,
		AbandonAfter: abandonAfter,
	}, logger)
	require.NoError(t, err)

	return &fixture{db: db, fps: fps, graph: graph, txns: txns, coord: coord, backends: backends}
}

func (f *fixture) stagedTxn(t *testing.T) (*txn.Txn, *Finalize) {
	t.Helper()
	ctx := context.Background()

	tx, err := f.txns.Begin(ctx, unit.SnapshotKey{RepoID: "repo", SnapshotID: "main"})
	require.NoError(t, err)
	tx.RecordRead(map[unit.ID]uint64{"a.go": 0})
	tx.StageFingerprint(fingerprint.Fingerprint{Unit: "a.go", SignatureHash: "s", BodyHash: "b"})
	tx.StageGraphDelta(depgraph.Delta{Upserts: []depgraph.UnitDeps{{ID: "a.go"}}})
	require.NoError(t, tx.MarkStaged(ctx))

	return tx, &Finalize{
		WALCursor:       7,
		GraphDelta:      *tx.GraphDelta(),
		FingerprintPuts: tx.FingerprintPuts(),
	}
}

func TestExecuteCommitsAllStoresInOrder(t *testing.T) {
	f := newFixture(t, time.Minute)
	tx, fin := f.stagedTxn(t)

	require.NoError(t, f.coord.Execute(context.Background(), tx, fin))

	for _, b := range f.backends {
		assert.Equal(t, []string{tx.ID}, b.commits, "store %s", b.name)
		assert.Empty(t, b.compensates)
	}
	assert.Equal(t, txn.StateCommitted, tx.State())

	fp, err := f.fps.Get("a.go")
	require.NoError(t, err)
	assert.Equal(t, "s", fp.SignatureHash)

	cycle, err := f.db.CycleCounter()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cycle)

	cursor, err := f.db.WALCursor()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cursor)

	assert.True(t, f.graph.Contains("a.go"), "graph delta must apply on commit")

	var state string
	require.NoError(t, f.db.Conn().QueryRow("SELECT state FROM sagas").Scan(&state))
	assert.Equal(t, StateCommitted, state)
}

func TestExecuteCompensatesOnMidOrderFailure(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.backends[1].failCommit = true // lexical
	tx, fin := f.stagedTxn(t)

	err := f.coord.Execute(context.Background(), tx, fin)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindInfrastructure, coreerrors.KindOf(err))
	assert.Contains(t, err.Error(), "lexical")
	assert.Contains(t, err.Error(), "compensated: graph")

	assert.Equal(t, []string{tx.ID}, f.backends[0].compensates, "graph store must be compensated")
	assert.Empty(t, f.backends[2].commits, "vector store must never commit")
	assert.Equal(t, []string{tx.ID}, f.backends[2].rollbacks, "vector staging must be discarded")
	assert.Equal(t, txn.StateRolledBack, tx.State())

	// Nothing visible: no fingerprint, no counters.
	_, err = f.fps.Get("a.go")
	require.Error(t, err)
	cycle, err := f.db.CycleCounter()
	require.NoError(t, err)
	assert.Zero(t, cycle)
	assert.False(t, f.graph.Contains("a.go"))

	var state string
	require.NoError(t, f.db.Conn().QueryRow("SELECT state FROM sagas").Scan(&state))
	assert.Equal(t, StateCompensated, state)
}

// seedCrashedSaga writes the durable shape a crash would leave behind.
func seedCrashedSaga(t *testing.T, f *fixture, sagaID, txnID string, statuses []string, heartbeat time.Time) {
	t.Helper()
	fin := Finalize{
		WALCursor:       3,
		GraphDelta:      depgraph.Delta{Upserts: []depgraph.UnitDeps{{ID: "a.go"}}},
		FingerprintPuts: []txn.FingerprintPut{{FP: fingerprint.Fingerprint{Unit: "a.go", SignatureHash: "s", BodyHash: "b"}}},
	}
	payload, err := json.Marshal(&fin)
	require.NoError(t, err)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	hb := heartbeat.UTC().Format(time.RFC3339Nano)
	_, err = f.db.Conn().Exec(
		`INSERT INTO txns (txn_id, holder_id, repo_id, snapshot_id, state, base_version, created_at, updated_at)
		 VALUES (?, 'holder-0', 'repo', 'main', 'staged', 0, ?, ?)`, txnID, now, now)
	require.NoError(t, err)
	_, err = f.db.Conn().Exec(
		`INSERT INTO sagas (saga_id, txn_id, repo_id, snapshot_id, state, payload, started_at, heartbeat_at)
		 VALUES (?, ?, 'repo', 'main', ?, ?, ?, ?)`,
		sagaID, txnID, StateRunning, string(payload), hb, hb)
	require.NoError(t, err)
	for seq, status := range statuses {
		_, err = f.db.Conn().Exec(
			"INSERT INTO outbox (saga_id, seq, store, status, attempts, updated_at) VALUES (?, ?, ?, ?, 1, ?)",
			sagaID, seq, f.coord.cfg.StoreOrder[seq], status, now)
		require.NoError(t, err)
	}
}

func TestRecoverFinishesFullyCommittedSaga(t *testing.T) {
	f := newFixture(t, time.Minute)
	seedCrashedSaga(t, f, "saga-1", "txn-1",
		[]string{outboxCommitted, outboxCommitted, outboxCommitted}, time.Now())

	report, err := f.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finished)

	fp, err := f.fps.Get("a.go")
	require.NoError(t, err)
	assert.Equal(t, "s", fp.SignatureHash)

	cursor, err := f.db.WALCursor()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)

	var state string
	require.NoError(t, f.db.Conn().QueryRow("SELECT state FROM txns WHERE txn_id = 'txn-1'").Scan(&state))
	assert.Equal(t, "committed", state)
}

func TestRecoverRollsBackUntouchedSaga(t *testing.T) {
	f := newFixture(t, time.Minute)
	seedCrashedSaga(t, f, "saga-1", "txn-1",
		[]string{outboxCommitting, outboxPending, outboxPending}, time.Now())

	report, err := f.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RolledBack)

	// The ambiguous first store is compensated defensively, everything
	// discards staging.
	assert.Equal(t, []string{"txn-1"}, f.backends[0].compensates)
	for _, b := range f.backends {
		assert.Equal(t, []string{"txn-1"}, b.rollbacks, "store %s", b.name)
	}

	_, err = f.fps.Get("a.go")
	require.Error(t, err, "nothing may become visible")

	var state string
	require.NoError(t, f.db.Conn().QueryRow("SELECT state FROM txns WHERE txn_id = 'txn-1'").Scan(&state))
	assert.Equal(t, "rolled_back", state)
}

func TestRecoverResumesYoungPartialSaga(t *testing.T) {
	f := newFixture(t, time.Minute)
	seedCrashedSaga(t, f, "saga-1", "txn-1",
		[]string{outboxCommitted, outboxCommitting, outboxPending}, time.Now())

	report, err := f.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)

	assert.Equal(t, []string{"txn-1"}, f.backends[1].commits, "interrupted store re-commits")
	assert.Equal(t, []string{"txn-1"}, f.backends[2].commits, "remaining store commits")

	fp, err := f.fps.Get("a.go")
	require.NoError(t, err)
	assert.Equal(t, "s", fp.SignatureHash)
}

func TestRecoverCompensatesStalePartialSaga(t *testing.T) {
	f := newFixture(t, time.Minute)
	seedCrashedSaga(t, f, "saga-1", "txn-1",
		[]string{outboxCommitted, outboxCommitting, outboxPending},
		time.Now().Add(-time.Hour))

	report, err := f.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)

	assert.Empty(t, f.backends[1].commits, "abandoned saga must not move forward")
	assert.Equal(t, []string{"txn-1"}, f.backends[0].compensates)
	assert.Equal(t, []string{"txn-1"}, f.backends[1].compensates, "ambiguous store compensated defensively")

	_, err = f.fps.Get("a.go")
	require.Error(t, err)

	var state string
	require.NoError(t, f.db.Conn().QueryRow("SELECT state FROM sagas").Scan(&state))
	assert.Equal(t, StateCompensated, state)
}
