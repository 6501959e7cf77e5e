package txn

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/fingerprint"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

func testManager(t *testing.T) (*Manager, *meta.DB, *fingerprint.Store) {
	t.Helper()
	db, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open meta db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fps, err := fingerprint.NewStore(db, 16)
	if err != nil {
		t.Fatalf("fingerprint store: %v", err)
	}

	graph := depgraph.New()
	m := NewManager(db, graph, fps, "holder-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, db, fps
}

func key() unit.SnapshotKey {
	return unit.SnapshotKey{RepoID: "repo", SnapshotID: "main"}
}

func TestBeginSnapshotsGraph(t *testing.T) {
	m, _, _ := testManager(t)

	if err := m.Graph().Apply(&depgraph.Delta{
		Upserts: []depgraph.UnitDeps{{ID: "a.go"}},
	}, 1); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	tx, err := m.Begin(context.Background(), key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.State() != StateOpen {
		t.Fatalf("state = %s, want open", tx.State())
	}
	if tx.BaseVersion != 1 {
		t.Fatalf("base version = %d, want 1", tx.BaseVersion)
	}

	// Later live-graph mutations are invisible to the snapshot.
	if err := m.Graph().Apply(&depgraph.Delta{
		Upserts: []depgraph.UnitDeps{{ID: "b.go"}},
	}, 2); err != nil {
		t.Fatalf("mutate live graph: %v", err)
	}
	if tx.Snapshot.Contains("b.go") {
		t.Fatal("snapshot observed a post-begin commit")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx, key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := tx.MarkStaged(ctx); err != nil {
		t.Fatalf("mark staged: %v", err)
	}
	if tx.State() != StateStaged {
		t.Fatalf("state = %s, want staged", tx.State())
	}

	// Staging twice is illegal.
	if err := tx.MarkStaged(ctx); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("double stage err = %v, want ErrBadTransition", err)
	}

	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// Rollback is idempotent.
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	// Terminal states are sticky.
	if err := tx.MarkStaged(ctx); !errors.Is(err, ErrTerminal) {
		t.Fatalf("stage after rollback err = %v, want ErrTerminal", err)
	}
}

func TestCommitRequiresStaged(t *testing.T) {
	m, db, _ := testManager(t)

	tx, err := m.Begin(context.Background(), key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	err = db.WithTx(context.Background(), func(sqlTx *sql.Tx) error {
		return tx.MarkCommitted(sqlTx)
	})
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("commit from open err = %v, want ErrBadTransition", err)
	}
}

func TestValidateFastPath(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx, key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Validate(ctx); err != nil {
		t.Fatalf("validate with unmoved graph: %v", err)
	}
}

func TestValidateDetectsConflictOnWrittenUnit(t *testing.T) {
	m, db, fps := testManager(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx, key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.RecordRead(map[unit.ID]uint64{"a.go": 0})
	tx.StageFingerprint(fingerprint.Fingerprint{Unit: "a.go", SignatureHash: "s", BodyHash: "b"})

	// A concurrent cycle commits a.go and bumps the graph version.
	if err := db.WithTx(ctx, func(sqlTx *sql.Tx) error {
		return fps.PutTx(sqlTx, fingerprint.Fingerprint{Unit: "a.go", SignatureHash: "x", BodyHash: "y"}, 0)
	}); err != nil {
		t.Fatalf("concurrent commit: %v", err)
	}
	if err := m.Graph().Apply(&depgraph.Delta{Upserts: []depgraph.UnitDeps{{ID: "a.go"}}}, 1); err != nil {
		t.Fatalf("bump graph: %v", err)
	}

	err = tx.Validate(ctx)
	if coreerrors.KindOf(err) != coreerrors.KindConflict {
		t.Fatalf("err = %v, want conflict kind", err)
	}
}

func TestValidateIgnoresUnrelatedCommits(t *testing.T) {
	m, db, fps := testManager(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx, key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.RecordRead(map[unit.ID]uint64{"mine.go": 0})
	tx.StageFingerprint(fingerprint.Fingerprint{Unit: "mine.go", SignatureHash: "s", BodyHash: "b"})

	// Another key commits a different unit; the graph version moves but
	// no written unit overlaps.
	if err := db.WithTx(ctx, func(sqlTx *sql.Tx) error {
		return fps.PutTx(sqlTx, fingerprint.Fingerprint{Unit: "other.go", SignatureHash: "x", BodyHash: "y"}, 0)
	}); err != nil {
		t.Fatalf("concurrent commit: %v", err)
	}
	if err := m.Graph().Apply(&depgraph.Delta{Upserts: []depgraph.UnitDeps{{ID: "other.go"}}}, 1); err != nil {
		t.Fatalf("bump graph: %v", err)
	}

	if err := tx.Validate(ctx); err != nil {
		t.Fatalf("validate: %v, want success for disjoint write sets", err)
	}
}

func TestMarkCommittedAppliesFingerprints(t *testing.T) {
	m, db, fps := testManager(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx, key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.RecordRead(map[unit.ID]uint64{"a.go": 0})
	tx.StageFingerprint(fingerprint.Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"})
	if err := tx.MarkStaged(ctx); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := db.WithTx(ctx, tx.MarkCommitted); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fp, err := fps.Get("a.go")
	if err != nil {
		t.Fatalf("get fingerprint: %v", err)
	}
	if fp.Version != 1 || fp.SignatureHash != "s1" {
		t.Fatalf("fingerprint = %+v", fp)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("state = %s, want committed", tx.State())
	}
}

type fakeBackend struct {
	name       string
	rolledBack []string
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Prepare(ctx context.Context, txnID string, ws *store.WriteSet) error {
	return nil
}
func (f *fakeBackend) Commit(ctx context.Context, txnID string) error { return nil }
func (f *fakeBackend) Rollback(ctx context.Context, txnID string) error {
	f.rolledBack = append(f.rolledBack, txnID)
	return nil
}
func (f *fakeBackend) Compensate(ctx context.Context, txnID string) error { return nil }
func (f *fakeBackend) Generation() (uint64, error)                        { return 0, nil }
func (f *fakeBackend) Close() error                                       { return nil }

func TestDiscardStale(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	tx1, err := m.Begin(ctx, key())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx1.MarkStaged(ctx); err != nil {
		t.Fatalf("stage: %v", err)
	}

	backend := &fakeBackend{name: "graph"}
	n, err := m.DiscardStale(ctx, "holder-1", []store.Backend{backend})
	if err != nil {
		t.Fatalf("discard stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("discarded %d, want 1", n)
	}
	if len(backend.rolledBack) != 1 || backend.rolledBack[0] != tx1.ID {
		t.Fatalf("backend rollbacks = %v, want [%s]", backend.rolledBack, tx1.ID)
	}

	// Nothing stale remains.
	n, err = m.DiscardStale(ctx, "holder-1", []store.Backend{backend})
	if err != nil || n != 0 {
		t.Fatalf("second discard = %d, %v; want 0, nil", n, err)
	}
}
