package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/unit"
)

func newTestStore(t *testing.T) (*Store, *meta.DB) {
	t.Helper()
	db, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open meta db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, 16)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store, db
}

func putFP(t *testing.T, db *meta.DB, store *Store, fp Fingerprint, expected uint64) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.PutTx(tx, fp, expected)
	})
	if err != nil {
		t.Fatalf("put fingerprint: %v", err)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("nope.go")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store, db := newTestStore(t)

	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)

	got, err := store.Get("a.go")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SignatureHash != "s1" || got.BodyHash != "b1" || got.Version != 1 {
		t.Fatalf("got %+v", got)
	}

	// Cached read returns the same value.
	again, err := store.Get("a.go")
	if err != nil || again.Version != 1 {
		t.Fatalf("cached get: %+v, %v", again, err)
	}
}

func TestStoreCASUpdate(t *testing.T) {
	store, db := newTestStore(t)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)

	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s2", BodyHash: "b2"}, 1)

	got, err := store.Get("a.go")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.SignatureHash != "s2" {
		t.Fatalf("got %+v, want version 2 sig s2", got)
	}
}

func TestStoreCASConflict(t *testing.T) {
	store, db := newTestStore(t)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.PutTx(tx, Fingerprint{Unit: "a.go", SignatureHash: "s3", BodyHash: "b3"}, 7)
	})
	if coreerrors.KindOf(err) != coreerrors.KindConflict {
		t.Fatalf("err = %v, want conflict kind", err)
	}
}

func TestStoreInsertConflict(t *testing.T) {
	store, db := newTestStore(t)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s2", BodyHash: "b2"}, 1)

	// Inserting a unit that already advanced past version 1 is a conflict.
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.PutTx(tx, Fingerprint{Unit: "a.go", SignatureHash: "sX", BodyHash: "bX"}, 0)
	})
	if coreerrors.KindOf(err) != coreerrors.KindConflict {
		t.Fatalf("err = %v, want conflict kind", err)
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	store, db := newTestStore(t)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)

	for i := 0; i < 2; i++ {
		err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
			return store.DeleteTx(tx, "a.go")
		})
		if err != nil {
			t.Fatalf("delete pass %d: %v", i, err)
		}
	}

	if _, err := store.Get("a.go"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestStoreMarkStale(t *testing.T) {
	store, db := newTestStore(t)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.MarkStaleTx(tx, []unit.ID{"a.go", "ghost.go"})
	})
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}

	stale, err := store.StaleUnits()
	if err != nil {
		t.Fatalf("stale units: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale = %v, want two entries", stale)
	}

	got, err := store.Get("a.go")
	if err != nil || !got.Stale {
		t.Fatalf("got %+v, %v; want stale", got, err)
	}
}

func TestStoreVersions(t *testing.T) {
	store, db := newTestStore(t)
	putFP(t, db, store, Fingerprint{Unit: "a.go", SignatureHash: "s1", BodyHash: "b1"}, 0)

	versions, err := store.Versions([]unit.ID{"a.go", "missing.go"})
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if versions["a.go"] != 1 || versions["missing.go"] != 0 {
		t.Fatalf("versions = %v", versions)
	}
}
