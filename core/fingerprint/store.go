package fingerprint

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/unit"
)

// ErrNotFound is returned when no fingerprint exists for a unit.
var ErrNotFound = errors.New("no fingerprint recorded for unit")

// DefaultCacheSize is the read-cache capacity in entries.
const DefaultCacheSize = 8192

// Store persists fingerprints in the meta database with a read-through LRU
// cache in front. Writes happen inside the commit's own sql.Tx via the
// *Tx functions; the cache invalidates on write so readers never see a
// fingerprint ahead of its commit.
type Store struct {
	db    *meta.DB
	cache *lru.Cache[unit.ID, Fingerprint]
}

// NewStore creates a fingerprint store over the meta database.
func NewStore(db *meta.DB, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[unit.ID, Fingerprint](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

// Get returns the committed fingerprint for a unit, or ErrNotFound.
func (s *Store) Get(id unit.ID) (Fingerprint, error) {
	if fp, ok := s.cache.Get(id); ok {
		return fp, nil
	}

	var (
		fp        Fingerprint
		stale     int
		updatedAt string
	)
	err := s.db.Conn().QueryRow(
		"SELECT unit_id, signature_hash, body_hash, version, stale, updated_at FROM fingerprints WHERE unit_id = ?",
		string(id),
	).Scan(&fp.Unit, &fp.SignatureHash, &fp.BodyHash, &fp.Version, &stale, &updatedAt)
	if err == sql.ErrNoRows {
		return Fingerprint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Fingerprint{}, coreerrors.Infrastructure("read fingerprint", err).WithUnit(string(id))
	}

	fp.Stale = stale != 0
	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		fp.UpdatedAt = t
	}
	s.cache.Add(id, fp)
	return fp, nil
}

// BatchGet returns the fingerprints present for the given units. Missing
// units are simply absent from the result; that is how new units are
// recognized.
func (s *Store) BatchGet(ids []unit.ID) (map[unit.ID]Fingerprint, error) {
	out := make(map[unit.ID]Fingerprint, len(ids))
	for _, id := range ids {
		fp, err := s.Get(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = fp
	}
	return out, nil
}

// Versions returns the current version per unit, zero for units with no
// fingerprint. Transactions capture this as their read set.
func (s *Store) Versions(ids []unit.ID) (map[unit.ID]uint64, error) {
	out := make(map[unit.ID]uint64, len(ids))
	for _, id := range ids {
		fp, err := s.Get(id)
		if errors.Is(err, ErrNotFound) {
			out[id] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = fp.Version
	}
	return out, nil
}

// StaleUnits returns the units marked stale by a prior partial failure.
func (s *Store) StaleUnits() ([]unit.ID, error) {
	rows, err := s.db.Conn().Query("SELECT unit_id FROM fingerprints WHERE stale = 1 ORDER BY unit_id")
	if err != nil {
		return nil, coreerrors.Infrastructure("list stale units", err)
	}
	defer rows.Close()

	var out []unit.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, unit.ID(id))
	}
	return out, rows.Err()
}

// Count returns the number of recorded fingerprints.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.Conn().QueryRow("SELECT COUNT(*) FROM fingerprints").Scan(&n)
	if err != nil {
		return 0, coreerrors.Infrastructure("count fingerprints", err)
	}
	return n, nil
}

// Sample returns up to n random committed unit ids, for consistency
// sampling.
func (s *Store) Sample(n int) ([]unit.ID, error) {
	rows, err := s.db.Conn().Query(
		"SELECT unit_id FROM fingerprints WHERE stale = 0 ORDER BY RANDOM() LIMIT ?", n)
	if err != nil {
		return nil, coreerrors.Infrastructure("sample fingerprints", err)
	}
	defer rows.Close()

	var out []unit.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, unit.ID(id))
	}
	return out, rows.Err()
}

// AllUnits returns every recorded unit id, for full verification scans.
func (s *Store) AllUnits() ([]unit.ID, error) {
	rows, err := s.db.Conn().Query("SELECT unit_id FROM fingerprints ORDER BY unit_id")
	if err != nil {
		return nil, coreerrors.Infrastructure("list fingerprints", err)
	}
	defer rows.Close()

	var out []unit.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, unit.ID(id))
	}
	return out, rows.Err()
}

// PutTx upserts a fingerprint inside the caller's transaction, bumping the
// version with a CAS against expectedVersion (zero means the row must not
// exist yet). A CAS miss reports a conflict: a concurrent cycle committed
// this unit after our snapshot.
func (s *Store) PutTx(tx *sql.Tx, fp Fingerprint, expectedVersion uint64) error {
	now := time.Now().UTC().Format(time.RFC3339)

	if expectedVersion == 0 {
		_, err := tx.Exec(
			`INSERT INTO fingerprints (unit_id, signature_hash, body_hash, version, stale, updated_at)
			 VALUES (?, ?, ?, 1, 0, ?)
			 ON CONFLICT(unit_id) DO NOTHING`,
			string(fp.Unit), fp.SignatureHash, fp.BodyHash, now)
		if err != nil {
			return coreerrors.Infrastructure("insert fingerprint", err).WithUnit(string(fp.Unit))
		}
		// An existing row means someone else created the unit first.
		var version uint64
		err = tx.QueryRow("SELECT version FROM fingerprints WHERE unit_id = ?", string(fp.Unit)).Scan(&version)
		if err != nil {
			return coreerrors.Infrastructure("verify fingerprint insert", err).WithUnit(string(fp.Unit))
		}
		if version != 1 {
			return coreerrors.Conflict("fingerprint created concurrently", nil).WithUnit(string(fp.Unit))
		}
		s.cache.Remove(fp.Unit)
		return nil
	}

	result, err := tx.Exec(
		`UPDATE fingerprints
		 SET signature_hash = ?, body_hash = ?, version = version + 1, stale = 0, updated_at = ?
		 WHERE unit_id = ? AND version = ?`,
		fp.SignatureHash, fp.BodyHash, now, string(fp.Unit), expectedVersion)
	if err != nil {
		return coreerrors.Infrastructure("update fingerprint", err).WithUnit(string(fp.Unit))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return coreerrors.Conflict("fingerprint version changed since snapshot", nil).WithUnit(string(fp.Unit))
	}
	s.cache.Remove(fp.Unit)
	return nil
}

// DeleteTx removes a unit's fingerprint inside the caller's transaction.
// Deleting an absent fingerprint is a no-op, so replayed cycles converge.
func (s *Store) DeleteTx(tx *sql.Tx, id unit.ID) error {
	if _, err := tx.Exec("DELETE FROM fingerprints WHERE unit_id = ?", string(id)); err != nil {
		return coreerrors.Infrastructure("delete fingerprint", err).WithUnit(string(id))
	}
	s.cache.Remove(id)
	return nil
}

// MarkStaleTx flags units excluded from a commit so a later cycle retries
// them.
func (s *Store) MarkStaleTx(tx *sql.Tx, ids []unit.ID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		_, err := tx.Exec(
			`INSERT INTO fingerprints (unit_id, signature_hash, body_hash, version, stale, updated_at)
			 VALUES (?, '', '', 1, 1, ?)
			 ON CONFLICT(unit_id) DO UPDATE SET stale = 1, updated_at = excluded.updated_at`,
			string(id), now)
		if err != nil {
			return coreerrors.Infrastructure("mark unit stale", err).WithUnit(string(id))
		}
		s.cache.Remove(id)
	}
	return nil
}

// InvalidateCache drops cached entries for the given units. The commit
// path calls this after its sql.Tx lands, covering entries re-cached
// between PutTx and commit.
func (s *Store) InvalidateCache(ids []unit.ID) {
	for _, id := range ids {
		s.cache.Remove(id)
	}
}
