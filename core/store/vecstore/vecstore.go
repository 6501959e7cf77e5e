// Package vecstore is the segment-file vector store. Each committed
// transaction becomes one immutable CRC-checked segment; a yaml manifest
// orders the segments and carries the dead-id set. Later segments shadow
// earlier ones, deletes are logical until sweep merges segments.
package vecstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/viterin/vek/vek32"
	"gopkg.in/yaml.v3"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

// BackendName is the name the saga and config refer to this store by.
const BackendName = "vector"

const segMagic = uint32(0x4c565331) // "LVS1"

type deadRecord struct {
	VecID      string `yaml:"vec_id"`
	Unit       string `yaml:"unit"`
	Generation uint64 `yaml:"generation"`
	TxnID      string `yaml:"txn_id"`
}

type segmentMeta struct {
	TxnID    string `yaml:"txn_id"`
	File     string `yaml:"file"`
	Count    int    `yaml:"count"`
	Checksum uint32 `yaml:"checksum"`

	// Revived holds dead records this segment's puts cancelled, so
	// compensation can reinstate them.
	Revived []deadRecord `yaml:"revived,omitempty"`
}

type manifest struct {
	Dim        int           `yaml:"dim"`
	Generation uint64        `yaml:"generation"`
	Segments   []segmentMeta `yaml:"segments"`
	Dead       []deadRecord  `yaml:"dead,omitempty"`
}

// Store is the vector backend.
type Store struct {
	dir    string
	dim    int
	logger *slog.Logger

	mu   sync.RWMutex
	man  manifest
	live map[string][]float32 // vec id -> normalized vector, manifest order applied
}

// Open opens or creates the vector store under dir for the given
// dimensionality. A dimension change on an existing store is an error.
func Open(dir string, dim int, logger *slog.Logger) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector store: invalid dim=%d", dim)
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"segments", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create vector store dir: %w", err)
		}
	}

	s := &Store{dir: dir, dim: dim, logger: logger, live: make(map[string][]float32)}

	data, err := os.ReadFile(s.manifestPath())
	switch {
	case os.IsNotExist(err):
		s.man = manifest{Dim: dim}
		if err := s.saveManifest(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read vector manifest: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s.man); err != nil {
			return nil, fmt.Errorf("parse vector manifest: %w", err)
		}
		if s.man.Dim != dim {
			return nil, fmt.Errorf("vector store dim mismatch: store has %d, want %d", s.man.Dim, dim)
		}
		if err := s.loadSegments(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) manifestPath() string { return filepath.Join(s.dir, "manifest.yaml") }

func (s *Store) saveManifest() error {
	data, err := yaml.Marshal(&s.man)
	if err != nil {
		return coreerrors.Permanent("marshal vector manifest", err).WithStore(BackendName)
	}
	if err := writeFileAtomic(s.manifestPath(), data); err != nil {
		return coreerrors.Infrastructure("write vector manifest", err).WithStore(BackendName)
	}
	return nil
}

// loadSegments replays segments in manifest order, then removes dead ids.
func (s *Store) loadSegments() error {
	s.live = make(map[string][]float32)
	for _, seg := range s.man.Segments {
		recs, err := readSegment(filepath.Join(s.dir, "segments", seg.File), s.dim, seg.Checksum)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			s.live[rec.id] = rec.vec
		}
	}
	for _, d := range s.man.Dead {
		delete(s.live, d.VecID)
	}
	return nil
}

// Name implements store.Backend.
func (s *Store) Name() string { return BackendName }

// Close implements store.Backend.
func (s *Store) Close() error { return nil }

// Generation implements store.Backend.
func (s *Store) Generation() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.man.Generation, nil
}

// Dimensions returns the store's vector dimensionality.
func (s *Store) Dimensions() int { return s.dim }

func (s *Store) stagingPath(txnID string) string {
	return filepath.Join(s.dir, "staging", txnID+".seg")
}

// Prepare encodes the write set into a staged segment file. Vectors are
// normalized to unit length on the way in; tombstones ride along as
// zero-dimension records.
func (s *Store) Prepare(ctx context.Context, txnID string, ws *store.WriteSet) error {
	var recs []segRecord
	for _, op := range ws.Ops {
		switch op.Kind {
		case store.OpPut:
			var artifact unit.VectorArtifact
			if err := json.Unmarshal(op.Payload, &artifact); err != nil {
				return coreerrors.Permanent("decode vector artifact", err).WithUnit(string(op.Unit)).WithStore(BackendName)
			}
			if len(artifact.Vector) != s.dim {
				return coreerrors.Permanent(
					fmt.Sprintf("vector dim %d, store expects %d", len(artifact.Vector), s.dim),
					nil).WithUnit(string(op.Unit)).WithStore(BackendName)
			}
			vec := append([]float32(nil), artifact.Vector...)
			Normalize(vec)
			recs = append(recs, segRecord{id: op.Key, unitID: string(op.Unit), vec: vec})
		case store.OpTombstone:
			recs = append(recs, segRecord{id: op.Key, unitID: string(op.Unit), tombstone: true})
		}
	}

	data, _ := encodeSegment(recs, s.dim)
	if err := writeFileAtomic(s.stagingPath(txnID), data); err != nil {
		return coreerrors.Infrastructure("stage vector segment", err).WithStore(BackendName)
	}
	return nil
}

// Commit promotes the staged segment into the manifest. The manifest
// write is the commit point: the segment file lands under segments/
// first, the manifest entry makes it real, and the staged copy goes
// away only after that, so a crash anywhere in between retries
// cleanly. Idempotent per txn id.
func (s *Store) Commit(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segFile := txnID + ".seg"
	dest := filepath.Join(s.dir, "segments", segFile)

	for _, seg := range s.man.Segments {
		if seg.TxnID == txnID {
			os.Remove(s.stagingPath(txnID))
			return nil // already applied
		}
	}

	data, err := os.ReadFile(s.stagingPath(txnID))
	if os.IsNotExist(err) {
		// A crash between segment promotion and the manifest write
		// leaves the file orphaned under segments/; finish from there.
		data, err = os.ReadFile(dest)
		if os.IsNotExist(err) {
			return nil // rolled back or never staged
		}
	}
	if err != nil {
		return coreerrors.Infrastructure("read staged vector segment", err).WithStore(BackendName)
	}
	recs, checksum, err := decodeSegment(data, s.dim)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(dest, data); err != nil {
		return coreerrors.Infrastructure("promote vector segment", err).WithStore(BackendName)
	}

	gen := s.man.Generation + 1

	puts := 0
	for _, rec := range recs {
		if !rec.tombstone {
			puts++
		}
	}
	seg := segmentMeta{TxnID: txnID, File: segFile, Count: puts, Checksum: checksum}
	dead := append([]deadRecord(nil), s.man.Dead...)
	for _, rec := range recs {
		if rec.tombstone {
			// A tombstone op keys the owning unit; it kills every
			// vector of that unit.
			prefix := rec.unitID + "#"
			for vecID := range s.live {
				if strings.HasPrefix(vecID, prefix) {
					dead = append(dead, deadRecord{
						VecID: vecID, Unit: rec.unitID, Generation: gen, TxnID: txnID,
					})
					delete(s.live, vecID)
				}
			}
			continue
		}

		// A put cancels any standing death sentence for its id.
		kept := dead[:0]
		for _, d := range dead {
			if d.VecID == rec.id {
				seg.Revived = append(seg.Revived, d)
				continue
			}
			kept = append(kept, d)
		}
		dead = kept
		s.live[rec.id] = rec.vec
	}

	s.man.Segments = append(s.man.Segments, seg)
	s.man.Dead = dead
	s.man.Generation = gen
	if err := s.saveManifest(); err != nil {
		return err
	}
	os.Remove(s.stagingPath(txnID))

	s.logger.Debug("vector store committed", "txn_id", txnID, "records", len(recs), "generation", gen)
	return nil
}

// Rollback discards the staged segment. Idempotent.
func (s *Store) Rollback(ctx context.Context, txnID string) error {
	err := os.Remove(s.stagingPath(txnID))
	if err != nil && !os.IsNotExist(err) {
		return coreerrors.Infrastructure("rollback vector staging", err).WithStore(BackendName)
	}
	return nil
}

// Compensate withdraws a committed segment: its puts disappear (earlier
// segments shine through again), its tombstones lift, and the dead
// records its puts revived come back. Idempotent.
func (s *Store) Compensate(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, seg := range s.man.Segments {
		if seg.TxnID == txnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil // never applied or already compensated
	}
	seg := s.man.Segments[idx]

	s.man.Segments = append(s.man.Segments[:idx], s.man.Segments[idx+1:]...)

	kept := s.man.Dead[:0]
	for _, d := range s.man.Dead {
		if d.TxnID != txnID {
			kept = append(kept, d)
		}
	}
	s.man.Dead = append(kept, seg.Revived...)
	s.man.Generation++

	if err := s.saveManifest(); err != nil {
		return err
	}
	os.Remove(filepath.Join(s.dir, "segments", seg.File))

	if err := s.loadSegments(); err != nil {
		return err
	}
	s.logger.Info("vector store compensated", "txn_id", txnID, "records", seg.Count)
	return nil
}

// Get returns the live normalized vector for an id.
func (s *Store) Get(vecID string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.live[vecID]
	return vec, ok
}

// Count returns the number of live vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// SearchResult is one similarity hit.
type SearchResult struct {
	VecID string
	Score float32
}

// Search returns the k nearest live vectors by cosine similarity. The
// query is normalized in place.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if len(query) != s.dim {
		return nil, coreerrors.Permanent(
			fmt.Sprintf("query dim %d, store expects %d", len(query), s.dim), nil).WithStore(BackendName)
	}
	Normalize(query)

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.live))
	for vecID, vec := range s.live {
		results = append(results, SearchResult{VecID: vecID, Score: vek32.Dot(query, vec)})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].VecID < results[j].VecID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// CheckUnit implements store.UnitChecker: a live unit has at least one
// vector with the right dimensionality.
func (s *Store) CheckUnit(ctx context.Context, id unit.ID) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := string(id) + "#"
	for vecID, vec := range s.live {
		if !strings.HasPrefix(vecID, prefix) {
			continue
		}
		if len(vec) != s.dim {
			return false, fmt.Sprintf("vector %s has dim %d, want %d", vecID, len(vec), s.dim), nil
		}
		return true, "", nil
	}
	return false, "no vectors stored", nil
}

// Sweep implements store.Sweeper: drops dead records at or before the
// given generation and merges all segments into one, discarding shadowed
// and dead entries. Returns the number of records reclaimed.
func (s *Store) Sweep(ctx context.Context, beforeGen uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.man.Dead[:0]
	for _, d := range s.man.Dead {
		if d.Generation > beforeGen {
			kept = append(kept, d)
		}
	}
	s.man.Dead = kept

	totalStored := 0
	for _, seg := range s.man.Segments {
		totalStored += seg.Count
	}
	reclaimed := totalStored - len(s.live)
	if reclaimed <= 0 && len(s.man.Segments) <= 1 {
		return 0, s.saveManifest()
	}

	// Merge: one segment holding exactly the live set.
	ids := make([]string, 0, len(s.live))
	for vecID := range s.live {
		ids = append(ids, vecID)
	}
	sort.Strings(ids)
	recs := make([]segRecord, 0, len(ids))
	for _, vecID := range ids {
		unitID, _, _ := strings.Cut(vecID, "#")
		recs = append(recs, segRecord{id: vecID, unitID: unitID, vec: s.live[vecID]})
	}

	mergedFile := fmt.Sprintf("merged-%d.seg", s.man.Generation)
	data, checksum := encodeSegment(recs, s.dim)
	if err := writeFileAtomic(filepath.Join(s.dir, "segments", mergedFile), data); err != nil {
		return 0, coreerrors.Infrastructure("write merged segment", err).WithStore(BackendName)
	}

	old := s.man.Segments
	s.man.Segments = []segmentMeta{{
		TxnID: "merge-" + mergedFile, File: mergedFile, Count: len(recs), Checksum: checksum,
	}}
	if err := s.saveManifest(); err != nil {
		return 0, err
	}
	for _, seg := range old {
		if seg.File != mergedFile {
			os.Remove(filepath.Join(s.dir, "segments", seg.File))
		}
	}
	return reclaimed, nil
}

// Normalize scales a vector to unit length in place. Zero vectors are
// left untouched.
func Normalize(vec []float32) {
	norm := float32(math.Sqrt(float64(vek32.Dot(vec, vec))))
	if norm == 0 {
		return
	}
	vek32.MulNumber_Inplace(vec, 1/norm)
}

// =============================================================================
// Segment encoding
// =============================================================================

type segRecord struct {
	id        string
	unitID    string
	vec       []float32
	tombstone bool
}

// encodeSegment frames records as [magic][dim][count] then per record
// [flags][idLen][id][unitLen][unit][vec...], with a trailing CRC32 of
// everything before it.
func encodeSegment(recs []segRecord, dim int) ([]byte, uint32) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, segMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(dim))
	binary.Write(&buf, binary.LittleEndian, uint32(len(recs)))

	for _, rec := range recs {
		flags := uint8(0)
		if rec.tombstone {
			flags = 1
		}
		buf.WriteByte(flags)
		binary.Write(&buf, binary.LittleEndian, uint16(len(rec.id)))
		buf.WriteString(rec.id)
		binary.Write(&buf, binary.LittleEndian, uint16(len(rec.unitID)))
		buf.WriteString(rec.unitID)
		if !rec.tombstone {
			binary.Write(&buf, binary.LittleEndian, rec.vec)
		}
	}

	checksum := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, checksum)
	return buf.Bytes(), checksum
}

func decodeSegment(data []byte, wantDim int) ([]segRecord, uint32, error) {
	if len(data) < 16 {
		return nil, 0, coreerrors.Infrastructure("vector segment truncated", nil).WithStore(BackendName)
	}
	body, tail := data[:len(data)-4], data[len(data)-4:]
	checksum := binary.LittleEndian.Uint32(tail)
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, 0, coreerrors.Infrastructure("vector segment checksum mismatch", nil).WithStore(BackendName)
	}

	r := bytes.NewReader(body)
	var magic, dim, count uint32
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &dim)
	binary.Read(r, binary.LittleEndian, &count)
	if magic != segMagic {
		return nil, 0, coreerrors.Infrastructure("vector segment bad magic", nil).WithStore(BackendName)
	}
	if int(dim) != wantDim {
		return nil, 0, coreerrors.Infrastructure(
			fmt.Sprintf("vector segment dim %d, want %d", dim, wantDim), nil).WithStore(BackendName)
	}

	recs := make([]segRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var flags uint8
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return nil, 0, coreerrors.Infrastructure("vector segment truncated record", err).WithStore(BackendName)
		}
		id, err := readString(r)
		if err != nil {
			return nil, 0, coreerrors.Infrastructure("vector segment bad id", err).WithStore(BackendName)
		}
		unitID, err := readString(r)
		if err != nil {
			return nil, 0, coreerrors.Infrastructure("vector segment bad unit", err).WithStore(BackendName)
		}
		rec := segRecord{id: id, unitID: unitID, tombstone: flags&1 != 0}
		if !rec.tombstone {
			rec.vec = make([]float32, dim)
			if err := binary.Read(r, binary.LittleEndian, rec.vec); err != nil {
				return nil, 0, coreerrors.Infrastructure("vector segment truncated vector", err).WithStore(BackendName)
			}
		}
		recs = append(recs, rec)
	}
	return recs, checksum, nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readSegment(path string, dim int, wantChecksum uint32) ([]segRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerrors.Infrastructure("read vector segment", err).WithStore(BackendName)
	}
	recs, checksum, err := decodeSegment(data, dim)
	if err != nil {
		return nil, err
	}
	if checksum != wantChecksum {
		return nil, coreerrors.Infrastructure("vector segment checksum drift", nil).WithStore(BackendName)
	}

	// Segment replay only needs puts; tombstones act through the dead set.
	live := recs[:0]
	for _, rec := range recs {
		if !rec.tombstone {
			live = append(live, rec)
		}
	}
	return live, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
