// Package lexstore is the bleve-backed lexical store. Chunks index under
// "unit#seq" document ids. Staged write sets live as files beside the
// index; Commit captures prior-document snapshots for compensation, then
// applies one bleve batch.
package lexstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	index "github.com/blevesearch/bleve_index_api"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/store"
	"github.com/ellsmere/lattice/core/unit"
)

// BackendName is the name the saga and config refer to this store by.
const BackendName = "lexical"

const maxUnitDocs = 10000

// lexDoc is the bleve document shape. The raw field stores the chunk
// artifact verbatim so compensation can restore it without re-deriving.
type lexDoc struct {
	Unit   string   `json:"unit"`
	Seq    int      `json:"seq"`
	Text   string   `json:"text"`
	Tokens []string `json:"tokens"`
	Raw    string   `json:"raw"`
}

type undoEntry struct {
	DocID   string `json:"doc_id"`
	Existed bool   `json:"existed"`
	Raw     string `json:"raw,omitempty"`
}

type tombstoneRecord struct {
	DocID      string `json:"doc_id"`
	Unit       string `json:"unit"`
	Generation uint64 `json:"generation"`
}

// Store is the lexical backend.
type Store struct {
	dir    string
	idx    bleve.Index
	logger *slog.Logger

	mu sync.Mutex
}

// Open opens or creates the lexical index under dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"staging", "undo", "applied", "compensated"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create lexical store dir: %w", err)
		}
	}

	indexPath := filepath.Join(dir, "index")
	idx, err := bleve.Open(indexPath)
	if err != nil {
		idx, err = bleve.New(indexPath, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create lexical index at %s: %w", indexPath, err)
		}
	}
	return &Store{dir: dir, idx: idx, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	unitField := bleve.NewKeywordFieldMapping()
	unitField.Store = true

	textField := bleve.NewTextFieldMapping()
	textField.Store = false

	rawField := bleve.NewTextFieldMapping()
	rawField.Index = false
	rawField.Store = true
	rawField.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("unit", unitField)
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("tokens", textField)
	doc.AddFieldMappingsAt("raw", rawField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Name implements store.Backend.
func (s *Store) Name() string { return BackendName }

// Close implements store.Backend.
func (s *Store) Close() error { return s.idx.Close() }

// Generation implements store.Backend.
func (s *Store) Generation() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readGeneration()
}

func (s *Store) readGeneration() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "generation"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, coreerrors.Infrastructure("read lexical generation", err).WithStore(BackendName)
	}
	gen, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, coreerrors.Infrastructure("parse lexical generation", err).WithStore(BackendName)
	}
	return gen, nil
}

func (s *Store) writeGeneration(gen uint64) error {
	return writeFileAtomic(filepath.Join(s.dir, "generation"), []byte(strconv.FormatUint(gen, 10)))
}

func (s *Store) stagingPath(txnID string) string {
	return filepath.Join(s.dir, "staging", txnID+".json")
}

func (s *Store) undoPath(txnID string) string {
	return filepath.Join(s.dir, "undo", txnID+".json")
}

func (s *Store) appliedPath(txnID string) string {
	return filepath.Join(s.dir, "applied", txnID)
}

// Prepare stages the write set durably beside the index. Re-preparing
// replaces the prior staging.
func (s *Store) Prepare(ctx context.Context, txnID string, ws *store.WriteSet) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return coreerrors.Permanent("encode lexical staging", err).WithStore(BackendName)
	}
	if err := writeFileAtomic(s.stagingPath(txnID), data); err != nil {
		return coreerrors.Infrastructure("stage lexical writes", err).WithStore(BackendName)
	}
	return nil
}

// Commit applies the staged batch. Idempotent per txn id: the undo
// snapshot is captured exactly once before the first apply, so a crash
// replay neither reapplies nor corrupts the compensation record.
func (s *Store) Commit(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fileExists(s.appliedPath(txnID)) {
		return nil
	}

	data, err := os.ReadFile(s.stagingPath(txnID))
	if os.IsNotExist(err) {
		return nil // rolled back or never staged
	}
	if err != nil {
		return coreerrors.Infrastructure("read lexical staging", err).WithStore(BackendName)
	}
	var ws store.WriteSet
	if err := json.Unmarshal(data, &ws); err != nil {
		return coreerrors.Permanent("decode lexical staging", err).WithStore(BackendName)
	}

	gen, err := s.readGeneration()
	if err != nil {
		return err
	}
	gen++

	// Resolve tombstones on units to the concrete docs they remove.
	batch := s.idx.NewBatch()
	var touched []string
	var newTombs []tombstoneRecord
	for _, op := range ws.Ops {
		switch op.Kind {
		case store.OpPut:
			var chunk unit.ChunkArtifact
			if err := json.Unmarshal(op.Payload, &chunk); err != nil {
				return coreerrors.Permanent("decode chunk artifact", err).WithUnit(string(op.Unit)).WithStore(BackendName)
			}
			doc := lexDoc{
				Unit:   string(chunk.Unit),
				Seq:    chunk.Seq,
				Text:   chunk.Text,
				Tokens: chunk.Tokens,
				Raw:    string(op.Payload),
			}
			if err := batch.Index(op.Key, doc); err != nil {
				return coreerrors.Infrastructure("batch chunk", err).WithStore(BackendName)
			}
			touched = append(touched, op.Key)
		case store.OpTombstone:
			docIDs, err := s.unitDocIDs(op.Unit)
			if err != nil {
				return err
			}
			for _, docID := range docIDs {
				batch.Delete(docID)
				touched = append(touched, docID)
				newTombs = append(newTombs, tombstoneRecord{
					DocID: docID, Unit: string(op.Unit), Generation: gen,
				})
			}
		}
	}

	if !fileExists(s.undoPath(txnID)) {
		if err := s.captureUndo(txnID, touched); err != nil {
			return err
		}
	}

	if err := s.idx.Batch(batch); err != nil {
		return coreerrors.Infrastructure("apply lexical batch", err).WithStore(BackendName)
	}

	if len(newTombs) > 0 {
		if err := s.appendTombstones(newTombs); err != nil {
			return err
		}
	}
	if err := s.writeGeneration(gen); err != nil {
		return coreerrors.Infrastructure("advance lexical generation", err).WithStore(BackendName)
	}
	if err := writeFileAtomic(s.appliedPath(txnID), []byte(strconv.FormatUint(gen, 10))); err != nil {
		return coreerrors.Infrastructure("record applied txn", err).WithStore(BackendName)
	}
	os.Remove(s.stagingPath(txnID))

	s.logger.Debug("lexical store committed", "txn_id", txnID, "ops", len(ws.Ops), "generation", gen)
	return nil
}

func (s *Store) captureUndo(txnID string, docIDs []string) error {
	seen := make(map[string]struct{}, len(docIDs))
	entries := make([]undoEntry, 0, len(docIDs))
	for _, docID := range docIDs {
		if _, dup := seen[docID]; dup {
			continue
		}
		seen[docID] = struct{}{}

		raw, found, err := s.storedRaw(docID)
		if err != nil {
			return err
		}
		entries = append(entries, undoEntry{DocID: docID, Existed: found, Raw: raw})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return coreerrors.Permanent("encode lexical undo", err).WithStore(BackendName)
	}
	if err := writeFileAtomic(s.undoPath(txnID), data); err != nil {
		return coreerrors.Infrastructure("write lexical undo", err).WithStore(BackendName)
	}
	return nil
}

// storedRaw returns the raw chunk payload stored for a document.
func (s *Store) storedRaw(docID string) (string, bool, error) {
	doc, err := s.idx.Document(docID)
	if err != nil {
		return "", false, coreerrors.Infrastructure("read stored document", err).WithStore(BackendName)
	}
	if doc == nil {
		return "", false, nil
	}
	var raw string
	doc.VisitFields(func(f index.Field) {
		if f.Name() == "raw" {
			raw = string(f.Value())
		}
	})
	return raw, true, nil
}

func (s *Store) unitDocIDs(id unit.ID) ([]string, error) {
	q := bleve.NewTermQuery(string(id))
	q.SetField("unit")
	req := bleve.NewSearchRequest(q)
	req.Size = maxUnitDocs

	res, err := s.idx.Search(req)
	if err != nil {
		return nil, coreerrors.Infrastructure("resolve unit documents", err).WithUnit(string(id)).WithStore(BackendName)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Rollback discards staged writes. Idempotent.
func (s *Store) Rollback(ctx context.Context, txnID string) error {
	err := os.Remove(s.stagingPath(txnID))
	if err != nil && !os.IsNotExist(err) {
		return coreerrors.Infrastructure("rollback lexical staging", err).WithStore(BackendName)
	}
	return nil
}

// Compensate restores the pre-commit document set from the undo snapshot.
// Idempotent; compensating a never-applied txn is a no-op.
func (s *Store) Compensate(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fileExists(s.appliedPath(txnID)) {
		return nil
	}

	data, err := os.ReadFile(s.undoPath(txnID))
	if err != nil {
		return coreerrors.Infrastructure("read lexical undo", err).WithStore(BackendName)
	}
	var entries []undoEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return coreerrors.Permanent("decode lexical undo", err).WithStore(BackendName)
	}

	batch := s.idx.NewBatch()
	for _, entry := range entries {
		if !entry.Existed {
			batch.Delete(entry.DocID)
			continue
		}
		var chunk unit.ChunkArtifact
		if err := json.Unmarshal([]byte(entry.Raw), &chunk); err != nil {
			return coreerrors.Permanent("decode prior chunk", err).WithStore(BackendName)
		}
		doc := lexDoc{
			Unit:   string(chunk.Unit),
			Seq:    chunk.Seq,
			Text:   chunk.Text,
			Tokens: chunk.Tokens,
			Raw:    entry.Raw,
		}
		if err := batch.Index(entry.DocID, doc); err != nil {
			return coreerrors.Infrastructure("batch prior chunk", err).WithStore(BackendName)
		}
	}
	if err := s.idx.Batch(batch); err != nil {
		return coreerrors.Infrastructure("apply lexical compensation", err).WithStore(BackendName)
	}

	gen, err := s.readGeneration()
	if err != nil {
		return err
	}
	if err := s.writeGeneration(gen + 1); err != nil {
		return coreerrors.Infrastructure("advance lexical generation", err).WithStore(BackendName)
	}
	if err := os.Remove(s.appliedPath(txnID)); err != nil && !os.IsNotExist(err) {
		return coreerrors.Infrastructure("unrecord applied txn", err).WithStore(BackendName)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "compensated", txnID), nil); err != nil {
		return coreerrors.Infrastructure("record compensation", err).WithStore(BackendName)
	}

	s.logger.Info("lexical store compensated", "txn_id", txnID, "docs_restored", len(entries))
	return nil
}

// CheckUnit implements store.UnitChecker: a live unit has at least one
// indexed chunk.
func (s *Store) CheckUnit(ctx context.Context, id unit.ID) (bool, string, error) {
	docIDs, err := s.unitDocIDs(id)
	if err != nil {
		return false, "", err
	}
	if len(docIDs) == 0 {
		return false, "no chunks indexed", nil
	}
	return true, "", nil
}

// Sweep implements store.Sweeper: drops tombstone records at or before
// the given generation and prunes undo snapshots for those txns. The
// index itself reclaims space through bleve's segment merging.
func (s *Store) Sweep(ctx context.Context, beforeGen uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tombs, err := s.readTombstones()
	if err != nil {
		return 0, err
	}
	kept := tombs[:0]
	reclaimed := 0
	for _, t := range tombs {
		if t.Generation <= beforeGen {
			reclaimed++
			continue
		}
		kept = append(kept, t)
	}
	if reclaimed > 0 {
		if err := s.writeTombstones(kept); err != nil {
			return 0, err
		}
	}

	// Undo snapshots for old applied txns are only needed inside the
	// compensation window.
	applied, err := os.ReadDir(filepath.Join(s.dir, "applied"))
	if err != nil {
		return reclaimed, coreerrors.Infrastructure("list applied txns", err).WithStore(BackendName)
	}
	for _, entry := range applied {
		data, err := os.ReadFile(filepath.Join(s.dir, "applied", entry.Name()))
		if err != nil {
			continue
		}
		gen, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil || gen > beforeGen {
			continue
		}
		os.Remove(s.undoPath(entry.Name()))
	}
	return reclaimed, nil
}

func (s *Store) readTombstones() ([]tombstoneRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "tombstones.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Infrastructure("read tombstones", err).WithStore(BackendName)
	}
	var tombs []tombstoneRecord
	if err := json.Unmarshal(data, &tombs); err != nil {
		return nil, coreerrors.Permanent("decode tombstones", err).WithStore(BackendName)
	}
	return tombs, nil
}

func (s *Store) writeTombstones(tombs []tombstoneRecord) error {
	data, err := json.Marshal(tombs)
	if err != nil {
		return coreerrors.Permanent("encode tombstones", err).WithStore(BackendName)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "tombstones.json"), data); err != nil {
		return coreerrors.Infrastructure("write tombstones", err).WithStore(BackendName)
	}
	return nil
}

func (s *Store) appendTombstones(recs []tombstoneRecord) error {
	tombs, err := s.readTombstones()
	if err != nil {
		return err
	}
	return s.writeTombstones(append(tombs, recs...))
}

// Search runs a match query against indexed chunk text and returns doc
// ids in score order.
func (s *Store) Search(ctx context.Context, queryStr string, limit int) ([]string, error) {
	q := bleve.NewMatchQuery(queryStr)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	res, err := s.idx.Search(req)
	if err != nil {
		return nil, coreerrors.Infrastructure("lexical search", err).WithStore(BackendName)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// DocCount returns the number of live documents in the index.
func (s *Store) DocCount() (uint64, error) {
	n, err := s.idx.DocCount()
	if err != nil {
		return 0, coreerrors.Infrastructure("count documents", err).WithStore(BackendName)
	}
	return n, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
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
