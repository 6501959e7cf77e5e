// Package build runs the staged derivation pipeline for one update
// cycle: analyze → {graph-extract, chunk} → vectorize, layered by the
// rebuild plan so providers finish before dependents. Everything lands
// in the transaction's staging area; the commit saga makes it visible.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ellsmere/lattice/core/depgraph"
	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/unit"
)

const (
	defaultChunkTokens = 128

	// delayedRetryAfter is how long an excluded unit waits before the
	// delay_retry policy resubmits it.
	delayedRetryAfter = time.Minute
)

// Config tunes one builder instance.
type Config struct {
	WorkerCeiling     int
	SoftMemoryLimitMB int
	ArtifactCacheMB   int64
	Policy            coreerrors.FailurePolicy
	IncludeReexports  bool
	StagingRoot       string
	ChunkTokens       int
}

// UnitFailure is one unit's terminal build failure.
type UnitFailure struct {
	Unit unit.ID
	Kind coreerrors.Kind
	Err  error
}

// UnitArtifacts is everything derived for one unit in one cycle.
type UnitArtifacts struct {
	IR      *unit.IRArtifact
	Graph   *unit.GraphArtifact
	Chunks  []unit.ChunkArtifact
	Vectors []unit.VectorArtifact
}

// Result summarizes a build run.
type Result struct {
	Built    map[unit.ID]*UnitArtifacts
	Failed   []UnitFailure
	Excluded []unit.ID // dependents dropped alongside failed providers
}

// Builder executes rebuild plans.
type Builder struct {
	cfg         Config
	db          *meta.DB
	reader      unit.SourceReader
	analyzer    unit.Analyzer
	vectorizer  unit.Vectorizer
	cache       *ArtifactCache
	checkpoints *CheckpointStore
	governor    *Governor
	retry       *coreerrors.RetryExecutor
	logger      *slog.Logger
}

// New assembles a builder from its collaborators.
func New(cfg Config, db *meta.DB, reader unit.SourceReader, analyzer unit.Analyzer, vectorizer unit.Vectorizer, retry *coreerrors.RetryExecutor, logger *slog.Logger) (*Builder, error) {
	if cfg.WorkerCeiling < 1 {
		cfg.WorkerCeiling = 1
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = defaultChunkTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retry == nil {
		retry = coreerrors.NewRetryExecutor(nil)
	}

	cache, err := NewArtifactCache(cfg.ArtifactCacheMB)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: %w", err)
	}
	return &Builder{
		cfg:         cfg,
		db:          db,
		reader:      reader,
		analyzer:    analyzer,
		vectorizer:  vectorizer,
		cache:       cache,
		checkpoints: NewCheckpointStore(db),
		governor:    NewGovernor(cfg.WorkerCeiling, cfg.SoftMemoryLimitMB),
		retry:       retry,
		logger:      logger,
	}, nil
}

// Close releases the artifact cache.
func (b *Builder) Close() {
	b.cache.Close()
}

// Execute runs the plan layer by layer. fresh carries IR artifacts the
// pruning phase already computed for changed units; everything else is
// analyzed here. snapshot is the transaction's graph view, used to drop
// dependents of failed units together with them.
func (b *Builder) Execute(ctx context.Context, txnID string, plan *unit.RebuildPlan, snapshot *depgraph.Graph, fresh map[unit.ID]*unit.IRArtifact) (*Result, error) {
	area, err := NewArea(b.cfg.StagingRoot, txnID)
	if err != nil {
		return nil, err
	}
	b.governor.Reset()

	inPlan := make(map[unit.ID]bool, plan.Len())
	for _, id := range plan.Units() {
		inPlan[id] = true
	}

	result := &Result{Built: make(map[unit.ID]*UnitArtifacts, plan.Len())}
	excluded := make(map[unit.ID]bool)
	failuresHandled := 0

	var mu sync.Mutex
	for _, layer := range plan.Layers {
		if err := ctx.Err(); err != nil {
			b.logger.Warn("build cancelled mid-cycle", "txn_id", txnID, "built", len(result.Built))
			return nil, coreerrors.Transient("build cancelled", err)
		}

		jobs := make([]unit.ID, 0, len(layer))
		mu.Lock()
		for _, id := range layer {
			if !excluded[id] {
				jobs = append(jobs, id)
			}
		}
		mu.Unlock()
		if len(jobs) == 0 {
			continue
		}

		workers := min(len(jobs), b.governor.Effective())
		jobCh := make(chan unit.ID)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for id := range jobCh {
					artifacts, err := b.buildUnit(ctx, area, txnID, id, plan.Scopes[id], fresh[id])
					mu.Lock()
					if err != nil {
						result.Failed = append(result.Failed, UnitFailure{
							Unit: id, Kind: coreerrors.KindOf(err), Err: err,
						})
					} else {
						result.Built[id] = artifacts
					}
					mu.Unlock()
				}
			}()
		}
		for _, id := range jobs {
			select {
			case jobCh <- id:
			case <-ctx.Done():
			}
		}
		close(jobCh)
		wg.Wait()

		if len(result.Failed) > failuresHandled {
			if err := b.applyFailurePolicy(ctx, result.Failed[failuresHandled:], result, snapshot, inPlan, excluded); err != nil {
				return nil, err
			}
			failuresHandled = len(result.Failed)
		}
	}

	mu.Lock()
	for id := range excluded {
		result.Excluded = append(result.Excluded, id)
	}
	mu.Unlock()

	b.logger.Info("build finished",
		"txn_id", txnID,
		"built", len(result.Built),
		"failed", len(result.Failed),
		"excluded", len(result.Excluded))
	return result, nil
}

// applyFailurePolicy excludes the transitive dependents of the layer's
// newly failed units from the remaining layers (a dependent built
// against a missing provider would be inconsistent), then applies the
// configured policy. Each failure passes through here exactly once.
func (b *Builder) applyFailurePolicy(ctx context.Context, failures []UnitFailure, result *Result, snapshot *depgraph.Graph, inPlan map[unit.ID]bool, excluded map[unit.ID]bool) error {
	for _, failure := range failures {
		if b.cfg.Policy == coreerrors.FailCycle {
			return coreerrors.New(failure.Kind, "cycle failed", failure.Err).WithUnit(string(failure.Unit))
		}

		dependents := snapshot.Affected([]unit.ID{failure.Unit}, depgraph.AffectedConfig{
			PropagateReexports: b.cfg.IncludeReexports,
		})
		for _, dep := range dependents {
			if dep == failure.Unit || !inPlan[dep] {
				continue
			}
			if _, alreadyBuilt := result.Built[dep]; alreadyBuilt {
				continue
			}
			if !excluded[dep] {
				excluded[dep] = true
				b.logger.Debug("excluding dependent of failed unit",
					"unit", dep, "failed_provider", failure.Unit)
			}
		}

		if b.cfg.Policy == coreerrors.DelayRetry {
			if err := b.recordDelayedRetry(ctx, failure); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) recordDelayedRetry(ctx context.Context, failure UnitFailure) error {
	notBefore := time.Now().UTC().Add(delayedRetryAfter).Format(time.RFC3339Nano)
	_, err := b.db.Conn().ExecContext(ctx,
		`INSERT INTO delayed_retries (unit_id, kind, reason, not_before, attempts)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(unit_id) DO UPDATE SET
		   kind = excluded.kind, reason = excluded.reason,
		   not_before = excluded.not_before, attempts = attempts + 1`,
		string(failure.Unit), failure.Kind.String(), failure.Err.Error(), notBefore)
	if err != nil {
		return coreerrors.Infrastructure("record delayed retry", err).WithUnit(string(failure.Unit))
	}
	return nil
}

// buildUnit runs the stage chain for one unit.
func (b *Builder) buildUnit(ctx context.Context, area *Area, txnID string, id unit.ID, scope unit.RebuildScope, ir *unit.IRArtifact) (*UnitArtifacts, error) {
	if ir == nil {
		var err error
		ir, err = b.analyze(ctx, area, txnID, id)
		if err != nil {
			return nil, err
		}
	}

	artifacts := &UnitArtifacts{IR: ir}

	if scope == unit.RebuildFull {
		graph := &unit.GraphArtifact{
			Unit:    id,
			Refs:    ir.Refs,
			Exports: ir.Exports,
			Hash:    ir.SignatureHash(b.cfg.IncludeReexports),
		}
		if _, err := area.Write(StageGraphExtract, id, graph); err != nil {
			return nil, err
		}
		artifacts.Graph = graph
	}

	chunks := b.chunk(ir)
	if _, err := area.Write(StageChunk, id, chunks); err != nil {
		return nil, err
	}
	artifacts.Chunks = chunks

	vectors, err := b.vectorize(ctx, area, txnID, id, ir, chunks)
	if err != nil {
		return nil, err
	}
	artifacts.Vectors = vectors
	return artifacts, nil
}

// analyze produces the unit's IR, consulting the checkpoint table and
// the artifact cache before calling the analyzer.
func (b *Builder) analyze(ctx context.Context, area *Area, txnID string, id unit.ID) (*unit.IRArtifact, error) {
	var source []byte
	err := b.retry.ExecuteClassified(ctx, func() error {
		var readErr error
		source, readErr = b.reader.ReadSource(ctx, id)
		return readErr
	})
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindOf(err), "read source", err).WithUnit(string(id))
	}
	inputHash := unit.HashBytes(source)

	if ref, ok, err := b.checkpoints.Lookup(ctx, StageAnalyze, id, inputHash); err == nil && ok {
		var ir unit.IRArtifact
		if loadErr := Load(ref, &ir); loadErr == nil {
			return &ir, nil
		}
		// A vanished or corrupt artifact just means recompute.
	} else if err != nil {
		return nil, err
	}

	if data, ok := b.cache.Get(StageAnalyze, inputHash); ok {
		var ir unit.IRArtifact
		if err := json.Unmarshal(data, &ir); err == nil {
			return &ir, nil
		}
	}

	var ir *unit.IRArtifact
	err = b.retry.ExecuteClassified(ctx, func() error {
		var buildErr error
		ir, buildErr = b.analyzer.Build(ctx, id, source)
		return buildErr
	})
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindOf(err), "analyze", err).WithUnit(string(id))
	}

	ref, err := area.Write(StageAnalyze, id, ir)
	if err != nil {
		return nil, err
	}
	if err := b.checkpoints.Record(ctx, StageAnalyze, id, txnID, inputHash, ref); err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ir); err == nil {
		b.cache.Put(StageAnalyze, inputHash, data)
	}
	return ir, nil
}

// chunk splits the token stream into fixed-size lexical chunks.
func (b *Builder) chunk(ir *unit.IRArtifact) []unit.ChunkArtifact {
	tokens := ir.Tokens
	if len(tokens) == 0 {
		// A unit with no tokens still gets one chunk so the lexical
		// store can answer presence checks.
		tokens = []string{string(ir.Unit)}
	}

	var chunks []unit.ChunkArtifact
	for seq := 0; len(tokens) > 0; seq++ {
		take := min(b.cfg.ChunkTokens, len(tokens))
		part := tokens[:take]
		tokens = tokens[take:]

		chunks = append(chunks, unit.ChunkArtifact{
			Unit:   ir.Unit,
			Seq:    seq,
			Text:   strings.Join(part, " "),
			Tokens: part,
			Hash:   unit.HashStrings(append([]string{strconv.Itoa(seq)}, part...)...),
		})
	}
	return chunks
}

// vectorize embeds each chunk, with per-chunk cache hits keyed by the
// chunk content hash.
func (b *Builder) vectorize(ctx context.Context, area *Area, txnID string, id unit.ID, ir *unit.IRArtifact, chunks []unit.ChunkArtifact) ([]unit.VectorArtifact, error) {
	vectors := make([]unit.VectorArtifact, 0, len(chunks))
	for i := range chunks {
		chunk := &chunks[i]

		if data, ok := b.cache.Get(StageVectorize, chunk.Hash); ok {
			var cached unit.VectorArtifact
			if err := json.Unmarshal(data, &cached); err == nil {
				vectors = append(vectors, cached)
				continue
			}
		}

		var vec []float32
		err := b.retry.ExecuteClassified(ctx, func() error {
			var vErr error
			vec, vErr = b.vectorizer.Vectorize(ctx, chunk)
			return vErr
		})
		if err != nil {
			return nil, coreerrors.New(coreerrors.KindOf(err), "vectorize", err).WithUnit(string(id))
		}

		artifact := unit.VectorArtifact{Unit: chunk.Unit, Seq: chunk.Seq, Vector: vec, Hash: chunk.Hash}
		vectors = append(vectors, artifact)
		if data, err := json.Marshal(artifact); err == nil {
			b.cache.Put(StageVectorize, chunk.Hash, data)
		}
	}

	ref, err := area.Write(StageVectorize, id, vectors)
	if err != nil {
		return nil, err
	}
	return vectors, b.checkpoints.Record(ctx, StageVectorize, id, txnID, ir.BodyHash(), ref)
}
