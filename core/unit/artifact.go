package unit

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// Analyzer Output
// =============================================================================

// SymbolSig describes one exported symbol of a unit. The Signature string
// is the analyzer's canonical rendering of the symbol's externally visible
// shape; two symbols with equal signatures are interchangeable for
// dependents.
type SymbolSig struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Signature string `json:"signature"`
}

// DepRef is a dependency reference extracted from a unit's IR.
type DepRef struct {
	To   ID       `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// IRArtifact is the analyzer's intermediate representation of one unit.
// It is a pure function of the unit's source: the engine never inspects
// source text itself, only IR artifacts.
type IRArtifact struct {
	Unit       ID          `json:"unit"`
	SourceHash string      `json:"source_hash"`
	Exports    []SymbolSig `json:"exports"`
	Refs       []DepRef    `json:"refs"`
	Tokens     []string    `json:"tokens"`
	Bytes      int         `json:"bytes"`
}

// SignatureHash digests the unit's exported surface: sorted exported
// signatures plus, when includeReexports is set, the identities of
// re-exported units. Dependents only need rebuilding when this changes.
func (a *IRArtifact) SignatureHash(includeReexports bool) string {
	parts := make([]string, 0, len(a.Exports)+len(a.Refs))
	for _, sig := range a.Exports {
		parts = append(parts, sig.Kind+"\x00"+sig.Name+"\x00"+sig.Signature)
	}
	if includeReexports {
		for _, ref := range a.Refs {
			if ref.Kind == EdgeReexport {
				parts = append(parts, "reexport\x00"+string(ref.To))
			}
		}
	}
	sort.Strings(parts)
	return HashStrings(parts...)
}

// BodyHash digests the full normalized content of the unit.
func (a *IRArtifact) BodyHash() string {
	parts := make([]string, 0, len(a.Tokens)+1)
	parts = append(parts, a.SourceHash)
	parts = append(parts, a.Tokens...)
	return HashStrings(parts...)
}

// =============================================================================
// Stage Artifacts
// =============================================================================

// GraphArtifact carries the graph-facing derivation of a unit: its
// dependency edges and exported symbols, ready for the graph store.
type GraphArtifact struct {
	Unit    ID          `json:"unit"`
	Refs    []DepRef    `json:"refs"`
	Exports []SymbolSig `json:"exports"`
	Hash    string      `json:"hash"`
}

// ChunkArtifact is one lexical chunk of a unit, ready for the lexical store.
type ChunkArtifact struct {
	Unit   ID       `json:"unit"`
	Seq    int      `json:"seq"`
	Text   string   `json:"text"`
	Tokens []string `json:"tokens"`
	Hash   string   `json:"hash"`
}

// DocID returns the lexical store document id for this chunk.
func (c *ChunkArtifact) DocID() string {
	return fmt.Sprintf("%s#%d", c.Unit, c.Seq)
}

// VectorArtifact is the embedded form of one chunk, ready for the vector
// store.
type VectorArtifact struct {
	Unit   ID        `json:"unit"`
	Seq    int       `json:"seq"`
	Vector []float32 `json:"vector"`
	Hash   string    `json:"hash"`
}

// VecID returns the vector store key for this artifact.
func (v *VectorArtifact) VecID() string {
	return fmt.Sprintf("%s#%d", v.Unit, v.Seq)
}

// ArtifactRef points at a serialized stage artifact in the staging area.
// Checkpoint rows store refs, not payloads.
type ArtifactRef struct {
	Stage string `json:"stage"`
	Unit  ID     `json:"unit"`
	Hash  string `json:"hash"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// =============================================================================
// Rebuild Plans
// =============================================================================

// RebuildScope is the extent of work planned for a unit in one cycle.
type RebuildScope int

const (
	// RebuildFull regenerates every derived artifact of the unit.
	RebuildFull RebuildScope = iota

	// RebuildBodyOnly regenerates content-derived artifacts (lexical,
	// vector) but keeps the unit's graph-facing surface, because its
	// exported signature is unchanged.
	RebuildBodyOnly
)

func (s RebuildScope) String() string {
	switch s {
	case RebuildFull:
		return "full"
	case RebuildBodyOnly:
		return "body_only"
	default:
		return fmt.Sprintf("rebuild_scope(%d)", int(s))
	}
}

// Migration records an identity change: the unit formerly known as From is
// now To. Derived from rename events; applied at commit so references and
// store entries move atomically with the cycle.
type Migration struct {
	From ID `json:"from"`
	To   ID `json:"to"`
}

// RebuildPlan is the pruned, ordered work list for one update cycle.
// Layers follow dependency order: every unit's providers appear in an
// earlier layer (cycles collapse into the same layer).
type RebuildPlan struct {
	CycleID    string
	Layers     [][]ID
	Scopes     map[ID]RebuildScope
	Deletes    []ID
	Migrations []Migration
	Pruned     []ID
}

// Units flattens the layers in execution order.
func (p *RebuildPlan) Units() []ID {
	var out []ID
	for _, layer := range p.Layers {
		out = append(out, layer...)
	}
	return out
}

// Len returns the number of units scheduled for rebuild.
func (p *RebuildPlan) Len() int {
	n := 0
	for _, layer := range p.Layers {
		n += len(layer)
	}
	return n
}

// Empty reports whether the plan carries no work at all.
func (p *RebuildPlan) Empty() bool {
	return p.Len() == 0 && len(p.Deletes) == 0 && len(p.Migrations) == 0
}

// =============================================================================
// External Collaborators
// =============================================================================

// Analyzer produces IR artifacts from unit sources. Implementations live
// outside the engine; Build must be a pure function of (id, source) with
// no store access.
type Analyzer interface {
	Build(ctx context.Context, id ID, source []byte) (*IRArtifact, error)
}

// SourceReader resolves a unit id to its current source bytes.
type SourceReader interface {
	ReadSource(ctx context.Context, id ID) ([]byte, error)
}

// Vectorizer embeds lexical chunks. The engine treats embeddings as opaque
// float vectors; quality is the implementation's concern.
type Vectorizer interface {
	Vectorize(ctx context.Context, chunk *ChunkArtifact) ([]float32, error)
	Dimensions() int
}
