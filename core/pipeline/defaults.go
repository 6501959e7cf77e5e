package pipeline

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"unicode"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/store/vecstore"
	"github.com/ellsmere/lattice/core/unit"
)

// FSReader resolves unit ids to files under a root directory. Unit ids
// are slash-separated relative paths, exactly as the change sources
// produce them.
type FSReader struct {
	root string
}

// NewFSReader returns a reader rooted at dir.
func NewFSReader(dir string) *FSReader {
	return &FSReader{root: dir}
}

func (r *FSReader) ReadSource(ctx context.Context, id unit.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, coreerrors.Transient("read source cancelled", err).WithUnit(string(id))
	}
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(string(id))))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerrors.Permanent("source file gone", err).WithUnit(string(id))
		}
		return nil, coreerrors.Transient("read source", err).WithUnit(string(id))
	}
	return data, nil
}

// TokenAnalyzer is the zero-dependency default analyzer: it tokenizes
// the source on identifier boundaries and treats capitalized identifiers
// as the unit's exported surface. It knows nothing about any language;
// real deployments inject a proper analyzer.
type TokenAnalyzer struct{}

func (TokenAnalyzer) Build(ctx context.Context, id unit.ID, source []byte) (*unit.IRArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, coreerrors.Transient("analysis cancelled", err).WithUnit(string(id))
	}

	tokens := tokenize(source)

	exported := make(map[string]bool)
	for _, tok := range tokens {
		runes := []rune(tok)
		if unicode.IsUpper(runes[0]) {
			exported[tok] = true
		}
	}
	exports := make([]unit.SymbolSig, 0, len(exported))
	for name := range exported {
		exports = append(exports, unit.SymbolSig{Name: name, Kind: "ident", Signature: name})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })

	return &unit.IRArtifact{
		Unit:       id,
		SourceHash: unit.HashBytes(source),
		Exports:    exports,
		Tokens:     tokens,
		Bytes:      len(source),
	}, nil
}

func tokenize(source []byte) []string {
	var tokens []string
	start := -1
	text := string(source)
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// HashingVectorizer embeds chunks by signed feature hashing over their
// tokens, normalized to unit length. Deterministic and service-free, so
// the engine runs standalone; embedding quality is explicitly not its
// job.
type HashingVectorizer struct {
	dim int
}

const defaultVectorDim = 64

// NewHashingVectorizer returns a vectorizer with the given
// dimensionality; non-positive picks the default.
func NewHashingVectorizer(dim int) *HashingVectorizer {
	if dim <= 0 {
		dim = defaultVectorDim
	}
	return &HashingVectorizer{dim: dim}
}

func (v *HashingVectorizer) Dimensions() int { return v.dim }

func (v *HashingVectorizer) Vectorize(ctx context.Context, chunk *unit.ChunkArtifact) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, coreerrors.Transient("vectorize cancelled", err).WithUnit(string(chunk.Unit))
	}

	vec := make([]float32, v.dim)
	for _, tok := range chunk.Tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(v.dim))
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	// An all-stopword chunk would hash to the zero vector, which has no
	// direction; pin it to a constant axis instead.
	zero := true
	for _, x := range vec {
		if x != 0 {
			zero = false
			break
		}
	}
	if zero {
		vec[0] = 1
	}
	vecstore.Normalize(vec)
	return vec, nil
}
