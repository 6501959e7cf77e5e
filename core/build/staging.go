package build

import (
	"encoding/json"
	"os"
	"path/filepath"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/unit"
)

// Stage names, also used as checkpoint keys and staging subdirectories.
const (
	StageAnalyze      = "analyze"
	StageGraphExtract = "graph_extract"
	StageChunk        = "chunk"
	StageVectorize    = "vectorize"
)

// Area is one transaction's staging directory. Artifacts land here
// content-addressed; nothing visible is touched until the commit saga.
type Area struct {
	root  string
	txnID string
}

// NewArea opens the staging area for a transaction under root.
func NewArea(root, txnID string) (*Area, error) {
	a := &Area{root: root, txnID: txnID}
	for _, stage := range []string{StageAnalyze, StageGraphExtract, StageChunk, StageVectorize} {
		if err := os.MkdirAll(filepath.Join(root, txnID, stage), 0o755); err != nil {
			return nil, coreerrors.Infrastructure("create staging area", err)
		}
	}
	return a, nil
}

// Dir returns the transaction's staging directory.
func (a *Area) Dir() string {
	return filepath.Join(a.root, a.txnID)
}

// Write serializes an artifact into the area and returns its ref. The
// file name is derived from the unit id hash, so ids with path
// separators stay flat.
func (a *Area) Write(stage string, id unit.ID, artifact any) (unit.ArtifactRef, error) {
	data, err := json.Marshal(artifact)
	if err != nil {
		return unit.ArtifactRef{}, coreerrors.Permanent("encode stage artifact", err).WithUnit(string(id))
	}

	hash := unit.HashBytes(data)
	path := filepath.Join(a.Dir(), stage, hash[:16]+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return unit.ArtifactRef{}, coreerrors.Infrastructure("write stage artifact", err).WithUnit(string(id))
	}

	return unit.ArtifactRef{
		Stage: stage,
		Unit:  id,
		Hash:  hash,
		Path:  path,
		Bytes: int64(len(data)),
	}, nil
}

// Load reads an artifact back from a ref.
func Load(ref unit.ArtifactRef, out any) error {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return coreerrors.Infrastructure("read stage artifact", err).WithUnit(string(ref.Unit))
	}
	if unit.HashBytes(data) != ref.Hash {
		return coreerrors.Infrastructure("stage artifact hash mismatch", nil).WithUnit(string(ref.Unit))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return coreerrors.Permanent("decode stage artifact", err).WithUnit(string(ref.Unit))
	}
	return nil
}

// Remove deletes a transaction's staging directory. Idempotent.
func Remove(root, txnID string) error {
	err := os.RemoveAll(filepath.Join(root, txnID))
	if err != nil {
		return coreerrors.Infrastructure("remove staging area", err)
	}
	return nil
}
