// Package unit defines the identity types shared across the index engine:
// unit identifiers, snapshot keys, and the artifacts that flow between the
// analyzer, the build stages, and the store backends.
package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ID is the stable identity of a code unit. It survives edits to the unit's
// content; a rename produces a new ID. The conventional form is a
// repo-relative path, optionally suffixed with "#Symbol" for sub-file units.
type ID string

// String returns the raw identifier.
func (id ID) String() string {
	return string(id)
}

// SnapshotKey identifies the (repository, snapshot) pair an update cycle
// operates on. Locks and commits are serialized per key.
type SnapshotKey struct {
	RepoID     string
	SnapshotID string
}

// String renders the key in "repo@snapshot" form, used as the lease
// resource name and in log attrs.
func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s@%s", k.RepoID, k.SnapshotID)
}

// IsZero reports whether the key is unset.
func (k SnapshotKey) IsZero() bool {
	return k.RepoID == "" && k.SnapshotID == ""
}

// EdgeKind classifies a dependency edge between units.
type EdgeKind int

const (
	// EdgeUse is a direct dependency: the source unit consumes symbols
	// defined in the target.
	EdgeUse EdgeKind = iota

	// EdgeReexport marks the source unit re-exporting symbols of the
	// target as part of its own exported surface. Whether impact
	// propagates through these edges transitively is a policy choice.
	EdgeReexport
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeUse:
		return "use"
	case EdgeReexport:
		return "reexport"
	default:
		return fmt.Sprintf("edge_kind(%d)", int(k))
	}
}

// HashBytes returns the hex sha256 of data. All content hashes in the
// engine use this form.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashStrings hashes the parts in order with a length prefix per part, so
// ("ab","c") and ("a","bc") produce different digests.
func HashStrings(parts ...string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		n := len(p)
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
