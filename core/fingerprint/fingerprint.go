// Package fingerprint records the structural fingerprints of committed
// units and decides, per update cycle, which affected units actually need
// rebuilding. A fingerprint splits a unit's identity in two: the signature
// hash covers its externally visible contract, the body hash its full
// content. Dependents only care about the signature; the pruner exploits
// that to stop propagation.
package fingerprint

import (
	"time"

	"github.com/ellsmere/lattice/core/unit"
)

// Fingerprint is the recorded structural identity of one unit. Version
// increments on every committed change and backs conflict detection.
type Fingerprint struct {
	Unit          unit.ID
	SignatureHash string
	BodyHash      string
	Version       uint64
	Stale         bool
	UpdatedAt     time.Time
}

// Compute derives a fingerprint from an IR artifact. includeReexports
// folds re-exported unit identities into the signature, per the
// propagation policy.
func Compute(ir *unit.IRArtifact, includeReexports bool) Fingerprint {
	return Fingerprint{
		Unit:          ir.Unit,
		SignatureHash: ir.SignatureHash(includeReexports),
		BodyHash:      ir.BodyHash(),
	}
}

// SameSignature reports whether the externally visible contract is
// unchanged between the two fingerprints.
func (f Fingerprint) SameSignature(other Fingerprint) bool {
	return f.SignatureHash == other.SignatureHash
}

// SameBody reports whether the content is unchanged.
func (f Fingerprint) SameBody(other Fingerprint) bool {
	return f.BodyHash == other.BodyHash
}
