// Package errors implements the error taxonomy for index update cycles.
// Every failure surfaced by the engine is classified into a kind, and each
// kind has a defined disposition: retry scope, backoff, and whether the
// failure may abort a cycle.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a cycle error. The kind decides how the pipeline reacts:
// retry the operation, retry the whole cycle, apply the partial-failure
// policy, or abort before commit.
type Kind int

const (
	// KindTransient indicates temporary failures that resolve on retry.
	// Examples: a busy sqlite handle, a short I/O stall.
	KindTransient Kind = iota

	// KindPermanent indicates failures that will not resolve with retry.
	// Examples: an unreadable unit, an analyzer rejection. Subject to the
	// configured partial-failure policy; never silently dropped.
	KindPermanent

	// KindConflict indicates a concurrent writer invalidated this cycle's
	// snapshot. The whole cycle retries against a fresh snapshot.
	KindConflict

	// KindInfrastructure indicates a backend is down or corrupt. The cycle
	// aborts before any store commit.
	KindInfrastructure

	// KindDrift indicates divergence between a store and the expected index
	// state. Raised only by consistency checking; never aborts update cycles.
	KindDrift
)

var kindNames = map[Kind]string{
	KindTransient:      "transient",
	KindPermanent:      "permanent",
	KindConflict:       "conflict",
	KindInfrastructure: "infrastructure",
	KindDrift:          "drift",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// RetryScope describes what gets retried when an error of a kind occurs.
type RetryScope int

const (
	// ScopeNone means no automatic retry.
	ScopeNone RetryScope = iota

	// ScopeOperation retries the failing operation in place with backoff.
	ScopeOperation

	// ScopeCycle discards the snapshot and retries the whole update cycle.
	ScopeCycle
)

// KindBehavior defines the handling disposition for an error kind.
type KindBehavior struct {
	// ShouldRetry indicates whether errors of this kind are retried at all.
	ShouldRetry bool

	// Scope is what a retry re-executes.
	Scope RetryScope

	// MaxRetries bounds the retry attempts.
	MaxRetries int

	// BaseBackoff is the initial backoff duration.
	BaseBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// AbortsCycle indicates the cycle cannot proceed to commit.
	AbortsCycle bool
}

// DefaultBehaviors returns the default disposition for each error kind.
func DefaultBehaviors() map[Kind]KindBehavior {
	return map[Kind]KindBehavior{
		KindTransient: {
			ShouldRetry: true,
			Scope:       ScopeOperation,
			MaxRetries:  5,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
			AbortsCycle: false,
		},
		KindPermanent: {
			ShouldRetry: false,
			Scope:       ScopeNone,
			AbortsCycle: false,
		},
		KindConflict: {
			ShouldRetry: true,
			Scope:       ScopeCycle,
			MaxRetries:  3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
			AbortsCycle: false,
		},
		KindInfrastructure: {
			ShouldRetry: false,
			Scope:       ScopeNone,
			AbortsCycle: true,
		},
		KindDrift: {
			ShouldRetry: false,
			Scope:       ScopeNone,
			AbortsCycle: false,
		},
	}
}

// CycleError wraps a failure with its kind and the index context it occurred
// in. Unit and Store are optional and filled where known.
type CycleError struct {
	Kind       Kind
	Op         string
	Unit       string
	Store      string
	Underlying error
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Unit != "" {
		msg += fmt.Sprintf(" unit=%s", e.Unit)
	}
	if e.Store != "" {
		msg += fmt.Sprintf(" store=%s", e.Store)
	}
	if e.Underlying != nil {
		msg += fmt.Sprintf(": %v", e.Underlying)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CycleError) Unwrap() error {
	return e.Underlying
}

// Is matches another CycleError by kind. This lets callers write
// errors.Is(err, &CycleError{Kind: KindConflict}) style checks against
// the sentinel values below.
func (e *CycleError) Is(target error) bool {
	var ce *CycleError
	if errors.As(target, &ce) {
		return e.Kind == ce.Kind
	}
	return false
}

// New creates a CycleError with the given kind and operation.
func New(kind Kind, op string, underlying error) *CycleError {
	return &CycleError{Kind: kind, Op: op, Underlying: underlying}
}

// Transient creates a transient CycleError.
func Transient(op string, underlying error) *CycleError {
	return New(KindTransient, op, underlying)
}

// Permanent creates a permanent CycleError.
func Permanent(op string, underlying error) *CycleError {
	return New(KindPermanent, op, underlying)
}

// Conflict creates a conflict CycleError.
func Conflict(op string, underlying error) *CycleError {
	return New(KindConflict, op, underlying)
}

// Infrastructure creates an infrastructure CycleError.
func Infrastructure(op string, underlying error) *CycleError {
	return New(KindInfrastructure, op, underlying)
}

// Drift creates a drift CycleError.
func Drift(op string, underlying error) *CycleError {
	return New(KindDrift, op, underlying)
}

// WithUnit attaches the unit id the error occurred on.
func (e *CycleError) WithUnit(unit string) *CycleError {
	e.Unit = unit
	return e
}

// WithStore attaches the store backend name the error occurred on.
func (e *CycleError) WithStore(store string) *CycleError {
	e.Store = store
	return e
}

// KindOf extracts the Kind from an error. Unclassified errors are treated
// as permanent: an unknown failure must never be retried into an
// inconsistent state nor silently dropped.
func KindOf(err error) Kind {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPermanent
}

// BehaviorFor returns the disposition for an error's kind.
func BehaviorFor(err error) KindBehavior {
	return DefaultBehaviors()[KindOf(err)]
}

// IsRetryable checks whether an error's kind permits retry.
func IsRetryable(err error) bool {
	return BehaviorFor(err).ShouldRetry
}

// Sentinel errors per kind. These are matched with errors.Is, which
// compares kinds for CycleError values.
var (
	// Transient
	ErrStoreBusy   = Transient("store busy", nil)
	ErrLeaseWait   = Transient("lease contended", nil)
	ErrStagingFull = Transient("staging area saturated", nil)

	// Permanent
	ErrUnitUnreadable  = Permanent("unit source unreadable", nil)
	ErrAnalyzerReject  = Permanent("analyzer rejected unit", nil)
	ErrArtifactMissing = Permanent("stage artifact missing", nil)

	// Conflict
	ErrSnapshotStale  = Conflict("snapshot invalidated by concurrent commit", nil)
	ErrVersionChanged = Conflict("graph version changed since snapshot", nil)

	// Infrastructure
	ErrStoreUnavailable = Infrastructure("store backend unavailable", nil)
	ErrBackendCorrupt   = Infrastructure("store backend corrupt", nil)

	// Drift
	ErrIndexDrift    = Drift("index entry diverged from expected state", nil)
	ErrOrphanedEntry = Drift("store entry has no owning unit", nil)
)

// Wrap classifies err under kind unless it already carries a kind, in which
// case the existing kind is preserved and only the operation context is
// added. Returns nil for a nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	var ce *CycleError
	if errors.As(err, &ce) {
		return &CycleError{
			Kind:       ce.Kind,
			Op:         op,
			Unit:       ce.Unit,
			Store:      ce.Store,
			Underlying: err,
		}
	}

	return New(kind, op, err)
}

// FailurePolicy selects how a cycle treats units that failed permanently.
type FailurePolicy int

const (
	// FailCycle aborts the whole cycle on any permanent unit failure.
	FailCycle FailurePolicy = iota

	// ExcludeStale excludes failed units (and their dependents) from the
	// commit and marks them stale for a later cycle.
	ExcludeStale

	// DelayRetry excludes failed units and schedules a delayed retry.
	DelayRetry
)

var failurePolicyNames = map[FailurePolicy]string{
	FailCycle:    "fail_cycle",
	ExcludeStale: "exclude_stale",
	DelayRetry:   "delay_retry",
}

func (p FailurePolicy) String() string {
	if name, ok := failurePolicyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseFailurePolicy maps a config string onto a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	for policy, name := range failurePolicyNames {
		if name == s {
			return policy, nil
		}
	}
	return FailCycle, fmt.Errorf("unknown failure policy %q", s)
}
