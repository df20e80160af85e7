// Package errs provides the typed error kinds of the forecast lifecycle:
// callers branch on Kind rather than on exception type, and no component
// panics across a package boundary.
package errs

import "fmt"

// Kind categorizes an error by how the caller should react to it: retry,
// surface to the requester, yield to another worker, treat as a normal
// policy refusal, or propagate as fatal.
type Kind string

const (
	// KindTransient is recovered by the next scheduled run: store timeout,
	// price unavailable, transport error.
	KindTransient Kind = "transient"
	// KindContractViolation is surfaced to the caller; nothing is written.
	KindContractViolation Kind = "contract_violation"
	// KindConcurrency is recovered by silently yielding: another worker
	// already holds the lease, or the compare-and-set lost a race.
	KindConcurrency Kind = "concurrency"
	// KindPolicy is a normal, non-error result: governance refused the
	// action. Components should generally prefer returning a policy
	// result over a KindPolicy error; it exists for callers that need to
	// propagate refusal through an error-returning interface.
	KindPolicy Kind = "policy"
	// KindFatal propagates up; the pipeline reports FAILED.
	KindFatal Kind = "fatal"
)

// Error is a typed, wrapped error carrying a Kind.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "snapshot.put"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind. It lets
// callers write errors.Is(err, errs.PriceUnavailable) style checks against
// sentinels defined with the same Kind and Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Sentinels referenced by multiple packages.
var (
	// PriceUnavailable: the oracle has no bar covering the requested time
	// after tolerance. The tracker leaves the snapshot PENDING and retries.
	PriceUnavailable = New(KindTransient, "oracle.priceAt", "price unavailable")

	// AlreadyResolved: a resolve() compare-and-set found the snapshot was
	// already RESOLVED. The caller yields; another worker did the work.
	AlreadyResolved = New(KindConcurrency, "snapshot.resolve", "already resolved")

	// LeaseNotAcquired: the scheduler could not take the per-job lease.
	LeaseNotAcquired = New(KindConcurrency, "scheduler.acquire", "lease not acquired")

	// InvalidSnapshotInput: a model-output field is outside bounds.
	InvalidSnapshotInput = New(KindContractViolation, "forecast.write", "invalid snapshot input")

	// UnknownHorizon: the caller named a horizon outside the configured set.
	UnknownHorizon = New(KindContractViolation, "forecast.write", "unknown horizon")

	// StoreUnavailable: the backing store could not be reached at all.
	StoreUnavailable = New(KindFatal, "store", "store unreachable")
)

// IsKind reports whether err (or something it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
