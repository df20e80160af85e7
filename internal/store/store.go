// Package store provides the append-only, linearizable stores the
// forecast lifecycle is built on: snapshots, outcomes, governance state,
// scheduler leases, the alert log, and job runs. The interfaces describe
// the logical contracts; SQLiteStore is the one implementation, built on
// database/sql + modernc.org/sqlite so insert-if-absent and
// compare-and-set are real transactional guarantees rather than an
// in-memory convention.
package store

import (
	"context"
	"time"

	"github.com/quantdesk/flgc/pkg/model"
)

// SnapshotFilter narrows a List query. Zero-valued fields are wildcards.
type SnapshotFilter struct {
	Symbol model.Symbol
	Horizon string
	Preset  model.Preset
	Role    model.Role
	Status  model.EvaluationStatus
}

// SnapshotStore is the Snapshot Store.
type SnapshotStore interface {
	// Put inserts the snapshot if its fingerprint is absent. Always
	// succeeds (idempotent); Inserted reports whether this call created it.
	Put(ctx context.Context, snap model.ForecastSnapshot) (inserted bool, err error)

	// ListPending returns PENDING snapshots with resolveAt <= asOf, oldest
	// resolveAt first, capped at limit.
	ListPending(ctx context.Context, asOf time.Time, limit int) ([]model.ForecastSnapshot, error)

	// Resolve is a compare-and-set: PENDING -> RESOLVED. Returns
	// errs.AlreadyResolved if the snapshot was already RESOLVED.
	Resolve(ctx context.Context, fingerprint string, real model.Evaluation) error

	// Get returns the snapshot for fingerprint, including its resolved
	// fields if any — used by the tracker to retry an outcome Put after a
	// partial failure.
	Get(ctx context.Context, fingerprint string) (model.ForecastSnapshot, bool, error)

	// List returns snapshots matching filter, newest first, capped at
	// min(limit, an implementation-defined maximum).
	List(ctx context.Context, filter SnapshotFilter, limit int) ([]model.ForecastSnapshot, error)
}

// OutcomeFilter narrows a cohort query.
type OutcomeFilter struct {
	Symbol  model.Symbol
	Horizon string
	Preset  model.Preset
	Role    model.Role
}

// OutcomeStore is the Outcome Store.
type OutcomeStore interface {
	// Put inserts the outcome if its snapshotRef is absent (idempotent).
	Put(ctx context.Context, out model.ForecastOutcome) (inserted bool, err error)

	// Query returns the most recent resolved outcomes for the cohort, in
	// chronological (oldest-first) order, capped at windowSize.
	Query(ctx context.Context, filter OutcomeFilter, windowSize int) ([]model.ForecastOutcome, error)

	DistinctSymbols(ctx context.Context) ([]model.Symbol, error)
	Count(ctx context.Context, filter OutcomeFilter) (int, error)
}

// GovernanceStore persists per-symbol governance state.
type GovernanceStore interface {
	Get(ctx context.Context, symbol model.Symbol) (model.GovernanceState, error)
	Save(ctx context.Context, state model.GovernanceState) error
}

// Lease is the scheduler's lock bookkeeping for one job.
type Lease struct {
	LockedUntil time.Time
	Owner       string
	RunID       string
}

// SchedulerState is the persistent per-job record.
type SchedulerState struct {
	JobID       string
	Enabled     bool
	ScheduleUTC string
	NextRunAt   time.Time
	LastRunAt   time.Time
	LastStatus  model.JobStatus
	Lock        Lease
}

// SchedulerStore persists scheduler state and provides the atomic lease
// acquisition primitive two racing processes need to converge on one
// runner.
type SchedulerStore interface {
	Get(ctx context.Context, jobID string) (SchedulerState, bool, error)
	Upsert(ctx context.Context, state SchedulerState) error

	// TryAcquire atomically sets lock={now+lease, owner, runID} iff the
	// current lock.lockedUntil < now. Returns acquired=false if another
	// owner still holds a live lease.
	TryAcquire(ctx context.Context, jobID, owner, runID string, now time.Time, lease time.Duration) (acquired bool, err error)

	// Release clears the lock if owner still matches; a no-op otherwise
	// (the lease may have already expired and been taken by someone else).
	Release(ctx context.Context, jobID, owner string) error
}

// AlertLog is the append-only log of sent and blocked alert decisions.
type AlertLog interface {
	Append(ctx context.Context, event model.AlertEvent) error

	// Recent returns events for symbol with TriggeredAt >= since, for
	// quota/cooldown/dedup bookkeeping.
	Recent(ctx context.Context, symbol model.Symbol, since time.Time) ([]model.AlertEvent, error)
}

// JobRunStore persists the scheduler's audit trail.
type JobRunStore interface {
	Create(ctx context.Context, run model.JobRun) error
	Update(ctx context.Context, run model.JobRun) error
	Get(ctx context.Context, runID string) (model.JobRun, bool, error)

	// RunningFor returns the run currently RUNNING for jobID, if any —
	// used to enforce at most one RUNNING JobRun per jobId.
	RunningFor(ctx context.Context, jobID string) (model.JobRun, bool, error)
}
