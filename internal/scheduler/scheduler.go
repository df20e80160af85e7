// Package scheduler is the cooperative executor: a persistent per-jobId
// lease, CRON/MANUAL triggers, and a JobRun audit trail, backed by a
// store rather than an in-memory lease so two processes racing for the
// same job converge on exactly one runner.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/telemetry"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc is one job's body. It must check ctx and exit cleanly on
// cancellation; it returns the step records that make up the JobRun's
// audit trail plus a short human summary.
type RunFunc func(ctx context.Context) (steps []model.StepRecord, summary string, err error)

// Job registers one schedulable unit of work.
type Job struct {
	ID          string
	ScheduleUTC string // standard 5-field cron expression, UTC
	Run         RunFunc
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the lease/JobRun bookkeeping for a fixed set of
// registered jobs. One Scheduler instance is one "owner" competing for
// leases; owner identity is a random UUID assigned at construction so
// two processes never appear to be the same owner.
type Scheduler struct {
	logger  *zap.Logger
	clock   clock.Clock
	state   store.SchedulerStore
	runs    store.JobRunStore
	metrics *telemetry.Metrics

	owner        string
	leaseDuration time.Duration

	mu      sync.Mutex
	jobs    map[string]Job
	cancels map[string]context.CancelFunc
}

// New builds a Scheduler. metrics may be nil in tests.
func New(logger *zap.Logger, clk clock.Clock, state store.SchedulerStore, runs store.JobRunStore, leaseDuration time.Duration, metrics *telemetry.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:        logger,
		clock:         clk,
		state:         state,
		runs:          runs,
		metrics:       metrics,
		owner:         uuid.NewString(),
		leaseDuration: leaseDuration,
		jobs:          make(map[string]Job),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Register adds a job definition and ensures its persistent state row
// exists (enabled by default, nextRunAt computed from scheduleUtc).
func (s *Scheduler) Register(ctx context.Context, job Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	existing, ok, err := s.state.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	next, err := s.nextRunAt(job.ScheduleUTC, s.clock.Now())
	if err != nil {
		return err
	}
	return s.state.Upsert(ctx, store.SchedulerState{
		JobID:       job.ID,
		Enabled:     true,
		ScheduleUTC: job.ScheduleUTC,
		NextRunAt:   next,
	})
}

func (s *Scheduler) nextRunAt(scheduleUTC string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(scheduleUTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse scheduleUtc %q: %w", scheduleUTC, err)
	}
	return sched.Next(after), nil
}

// Tick evaluates every registered job and runs the ones that are due
// (enabled, nextRunAt <= now, lease free). It is safe to call
// concurrently from multiple Scheduler instances sharing the same store.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		state, ok, err := s.state.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok || !state.Enabled {
			continue
		}
		now := s.clock.Now()
		if state.NextRunAt.After(now) {
			continue
		}
		if _, err := s.trigger(ctx, id, model.TriggerCron); err != nil {
			s.logger.Warn("scheduled job run failed to start", zap.String("job_id", id), zap.Error(err))
		}
	}
	return nil
}

// RunNow triggers job immediately, bypassing its cron schedule but still
// subject to the lease (a job already RUNNING is not started twice).
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (model.JobRun, error) {
	return s.trigger(ctx, jobID, model.TriggerManual)
}

func (s *Scheduler) trigger(ctx context.Context, jobID string, trigger model.Trigger) (model.JobRun, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return model.JobRun{}, fmt.Errorf("scheduler: unknown job %q", jobID)
	}

	now := s.clock.Now()
	runID := uuid.NewString()
	acquired, err := s.state.TryAcquire(ctx, jobID, s.owner, runID, now, s.leaseDuration)
	if err != nil {
		return model.JobRun{}, err
	}
	if !acquired {
		if s.metrics != nil {
			s.metrics.SchedulerLeaseMiss.Inc()
		}
		return model.JobRun{}, ErrLeaseHeld
	}
	defer s.state.Release(ctx, jobID, s.owner)

	run := model.JobRun{
		RunID:     runID,
		JobID:     jobID,
		Trigger:   trigger,
		StartedAt: now,
		Status:    model.JobRunning,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return model.JobRun{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
		cancel()
	}()

	steps, summary, runErr := job.Run(runCtx)
	finished := s.clock.Now()
	run.FinishedAt = finished
	run.Steps = steps
	run.Summary = summary
	switch {
	case runCtx.Err() != nil:
		run.Status = model.JobCancelled
	case runErr != nil:
		run.Status = model.JobFailed
	default:
		run.Status = model.JobSuccess
	}
	if err := s.runs.Update(ctx, run); err != nil {
		return run, err
	}

	state, ok, err := s.state.Get(ctx, jobID)
	if err != nil {
		return run, err
	}
	if ok {
		state.LastRunAt = finished
		state.LastStatus = run.Status
		if trigger == model.TriggerCron {
			next, nerr := s.nextRunAt(state.ScheduleUTC, finished)
			if nerr == nil {
				state.NextRunAt = next
			}
		}
		if err := s.state.Upsert(ctx, state); err != nil {
			return run, err
		}
	}

	s.record(jobID, run.Status)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

// Cancel requests cooperative cancellation of a RUNNING job run. It is a
// no-op if runID is not currently tracked by this Scheduler instance
// (e.g. it belongs to another process, or has already finished).
func (s *Scheduler) Cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[runID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// SetEnabled flips a job's enabled flag without disturbing its schedule.
func (s *Scheduler) SetEnabled(ctx context.Context, jobID string, enabled bool) error {
	state, ok, err := s.state.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", jobID)
	}
	state.Enabled = enabled
	return s.state.Upsert(ctx, state)
}

// State returns jobID's persisted scheduler record, for read-side
// commands that report scheduler status after an enable/disable/runNow
// call.
func (s *Scheduler) State(ctx context.Context, jobID string) (store.SchedulerState, bool, error) {
	return s.state.Get(ctx, jobID)
}

func (s *Scheduler) record(jobID string, status model.JobStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobRunsTotal.WithLabelValues(jobID, string(status)).Inc()
}

// ErrLeaseHeld is returned when a trigger finds the job's lease already
// held by a live owner.
var ErrLeaseHeld = fmt.Errorf("scheduler: lease already held")
