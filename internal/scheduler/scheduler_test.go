package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/pkg/model"
	"go.uber.org/zap"
)

func newHarness(t *testing.T, now time.Time) (*Scheduler, *store.DB, *clock.Fixed) {
	t.Helper()
	db, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fixed := clock.NewFixed(now)
	sched := New(zap.NewNop(), fixed, db.Scheduler(), db.JobRuns(), 10*time.Minute, nil)
	return sched, db, fixed
}

func TestRegisterCreatesEnabledStateWithComputedNextRun(t *testing.T) {
	sched, db, fixed := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	job := Job{ID: "daily-pipeline", ScheduleUTC: "0 6 * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		return nil, "ok", nil
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}
	state, ok, err := db.Scheduler().Get(context.Background(), job.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !state.Enabled {
		t.Fatalf("expected newly registered job to be enabled")
	}
	want := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	if !state.NextRunAt.Equal(want) {
		t.Fatalf("expected nextRunAt %v, got %v", want, state.NextRunAt)
	}
	_ = fixed
}

func TestRunNowCreatesSuccessfulJobRun(t *testing.T) {
	sched, db, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	job := Job{ID: "outcome-tracker", ScheduleUTC: "*/5 * * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		return []model.StepRecord{{Name: "resolve", Status: model.StepSuccess}}, "processed 3", nil
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := sched.RunNow(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != model.JobSuccess {
		t.Fatalf("expected SUCCESS, got %v", run.Status)
	}

	stored, ok, err := db.JobRuns().Get(context.Background(), run.RunID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if stored.Status != model.JobSuccess || stored.Summary != "processed 3" {
		t.Fatalf("unexpected stored run: %+v", stored)
	}
}

func TestRunNowFailsJobRunOnError(t *testing.T) {
	sched, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	boom := errors.New("boom")
	job := Job{ID: "daily-pipeline", ScheduleUTC: "0 6 * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		return nil, "", boom
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}
	run, err := sched.RunNow(context.Background(), job.ID)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if run.Status != model.JobFailed {
		t.Fatalf("expected FAILED, got %v", run.Status)
	}
}

func TestTriggerRejectsWhenLeaseHeld(t *testing.T) {
	sched, db, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	job := Job{ID: "daily-pipeline", ScheduleUTC: "0 6 * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		return nil, "ok", nil
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}

	acquired, err := db.Scheduler().TryAcquire(context.Background(), job.ID, "other-owner", "other-run", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 10*time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected external TryAcquire to succeed: acquired=%v err=%v", acquired, err)
	}

	_, err = sched.RunNow(context.Background(), job.ID)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
}

func TestCancelStopsRunningJob(t *testing.T) {
	sched, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	started := make(chan string, 1)
	job := Job{ID: "daily-pipeline", ScheduleUTC: "0 6 * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		started <- "running"
		<-ctx.Done()
		return nil, "cancelled mid-run", ctx.Err()
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resultCh := make(chan model.JobRun, 1)
	go func() {
		run, _ := sched.RunNow(context.Background(), job.ID)
		resultCh <- run
	}()

	<-started
	// Poll briefly for the run to register its cancel func.
	var cancelled bool
	for i := 0; i < 50 && !cancelled; i++ {
		cancelled = false
		sched.mu.Lock()
		for range sched.cancels {
			cancelled = true
		}
		sched.mu.Unlock()
		if !cancelled {
			time.Sleep(2 * time.Millisecond)
		}
	}
	sched.mu.Lock()
	var runID string
	for id := range sched.cancels {
		runID = id
	}
	sched.mu.Unlock()
	if runID == "" {
		t.Fatalf("expected an in-flight run to be tracked")
	}
	if !sched.Cancel(runID) {
		t.Fatalf("expected Cancel to find the tracked run")
	}

	run := <-resultCh
	if run.Status != model.JobCancelled {
		t.Fatalf("expected CANCELLED, got %v", run.Status)
	}
}

func TestTickRunsDueJobsOnly(t *testing.T) {
	sched, db, fixed := newHarness(t, time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC))
	var ran int
	job := Job{ID: "daily-pipeline", ScheduleUTC: "0 6 * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		ran++
		return nil, "ok", nil
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ran != 0 {
		t.Fatalf("expected job not yet due, ran=%d", ran)
	}

	fixed.Set(time.Date(2026, 1, 1, 6, 0, 1, 0, time.UTC))
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected job to run once it's due, ran=%d", ran)
	}

	state, _, err := db.Scheduler().Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC)
	if !state.NextRunAt.Equal(want) {
		t.Fatalf("expected nextRunAt rolled to %v, got %v", want, state.NextRunAt)
	}
}

func TestSetEnabledDisablesJobFromTick(t *testing.T) {
	sched, _, fixed := newHarness(t, time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC))
	var ran int
	job := Job{ID: "daily-pipeline", ScheduleUTC: "0 6 * * *", Run: func(ctx context.Context) ([]model.StepRecord, string, error) {
		ran++
		return nil, "ok", nil
	}}
	if err := sched.Register(context.Background(), job); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sched.SetEnabled(context.Background(), job.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	fixed.Set(time.Date(2026, 1, 1, 6, 0, 1, 0, time.UTC))
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ran != 0 {
		t.Fatalf("expected disabled job to not run, ran=%d", ran)
	}
}
