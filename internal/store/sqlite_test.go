package store

import (
	"context"
	"testing"
	"time"

	"github.com/quantdesk/flgc/internal/errs"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleSnapshot(fp string, resolveAt time.Time) model.ForecastSnapshot {
	return model.ForecastSnapshot{
		Fingerprint:     fp,
		Symbol:          "BTC",
		Horizon:         model.Horizon{Name: "7d", Days: 7, Tier: model.TierTactical},
		Preset:          model.PresetBalanced,
		Role:            model.RoleActive,
		PolicyHash:      "p1",
		EngineVersion:   "v1",
		CreatedAt:       resolveAt.Add(-7 * 24 * time.Hour),
		ResolveAt:       resolveAt,
		StartPrice:      decimal.NewFromInt(100),
		TargetPrice:     decimal.NewFromInt(105),
		ExpectedMovePct: 0.05,
		Direction:       model.DirectionUp,
		Confidence:      0.6,
		Evaluation:      model.Evaluation{Status: model.StatusPending},
	}
}

func TestSnapshotPutIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	snaps := db.Snapshots()

	snap := sampleSnapshot("fp1", time.Now())
	inserted, err := snaps.Put(ctx, snap)
	if err != nil || !inserted {
		t.Fatalf("first Put: inserted=%v err=%v", inserted, err)
	}

	inserted, err = snaps.Put(ctx, snap)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if inserted {
		t.Fatalf("second Put should not report inserted")
	}
}

func TestSnapshotResolveCompareAndSet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	snaps := db.Snapshots()

	snap := sampleSnapshot("fp2", time.Now())
	if _, err := snaps.Put(ctx, snap); err != nil {
		t.Fatalf("Put: %v", err)
	}

	eval := model.Evaluation{
		RealPrice:  decimal.NewFromInt(106),
		Result:     model.ResultWin,
		Deviation:  0.01,
		ResolvedAt: time.Now(),
	}
	if err := snaps.Resolve(ctx, "fp2", eval); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	err := snaps.Resolve(ctx, "fp2", eval)
	if !errs.IsKind(err, errs.KindConcurrency) {
		t.Fatalf("expected concurrency-kind error on double resolve, got %v", err)
	}

	got, found, err := snaps.Get(ctx, "fp2")
	if err != nil || !found {
		t.Fatalf("Get after resolve: found=%v err=%v", found, err)
	}
	if got.Evaluation.Status != model.StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", got.Evaluation.Status)
	}
	if got.Evaluation.Result != model.ResultWin {
		t.Fatalf("expected WIN, got %s", got.Evaluation.Result)
	}
}

func TestSnapshotResolveUnknownFingerprint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	err := db.Snapshots().Resolve(ctx, "nope", model.Evaluation{ResolvedAt: time.Now()})
	if !errs.IsKind(err, errs.KindContractViolation) {
		t.Fatalf("expected contract violation for unknown fingerprint, got %v", err)
	}
}

func TestListPendingOrdersByResolveAt(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	snaps := db.Snapshots()
	now := time.Now()

	_, _ = snaps.Put(ctx, sampleSnapshot("later", now.Add(2*time.Hour)))
	_, _ = snaps.Put(ctx, sampleSnapshot("sooner", now.Add(1*time.Hour)))

	pending, err := snaps.ListPending(ctx, now.Add(3*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Fingerprint != "sooner" {
		t.Fatalf("expected sooner first, got %s", pending[0].Fingerprint)
	}
}

func TestOutcomeQueryReturnsChronological(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	outs := db.Outcomes()
	base := time.Now()

	mk := func(ref string, resolvedAt time.Time) model.ForecastOutcome {
		return model.ForecastOutcome{
			SnapshotRef:  ref,
			Symbol:       "BTC",
			Horizon:      model.Horizon{Name: "7d", Days: 7, Tier: model.TierTactical},
			Preset:       model.PresetBalanced,
			Role:         model.RoleActive,
			StartPrice:   decimal.NewFromInt(100),
			TargetPrice:  decimal.NewFromInt(105),
			RealPrice:    decimal.NewFromInt(106),
			Result:       model.ResultWin,
			CreatedAt:    base,
			ResolvedAt:   resolvedAt,
		}
	}

	_, _ = outs.Put(ctx, mk("o2", base.Add(2*time.Hour)))
	_, _ = outs.Put(ctx, mk("o1", base.Add(1*time.Hour)))

	got, err := outs.Query(ctx, OutcomeFilter{Symbol: "BTC"}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].SnapshotRef != "o1" || got[1].SnapshotRef != "o2" {
		t.Fatalf("expected chronological [o1,o2], got %+v", got)
	}
}

func TestSchedulerTryAcquireIsExclusive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	sched := db.Scheduler()
	now := time.Now()

	ok, err := sched.TryAcquire(ctx, "daily-pipeline", "owner-a", "run-1", now, 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = sched.TryAcquire(ctx, "daily-pipeline", "owner-b", "run-2", now.Add(time.Minute), 10*time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("second acquire should fail while lease is live")
	}

	ok, err = sched.TryAcquire(ctx, "daily-pipeline", "owner-b", "run-3", now.Add(11*time.Minute), 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestGovernanceDefaultsToNormal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	state, err := db.Governance().Get(ctx, "ETH")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.Mode != model.ModeNormal {
		t.Fatalf("expected NORMAL default, got %s", state.Mode)
	}
}

func TestGovernanceSaveRoundTripsHistory(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	gov := db.Governance()

	state := model.GovernanceState{
		Symbol: "ETH",
		Mode:   model.ModeProtection,
		History: []model.GovernanceDecision{
			{Mode: model.ModeProtection, Actor: "SYSTEM", Reason: "drift critical", At: time.Now()},
		},
	}
	if err := gov.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := gov.Get(ctx, "ETH")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Mode != model.ModeProtection || len(got.History) != 1 {
		t.Fatalf("unexpected round-trip: %+v", got)
	}
}

func TestJobRunRunningForFindsOnlyRunningRow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	runs := db.JobRuns()
	now := time.Now()

	done := model.JobRun{RunID: "r1", JobID: "daily", Trigger: model.TriggerCron, StartedAt: now, Status: model.JobSuccess, FinishedAt: now}
	running := model.JobRun{RunID: "r2", JobID: "daily", Trigger: model.TriggerManual, StartedAt: now.Add(time.Minute), Status: model.JobRunning}

	if err := runs.Create(ctx, done); err != nil {
		t.Fatalf("Create done: %v", err)
	}
	if err := runs.Create(ctx, running); err != nil {
		t.Fatalf("Create running: %v", err)
	}

	got, found, err := runs.RunningFor(ctx, "daily")
	if err != nil || !found {
		t.Fatalf("RunningFor: found=%v err=%v", found, err)
	}
	if got.RunID != "r2" {
		t.Fatalf("expected r2, got %s", got.RunID)
	}
}

func TestAlertLogRecentFiltersBySince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	log := db.Alerts()
	now := time.Now()

	_ = log.Append(ctx, model.AlertEvent{Symbol: "BTC", Type: model.AlertDrift, Severity: model.SeverityHigh, Fingerprint: "a1", TriggeredAt: now.Add(-2 * time.Hour)})
	_ = log.Append(ctx, model.AlertEvent{Symbol: "BTC", Type: model.AlertDrift, Severity: model.SeverityHigh, Fingerprint: "a2", TriggeredAt: now})

	recent, err := log.Recent(ctx, "BTC", now.Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Fingerprint != "a2" {
		t.Fatalf("expected only a2, got %+v", recent)
	}
}
