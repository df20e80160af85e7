package command

import (
	"context"
	"testing"
	"time"

	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/forecast"
	"github.com/quantdesk/flgc/internal/governance"
	"github.com/quantdesk/flgc/internal/oracle"
	"github.com/quantdesk/flgc/internal/resolver"
	"github.com/quantdesk/flgc/internal/scheduler"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/tracker"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newHarness(t *testing.T, now time.Time) (*Commands, *store.DB, *clock.Fixed) {
	t.Helper()
	db, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fixed := clock.NewFixed(now)
	cfg := config.Default()
	cfg.OutcomeBatchSize = 10
	cfg.MinSamples = 1

	writer := forecast.New(zap.NewNop(), fixed, db.Snapshots(), nil)
	fakeOracle := oracle.NewFake(24 * time.Hour)
	trk := tracker.New(zap.NewNop(), fixed, db.Snapshots(), db.Outcomes(), fakeOracle, nil)
	gov := governance.New(3)
	sched := scheduler.New(zap.NewNop(), fixed, db.Scheduler(), db.JobRuns(), 10*time.Minute, nil)
	res := resolver.New(cfg.ResolverWeights)

	cmds := New(zap.NewNop(), fixed, cfg, writer, trk, db.Outcomes(), db.Governance(), gov, sched, res)
	return cmds, db, fixed
}

func testHorizon() model.Horizon {
	return model.Horizon{Name: "7d", Days: 7, Tier: model.TierTactical}
}

func TestSnapshotCreateIsIdempotent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmds, _, _ := newHarness(t, now)

	req := SnapshotCreateRequest{
		Symbol:   "BTC",
		Horizons: []model.Horizon{testHorizon()},
		Presets:  []model.Preset{model.PresetBalanced},
		Roles:    []model.Role{model.RoleActive},
		AsOf:     now,
		Build: func(h model.Horizon, p model.Preset, r model.Role) forecast.ModelOutput {
			return forecast.ModelOutput{
				PolicyHash: "p1", EngineVersion: "v1",
				Direction: model.DirectionUp, Confidence: 0.72, ExpectedMovePct: 0.018,
				CurrentPrice: decimal.NewFromInt(68000), AsOf: now,
			}
		},
	}

	first := cmds.SnapshotCreate(context.Background(), req)
	if !first.OK || first.Value.Written != 1 || first.Value.SkippedDuplicate != 0 {
		t.Fatalf("expected first call to write 1, got %+v err=%v", first.Value, first.Err)
	}

	second := cmds.SnapshotCreate(context.Background(), req)
	if !second.OK || second.Value.Written != 0 || second.Value.SkippedDuplicate != 1 {
		t.Fatalf("expected second call to dedupe, got %+v err=%v", second.Value, second.Err)
	}
}

func TestStatsQueryReturnsZeroValueCohortWhenNoOutcomes(t *testing.T) {
	cmds, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	result := cmds.StatsQuery(context.Background(), "BTC", "7d", model.PresetBalanced, model.RoleActive, 0)
	if !result.OK {
		t.Fatalf("StatsQuery: %v", result.Err)
	}
	if result.Value.Total != 0 {
		t.Fatalf("expected empty cohort, got %+v", result.Value)
	}
}

func TestGovernanceGetReturnsNormalByDefault(t *testing.T) {
	cmds, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	result := cmds.GovernanceGet(context.Background(), "BTC")
	if !result.OK {
		t.Fatalf("GovernanceGet: %v", result.Err)
	}
	if result.Value.Mode != model.ModeNormal {
		t.Fatalf("expected NORMAL default, got %v", result.Value.Mode)
	}
}

func TestGovernanceOverrideWritesAuditedTransition(t *testing.T) {
	cmds, db, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	result := cmds.GovernanceOverride(context.Background(), "BTC", model.ModeFrozenOnly, "ops-oncall", "manual freeze for incident review")
	if !result.OK {
		t.Fatalf("GovernanceOverride: %v", result.Err)
	}
	if result.Value != model.ModeFrozenOnly {
		t.Fatalf("expected FROZEN_ONLY, got %v", result.Value)
	}

	stored, err := db.Governance().Get(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.History) != 1 || stored.History[0].Actor != "ADMIN" {
		t.Fatalf("expected one audited ADMIN decision, got %+v", stored.History)
	}
}

func TestSchedulerEnableFailsForUnregisteredJob(t *testing.T) {
	cmds, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	_ = cmds

	// SchedulerEnable/Disable require a job already registered on the
	// wired scheduler; exercised indirectly via scheduler package tests.
	// Here we only check the "unknown job" error path surfaces through
	// the Result envelope instead of panicking.
	result := cmds.SchedulerEnable(context.Background(), "does-not-exist")
	if result.OK {
		t.Fatalf("expected failure for unregistered job")
	}
}

func TestResolverQueryDefaultsToGovernanceNormal(t *testing.T) {
	cmds, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	result := cmds.ResolverQuery(context.Background(), "BTC", model.RoleActive, "", nil, nil, resolver.Modifiers{}, resolver.TailStats{}, 0.8)
	if !result.OK {
		t.Fatalf("ResolverQuery: %v", result.Err)
	}
	if result.Value.Action == resolver.FinalAvoid {
		t.Fatalf("expected a non-AVOID action under default NORMAL governance, got %s", result.Value.Action)
	}
}

func TestResolverQueryForcesAvoidUnderHalt(t *testing.T) {
	cmds, db, fixed := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	haltResult := cmds.GovernanceOverride(context.Background(), "BTC", model.ModeHalt, "admin", "incident response")
	if !haltResult.OK {
		t.Fatalf("GovernanceOverride: %v", haltResult.Err)
	}
	_ = db
	_ = fixed

	strongBull := []resolver.HorizonInput{
		{Horizon: model.Horizon{Name: "30d", Tier: model.TierStructure}, SignedEdge: 1, Confidence: 1, Reliability: 1},
	}
	result := cmds.ResolverQuery(context.Background(), "BTC", model.RoleActive, "", strongBull, strongBull, resolver.Modifiers{}, resolver.TailStats{}, 0.8)
	if !result.OK {
		t.Fatalf("ResolverQuery: %v", result.Err)
	}
	if result.Value.Action != resolver.FinalAvoid {
		t.Fatalf("expected AVOID under HALT governance regardless of edge strength, got %s", result.Value.Action)
	}
	if result.Value.SizeMultiplier != 0 {
		t.Fatalf("expected SizeMultiplier=0 under HALT, got %v", result.Value.SizeMultiplier)
	}
}
