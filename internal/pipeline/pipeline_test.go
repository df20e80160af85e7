package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantdesk/flgc/internal/alerts"
	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/forecast"
	"github.com/quantdesk/flgc/internal/governance"
	"github.com/quantdesk/flgc/internal/oracle"
	"github.com/quantdesk/flgc/internal/stats"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/tracker"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeForecastSource struct {
	outputs map[model.Symbol][]forecast.ModelOutput
	err     error
}

func (f *fakeForecastSource) ModelOutputs(ctx context.Context, symbol model.Symbol, asOf time.Time) ([]forecast.ModelOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs[symbol], nil
}

type fakeTailStats struct{ value float64 }

func (f fakeTailStats) McP95DD(ctx context.Context, symbol model.Symbol) (float64, error) {
	return f.value, nil
}

func testUniverse() Universe {
	return Universe{
		Symbols:  []model.Symbol{"BTC"},
		Horizons: []model.Horizon{{Name: "7d", Days: 7, Tier: model.TierTactical}},
		Presets:  []model.Preset{model.PresetBalanced},
		Roles:    []model.Role{model.RoleActive},
	}
}

func newHarness(t *testing.T, now time.Time, fc *fakeForecastSource) (*Pipeline, *store.DB, *clock.Fixed) {
	t.Helper()
	db, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fixed := clock.NewFixed(now)
	cfg := config.Default()
	cfg.OutcomeBatchSize = 10
	cfg.MinSamples = 5

	writer := forecast.New(zap.NewNop(), fixed, db.Snapshots(), nil)
	fakeOracle := oracle.NewFake(24 * time.Hour)
	trk := tracker.New(zap.NewNop(), fixed, db.Snapshots(), db.Outcomes(), fakeOracle, nil)
	cache := stats.NewCache()
	gov := governance.New(3)
	gate := alerts.New(zap.NewNop(), fixed, db.Alerts(), cfg, 5, nil)

	var source ForecastSource
	if fc != nil {
		source = fc
	}

	p := New(zap.NewNop(), fixed, cfg, testUniverse(), nil, source, fakeTailStats{value: 0.1},
		writer, trk, db.Outcomes(), cache, gov, db.Governance(), gate, nil, nil)
	return p, db, fixed
}

func TestRunAllStepsSucceedWithNoPendingWork(t *testing.T) {
	p, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	steps, _, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(steps) != 7 {
		t.Fatalf("expected 7 steps, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Status != model.StepSuccess {
			t.Fatalf("expected step %s to succeed, got %v (%s)", s.Name, s.Status, s.Error)
		}
	}
}

func TestRunSkipsDownstreamStepsAfterSnapshotWriteFailure(t *testing.T) {
	boom := errors.New("model source down")
	p, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), &fakeForecastSource{err: boom})

	steps, _, err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected Run to report failure")
	}

	byName := map[string]model.StepRecord{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	if byName["SnapshotWrite"].Status != model.StepFailed {
		t.Fatalf("expected SnapshotWrite FAILED, got %v", byName["SnapshotWrite"].Status)
	}
	if byName["OutcomeResolve"].Status != model.StepSkipped {
		t.Fatalf("expected OutcomeResolve SKIPPED after upstream failure, got %v", byName["OutcomeResolve"].Status)
	}
	if byName["Alerts"].Status != model.StepSkipped {
		t.Fatalf("expected Alerts SKIPPED after upstream failure, got %v", byName["Alerts"].Status)
	}
}

func TestRunWritesSnapshotsFromForecastSource(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := &fakeForecastSource{outputs: map[model.Symbol][]forecast.ModelOutput{
		"BTC": {{
			Symbol: "BTC", Horizon: model.Horizon{Name: "7d", Days: 7, Tier: model.TierTactical},
			Preset: model.PresetBalanced, Role: model.RoleActive, PolicyHash: "p1", EngineVersion: "v1",
			Direction: model.DirectionUp, Confidence: 0.7, ExpectedMovePct: 0.05,
			CurrentPrice: decimal.NewFromInt(100), AsOf: now,
		}},
	}}
	p, db, _ := newHarness(t, now, fc)

	steps, _, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	byName := map[string]model.StepRecord{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	if byName["SnapshotWrite"].Count != 1 {
		t.Fatalf("expected 1 snapshot written, got %d", byName["SnapshotWrite"].Count)
	}

	list, err := db.Snapshots().List(context.Background(), store.SnapshotFilter{Symbol: "BTC"}, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 persisted snapshot, got %d", len(list))
	}
}

func TestRunCancelsBetweenSteps(t *testing.T) {
	p, _, _ := newHarness(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	steps, _, err := p.Run(ctx)
	if err == nil {
		t.Fatalf("expected cancelled run to report an error")
	}
	if steps[0].Status != model.StepSkipped {
		t.Fatalf("expected first step skipped when ctx is already cancelled, got %v", steps[0].Status)
	}
}
