// Package pipeline implements the Orchestrator / Daily Pipeline: a fixed
// 7-step sequence that drives every other engine for one run, recording
// a StepRecord per step on the JobRun the scheduler created.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdesk/flgc/internal/alerts"
	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/forecast"
	"github.com/quantdesk/flgc/internal/governance"
	"github.com/quantdesk/flgc/internal/quality"
	"github.com/quantdesk/flgc/internal/stats"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/telemetry"
	"github.com/quantdesk/flgc/internal/tracker"
	"github.com/quantdesk/flgc/internal/workers"
	"github.com/quantdesk/flgc/pkg/model"
	"go.uber.org/zap"
)

// IntegrityChecker is the external collaborator step (1) delegates to;
// the pipeline only records its result.
type IntegrityChecker interface {
	Check(ctx context.Context, symbol model.Symbol) error
}

// ForecastSource supplies the model outputs the Snapshot Writer persists
// for one symbol's active (horizon, preset, role) combinations. Concrete
// forecasting models are a declared Non-goal; this is the narrow seam a
// real model-serving process plugs into.
type ForecastSource interface {
	ModelOutputs(ctx context.Context, symbol model.Symbol, asOf time.Time) ([]forecast.ModelOutput, error)
}

// TailStatsSource supplies the Monte Carlo P95 drawdown figure governance
// consumes as an opaque input. Running the simulation that produces it is
// out of scope; only the figure itself flows in here.
type TailStatsSource interface {
	McP95DD(ctx context.Context, symbol model.Symbol) (float64, error)
}

// Universe is the fixed set of symbols and cohort axes (horizon, preset,
// role) the pipeline evaluates every run. Unlike EnvironmentConfig, this
// is business data supplied by the caller (cmd/flgcd wiring or a config
// file of its own), not an ambient tunable.
type Universe struct {
	Symbols  []model.Symbol
	Horizons []model.Horizon
	Presets  []model.Preset
	Roles    []model.Role
}

// Pipeline is the Orchestrator that drives one daily run.
type Pipeline struct {
	logger  *zap.Logger
	clock   clock.Clock
	cfg     config.EnvironmentConfig
	universe Universe

	integrity IntegrityChecker
	forecasts ForecastSource
	tailStats TailStatsSource

	writer   *forecast.Writer
	tracker  *tracker.Tracker
	outcomes store.OutcomeStore

	cache       *stats.Cache
	governance  *governance.Machine
	governanceStore store.GovernanceStore
	alertGate   *alerts.Gate

	pool    *workers.Pool
	metrics *telemetry.Metrics

	// lastQuality/lastDrift hold the most recent QualityAndDrift verdict
	// per cohort, read back by the Governance and Alerts steps later in
	// the same run. Steps execute strictly sequentially (see Run), so no
	// locking is needed here.
	lastQuality map[model.CohortKey]model.QualityState
	lastDrift   map[model.CohortKey]model.DriftSeverity
}

// New wires a Pipeline from its collaborators. metrics may be nil.
func New(
	logger *zap.Logger,
	clk clock.Clock,
	cfg config.EnvironmentConfig,
	universe Universe,
	integrity IntegrityChecker,
	forecasts ForecastSource,
	tailStats TailStatsSource,
	writer *forecast.Writer,
	trk *tracker.Tracker,
	outcomes store.OutcomeStore,
	cache *stats.Cache,
	gov *governance.Machine,
	govStore store.GovernanceStore,
	gate *alerts.Gate,
	pool *workers.Pool,
	metrics *telemetry.Metrics,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger: logger, clock: clk, cfg: cfg, universe: universe,
		integrity: integrity, forecasts: forecasts, tailStats: tailStats,
		writer: writer, tracker: trk, outcomes: outcomes,
		cache: cache, governance: gov, governanceStore: govStore, alertGate: gate,
		pool: pool, metrics: metrics,
		lastQuality: make(map[model.CohortKey]model.QualityState),
		lastDrift:   make(map[model.CohortKey]model.DriftSeverity),
	}
}

// cohortKeys returns every (symbol, horizon, preset, role) cohort in the
// universe's cross product.
func (p *Pipeline) cohortKeys() []model.CohortKey {
	var out []model.CohortKey
	for _, sym := range p.universe.Symbols {
		for _, h := range p.universe.Horizons {
			for _, ps := range p.universe.Presets {
				for _, r := range p.universe.Roles {
					out = append(out, model.CohortKey{Symbol: sym, Horizon: h.Name, Preset: ps, Role: r})
				}
			}
		}
	}
	return out
}

// Run executes all seven steps in sequence, honoring ctx cancellation
// between steps, and returns the completed step records plus a one-line
// summary for the caller's JobRun.
func (p *Pipeline) Run(ctx context.Context) ([]model.StepRecord, string, error) {
	var steps []model.StepRecord
	failed := false
	cancelled := false

	run := func(name string, fn func(ctx context.Context) (int, error)) {
		if ctx.Err() != nil {
			cancelled = true
			steps = append(steps, model.StepRecord{Name: name, Status: model.StepSkipped, Note: "cancelled before start"})
			return
		}
		if failed {
			steps = append(steps, model.StepRecord{Name: name, Status: model.StepSkipped, Note: "upstream step failed"})
			return
		}
		start := p.clock.Now()
		count, err := fn(ctx)
		record := model.StepRecord{
			Name:       name,
			DurationMS: p.clock.Now().Sub(start).Milliseconds(),
			Count:      count,
		}
		if err != nil {
			record.Status = model.StepFailed
			record.Error = err.Error()
			failed = true
			p.logger.Warn("pipeline step failed", zap.String("step", name), zap.Error(err))
		} else {
			record.Status = model.StepSuccess
		}
		steps = append(steps, record)
		if p.metrics != nil {
			p.metrics.JobRunDuration.WithLabelValues(name).Observe(float64(record.DurationMS) / 1000)
		}
	}

	run("IntegrityCheck", p.stepIntegrityCheck)
	run("SnapshotWrite", p.stepSnapshotWrite)
	run("OutcomeResolve", p.stepOutcomeResolve)
	run("StatsRefresh", p.stepStatsRefresh)
	run("QualityAndDrift", p.stepQualityAndDrift)
	run("Governance", p.stepGovernance)
	run("Alerts", p.stepAlerts)

	summary := fmt.Sprintf("%d steps, failed=%v", len(steps), failed)
	if failed {
		return steps, summary, fmt.Errorf("pipeline: a step failed, see steps")
	}
	if cancelled {
		return steps, summary, ctx.Err()
	}
	return steps, summary, nil
}

func (p *Pipeline) stepIntegrityCheck(ctx context.Context) (int, error) {
	if p.integrity == nil {
		return 0, nil
	}
	if p.pool == nil {
		for _, symbol := range p.universe.Symbols {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if err := p.integrity.Check(ctx, symbol); err != nil {
				return 0, err
			}
		}
		return len(p.universe.Symbols), nil
	}
	err := p.pool.RunSymbols(ctx, p.universe.Symbols, func(ctx context.Context, symbol model.Symbol) error {
		return p.integrity.Check(ctx, symbol)
	})
	return len(p.universe.Symbols), err
}

func (p *Pipeline) stepSnapshotWrite(ctx context.Context) (int, error) {
	if p.forecasts == nil {
		return 0, nil
	}
	now := p.clock.Now()
	written := 0
	for _, symbol := range p.universe.Symbols {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		outputs, err := p.forecasts.ModelOutputs(ctx, symbol, now)
		if err != nil {
			return written, fmt.Errorf("model outputs for %s: %w", symbol, err)
		}
		for _, out := range outputs {
			if _, _, err := p.writer.Write(ctx, out); err != nil {
				return written, fmt.Errorf("write snapshot for %s/%s: %w", symbol, out.Horizon.Name, err)
			}
			written++
		}
	}
	return written, nil
}

func (p *Pipeline) stepOutcomeResolve(ctx context.Context) (int, error) {
	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		result, err := p.tracker.RunBatch(ctx, p.cfg.OutcomeBatchSize)
		if err != nil {
			return total, err
		}
		total += result.Processed
		if result.Processed < p.cfg.OutcomeBatchSize {
			return total, nil
		}
	}
}

func (p *Pipeline) stepStatsRefresh(ctx context.Context) (int, error) {
	now := p.clock.Now()
	refreshed := 0
	for _, key := range p.cohortKeys() {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		outcomes, err := p.outcomes.Query(ctx, store.OutcomeFilter{
			Symbol: key.Symbol, Horizon: key.Horizon, Preset: key.Preset, Role: key.Role,
		}, p.statsWindowSize())
		if err != nil {
			return refreshed, err
		}
		summary := stats.Compute(stats.PointsFrom(outcomes, now), p.cfg.OutcomeBatchSize, p.cfg.DecayTauDays, p.cfg.MinSamples)
		p.cache.Set(key, toCohortStats(key, summary))
		refreshed++
	}
	return refreshed, nil
}

// statsWindowSize bounds how much history StatsRefresh reads per cohort:
// enough to cover both the LIVE and VINTAGE halves QualityAndDrift
// compares.
func (p *Pipeline) statsWindowSize() int {
	return p.cfg.OutcomeBatchSize * 2
}

func toCohortStats(key model.CohortKey, s stats.Summary) model.CohortStats {
	return model.CohortStats{
		Key: key, WindowSize: s.N, Total: s.N, Wins: s.Wins, Losses: s.Losses, Draws: s.Draws,
		WinRate: s.WinRate, RollingWinRate: s.RollingWinRate, Expectancy: s.Expectancy,
		SharpeLike: s.SharpeLike, SharpeLikeDefined: s.SharpeLikeDefined, MaxDrawdown: s.MaxDrawdown,
		EffectiveSampleN: s.EffectiveSampleN, Stability: s.Stability, SampleCapped: !s.MeetsMinSamples,
	}
}

// liveVintageSplit divides a chronological outcome slice into its most
// recent rollingWindow points (LIVE) and everything before that
// (VINTAGE); see DESIGN.md for the boundary choice.
func liveVintageSplit(outcomes []model.ForecastOutcome, rollingWindow int) (live, vintage []model.ForecastOutcome) {
	if len(outcomes) <= rollingWindow {
		return outcomes, nil
	}
	cut := len(outcomes) - rollingWindow
	return outcomes[cut:], outcomes[:cut]
}

func avgConfidence(outcomes []model.ForecastOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var sum float64
	for _, o := range outcomes {
		sum += o.Confidence
	}
	return sum / float64(len(outcomes))
}

func (p *Pipeline) stepQualityAndDrift(ctx context.Context) (int, error) {
	now := p.clock.Now()
	evaluated := 0
	for _, key := range p.cohortKeys() {
		if ctx.Err() != nil {
			return evaluated, ctx.Err()
		}
		outcomes, err := p.outcomes.Query(ctx, store.OutcomeFilter{
			Symbol: key.Symbol, Horizon: key.Horizon, Preset: key.Preset, Role: key.Role,
		}, p.statsWindowSize())
		if err != nil {
			return evaluated, err
		}
		liveOutcomes, vintageOutcomes := liveVintageSplit(outcomes, p.cfg.OutcomeBatchSize)
		live := stats.Compute(stats.PointsFrom(liveOutcomes, now), p.cfg.OutcomeBatchSize, p.cfg.DecayTauDays, p.cfg.MinSamples)
		vintage := stats.Compute(stats.PointsFrom(vintageOutcomes, now), p.cfg.OutcomeBatchSize, p.cfg.DecayTauDays, p.cfg.MinSamples)

		q := quality.Quality(live, p.cfg.MinSamples)
		d := quality.Drift(live, vintage, avgConfidence(liveOutcomes), p.cfg.DriftThresholds)

		p.lastQuality[key] = q.State
		p.lastDrift[key] = d.Severity
		evaluated++
	}
	return evaluated, nil
}

func (p *Pipeline) stepGovernance(ctx context.Context) (int, error) {
	evaluated := 0
	now := p.clock.Now()
	for _, symbol := range p.universe.Symbols {
		if ctx.Err() != nil {
			return evaluated, ctx.Err()
		}
		worstQuality, worstDrift := p.worstForSymbol(symbol)
		mcP95DD := 0.0
		if p.tailStats != nil {
			v, err := p.tailStats.McP95DD(ctx, symbol)
			if err != nil {
				return evaluated, fmt.Errorf("tail stats for %s: %w", symbol, err)
			}
			mcP95DD = v
		}

		state, err := p.governanceStore.Get(ctx, symbol)
		if err != nil {
			return evaluated, err
		}
		state.Symbol = symbol
		next := p.governance.Evaluate(state, governance.Input{Drift: worstDrift, Quality: worstQuality, McP95DD: mcP95DD}, now)
		if err := p.governanceStore.Save(ctx, next); err != nil {
			return evaluated, err
		}
		if p.metrics != nil && next.Mode != state.Mode {
			p.metrics.GovernanceChanges.WithLabelValues(string(symbol), string(next.Mode)).Inc()
		}
		evaluated++
	}
	return evaluated, nil
}

func (p *Pipeline) stepAlerts(ctx context.Context) (int, error) {
	if p.alertGate == nil {
		return 0, nil
	}
	var candidates []alerts.Candidate
	for _, symbol := range p.universe.Symbols {
		qState, drift := p.worstForSymbol(symbol)
		if drift == model.DriftWarn || drift == model.DriftCritical {
			sev := model.SeverityHigh
			if drift == model.DriftCritical {
				sev = model.SeverityCritical
			}
			candidates = append(candidates, alerts.Candidate{Symbol: symbol, Type: model.AlertDrift, Severity: sev, KeyContext: string(drift)})
		}
		if qState == model.QualityWeak {
			candidates = append(candidates, alerts.Candidate{Symbol: symbol, Type: model.AlertHealthDrop, Severity: model.SeverityHigh, KeyContext: string(qState)})
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	sent, err := p.alertGate.ProcessBatch(ctx, candidates)
	return len(sent), err
}

func (p *Pipeline) worstForSymbol(symbol model.Symbol) (model.QualityState, model.DriftSeverity) {
	worstQuality := model.QualityGood
	worstDrift := model.DriftOK
	for _, key := range p.cohortKeys() {
		if key.Symbol != symbol {
			continue
		}
		if q, ok := p.lastQuality[key]; ok && qualityRank(q) > qualityRank(worstQuality) {
			worstQuality = q
		}
		if d, ok := p.lastDrift[key]; ok && driftRank(d) > driftRank(worstDrift) {
			worstDrift = d
		}
	}
	return worstQuality, worstDrift
}

func qualityRank(q model.QualityState) int {
	switch q {
	case model.QualityWeak:
		return 2
	case model.QualityNeutral:
		return 1
	default:
		return 0
	}
}

func driftRank(d model.DriftSeverity) int {
	switch d {
	case model.DriftCritical:
		return 3
	case model.DriftWarn:
		return 2
	case model.DriftWatch:
		return 1
	default:
		return 0
	}
}
