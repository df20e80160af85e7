// Package command is the admin/read surface of the forecast lifecycle: a
// set of plain Go methods an operator process (a CLI, a REPL, a future
// transport adapter) calls directly, each returning a Result envelope
// instead of panicking or writing to an http.ResponseWriter. No router,
// no transport, no CORS — a deployment that wants an HTTP surface wires
// one around these methods itself.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/forecast"
	"github.com/quantdesk/flgc/internal/governance"
	"github.com/quantdesk/flgc/internal/quality"
	"github.com/quantdesk/flgc/internal/resolver"
	"github.com/quantdesk/flgc/internal/scheduler"
	"github.com/quantdesk/flgc/internal/stats"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/tracker"
	"github.com/quantdesk/flgc/pkg/model"
	"go.uber.org/zap"
)

// Result is the {ok, value, error} envelope every command returns.
type Result[T any] struct {
	OK    bool
	Value T
	Err   error
}

func ok[T any](v T) Result[T]          { return Result[T]{OK: true, Value: v} }
func fail[T any](err error) Result[T]  { var zero T; return Result[T]{OK: false, Value: zero, Err: err} }

// Commands wires the engines and stores each command operation delegates
// to. Every field is a narrow collaborator, not the whole process — a
// caller wires exactly what a given deployment needs.
type Commands struct {
	logger *zap.Logger
	clock  clock.Clock
	cfg    config.EnvironmentConfig

	writer   *forecast.Writer
	tracker  *tracker.Tracker
	outcomes store.OutcomeStore

	governanceStore store.GovernanceStore
	governance      *governance.Machine

	sched    *scheduler.Scheduler
	resolver *resolver.Resolver
}

// New wires a Commands surface. Any field may be left nil if the
// deployment does not expose that group of operations.
func New(
	logger *zap.Logger,
	clk clock.Clock,
	cfg config.EnvironmentConfig,
	writer *forecast.Writer,
	trk *tracker.Tracker,
	outcomes store.OutcomeStore,
	govStore store.GovernanceStore,
	gov *governance.Machine,
	sched *scheduler.Scheduler,
	res *resolver.Resolver,
) *Commands {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Commands{
		logger: logger, clock: clk, cfg: cfg,
		writer: writer, tracker: trk, outcomes: outcomes,
		governanceStore: govStore, governance: gov,
		sched: sched, resolver: res,
	}
}

// SnapshotCreateRequest is the input to snapshot.create: a symbol and
// the cross product of horizons/presets/roles to snapshot, as of asOf.
type SnapshotCreateRequest struct {
	Symbol   model.Symbol
	Horizons []model.Horizon
	Presets  []model.Preset
	Roles    []model.Role
	AsOf     time.Time // zero means "use the clock"

	// Build supplies the per-(horizon,preset,role) forecast the caller
	// wants snapshotted — concrete model serving is a caller
	// responsibility; direction/confidence/expectedMovePct/currentPrice
	// must already be computed by the time Build returns.
	Build func(h model.Horizon, p model.Preset, r model.Role) forecast.ModelOutput
}

// SnapshotCreateResult reports how many of the requested combinations
// were newly written versus already present (repeated calls with the
// same inputs are idempotent).
type SnapshotCreateResult struct {
	Written          int
	SkippedDuplicate int
}

// SnapshotCreate writes one snapshot per (horizon, preset, role)
// combination in req, idempotently.
func (c *Commands) SnapshotCreate(ctx context.Context, req SnapshotCreateRequest) Result[SnapshotCreateResult] {
	if c.writer == nil {
		return fail[SnapshotCreateResult](fmt.Errorf("command: snapshot writer not wired"))
	}
	if req.Build == nil {
		return fail[SnapshotCreateResult](fmt.Errorf("command: snapshot.create requires Build"))
	}
	var out SnapshotCreateResult
	for _, h := range req.Horizons {
		for _, p := range req.Presets {
			for _, r := range req.Roles {
				output := req.Build(h, p, r)
				output.Symbol = req.Symbol
				output.Horizon = h
				output.Preset = p
				output.Role = r
				if !req.AsOf.IsZero() {
					output.AsOf = req.AsOf
				}
				_, inserted, err := c.writer.Write(ctx, output)
				if err != nil {
					return fail[SnapshotCreateResult](err)
				}
				if inserted {
					out.Written++
				} else {
					out.SkippedDuplicate++
				}
			}
		}
	}
	return ok(out)
}

// OutcomeResolveDueResult tallies one outcome.resolveDue call: how many
// pending snapshots were resolved and how they were classified.
type OutcomeResolveDueResult struct {
	Processed int
	Wins      int
	Losses    int
	Errors    int
}

// OutcomeResolveDue drains every PENDING snapshot whose resolveAt has
// passed, in batches of the configured OutcomeBatchSize, classifying
// each as it resolves.
func (c *Commands) OutcomeResolveDue(ctx context.Context) Result[OutcomeResolveDueResult] {
	if c.tracker == nil {
		return fail[OutcomeResolveDueResult](fmt.Errorf("command: outcome tracker not wired"))
	}
	var out OutcomeResolveDueResult
	for {
		batch, err := c.tracker.RunBatch(ctx, c.cfg.OutcomeBatchSize)
		if err != nil {
			return fail[OutcomeResolveDueResult](err)
		}
		out.Processed += batch.Processed
		out.Wins += batch.Wins
		out.Losses += batch.Losses
		out.Errors += batch.Errors
		if batch.Processed < c.cfg.OutcomeBatchSize {
			return ok(out)
		}
	}
}

// StatsQuery computes the current CohortStats for one (symbol, horizon,
// preset, role) cohort over a trailing window of outcomes.
func (c *Commands) StatsQuery(ctx context.Context, symbol model.Symbol, horizon string, preset model.Preset, role model.Role, window int) Result[model.CohortStats] {
	if c.outcomes == nil {
		return fail[model.CohortStats](fmt.Errorf("command: outcome store not wired"))
	}
	if window <= 0 {
		window = c.cfg.OutcomeBatchSize
	}
	key := model.CohortKey{Symbol: symbol, Horizon: horizon, Preset: preset, Role: role}
	outcomes, err := c.outcomes.Query(ctx, store.OutcomeFilter{Symbol: symbol, Horizon: horizon, Preset: preset, Role: role}, window)
	if err != nil {
		return fail[model.CohortStats](err)
	}
	pts := stats.PointsFrom(outcomes, c.clock.Now())
	summary := stats.Compute(pts, window, c.cfg.DecayTauDays, c.cfg.MinSamples)
	return ok(toCohortStats(key, summary))
}

// DriftScope lists the cohorts drift.query scans for one symbol.
type DriftScope struct {
	Horizons []string
	Presets  []model.Preset
	Roles    []model.Role
}

// DriftComparison is one cohort's live-vs-vintage verdict.
type DriftComparison struct {
	Key    model.CohortKey
	Result quality.DriftResult
}

// DriftQueryResult is the outcome of a drift.query call: one comparison
// per cohort in scope, reduced to a single overall severity and a
// plain-language recommendation.
type DriftQueryResult struct {
	PerComparison   []DriftComparison
	OverallSeverity model.DriftSeverity
	Recommendation  string
}

// DriftQuery computes the live-vs-vintage drift verdict for every cohort
// in scope, under symbol, and reduces them to one overall severity.
func (c *Commands) DriftQuery(ctx context.Context, symbol model.Symbol, scope DriftScope) Result[DriftQueryResult] {
	if c.outcomes == nil {
		return fail[DriftQueryResult](fmt.Errorf("command: outcome store not wired"))
	}
	var out DriftQueryResult
	rollingWindow := c.cfg.OutcomeBatchSize
	for _, h := range scope.Horizons {
		for _, p := range scope.Presets {
			for _, r := range scope.Roles {
				key := model.CohortKey{Symbol: symbol, Horizon: h, Preset: p, Role: r}
				outcomes, err := c.outcomes.Query(ctx, store.OutcomeFilter{Symbol: symbol, Horizon: h, Preset: p, Role: r}, rollingWindow*2)
				if err != nil {
					return fail[DriftQueryResult](err)
				}
				live, vintage := liveVintageSplit(outcomes, rollingWindow)
				now := c.clock.Now()
				liveSummary := stats.Compute(stats.PointsFrom(live, now), rollingWindow, c.cfg.DecayTauDays, c.cfg.MinSamples)
				vintageSummary := stats.Compute(stats.PointsFrom(vintage, now), rollingWindow, c.cfg.DecayTauDays, c.cfg.MinSamples)
				drift := quality.Drift(liveSummary, vintageSummary, avgConfidence(live), c.cfg.DriftThresholds)
				out.PerComparison = append(out.PerComparison, DriftComparison{Key: key, Result: drift})
				if driftRank(drift.Severity) > driftRank(out.OverallSeverity) {
					out.OverallSeverity = drift.Severity
				}
			}
		}
	}
	out.Recommendation = recommendationFor(out.OverallSeverity)
	return ok(out)
}

// GovernanceGetResult is the current governance record for one symbol.
type GovernanceGetResult struct {
	Mode       model.GovernanceMode
	LatchUntil time.Time
	History    []model.GovernanceDecision
}

// GovernanceGet returns the current governance record for symbol.
func (c *Commands) GovernanceGet(ctx context.Context, symbol model.Symbol) Result[GovernanceGetResult] {
	if c.governanceStore == nil {
		return fail[GovernanceGetResult](fmt.Errorf("command: governance store not wired"))
	}
	state, err := c.governanceStore.Get(ctx, symbol)
	if err != nil {
		return fail[GovernanceGetResult](err)
	}
	return ok(GovernanceGetResult{Mode: state.Mode, LatchUntil: state.LatchUntil, History: state.History})
}

// GovernanceOverride lets an admin force symbol into mode, writing an
// audited history entry.
func (c *Commands) GovernanceOverride(ctx context.Context, symbol model.Symbol, mode model.GovernanceMode, actor, reason string) Result[model.GovernanceMode] {
	if c.governanceStore == nil {
		return fail[model.GovernanceMode](fmt.Errorf("command: governance store not wired"))
	}
	state, err := c.governanceStore.Get(ctx, symbol)
	if err != nil {
		return fail[model.GovernanceMode](err)
	}
	state.Symbol = symbol
	updated := governance.Override(state, mode, fmt.Sprintf("%s: %s", actor, reason), c.clock.Now())
	if err := c.governanceStore.Save(ctx, updated); err != nil {
		return fail[model.GovernanceMode](err)
	}
	c.logger.Info("governance overridden",
		zap.String("symbol", string(symbol)), zap.String("mode", string(mode)), zap.String("actor", actor))
	return ok(updated.Mode)
}

// SchedulerEnable enables jobID so it's eligible to run from Tick.
func (c *Commands) SchedulerEnable(ctx context.Context, jobID string) Result[store.SchedulerState] {
	return c.setEnabled(ctx, jobID, true)
}

// SchedulerDisable disables jobID.
func (c *Commands) SchedulerDisable(ctx context.Context, jobID string) Result[store.SchedulerState] {
	return c.setEnabled(ctx, jobID, false)
}

func (c *Commands) setEnabled(ctx context.Context, jobID string, enabled bool) Result[store.SchedulerState] {
	if c.sched == nil {
		return fail[store.SchedulerState](fmt.Errorf("command: scheduler not wired"))
	}
	if err := c.sched.SetEnabled(ctx, jobID, enabled); err != nil {
		return fail[store.SchedulerState](err)
	}
	state, _, err := c.sched.State(ctx, jobID)
	if err != nil {
		return fail[store.SchedulerState](err)
	}
	return ok(state)
}

// SchedulerRunNow triggers jobID immediately with a MANUAL trigger,
// regardless of its next scheduled time.
func (c *Commands) SchedulerRunNow(ctx context.Context, jobID string) Result[model.JobRun] {
	if c.sched == nil {
		return fail[model.JobRun](fmt.Errorf("command: scheduler not wired"))
	}
	run, err := c.sched.RunNow(ctx, jobID)
	if err != nil {
		return fail[model.JobRun](err)
	}
	return ok(run)
}

// ResolverQuery runs the Hierarchical Resolver for symbol, loading its
// current governance state and applying governance.ForcesAvoid,
// governance.EffectiveSizeCap, and governance.AllowsNewActivePosition
// automatically so a caller never has to re-derive the governance
// ceiling on a resolved signal by hand. role and policyHash identify the
// snapshot the caller intends the resolved action to open or continue,
// the same pair AllowsNewActivePosition checks against a FROZEN_ONLY
// symbol's frozen policy.
func (c *Commands) ResolverQuery(ctx context.Context, symbol model.Symbol, role model.Role, policyHash string, structureInputs, timingInputs []resolver.HorizonInput, mods resolver.Modifiers, tail resolver.TailStats, baseConfidence float64) Result[resolver.FinalResult] {
	if c.resolver == nil {
		return fail[resolver.FinalResult](fmt.Errorf("command: resolver not wired"))
	}
	if c.governanceStore == nil {
		return fail[resolver.FinalResult](fmt.Errorf("command: governance store not wired"))
	}
	state, err := c.governanceStore.Get(ctx, symbol)
	if err != nil {
		return fail[resolver.FinalResult](err)
	}

	governanceCap := governance.EffectiveSizeCap(state.Mode)
	forceAvoid := governance.ForcesAvoid(state.Mode)
	result := c.resolver.Resolve(structureInputs, timingInputs, mods, tail, baseConfidence, governanceCap, forceAvoid)

	if !forceAvoid && !governance.AllowsNewActivePosition(state, role, policyHash) &&
		(result.Action == resolver.FinalBuy || result.Action == resolver.FinalSell) {
		result.Action = resolver.FinalHold
		result.SizeMultiplier = 0
	}

	return ok(result)
}

func toCohortStats(key model.CohortKey, s stats.Summary) model.CohortStats {
	return model.CohortStats{
		Key: key, WindowSize: s.N, Total: s.N, Wins: s.Wins, Losses: s.Losses, Draws: s.Draws,
		WinRate: s.WinRate, RollingWinRate: s.RollingWinRate, Expectancy: s.Expectancy,
		SharpeLike: s.SharpeLike, SharpeLikeDefined: s.SharpeLikeDefined, MaxDrawdown: s.MaxDrawdown,
		EffectiveSampleN: s.EffectiveSampleN, Stability: s.Stability, SampleCapped: !s.MeetsMinSamples,
	}
}

// liveVintageSplit resolves the LIVE/VINTAGE cohort boundary as the
// trailing rollingWindow outcomes of one chronological query (same
// resolution the pipeline's StatsRefresh/QualityAndDrift steps use).
func liveVintageSplit(outcomes []model.ForecastOutcome, rollingWindow int) (live, vintage []model.ForecastOutcome) {
	if len(outcomes) <= rollingWindow {
		return outcomes, nil
	}
	boundary := len(outcomes) - rollingWindow
	return outcomes[boundary:], outcomes[:boundary]
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

func recommendationFor(sev model.DriftSeverity) string {
	switch sev {
	case model.DriftCritical:
		return "investigate immediately; consider governance override to FROZEN_ONLY or HALT"
	case model.DriftWarn:
		return "monitor closely; drift is approaching actionable thresholds"
	case model.DriftWatch:
		return "no action required; within expected variance"
	default:
		return "cohort performing in line with its vintage baseline"
	}
}
