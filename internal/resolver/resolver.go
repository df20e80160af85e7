// Package resolver implements the Hierarchical Resolver: a deterministic,
// in-memory aggregation of per-horizon signals into a Bias, Timing, and
// Final trading decision, combining a weighted-contribution aggregation
// stage with a modifier-clamping sizing stage over a three-tier horizon
// structure.
package resolver

import (
	"math"
	"sort"

	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/pkg/model"
)

// HorizonInput is one horizon's contribution to the aggregate.
type HorizonInput struct {
	Horizon     model.Horizon
	SignedEdge  float64 // in [-1, 1]
	Confidence  float64 // in [0, 1]
	Reliability float64 // in [0, 1]
	PhaseRisk   float64 // in [0, 1]
	Blockers    []string
}

// Direction is the Bias/Timing stage's directional verdict.
type Direction string

const (
	DirBull    Direction = "BULL"
	DirBear    Direction = "BEAR"
	DirNeutral Direction = "NEUTRAL"
)

// TimingAction is the Timing stage's verdict.
type TimingAction string

const (
	ActionEnter TimingAction = "ENTER"
	ActionWait  TimingAction = "WAIT"
	ActionExit  TimingAction = "EXIT"
)

// FinalMode classifies how the Bias and Timing stages agreed.
type FinalMode string

const (
	ModeTrendFollow FinalMode = "TREND_FOLLOW"
	ModeCounterTrend FinalMode = "COUNTER_TREND"
	ModeHold        FinalMode = "HOLD"
)

// FinalAction is the resolver's ultimate recommendation.
type FinalAction string

const (
	FinalBuy   FinalAction = "BUY"
	FinalSell  FinalAction = "SELL"
	FinalHold  FinalAction = "HOLD"
	FinalAvoid FinalAction = "AVOID"
)

// DivergenceGrade buckets |edgeA - edgeB| into a penalty tier; the cut
// points are resolved in DESIGN.md.
type DivergenceGrade string

const (
	GradeA DivergenceGrade = "A"
	GradeB DivergenceGrade = "B"
	GradeC DivergenceGrade = "C"
	GradeD DivergenceGrade = "D"
	GradeF DivergenceGrade = "F"
)

// DivergenceGradeOf buckets the absolute edge divergence between two
// opinions (e.g. two engines scoring the same horizon) into a grade.
func DivergenceGradeOf(edgeA, edgeB float64) DivergenceGrade {
	diff := math.Abs(edgeA - edgeB)
	switch {
	case diff < 0.05:
		return GradeA
	case diff < 0.15:
		return GradeB
	case diff < 0.30:
		return GradeC
	case diff < 0.50:
		return GradeD
	default:
		return GradeF
	}
}

func divergencePenalty(g DivergenceGrade) float64 {
	switch g {
	case GradeA:
		return 1.05
	case GradeB:
		return 1.00
	case GradeC:
		return 0.95
	case GradeD:
		return 0.85
	default:
		return 0.70
	}
}

// Modifiers are the market-regime flags that adjust tier weights before
// the Bias/Timing aggregation.
type Modifiers struct {
	VolShock      bool
	BearDrawdown  bool
	Divergence    DivergenceGrade
}

// TailStats carries the Monte-Carlo / walk-forward tail figures the Final
// stage's tailPenalty step function consumes.
type TailStats struct {
	Entropy   float64 // in [0, 1]
	McP95DD   float64
	MaxDDWF   float64
}

// StageResult is the Bias or Timing stage's output.
type StageResult struct {
	Score           float64
	Direction       Direction
	Strength        float64
	DominantHorizon string
}

// FinalResult is the resolver's overall verdict.
type FinalResult struct {
	Bias           StageResult
	Timing         StageResult
	TimingAction   TimingAction
	Mode           FinalMode
	Action         FinalAction
	SizeMultiplier float64
	Confidence     float64
	Blockers       []string
}

// Resolver runs the three-stage aggregation over a fixed ResolverWeights
// configuration.
type Resolver struct {
	weights config.ResolverWeights
}

// New builds a Resolver configured with weights (use
// config.Default().ResolverWeights for the baseline tier weights).
func New(weights config.ResolverWeights) *Resolver {
	return &Resolver{weights: weights}
}

// horizonOrderIndex returns the tie-break rank of a horizon name, per
// model.CanonicalHorizonOrder; unknown names sort last, stably.
func horizonOrderIndex(name string) int {
	for i, n := range model.CanonicalHorizonOrder {
		if n == name {
			return i
		}
	}
	return len(model.CanonicalHorizonOrder)
}

// contribution computes one horizon's weighted, modifier-adjusted,
// divergence-penalized contribution to a stage's score.
func (r *Resolver) contribution(in HorizonInput, baseWeight float64, mods Modifiers) float64 {
	weight := baseWeight
	switch in.Horizon.Tier {
	case model.TierStructure:
		if mods.VolShock {
			weight *= r.weights.VolShockStructureMult
		}
		if mods.BearDrawdown {
			weight *= r.weights.BearDrawdownStructureMult
		}
	case model.TierTiming:
		if mods.VolShock {
			weight *= r.weights.VolShockTimingMult
		}
	}
	weight *= divergencePenalty(mods.Divergence)

	return weight * in.SignedEdge * in.Confidence * in.Reliability * (1 - in.PhaseRisk)
}

// renormalizedWeight returns the base tier weight for tiers present in
// inputs, renormalized so the present tiers' weights sum to 1.
func (r *Resolver) renormalizedWeight(tier model.Tier, present map[model.Tier]bool) float64 {
	base := map[model.Tier]float64{
		model.TierStructure: r.weights.Structure,
		model.TierTactical:  r.weights.Tactical,
		model.TierTiming:    r.weights.Timing,
	}
	var sum float64
	for t, isPresent := range present {
		if isPresent {
			sum += base[t]
		}
	}
	if sum == 0 {
		return 0
	}
	return base[tier] / sum
}

// runStage implements the shared Bias/Timing aggregation formula over
// whichever tiers the caller includes in inputs.
func (r *Resolver) runStage(inputs []HorizonInput, mods Modifiers, tau float64) StageResult {
	if len(inputs) == 0 {
		return StageResult{Direction: DirNeutral}
	}

	present := map[model.Tier]bool{}
	for _, in := range inputs {
		present[in.Horizon.Tier] = true
	}

	sorted := make([]HorizonInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return horizonOrderIndex(sorted[i].Horizon.Name) < horizonOrderIndex(sorted[j].Horizon.Name)
	})

	var score float64
	var dominantName string
	var dominantAbs float64 = -1
	for _, in := range sorted {
		baseWeight := r.renormalizedWeight(in.Horizon.Tier, present)
		c := r.contribution(in, baseWeight, mods)
		score += c
		if abs := math.Abs(c); abs > dominantAbs {
			dominantAbs = abs
			dominantName = in.Horizon.Name
		}
	}

	dir := DirNeutral
	switch {
	case score > tau:
		dir = DirBull
	case score < -tau:
		dir = DirBear
	}

	return StageResult{
		Score:           score,
		Direction:       dir,
		Strength:        math.Min(math.Abs(score), 1),
		DominantHorizon: dominantName,
	}
}

// Resolve runs the full Bias -> Timing -> Final pipeline. structureInputs
// must be STRUCTURE-tier horizons; timingInputs TIMING/TACTICAL-tier.
// baseConfidence is the snapshot-level confidence the Final stage must
// never inflate past. governanceCap is a sizeMultiplier ceiling from the
// current governance mode (1.0 when NORMAL). forceAvoid is
// governance.ForcesAvoid(mode) for the symbol being resolved: when true,
// the bias/timing computation never runs and the result is always
// action=AVOID, sizeMultiplier=0 — AVOID is terminal, never a function
// of how strong the underlying edges are.
func (r *Resolver) Resolve(structureInputs, timingInputs []HorizonInput, mods Modifiers, tail TailStats, baseConfidence, governanceCap float64, forceAvoid bool) FinalResult {
	if forceAvoid {
		return FinalResult{
			Bias:         StageResult{Direction: DirNeutral},
			Timing:       StageResult{Direction: DirNeutral},
			TimingAction: ActionWait,
			Mode:         ModeHold,
			Action:       FinalAvoid,
		}
	}

	if governanceCap > 1.0 {
		governanceCap = 1.0
	}

	bias := r.runStage(structureInputs, mods, r.weights.BiasThreshold)
	timing := r.runStage(timingInputs, mods, r.weights.TimingThreshold)

	var blockers []string
	for _, in := range timingInputs {
		blockers = append(blockers, in.Blockers...)
	}

	timingAction := ActionWait
	switch timing.Direction {
	case DirBull:
		timingAction = ActionEnter
	case DirBear:
		timingAction = ActionExit
	}

	mode, action := finalModeAndAction(bias, timing)

	entropyPenalty := math.Min(tail.Entropy, 1)
	tailPenalty := tailPenaltyFor(tail.McP95DD)

	sizeMultiplier := bias.Strength
	if mode == ModeCounterTrend {
		sizeMultiplier = timing.Strength * 0.5
	}
	sizeMultiplier *= (1 - entropyPenalty) * (1 - tailPenalty) * governanceCap
	sizeMultiplier = clamp01(sizeMultiplier)

	// Golden invariant: no stage may inflate confidence past baseConfidence.
	// Disagreement between Bias and Timing only ever reduces it.
	confidence := baseConfidence
	if mode != ModeTrendFollow {
		confidence *= 0.5
	}

	return FinalResult{
		Bias:           bias,
		Timing:         timing,
		TimingAction:   timingAction,
		Mode:           mode,
		Action:         action,
		SizeMultiplier: sizeMultiplier,
		Confidence:     confidence,
		Blockers:       blockers,
	}
}

func finalModeAndAction(bias, timing StageResult) (FinalMode, FinalAction) {
	biasSign := signOf(bias.Direction)
	timingSign := signOf(timing.Direction)

	if biasSign != 0 && biasSign == timingSign {
		action := FinalHold
		switch bias.Direction {
		case DirBull:
			action = FinalBuy
		case DirBear:
			action = FinalSell
		}
		return ModeTrendFollow, action
	}

	// Disagreement "with similar strength": within 0.15 of each other,
	// both non-trivial — a deliberately explicit bound for an otherwise
	// undefined "similar".
	// Counter-trend: Timing disagrees with Bias but is strong enough to
	// act on — take the reduced-size position Timing calls for rather
	// than sit out, since sizeMultiplier is computed from timing.Strength
	// for this mode precisely so it can size a live position.
	if biasSign != 0 && timingSign != 0 && biasSign != timingSign &&
		math.Abs(bias.Strength-timing.Strength) < 0.15 {
		action := FinalHold
		switch timing.Direction {
		case DirBull:
			action = FinalBuy
		case DirBear:
			action = FinalSell
		}
		return ModeCounterTrend, action
	}

	return ModeHold, FinalHold
}

func signOf(d Direction) int {
	switch d {
	case DirBull:
		return 1
	case DirBear:
		return -1
	default:
		return 0
	}
}

func tailPenaltyFor(mcP95DD float64) float64 {
	switch {
	case mcP95DD < 0.25:
		return 0
	case mcP95DD < 0.40:
		return 0.3
	case mcP95DD < 0.55:
		return 0.6
	default:
		return 0.9
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
