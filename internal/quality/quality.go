// Package quality implements the Quality & Drift Engine: it buckets a
// cohort's rolling win rate into a QualityState and compares a LIVE
// cohort against a VINTAGE one to produce a DriftSeverity, using the same
// threshold-ladder shape a regime classifier would.
package quality

import (
	"math"

	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/stats"
	"github.com/quantdesk/flgc/pkg/model"
)

// QualityResult is the Quality & Drift Engine's per-cohort verdict.
type QualityResult struct {
	State        model.QualityState
	SampleCapped bool
}

// Quality classifies a cohort's quality state. Undefined (below
// minSamples) cohorts are reported NEUTRAL with SampleCapped=true;
// callers must not read that as a real NEUTRAL verdict.
func Quality(summary stats.Summary, minSamples int) QualityResult {
	if summary.N < minSamples {
		return QualityResult{State: model.QualityNeutral, SampleCapped: true}
	}
	switch {
	case summary.WinRate >= 0.60:
		return QualityResult{State: model.QualityGood}
	case summary.WinRate >= 0.50:
		return QualityResult{State: model.QualityNeutral}
	default:
		return QualityResult{State: model.QualityWeak}
	}
}

// DriftResult is the comparison of a LIVE cohort against a VINTAGE one.
type DriftResult struct {
	Severity         model.DriftSeverity
	Confidence       model.Confidence
	DeltaHitRatePP   float64
	DeltaSharpe      float64
	DeltaExpectancy  float64
	CalibrationError float64
}

// Drift compares live against vintage using thresholds, with avgConfidence
// the mean model confidence of the LIVE cohort's snapshots (used for
// calibrationError).
func Drift(live, vintage stats.Summary, avgConfidence float64, thresholds config.DriftThresholds) DriftResult {
	if live.N == 0 {
		return DriftResult{Severity: model.DriftCritical, Confidence: model.ConfidenceLow}
	}

	deltaHitPP := (live.WinRate - vintage.WinRate) * 100
	deltaSharpe := deltaSharpeLike(live, vintage)
	deltaExpectancy := live.Expectancy - vintage.Expectancy
	calibrationError := math.Abs(avgConfidence - live.WinRate)

	severity := model.DriftOK
	switch {
	case math.Abs(deltaHitPP) >= thresholds.CriticalHitRatePP ||
		deltaSharpe <= thresholds.CriticalSharpe ||
		deltaExpectancy <= thresholds.CriticalExpectancy:
		severity = model.DriftCritical
	case math.Abs(deltaHitPP) >= thresholds.WarnHitRatePP ||
		deltaSharpe <= thresholds.WarnSharpe ||
		deltaExpectancy <= thresholds.WarnExpectancy:
		severity = model.DriftWarn
	case math.Abs(deltaHitPP) >= thresholds.WatchHitRatePP ||
		deltaSharpe <= thresholds.WatchSharpe ||
		deltaExpectancy <= thresholds.WatchExpectancy:
		severity = model.DriftWatch
	}

	return DriftResult{
		Severity:         severity,
		Confidence:       confidenceFor(live.N),
		DeltaHitRatePP:   deltaHitPP,
		DeltaSharpe:      deltaSharpe,
		DeltaExpectancy:  deltaExpectancy,
		CalibrationError: calibrationError,
	}
}

func deltaSharpeLike(live, vintage stats.Summary) float64 {
	liveSharpe, vintageSharpe := 0.0, 0.0
	if live.SharpeLikeDefined {
		liveSharpe = live.SharpeLike
	}
	if vintage.SharpeLikeDefined {
		vintageSharpe = vintage.SharpeLike
	}
	return liveSharpe - vintageSharpe
}

func confidenceFor(liveN int) model.Confidence {
	switch {
	case liveN >= 90:
		return model.ConfidenceHigh
	case liveN >= 30:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}
