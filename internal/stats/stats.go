// Package stats implements the Rolling Statistics Engine: pure functions
// over an ordered stream of outcomes for one cohort, using
// gonum.org/v1/gonum/stat for means and standard deviations where it
// has a matching routine.
package stats

import (
	"math"
	"time"

	"github.com/quantdesk/flgc/pkg/model"
	"gonum.org/v1/gonum/stat"
)

// Point is one resolved outcome reduced to what the engine needs: its
// signed realized return and how many days ago it resolved (for decay
// weighting).
type Point struct {
	Return float64
	AgeDays float64
	Win     bool
	Draw    bool
}

// PointsFrom reduces a chronological outcome slice to Points, using asOf
// to compute each outcome's age.
func PointsFrom(outcomes []model.ForecastOutcome, asOf time.Time) []Point {
	pts := make([]Point, len(outcomes))
	for i, o := range outcomes {
		ret := signedReturn(o)
		pts[i] = Point{
			Return:  ret,
			AgeDays: asOf.Sub(o.ResolvedAt).Hours() / 24,
			Win:     o.Result == model.ResultWin,
			Draw:    o.Result == model.ResultDraw,
		}
	}
	return pts
}

// signedReturn expresses an outcome's move as a signed fraction of
// startPrice: positive if the real price moved in the predicted direction.
func signedReturn(o model.ForecastOutcome) float64 {
	move, _ := o.RealPrice.Sub(o.StartPrice).Div(o.StartPrice).Float64()
	if o.DirectionCorrect {
		return math.Abs(move)
	}
	if o.Result == model.ResultDraw {
		return 0
	}
	return -math.Abs(move)
}

// Summary is the full statistics bundle computed for one cohort.
type Summary struct {
	N                 int
	Wins, Losses, Draws int
	WinRate           float64
	RollingWinRate    float64
	Expectancy        float64
	MaxDrawdown       float64
	SharpeLike        float64
	SharpeLikeDefined bool
	EffectiveSampleN  float64
	Stability         float64
	MeetsMinSamples   bool
}

// Compute derives a Summary from pts (chronological order, oldest first),
// a trailing rollingWindow size, a decay time-constant tauDays used for
// the effective sample count, and the configured minSamples threshold.
func Compute(pts []Point, rollingWindow int, tauDays float64, minSamples int) Summary {
	n := len(pts)
	s := Summary{N: n}
	if n == 0 {
		return s
	}

	returns := make([]float64, n)
	for i, p := range pts {
		returns[i] = p.Return
		switch {
		case p.Draw:
			s.Draws++
		case p.Win:
			s.Wins++
		default:
			s.Losses++
		}
	}

	s.WinRate = hitRate(pts)
	s.RollingWinRate = rollingHitRate(pts, rollingWindow)
	s.Expectancy = stat.Mean(returns, nil)
	s.MaxDrawdown = maxDrawdown(returns)

	if n >= 2 {
		sd := stat.StdDev(returns, nil)
		if sd > 0 {
			s.SharpeLike = s.Expectancy / sd
			s.SharpeLikeDefined = true
		}
	}

	weights := make([]float64, n)
	for i, p := range pts {
		weights[i] = math.Exp(-p.AgeDays / tauDays)
	}
	s.EffectiveSampleN = effectiveSampleCount(weights)
	s.Stability = stability(pts, weights)
	s.MeetsMinSamples = n >= minSamples

	return s
}

// hitRate counts DRAWs in the total (the denominator) but not as wins —
// the total-outcomes-as-denominator rule, since a DRAW is still a
// resolved evaluation, just not a directional success.
func hitRate(pts []Point) float64 {
	if len(pts) == 0 {
		return 0
	}
	wins := 0
	for _, p := range pts {
		if p.Win {
			wins++
		}
	}
	return float64(wins) / float64(len(pts))
}

// rollingHitRate is hitRate restricted to the most recent window points.
func rollingHitRate(pts []Point, window int) float64 {
	if window <= 0 || window > len(pts) {
		window = len(pts)
	}
	return hitRate(pts[len(pts)-window:])
}

// maxDrawdown walks the cumulative signed-return series and returns the
// largest peak-to-trough decline.
func maxDrawdown(returns []float64) float64 {
	var cumulative, peak, maxDD float64
	for _, r := range returns {
		cumulative += r
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// effectiveSampleCount is (Σw)²/Σw² for decay weights w — the standard
// weighted-sample-size estimator.
func effectiveSampleCount(weights []float64) float64 {
	var sum, sumSq float64
	for _, w := range weights {
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return (sum * sum) / sumSq
}

// stability is 1 - 2*weightedStdDev(binary win outcomes): a win counts as
// 1 and every other result, draws included, counts as 0, each weighted by
// its decay weight.
func stability(pts []Point, weights []float64) float64 {
	n := len(pts)
	if n == 0 {
		return 0
	}
	binary := make([]float64, n)
	for i, p := range pts {
		if p.Win {
			binary[i] = 1
		}
	}
	mean := stat.Mean(binary, weights)
	var weightedVarSum, weightSum float64
	for i, b := range binary {
		d := b - mean
		weightedVarSum += weights[i] * d * d
		weightSum += weights[i]
	}
	if weightSum == 0 {
		return 0
	}
	sd := math.Sqrt(weightedVarSum / weightSum)
	return 1 - 2*sd
}
