// Package tracker implements the Outcome Tracker: it batches due
// snapshots, resolves them against the price oracle, and writes outcomes
// through a resolve/put critical section backed by a linearizable
// compare-and-set store.
package tracker

import (
	"context"
	"time"

	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/errs"
	"github.com/quantdesk/flgc/internal/oracle"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/telemetry"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// JobID is the scheduler lease key the tracker acquires before each run.
const JobID = "outcome-tracker"

// epsilon is the minimum realized move magnitude (as a fraction of
// startPrice) below which a snapshot resolves DRAW regardless of sign.
const epsilon = 0.001

// BatchResult summarizes one tracker pass, logged at the end of each run.
type BatchResult struct {
	Processed int
	Wins      int
	Losses    int
	Draws     int
	Errors    int
}

// Tracker is the Outcome Tracker.
type Tracker struct {
	logger   *zap.Logger
	clock    clock.Clock
	snaps    store.SnapshotStore
	outcomes store.OutcomeStore
	oracle   oracle.PriceOracle
	metrics  *telemetry.Metrics
}

// New builds a Tracker. metrics may be nil in tests.
func New(logger *zap.Logger, clk clock.Clock, snaps store.SnapshotStore, outcomes store.OutcomeStore, priceOracle oracle.PriceOracle, metrics *telemetry.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{logger: logger, clock: clk, snaps: snaps, outcomes: outcomes, oracle: priceOracle, metrics: metrics}
}

// RunBatch fetches up to batchSize due snapshots and resolves each one. It
// does not acquire the scheduler lease itself — the scheduler/orchestrator
// wraps the call with store.SchedulerStore.TryAcquire(JobID, ...).
func (t *Tracker) RunBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	now := t.clock.Now()
	pending, err := t.snaps.ListPending(ctx, now, batchSize)
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, snap := range pending {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		result, err := t.resolveOne(ctx, snap, now)
		if err != nil {
			if errs.IsKind(err, errs.KindTransient) {
				// Price unavailable or a store hiccup: leave PENDING, try
				// again next run. Not counted as a hard error.
				continue
			}
			res.Errors++
			t.logger.Warn("tracker: failed to resolve snapshot",
				zap.String("fingerprint", snap.Fingerprint), zap.Error(err))
			if t.metrics != nil {
				t.metrics.TrackerErrors.Inc()
			}
			continue
		}

		res.Processed++
		switch result {
		case model.ResultWin:
			res.Wins++
		case model.ResultLoss:
			res.Losses++
		case model.ResultDraw:
			res.Draws++
		}
	}

	t.logger.Info("tracker batch complete",
		zap.Int("processed", res.Processed), zap.Int("wins", res.Wins),
		zap.Int("losses", res.Losses), zap.Int("draws", res.Draws), zap.Int("errors", res.Errors))
	return res, nil
}

// resolveOne runs the §4.5 step 3-5 critical section for one snapshot and
// returns the classified result.
func (t *Tracker) resolveOne(ctx context.Context, snap model.ForecastSnapshot, now time.Time) (model.Result, error) {
	quote, err := t.oracle.PriceAt(ctx, snap.Symbol, snap.ResolveAt)
	if err != nil {
		return "", err
	}

	eval := classify(snap, quote.Price, now)

	if err := t.snaps.Resolve(ctx, snap.Fingerprint, eval); err != nil {
		if err == errs.AlreadyResolved {
			// Someone else resolved it first in a concurrent run; ensure
			// the outcome exists too by reading the now-RESOLVED snapshot
			// back, so a retry after losing the race is still idempotent.
			resolved, found, getErr := t.snaps.Get(ctx, snap.Fingerprint)
			if getErr != nil || !found {
				return "", err
			}
			if putErr := t.putOutcome(ctx, resolved); putErr != nil {
				return "", putErr
			}
			return resolved.Evaluation.Result, nil
		}
		return "", err
	}

	snap.Evaluation = eval
	if t.metrics != nil {
		t.metrics.OutcomesResolved.WithLabelValues(string(snap.Symbol), string(eval.Result)).Inc()
	}
	if err := t.putOutcome(ctx, snap); err != nil {
		// The resolve already committed; a failed outcome put is
		// recovered by the next run re-reading the resolved snapshot.
		return "", err
	}
	return eval.Result, nil
}

func (t *Tracker) putOutcome(ctx context.Context, snap model.ForecastSnapshot) error {
	out := model.ForecastOutcome{
		SnapshotRef:      snap.Fingerprint,
		Symbol:           snap.Symbol,
		Horizon:          snap.Horizon,
		Preset:           snap.Preset,
		Role:             snap.Role,
		StartPrice:       snap.StartPrice,
		TargetPrice:      snap.TargetPrice,
		RealPrice:        snap.Evaluation.RealPrice,
		Result:           snap.Evaluation.Result,
		DirectionCorrect: snap.Evaluation.Result == model.ResultWin,
		Deviation:        snap.Evaluation.Deviation,
		Confidence:       snap.Confidence,
		CreatedAt:        snap.CreatedAt,
		ResolvedAt:       snap.Evaluation.ResolvedAt,
	}
	_, err := t.outcomes.Put(ctx, out)
	return err
}

// classify turns a realized price move into a Result: sign-matched moves
// beyond epsilon win or lose; anything smaller, or a FLAT prediction
// (which has no sign to match or oppose), draws.
func classify(snap model.ForecastSnapshot, realPrice decimal.Decimal, now time.Time) model.Evaluation {
	realized := realPrice.Sub(snap.StartPrice)
	realizedMove := realized.Div(snap.StartPrice)
	absMove, _ := realizedMove.Abs().Float64()

	var result model.Result
	switch {
	case absMove < epsilon, snap.Direction == model.DirectionFlat:
		result = model.ResultDraw
	case realized.IsPositive() && snap.Direction == model.DirectionUp,
		realized.IsNegative() && snap.Direction == model.DirectionDown:
		result = model.ResultWin
	default:
		result = model.ResultLoss
	}

	deviation := realPrice.Sub(snap.TargetPrice).Abs().Div(snap.StartPrice)
	deviationF, _ := deviation.Float64()

	return model.Evaluation{
		Status:     model.StatusResolved,
		RealPrice:  realPrice,
		Result:     result,
		Deviation:  deviationF,
		ResolvedAt: now,
	}
}
