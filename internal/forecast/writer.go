// Package forecast implements the Snapshot Writer: it turns one raw
// model-output bundle into an immutable ForecastSnapshot and persists it,
// in a validate-then-build-then-store sequence.
package forecast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/errs"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/telemetry"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ModelOutput is the input bundle for one (symbol, horizon, preset, role)
// tuple, handed to the writer by whatever upstream forecasting engine
// produced it.
type ModelOutput struct {
	Symbol          model.Symbol
	Horizon         model.Horizon
	Preset          model.Preset
	Role            model.Role
	PolicyHash      string
	EngineVersion   string
	Direction       model.Direction
	Confidence      float64
	ExpectedMovePct float64
	CurrentPrice    decimal.Decimal
	AsOf            time.Time
}

// Writer is the Snapshot Writer.
type Writer struct {
	logger  *zap.Logger
	clock   clock.Clock
	store   store.SnapshotStore
	metrics *telemetry.Metrics
}

// New builds a Writer over snaps, logging through logger and reporting
// through metrics (either may be nil in tests).
func New(logger *zap.Logger, clk clock.Clock, snaps store.SnapshotStore, metrics *telemetry.Metrics) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger, clock: clk, store: snaps, metrics: metrics}
}

// Write validates out, builds its ForecastSnapshot, and inserts it
// if-absent. Returns the snapshot as stored (which may be an
// already-existing one sharing the same fingerprint) and whether this
// call created it.
func (w *Writer) Write(ctx context.Context, out ModelOutput) (model.ForecastSnapshot, bool, error) {
	if err := validate(out); err != nil {
		return model.ForecastSnapshot{}, false, err
	}

	resolveAt := out.AsOf.AddDate(0, 0, out.Horizon.Days)
	targetPrice := out.CurrentPrice.Mul(decimal.NewFromFloat(1 + out.ExpectedMovePct))
	fp := fingerprint(out)

	snap := model.ForecastSnapshot{
		Fingerprint:     fp,
		Symbol:          out.Symbol,
		Horizon:         out.Horizon,
		Preset:          out.Preset,
		Role:            out.Role,
		PolicyHash:      out.PolicyHash,
		EngineVersion:   out.EngineVersion,
		CreatedAt:       out.AsOf,
		ResolveAt:       resolveAt,
		StartPrice:      out.CurrentPrice,
		TargetPrice:     targetPrice,
		ExpectedMovePct: out.ExpectedMovePct,
		Direction:       out.Direction,
		Confidence:      out.Confidence,
		Evaluation:      model.Evaluation{Status: model.StatusPending},
	}

	inserted, err := w.store.Put(ctx, snap)
	if err != nil {
		return model.ForecastSnapshot{}, false, err
	}

	labels := []string{string(out.Symbol), out.Horizon.Name, string(out.Preset), string(out.Role)}
	if w.metrics != nil {
		if inserted {
			w.metrics.SnapshotsWritten.WithLabelValues(labels...).Inc()
		} else {
			w.metrics.SnapshotsSkipped.WithLabelValues(labels...).Inc()
		}
	}
	if inserted {
		w.logger.Debug("snapshot written",
			zap.String("fingerprint", fp), zap.String("symbol", string(out.Symbol)),
			zap.String("horizon", out.Horizon.Name))
	}

	if !inserted {
		existing, found, err := w.store.Get(ctx, fp)
		if err != nil {
			return model.ForecastSnapshot{}, false, err
		}
		if found {
			snap = existing
		}
	}
	return snap, inserted, nil
}

func validate(out ModelOutput) error {
	if out.Confidence < 0 || out.Confidence > 1 || math.IsNaN(out.Confidence) {
		return errs.InvalidSnapshotInput
	}
	if !out.CurrentPrice.IsPositive() {
		return errs.InvalidSnapshotInput
	}
	f, _ := out.CurrentPrice.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errs.InvalidSnapshotInput
	}
	if math.IsNaN(out.ExpectedMovePct) || math.IsInf(out.ExpectedMovePct, 0) {
		return errs.InvalidSnapshotInput
	}
	if out.Horizon.Name == "" || out.Horizon.Days <= 0 {
		return errs.UnknownHorizon
	}
	return nil
}

// fingerprint is deterministic: identical inputs yield identical output,
// over (symbol, horizon, preset, role, dayBucket(asOf), policyHash).
func fingerprint(out ModelOutput) string {
	day := clock.DayBucket(out.AsOf)
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		out.Symbol, out.Horizon.Name, out.Preset, out.Role, day.Unix(), out.PolicyHash)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
