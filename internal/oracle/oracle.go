// Package oracle defines the price-lookup port the Outcome Tracker depends
// on. Concrete exchange/provider clients are out of scope here; this
// package only narrows the contract down to the single method a resolver
// actually needs and offers a deterministic test double.
package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdesk/flgc/internal/errs"
	"github.com/shopspring/decimal"
	"github.com/quantdesk/flgc/pkg/model"
)

// Quote is the result of a price lookup: the price, and the actual
// timestamp of the bar it came from (which may differ from the requested
// timestamp by up to the oracle's tolerance).
type Quote struct {
	Price       decimal.Decimal
	ActualAt    time.Time
}

// PriceOracle resolves a historical close for a symbol at a given time.
// Implementations return errs.PriceUnavailable (wrapped) when no bar
// covers the requested time within tolerance.
type PriceOracle interface {
	PriceAt(ctx context.Context, symbol model.Symbol, at time.Time) (Quote, error)
}

// Bar is one point in a deterministic, in-memory price series used by the
// Fake oracle below and by tests throughout the module.
type Bar struct {
	At    time.Time
	Price decimal.Decimal
}

// Fake is a deterministic PriceOracle backed by an in-memory series per
// symbol, with a configurable tolerance — the test double every component
// that depends on PriceOracle is exercised against, since concrete
// provider clients are out of scope.
type Fake struct {
	Tolerance time.Duration
	series    map[model.Symbol][]Bar
}

// NewFake returns an empty Fake oracle with the given tolerance (the bar
// granularity a real provider would use, e.g. 24h for daily bars).
func NewFake(tolerance time.Duration) *Fake {
	return &Fake{Tolerance: tolerance, series: make(map[model.Symbol][]Bar)}
}

// Set installs (or replaces) the price series for a symbol. Callers must
// pass bars in time order; PriceAt does not sort them.
func (f *Fake) Set(symbol model.Symbol, bars []Bar) {
	f.series[symbol] = bars
}

func (f *Fake) PriceAt(ctx context.Context, symbol model.Symbol, at time.Time) (Quote, error) {
	bars, ok := f.series[symbol]
	if !ok || len(bars) == 0 {
		return Quote{}, errs.Wrap(errs.KindTransient, "oracle.priceAt", fmt.Sprintf("no series for %s", symbol), errs.PriceUnavailable)
	}

	var best *Bar
	bestDelta := time.Duration(1<<63 - 1)
	for i := range bars {
		delta := bars[i].At.Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta = delta
			best = &bars[i]
		}
	}

	if best == nil || bestDelta > f.Tolerance {
		return Quote{}, errs.Wrap(errs.KindTransient, "oracle.priceAt", fmt.Sprintf("no bar within tolerance for %s at %s", symbol, at), errs.PriceUnavailable)
	}

	return Quote{Price: best.Price, ActualAt: best.At}, nil
}
