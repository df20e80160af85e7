// Package alerts implements the Alert Policy Gate: rolling quota,
// per-fingerprint dedup/cooldown, and within-batch priority suppression
// over the audit log, using golang.org/x/time/rate for the rolling quota
// instead of a hand-rolled counter.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/telemetry"
	"github.com/quantdesk/flgc/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// priorityOrder is the within-batch suppression priority: higher-priority
// types survive a per-level batch cap first.
var priorityOrder = map[model.AlertType]int{
	model.AlertCrisisEnter: 0,
	model.AlertCrisisExit:  1,
	model.AlertTailSpike:   2,
	model.AlertHealthDrop:  3,
	model.AlertRegimeShift: 4,
	model.AlertDrift:       5,
}

// Candidate is a not-yet-decided alert the pipeline wants to raise.
type Candidate struct {
	Symbol     model.Symbol
	Type       model.AlertType
	Severity   model.AlertSeverity
	KeyContext string
}

// Gate is the Alert Policy Gate. One Gate instance owns the rolling-quota
// limiters for every symbol it has seen.
type Gate struct {
	logger    *zap.Logger
	clock     clock.Clock
	log       store.AlertLog
	metrics   *telemetry.Metrics
	cfg       config.EnvironmentConfig
	batchCap  int

	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
}

// limiterKey scopes a rolling quota bucket to one symbol and one alert
// severity level: INFO and HIGH alerts for the same symbol must not share
// a quota, or one level's volume can starve the other's.
type limiterKey struct {
	symbol   model.Symbol
	severity model.AlertSeverity
}

// New builds a Gate. batchCap caps how many alerts of a single severity
// level one batch may handle before the rest are suppressed; alerts
// blocked by dedup or quota count toward the cap as well as sent ones.
// metrics may be nil in tests.
func New(logger *zap.Logger, clk clock.Clock, log store.AlertLog, cfg config.EnvironmentConfig, batchCap int, metrics *telemetry.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		logger:   logger,
		clock:    clk,
		log:      log,
		metrics:  metrics,
		cfg:      cfg,
		batchCap: batchCap,
		limiters: make(map[limiterKey]*rate.Limiter),
	}
}

// Fingerprint builds the deterministic dedup key used to cooldown repeat
// alerts for the same symbol/type/severity/context.
func Fingerprint(symbol model.Symbol, t model.AlertType, sev model.AlertSeverity, keyContext string) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", symbol, t, sev, keyContext)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ProcessBatch evaluates every candidate in priority order (highest
// priority first) and writes a sent-or-blocked AlertEvent to the audit
// log for each, applying quota, cooldown, dedup, and per-level batch caps.
func (g *Gate) ProcessBatch(ctx context.Context, candidates []Candidate) ([]model.AlertEvent, error) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorityOrder[sorted[i].Type] < priorityOrder[sorted[j].Type]
	})

	now := g.clock.Now()
	levelCounts := map[model.AlertSeverity]int{}
	var out []model.AlertEvent

	for _, c := range sorted {
		event, err := g.decide(ctx, c, now, levelCounts)
		if err != nil {
			return out, err
		}
		if err := g.log.Append(ctx, event); err != nil {
			return out, err
		}
		out = append(out, event)
		g.record(event)
	}
	return out, nil
}

func (g *Gate) decide(ctx context.Context, c Candidate, now time.Time, levelCounts map[model.AlertSeverity]int) (model.AlertEvent, error) {
	fp := Fingerprint(c.Symbol, c.Type, c.Severity, c.KeyContext)
	event := model.AlertEvent{
		Symbol: c.Symbol, Type: c.Type, Severity: c.Severity,
		Fingerprint: fp, KeyContext: c.KeyContext, TriggeredAt: now, BlockedBy: model.BlockedNone,
	}

	if levelCounts[c.Severity] >= g.batchCap {
		event.BlockedBy = model.BlockedBatchSuppressed
		return event, nil
	}

	cooldown := g.cfg.Cooldowns.InfoHigh
	if c.Severity == model.SeverityCritical {
		cooldown = g.cfg.Cooldowns.Critical
	}
	recent, err := g.log.Recent(ctx, c.Symbol, now.Add(-cooldown))
	if err != nil {
		return model.AlertEvent{}, err
	}
	for _, r := range recent {
		if r.Fingerprint == fp && r.BlockedBy == model.BlockedNone {
			event.BlockedBy = model.BlockedDedup
			levelCounts[c.Severity]++
			return event, nil
		}
	}

	if c.Severity != model.SeverityCritical {
		if !g.limiterFor(c.Symbol, c.Severity).AllowN(now, 1) {
			event.BlockedBy = model.BlockedQuota
			levelCounts[c.Severity]++
			return event, nil
		}
	}

	levelCounts[c.Severity]++
	return event, nil
}

// limiterFor returns (creating if needed) the per-(symbol, severity)
// rolling quota limiter: N tokens per 24h, refilled continuously.
func (g *Gate) limiterFor(symbol model.Symbol, severity model.AlertSeverity) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := limiterKey{symbol: symbol, severity: severity}
	l, ok := g.limiters[key]
	if !ok {
		every := 24 * time.Hour / time.Duration(g.cfg.AlertQuota)
		l = rate.NewLimiter(rate.Every(every), g.cfg.AlertQuota)
		g.limiters[key] = l
	}
	return l
}

func (g *Gate) record(event model.AlertEvent) {
	if g.metrics == nil {
		return
	}
	if event.BlockedBy == model.BlockedNone {
		g.metrics.AlertsSent.WithLabelValues(string(event.Type), string(event.Severity)).Inc()
	} else {
		g.metrics.AlertsBlocked.WithLabelValues(string(event.Type), string(event.BlockedBy)).Inc()
	}
}
