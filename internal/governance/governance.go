// Package governance implements the Governance State Machine: daily
// NORMAL -> PROTECTION -> FROZEN_ONLY -> HALT transitions with escalation
// latches, recovery de-escalation, and admin override, using latched risk
// levels that only escalate until a cooldown clears.
package governance

import (
	"time"

	"github.com/quantdesk/flgc/pkg/model"
)

// cooldownFor returns the latch duration for a newly-entered state: a
// documented choice where deeper states latch longer; see DESIGN.md.
func cooldownFor(mode model.GovernanceMode) time.Duration {
	switch mode {
	case model.ModeProtection:
		return 24 * time.Hour
	case model.ModeFrozenOnly:
		return 48 * time.Hour
	case model.ModeHalt:
		return 72 * time.Hour
	default:
		return 0
	}
}

var escalationOrder = []model.GovernanceMode{
	model.ModeNormal, model.ModeProtection, model.ModeFrozenOnly, model.ModeHalt,
}

func rank(mode model.GovernanceMode) int {
	for i, m := range escalationOrder {
		if m == mode {
			return i
		}
	}
	return 0
}

// Input is one daily evaluation's inputs for a symbol.
type Input struct {
	Drift     model.DriftSeverity
	Quality   model.QualityState
	McP95DD   float64
}

// weakEvalStreakLimit is the number of consecutive WEAK evaluations that,
// on their own, force HALT even without a critical drift or drawdown read.
const weakEvalStreakLimit = 3

// targetFor computes the state a fresh (unlatched) evaluation would move
// to, from Input alone — before considering latches or recovery.
func targetFor(in Input, consecutiveWeakEvals int) model.GovernanceMode {
	switch {
	case in.Drift == model.DriftCritical || in.McP95DD >= 0.55 || consecutiveWeakEvals >= weakEvalStreakLimit:
		return model.ModeHalt
	case in.Drift == model.DriftWarn || (in.McP95DD >= 0.40 && in.McP95DD < 0.55):
		return model.ModeFrozenOnly
	case in.Drift == model.DriftWatch || (in.McP95DD >= 0.25 && in.McP95DD < 0.40):
		return model.ModeProtection
	default:
		return model.ModeNormal
	}
}

// Machine evaluates governance transitions for one symbol at a time; it
// is stateless itself — all state lives in model.GovernanceState, which
// the caller persists via store.GovernanceStore between evaluations.
type Machine struct {
	recoveryDays int
}

// New builds a Machine with the configured recovery-days requirement
// (default 3).
func New(recoveryDays int) *Machine {
	return &Machine{recoveryDays: recoveryDays}
}

// Evaluate runs one daily evaluation against state, returning the updated
// state. now is the evaluation instant (from the clock port).
func (m *Machine) Evaluate(state model.GovernanceState, in Input, now time.Time) model.GovernanceState {
	if in.Quality == model.QualityWeak {
		state.ConsecutiveWeakEvals++
	} else {
		state.ConsecutiveWeakEvals = 0
	}

	target := targetFor(in, state.ConsecutiveWeakEvals)

	latched := state.LatchUntil.After(now)
	if latched && rank(target) <= rank(state.Mode) {
		// While latched the machine only escalates; a would-be
		// de-escalation is ignored until the latch clears.
		if in.Drift == model.DriftOK && in.McP95DD < 0.25 && in.Quality != model.QualityWeak {
			state.ConsecutiveHealthyDays++
		} else {
			state.ConsecutiveHealthyDays = 0
		}
		return state
	}

	if rank(target) > rank(state.Mode) {
		state = transition(state, target, "SYSTEM", "daily evaluation escalation", now)
		state.ConsecutiveHealthyDays = 0
		return state
	}

	// target <= current mode: check recovery.
	if in.Drift == model.DriftOK && in.McP95DD < 0.25 && in.Quality != model.QualityWeak {
		state.ConsecutiveHealthyDays++
	} else {
		state.ConsecutiveHealthyDays = 0
	}

	if state.Mode != model.ModeNormal && state.ConsecutiveHealthyDays >= m.recoveryDays {
		stepped := stepDown(state.Mode)
		state = transition(state, stepped, "SYSTEM", "recovery after clear evaluations", now)
		state.ConsecutiveHealthyDays = 0
	}

	return state
}

// Override applies an admin-directed mode change, bypassing latches
// entirely — an admin override can set any state directly.
func Override(state model.GovernanceState, mode model.GovernanceMode, reason string, now time.Time) model.GovernanceState {
	state = transition(state, mode, "ADMIN", reason, now)
	return capHistory(state)
}

func stepDown(mode model.GovernanceMode) model.GovernanceMode {
	r := rank(mode) - 1
	if r < 0 {
		r = 0
	}
	return escalationOrder[r]
}

// maxHistoryPerSymbol bounds the admin-override audit trail (supplemented
// feature: an unbounded per-symbol history would grow forever under
// repeated admin churn).
const maxHistoryPerSymbol = 200

func transition(state model.GovernanceState, mode model.GovernanceMode, actor, reason string, now time.Time) model.GovernanceState {
	state.Mode = mode
	state.LatchUntil = now.Add(cooldownFor(mode))
	state.History = append(state.History, model.GovernanceDecision{
		Mode: mode, Actor: actor, Reason: reason, At: now,
	})
	return capHistory(state)
}

func capHistory(state model.GovernanceState) model.GovernanceState {
	if len(state.History) > maxHistoryPerSymbol {
		state.History = state.History[len(state.History)-maxHistoryPerSymbol:]
	}
	return state
}

// EffectiveSizeCap returns the sizeMultiplier ceiling the Resolver must
// respect for a symbol currently in mode.
func EffectiveSizeCap(mode model.GovernanceMode) float64 {
	switch mode {
	case model.ModeHalt:
		return 0
	case model.ModeProtection:
		return 0.5
	default:
		return 1.0
	}
}

// AllowsNewActivePosition reports whether a FROZEN_ONLY-governed symbol
// permits a new BUY/SELL for this specific snapshot: only role=ACTIVE
// snapshots whose policyHash matches the frozen one.
func AllowsNewActivePosition(state model.GovernanceState, role model.Role, policyHash string) bool {
	if state.Mode != model.ModeFrozenOnly {
		return true
	}
	return role == model.RoleActive && policyHash == state.FrozenPolicyHash
}

// ForcesAvoid reports whether mode forces the resolver's action to AVOID
// regardless of any other stage; AVOID is terminal once reached.
func ForcesAvoid(mode model.GovernanceMode) bool {
	return mode == model.ModeHalt
}
