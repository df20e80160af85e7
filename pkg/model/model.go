// Package model provides the shared data types of the forecast lifecycle
// and governance core: symbols, horizons, snapshots, outcomes, and the
// derived cohort/quality/drift/governance/alert/job-run records.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque short identifier such as "BTC" or "SPX". Immutable.
type Symbol string

// Tier groups horizons by how far out they look.
type Tier string

const (
	TierTiming    Tier = "TIMING"
	TierTactical  Tier = "TACTICAL"
	TierStructure Tier = "STRUCTURE"
)

// Horizon is one element of the configured forecast horizon set.
type Horizon struct {
	Name string // e.g. "7d", "30D"
	Days int
	Tier Tier
}

// CanonicalHorizonOrder is the deterministic tie-break order: when two
// horizons are equally dominant, the one listed first here wins.
var CanonicalHorizonOrder = []string{"7d", "14d", "30d", "90d", "180d", "365d", "1D", "7D", "30D"}

// Preset affects thresholds, sizing, and acceptance criteria, never algorithms.
type Preset string

const (
	PresetConservative Preset = "CONSERVATIVE"
	PresetBalanced     Preset = "BALANCED"
	PresetAggressive   Preset = "AGGRESSIVE"
)

// Role distinguishes live-influencing forecasts from shadow ones.
type Role string

const (
	RoleActive Role = "ACTIVE"
	RoleShadow Role = "SHADOW"
)

// Direction is the predicted move direction.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionFlat Direction = "FLAT"
)

// EvaluationStatus tracks a snapshot's lifecycle stage.
type EvaluationStatus string

const (
	StatusPending  EvaluationStatus = "PENDING"
	StatusResolved EvaluationStatus = "RESOLVED"
)

// Result classifies a resolved outcome.
type Result string

const (
	ResultWin  Result = "WIN"
	ResultLoss Result = "LOSS"
	ResultDraw Result = "DRAW"
)

// Evaluation is the mutable tail of a ForecastSnapshot, written exactly
// once by the Outcome Tracker's compare-and-set resolve.
type Evaluation struct {
	Status     EvaluationStatus
	RealPrice  decimal.Decimal
	Result     Result
	Deviation  float64
	ResolvedAt time.Time
}

// ForecastSnapshot is the immutable record created at t0 for one
// (symbol, horizon, preset, role) tuple. Every field above Evaluation is
// frozen forever once put; Evaluation transitions PENDING -> RESOLVED once.
type ForecastSnapshot struct {
	Fingerprint     string
	Symbol          Symbol
	Horizon         Horizon
	Preset          Preset
	Role            Role
	PolicyHash      string
	EngineVersion   string
	CreatedAt       time.Time
	ResolveAt       time.Time
	StartPrice      decimal.Decimal
	TargetPrice     decimal.Decimal
	ExpectedMovePct float64
	Direction       Direction
	Confidence      float64
	Evaluation      Evaluation
}

// ForecastOutcome is one-to-one with a RESOLVED snapshot.
type ForecastOutcome struct {
	SnapshotRef       string
	Symbol            Symbol
	Horizon           Horizon
	Preset            Preset
	Role              Role
	StartPrice        decimal.Decimal
	TargetPrice       decimal.Decimal
	RealPrice         decimal.Decimal
	Result            Result
	DirectionCorrect  bool
	Deviation         float64
	Confidence        float64
	CreatedAt         time.Time
	ResolvedAt        time.Time
}

// CohortKey identifies a slice of outcomes sharing symbol/horizon/preset/role.
type CohortKey struct {
	Symbol  Symbol
	Horizon string
	Preset  Preset
	Role    Role
}

// CohortStats is derived and always reproducible from the Outcome Store.
type CohortStats struct {
	Key                CohortKey
	WindowSize         int
	Total              int
	Wins               int
	Losses             int
	Draws              int
	WinRate            float64
	RollingWinRate     float64
	CalibrationError   float64
	Expectancy         float64
	SharpeLike         float64
	SharpeLikeDefined  bool
	MaxDrawdown        float64
	EffectiveSampleN   float64
	Stability          float64
	SampleCapped       bool
}

// QualityState buckets a cohort's recent win rate.
type QualityState string

const (
	QualityGood    QualityState = "GOOD"
	QualityNeutral QualityState = "NEUTRAL"
	QualityWeak    QualityState = "WEAK"
)

// DriftSeverity is the result of comparing a LIVE cohort against a VINTAGE one.
type DriftSeverity string

const (
	DriftOK       DriftSeverity = "OK"
	DriftWatch    DriftSeverity = "WATCH"
	DriftWarn     DriftSeverity = "WARN"
	DriftCritical DriftSeverity = "CRITICAL"
)

// Confidence describes how much weight a drift verdict should carry.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// GovernanceMode is the single-value-per-symbol governance state.
type GovernanceMode string

const (
	ModeNormal      GovernanceMode = "NORMAL"
	ModeProtection  GovernanceMode = "PROTECTION"
	ModeFrozenOnly  GovernanceMode = "FROZEN_ONLY"
	ModeHalt        GovernanceMode = "HALT"
)

// GovernanceDecision is one entry in a symbol's governance history.
type GovernanceDecision struct {
	Mode   GovernanceMode
	Actor  string // "SYSTEM" or "ADMIN"
	Reason string
	At     time.Time
}

// GovernanceState is the full governance record for one symbol.
type GovernanceState struct {
	Symbol                 Symbol
	Mode                   GovernanceMode
	LatchUntil             time.Time
	ConsecutiveHealthyDays int
	ConsecutiveWeakEvals   int
	FrozenPolicyHash       string
	History                []GovernanceDecision
}

// AlertType is the taxonomy of events the Quality/Drift and Governance
// engines can raise.
type AlertType string

const (
	AlertRegimeShift AlertType = "REGIME_SHIFT"
	AlertCrisisEnter AlertType = "CRISIS_ENTER"
	AlertCrisisExit  AlertType = "CRISIS_EXIT"
	AlertHealthDrop  AlertType = "HEALTH_DROP"
	AlertTailSpike   AlertType = "TAIL_SPIKE"
	AlertDrift       AlertType = "DRIFT"
)

// AlertSeverity ranks an AlertEvent.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// BlockedReason explains why an alert was suppressed, if it was.
type BlockedReason string

const (
	BlockedNone            BlockedReason = "NONE"
	BlockedDedup           BlockedReason = "DEDUP"
	BlockedQuota           BlockedReason = "QUOTA"
	BlockedCooldown        BlockedReason = "COOLDOWN"
	BlockedBatchSuppressed BlockedReason = "BATCH_SUPPRESSED"
)

// AlertEvent is an append-only log entry.
type AlertEvent struct {
	Symbol      Symbol
	Type        AlertType
	Severity    AlertSeverity
	Fingerprint string
	KeyContext  string
	TriggeredAt time.Time
	BlockedBy   BlockedReason
}

// Trigger identifies what kicked off a JobRun.
type Trigger string

const (
	TriggerCron   Trigger = "CRON"
	TriggerManual Trigger = "MANUAL"
)

// JobStatus is a JobRun's lifecycle state.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSuccess   JobStatus = "SUCCESS"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// StepStatus is a single pipeline step's outcome.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// StepRecord is one entry in a JobRun's step log.
type StepRecord struct {
	Name       string
	Status     StepStatus
	DurationMS int64
	Count      int
	Error      string
	Note       string
}

// JobRun is the scheduler's audit record for one execution of one job.
type JobRun struct {
	RunID      string
	JobID      string
	Trigger    Trigger
	StartedAt  time.Time
	FinishedAt time.Time
	Status     JobStatus
	Steps      []StepRecord
	Summary    string
}
