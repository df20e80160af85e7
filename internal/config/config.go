// Package config loads EnvironmentConfig with github.com/spf13/viper,
// binding an optional config file and env vars over code-level defaults — every tunable
// here has a default in Default(), and viper only ever overrides it,
// never defines it.
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DriftThresholds is passed in, never hard-coded: a product that needs
// different ladder cut points supplies its own.
type DriftThresholds struct {
	CriticalHitRatePP   float64 // default 8
	CriticalSharpe      float64 // default -0.40
	CriticalExpectancy  float64 // default -0.010
	WarnHitRatePP       float64 // default 5
	WarnSharpe          float64 // default -0.25
	WarnExpectancy      float64 // default -0.006
	WatchHitRatePP      float64 // default 2
	WatchSharpe         float64 // default -0.10
	WatchExpectancy     float64 // default -0.003
}

// Cooldowns configures the Alert Policy Gate's per-level suppression window.
type Cooldowns struct {
	InfoHigh time.Duration // default 6h
	Critical time.Duration // default 1h
}

// ResolverWeights are the Hierarchical Resolver's base tier weights and
// regime modifiers.
type ResolverWeights struct {
	Structure float64 // default 0.50
	Tactical  float64 // default 0.30
	Timing    float64 // default 0.20

	VolShockStructureMult float64 // default 1.20
	VolShockTimingMult    float64 // default 0.70
	BearDrawdownStructureMult float64 // default 1.10

	BiasThreshold   float64 // tau_bias, default 0.08
	TimingThreshold float64 // default 0.08
}

// EnvironmentConfig is the small configuration record shared by every
// engine: cooldowns, thresholds, quotas, and the numeric constants that
// tune the statistics and resolver math.
type EnvironmentConfig struct {
	LeaseDuration      time.Duration
	OutcomeBatchSize   int
	AlertQuota         int // default 3 INFO/HIGH alerts per symbol per 24h
	Cooldowns          Cooldowns
	DriftThresholds    DriftThresholds
	RecoveryDays       int // default 3
	ResolverWeights    ResolverWeights
	MinSamples         int // minimum n before QualityState is defined, default 20
	DecayTauDays       float64 // decay half-life-ish constant for effective sample count, default 90
	StoreTimeout       time.Duration
	OracleTolerance    time.Duration
	SchedulerJitterSec int
}

// Default returns the baseline EnvironmentConfig every deployment starts
// from.
func Default() EnvironmentConfig {
	return EnvironmentConfig{
		LeaseDuration:    10 * time.Minute,
		OutcomeBatchSize: 200,
		AlertQuota:       3,
		Cooldowns: Cooldowns{
			InfoHigh: 6 * time.Hour,
			Critical: 1 * time.Hour,
		},
		DriftThresholds: DriftThresholds{
			CriticalHitRatePP:  8,
			CriticalSharpe:     -0.40,
			CriticalExpectancy: -0.010,
			WarnHitRatePP:      5,
			WarnSharpe:         -0.25,
			WarnExpectancy:     -0.006,
			WatchHitRatePP:     2,
			WatchSharpe:        -0.10,
			WatchExpectancy:    -0.003,
		},
		RecoveryDays: 3,
		ResolverWeights: ResolverWeights{
			Structure:                 0.50,
			Tactical:                  0.30,
			Timing:                    0.20,
			VolShockStructureMult:     1.20,
			VolShockTimingMult:        0.70,
			BearDrawdownStructureMult: 1.10,
			BiasThreshold:             0.08,
			TimingThreshold:           0.08,
		},
		MinSamples:         20,
		DecayTauDays:       90,
		StoreTimeout:        10 * time.Second,
		OracleTolerance:     24 * time.Hour,
		SchedulerJitterSec:  0,
	}
}

// Loader wraps viper to load an EnvironmentConfig from a file and/or the
// environment, hot-reloading on file changes via fsnotify so a long-running
// process can pick up a tuning change without a restart.
type Loader struct {
	v        *viper.Viper
	onChange func(EnvironmentConfig)
}

// NewLoader builds a Loader seeded with Default() and optionally bound to
// configPath (a YAML file); an empty configPath means env-vars-only.
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix("FLGC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, err
			}
		}
	}

	l := &Loader{v: v}
	bindDefaults(v, Default())
	return l, nil
}

// Load materializes the current EnvironmentConfig, rebinding every field
// bindDefaults registered a default for — not just the handful most often
// tuned — so a file or env-var override of any one of them actually takes
// effect.
func (l *Loader) Load() EnvironmentConfig {
	cfg := Default()
	if l.v.IsSet("lease_duration") {
		cfg.LeaseDuration = l.v.GetDuration("lease_duration")
	}
	if l.v.IsSet("outcome_batch_size") {
		cfg.OutcomeBatchSize = l.v.GetInt("outcome_batch_size")
	}
	if l.v.IsSet("alert_quota") {
		cfg.AlertQuota = l.v.GetInt("alert_quota")
	}
	if l.v.IsSet("recovery_days") {
		cfg.RecoveryDays = l.v.GetInt("recovery_days")
	}
	if l.v.IsSet("min_samples") {
		cfg.MinSamples = l.v.GetInt("min_samples")
	}
	if l.v.IsSet("decay_tau_days") {
		cfg.DecayTauDays = l.v.GetFloat64("decay_tau_days")
	}
	if l.v.IsSet("store_timeout") {
		cfg.StoreTimeout = l.v.GetDuration("store_timeout")
	}
	if l.v.IsSet("oracle_tolerance") {
		cfg.OracleTolerance = l.v.GetDuration("oracle_tolerance")
	}
	if l.v.IsSet("scheduler_jitter_sec") {
		cfg.SchedulerJitterSec = l.v.GetInt("scheduler_jitter_sec")
	}

	if l.v.IsSet("cooldowns.info_high") {
		cfg.Cooldowns.InfoHigh = l.v.GetDuration("cooldowns.info_high")
	}
	if l.v.IsSet("cooldowns.critical") {
		cfg.Cooldowns.Critical = l.v.GetDuration("cooldowns.critical")
	}

	if l.v.IsSet("drift_thresholds.critical_hit_rate_pp") {
		cfg.DriftThresholds.CriticalHitRatePP = l.v.GetFloat64("drift_thresholds.critical_hit_rate_pp")
	}
	if l.v.IsSet("drift_thresholds.critical_sharpe") {
		cfg.DriftThresholds.CriticalSharpe = l.v.GetFloat64("drift_thresholds.critical_sharpe")
	}
	if l.v.IsSet("drift_thresholds.critical_expectancy") {
		cfg.DriftThresholds.CriticalExpectancy = l.v.GetFloat64("drift_thresholds.critical_expectancy")
	}
	if l.v.IsSet("drift_thresholds.warn_hit_rate_pp") {
		cfg.DriftThresholds.WarnHitRatePP = l.v.GetFloat64("drift_thresholds.warn_hit_rate_pp")
	}
	if l.v.IsSet("drift_thresholds.warn_sharpe") {
		cfg.DriftThresholds.WarnSharpe = l.v.GetFloat64("drift_thresholds.warn_sharpe")
	}
	if l.v.IsSet("drift_thresholds.warn_expectancy") {
		cfg.DriftThresholds.WarnExpectancy = l.v.GetFloat64("drift_thresholds.warn_expectancy")
	}
	if l.v.IsSet("drift_thresholds.watch_hit_rate_pp") {
		cfg.DriftThresholds.WatchHitRatePP = l.v.GetFloat64("drift_thresholds.watch_hit_rate_pp")
	}
	if l.v.IsSet("drift_thresholds.watch_sharpe") {
		cfg.DriftThresholds.WatchSharpe = l.v.GetFloat64("drift_thresholds.watch_sharpe")
	}
	if l.v.IsSet("drift_thresholds.watch_expectancy") {
		cfg.DriftThresholds.WatchExpectancy = l.v.GetFloat64("drift_thresholds.watch_expectancy")
	}

	if l.v.IsSet("resolver_weights.structure") {
		cfg.ResolverWeights.Structure = l.v.GetFloat64("resolver_weights.structure")
	}
	if l.v.IsSet("resolver_weights.tactical") {
		cfg.ResolverWeights.Tactical = l.v.GetFloat64("resolver_weights.tactical")
	}
	if l.v.IsSet("resolver_weights.timing") {
		cfg.ResolverWeights.Timing = l.v.GetFloat64("resolver_weights.timing")
	}
	if l.v.IsSet("resolver_weights.vol_shock_structure_mult") {
		cfg.ResolverWeights.VolShockStructureMult = l.v.GetFloat64("resolver_weights.vol_shock_structure_mult")
	}
	if l.v.IsSet("resolver_weights.vol_shock_timing_mult") {
		cfg.ResolverWeights.VolShockTimingMult = l.v.GetFloat64("resolver_weights.vol_shock_timing_mult")
	}
	if l.v.IsSet("resolver_weights.bear_drawdown_structure_mult") {
		cfg.ResolverWeights.BearDrawdownStructureMult = l.v.GetFloat64("resolver_weights.bear_drawdown_structure_mult")
	}
	if l.v.IsSet("resolver_weights.bias_threshold") {
		cfg.ResolverWeights.BiasThreshold = l.v.GetFloat64("resolver_weights.bias_threshold")
	}
	if l.v.IsSet("resolver_weights.timing_threshold") {
		cfg.ResolverWeights.TimingThreshold = l.v.GetFloat64("resolver_weights.timing_threshold")
	}

	return cfg
}

// WatchForChanges hot-reloads whenever the bound config file changes,
// invoking onChange with the freshly materialized config — the pattern
// viper+fsnotify is built for, used here so any field Load binds (every
// field in EnvironmentConfig) can be tuned without a restart.
func (l *Loader) WatchForChanges(onChange func(EnvironmentConfig)) {
	l.onChange = onChange
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if l.onChange != nil {
			l.onChange(l.Load())
		}
	})
	l.v.WatchConfig()
}

func bindDefaults(v *viper.Viper, cfg EnvironmentConfig) {
	v.SetDefault("lease_duration", cfg.LeaseDuration)
	v.SetDefault("outcome_batch_size", cfg.OutcomeBatchSize)
	v.SetDefault("alert_quota", cfg.AlertQuota)
	v.SetDefault("recovery_days", cfg.RecoveryDays)
	v.SetDefault("min_samples", cfg.MinSamples)
	v.SetDefault("decay_tau_days", cfg.DecayTauDays)
	v.SetDefault("store_timeout", cfg.StoreTimeout)
	v.SetDefault("oracle_tolerance", cfg.OracleTolerance)
	v.SetDefault("scheduler_jitter_sec", cfg.SchedulerJitterSec)

	v.SetDefault("cooldowns.info_high", cfg.Cooldowns.InfoHigh)
	v.SetDefault("cooldowns.critical", cfg.Cooldowns.Critical)

	v.SetDefault("drift_thresholds.critical_hit_rate_pp", cfg.DriftThresholds.CriticalHitRatePP)
	v.SetDefault("drift_thresholds.critical_sharpe", cfg.DriftThresholds.CriticalSharpe)
	v.SetDefault("drift_thresholds.critical_expectancy", cfg.DriftThresholds.CriticalExpectancy)
	v.SetDefault("drift_thresholds.warn_hit_rate_pp", cfg.DriftThresholds.WarnHitRatePP)
	v.SetDefault("drift_thresholds.warn_sharpe", cfg.DriftThresholds.WarnSharpe)
	v.SetDefault("drift_thresholds.warn_expectancy", cfg.DriftThresholds.WarnExpectancy)
	v.SetDefault("drift_thresholds.watch_hit_rate_pp", cfg.DriftThresholds.WatchHitRatePP)
	v.SetDefault("drift_thresholds.watch_sharpe", cfg.DriftThresholds.WatchSharpe)
	v.SetDefault("drift_thresholds.watch_expectancy", cfg.DriftThresholds.WatchExpectancy)

	v.SetDefault("resolver_weights.structure", cfg.ResolverWeights.Structure)
	v.SetDefault("resolver_weights.tactical", cfg.ResolverWeights.Tactical)
	v.SetDefault("resolver_weights.timing", cfg.ResolverWeights.Timing)
	v.SetDefault("resolver_weights.vol_shock_structure_mult", cfg.ResolverWeights.VolShockStructureMult)
	v.SetDefault("resolver_weights.vol_shock_timing_mult", cfg.ResolverWeights.VolShockTimingMult)
	v.SetDefault("resolver_weights.bear_drawdown_structure_mult", cfg.ResolverWeights.BearDrawdownStructureMult)
	v.SetDefault("resolver_weights.bias_threshold", cfg.ResolverWeights.BiasThreshold)
	v.SetDefault("resolver_weights.timing_threshold", cfg.ResolverWeights.TimingThreshold)
}
