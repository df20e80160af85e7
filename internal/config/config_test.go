package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsMatchDefault(t *testing.T) {
	l, err := NewLoader("")
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	got := l.Load()
	want := Default()
	if got != want {
		t.Fatalf("Load() with no overrides = %+v, want %+v", got, want)
	}
}

func TestLoadRebindsEveryField(t *testing.T) {
	t.Setenv("FLGC_LEASE_DURATION", "5m")
	t.Setenv("FLGC_OUTCOME_BATCH_SIZE", "50")
	t.Setenv("FLGC_ALERT_QUOTA", "7")
	t.Setenv("FLGC_RECOVERY_DAYS", "9")
	t.Setenv("FLGC_MIN_SAMPLES", "42")
	t.Setenv("FLGC_DECAY_TAU_DAYS", "120")
	t.Setenv("FLGC_STORE_TIMEOUT", "30s")
	t.Setenv("FLGC_ORACLE_TOLERANCE", "48h")
	t.Setenv("FLGC_SCHEDULER_JITTER_SEC", "15")
	t.Setenv("FLGC_COOLDOWNS_INFO_HIGH", "3h")
	t.Setenv("FLGC_COOLDOWNS_CRITICAL", "2h")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_CRITICAL_HIT_RATE_PP", "12")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_CRITICAL_SHARPE", "-0.9")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_CRITICAL_EXPECTANCY", "-0.02")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_WARN_HIT_RATE_PP", "6")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_WARN_SHARPE", "-0.5")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_WARN_EXPECTANCY", "-0.01")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_WATCH_HIT_RATE_PP", "3")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_WATCH_SHARPE", "-0.2")
	t.Setenv("FLGC_DRIFT_THRESHOLDS_WATCH_EXPECTANCY", "-0.005")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_STRUCTURE", "0.6")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_TACTICAL", "0.25")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_TIMING", "0.15")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_VOL_SHOCK_STRUCTURE_MULT", "1.5")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_VOL_SHOCK_TIMING_MULT", "0.8")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_BEAR_DRAWDOWN_STRUCTURE_MULT", "1.3")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_BIAS_THRESHOLD", "0.1")
	t.Setenv("FLGC_RESOLVER_WEIGHTS_TIMING_THRESHOLD", "0.12")

	l, err := NewLoader("")
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	cfg := l.Load()

	if cfg.LeaseDuration != 5*time.Minute {
		t.Fatalf("LeaseDuration = %v", cfg.LeaseDuration)
	}
	if cfg.OutcomeBatchSize != 50 {
		t.Fatalf("OutcomeBatchSize = %v", cfg.OutcomeBatchSize)
	}
	if cfg.AlertQuota != 7 {
		t.Fatalf("AlertQuota = %v", cfg.AlertQuota)
	}
	if cfg.RecoveryDays != 9 {
		t.Fatalf("RecoveryDays = %v", cfg.RecoveryDays)
	}
	if cfg.MinSamples != 42 {
		t.Fatalf("MinSamples = %v", cfg.MinSamples)
	}
	if cfg.DecayTauDays != 120 {
		t.Fatalf("DecayTauDays = %v", cfg.DecayTauDays)
	}
	if cfg.StoreTimeout != 30*time.Second {
		t.Fatalf("StoreTimeout = %v", cfg.StoreTimeout)
	}
	if cfg.OracleTolerance != 48*time.Hour {
		t.Fatalf("OracleTolerance = %v", cfg.OracleTolerance)
	}
	if cfg.SchedulerJitterSec != 15 {
		t.Fatalf("SchedulerJitterSec = %v", cfg.SchedulerJitterSec)
	}
	if cfg.Cooldowns.InfoHigh != 3*time.Hour || cfg.Cooldowns.Critical != 2*time.Hour {
		t.Fatalf("Cooldowns = %+v", cfg.Cooldowns)
	}

	wantDrift := DriftThresholds{
		CriticalHitRatePP:  12,
		CriticalSharpe:     -0.9,
		CriticalExpectancy: -0.02,
		WarnHitRatePP:      6,
		WarnSharpe:         -0.5,
		WarnExpectancy:     -0.01,
		WatchHitRatePP:     3,
		WatchSharpe:        -0.2,
		WatchExpectancy:    -0.005,
	}
	if cfg.DriftThresholds != wantDrift {
		t.Fatalf("DriftThresholds = %+v, want %+v", cfg.DriftThresholds, wantDrift)
	}

	wantWeights := ResolverWeights{
		Structure:                 0.6,
		Tactical:                  0.25,
		Timing:                    0.15,
		VolShockStructureMult:     1.5,
		VolShockTimingMult:        0.8,
		BearDrawdownStructureMult: 1.3,
		BiasThreshold:             0.1,
		TimingThreshold:           0.12,
	}
	if cfg.ResolverWeights != wantWeights {
		t.Fatalf("ResolverWeights = %+v, want %+v", cfg.ResolverWeights, wantWeights)
	}
}

func TestWatchForChangesRegistersOnChange(t *testing.T) {
	l, err := NewLoader("")
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	called := make(chan EnvironmentConfig, 1)
	l.WatchForChanges(func(cfg EnvironmentConfig) {
		called <- cfg
	})
	// WatchForChanges only fires on a bound file's fsnotify event; with no
	// configPath there is nothing to watch, so just confirm registering a
	// callback doesn't panic and leaves onChange wired for a real file.
	if l.onChange == nil {
		t.Fatalf("expected onChange to be registered")
	}
}
