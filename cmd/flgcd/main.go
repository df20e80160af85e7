// Package main is the entry point for flgcd, the Forecast Lifecycle &
// Governance Core daemon: it wires config, clock, stores, and engines in
// order, registers the daily pipeline on the scheduler, and runs until
// signalled to stop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantdesk/flgc/internal/alerts"
	"github.com/quantdesk/flgc/internal/clock"
	"github.com/quantdesk/flgc/internal/command"
	"github.com/quantdesk/flgc/internal/config"
	"github.com/quantdesk/flgc/internal/forecast"
	"github.com/quantdesk/flgc/internal/governance"
	"github.com/quantdesk/flgc/internal/oracle"
	"github.com/quantdesk/flgc/internal/pipeline"
	"github.com/quantdesk/flgc/internal/resolver"
	"github.com/quantdesk/flgc/internal/scheduler"
	"github.com/quantdesk/flgc/internal/stats"
	"github.com/quantdesk/flgc/internal/store"
	"github.com/quantdesk/flgc/internal/telemetry"
	"github.com/quantdesk/flgc/internal/tracker"
	"github.com/quantdesk/flgc/internal/workers"
	"github.com/quantdesk/flgc/pkg/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	dbPath := flag.String("db", "./flgc.db", "sqlite database path")
	configPath := flag.String("config", "", "YAML config file (optional, env FLGC_* always applies)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	pipelineSchedule := flag.String("pipeline-schedule", "0 6 * * *", "daily pipeline CRON schedule (UTC)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := loader.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sysClock := clock.NewSystem()

	db, err := store.Open(logger, *dbPath)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	// Concrete price providers are out of scope here; Fake stands in
	// behind the same oracle.PriceOracle port a real feed would implement.
	priceOracle := oracle.NewFake(cfg.OracleTolerance)

	writer := forecast.New(logger, sysClock, db.Snapshots(), metrics)
	trk := tracker.New(logger, sysClock, db.Snapshots(), db.Outcomes(), priceOracle, metrics)
	cache := stats.NewCache()
	gov := governance.New(cfg.RecoveryDays)
	gate := alerts.New(logger, sysClock, db.Alerts(), cfg, cfg.AlertQuota, metrics)
	res := resolver.New(cfg.ResolverWeights)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("flgcd"))
	pool.Start()
	defer pool.Stop(30 * time.Second)

	sched := scheduler.New(logger, sysClock, db.Scheduler(), db.JobRuns(), cfg.LeaseDuration, metrics)

	universe := pipeline.Universe{
		Symbols:  []model.Symbol{"BTC", "ETH"},
		Horizons: defaultHorizons(),
		Presets:  []model.Preset{model.PresetBalanced},
		Roles:    []model.Role{model.RoleActive},
	}

	// IntegrityCheck and concrete forecast generation are delegated to
	// external collaborators outside this service's scope; noopIntegrity
	// and an empty ForecastSource leave the seam visible without
	// fabricating a model server here.
	pl := pipeline.New(
		logger, sysClock, cfg, universe,
		noopIntegrity{}, nil, noopTailStats{},
		writer, trk, db.Outcomes(), cache, gov, db.Governance(), gate, pool, metrics,
	)

	if err := sched.Register(ctx, scheduler.Job{
		ID:          "daily-pipeline",
		ScheduleUTC: *pipelineSchedule,
		Run:         pl.Run,
	}); err != nil {
		logger.Fatal("failed to register daily pipeline", zap.Error(err))
	}

	cmds := command.New(logger, sysClock, cfg, writer, trk, db.Outcomes(), db.Governance(), gov, sched, res)
	_ = cmds // wired for an operator process (CLI/REPL) to call into; flgcd itself only runs the schedule.

	loader.WatchForChanges(func(updated config.EnvironmentConfig) {
		logger.Info("config reloaded", zap.Int("alertQuota", updated.AlertQuota))
	})

	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sched.Tick(ctx); err != nil {
					logger.Error("scheduler tick failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("flgcd started",
		zap.String("db", *dbPath),
		zap.String("metricsAddr", *metricsAddr),
		zap.String("pipelineSchedule", *pipelineSchedule),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("flgcd stopped")
}

func defaultHorizons() []model.Horizon {
	return []model.Horizon{
		{Name: "1d", Days: 1, Tier: model.TierTactical},
		{Name: "7d", Days: 7, Tier: model.TierTactical},
		{Name: "30d", Days: 30, Tier: model.TierStructure},
	}
}

// noopIntegrity reports every symbol healthy; a real deployment wires an
// IntegrityChecker backed by whatever validates upstream data quality —
// that validator's internals are not this service's concern.
type noopIntegrity struct{}

func (noopIntegrity) Check(ctx context.Context, symbol model.Symbol) error { return nil }

// noopTailStats returns a zero tail-risk figure until a Monte Carlo
// simulation process is wired behind the same port.
type noopTailStats struct{}

func (noopTailStats) McP95DD(ctx context.Context, symbol model.Symbol) (float64, error) {
	return 0, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
