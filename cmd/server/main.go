package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/api"
	"github.com/arbiterml/modelplane/internal/budget"
	"github.com/arbiterml/modelplane/internal/config"
	"github.com/arbiterml/modelplane/internal/drift"
	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/observability"
	"github.com/arbiterml/modelplane/internal/registry"
	"github.com/arbiterml/modelplane/internal/rollout"
	"github.com/arbiterml/modelplane/internal/shadow"
	"github.com/arbiterml/modelplane/internal/storage"
	"github.com/arbiterml/modelplane/internal/ticker"
	"github.com/arbiterml/modelplane/pkg/models"
)

func main() {
	flags := ParseFlags()

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	logger.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildDate": buildDate,
	}).Info("Starting ModelPlane control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Storage
	factory := storage.NewFactory(logger)
	store, err := factory.CreateStore(cfg.StorageOptions())
	if err != nil {
		logger.WithError(err).Fatal("Failed to create storage backend")
	}
	if err := store.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to storage")
	}

	// Event bus
	bus := events.NewBus(0, logger)

	// Control plane components
	reg, err := registry.NewRegistry(&registry.Config{
		CacheTTL:  cfg.Registry.CacheTTL,
		CacheSize: cfg.Registry.CacheSize,
	}, store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create registry")
	}

	enforcer, err := budget.NewEnforcer(&budget.Config{
		TickInterval:       cfg.Budget.TickInterval,
		TickBudget:         cfg.Budget.TickBudget,
		Period:             cfg.Budget.Period,
		EMAAlpha:           cfg.Budget.EMAAlpha,
		AlertThresholds:    cfg.Budget.AlertThresholds,
		AutoswitchCooldown: cfg.Budget.AutoswitchCooldown,
	}, store, reg, bus, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create budget enforcer")
	}
	reg.SetAutoswitchSource(enforcer)

	monitor, err := drift.NewMonitor(&drift.Config{
		TickInterval: cfg.Drift.TickInterval,
		TickBudget:   cfg.Drift.TickBudget,
		Bins:         cfg.Drift.Bins,
		MinSamples:   cfg.Drift.MinSamples,
		Epsilon:      cfg.Drift.Epsilon,
		PSI: drift.Thresholds{
			Medium:   cfg.Drift.PSIMedium,
			High:     cfg.Drift.PSIHigh,
			Critical: cfg.Drift.PSICritical,
		},
		JSD: drift.Thresholds{
			Medium:   cfg.Drift.JSDMedium,
			High:     cfg.Drift.JSDHigh,
			Critical: cfg.Drift.JSDCritical,
		},
	}, store, bus, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create drift monitor")
	}

	orch, err := rollout.NewOrchestrator(&rollout.Config{
		TickInterval: cfg.Rollout.TickInterval,
		TickJitter:   cfg.Rollout.TickJitter,
		TickBudget:   cfg.Rollout.TickBudget,
		PhaseDwell:   cfg.Rollout.PhaseDwell,
		StuckTimeout: cfg.Rollout.StuckTimeout,
	}, store, reg, monitor, enforcer, bus, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rollout orchestrator")
	}
	monitor.RegisterAlertSink(orch)

	scorer := shadow.NewHTTPScorer(cfg.Shadow.ScorerEndpoint, cfg.Shadow.ScorerTimeout, logger)
	eval, err := shadow.NewEvaluator(&shadow.Config{
		TickInterval:  cfg.Shadow.TickInterval,
		TickBudget:    cfg.Shadow.TickBudget,
		Workers:       cfg.Shadow.Workers,
		QueueSize:     cfg.Shadow.QueueSize,
		MinSampleSize: cfg.Shadow.MinSampleSize,
		Confidence:    cfg.Shadow.Confidence,
	}, store, scorer, bus, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create shadow evaluator")
	}

	// Observability
	metrics, err := observability.NewMetrics(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create metrics")
	}
	health := observability.NewHealth(version, logger)
	health.AddCheck("storage", store.Ping)

	if err := metrics.RegisterResolveCache(reg.CacheStats); err != nil {
		logger.WithError(err).Error("Failed to register resolve cache metrics")
	}
	monitor.SetCheckHook(func(result *models.DriftCheckResult) {
		metrics.RecordDriftCheck(result.TenantID, result.Label, string(result.Severity), result.PSI, result.JSDivergence)
	})
	enforcer.SetLedgerHook(func(ledger *models.BudgetLedger) {
		metrics.SetBudgetSpendRatio(ledger.TenantID, ledger.SpendRatio())
	})
	orch.SetTransitionHook(func(r *models.Rollout) {
		metrics.RecordRolloutTransition(r.TenantID, string(r.Phase), float64(r.Phase.Percentage()))
	})
	eval.SetSampleHook(func(tenantID string, mode models.ExperimentMode, arm models.Arm) {
		metrics.RecordExperimentSample(tenantID, string(mode), string(arm))
	})
	eval.SetDropHook(metrics.RecordShadowDrop)

	// Autoswitch events carry the direction the metric needs.
	autoswitch := bus.Subscribe(events.TopicBudgetAutoswitch)
	go func() {
		for event := range autoswitch {
			payload, ok := event.Payload.(*events.AutoswitchPayload)
			if !ok {
				continue
			}
			direction := "restore"
			if payload.Ledger != nil && payload.Ledger.Downgraded() {
				direction = "downgrade"
			}
			metrics.RecordAutoswitch(event.TenantID, direction)
		}
	}()

	// Resume rollouts that were in flight when the previous process stopped.
	if err := orch.Resume(ctx); err != nil {
		logger.WithError(err).Error("Failed to resume in-flight rollouts")
	}

	eval.Start(ctx)

	// Background loops
	loops := []*ticker.Loop{
		ticker.NewLoop(ticker.LoopConfig{
			Name:       "rollout",
			Interval:   cfg.Rollout.TickInterval,
			Jitter:     cfg.Rollout.TickJitter,
			TickBudget: cfg.Rollout.TickBudget,
			OnTick:     metrics.ObserveTick,
		}, orch.Evaluate, logger),
		ticker.NewLoop(ticker.LoopConfig{
			Name:       "drift",
			Interval:   cfg.Drift.TickInterval,
			TickBudget: cfg.Drift.TickBudget,
			OnTick:     metrics.ObserveTick,
		}, monitor.Sweep, logger),
		ticker.NewLoop(ticker.LoopConfig{
			Name:       "budget",
			Interval:   cfg.Budget.TickInterval,
			TickBudget: cfg.Budget.TickBudget,
			OnTick:     metrics.ObserveTick,
		}, enforcer.Evaluate, logger),
		ticker.NewLoop(ticker.LoopConfig{
			Name:       "experiment",
			Interval:   cfg.Shadow.TickInterval,
			TickBudget: cfg.Shadow.TickBudget,
			OnTick:     metrics.ObserveTick,
		}, eval.Evaluate, logger),
	}
	for _, loop := range loops {
		if err := loop.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start background loop")
		}
	}

	// HTTP API
	router := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Metrics:      metrics,
		Health:       health,
		Registry:     reg,
		Orchestrator: orch,
		Drift:        monitor,
		Budget:       enforcer,
		Evaluator:    eval,
	})

	// Start metrics server
	go func() {
		metricsAddr := cfg.GetMetricsAddress()
		logger.WithField("address", metricsAddr).Info("Starting metrics server")

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())

		if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	// Configure main server
	srv := &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      router.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		logger.WithField("address", srv.Addr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	health.SetReady(true)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")
	health.SetReady(false)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	cancel()
	for _, loop := range loops {
		loop.Stop()
	}
	eval.Stop()
	bus.Close()
	if err := store.Close(); err != nil {
		logger.WithError(err).Error("Storage close failed")
	}

	logger.Info("Server stopped")
}

func setupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}
