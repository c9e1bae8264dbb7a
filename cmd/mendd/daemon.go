package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/config"
	"github.com/fyrsmithlabs/mendloop/internal/decide"
	"github.com/fyrsmithlabs/mendloop/internal/diagnose"
	"github.com/fyrsmithlabs/mendloop/internal/extract"
	"github.com/fyrsmithlabs/mendloop/internal/logging"
	"github.com/fyrsmithlabs/mendloop/internal/loop"
	"github.com/fyrsmithlabs/mendloop/internal/mutate"
	"github.com/fyrsmithlabs/mendloop/internal/snapshot"
	"github.com/fyrsmithlabs/mendloop/internal/statestore"
	"github.com/fyrsmithlabs/mendloop/internal/status"
	"github.com/fyrsmithlabs/mendloop/internal/telemetry"
	"github.com/fyrsmithlabs/mendloop/internal/verify"
)

// runDaemon starts the loop daemon and blocks until the run finishes
// or a shutdown signal arrives.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and logger
//  3. Open the state store
//  4. Wire loop components (aggregator, generator, executor, verifier)
//  5. Start the status HTTP server
//  6. Run (or resume) the control loop
//  7. Graceful shutdown
func runDaemon(ctx context.Context, resume bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Enabled {
		telCfg.Enabled = true
		telCfg.Insecure = cfg.Telemetry.Insecure
		if cfg.Telemetry.Endpoint != "" {
			telCfg.Endpoint = cfg.Telemetry.Endpoint
		}
		if cfg.Telemetry.ServiceName != "" {
			telCfg.ServiceName = cfg.Telemetry.ServiceName
		}
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Telemetry.LogLevel
	logCfg.OTEL = tel.IsEnabled()
	logger, err := logging.New(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if tel.IsDegraded() {
		logger.Warn("telemetry degraded", zap.String("reason", tel.DegradedReason()))
	}

	storeCfg := statestore.DefaultConfig(cfg.Store.Path)
	storeCfg.SyncWrites = !cfg.Store.NoSyncWrites
	store, err := statestore.Open(storeCfg, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state store", zap.Error(err))
		}
	}()

	controller, err := buildController(cfg, store, logger)
	if err != nil {
		return err
	}

	server, err := status.NewServer(controller, logger, &status.Config{Host: "localhost", Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("creating status server: %w", err)
	}
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("status server failed", zap.Error(err))
		}
	}()

	// Signals request a manual stop; the loop drains the current
	// iteration and exits at the next exit check.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping after current iteration",
				zap.String("signal", sig.String()))
			controller.Stop()
		case <-ctx.Done():
		}
	}()

	var report *loop.Report
	if resume {
		report, err = controller.Resume(ctx)
	} else {
		report, err = controller.Run(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("status server shutdown", zap.Error(serr))
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("run cancelled")
			return nil
		}
		return fmt.Errorf("remediation run: %w", err)
	}

	logger.Info("run complete",
		zap.String("run_id", report.RunID),
		zap.String("exit_reason", string(report.ExitReason)),
		zap.Int("iterations", report.Iterations),
		zap.Float64("reduction_pct", report.ReductionPct))
	return nil
}

// buildController wires the loop components from configuration.
func buildController(cfg *config.Config, store *statestore.Store, logger *zap.Logger) (*loop.Controller, error) {
	classifier := snapshot.NewRuleClassifier()
	aggregator, err := snapshot.NewAggregator(&snapshot.AggregatorConfig{
		EvidenceLimit: cfg.Snapshot.EvidenceLimit,
	}, classifier, logger)
	if err != nil {
		return nil, fmt.Errorf("creating aggregator: %w", err)
	}

	generator, err := diagnose.NewRuleGenerator(&diagnose.RuleGeneratorConfig{
		ComponentsDir: cfg.Diagnose.ComponentsDir,
		ArtifactName:  cfg.Diagnose.ArtifactName,
		MinFailures:   cfg.Diagnose.MinFailures,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating candidate generator: %w", err)
	}

	host, err := mutate.NewHTTPHost(&mutate.HTTPHostConfig{
		BaseURL: cfg.Host.BaseURL,
		Token:   cfg.Host.Token.Value(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating host controller: %w", err)
	}

	executor, err := mutate.NewExecutor(&mutate.Config{
		BackupDir:         cfg.Mutate.BackupDir,
		RestartTimeout:    cfg.Mutate.RestartTimeout.Duration(),
		ReadyPollInterval: cfg.Mutate.ReadyPollInterval.Duration(),
	}, store, host, logger)
	if err != nil {
		return nil, fmt.Errorf("creating mutation executor: %w", err)
	}

	trigger, err := verify.NewHTTPTrigger(&verify.HTTPTriggerConfig{
		BaseURL: cfg.Verify.TriggerBaseURL,
		Token:   cfg.Verify.TriggerToken.Value(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating trigger: %w", err)
	}

	verifier, err := verify.NewVerifier(&verify.Config{
		SampleSize:        cfg.Verify.SampleSize,
		Concurrency:       cfg.Verify.Concurrency,
		TriggersPerSecond: cfg.Verify.TriggersPerSecond,
		SettleWait:        cfg.Verify.SettleWait.Duration(),
	}, trigger, aggregator, logger)
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}

	controller, err := loop.NewController(&loop.Config{
		MaxIterations:       cfg.Loop.MaxIterations,
		PlateauThresholdPct: cfg.Loop.PlateauThresholdPct,
		PlateauWindow:       cfg.Loop.PlateauWindow,
		ExhaustedStreak:     cfg.Loop.ExhaustedStreak,
		TargetReductionPct:  cfg.Loop.TargetReductionPct,
		ObservationWindow:   cfg.Loop.ObservationWindow.Duration(),
		IterationPause:      cfg.Loop.IterationPause.Duration(),
	}, loop.Deps{
		Aggregator: aggregator,
		Sources:    []snapshot.Source{snapshot.NewLogSource(cfg.Snapshot.LogDir)},
		Generator:  generator,
		Executor:   executor,
		Verifier:   verifier,
		Extractor:  extract.NewExtractor(logger),
		Policy: decide.Policy{
			KeepThreshold:    cfg.Decide.KeepThreshold,
			MonitorThreshold: cfg.Decide.MonitorThreshold,
		},
		Store: store,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating controller: %w", err)
	}
	return controller, nil
}
