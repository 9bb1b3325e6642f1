// Package main implements the dispatch worker: the orchestration substrate
// that admits, executes, tracks, and persists background conversation
// analysis work.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/chatlens/dispatch/internal/admission"
	"github.com/chatlens/dispatch/internal/api"
	"github.com/chatlens/dispatch/internal/batch"
	"github.com/chatlens/dispatch/internal/config"
	"github.com/chatlens/dispatch/internal/events"
	"github.com/chatlens/dispatch/internal/lifecycle"
	"github.com/chatlens/dispatch/internal/platform/gemini"
	"github.com/chatlens/dispatch/internal/platform/logger"
	"github.com/chatlens/dispatch/internal/platform/postgres"
	"github.com/chatlens/dispatch/internal/progress"
	"github.com/chatlens/dispatch/internal/task"
	"github.com/chatlens/dispatch/migrations"
)

// windowSweepInterval and windowRetention bound the admission_windows
// table: per-second rows are useless moments after their window closes.
const (
	windowSweepInterval = 30 * time.Second
	windowRetention     = 10 * time.Second
)

// shutdownGrace bounds how long shutdown waits for the batcher to drain.
const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("worker starting",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := migrate(db); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared-store backed components.
	admissionStore := postgres.NewAdmissionStore(db, cfg.Admission.RateCeiling)
	progressStore := postgres.NewProgressStore(db)
	dlqStore := postgres.NewDeadLetterStore(db)
	resultStore := postgres.NewResultStore(db)

	emitter := events.NewInMemoryEmitter(appLogger)

	controller := admission.NewController(admissionStore, admission.Config{
		SyncInterval:    time.Duration(cfg.Admission.SyncIntervalMS) * time.Millisecond,
		Headroom:        cfg.Admission.Headroom,
		WorkerProcesses: cfg.Admission.WorkerProcesses,
		RateFloor:       cfg.Admission.RateFloor,
		RateCeiling:     cfg.Admission.RateCeiling,
		CleanWindow:     time.Duration(cfg.Admission.CleanWindowMS) * time.Millisecond,
		BreakerDisabled: cfg.Admission.BreakerDisabled,
	}, appLogger)

	ledger := progress.NewBufferedLedger(progressStore,
		cfg.Progress.FlushSize,
		time.Duration(cfg.Progress.FlushAgeMS)*time.Millisecond,
		appLogger)

	batcher := batch.NewBatcher(resultStore, ledger, emitter, batch.Config{
		MaxBatch:       cfg.Batcher.MaxBatch,
		MaxWait:        time.Duration(cfg.Batcher.MaxWaitMS) * time.Millisecond,
		ChunkSize:      cfg.Batcher.ChunkSize,
		CommitInterval: time.Duration(cfg.Batcher.CommitIntervalMS) * time.Millisecond,
	}, appLogger)

	runnerConfig := task.DefaultRunnerConfig()
	runnerConfig.QueueName = cfg.Lifecycle.QueueName

	// The runner resubmits dead-lettered tasks, and the manager routes
	// failures into the DLQ; the manager is built first with the runner
	// attached after, via the factory registration below.
	var runner *task.Runner
	manager := lifecycle.NewManager(dlqStore, ledger, resultStore,
		lifecycle.ResubmitterFunc(func(ctx context.Context, taskName string, args, kwargs json.RawMessage) error {
			return runner.Resubmit(ctx, taskName, args, kwargs)
		}),
		emitter, cfg.Lifecycle.MaxRetries, appLogger)
	runner = task.NewRunner(manager, ledger, progressStore, runnerConfig, appLogger)

	analyzer, err := gemini.NewAnalyzer(ctx, appLogger, cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}

	taskDeps := task.AnalysisTaskDeps{
		Analyzer:   analyzer,
		Admitter:   controller,
		Batcher:    batcher,
		RateKey:    cfg.LLM.RateLimitKey,
		RatePerSec: cfg.LLM.LimitPerSec,
		Logger:     appLogger,
	}
	runner.RegisterFactory(task.TypeConversationAnalysis, task.NewAnalysisTaskFactory(taskDeps))

	ledger.Start()
	batcher.Start()
	runner.Start()
	go sweepAdmissionWindows(ctx, admissionStore, appLogger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(api.NewRunHandler(ledger), api.NewDLQHandler(dlqStore, manager)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("ops server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		appLogger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		appLogger.Error("ops server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("ops server shutdown failed", "error", err)
	}

	runner.Stop()
	if !batcher.WaitUntilEmpty(shutdownGrace) {
		appLogger.Warn("batcher did not drain before shutdown deadline")
	}
	batcher.Stop()
	ledger.Stop()
	ledger.ForceFlush(context.Background())
	cancel()

	appLogger.Info("worker stopped")
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// sweepAdmissionWindows periodically deletes expired per-second admission
// windows from the shared store.
func sweepAdmissionWindows(ctx context.Context, store *postgres.AdmissionStore, logger *slog.Logger) {
	ticker := time.NewTicker(windowSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.SweepWindows(ctx, time.Now().Add(-windowRetention))
			if err != nil {
				logger.Error("failed to sweep admission windows", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("swept expired admission windows", "count", n)
			}
		}
	}
}
