package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillkom/clinical-batch-intake/internal/adapters/worker"
	"github.com/kirillkom/clinical-batch-intake/internal/bootstrap"
	"github.com/kirillkom/clinical-batch-intake/internal/config"
	"github.com/kirillkom/clinical-batch-intake/internal/observability/logging"
	"github.com/kirillkom/clinical-batch-intake/internal/observability/metrics"
)

const serviceName = "intake-worker"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv_load_failed", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, workerMetrics)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	consumer := worker.NewConsumer(app.Queue, app.Manager, app.Reconciler, app.Recoverer, workerMetrics, worker.Options{
		BatchTimeout:      cfg.BatchTimeout,
		ReconcileSchedule: cfg.ReconcileSchedule,
		RecoverySchedule:  cfg.RecoverySchedule,
		RetryAttempts:     cfg.SubmitRetries,
	})
	logger.Info("worker_subscribed", "submitted", cfg.NATSSubmittedSubject, "cancel", cfg.NATSCancelSubject)
	if err := consumer.Run(ctx); err != nil {
		logger.Error("worker_stopped", "error", err)
		return
	}
}
