package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/clinical-batch-intake/internal/config"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
	"github.com/kirillkom/clinical-batch-intake/internal/core/usecase"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/queue/nats"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/storage/localfs"
)

type App struct {
	Config config.Config

	Queue      *nats.Queue
	Store      ports.BatchStore
	Manager    *usecase.BatchManager
	Query      *usecase.BatchQueryService
	Review     *usecase.ReviewService
	Reconciler *usecase.NoteReconciler
	Recoverer  *usecase.BatchRecoverer

	db        *sql.DB
	ollama    *ollama.Client
	executors map[string]*resilience.Executor
	closeFn   func()
}

// New wires the pipeline. observer may be nil when the process does not
// run batches.
func New(ctx context.Context, cfg config.Config, observer ports.ProcessingObserver) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store := postgres.NewBatchRepository(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	base := resilienceConfig(cfg)
	natsExecutor := resilience.NewExecutor(base)
	// The file processor retries a temporary extraction once itself.
	ollamaExecutor := resilience.NewExecutor(base.WithRetryAttempts(1))

	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Subjects{
		Submitted: cfg.NATSSubmittedSubject,
		Cancel:    cfg.NATSCancelSubject,
	}, nats.Options{ResilienceExecutor: natsExecutor})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaModel, ollama.Options{
		HTTPTimeout: cfg.OllamaTimeout,
		Executor:    ollamaExecutor,
		Limiter:     extractLimiter(cfg),
	})
	extractor := ollama.NewClinicalExtractor(ollamaClient)

	processor := usecase.NewFileProcessor(store, storage, extractor, observer, usecase.FileProcessorOptions{
		ExtractTimeout: cfg.ExtractTimeout,
	})
	manager := usecase.NewBatchManager(store, storage, queue, processor, observer, usecase.BatchManagerOptions{
		Concurrency: cfg.BatchConcurrency,
		Upload: usecase.UploadPolicy{
			MaxFiles:     cfg.UploadMaxFiles,
			MaxFileBytes: cfg.UploadMaxFileBytes,
		},
	})
	reconciler := usecase.NewNoteReconciler(store, usecase.NoteReconcilerOptions{
		GracePeriod: cfg.ReconcileGracePeriod,
		BatchSize:   cfg.ReconcileBatchSize,
	})

	// A batch still running under its own timeout must never look stale.
	staleAfter := max(cfg.RecoveryStaleAfter, cfg.BatchTimeout+time.Minute)
	recoverer := usecase.NewBatchRecoverer(store, manager, usecase.BatchRecovererOptions{
		StaleAfter: staleAfter,
		BatchSize:  cfg.RecoveryBatchSize,
		RunTimeout: cfg.BatchTimeout,
	})

	return &App{
		Config:     cfg,
		Queue:      queue,
		Store:      store,
		Manager:    manager,
		Query:      usecase.NewBatchQueryService(store),
		Review:     usecase.NewReviewService(store),
		Reconciler: reconciler,
		Recoverer:  recoverer,

		db:     db,
		ollama: ollamaClient,
		executors: map[string]*resilience.Executor{
			"nats":   natsExecutor,
			"ollama": ollamaExecutor,
		},
		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	if cfg.ResilienceRetryAttempts > 0 {
		out.RetryMaxAttempts = cfg.ResilienceRetryAttempts
	}
	if cfg.ResilienceRetryBackoff > 0 {
		out.RetryInitialBackoff = cfg.ResilienceRetryBackoff
		out.RetryMaxBackoff = 4 * cfg.ResilienceRetryBackoff
	}
	if cfg.ResilienceBreakerTimeout > 0 {
		out.BreakerOpenTimeout = cfg.ResilienceBreakerTimeout
	}
	return out
}

func extractLimiter(cfg config.Config) *rate.Limiter {
	if cfg.ExtractRatePerSec <= 0 {
		return nil
	}
	burst := cfg.ExtractBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.ExtractRatePerSec), burst)
}

// Health pings each dependency and reports circuit breaker states.
func (a *App) Health(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true
	record := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	record("postgres", a.db.PingContext(ctx))
	record("nats", a.Queue.Ping(ctx))
	if err := a.ollama.Ping(ctx); err != nil {
		// Extraction degrades to failed files rather than a down service.
		checks["ollama"] = err.Error()
	} else {
		checks["ollama"] = "ok"
	}

	for name, executor := range a.executors {
		for breaker, state := range executor.BreakerStates() {
			checks["breaker."+name+"."+breaker] = state
		}
	}
	return checks, healthy
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
