package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
	"github.com/kirillkom/clinical-batch-intake/internal/core/usecase"
)

// Subscriber delivers batch ids from the submitted and cancel subjects.
// Both calls block until ctx is done.
type Subscriber interface {
	SubscribeBatchSubmitted(ctx context.Context, handler func(context.Context, string) error) error
	SubscribeBatchCancel(ctx context.Context, handler func(context.Context, string) error) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepResult, error)
}

type Recoverer interface {
	Sweep(ctx context.Context) (usecase.RecoveryResult, error)
}

// SweepObserver is satisfied by worker metrics.
type SweepObserver interface {
	ReconcileSwept(linked, failed int)
	BatchesRecovered(finalized, failed int)
}

type Options struct {
	// BatchTimeout bounds one ProcessBatch run.
	BatchTimeout time.Duration
	// ReconcileSchedule is a cron spec; empty disables the sweep.
	ReconcileSchedule string
	// RecoverySchedule is a cron spec for re-running stale batches; empty disables it.
	RecoverySchedule string
	SweepTimeout     time.Duration
	// RetryAttempts bounds runs of one submitted batch whose failure is temporary.
	RetryAttempts int
	RetryBackoff  time.Duration
}

type Consumer struct {
	subscriber Subscriber
	processor  ports.BatchProcessor
	sweeper    Sweeper
	recoverer  Recoverer
	observer   SweepObserver
	opts       Options
}

func NewConsumer(
	subscriber Subscriber,
	processor ports.BatchProcessor,
	sweeper Sweeper,
	recoverer Recoverer,
	observer SweepObserver,
	opts Options,
) *Consumer {
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 30 * time.Minute
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = 2 * time.Minute
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Consumer{
		subscriber: subscriber,
		processor:  processor,
		sweeper:    sweeper,
		recoverer:  recoverer,
		observer:   observer,
		opts:       opts,
	}
}

// Run consumes both subjects and runs the reconciliation schedule until ctx
// is done or a subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	scheduler, err := c.newScheduler(ctx)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.subscriber.SubscribeBatchSubmitted(groupCtx, c.HandleSubmitted)
	})
	group.Go(func() error {
		return c.subscriber.SubscribeBatchCancel(groupCtx, c.HandleCancel)
	})

	if scheduler != nil {
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}
	slog.Info("worker_started",
		"reconcile_schedule", c.opts.ReconcileSchedule,
		"recovery_schedule", c.opts.RecoverySchedule,
	)
	return group.Wait()
}

func (c *Consumer) newScheduler(ctx context.Context) (*cron.Cron, error) {
	sweep := c.sweeper != nil && c.opts.ReconcileSchedule != ""
	recovery := c.recoverer != nil && c.opts.RecoverySchedule != ""
	if !sweep && !recovery {
		return nil, nil
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if sweep {
		if _, err := scheduler.AddFunc(c.opts.ReconcileSchedule, func() { c.RunSweep(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule note reconciliation %q: %w", c.opts.ReconcileSchedule, err)
		}
	}
	if recovery {
		if _, err := scheduler.AddFunc(c.opts.RecoverySchedule, func() { c.RunRecovery(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule batch recovery %q: %w", c.opts.RecoverySchedule, err)
		}
	}
	return scheduler, nil
}

// HandleSubmitted runs one batch. A batch already final is a no-op inside
// ProcessBatch, so a temporary failure is retried by running it again; what
// is still unfinished afterwards is left to the recovery schedule.
func (c *Consumer) HandleSubmitted(ctx context.Context, batchID string) error {
	start := time.Now()
	var (
		result domain.ProcessingResult
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = c.runBatch(ctx, batchID)
		if err == nil || !domain.IsKind(err, domain.ErrTemporary) || attempt >= c.opts.RetryAttempts {
			break
		}
		slog.Warn("batch_run_retry", "batch_id", batchID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("process batch %s: %w", batchID, err)
		case <-time.After(c.opts.RetryBackoff):
		}
	}
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			slog.Warn("batch_not_found", "batch_id", batchID)
			return nil
		}
		return fmt.Errorf("process batch %s: %w", batchID, err)
	}
	slog.Info(
		"batch_processed",
		"batch_id", result.BatchID,
		"status", result.Status,
		"total_files", result.TotalFiles,
		"processed", result.ProcessedCount,
		"failed", result.FailedCount,
		"review", result.ReviewCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (c *Consumer) runBatch(ctx context.Context, batchID string) (domain.ProcessingResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.opts.BatchTimeout)
	defer cancel()
	return c.processor.ProcessBatch(runCtx, batchID)
}

// HandleCancel reaches every worker; only the one running the batch acts.
func (c *Consumer) HandleCancel(_ context.Context, batchID string) error {
	if c.processor.CancelBatch(batchID) {
		slog.Info("batch_cancel_delivered", "batch_id", batchID)
		return nil
	}
	slog.Debug("batch_cancel_ignored", "batch_id", batchID, "reason", "not running on this worker")
	return nil
}

func (c *Consumer) RunSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sweepCtx, cancel := context.WithTimeout(ctx, c.opts.SweepTimeout)
	defer cancel()

	result, err := c.sweeper.Sweep(sweepCtx)
	if c.observer != nil {
		c.observer.ReconcileSwept(result.Linked, result.Failed)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("note_reconcile_failed", "error", err, "scanned", result.Scanned)
		return
	}
	if result.Scanned > 0 {
		slog.Info("note_reconcile_done", "scanned", result.Scanned, "linked", result.Linked, "failed", result.Failed)
	}
}

func (c *Consumer) RunRecovery(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := c.recoverer.Sweep(ctx)
	if c.observer != nil {
		c.observer.BatchesRecovered(result.Finalized, result.Failed)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("batch_recovery_sweep_failed", "error", err)
	}
}
