package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

type BatchRecovererOptions struct {
	// StaleAfter must exceed the worker's batch run timeout so live runs are
	// never claimed.
	StaleAfter time.Duration
	BatchSize  int
	// RunTimeout bounds each re-run.
	RunTimeout time.Duration
}

// BatchRecoverer re-runs batches that never reached a terminal status: a lost
// submitted event, a crashed worker or a failed final write. ProcessBatch
// resumes from persisted file state, so a re-run only touches unfinished files.
type BatchRecoverer struct {
	store     ports.BatchStore
	processor ports.BatchProcessor
	opts      BatchRecovererOptions
	now       func() time.Time
}

type RecoveryResult struct {
	Claimed   int
	Finalized int
	Failed    int
}

func NewBatchRecoverer(store ports.BatchStore, processor ports.BatchProcessor, opts BatchRecovererOptions) *BatchRecoverer {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 35 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	return &BatchRecoverer{
		store:     store,
		processor: processor,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *BatchRecoverer) Sweep(ctx context.Context) (RecoveryResult, error) {
	now := r.now()
	batches, err := r.store.ClaimStaleBatches(ctx, now.Add(-r.opts.StaleAfter), now, r.opts.BatchSize)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("claim stale batches: %w", err)
	}

	result := RecoveryResult{Claimed: len(batches)}
	for _, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		slog.Warn("batch_recovery_started", "batch_id", batch.ID, "status", batch.Status)
		if err := r.rerun(ctx, batch.ID); err != nil {
			result.Failed++
			slog.Error("batch_recovery_failed", "batch_id", batch.ID, "error", err)
			continue
		}
		result.Finalized++
	}

	if result.Claimed > 0 {
		slog.Info("batch_recovery_sweep",
			"claimed", result.Claimed,
			"finalized", result.Finalized,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (r *BatchRecoverer) rerun(ctx context.Context, batchID string) error {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	res, err := r.processor.ProcessBatch(runCtx, batchID)
	if err != nil {
		return err
	}
	slog.Info("batch_recovered", "batch_id", batchID, "status", res.Status, "processed", res.ProcessedCount, "total_files", res.TotalFiles)
	return nil
}
