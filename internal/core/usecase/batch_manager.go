package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

const (
	defaultBatchConcurrency = 4
	pendingCancelTTL        = time.Hour
)

type BatchManagerOptions struct {
	// Concurrency is the fixed worker-pool size per batch run.
	Concurrency int
	Upload      UploadPolicy
}

// BatchManager owns the batch lifecycle: it accepts uploads, fans files out
// to a bounded pool of file processors, and is the only writer of batch
// aggregates.
type BatchManager struct {
	store     ports.BatchStore
	storage   ports.ObjectStorage
	queue     ports.BatchQueue
	processor *FileProcessor
	observer  ports.ProcessingObserver
	opts      BatchManagerOptions
	now       func() time.Time

	mu             sync.Mutex
	runs           map[string]*batchRun
	pendingCancels map[string]time.Time
}

type batchRun struct {
	mu     sync.Mutex
	refs   int
	cancel context.CancelFunc
}

func NewBatchManager(
	store ports.BatchStore,
	storage ports.ObjectStorage,
	queue ports.BatchQueue,
	processor *FileProcessor,
	observer ports.ProcessingObserver,
	opts BatchManagerOptions,
) *BatchManager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultBatchConcurrency
	}
	if opts.Upload == (UploadPolicy{}) {
		opts.Upload = DefaultUploadPolicy()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &BatchManager{
		store:          store,
		storage:        storage,
		queue:          queue,
		processor:      processor,
		observer:       observer,
		opts:           opts,
		now:            func() time.Time { return time.Now().UTC() },
		runs:           make(map[string]*batchRun),
		pendingCancels: make(map[string]time.Time),
	}
}

// ProcessBatch processes every file of the batch that is not yet in a
// terminal state and finalizes the batch. Calling it again is safe: a
// finalized batch returns its persisted counts without touching any file.
func (m *BatchManager) ProcessBatch(ctx context.Context, batchID string) (domain.ProcessingResult, error) {
	run := m.acquire(batchID)
	defer m.release(batchID, run)

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.ProcessingResult{}, fmt.Errorf("fetch batch: %w", err)
	}
	if batch.Status.IsTerminal() {
		m.clearPendingCancel(batchID)
		slog.Info("batch_already_final", "batch_id", batchID, "status", batch.Status)
		return resultFromBatch(batch), nil
	}

	started := m.now()
	if batch.Status == domain.BatchUploading {
		status := domain.BatchProcessing
		if err := m.store.UpdateBatch(ctx, batchID, domain.BatchUpdate{
			Status:              &status,
			ProcessingStartedAt: &started,
		}); err != nil {
			return domain.ProcessingResult{}, fmt.Errorf("set batch status=processing: %w", err)
		}
		batch.Status = status
		batch.ProcessingStartedAt = &started
	}

	files, err := m.store.GetFilesByBatch(ctx, batchID)
	if err != nil {
		return domain.ProcessingResult{}, fmt.Errorf("list batch files: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.attachCancel(batchID, run, cancel)

	pending := make([]domain.File, 0, len(files))
	for _, f := range files {
		if f.NeedsDispatch() {
			pending = append(pending, f)
		}
	}
	slog.Info("batch_dispatch",
		"batch_id", batchID,
		"total_files", len(files),
		"dispatched_files", len(pending),
		"concurrency", m.opts.Concurrency,
	)
	m.dispatch(runCtx, batchID, pending)

	return m.finalize(context.WithoutCancel(ctx), batch, started)
}

// CancelBatch cancels the batch run in this process. A cancel that arrives
// before the run starts is remembered for a while and applied on start.
func (m *BatchManager) CancelBatch(batchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prunePendingCancels()
	run, ok := m.runs[batchID]
	if ok && run.cancel != nil {
		run.cancel()
		slog.Info("batch_cancelled", "batch_id", batchID)
		return true
	}
	m.pendingCancels[batchID] = m.now()
	return false
}

func (m *BatchManager) dispatch(ctx context.Context, batchID string, files []domain.File) {
	if len(files) == 0 {
		return
	}

	done := make(chan struct{}, len(files))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		m.collectProgress(context.WithoutCancel(ctx), batchID, done)
	}()

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for i := range files {
		file := files[i]
		g.Go(func() error {
			defer func() { done <- struct{}{} }()
			m.processor.Process(ctx, &file)
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	<-collected
}

// collectProgress is the single writer of in-flight batch counts. Counts are
// recomputed from persisted file state, so completions may arrive in any order.
func (m *BatchManager) collectProgress(ctx context.Context, batchID string, done <-chan struct{}) {
	for range done {
		drain(done)
		files, err := m.store.GetFilesByBatch(ctx, batchID)
		if err != nil {
			slog.Warn("batch_progress_read_failed", "batch_id", batchID, "error", err)
			continue
		}
		counts := domain.CountFiles(files)
		if err := m.store.UpdateBatch(ctx, batchID, domain.CountsUpdate(counts)); err != nil {
			slog.Warn("batch_progress_write_failed", "batch_id", batchID, "error", err)
		}
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (m *BatchManager) finalize(ctx context.Context, batch *domain.Batch, started time.Time) (domain.ProcessingResult, error) {
	files, err := m.store.GetFilesByBatch(ctx, batch.ID)
	if err != nil {
		return domain.ProcessingResult{}, fmt.Errorf("re-read batch files: %w", err)
	}
	counts := domain.CountFiles(files)
	result := domain.ProcessingResult{
		BatchID:        batch.ID,
		Status:         batch.Status,
		ProcessedCount: counts.Processed,
		FailedCount:    counts.Failed,
		ReviewCount:    counts.Review,
		TotalFiles:     counts.Total,
	}

	if counts.Pending > 0 {
		if err := m.store.UpdateBatch(ctx, batch.ID, domain.CountsUpdate(counts)); err != nil {
			slog.Warn("batch_progress_write_failed", "batch_id", batch.ID, "error", err)
		}
		return result, domain.WrapError(
			domain.ErrTemporary,
			"finalize batch",
			fmt.Errorf("%d of %d files are not in a terminal state", counts.Pending, counts.Total),
		)
	}

	status := counts.FinalStatus()
	completedAt := m.now()
	update := domain.CountsUpdate(counts)
	update.Status = &status
	update.TotalFiles = &counts.Total
	update.CompletedAt = &completedAt
	if err := m.store.UpdateBatch(ctx, batch.ID, update); err != nil {
		return result, fmt.Errorf("write final batch status: %w", err)
	}

	m.clearPendingCancel(batch.ID)
	duration := completedAt.Sub(started)
	m.observer.BatchFinished(status, duration)
	slog.Info("batch_finalized",
		"batch_id", batch.ID,
		"status", status,
		"total_files", counts.Total,
		"successful_files", counts.Successful,
		"failed_files", counts.Failed,
		"review_files", counts.Review,
		"duration_ms", duration.Milliseconds(),
	)

	result.Status = status
	return result, nil
}

func resultFromBatch(batch *domain.Batch) domain.ProcessingResult {
	return domain.ProcessingResult{
		BatchID:        batch.ID,
		Status:         batch.Status,
		ProcessedCount: batch.ProcessedFiles,
		FailedCount:    batch.FailedFiles,
		ReviewCount:    batch.ReviewFiles,
		TotalFiles:     batch.TotalFiles,
	}
}

// acquire serializes runs of the same batch within this process, so each
// file is driven by at most one processor at a time.
func (m *BatchManager) acquire(batchID string) *batchRun {
	m.mu.Lock()
	run, ok := m.runs[batchID]
	if !ok {
		run = &batchRun{}
		m.runs[batchID] = run
	}
	run.refs++
	m.mu.Unlock()

	run.mu.Lock()
	return run
}

func (m *BatchManager) release(batchID string, run *batchRun) {
	m.mu.Lock()
	run.cancel = nil
	run.refs--
	if run.refs == 0 {
		delete(m.runs, batchID)
	}
	m.mu.Unlock()

	run.mu.Unlock()
}

func (m *BatchManager) attachCancel(batchID string, run *batchRun, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run.cancel = cancel
	if _, ok := m.pendingCancels[batchID]; ok {
		delete(m.pendingCancels, batchID)
		slog.Info("batch_cancelled_before_start", "batch_id", batchID)
		cancel()
	}
}

// clearPendingCancel drops a remembered cancel once the batch is final, so a
// later run of the same id on this worker starts clean.
func (m *BatchManager) clearPendingCancel(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingCancels, batchID)
}

func (m *BatchManager) prunePendingCancels() {
	cutoff := m.now().Add(-pendingCancelTTL)
	for id, at := range m.pendingCancels {
		if at.Before(cutoff) {
			delete(m.pendingCancels, id)
		}
	}
}
