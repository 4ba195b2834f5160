package usecase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

// SubmitBatch validates every upload, stores the documents, records the batch
// in "uploading" with one pending file per upload and hands it to the workers.
// Nothing is written when validation fails.
func (m *BatchManager) SubmitBatch(
	ctx context.Context,
	ownerID, name string,
	uploads []domain.Upload,
) (*domain.Batch, error) {
	const op = "submit batch"

	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return nil, domain.ValidationError(op, "owner id is required")
	}
	if name == "" {
		return nil, domain.ValidationError(op, "batch name is required")
	}
	accepted, err := m.opts.Upload.Validate(uploads)
	if err != nil {
		return nil, err
	}

	now := m.now()
	batchID := uuid.NewString()
	files := make([]*domain.File, 0, len(accepted))
	savedKeys := make([]string, 0, len(accepted))

	for _, upload := range accepted {
		fileID := uuid.NewString()
		storageKey := fmt.Sprintf("%s/%s_%s", batchID, fileID, sanitizeFilename(upload.Filename))
		if err := m.storage.Save(ctx, storageKey, bytes.NewReader(upload.Data)); err != nil {
			m.discard(ctx, savedKeys)
			return nil, fmt.Errorf("save %q to object storage: %w", upload.Filename, err)
		}
		savedKeys = append(savedKeys, storageKey)

		files = append(files, &domain.File{
			ID:               fileID,
			BatchID:          batchID,
			OwnerID:          ownerID,
			OriginalFilename: strings.TrimSpace(upload.Filename),
			MimeType:         upload.mimeType,
			SizeBytes:        int64(len(upload.Data)),
			StoragePath:      storageKey,
			Status:           domain.FileUploaded,
			ProcessingStatus: domain.StagePending,
			Themes:           []string{},
			UploadedAt:       now,
			UpdatedAt:        now,
		})
	}

	batch := &domain.Batch{
		ID:         batchID,
		OwnerID:    ownerID,
		Name:       name,
		TotalFiles: len(files),
		Status:     domain.BatchUploading,
		CreatedAt:  now,
	}
	if err := m.store.CreateBatch(ctx, batch); err != nil {
		m.discard(ctx, savedKeys)
		return nil, fmt.Errorf("create batch record: %w", err)
	}
	for i, file := range files {
		if err := m.store.CreateFile(ctx, file); err != nil {
			err = fmt.Errorf("create file record %s: %w", file.ID, err)
			m.abandon(ctx, batch, files[:i], savedKeys, err)
			return nil, err
		}
	}

	if err := m.queue.PublishBatchSubmitted(ctx, batchID); err != nil {
		err = fmt.Errorf("publish batch submitted event: %w", err)
		m.abandon(ctx, batch, files, savedKeys, err)
		return nil, err
	}

	slog.Info("batch_submitted",
		"batch_id", batchID,
		"owner_id", ownerID,
		"accepted_files", len(files),
	)
	return batch, nil
}

func (m *BatchManager) discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := m.storage.Delete(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn("discard_upload_failed", "storage_key", key, "error", err)
		}
	}
}

// abandon closes out a batch whose submission failed after its record was
// written: stored documents are removed, the files recorded so far are failed
// and the batch is finalized as failed over exactly those files.
func (m *BatchManager) abandon(ctx context.Context, batch *domain.Batch, created []*domain.File, keys []string, cause error) {
	ctx = context.WithoutCancel(ctx)
	m.discard(ctx, keys)

	now := m.now()
	nowPtr := &now
	msg := "batch submission aborted: " + cause.Error()
	status, stage := domain.FileFailed, domain.StageFailed
	failed := 0
	for _, file := range created {
		update := domain.FileUpdate{
			Status:           &status,
			ProcessingStatus: &stage,
			ErrorDetails:     &msg,
			ProcessedAt:      &nowPtr,
		}
		if err := m.store.UpdateFile(ctx, file.ID, update); err != nil {
			slog.Error("abandon_file_failed", "batch_id", batch.ID, "file_id", file.ID, "error", err)
			continue
		}
		failed++
	}

	total := len(created)
	if failed != total {
		// Stale-batch recovery finishes it from the persisted file state.
		slog.Error("abandon_batch_incomplete", "batch_id", batch.ID, "failed_files", failed, "total_files", total)
		return
	}
	batchStatus := domain.BatchFailed
	update := domain.CountsUpdate(domain.BatchCounts{Total: total, Processed: total, Failed: total})
	update.Status = &batchStatus
	update.TotalFiles = &total
	update.CompletedAt = &now
	if err := m.store.UpdateBatch(ctx, batch.ID, update); err != nil {
		slog.Error("abandon_batch_failed", "batch_id", batch.ID, "error", err)
		return
	}
	slog.Warn("batch_submission_abandoned", "batch_id", batch.ID, "recorded_files", total, "error", cause)
}
