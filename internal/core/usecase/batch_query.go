package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

// BatchQueryService is the read side for batch progress, file detail and the
// review queue. Records of another owner are reported as not found.
type BatchQueryService struct {
	store ports.BatchStore
}

func NewBatchQueryService(store ports.BatchStore) *BatchQueryService {
	return &BatchQueryService{store: store}
}

func (s *BatchQueryService) GetBatch(ctx context.Context, ownerID, batchID string) (*domain.Batch, error) {
	return ownedBatch(ctx, s.store, ownerID, batchID)
}

func (s *BatchQueryService) ListBatches(ctx context.Context, ownerID string) ([]domain.Batch, error) {
	batches, err := s.store.ListBatches(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

func (s *BatchQueryService) ListFiles(ctx context.Context, ownerID, batchID string) ([]domain.File, error) {
	if _, err := ownedBatch(ctx, s.store, ownerID, batchID); err != nil {
		return nil, err
	}
	files, err := s.store.GetFilesByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch files: %w", err)
	}
	return files, nil
}

func (s *BatchQueryService) GetFile(ctx context.Context, ownerID, fileID string) (*domain.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	if file.OwnerID != ownerID {
		return nil, domain.WrapError(domain.ErrFileNotFound, "fetch file", fmt.Errorf("id=%s", fileID))
	}
	return file, nil
}

func (s *BatchQueryService) ListReviewQueue(ctx context.Context, ownerID string) ([]domain.File, error) {
	files, err := s.store.GetFilesRequiringReview(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list files requiring review: %w", err)
	}
	return files, nil
}

// RequestCancel asks every worker to stop processing the batch.
func (m *BatchManager) RequestCancel(ctx context.Context, ownerID, batchID string) error {
	batch, err := ownedBatch(ctx, m.store, ownerID, batchID)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return domain.WrapError(domain.ErrConflict, "cancel batch", fmt.Errorf("batch %s is already %s", batchID, batch.Status))
	}
	if err := m.queue.PublishBatchCancel(ctx, batchID); err != nil {
		return fmt.Errorf("publish batch cancel event: %w", err)
	}
	return nil
}

func ownedBatch(ctx context.Context, store ports.BatchStore, ownerID, batchID string) (*domain.Batch, error) {
	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	if batch.OwnerID != ownerID {
		return nil, domain.WrapError(domain.ErrBatchNotFound, "fetch batch", fmt.Errorf("id=%s", batchID))
	}
	return batch, nil
}
