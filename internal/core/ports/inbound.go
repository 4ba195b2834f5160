package ports

import (
	"context"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

// BatchSubmitter is the inbound contract of the upload boundary.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, ownerID, name string, uploads []domain.Upload) (*domain.Batch, error)
}

// BatchProcessor is the inbound contract for asynchronous batch processing.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID string) (domain.ProcessingResult, error)
	CancelBatch(batchID string) bool
}

// BatchCanceller requests cancellation of a batch running on any worker.
type BatchCanceller interface {
	RequestCancel(ctx context.Context, ownerID, batchID string) error
}

// BatchReader is the query boundary for batch progress and file detail.
type BatchReader interface {
	GetBatch(ctx context.Context, ownerID, batchID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, ownerID string) ([]domain.Batch, error)
	ListFiles(ctx context.Context, ownerID, batchID string) ([]domain.File, error)
	GetFile(ctx context.Context, ownerID, fileID string) (*domain.File, error)
	ListReviewQueue(ctx context.Context, ownerID string) ([]domain.File, error)
}

// ReviewAssigner is the review boundary.
type ReviewAssigner interface {
	AssignFileToClient(ctx context.Context, ownerID, fileID string, assignment domain.Assignment) (*domain.File, *domain.Note, error)
	UpdateFile(ctx context.Context, ownerID, fileID string, update domain.FileUpdate) (*domain.File, error)
}
