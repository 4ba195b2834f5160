package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

// BatchStore is the storage gateway for batches, files and the notes created from them.
// Calls are atomic at the single-record level.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *domain.Batch) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	UpdateBatch(ctx context.Context, id string, update domain.BatchUpdate) error
	ListBatches(ctx context.Context, ownerID string) ([]domain.Batch, error)
	// ClaimStaleBatches returns up to limit non-terminal batches whose run began
	// (or that were created) before the cutoff, stamping their start with now
	// so concurrent callers never claim the same batch twice.
	ClaimStaleBatches(ctx context.Context, before, now time.Time, limit int) ([]domain.Batch, error)

	CreateFile(ctx context.Context, file *domain.File) error
	GetFile(ctx context.Context, id string) (*domain.File, error)
	GetFilesByBatch(ctx context.Context, batchID string) ([]domain.File, error)
	UpdateFile(ctx context.Context, id string, update domain.FileUpdate) error
	GetFilesRequiringReview(ctx context.Context, ownerID string) ([]domain.File, error)
	ListNotelessProcessedFiles(ctx context.Context, before time.Time, limit int) ([]domain.File, error)

	// CreateNoteFromFile returns the existing note when one was already created for the file.
	CreateNoteFromFile(ctx context.Context, fileID string) (*domain.Note, error)
	GetClient(ctx context.Context, ownerID, clientID string) (*domain.Client, error)
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// BatchQueue publishes batch lifecycle events to workers.
type BatchQueue interface {
	PublishBatchSubmitted(ctx context.Context, batchID string) error
	PublishBatchCancel(ctx context.Context, batchID string) error
}

// Extractor turns raw document bytes into structured clinical fields.
// Errors of kind domain.ErrTemporary are transient.
type Extractor interface {
	Extract(ctx context.Context, data []byte, filename string) (domain.Extraction, error)
}

// ProcessingObserver receives pipeline events; implemented by worker metrics.
type ProcessingObserver interface {
	FileStarted()
	FileFinished(outcome domain.Outcome, duration time.Duration)
	ExtractRetried()
	BatchFinished(status domain.BatchStatus, duration time.Duration)
}
