package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

const defaultExtractTimeout = 90 * time.Second

type FileProcessorOptions struct {
	// ExtractTimeout bounds a single extractor attempt.
	ExtractTimeout time.Duration
}

// FileProcessor drives one file through
// pending → extracting_text → analyzing → matching_client → creating_note → completed.
// Any stage may end in failed. It never touches other files.
type FileProcessor struct {
	store     ports.BatchStore
	storage   ports.ObjectStorage
	extractor ports.Extractor
	observer  ports.ProcessingObserver
	opts      FileProcessorOptions
	now       func() time.Time
}

func NewFileProcessor(
	store ports.BatchStore,
	storage ports.ObjectStorage,
	extractor ports.Extractor,
	observer ports.ProcessingObserver,
	opts FileProcessorOptions,
) *FileProcessor {
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = defaultExtractTimeout
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &FileProcessor{
		store:     store,
		storage:   storage,
		extractor: extractor,
		observer:  observer,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process runs the pipeline for file and returns its terminal classification.
// Errors are recorded on the file, never returned; a panic is converted into
// the file's failed state.
func (p *FileProcessor) Process(ctx context.Context, file *domain.File) (outcome domain.Outcome) {
	start := time.Now()
	p.observer.FileStarted()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("file_processor_panic", "batch_id", file.BatchID, "file_id", file.ID, "panic", r)
			outcome = p.fail(ctx, file, fmt.Errorf("panic during processing: %v", r))
		}
		p.observer.FileFinished(outcome, time.Since(start))
	}()
	return p.run(ctx, file)
}

func (p *FileProcessor) run(ctx context.Context, file *domain.File) domain.Outcome {
	if err := checkpoint(ctx); err != nil {
		return p.fail(ctx, file, err)
	}
	if err := p.advance(ctx, file, domain.StageExtractingText); err != nil {
		return p.fail(ctx, file, err)
	}

	data, err := p.readSource(ctx, file)
	if err != nil {
		return p.fail(ctx, file, err)
	}

	extraction, err := p.extract(ctx, file, data)
	if err != nil {
		return p.fail(ctx, file, err)
	}

	if err := checkpoint(ctx); err != nil {
		return p.fail(ctx, file, err)
	}
	if err := p.advance(ctx, file, domain.StageAnalyzing); err != nil {
		return p.fail(ctx, file, err)
	}

	if err := checkpoint(ctx); err != nil {
		return p.fail(ctx, file, err)
	}
	decision := domain.Decide(extraction.MatchConfidence, extraction.QualityScore)
	if err := p.classify(ctx, file, extraction, decision); err != nil {
		return p.fail(ctx, file, err)
	}

	if decision.Route == domain.RouteReview {
		slog.Info("file_flagged_for_review",
			"batch_id", file.BatchID,
			"file_id", file.ID,
			"reason", decision.Reason,
		)
		return domain.OutcomeReview
	}

	p.createNote(ctx, file)
	return domain.OutcomeAuto
}

func (p *FileProcessor) readSource(ctx context.Context, file *domain.File) ([]byte, error) {
	reader, err := p.storage.Open(ctx, file.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("source document is empty")
	}
	return data, nil
}

// extract allows exactly one immediate retry for a transient failure. The
// first error message is kept as the recorded cause.
func (p *FileProcessor) extract(ctx context.Context, file *domain.File, data []byte) (domain.Extraction, error) {
	extraction, err := p.extractOnce(ctx, file, data)
	if err == nil {
		return extraction, nil
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		return domain.Extraction{}, err
	}
	if cerr := checkpoint(ctx); cerr != nil {
		return domain.Extraction{}, cerr
	}

	slog.Warn("extract_retry",
		"batch_id", file.BatchID,
		"file_id", file.ID,
		"error", err,
	)
	p.observer.ExtractRetried()

	extraction, retryErr := p.extractOnce(ctx, file, data)
	if retryErr == nil {
		return extraction, nil
	}
	if domain.IsKind(retryErr, domain.ErrCancelled) {
		return domain.Extraction{}, retryErr
	}
	if retryErr.Error() == err.Error() {
		return domain.Extraction{}, err
	}
	return domain.Extraction{}, fmt.Errorf("%w; retry: %v", err, retryErr)
}

func (p *FileProcessor) extractOnce(ctx context.Context, file *domain.File, data []byte) (domain.Extraction, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.ExtractTimeout)
	defer cancel()

	extraction, err := p.extractor.Extract(attemptCtx, data, file.OriginalFilename)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Extraction{}, domain.ErrCancelled
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !domain.IsKind(err, domain.ErrTemporary) {
			return domain.Extraction{}, domain.WrapError(domain.ErrTemporary, "extract", fmt.Errorf("extractor timed out after %s", p.opts.ExtractTimeout))
		}
		return domain.Extraction{}, err
	}
	extraction.Normalize()
	return extraction, nil
}

func (p *FileProcessor) advance(ctx context.Context, file *domain.File, stage domain.ProcessingStatus) error {
	status := domain.FileProcessing
	update := domain.FileUpdate{Status: &status, ProcessingStatus: &stage}
	if err := p.store.UpdateFile(ctx, file.ID, update); err != nil {
		return fmt.Errorf("set processing_status=%s: %w", stage, err)
	}
	update.Apply(file)
	return nil
}

// classify writes the full extracted field set together with the routing
// decision in a single update.
func (p *FileProcessor) classify(ctx context.Context, file *domain.File, ext domain.Extraction, decision domain.Decision) error {
	var (
		status  domain.FileStatus
		stage   domain.ProcessingStatus
		review  = decision.Route == domain.RouteReview
		reason  = decision.Reason
		noError = ""
	)
	if review {
		status, stage = domain.FileProcessing, domain.StageMatchingClient
	} else {
		status, stage = domain.FileProcessed, domain.StageCreatingNote
	}
	processedAt := p.now()
	processedAtPtr := &processedAt

	update := domain.FileUpdate{
		Status:                &status,
		ProcessingStatus:      &stage,
		ExtractedText:         &ext.RawText,
		CandidateClientName:   &ext.CandidateClientName,
		ClientMatchConfidence: &ext.MatchConfidence,
		SessionDate:           &ext.SessionDate,
		DateConfidence:        &ext.DateConfidence,
		SessionType:           &ext.SessionType,
		Themes:                &ext.Themes,
		RiskLevel:             &ext.RiskLevel,
		QualityScore:          &ext.QualityScore,
		RequiresManualReview:  &review,
		ManualReviewReason:    &reason,
		ErrorDetails:          &noError,
	}
	if !review {
		update.ProcessedAt = &processedAtPtr
	}
	if err := p.store.UpdateFile(ctx, file.ID, update); err != nil {
		return fmt.Errorf("save classification: %w", err)
	}
	update.Apply(file)
	return nil
}

// createNote is a best-effort side effect of the automatic path. A failure is
// recorded on the file and left to the reconciliation sweep; the
// classification is never reverted.
func (p *FileProcessor) createNote(ctx context.Context, file *domain.File) {
	writeCtx := context.WithoutCancel(ctx)

	if err := checkpoint(ctx); err != nil {
		p.recordNoteError(writeCtx, file, fmt.Errorf("note creation skipped: %w", err))
		return
	}
	note, err := p.store.CreateNoteFromFile(ctx, file.ID)
	if err != nil {
		p.recordNoteError(writeCtx, file, fmt.Errorf("note creation failed: %w", err))
		return
	}

	stage := domain.StageCompleted
	update := domain.FileUpdate{LinkedNoteID: &note.ID, ProcessingStatus: &stage}
	if err := p.store.UpdateFile(writeCtx, file.ID, update); err != nil {
		p.recordNoteError(writeCtx, file, fmt.Errorf("link note %s: %w", note.ID, err))
		return
	}
	update.Apply(file)
	slog.Info("file_auto_processed", "batch_id", file.BatchID, "file_id", file.ID, "note_id", note.ID)
}

func (p *FileProcessor) recordNoteError(ctx context.Context, file *domain.File, err error) {
	slog.Error("note_creation_failed", "batch_id", file.BatchID, "file_id", file.ID, "error", err)
	msg := err.Error()
	if uerr := p.store.UpdateFile(ctx, file.ID, domain.FileUpdate{ErrorDetails: &msg}); uerr != nil {
		slog.Error("record_note_error_failed", "file_id", file.ID, "error", uerr)
		return
	}
	file.ErrorDetails = msg
}

// fail moves the file to its failed state. The write is detached from ctx so
// a cancelled run still leaves an explainable terminal state behind.
func (p *FileProcessor) fail(ctx context.Context, file *domain.File, cause error) domain.Outcome {
	status := domain.FileFailed
	stage := domain.StageFailed
	msg := cause.Error()
	processedAt := p.now()
	processedAtPtr := &processedAt

	update := domain.FileUpdate{
		Status:           &status,
		ProcessingStatus: &stage,
		ErrorDetails:     &msg,
		ProcessedAt:      &processedAtPtr,
	}
	if err := p.store.UpdateFile(context.WithoutCancel(ctx), file.ID, update); err != nil {
		slog.Error("mark_file_failed_error",
			"batch_id", file.BatchID,
			"file_id", file.ID,
			"cause", msg,
			"error", err,
		)
		return domain.OutcomeFailed
	}
	update.Apply(file)
	slog.Warn("file_failed", "batch_id", file.BatchID, "file_id", file.ID, "error", msg)
	return domain.OutcomeFailed
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return domain.ErrCancelled
	}
	return nil
}

type noopObserver struct{}

func (noopObserver) FileStarted() {}

func (noopObserver) FileFinished(domain.Outcome, time.Duration) {}

func (noopObserver) ExtractRetried() {}

func (noopObserver) BatchFinished(domain.BatchStatus, time.Duration) {}
