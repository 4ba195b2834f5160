package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

type NoteReconcilerOptions struct {
	// GracePeriod leaves recently classified files to their own processor run.
	GracePeriod time.Duration
	BatchSize   int
}

// NoteReconciler retries note creation for files that were auto-processed
// but never got a note linked.
type NoteReconciler struct {
	store ports.BatchStore
	opts  NoteReconcilerOptions
	now   func() time.Time
}

type SweepResult struct {
	Scanned int
	Linked  int
	Failed  int
}

func NewNoteReconciler(store ports.BatchStore, opts NoteReconcilerOptions) *NoteReconciler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &NoteReconciler{
		store: store,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *NoteReconciler) Sweep(ctx context.Context) (SweepResult, error) {
	files, err := r.store.ListNotelessProcessedFiles(ctx, r.now().Add(-r.opts.GracePeriod), r.opts.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list noteless files: %w", err)
	}

	result := SweepResult{Scanned: len(files)}
	for i := range files {
		if ctx.Err() != nil {
			break
		}
		if err := r.link(ctx, &files[i]); err != nil {
			result.Failed++
			slog.Warn("note_reconcile_failed", "batch_id", files[i].BatchID, "file_id", files[i].ID, "error", err)
			continue
		}
		result.Linked++
	}

	if result.Scanned > 0 {
		slog.Info("note_reconcile_sweep",
			"scanned", result.Scanned,
			"linked", result.Linked,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (r *NoteReconciler) link(ctx context.Context, file *domain.File) error {
	note, err := r.store.CreateNoteFromFile(ctx, file.ID)
	if err != nil {
		msg := fmt.Sprintf("note creation failed: %v", err)
		_ = r.store.UpdateFile(ctx, file.ID, domain.FileUpdate{ErrorDetails: &msg})
		return err
	}
	stage := domain.StageCompleted
	noError := ""
	return r.store.UpdateFile(ctx, file.ID, domain.FileUpdate{
		LinkedNoteID:     &note.ID,
		ProcessingStatus: &stage,
		ErrorDetails:     &noError,
	})
}
