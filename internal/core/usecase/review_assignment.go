package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

// ReviewService resolves files the pipeline could not classify confidently.
type ReviewService struct {
	store ports.BatchStore
	now   func() time.Time
}

func NewReviewService(store ports.BatchStore) *ReviewService {
	return &ReviewService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// AssignFileToClient attaches a reviewed file to a client and session date and
// creates its note. Every check runs before the first write; the writes are
// ordered so that a failed call can simply be retried.
func (s *ReviewService) AssignFileToClient(
	ctx context.Context,
	ownerID, fileID string,
	assignment domain.Assignment,
) (*domain.File, *domain.Note, error) {
	const op = "assign file"

	assignment.ClientID = strings.TrimSpace(assignment.ClientID)
	assignment.SessionType = strings.TrimSpace(assignment.SessionType)
	if assignment.ClientID == "" {
		return nil, nil, domain.ValidationError(op, "client id is required")
	}
	if assignment.SessionDate == nil || assignment.SessionDate.IsZero() {
		return nil, nil, domain.ValidationError(op, "session date is required")
	}

	file, err := s.ownedFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.store.GetClient(ctx, file.OwnerID, assignment.ClientID); err != nil {
		return nil, nil, fmt.Errorf("verify client: %w", err)
	}

	if file.Status == domain.FileAssigned {
		return s.existingAssignment(ctx, file, assignment)
	}
	if !file.AwaitingReview() {
		return nil, nil, domain.WrapError(
			domain.ErrConflict,
			op,
			fmt.Errorf("file %s is %s/%s and not awaiting review", file.ID, file.Status, file.ProcessingStatus),
		)
	}

	sessionDate := assignment.SessionDate.UTC()
	sessionDatePtr := &sessionDate
	assign := domain.FileUpdate{
		AssignedClientID:    &assignment.ClientID,
		AssignedSessionDate: &sessionDatePtr,
	}
	if assignment.SessionType != "" {
		assign.SessionType = &assignment.SessionType
	}
	if err := s.store.UpdateFile(ctx, file.ID, assign); err != nil {
		return nil, nil, fmt.Errorf("save assignment: %w", err)
	}
	assign.Apply(file)

	note, err := s.store.CreateNoteFromFile(ctx, file.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("create note from file: %w", err)
	}
	if err := noteMatchesClient(note, assignment.ClientID); err != nil {
		return nil, nil, err
	}

	status := domain.FileAssigned
	stage := domain.StageCompleted
	processedAt := s.now()
	processedAtPtr := &processedAt
	noError := ""
	link := domain.FileUpdate{
		Status:           &status,
		ProcessingStatus: &stage,
		LinkedNoteID:     &note.ID,
		ProcessedAt:      &processedAtPtr,
		ErrorDetails:     &noError,
	}
	if err := s.store.UpdateFile(ctx, file.ID, link); err != nil {
		return nil, nil, fmt.Errorf("link note to file: %w", err)
	}
	link.Apply(file)

	slog.Info("file_assigned",
		"batch_id", file.BatchID,
		"file_id", file.ID,
		"client_id", assignment.ClientID,
		"note_id", note.ID,
	)
	return file, note, nil
}

// existingAssignment makes a repeated assignment to the same client a no-op.
func (s *ReviewService) existingAssignment(
	ctx context.Context,
	file *domain.File,
	assignment domain.Assignment,
) (*domain.File, *domain.Note, error) {
	if file.AssignedClientID != assignment.ClientID {
		return nil, nil, domain.WrapError(
			domain.ErrConflict,
			"assign file",
			fmt.Errorf("file %s is already assigned to another client", file.ID),
		)
	}
	note, err := s.store.CreateNoteFromFile(ctx, file.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load note for assigned file: %w", err)
	}
	if err := noteMatchesClient(note, assignment.ClientID); err != nil {
		return nil, nil, err
	}
	return file, note, nil
}

// noteMatchesClient guards against linking a note written for another client.
func noteMatchesClient(note *domain.Note, clientID string) error {
	if note.ClientID == clientID {
		return nil
	}
	return domain.WrapError(
		domain.ErrConflict,
		"assign file",
		fmt.Errorf("note %s belongs to client %q, not %q", note.ID, note.ClientID, clientID),
	)
}

// UpdateFile applies a reviewer correction to extracted fields. Status,
// routing and identity fields are not part of a correction.
func (s *ReviewService) UpdateFile(
	ctx context.Context,
	ownerID, fileID string,
	update domain.FileUpdate,
) (*domain.File, error) {
	const op = "update file"
	if update.IsEmpty() {
		return nil, domain.ValidationError(op, "no fields to update")
	}
	if err := correctionOnly(update); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, err)
	}

	file, err := s.ownedFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateFile(ctx, file.ID, update); err != nil {
		return nil, fmt.Errorf("save file correction: %w", err)
	}
	update.Apply(file)
	return file, nil
}

func correctionOnly(u domain.FileUpdate) error {
	allowed := domain.FileUpdate{
		ExtractedText:       u.ExtractedText,
		CandidateClientName: u.CandidateClientName,
		SessionDate:         u.SessionDate,
		SessionType:         u.SessionType,
		Themes:              u.Themes,
		RiskLevel:           u.RiskLevel,
	}
	if allowed != u {
		return errors.New("only extracted fields can be corrected")
	}
	return nil
}

func (s *ReviewService) ownedFile(ctx context.Context, ownerID, fileID string) (*domain.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	if file.OwnerID != ownerID {
		return nil, domain.WrapError(domain.ErrFileNotFound, "fetch file", fmt.Errorf("id=%s", fileID))
	}
	return file, nil
}
