package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

const fileColumns = `id, batch_id, owner_id, original_filename, mime_type, size_bytes, storage_path, extracted_text,
	status, processing_status, candidate_client_name, client_match_confidence, session_date, date_confidence,
	session_type, themes, risk_level, quality_score, requires_manual_review, manual_review_reason,
	assigned_client_id, assigned_session_date, linked_note_id, error_details, uploaded_at, processed_at, updated_at`

func (r *BatchRepository) CreateFile(ctx context.Context, file *domain.File) error {
	themesJSON, err := marshalThemes(file.Themes)
	if err != nil {
		return err
	}
	updatedAt := file.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO files (`+fileColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
`,
		file.ID, file.BatchID, file.OwnerID, file.OriginalFilename, file.MimeType, file.SizeBytes, file.StoragePath,
		file.ExtractedText, string(file.Status), string(file.ProcessingStatus), file.CandidateClientName,
		file.ClientMatchConfidence, nullableTime(file.SessionDate), file.DateConfidence, file.SessionType,
		themesJSON, file.RiskLevel, file.QualityScore, file.RequiresManualReview, file.ManualReviewReason,
		file.AssignedClientID, nullableTime(file.AssignedSessionDate), file.LinkedNoteID, file.ErrorDetails,
		file.UploadedAt, nullableTime(file.ProcessedAt), updatedAt,
	)
	if err != nil {
		return storeError("insert file", err)
	}
	return nil
}

func (r *BatchRepository) GetFile(ctx context.Context, id string) (*domain.File, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+fileColumns+`
FROM files
WHERE id = $1
`, id)

	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrFileNotFound, "get file", fmt.Errorf("id=%s", id))
		}
		return nil, storeError("scan file", err)
	}
	return &file, nil
}

func (r *BatchRepository) GetFilesByBatch(ctx context.Context, batchID string) ([]domain.File, error) {
	return r.queryFiles(ctx, "list batch files", `
SELECT `+fileColumns+`
FROM files
WHERE batch_id = $1
ORDER BY uploaded_at, id
`, batchID)
}

func (r *BatchRepository) GetFilesRequiringReview(ctx context.Context, ownerID string) ([]domain.File, error) {
	return r.queryFiles(ctx, "list review queue", `
SELECT `+fileColumns+`
FROM files
WHERE owner_id = $1 AND status = 'processing' AND requires_manual_review
ORDER BY uploaded_at, id
`, ownerID)
}

func (r *BatchRepository) ListNotelessProcessedFiles(ctx context.Context, before time.Time, limit int) ([]domain.File, error) {
	return r.queryFiles(ctx, "list noteless files", `
SELECT `+fileColumns+`
FROM files
WHERE status = 'processed' AND linked_note_id = '' AND processed_at < $1
ORDER BY processed_at
LIMIT $2
`, before.UTC(), limit)
}

func (r *BatchRepository) UpdateFile(ctx context.Context, id string, u domain.FileUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	b := newUpdateBuilder(id)
	if u.Status != nil {
		b.set("status", string(*u.Status))
	}
	if u.ProcessingStatus != nil {
		b.set("processing_status", string(*u.ProcessingStatus))
	}
	if u.ExtractedText != nil {
		b.set("extracted_text", *u.ExtractedText)
	}
	if u.CandidateClientName != nil {
		b.set("candidate_client_name", *u.CandidateClientName)
	}
	if u.ClientMatchConfidence != nil {
		b.set("client_match_confidence", *u.ClientMatchConfidence)
	}
	if u.SessionDate != nil {
		b.set("session_date", nullableTime(*u.SessionDate))
	}
	if u.DateConfidence != nil {
		b.set("date_confidence", *u.DateConfidence)
	}
	if u.SessionType != nil {
		b.set("session_type", *u.SessionType)
	}
	if u.Themes != nil {
		themesJSON, err := marshalThemes(*u.Themes)
		if err != nil {
			return err
		}
		b.set("themes", themesJSON)
	}
	if u.RiskLevel != nil {
		b.set("risk_level", *u.RiskLevel)
	}
	if u.QualityScore != nil {
		b.set("quality_score", *u.QualityScore)
	}
	if u.RequiresManualReview != nil {
		b.set("requires_manual_review", *u.RequiresManualReview)
	}
	if u.ManualReviewReason != nil {
		b.set("manual_review_reason", *u.ManualReviewReason)
	}
	if u.AssignedClientID != nil {
		b.set("assigned_client_id", *u.AssignedClientID)
	}
	if u.AssignedSessionDate != nil {
		b.set("assigned_session_date", nullableTime(*u.AssignedSessionDate))
	}
	if u.LinkedNoteID != nil {
		b.set("linked_note_id", *u.LinkedNoteID)
	}
	if u.ErrorDetails != nil {
		b.set("error_details", *u.ErrorDetails)
	}
	if u.ProcessedAt != nil {
		b.set("processed_at", nullableTime(*u.ProcessedAt))
	}
	b.set("updated_at", r.now())

	res, err := r.db.ExecContext(ctx, b.query("files"), b.args...)
	if err != nil {
		return storeError("update file", err)
	}
	return requireRow(res, domain.ErrFileNotFound, "update file", id)
}

func (r *BatchRepository) queryFiles(ctx context.Context, op, query string, args ...any) ([]domain.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	out := make([]domain.File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, storeError("scan file", err)
		}
		out = append(out, file)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func scanFile(row rowScanner) (domain.File, error) {
	var (
		file                domain.File
		status, stage       string
		themesRaw           []byte
		sessionDate         sql.NullTime
		assignedSessionDate sql.NullTime
		processedAt         sql.NullTime
	)
	err := row.Scan(
		&file.ID, &file.BatchID, &file.OwnerID, &file.OriginalFilename, &file.MimeType, &file.SizeBytes,
		&file.StoragePath, &file.ExtractedText, &status, &stage, &file.CandidateClientName,
		&file.ClientMatchConfidence, &sessionDate, &file.DateConfidence, &file.SessionType, &themesRaw,
		&file.RiskLevel, &file.QualityScore, &file.RequiresManualReview, &file.ManualReviewReason,
		&file.AssignedClientID, &assignedSessionDate, &file.LinkedNoteID, &file.ErrorDetails,
		&file.UploadedAt, &processedAt, &file.UpdatedAt,
	)
	if err != nil {
		return domain.File{}, err
	}
	themes, err := unmarshalThemes(themesRaw)
	if err != nil {
		return domain.File{}, err
	}
	file.Themes = themes
	file.Status = domain.FileStatus(status)
	file.ProcessingStatus = domain.ProcessingStatus(stage)
	file.SessionDate = timePtr(sessionDate)
	file.AssignedSessionDate = timePtr(assignedSessionDate)
	file.ProcessedAt = timePtr(processedAt)
	return file, nil
}

func marshalThemes(themes []string) ([]byte, error) {
	if themes == nil {
		themes = []string{}
	}
	raw, err := json.Marshal(themes)
	if err != nil {
		return nil, fmt.Errorf("marshal themes: %w", err)
	}
	return raw, nil
}

func unmarshalThemes(raw []byte) ([]string, error) {
	themes := []string{}
	if len(raw) == 0 {
		return themes, nil
	}
	if err := json.Unmarshal(raw, &themes); err != nil {
		return nil, fmt.Errorf("unmarshal themes: %w", err)
	}
	return themes, nil
}
