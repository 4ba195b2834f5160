package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

// noteLinked is true when some file already points at the conflicting note.
const noteLinked = `EXISTS (SELECT 1 FROM files lf WHERE lf.linked_note_id = notes.id)`

// CreateNoteFromFile inserts the note for a file, or returns the one already
// created for it. The client is the reviewer's assignment when present,
// otherwise the owner's client whose name matches the extracted candidate.
// A note that no file links yet is refreshed from the file's current
// assignment; a linked note is returned unchanged.
func (r *BatchRepository) CreateNoteFromFile(ctx context.Context, fileID string) (*domain.Note, error) {
	row := r.db.QueryRowContext(ctx, `
INSERT INTO notes (id, owner_id, source_file_id, client_id, client_name, session_date, session_type, themes, risk_level, content, created_at)
SELECT
	$2,
	f.owner_id,
	f.id,
	COALESCE(c.id, ''),
	COALESCE(c.name, f.candidate_client_name),
	COALESCE(f.assigned_session_date, f.session_date),
	f.session_type,
	f.themes,
	f.risk_level,
	f.extracted_text,
	$3
FROM files f
LEFT JOIN LATERAL (
	SELECT id, name
	FROM clients
	WHERE owner_id = f.owner_id
	  AND ((f.assigned_client_id <> '' AND id = f.assigned_client_id)
	    OR (f.assigned_client_id = '' AND lower(name) = lower(f.candidate_client_name)))
	ORDER BY id
	LIMIT 1
) c ON TRUE
WHERE f.id = $1
ON CONFLICT (source_file_id) DO UPDATE SET
	client_id = CASE WHEN `+noteLinked+` THEN notes.client_id ELSE EXCLUDED.client_id END,
	client_name = CASE WHEN `+noteLinked+` THEN notes.client_name ELSE EXCLUDED.client_name END,
	session_date = CASE WHEN `+noteLinked+` THEN notes.session_date ELSE EXCLUDED.session_date END,
	session_type = CASE WHEN `+noteLinked+` THEN notes.session_type ELSE EXCLUDED.session_type END
RETURNING id, owner_id, source_file_id, client_id, client_name, session_date, session_type, themes, risk_level, content, created_at
`, fileID, uuid.NewString(), r.now())

	var (
		note        domain.Note
		sessionDate sql.NullTime
		themesRaw   []byte
	)
	err := row.Scan(
		&note.ID, &note.OwnerID, &note.SourceFileID, &note.ClientID, &note.ClientName, &sessionDate,
		&note.SessionType, &themesRaw, &note.RiskLevel, &note.Content, &note.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrFileNotFound, "create note", fmt.Errorf("id=%s", fileID))
		}
		return nil, storeError("create note", err)
	}
	themes, err := unmarshalThemes(themesRaw)
	if err != nil {
		return nil, err
	}
	note.Themes = themes
	note.SessionDate = timePtr(sessionDate)
	return &note, nil
}

func (r *BatchRepository) GetClient(ctx context.Context, ownerID, clientID string) (*domain.Client, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, owner_id, name
FROM clients
WHERE owner_id = $1 AND id = $2
`, ownerID, clientID)

	var client domain.Client
	if err := row.Scan(&client.ID, &client.OwnerID, &client.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrClientNotFound, "get client", fmt.Errorf("id=%s", clientID))
		}
		return nil, storeError("get client", err)
	}
	return &client, nil
}
