package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

// BatchRepository is the Postgres storage gateway for batches, files, notes
// and the read-only clients table.
type BatchRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *BatchRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101601)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	total_files INTEGER NOT NULL,
	processed_files INTEGER NOT NULL DEFAULT 0,
	successful_files INTEGER NOT NULL DEFAULT 0,
	failed_files INTEGER NOT NULL DEFAULT 0,
	review_files INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	processing_started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	owner_id TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	storage_path TEXT NOT NULL,
	extracted_text TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	processing_status TEXT NOT NULL,
	candidate_client_name TEXT NOT NULL DEFAULT '',
	client_match_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	session_date TIMESTAMPTZ,
	date_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	session_type TEXT NOT NULL DEFAULT '',
	themes JSONB NOT NULL DEFAULT '[]'::jsonb,
	risk_level TEXT NOT NULL DEFAULT '',
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	requires_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
	manual_review_reason TEXT NOT NULL DEFAULT '',
	assigned_client_id TEXT NOT NULL DEFAULT '',
	assigned_session_date TIMESTAMPTZ,
	linked_note_id TEXT NOT NULL DEFAULT '',
	error_details TEXT NOT NULL DEFAULT '',
	uploaded_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	source_file_id TEXT NOT NULL UNIQUE REFERENCES files(id),
	client_id TEXT NOT NULL DEFAULT '',
	client_name TEXT NOT NULL DEFAULT '',
	session_date TIMESTAMPTZ,
	session_type TEXT NOT NULL DEFAULT '',
	themes JSONB NOT NULL DEFAULT '[]'::jsonb,
	risk_level TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_owner_created ON batches(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_batches_open ON batches(created_at) WHERE status IN ('uploading', 'processing');
CREATE INDEX IF NOT EXISTS idx_files_batch ON files(batch_id, uploaded_at);
CREATE INDEX IF NOT EXISTS idx_files_review ON files(owner_id, status) WHERE requires_manual_review;
CREATE INDEX IF NOT EXISTS idx_files_noteless ON files(processed_at) WHERE status = 'processed' AND linked_note_id = '';
CREATE INDEX IF NOT EXISTS idx_clients_owner_name ON clients(owner_id, lower(name));
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const batchColumns = `id, owner_id, name, total_files, processed_files, successful_files, failed_files, review_files, status, created_at, processing_started_at, completed_at`

func (r *BatchRepository) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO batches (`+batchColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		batch.ID, batch.OwnerID, batch.Name, batch.TotalFiles, batch.ProcessedFiles, batch.SuccessfulFiles,
		batch.FailedFiles, batch.ReviewFiles, string(batch.Status), batch.CreatedAt,
		nullableTime(batch.ProcessingStartedAt), nullableTime(batch.CompletedAt),
	)
	if err != nil {
		return storeError("insert batch", err)
	}
	return nil
}

func (r *BatchRepository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+batchColumns+`
FROM batches
WHERE id = $1
`, id)

	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrBatchNotFound, "get batch", fmt.Errorf("id=%s", id))
		}
		return nil, storeError("scan batch", err)
	}
	return &batch, nil
}

func (r *BatchRepository) UpdateBatch(ctx context.Context, id string, update domain.BatchUpdate) error {
	b := newUpdateBuilder(id)
	if update.Status != nil {
		b.set("status", string(*update.Status))
	}
	if update.TotalFiles != nil {
		b.set("total_files", *update.TotalFiles)
	}
	if update.ProcessedFiles != nil {
		b.set("processed_files", *update.ProcessedFiles)
	}
	if update.SuccessfulFiles != nil {
		b.set("successful_files", *update.SuccessfulFiles)
	}
	if update.FailedFiles != nil {
		b.set("failed_files", *update.FailedFiles)
	}
	if update.ReviewFiles != nil {
		b.set("review_files", *update.ReviewFiles)
	}
	if update.ProcessingStartedAt != nil {
		b.set("processing_started_at", *update.ProcessingStartedAt)
	}
	if update.CompletedAt != nil {
		b.set("completed_at", *update.CompletedAt)
	}
	if b.empty() {
		return nil
	}

	res, err := r.db.ExecContext(ctx, b.query("batches"), b.args...)
	if err != nil {
		return storeError("update batch", err)
	}
	return requireRow(res, domain.ErrBatchNotFound, "update batch", id)
}

func (r *BatchRepository) ListBatches(ctx context.Context, ownerID string) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+batchColumns+`
FROM batches
WHERE owner_id = $1
ORDER BY created_at DESC
`, ownerID)
	if err != nil {
		return nil, storeError("list batches", err)
	}
	defer rows.Close()

	out := make([]domain.Batch, 0)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, storeError("scan batch", err)
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate batches", err)
	}
	return out, nil
}

func (r *BatchRepository) ClaimStaleBatches(ctx context.Context, before, now time.Time, limit int) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx, `
UPDATE batches SET processing_started_at = $2
WHERE id IN (
	SELECT id
	FROM batches
	WHERE status IN ('uploading', 'processing')
	  AND COALESCE(processing_started_at, created_at) < $1
	ORDER BY created_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING `+batchColumns+`
`, before.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, storeError("claim stale batches", err)
	}
	defer rows.Close()

	out := make([]domain.Batch, 0)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, storeError("scan batch", err)
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate stale batches", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		batch     domain.Batch
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&batch.ID, &batch.OwnerID, &batch.Name, &batch.TotalFiles, &batch.ProcessedFiles,
		&batch.SuccessfulFiles, &batch.FailedFiles, &batch.ReviewFiles, &status, &batch.CreatedAt,
		&started, &completed,
	)
	if err != nil {
		return domain.Batch{}, err
	}
	batch.Status = domain.BatchStatus(status)
	batch.ProcessingStartedAt = timePtr(started)
	batch.CompletedAt = timePtr(completed)
	return batch, nil
}

// updateBuilder assembles "UPDATE t SET a = $2, b = $3 WHERE id = $1".
type updateBuilder struct {
	sets []string
	args []any
}

func newUpdateBuilder(id string) *updateBuilder {
	return &updateBuilder{args: []any{id}}
}

func (b *updateBuilder) set(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *updateBuilder) empty() bool {
	return len(b.sets) == 0
}

func (b *updateBuilder) query(table string) string {
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", table, strings.Join(b.sets, ", "))
}

func requireRow(res sql.Result, notFound error, op, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return storeError(op, err)
	}
	if affected == 0 {
		return domain.WrapError(notFound, op, fmt.Errorf("id=%s", id))
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
