package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
)

// PostgresStagingStore persists batches and staged rows. Staging writes never
// join the record mutation transaction; a batch is its own failure domain.
type PostgresStagingStore struct {
	db *sql.DB
}

func NewPostgresStagingStore(db *sql.DB) *PostgresStagingStore {
	return &PostgresStagingStore{db: db}
}

func (s *PostgresStagingStore) InsertBatch(ctx context.Context, batch domain.ReconciliationBatch) error {
	query := `
		INSERT INTO reconciliation_batches (
			id, code_system, source, source_digest, status, started_at, finished_at,
			extracted, valid, invalid, added, updated, removed, failure
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		batch.ID, string(batch.CodeSystem), batch.Source, batch.SourceDigest, string(batch.Status),
		batch.StartedAt, batch.FinishedAt,
		batch.Extracted, batch.Valid, batch.Invalid,
		batch.Added, batch.Updated, batch.Removed, batch.Failure,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PostgresStagingStore) UpdateBatch(ctx context.Context, batch domain.ReconciliationBatch) error {
	query := `
		UPDATE reconciliation_batches SET
			source_digest = $2, status = $3, finished_at = $4,
			extracted = $5, valid = $6, invalid = $7,
			added = $8, updated = $9, removed = $10, failure = $11
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		batch.ID, batch.SourceDigest, string(batch.Status), batch.FinishedAt,
		batch.Extracted, batch.Valid, batch.Invalid,
		batch.Added, batch.Updated, batch.Removed, batch.Failure,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

const batchColumns = `id, code_system, source, source_digest, status, started_at, finished_at,
	   extracted, valid, invalid, added, updated, removed, failure`

func (s *PostgresStagingStore) GetBatch(ctx context.Context, id uuid.UUID) (domain.ReconciliationBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM reconciliation_batches
		WHERE id = $1
	`
	return scanBatch(s.db.QueryRowContext(ctx, query, id), "get batch")
}

// LastCompletedBatch returns the newest COMPLETED batch for a code system.
// The pipeline compares its source digest against the incoming snapshot to
// short-circuit reruns of unchanged data.
func (s *PostgresStagingStore) LastCompletedBatch(ctx context.Context, system domain.CodeSystem) (domain.ReconciliationBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM reconciliation_batches
		WHERE code_system = $1 AND status = 'COMPLETED'
		ORDER BY started_at DESC
		LIMIT 1
	`
	return scanBatch(s.db.QueryRowContext(ctx, query, string(system)), "last completed batch")
}

func scanBatch(row *sql.Row, op string) (domain.ReconciliationBatch, error) {
	var (
		batch      domain.ReconciliationBatch
		system     string
		status     string
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&batch.ID, &system, &batch.Source, &batch.SourceDigest, &status,
		&batch.StartedAt, &finishedAt,
		&batch.Extracted, &batch.Valid, &batch.Invalid,
		&batch.Added, &batch.Updated, &batch.Removed, &batch.Failure,
	)
	if err == sql.ErrNoRows {
		return domain.ReconciliationBatch{}, sentinel.ErrNotFound
	}
	if err != nil {
		return domain.ReconciliationBatch{}, fmt.Errorf("%s: %w", op, err)
	}
	batch.CodeSystem = domain.CodeSystem(system)
	batch.Status = domain.BatchStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		batch.FinishedAt = &t
	}
	return batch, nil
}

func (s *PostgresStagingStore) InsertStaging(ctx context.Context, rec domain.StagingRecord) error {
	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw row: %w", err)
	}
	normalized, err := json.Marshal(rec.Normalized)
	if err != nil {
		return fmt.Errorf("marshal normalized row: %w", err)
	}
	query := `
		INSERT INTO staging_records (
			id, batch_id, natural_key, code_system, raw, normalized,
			content_hash, source, sourced_at, change_request_id, status, messages
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.BatchID, rec.NaturalKey, string(rec.CodeSystem),
		raw, normalized, rec.ContentHash, rec.Source, rec.SourcedAt,
		rec.ChangeRequestID, string(rec.Status), pq.Array(rec.Messages),
	)
	if err != nil {
		return fmt.Errorf("insert staging record: %w", err)
	}
	return nil
}

func (s *PostgresStagingStore) UpdateStaging(ctx context.Context, rec domain.StagingRecord) error {
	query := `
		UPDATE staging_records
		SET status = $2, change_request_id = $3, messages = $4
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Status), rec.ChangeRequestID, pq.Array(rec.Messages),
	)
	if err != nil {
		return fmt.Errorf("update staging record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStagingStore) ListStagingByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.StagingRecord, error) {
	query := `
		SELECT id, batch_id, natural_key, code_system, raw, normalized,
			   content_hash, source, sourced_at, change_request_id, status, messages
		FROM staging_records
		WHERE batch_id = $1
		ORDER BY sourced_at, natural_key
	`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list staging records: %w", err)
	}
	defer rows.Close()

	var out []domain.StagingRecord
	for rows.Next() {
		var (
			rec             domain.StagingRecord
			system, status  string
			raw, normalized []byte
			crID            sql.NullString
			messages        pq.StringArray
		)
		if err := rows.Scan(
			&rec.ID, &rec.BatchID, &rec.NaturalKey, &system,
			&raw, &normalized, &rec.ContentHash, &rec.Source, &rec.SourcedAt,
			&crID, &status, &messages,
		); err != nil {
			return nil, fmt.Errorf("scan staging record: %w", err)
		}
		rec.CodeSystem = domain.CodeSystem(system)
		rec.Status = domain.StagingStatus(status)
		rec.Messages = messages
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Raw); err != nil {
				return nil, fmt.Errorf("unmarshal raw row: %w", err)
			}
		}
		if len(normalized) > 0 {
			if err := json.Unmarshal(normalized, &rec.Normalized); err != nil {
				return nil, fmt.Errorf("unmarshal normalized row: %w", err)
			}
		}
		if crID.Valid {
			id, err := uuid.Parse(crID.String)
			if err != nil {
				return nil, fmt.Errorf("parse change request id: %w", err)
			}
			rec.ChangeRequestID = &id
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
