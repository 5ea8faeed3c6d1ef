package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
	txcontext "refdata/pkg/platform/tx"
)

// PostgresStore persists versioned records. All writes pick up a caller
// transaction from the context so the service can commit a mutation and its
// outbox row as one unit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `
	id, natural_key, code_system, name, region, attributes,
	valid_from, valid_to, version, is_correction,
	recorded_at, recorded_by, change_request_id, is_active
`

func (s *PostgresStore) FindCurrent(ctx context.Context, naturalKey string, system domain.CodeSystem) (domain.VersionedRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM versioned_records
		WHERE natural_key = $1 AND code_system = $2
		  AND valid_to IS NULL AND is_active
		ORDER BY version DESC
		LIMIT 1
	`
	return scanRecord(s.execer(ctx).QueryRowContext(ctx, query, naturalKey, string(system)))
}

func (s *PostgresStore) FindAsOf(ctx context.Context, naturalKey string, system domain.CodeSystem, asOf time.Time) (domain.VersionedRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM versioned_records
		WHERE natural_key = $1 AND code_system = $2
		  AND valid_from <= $3
		  AND (valid_to IS NULL OR $3 < valid_to)
		ORDER BY version DESC
		LIMIT 1
	`
	return scanRecord(s.execer(ctx).QueryRowContext(ctx, query, naturalKey, string(system), asOf))
}

func (s *PostgresStore) ListVersions(ctx context.Context, naturalKey string, system domain.CodeSystem) ([]domain.VersionedRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM versioned_records
		WHERE natural_key = $1 AND code_system = $2
		ORDER BY version
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, naturalKey, string(system))
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return records, nil
}

func (s *PostgresStore) ListCurrentBySystem(ctx context.Context, system domain.CodeSystem) ([]domain.VersionedRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM versioned_records
		WHERE code_system = $1 AND valid_to IS NULL AND is_active
		ORDER BY natural_key
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, string(system))
	if err != nil {
		return nil, fmt.Errorf("query current by system: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Insert(ctx context.Context, rec domain.VersionedRecord) error {
	attrs, err := json.Marshal(rec.Payload.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	query := `
		INSERT INTO versioned_records (
			id, natural_key, code_system, name, region, attributes,
			valid_from, valid_to, version, is_correction,
			recorded_at, recorded_by, change_request_id, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.NaturalKey,
		string(rec.CodeSystem),
		rec.Payload.Name,
		rec.Payload.Region,
		attrs,
		rec.ValidFrom,
		rec.ValidTo,
		rec.Version,
		rec.IsCorrection,
		rec.RecordedAt,
		rec.RecordedBy,
		rec.ChangeRequestID,
		rec.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseValidity(ctx context.Context, naturalKey string, system domain.CodeSystem, version int, validTo time.Time) error {
	query := `
		UPDATE versioned_records
		SET valid_to = $4
		WHERE natural_key = $1 AND code_system = $2 AND version = $3
	`
	return s.mutate(ctx, query, naturalKey, string(system), version, validTo)
}

func (s *PostgresStore) Deactivate(ctx context.Context, naturalKey string, system domain.CodeSystem, version int) error {
	query := `
		UPDATE versioned_records
		SET is_active = FALSE
		WHERE natural_key = $1 AND code_system = $2 AND version = $3
	`
	return s.mutate(ctx, query, naturalKey, string(system), version)
}

func (s *PostgresStore) Retire(ctx context.Context, naturalKey string, system domain.CodeSystem, version int, validTo time.Time) error {
	query := `
		UPDATE versioned_records
		SET valid_to = $4, is_active = FALSE
		WHERE natural_key = $1 AND code_system = $2 AND version = $3
	`
	return s.mutate(ctx, query, naturalKey, string(system), version, validTo)
}

func (s *PostgresStore) mutate(ctx context.Context, query string, args ...any) error {
	res, err := s.execer(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update version: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOneRecord(row rowScanner) (domain.VersionedRecord, error) {
	var (
		rec             domain.VersionedRecord
		system          string
		attrs           []byte
		validTo         sql.NullTime
		changeRequestID sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.NaturalKey,
		&system,
		&rec.Payload.Name,
		&rec.Payload.Region,
		&attrs,
		&rec.ValidFrom,
		&validTo,
		&rec.Version,
		&rec.IsCorrection,
		&rec.RecordedAt,
		&rec.RecordedBy,
		&changeRequestID,
		&rec.IsActive,
	)
	if err != nil {
		return domain.VersionedRecord{}, err
	}
	rec.CodeSystem = domain.CodeSystem(system)
	rec.Payload.Code = rec.NaturalKey
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Payload.Attributes); err != nil {
			return domain.VersionedRecord{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	if validTo.Valid {
		t := validTo.Time
		rec.ValidTo = &t
	}
	if changeRequestID.Valid {
		id, err := uuid.Parse(changeRequestID.String)
		if err != nil {
			return domain.VersionedRecord{}, fmt.Errorf("parse change request id: %w", err)
		}
		rec.ChangeRequestID = &id
	}
	return rec, nil
}

func scanRecord(row *sql.Row) (domain.VersionedRecord, error) {
	rec, err := scanOneRecord(row)
	if err == sql.ErrNoRows {
		return domain.VersionedRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return domain.VersionedRecord{}, fmt.Errorf("scan version: %w", err)
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]domain.VersionedRecord, error) {
	var records []domain.VersionedRecord
	for rows.Next() {
		rec, err := scanOneRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
