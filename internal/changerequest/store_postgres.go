package changerequest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
	txcontext "refdata/pkg/platform/tx"
)

// PostgresStore persists change requests. Status updates honor a caller
// transaction so read-then-write transitions stay atomic.
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

const requestColumns = `
	id, number, data_type, operation, status, requester_id, justification,
	proposed, current_values, prior_version, effective_date,
	approver_id, approved_at, approval_comments,
	rejecter_id, rejected_at, rejection_reason,
	cancelled_by, cancelled_at, cancel_reason,
	applied_at, applied_by,
	requires_additional_approval, metadata, created_at, updated_at
`

func (s *PostgresStore) Insert(ctx context.Context, cr domain.ChangeRequest) error {
	proposed, current, metadata, err := marshalRequestJSON(cr)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO change_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		cr.ID, cr.Number, string(cr.DataType), string(cr.Operation), string(cr.Status),
		cr.RequesterID, cr.Justification,
		proposed, current, cr.PriorVersion, cr.EffectiveDate,
		cr.ApproverID, cr.ApprovedAt, cr.ApprovalComments,
		cr.RejecterID, cr.RejectedAt, cr.RejectionReason,
		cr.CancelledBy, cr.CancelledAt, cr.CancelReason,
		cr.AppliedAt, cr.AppliedBy,
		cr.RequiresAdditionalApproval, metadata, cr.CreatedAt, cr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (domain.ChangeRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM change_requests WHERE id = $1`
	cr, err := scanRequest(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return domain.ChangeRequest{}, sentinel.ErrNotFound
	}
	if err != nil {
		return domain.ChangeRequest{}, fmt.Errorf("get change request: %w", err)
	}
	return cr, nil
}

func (s *PostgresStore) Update(ctx context.Context, cr domain.ChangeRequest) error {
	proposed, current, metadata, err := marshalRequestJSON(cr)
	if err != nil {
		return err
	}
	query := `
		UPDATE change_requests SET
			status = $2, proposed = $3, current_values = $4, prior_version = $5,
			effective_date = $6,
			approver_id = $7, approved_at = $8, approval_comments = $9,
			rejecter_id = $10, rejected_at = $11, rejection_reason = $12,
			cancelled_by = $13, cancelled_at = $14, cancel_reason = $15,
			applied_at = $16, applied_by = $17,
			requires_additional_approval = $18, metadata = $19, updated_at = $20
		WHERE id = $1
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		cr.ID, string(cr.Status), proposed, current, cr.PriorVersion,
		cr.EffectiveDate,
		cr.ApproverID, cr.ApprovedAt, cr.ApprovalComments,
		cr.RejecterID, cr.RejectedAt, cr.RejectionReason,
		cr.CancelledBy, cr.CancelledAt, cr.CancelReason,
		cr.AppliedAt, cr.AppliedBy,
		cr.RequiresAdditionalApproval, metadata, cr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
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

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.ChangeRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM change_requests WHERE status = $1 ORDER BY number`
	rows, err := s.execer(ctx).QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()
	var out []domain.ChangeRequest
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NextSequence(ctx context.Context, year int) (int, error) {
	query := `
		INSERT INTO change_request_counters (year, counter)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET counter = change_request_counters.counter + 1
		RETURNING counter
	`
	var seq int
	if err := s.execer(ctx).QueryRowContext(ctx, query, year).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next change request sequence: %w", err)
	}
	return seq, nil
}

func marshalRequestJSON(cr domain.ChangeRequest) (proposed, current, metadata []byte, err error) {
	if cr.Proposed != nil {
		if proposed, err = json.Marshal(cr.Proposed); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal proposed payload: %w", err)
		}
	}
	if cr.Current != nil {
		if current, err = json.Marshal(cr.Current); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal current payload: %w", err)
		}
	}
	if metadata, err = json.Marshal(cr.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return proposed, current, metadata, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ChangeRequest, error) {
	var (
		cr                          domain.ChangeRequest
		dataType, operation, status string
		proposed, current, metadata []byte
		priorVersion                sql.NullInt64
		approvedAt, rejectedAt      sql.NullTime
		cancelledAt, appliedAt      sql.NullTime
	)
	err := row.Scan(
		&cr.ID, &cr.Number, &dataType, &operation, &status,
		&cr.RequesterID, &cr.Justification,
		&proposed, &current, &priorVersion, &cr.EffectiveDate,
		&cr.ApproverID, &approvedAt, &cr.ApprovalComments,
		&cr.RejecterID, &rejectedAt, &cr.RejectionReason,
		&cr.CancelledBy, &cancelledAt, &cr.CancelReason,
		&appliedAt, &cr.AppliedBy,
		&cr.RequiresAdditionalApproval, &metadata, &cr.CreatedAt, &cr.UpdatedAt,
	)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	cr.DataType = domain.CodeSystem(dataType)
	cr.Operation = domain.Operation(operation)
	cr.Status = domain.RequestStatus(status)
	if len(proposed) > 0 {
		cr.Proposed = &domain.RecordPayload{}
		if err := json.Unmarshal(proposed, cr.Proposed); err != nil {
			return domain.ChangeRequest{}, fmt.Errorf("unmarshal proposed payload: %w", err)
		}
	}
	if len(current) > 0 {
		cr.Current = &domain.RecordPayload{}
		if err := json.Unmarshal(current, cr.Current); err != nil {
			return domain.ChangeRequest{}, fmt.Errorf("unmarshal current payload: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cr.Metadata); err != nil {
			return domain.ChangeRequest{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if priorVersion.Valid {
		v := int(priorVersion.Int64)
		cr.PriorVersion = &v
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		cr.ApprovedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		cr.RejectedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		cr.CancelledAt = &t
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		cr.AppliedAt = &t
	}
	return cr, nil
}
