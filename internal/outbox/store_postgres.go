package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	txcontext "refdata/pkg/platform/tx"
)

// PostgresStore persists outbox events. Append participates in a caller
// transaction carried on the context, which is what makes the outbox
// transactional with record mutations.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, ev Event) error {
	query := `
		INSERT INTO outbox_events (
			id, aggregate_id, aggregate_type, event_type, payload,
			created_at, status, retry_count, last_error, next_attempt_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		ev.ID,
		ev.AggregateID,
		ev.AggregateType,
		ev.EventType,
		ev.Payload,
		ev.CreatedAt,
		string(ev.Status),
		ev.RetryCount,
		ev.LastError,
		ev.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ListDue selects PENDING events ready for delivery in creation order. An
// event whose older PENDING sibling in the same aggregate is still backed off
// is held back too; publishing it would break the aggregate's creation order.
func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	query := `
		SELECT e.id, e.aggregate_id, e.aggregate_type, e.event_type, e.payload,
			   e.created_at, e.published_at, e.status, e.retry_count, e.last_error, e.next_attempt_at
		FROM outbox_events e
		WHERE e.status = 'PENDING'
		  AND e.next_attempt_at <= $1
		  AND NOT EXISTS (
			  SELECT 1 FROM outbox_events older
			  WHERE older.aggregate_id = e.aggregate_id
				AND older.status = 'PENDING'
				AND older.next_attempt_at > $1
				AND (older.created_at, older.id) < (e.created_at, e.id)
		  )
		ORDER BY e.created_at, e.id
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = $2
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id uuid.UUID, failure string, nextAttempt time.Time, dead bool) error {
	status := string(StatusPending)
	if dead {
		status = string(StatusFailed)
	}
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
			last_error = $2,
			next_attempt_at = $3,
			status = $4
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, failure, nextAttempt, status); err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAggregate(ctx context.Context, aggregateID string) ([]Event, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
			   created_at, published_at, status, retry_count, last_error, next_attempt_at
		FROM outbox_events
		WHERE aggregate_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query outbox events by aggregate: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev          Event
			status      string
			publishedAt sql.NullTime
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.AggregateID,
			&ev.AggregateType,
			&ev.EventType,
			&ev.Payload,
			&ev.CreatedAt,
			&publishedAt,
			&status,
			&ev.RetryCount,
			&ev.LastError,
			&ev.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.Status = Status(status)
		if publishedAt.Valid {
			t := publishedAt.Time
			ev.PublishedAt = &t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
