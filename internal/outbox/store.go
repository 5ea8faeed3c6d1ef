package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox events. Append must honor a transaction carried on
// the context so the event commits atomically with the record mutation that
// produced it.
type Store interface {
	Append(ctx context.Context, ev Event) error

	// ListDue returns PENDING events whose next attempt is due, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Event, error)

	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordFailure bumps the retry count and schedules the next attempt.
	// When dead is true the event moves to FAILED and stays for manual
	// intervention.
	RecordFailure(ctx context.Context, id uuid.UUID, failure string, nextAttempt time.Time, dead bool) error

	// ListByAggregate returns all events for one aggregate in creation order.
	ListByAggregate(ctx context.Context, aggregateID string) ([]Event, error)
}
