package changerequest

import (
	"context"

	"github.com/google/uuid"

	"refdata/internal/domain"
)

// Store persists change requests. Pure I/O; the state machine lives in the
// service. Implementations return sentinel.ErrNotFound for unknown ids.
type Store interface {
	Insert(ctx context.Context, cr domain.ChangeRequest) error
	Get(ctx context.Context, id uuid.UUID) (domain.ChangeRequest, error)
	Update(ctx context.Context, cr domain.ChangeRequest) error
	ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.ChangeRequest, error)

	// NextSequence hands out the per-year counter behind human-readable
	// request numbers (CR-2026-000042).
	NextSequence(ctx context.Context, year int) (int, error)
}
