package record

import (
	"context"
	"time"

	"refdata/internal/domain"
)

// Store is pure I/O over versioned record rows. Bitemporal rules (optimistic
// checks, window closing, correction handling) live in the Service; stores
// only read and write rows. Implementations return sentinel.ErrNotFound when
// no row matches.
type Store interface {
	// FindCurrent returns the open, active head for a key.
	FindCurrent(ctx context.Context, naturalKey string, system domain.CodeSystem) (domain.VersionedRecord, error)

	// FindAsOf returns the version whose validity window covers asOf. When
	// corrections leave several windows covering the date, the highest
	// version wins. Inactive versions participate: history stays queryable
	// after retirement.
	FindAsOf(ctx context.Context, naturalKey string, system domain.CodeSystem, asOf time.Time) (domain.VersionedRecord, error)

	// ListVersions returns the full history for a key ordered by version.
	ListVersions(ctx context.Context, naturalKey string, system domain.CodeSystem) ([]domain.VersionedRecord, error)

	// ListCurrentBySystem returns every open, active head in a code system.
	ListCurrentBySystem(ctx context.Context, system domain.CodeSystem) ([]domain.VersionedRecord, error)

	Insert(ctx context.Context, rec domain.VersionedRecord) error

	// CloseValidity sets validTo on one version, leaving it active history.
	CloseValidity(ctx context.Context, naturalKey string, system domain.CodeSystem, version int, validTo time.Time) error

	// Deactivate marks one version inactive without touching its window.
	// Used when a correction supersedes it.
	Deactivate(ctx context.Context, naturalKey string, system domain.CodeSystem, version int) error

	// Retire closes the window and deactivates in one step. Models DELETE;
	// no replacement row follows.
	Retire(ctx context.Context, naturalKey string, system domain.CodeSystem, version int, validTo time.Time) error
}
