package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"refdata/internal/domain"
	"refdata/internal/outbox"
	"refdata/internal/platform/metrics"
	"refdata/pkg/platform/sentinel"
	"refdata/pkg/platform/tx"
)

// Service owns the bitemporal lifecycle of versioned records. CreateVersion
// and Retire are the only write paths to current-version state; each runs as
// one unit of work that also appends the outbox event, so storage and
// downstream messaging cannot diverge.
type Service struct {
	store  Store
	outbox outbox.Store
	runner tx.Runner
	cache  CurrentCache
	log    *slog.Logger
	stats  *metrics.Metrics
}

func NewService(store Store, outboxStore outbox.Store, runner tx.Runner, log *slog.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if outboxStore == nil {
		return nil, fmt.Errorf("outbox store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("tx runner is required")
	}
	s := &Service{store: store, outbox: outboxStore, runner: runner, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type Option func(*Service)

// WithCache enables the read-through current-head cache.
func WithCache(cache CurrentCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithMetrics enables mutation counters.
func WithMetrics(stats *metrics.Metrics) Option {
	return func(s *Service) { s.stats = stats }
}

// GetCurrent returns the open, active head for a key.
func (s *Service) GetCurrent(ctx context.Context, naturalKey string, system domain.CodeSystem) (domain.VersionedRecord, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(ctx, system, naturalKey); ok {
			return rec, nil
		}
	}
	rec, err := s.store.FindCurrent(ctx, naturalKey, system)
	if errors.Is(err, sentinel.ErrNotFound) {
		return domain.VersionedRecord{}, &domain.NotFoundError{Kind: "record", Key: recordRef(system, naturalKey)}
	}
	if err != nil {
		return domain.VersionedRecord{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, rec)
	}
	return rec, nil
}

// GetAsOf returns the version whose validity window covers asOf. Among
// windows that overlap via corrections, the highest version wins.
func (s *Service) GetAsOf(ctx context.Context, naturalKey string, system domain.CodeSystem, asOf time.Time) (domain.VersionedRecord, error) {
	rec, err := s.store.FindAsOf(ctx, naturalKey, system, asOf)
	if errors.Is(err, sentinel.ErrNotFound) {
		return domain.VersionedRecord{}, &domain.NotFoundError{Kind: "record", Key: recordRef(system, naturalKey)}
	}
	return rec, err
}

// ListAllVersions returns the full history for a key ordered by version.
func (s *Service) ListAllVersions(ctx context.Context, naturalKey string, system domain.CodeSystem) ([]domain.VersionedRecord, error) {
	history, err := s.store.ListVersions(ctx, naturalKey, system)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, &domain.NotFoundError{Kind: "record", Key: recordRef(system, naturalKey)}
	}
	return history, err
}

// ListCurrentBySystem returns every current head in a code system. The
// reconciliation diff runs against this snapshot.
func (s *Service) ListCurrentBySystem(ctx context.Context, system domain.CodeSystem) ([]domain.VersionedRecord, error) {
	return s.store.ListCurrentBySystem(ctx, system)
}

// CreateVersionInput carries one createVersion call. ExpectedPriorVersion nil
// means CREATE; otherwise the stored head's version must match or the call
// fails with ConflictError.
type CreateVersionInput struct {
	System               domain.CodeSystem
	Payload              domain.RecordPayload
	ExpectedPriorVersion *int
	IsCorrection         bool
	ChangeRequestID      *uuid.UUID
	Actor                string
	EffectiveDate        time.Time
}

// CreateVersion atomically checks the expected prior version, closes the
// prior head, inserts the new version, and writes the outbox event. A failure
// at any step leaves the prior head untouched.
//
// A correction reuses the corrected head's validity window and carries the
// next version number; the corrected version is deactivated so only one
// active open head exists per key at any committed instant.
func (s *Service) CreateVersion(ctx context.Context, in CreateVersionInput) (domain.VersionedRecord, error) {
	if in.Payload.Code == "" {
		return domain.VersionedRecord{}, fmt.Errorf("payload code is required")
	}
	if in.EffectiveDate.IsZero() {
		return domain.VersionedRecord{}, fmt.Errorf("effective date is required")
	}

	var created domain.VersionedRecord
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		head, err := s.store.FindCurrent(ctx, in.Payload.Code, in.System)
		headMissing := errors.Is(err, sentinel.ErrNotFound)
		if err != nil && !headMissing {
			return err
		}

		rec := domain.VersionedRecord{
			ID:              uuid.New(),
			NaturalKey:      in.Payload.Code,
			CodeSystem:      in.System,
			Payload:         in.Payload,
			ValidFrom:       in.EffectiveDate,
			Version:         1,
			IsCorrection:    in.IsCorrection,
			RecordedAt:      time.Now().UTC(),
			RecordedBy:      in.Actor,
			ChangeRequestID: in.ChangeRequestID,
			IsActive:        true,
		}

		switch {
		case in.ExpectedPriorVersion == nil:
			if !headMissing {
				return &domain.AlreadyExistsError{NaturalKey: in.Payload.Code, CodeSystem: in.System}
			}
		case headMissing:
			return &domain.ConflictError{
				NaturalKey: in.Payload.Code,
				CodeSystem: in.System,
				Expected:   *in.ExpectedPriorVersion,
			}
		case head.Version != *in.ExpectedPriorVersion:
			return &domain.ConflictError{
				NaturalKey: in.Payload.Code,
				CodeSystem: in.System,
				Expected:   *in.ExpectedPriorVersion,
				Actual:     head.Version,
			}
		default:
			rec.Version = head.Version + 1
			if in.IsCorrection {
				// The correction overlays the corrected window; asOf ties
				// resolve to the higher version.
				rec.ValidFrom = head.ValidFrom
				rec.ValidTo = head.ValidTo
				if err := s.store.Deactivate(ctx, head.NaturalKey, head.CodeSystem, head.Version); err != nil {
					return err
				}
			} else {
				if err := s.store.CloseValidity(ctx, head.NaturalKey, head.CodeSystem, head.Version, in.EffectiveDate); err != nil {
					return err
				}
			}
		}

		if err := s.store.Insert(ctx, rec); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, outbox.EventRecordVersionCreated, rec); err != nil {
			return err
		}
		created = rec
		return nil
	})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) && s.stats != nil {
			s.stats.VersionConflicts.WithLabelValues(string(in.System)).Inc()
		}
		return domain.VersionedRecord{}, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, created.CodeSystem, created.NaturalKey)
	}
	if s.stats != nil {
		s.stats.VersionsCreated.WithLabelValues(string(created.CodeSystem)).Inc()
	}
	s.log.Info("record version created",
		"code_system", created.CodeSystem,
		"natural_key", created.NaturalKey,
		"version", created.Version,
		"correction", created.IsCorrection,
		"actor", created.RecordedBy,
	)
	return created, nil
}

// Retire closes the current head at effectiveDate and deactivates it, with no
// replacement row. Models DELETE.
func (s *Service) Retire(ctx context.Context, naturalKey string, system domain.CodeSystem, effectiveDate time.Time, actor string, changeRequestID *uuid.UUID) error {
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		head, err := s.store.FindCurrent(ctx, naturalKey, system)
		if errors.Is(err, sentinel.ErrNotFound) {
			return &domain.NotFoundError{Kind: "record", Key: recordRef(system, naturalKey)}
		}
		if err != nil {
			return err
		}
		if err := s.store.Retire(ctx, naturalKey, system, head.Version, effectiveDate); err != nil {
			return err
		}
		retired := head
		retired.ValidTo = &effectiveDate
		retired.IsActive = false
		retired.RecordedBy = actor
		retired.ChangeRequestID = changeRequestID
		return s.appendEvent(ctx, outbox.EventRecordRetired, retired)
	})
	if err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, system, naturalKey)
	}
	if s.stats != nil {
		s.stats.RecordsRetired.WithLabelValues(string(system)).Inc()
	}
	s.log.Info("record retired",
		"code_system", system,
		"natural_key", naturalKey,
		"effective_date", effectiveDate,
		"actor", actor,
	)
	return nil
}

func (s *Service) appendEvent(ctx context.Context, eventType string, rec domain.VersionedRecord) error {
	payload := outbox.RecordEventPayload{
		NaturalKey:   rec.NaturalKey,
		CodeSystem:   string(rec.CodeSystem),
		Version:      rec.Version,
		Name:         rec.Payload.Name,
		ValidFrom:    rec.ValidFrom,
		ValidTo:      rec.ValidTo,
		IsCorrection: rec.IsCorrection,
		Actor:        rec.RecordedBy,
	}
	if rec.ChangeRequestID != nil {
		payload.ChangeRequestID = rec.ChangeRequestID.String()
	}
	ev, err := outbox.NewEvent(recordRef(rec.CodeSystem, rec.NaturalKey), outbox.AggregateVersionedRecord, eventType, payload)
	if err != nil {
		return err
	}
	return s.outbox.Append(ctx, ev)
}

func recordRef(system domain.CodeSystem, naturalKey string) string {
	return string(system) + "/" + naturalKey
}
