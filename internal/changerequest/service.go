package changerequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"refdata/internal/domain"
	"refdata/internal/platform/metrics"
	"refdata/internal/policy"
	"refdata/internal/record"
	"refdata/internal/validation"
	"refdata/pkg/platform/sentinel"
	"refdata/pkg/platform/tx"
)

// RecordService is the slice of the record store the workflow needs to apply
// approved requests.
type RecordService interface {
	GetCurrent(ctx context.Context, naturalKey string, system domain.CodeSystem) (domain.VersionedRecord, error)
	CreateVersion(ctx context.Context, in record.CreateVersionInput) (domain.VersionedRecord, error)
	Retire(ctx context.Context, naturalKey string, system domain.CodeSystem, effectiveDate time.Time, actor string, changeRequestID *uuid.UUID) error
}

// ChainFactory builds a fresh validation chain per call so stateful rules
// never leak between evaluations.
type ChainFactory func(system domain.CodeSystem) *validation.Chain

// Service owns the change-request state machine. It is the only sanctioned
// path for human-initiated mutation: record writes happen exclusively through
// Apply on an APPROVED request.
type Service struct {
	store   Store
	records RecordService
	policy  policy.Engine
	chains  ChainFactory
	runner  tx.Runner
	log     *slog.Logger
	stats   *metrics.Metrics
}

func NewService(store Store, records RecordService, engine policy.Engine, chains ChainFactory, runner tx.Runner, log *slog.Logger, stats *metrics.Metrics) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("change request store is required")
	}
	if records == nil {
		return nil, fmt.Errorf("record service is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("policy engine is required")
	}
	if chains == nil {
		chains = func(domain.CodeSystem) *validation.Chain {
			return validation.NewChain(validation.RequiredFieldsRule{}, validation.CodeFormatRule{})
		}
	}
	if runner == nil {
		return nil, fmt.Errorf("tx runner is required")
	}
	return &Service{store: store, records: records, policy: engine, chains: chains, runner: runner, log: log, stats: stats}, nil
}

// SubmitInput carries one proposed mutation.
type SubmitInput struct {
	DataType      domain.CodeSystem
	Operation     domain.Operation
	Proposed      *domain.RecordPayload
	Current       *domain.RecordPayload
	PriorVersion  *int
	RequesterID   string
	Justification string
	EffectiveDate time.Time
	IsCorrection  bool
	Metadata      map[string]string
}

// Submit creates a PENDING request, consulting the governance policy first.
// A policy veto rejects the request immediately; a flag marks it for
// additional approval.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (domain.ChangeRequest, error) {
	switch in.Operation {
	case domain.OperationCreate:
		if in.Proposed == nil {
			return domain.ChangeRequest{}, fmt.Errorf("CREATE requires a proposed payload")
		}
	case domain.OperationUpdate:
		if in.Proposed == nil || in.Current == nil {
			return domain.ChangeRequest{}, fmt.Errorf("UPDATE requires proposed and current payloads")
		}
	case domain.OperationDelete:
		if in.Current == nil {
			return domain.ChangeRequest{}, fmt.Errorf("DELETE requires the current payload")
		}
	default:
		return domain.ChangeRequest{}, fmt.Errorf("unknown operation %q", in.Operation)
	}
	if in.EffectiveDate.IsZero() {
		return domain.ChangeRequest{}, fmt.Errorf("effective date is required")
	}

	payload := domain.RecordPayload{}
	if in.Proposed != nil {
		payload = *in.Proposed
	} else if in.Current != nil {
		payload = *in.Current
	}
	decision, err := s.policy.Evaluate(ctx, policy.Input{
		DataType:    in.DataType,
		Operation:   in.Operation,
		RequesterID: in.RequesterID,
		Payload:     payload,
	})
	if err != nil {
		return domain.ChangeRequest{}, fmt.Errorf("policy evaluation: %w", err)
	}

	now := time.Now().UTC()
	seq, err := s.store.NextSequence(ctx, now.Year())
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	cr := domain.ChangeRequest{
		ID:                         uuid.New(),
		Number:                     fmt.Sprintf("CR-%d-%06d", now.Year(), seq),
		DataType:                   in.DataType,
		Operation:                  in.Operation,
		Status:                     domain.StatusPending,
		RequesterID:                in.RequesterID,
		Justification:              in.Justification,
		Proposed:                   in.Proposed,
		Current:                    in.Current,
		PriorVersion:               in.PriorVersion,
		EffectiveDate:              in.EffectiveDate,
		RequiresAdditionalApproval: decision.RequiresAdditionalApproval,
		Metadata:                   in.Metadata,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if in.IsCorrection {
		if cr.Metadata == nil {
			cr.Metadata = map[string]string{}
		}
		cr.Metadata["correction"] = "true"
	}
	if !decision.Approved {
		cr.Status = domain.StatusRejected
		cr.RejecterID = "policy"
		cr.RejectedAt = &now
		cr.RejectionReason = decision.Reason
	}
	if err := s.store.Insert(ctx, cr); err != nil {
		return domain.ChangeRequest{}, err
	}
	s.log.Info("change request submitted",
		"number", cr.Number,
		"operation", cr.Operation,
		"data_type", cr.DataType,
		"status", cr.Status,
		"requester", cr.RequesterID,
	)
	return cr, nil
}

// Get returns one change request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.ChangeRequest, error) {
	cr, err := s.store.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return domain.ChangeRequest{}, &domain.NotFoundError{Kind: "change request", Key: id.String()}
	}
	return cr, err
}

// ListByStatus returns all requests in one status.
func (s *Service) ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.ChangeRequest, error) {
	return s.store.ListByStatus(ctx, status)
}

// Validate runs the rule chain over the proposed payload. Only meaningful in
// PENDING; for any other status it reports false without erroring.
func (s *Service) Validate(ctx context.Context, id uuid.UUID) (bool, []domain.ValidationIssue, error) {
	cr, err := s.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if cr.Status != domain.StatusPending {
		return false, nil, nil
	}
	candidate := cr.Proposed
	if candidate == nil {
		candidate = cr.Current
	}
	ok, issues := s.chains(cr.DataType).Run(ctx, *candidate)
	return ok, issues, nil
}

// Approve moves PENDING to APPROVED. Requesters cannot approve their own
// requests.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approverID, comments string) (domain.ChangeRequest, error) {
	return s.transition(ctx, id, domain.StatusApproved, "approve", func(cr *domain.ChangeRequest) error {
		if cr.RequesterID == approverID {
			return fmt.Errorf("requester %s cannot approve their own request", approverID)
		}
		now := time.Now().UTC()
		cr.ApproverID = approverID
		cr.ApprovedAt = &now
		cr.ApprovalComments = comments
		return nil
	})
}

// Reject moves PENDING to REJECTED.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, rejecterID, reason string) (domain.ChangeRequest, error) {
	return s.transition(ctx, id, domain.StatusRejected, "reject", func(cr *domain.ChangeRequest) error {
		now := time.Now().UTC()
		cr.RejecterID = rejecterID
		cr.RejectedAt = &now
		cr.RejectionReason = reason
		return nil
	})
}

// Cancel withdraws a PENDING or APPROVED request. APPLIED requests cannot be
// cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, userID, reason string) (domain.ChangeRequest, error) {
	return s.transition(ctx, id, domain.StatusCancelled, "cancel", func(cr *domain.ChangeRequest) error {
		now := time.Now().UTC()
		cr.CancelledBy = userID
		cr.CancelledAt = &now
		cr.CancelReason = reason
		return nil
	})
}

// transition performs a guarded read-then-write inside one unit of work so
// two approvers cannot both win the same transition.
func (s *Service) transition(ctx context.Context, id uuid.UUID, next domain.RequestStatus, action string, mutate func(*domain.ChangeRequest) error) (domain.ChangeRequest, error) {
	var out domain.ChangeRequest
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		cr, err := s.store.Get(ctx, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			return &domain.NotFoundError{Kind: "change request", Key: id.String()}
		}
		if err != nil {
			return err
		}
		if !cr.Status.CanTransition(next) {
			return &domain.InvalidStateError{RequestID: cr.Number, From: cr.Status, Action: action}
		}
		if err := mutate(&cr); err != nil {
			return err
		}
		cr.Status = next
		cr.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, cr); err != nil {
			return err
		}
		out = cr
		return nil
	})
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	s.log.Info("change request transitioned", "number", out.Number, "status", out.Status)
	return out, nil
}

// Apply executes an APPROVED request against the record store. The status
// check, the record write, and the APPLIED transition run in one unit of work,
// so a record version can never commit under a request that is not APPLIED.
// On failure the request stays APPROVED and apply can be retried; the record
// store's optimistic check on the drafted prior version blocks double
// application.
func (s *Service) Apply(ctx context.Context, id uuid.UUID) (domain.ChangeRequest, error) {
	var applied domain.ChangeRequest
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		cr, err := s.store.Get(ctx, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			return &domain.NotFoundError{Kind: "change request", Key: id.String()}
		}
		if err != nil {
			return err
		}
		if !cr.Status.CanTransition(domain.StatusApplied) {
			return &domain.InvalidStateError{RequestID: cr.Number, From: cr.Status, Action: "apply"}
		}

		actor := cr.ApproverID
		if err := s.dispatch(ctx, cr, actor); err != nil {
			return err
		}

		now := time.Now().UTC()
		cr.Status = domain.StatusApplied
		cr.AppliedAt = &now
		cr.AppliedBy = actor
		cr.UpdatedAt = now
		if err := s.store.Update(ctx, cr); err != nil {
			return err
		}
		applied = cr
		return nil
	})
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	if s.stats != nil {
		s.stats.RequestsApplied.WithLabelValues(string(applied.Operation)).Inc()
	}
	s.log.Info("change request applied", "number", applied.Number, "operation", applied.Operation)
	return applied, nil
}

func (s *Service) dispatch(ctx context.Context, cr domain.ChangeRequest, actor string) error {
	crID := cr.ID
	switch cr.Operation {
	case domain.OperationCreate:
		_, err := s.records.CreateVersion(ctx, record.CreateVersionInput{
			System:          cr.DataType,
			Payload:         *cr.Proposed,
			ChangeRequestID: &crID,
			Actor:           actor,
			EffectiveDate:   cr.EffectiveDate,
		})
		return err
	case domain.OperationUpdate:
		// A pinned prior version is the optimistic expectation: if the record
		// moved since the request was drafted, the store rejects the write
		// with ConflictError and the request stays APPROVED for re-review.
		var expected int
		if cr.PriorVersion != nil {
			expected = *cr.PriorVersion
		} else {
			head, err := s.records.GetCurrent(ctx, cr.Proposed.Code, cr.DataType)
			if err != nil {
				return err
			}
			expected = head.Version
		}
		_, err := s.records.CreateVersion(ctx, record.CreateVersionInput{
			System:               cr.DataType,
			Payload:              *cr.Proposed,
			ExpectedPriorVersion: &expected,
			IsCorrection:         cr.Metadata["correction"] == "true",
			ChangeRequestID:      &crID,
			Actor:                actor,
			EffectiveDate:        cr.EffectiveDate,
		})
		return err
	case domain.OperationDelete:
		return s.records.Retire(ctx, cr.Current.Code, cr.DataType, cr.EffectiveDate, actor, &crID)
	default:
		return fmt.Errorf("unknown operation %q", cr.Operation)
	}
}

// BulkApprove approves each id independently. One failure never aborts the
// others; the result lists the requests that were approved, and skipped ids
// are logged.
func (s *Service) BulkApprove(ctx context.Context, ids []uuid.UUID, approverID string) []domain.ChangeRequest {
	var approved []domain.ChangeRequest
	for _, id := range ids {
		cr, err := s.Approve(ctx, id, approverID, "bulk approval")
		if err != nil {
			s.log.Warn("bulk approve skipped request", "id", id, "error", err)
			continue
		}
		approved = append(approved, cr)
	}
	return approved
}
