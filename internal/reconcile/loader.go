package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"refdata/internal/changerequest"
	"refdata/internal/domain"
	"refdata/internal/record"
)

// Change is one synthesized mutation from a diff. Prior carries the head the
// change was computed against for UPDATE and DELETE.
type Change struct {
	Operation domain.Operation
	Payload   domain.RecordPayload
	Prior     *domain.VersionedRecord
}

// Result reports the outcome of routing one change.
type Result struct {
	Change          Change
	ChangeRequestID *uuid.UUID
	Err             error
}

// Loader routes a changeset. The registry deliberately keeps two ingress
// paths side by side: a trusted automated loader that writes straight to the
// record store, and a governed loader that opens one change request per
// change and leaves it pending.
type Loader interface {
	Name() string
	Apply(ctx context.Context, batch domain.ReconciliationBatch, changes []Change) []Result
}

type recordApplier interface {
	CreateVersion(ctx context.Context, in record.CreateVersionInput) (domain.VersionedRecord, error)
	Retire(ctx context.Context, naturalKey string, system domain.CodeSystem, effectiveDate time.Time, actor string, changeRequestID *uuid.UUID) error
}

// DirectLoader applies changes straight to the record store. Each change is
// its own apply; a failure is recorded in the result and does not roll back
// earlier changes in the same batch.
type DirectLoader struct {
	records recordApplier
	actor   string
}

func NewDirectLoader(records recordApplier, actor string) *DirectLoader {
	if actor == "" {
		actor = "reconciliation"
	}
	return &DirectLoader{records: records, actor: actor}
}

func (l *DirectLoader) Name() string { return "direct" }

func (l *DirectLoader) Apply(ctx context.Context, batch domain.ReconciliationBatch, changes []Change) []Result {
	effective := batch.StartedAt.UTC().Truncate(24 * time.Hour)
	results := make([]Result, 0, len(changes))
	for _, change := range changes {
		var err error
		switch change.Operation {
		case domain.OperationCreate:
			_, err = l.records.CreateVersion(ctx, record.CreateVersionInput{
				System:        batch.CodeSystem,
				Payload:       change.Payload,
				Actor:         l.actor,
				EffectiveDate: effective,
			})
		case domain.OperationUpdate:
			expected := change.Prior.Version
			_, err = l.records.CreateVersion(ctx, record.CreateVersionInput{
				System:               batch.CodeSystem,
				Payload:              change.Payload,
				ExpectedPriorVersion: &expected,
				Actor:                l.actor,
				EffectiveDate:        effective,
			})
		case domain.OperationDelete:
			err = l.records.Retire(ctx, change.Prior.NaturalKey, batch.CodeSystem, effective, l.actor, nil)
		default:
			err = fmt.Errorf("unknown operation %q", change.Operation)
		}
		results = append(results, Result{Change: change, Err: err})
	}
	return results
}

type requestSubmitter interface {
	Submit(ctx context.Context, in changerequest.SubmitInput) (domain.ChangeRequest, error)
}

// GovernedLoader opens one PENDING change request per change instead of
// writing to the store. Humans take it from there.
type GovernedLoader struct {
	requests  requestSubmitter
	requester string
}

func NewGovernedLoader(requests requestSubmitter, requester string) *GovernedLoader {
	if requester == "" {
		requester = "reconciliation"
	}
	return &GovernedLoader{requests: requests, requester: requester}
}

func (l *GovernedLoader) Name() string { return "governed" }

func (l *GovernedLoader) Apply(ctx context.Context, batch domain.ReconciliationBatch, changes []Change) []Result {
	effective := batch.StartedAt.UTC().Truncate(24 * time.Hour)
	results := make([]Result, 0, len(changes))
	for _, change := range changes {
		in := changerequest.SubmitInput{
			DataType:      batch.CodeSystem,
			Operation:     change.Operation,
			RequesterID:   l.requester,
			Justification: fmt.Sprintf("reconciliation batch %s from %s", batch.ID, batch.Source),
			EffectiveDate: effective,
			Metadata:      map[string]string{"batch_id": batch.ID.String()},
		}
		switch change.Operation {
		case domain.OperationCreate:
			payload := change.Payload
			in.Proposed = &payload
		case domain.OperationUpdate:
			payload := change.Payload
			in.Proposed = &payload
			prior := change.Prior.Payload
			in.Current = &prior
			version := change.Prior.Version
			in.PriorVersion = &version
		case domain.OperationDelete:
			prior := change.Prior.Payload
			in.Current = &prior
			version := change.Prior.Version
			in.PriorVersion = &version
		}
		cr, err := l.requests.Submit(ctx, in)
		result := Result{Change: change, Err: err}
		if err == nil {
			id := cr.ID
			result.ChangeRequestID = &id
		}
		results = append(results, result)
	}
	return results
}
