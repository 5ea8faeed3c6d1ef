//go:build integration

package changerequest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"refdata/internal/changerequest"
	"refdata/internal/domain"
	"refdata/pkg/platform/sentinel"
	"refdata/pkg/testutil/containers"
)

type PostgresRequestStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *changerequest.PostgresStore
}

func TestPostgresRequestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresRequestStoreSuite))
}

func (s *PostgresRequestStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = changerequest.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresRequestStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "change_requests", "change_request_counters")
	s.Require().NoError(err)
}

func newRequest(number string) domain.ChangeRequest {
	now := time.Now().UTC().Truncate(time.Microsecond)
	prior := 3
	return domain.ChangeRequest{
		ID:            uuid.New(),
		Number:        number,
		DataType:      "ISO3166-1",
		Operation:     domain.OperationUpdate,
		Status:        domain.StatusPending,
		RequesterID:   "alice",
		Justification: "name change",
		Proposed:      &domain.RecordPayload{Code: "US", Name: "United States of America"},
		Current:       &domain.RecordPayload{Code: "US", Name: "United States"},
		PriorVersion:  &prior,
		EffectiveDate: now.AddDate(0, 1, 0),
		Metadata:      map[string]string{"source": "manual"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *PostgresRequestStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	cr := newRequest("CR-2024-000001")

	s.Require().NoError(s.store.Insert(ctx, cr))

	got, err := s.store.Get(ctx, cr.ID)
	s.Require().NoError(err)
	s.Equal(cr.Number, got.Number)
	s.Equal(cr.Operation, got.Operation)
	s.Require().NotNil(got.Proposed)
	s.Equal("United States of America", got.Proposed.Name)
	s.Require().NotNil(got.PriorVersion)
	s.Equal(3, *got.PriorVersion)
	s.Equal("manual", got.Metadata["source"])

	now := time.Now().UTC()
	got.Status = domain.StatusApproved
	got.ApproverID = "bob"
	got.ApprovedAt = &now
	s.Require().NoError(s.store.Update(ctx, got))

	updated, err := s.store.Get(ctx, cr.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusApproved, updated.Status)
	s.Equal("bob", updated.ApproverID)
	s.NotNil(updated.ApprovedAt)
}

func (s *PostgresRequestStoreSuite) TestGetUnknownIsNotFound() {
	_, err := s.store.Get(context.Background(), uuid.New())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *PostgresRequestStoreSuite) TestListByStatus() {
	ctx := context.Background()

	pending := newRequest("CR-2024-000010")
	s.Require().NoError(s.store.Insert(ctx, pending))

	rejected := newRequest("CR-2024-000011")
	rejected.ID = uuid.New()
	rejected.Status = domain.StatusRejected
	s.Require().NoError(s.store.Insert(ctx, rejected))

	got, err := s.store.ListByStatus(ctx, domain.StatusPending)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(pending.ID, got[0].ID)
}

func (s *PostgresRequestStoreSuite) TestNextSequence() {
	ctx := context.Background()

	a, err := s.store.NextSequence(ctx, 2024)
	s.Require().NoError(err)
	b, err := s.store.NextSequence(ctx, 2024)
	s.Require().NoError(err)
	s.Equal(a+1, b)

	// Counters are scoped per year.
	c, err := s.store.NextSequence(ctx, 2025)
	s.Require().NoError(err)
	s.Equal(1, c)
}
