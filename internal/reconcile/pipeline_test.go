package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"refdata/internal/changerequest"
	"refdata/internal/domain"
	"refdata/internal/outbox"
	"refdata/internal/policy"
	"refdata/internal/record"
	"refdata/pkg/platform/tx"
)

type stubFeed struct {
	name string
	rows []Row
	err  error
}

func (f stubFeed) Name() string { return f.name }

func (f stubFeed) Pull(context.Context) ([]Row, error) {
	return f.rows, f.err
}

func feedRows(specs ...map[string]string) []Row {
	rows := make([]Row, 0, len(specs))
	for i, fields := range specs {
		rows = append(rows, Row{Fields: fields, Line: i + 2})
	}
	return rows
}

// =============================================================================
// Pipeline Test Suite (direct loader)
// =============================================================================

type PipelineSuite struct {
	suite.Suite
	records  *record.Service
	staging  *InMemoryStagingStore
	pipeline *Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	log := slog.New(slog.DiscardHandler)

	var err error
	s.records, err = record.NewService(record.NewInMemoryStore(), outbox.NewInMemoryStore(), tx.NewSerialRunner(), log)
	s.Require().NoError(err)

	s.staging = NewInMemoryStagingStore()
	s.pipeline, err = NewPipeline(s.records, s.staging, NewDirectLoader(s.records, "reconciliation"), nil, log, nil, time.Second)
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestFirstRunAddsEverything() {
	ctx := context.Background()
	feed := stubFeed{name: "countries.csv", rows: feedRows(
		map[string]string{"code": "US", "name": "United States", "region": "AMER"},
		map[string]string{"code": "DE", "name": "Germany", "region": "EMEA"},
	)}

	batch, err := s.pipeline.Run(ctx, "ISO3166-1", feed)
	s.Require().NoError(err)

	s.Equal(domain.BatchCompleted, batch.Status)
	s.Equal(2, batch.Extracted)
	s.Equal(2, batch.Valid)
	s.Equal(0, batch.Invalid)
	s.Equal(2, batch.Added)
	s.Equal(0, batch.Updated)
	s.Equal(0, batch.Removed)
	s.NotNil(batch.FinishedAt)

	head, err := s.records.GetCurrent(ctx, "US", "ISO3166-1")
	s.Require().NoError(err)
	s.Equal(1, head.Version)
	s.Equal("reconciliation", head.RecordedBy)

	staged, err := s.staging.ListStagingByBatch(ctx, batch.ID)
	s.Require().NoError(err)
	s.Require().Len(staged, 2)
	for _, rec := range staged {
		s.Equal(domain.StagingProcessed, rec.Status)
		s.NotEmpty(rec.ContentHash)
	}
}

func (s *PipelineSuite) TestIdenticalRerunIsIdempotent() {
	ctx := context.Background()
	feed := stubFeed{name: "countries.csv", rows: feedRows(
		map[string]string{"code": "US", "name": "United States", "region": "AMER"},
	)}

	_, err := s.pipeline.Run(ctx, "ISO3166-1", feed)
	s.Require().NoError(err)

	batch, err := s.pipeline.Run(ctx, "ISO3166-1", feed)
	s.Require().NoError(err)

	s.Equal(domain.BatchCompleted, batch.Status)
	s.Equal(0, batch.Added)
	s.Equal(0, batch.Updated)
	s.Equal(0, batch.Removed)

	head, err := s.records.GetCurrent(ctx, "US", "ISO3166-1")
	s.Require().NoError(err)
	s.Equal(1, head.Version, "identical data must not spawn versions")
}

func (s *PipelineSuite) TestUnchangedSourceShortCircuitsOnDigest() {
	ctx := context.Background()
	feed := stubFeed{name: "countries.csv", rows: feedRows(
		map[string]string{"code": "US", "name": "United States", "region": "AMER"},
	)}

	first, err := s.pipeline.Run(ctx, "ISO3166-1", feed)
	s.Require().NoError(err)
	s.NotEmpty(first.SourceDigest)

	// Drift the store out of band. An unchanged snapshot must not converge it
	// back; the matching digest decides before any diff runs.
	err = s.records.Retire(ctx, "US", "ISO3166-1",
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), "steward", nil)
	s.Require().NoError(err)

	second, err := s.pipeline.Run(ctx, "ISO3166-1", feed)
	s.Require().NoError(err)
	s.Equal(domain.BatchCompleted, second.Status)
	s.Equal(first.SourceDigest, second.SourceDigest)
	s.Equal(0, second.Added)
	s.Equal(0, second.Updated)
	s.Equal(0, second.Removed)

	_, err = s.records.GetCurrent(ctx, "US", "ISO3166-1")
	var notFound *domain.NotFoundError
	s.ErrorAs(err, &notFound, "the short-circuited run must not touch records")
}

func (s *PipelineSuite) TestUpdatesAndRemovals() {
	ctx := context.Background()

	_, err := s.pipeline.Run(ctx, "ISO3166-1", stubFeed{name: "v1.csv", rows: feedRows(
		map[string]string{"code": "US", "name": "United States"},
		map[string]string{"code": "YU", "name": "Yugoslavia"},
	)})
	s.Require().NoError(err)

	batch, err := s.pipeline.Run(ctx, "ISO3166-1", stubFeed{name: "v2.csv", rows: feedRows(
		map[string]string{"code": "US", "name": "United States of America"},
		map[string]string{"code": "FR", "name": "France"},
	)})
	s.Require().NoError(err)

	s.Equal(1, batch.Added)
	s.Equal(1, batch.Updated)
	s.Equal(1, batch.Removed)

	head, err := s.records.GetCurrent(ctx, "US", "ISO3166-1")
	s.Require().NoError(err)
	s.Equal(2, head.Version)
	s.Equal("United States of America", head.Payload.Name)

	_, err = s.records.GetCurrent(ctx, "YU", "ISO3166-1")
	var notFound *domain.NotFoundError
	s.ErrorAs(err, &notFound)
}

func (s *PipelineSuite) TestInvalidRowsAreStagedAndExcluded() {
	ctx := context.Background()
	feed := stubFeed{name: "dirty.csv", rows: feedRows(
		map[string]string{"code": "US", "name": "United States"},
		map[string]string{"code": "bad!", "name": "Lowercase"},
		map[string]string{"code": "DE", "name": ""},
		map[string]string{"code": "US", "name": "Duplicate States"},
	)}

	batch, err := s.pipeline.Run(ctx, "ISO3166-1", feed)
	s.Require().NoError(err)

	s.Equal(domain.BatchCompleted, batch.Status)
	s.Equal(4, batch.Extracted)
	s.Equal(1, batch.Valid)
	s.Equal(3, batch.Invalid)
	s.Equal(1, batch.Added)

	staged, err := s.staging.ListStagingByBatch(ctx, batch.ID)
	s.Require().NoError(err)
	s.Require().Len(staged, 4)

	failed := 0
	for _, rec := range staged {
		if rec.Status == domain.StagingFailed {
			failed++
			s.NotEmpty(rec.Messages)
		}
	}
	s.Equal(3, failed)

	_, err = s.records.GetCurrent(ctx, "DE", "ISO3166-1")
	var notFound *domain.NotFoundError
	s.ErrorAs(err, &notFound)
}

func (s *PipelineSuite) TestExtractionFailureTouchesNothing() {
	ctx := context.Background()
	feed := stubFeed{name: "flaky-upstream", err: errors.New("connection reset")}

	batch, err := s.pipeline.Run(ctx, "ISO3166-1", feed)

	var srcErr *domain.ExternalSourceError
	s.Require().ErrorAs(err, &srcErr)
	s.Equal("flaky-upstream", srcErr.Source)

	s.Equal(domain.BatchFailed, batch.Status)
	s.Contains(batch.Failure, "connection reset")

	staged, stErr := s.staging.ListStagingByBatch(ctx, batch.ID)
	s.Require().NoError(stErr)
	s.Empty(staged, "a failed extract stages nothing")

	current, listErr := s.records.ListCurrentBySystem(ctx, "ISO3166-1")
	s.Require().NoError(listErr)
	s.Empty(current)
}

// =============================================================================
// Governed loader
// =============================================================================

type GovernedPipelineSuite struct {
	suite.Suite
	records  *record.Service
	requests *changerequest.Service
	staging  *InMemoryStagingStore
	pipeline *Pipeline
}

func TestGovernedPipelineSuite(t *testing.T) {
	suite.Run(t, new(GovernedPipelineSuite))
}

func (s *GovernedPipelineSuite) SetupTest() {
	log := slog.New(slog.DiscardHandler)
	runner := tx.NewSerialRunner()

	var err error
	s.records, err = record.NewService(record.NewInMemoryStore(), outbox.NewInMemoryStore(), runner, log)
	s.Require().NoError(err)

	s.requests, err = changerequest.NewService(
		changerequest.NewInMemoryStore(), s.records, policy.NewRuleBook(nil), nil, runner, log, nil)
	s.Require().NoError(err)

	s.staging = NewInMemoryStagingStore()
	s.pipeline, err = NewPipeline(s.records, s.staging, NewGovernedLoader(s.requests, "reconciliation"), nil, log, nil, time.Second)
	s.Require().NoError(err)
}

func (s *GovernedPipelineSuite) TestChangesLandAsPendingRequests() {
	ctx := context.Background()
	feed := stubFeed{name: "ports.csv", rows: feedRows(
		map[string]string{"code": "USNYC", "name": "New York"},
	)}

	batch, err := s.pipeline.Run(ctx, "UNLOCODE", feed)
	s.Require().NoError(err)
	s.Equal(1, batch.Added)

	// The governed route opens requests; nothing reaches the record store
	// until a human approves and applies.
	current, err := s.records.ListCurrentBySystem(ctx, "UNLOCODE")
	s.Require().NoError(err)
	s.Empty(current)

	pending, err := s.requests.ListByStatus(ctx, domain.StatusPending)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(domain.OperationCreate, pending[0].Operation)
	s.Equal("reconciliation", pending[0].RequesterID)
	s.Equal(batch.ID.String(), pending[0].Metadata["batch_id"])

	staged, err := s.staging.ListStagingByBatch(ctx, batch.ID)
	s.Require().NoError(err)
	s.Require().Len(staged, 1)
	s.Equal(domain.StagingProcessed, staged[0].Status)
	s.Require().NotNil(staged[0].ChangeRequestID)
	s.Equal(pending[0].ID, *staged[0].ChangeRequestID)
}
